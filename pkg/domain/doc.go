// Package domain defines the core types shared by the payload size filter,
// its configuration layer, and the HTTP host that drives it.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no HTTP server, file watching, telemetry)
// - Plain values that are safe to copy between exchanges
// - Testable in isolation without mocks
//
// Other packages (config, sizeguard, filter, proxy) depend on these types. The
// dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
