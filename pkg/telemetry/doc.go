// Package telemetry wires OpenTelemetry tracing and metrics and the
// Prometheus registry served on the admin listener.
//
// Rejections reported by the payload size filter are counted on both
// backends so that operators can alert on them from either side, and the
// data-plane span of a rejected exchange carries a security event describing
// the decision.
package telemetry
