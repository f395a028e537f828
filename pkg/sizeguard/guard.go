// Package sizeguard implements the per-direction payload size decision.
//
// A Guard receives two kinds of size signals for one direction of one
// exchange: a declared length (the Content-Length header, once, at header
// time) and zero or more observed chunk sizes. The declared length gives an
// early rejection when the sender is honest about the body size; chunk
// accumulation catches absent, false or inconsistent declarations.
//
// A Guard rejects at most once. After the first rejection it is latched and
// accepts every further signal without evaluating it.
package sizeguard

import (
	"math"
	"strconv"
	"strings"

	"github.com/polisai/polis-limitsize/pkg/domain"
)

// Reason explains a verdict.
type Reason string

const (
	// ReasonNone means the signal was accepted.
	ReasonNone Reason = ""
	// ReasonDeclaredLength means the declared length exceeded the limit.
	ReasonDeclaredLength Reason = "declared_length"
	// ReasonAccumulated means the observed body bytes exceeded the limit.
	ReasonAccumulated Reason = "accumulated"
)

// Verdict is the outcome of evaluating one signal.
type Verdict struct {
	Reject bool
	Reason Reason
	// Observed is the declared length or the accumulated total that was
	// compared against the limit.
	Observed uint64
}

// Guard holds the size state of one direction. The zero value is an
// unlimited guard.
type Guard struct {
	limit       domain.Limit
	accumulated uint64
	terminated  bool
}

// New returns a fresh guard for limit.
func New(limit domain.Limit) Guard {
	return Guard{limit: limit}
}

// Limit returns the limit the guard enforces.
func (g *Guard) Limit() domain.Limit {
	return g.limit
}

// Accumulated returns the body bytes counted so far. Unlimited guards do not count.
func (g *Guard) Accumulated() uint64 {
	return g.accumulated
}

// Terminated reports whether the guard has rejected.
func (g *Guard) Terminated() bool {
	return g.terminated
}

// CheckDeclared evaluates a declared length. A missing or unparsable value is
// not an error: the fast path is simply unavailable and chunk accumulation
// remains the only check. A value equal to the limit is accepted.
func (g *Guard) CheckDeclared(value string, present bool) Verdict {
	if g.terminated || g.limit.IsUnlimited() || !present {
		return Verdict{}
	}

	declared, ok := ParseDeclaredLength(value)
	if !ok {
		return Verdict{}
	}
	if g.limit.Exceeded(declared) {
		g.terminated = true
		return Verdict{Reject: true, Reason: ReasonDeclaredLength, Observed: declared}
	}
	return Verdict{Observed: declared}
}

// Observe adds one chunk of n bytes and rejects on the first chunk that takes
// the running total past the limit.
func (g *Guard) Observe(n uint64) Verdict {
	if g.terminated || g.limit.IsUnlimited() {
		return Verdict{}
	}

	if n > math.MaxUint64-g.accumulated {
		g.accumulated = math.MaxUint64
	} else {
		g.accumulated += n
	}

	if g.limit.Exceeded(g.accumulated) {
		g.terminated = true
		return Verdict{Reject: true, Reason: ReasonAccumulated, Observed: g.accumulated}
	}
	return Verdict{Observed: g.accumulated}
}

// ParseDeclaredLength parses a length header value as a non-negative decimal
// integer. Surrounding whitespace is ignored; signs, fractions and values
// beyond uint64 are not lengths.
func ParseDeclaredLength(value string) (uint64, bool) {
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
