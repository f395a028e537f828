package domain

import "strconv"

// Limit is a per-direction byte limit. The zero value is unlimited.
type Limit struct {
	bytes uint64
	set   bool
}

// Unlimited returns a limit that never rejects.
func Unlimited() Limit {
	return Limit{}
}

// LimitOf returns a limit of n bytes. A body of exactly n bytes is accepted.
func LimitOf(n uint64) Limit {
	return Limit{bytes: n, set: true}
}

// Bytes returns the configured byte count and whether a limit is set at all.
func (l Limit) Bytes() (uint64, bool) {
	return l.bytes, l.set
}

// IsUnlimited reports whether the limit accepts any size.
func (l Limit) IsUnlimited() bool {
	return !l.set
}

// Exceeded reports whether n strictly exceeds the limit.
func (l Limit) Exceeded(n uint64) bool {
	return l.set && n > l.bytes
}

func (l Limit) String() string {
	if !l.set {
		return "unlimited"
	}
	return strconv.FormatUint(l.bytes, 10) + " bytes"
}

// Direction identifies which half of an exchange a size signal belongs to.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// Action is the decision returned to the host for every filter event.
type Action int

const (
	// ActionContinue lets the host keep delivering the phase normally.
	ActionContinue Action = iota
	// ActionPause tells the host to stop normal delivery; a synthetic
	// response has already been emitted.
	ActionPause
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionPause:
		return "pause"
	default:
		return "action(" + strconv.Itoa(int(a)) + ")"
	}
}
