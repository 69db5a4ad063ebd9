// Package genclock implements the tree-zone's 8-bit cyclic generation clock.
//
// Generations are a modulus-256 counter. A page stamped with generation g is
// "in flight" until oldest_generation advances past g. The space wraps, so
// ordering questions must always be phrased cyclically, never by plain
// integer comparison.
package genclock

// Modulus is the width of the generation space (spec §3, §9).
const Modulus = 256

// Generation is an 8-bit cyclic tag. Values outside [0, Modulus) never
// occur; arithmetic below keeps everything reduced mod Modulus.
type Generation uint8

// InCyclicRange reports whether x lies in the cyclic interval [low, high]
// (inclusive both ends) modulo m, walking forward from low.
func InCyclicRange(low, x, high Generation, m int) bool {
	span := int(high) - int(low)
	if span < 0 {
		span += m
	}
	offset := int(x) - int(low)
	if offset < 0 {
		offset += m
	}
	return offset <= span
}

// IsNotOlder reports whether a lies strictly after b, cyclically, up to and
// including the zone's current generation. Both a and b are asserted to lie
// within [oldest, current]; the caller is responsible for that invariant
// since the answer is meaningless outside the tracked window.
func IsNotOlder(a, b, current Generation) bool {
	if a == b {
		return false
	}
	return InCyclicRange(b+1, a, current, Modulus)
}

// Clock tracks a zone's live generation window: everything in
// [Oldest, Current] may still have an outstanding dirty page.
type Clock struct {
	Current Generation
	Oldest  Generation
}

// AttemptIncrement advances Current by one, unless doing so would make the
// window span all 256 generations (oldest == current+1, i.e. every
// generation is already in flight). Returns false without mutating state
// when the window is full.
func (c *Clock) AttemptIncrement() bool {
	if c.Oldest == c.Current+1 {
		return false
	}
	c.Current++
	return true
}

// IsNotOlder is a convenience wrapper binding Current from the clock. Unlike
// the free function, it enforces the precondition free IsNotOlder only
// documents: a and b must both lie in [Oldest, Current], the window the
// clock actually tracks, before the comparison means anything.
func (c *Clock) IsNotOlder(a, b Generation) bool {
	if !c.InWindow(a) || !c.InWindow(b) {
		return false
	}
	return IsNotOlder(a, b, c.Current)
}

// InWindow reports whether g is currently tracked, i.e. in [Oldest, Current].
func (c *Clock) InWindow(g Generation) bool {
	return InCyclicRange(c.Oldest, g, c.Current, Modulus)
}
