// Package tick provides wrap-aware modular time for the engine: an
// absolute Tick counter and the signed TickDelta between two ticks.
package tick

import "fmt"

// Tick is an absolute simulation tick in modular 32-bit time. It wraps on
// overflow; comparisons must go through Diff/IsAfter/IsBefore rather than
// raw integer comparison to stay correct across the wrap.
type Tick uint32

// Delta is the signed linear difference between two ticks, in range
// -(2^31) ..= +(2^31 - 1).
type Delta int32

// Diff computes a wrap-aware signed difference: t - other. Positive means
// t happens after other.
func (t Tick) Diff(other Tick) Delta {
	return Delta(int32(uint32(t) - uint32(other)))
}

// IsAfter reports whether t happens after other in tick-time.
func (t Tick) IsAfter(other Tick) bool { return t.Diff(other) > 0 }

// IsBefore reports whether t happens before other in tick-time.
func (t Tick) IsBefore(other Tick) bool { return t.Diff(other) < 0 }

// Add returns t shifted by delta, wrapping on overflow.
func (t Tick) Add(delta Delta) Tick { return Tick(uint32(t) + uint32(int32(delta))) }

// Sub returns t shifted back by delta, wrapping on overflow.
func (t Tick) Sub(delta Delta) Tick { return Tick(uint32(t) - uint32(int32(delta))) }

func (t Tick) String() string  { return fmt.Sprintf("Tick(%d)", uint32(t)) }
func (d Delta) String() string { return fmt.Sprintf("TickDelta(%d)", int32(d)) }
