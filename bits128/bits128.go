// Copyright 2019 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package bits128 implements a fixed-width 128-bit set, used throughout the
// engine to track slot presence, absence and change state within a 128-way
// tree node. Go has no native int128, so a Set is a pair of uint64 halves.
package bits128

import "math/bits"

// Set is a 128-bit wide bitmask, bit i held in Lo for i < 64 and in Hi for
// i >= 64. The zero value is the empty set.
type Set struct {
	Lo uint64
	Hi uint64
}

// Full is the all-ones set (every one of the 128 slots present).
var Full = Set{Lo: ^uint64(0), Hi: ^uint64(0)}

// Bit returns the set containing only bit i. For i outside [0,128) it
// returns the empty set.
func Bit(i int) Set {
	if i < 64 {
		return Set{Lo: uint64(1) << uint(i)}
	}
	return Set{Hi: uint64(1) << uint(i-64)}
}

// Ones returns a set with the low n bits present, 0 <= n <= 128.
func Ones(n int) Set {
	switch {
	case n <= 0:
		return Set{}
	case n >= 128:
		return Full
	case n < 64:
		return Set{Lo: (uint64(1) << uint(n)) - 1}
	case n == 64:
		return Set{Lo: ^uint64(0)}
	default:
		return Set{Lo: ^uint64(0), Hi: (uint64(1) << uint(n-64)) - 1}
	}
}

// Has reports whether bit i is present.
func (s Set) Has(i int) bool {
	if i < 64 {
		return s.Lo&(uint64(1)<<uint(i)) != 0
	}
	return s.Hi&(uint64(1)<<uint(i-64)) != 0
}

// With returns s with bit i set.
func (s Set) With(i int) Set {
	if i < 64 {
		s.Lo |= uint64(1) << uint(i)
		return s
	}
	s.Hi |= uint64(1) << uint(i-64)
	return s
}

// Without returns s with bit i cleared.
func (s Set) Without(i int) Set {
	if i < 64 {
		s.Lo &^= uint64(1) << uint(i)
		return s
	}
	s.Hi &^= uint64(1) << uint(i-64)
	return s
}

// And returns the intersection of s and o.
func (s Set) And(o Set) Set { return Set{s.Lo & o.Lo, s.Hi & o.Hi} }

// Or returns the union of s and o.
func (s Set) Or(o Set) Set { return Set{s.Lo | o.Lo, s.Hi | o.Hi} }

// AndNot returns s with every bit also present in o cleared.
func (s Set) AndNot(o Set) Set { return Set{s.Lo &^ o.Lo, s.Hi &^ o.Hi} }

// Not returns the bitwise complement of s.
func (s Set) Not() Set { return Set{^s.Lo, ^s.Hi} }

// IsZero reports whether no bits are present.
func (s Set) IsZero() bool { return s.Lo == 0 && s.Hi == 0 }

// IsFull reports whether all 128 bits are present.
func (s Set) IsFull() bool { return s.Lo == ^uint64(0) && s.Hi == ^uint64(0) }

// Equal reports whether s and o hold the same bits.
func (s Set) Equal(o Set) bool { return s.Lo == o.Lo && s.Hi == o.Hi }

// PopCount returns the number of present bits.
func (s Set) PopCount() int { return bits.OnesCount64(s.Lo) + bits.OnesCount64(s.Hi) }

// TrailingZeros returns the index of the lowest present bit, or 128 if s is
// empty.
func (s Set) TrailingZeros() int {
	if s.Lo != 0 {
		return bits.TrailingZeros64(s.Lo)
	}
	if s.Hi != 0 {
		return 64 + bits.TrailingZeros64(s.Hi)
	}
	return 128
}

// TrailingOnes returns the length of the run of consecutive present bits
// starting at bit 0 (0 if bit 0 itself is absent).
func (s Set) TrailingOnes() int {
	to := bits.TrailingZeros64(^s.Lo)
	if to < 64 {
		return to
	}
	return 64 + bits.TrailingZeros64(^s.Hi)
}

// Shl returns s shifted left by n bits, 0 <= n <= 128. Bits shifted past 127
// are discarded.
func (s Set) Shl(n int) Set {
	switch {
	case n <= 0:
		return s
	case n >= 128:
		return Set{}
	case n < 64:
		return Set{Lo: s.Lo << uint(n), Hi: (s.Hi << uint(n)) | (s.Lo >> uint(64-n))}
	case n == 64:
		return Set{Lo: 0, Hi: s.Lo}
	default:
		return Set{Lo: 0, Hi: s.Lo << uint(n-64)}
	}
}

// Shr returns s shifted right (logically) by n bits, 0 <= n <= 128.
func (s Set) Shr(n int) Set {
	switch {
	case n <= 0:
		return s
	case n >= 128:
		return Set{}
	case n < 64:
		return Set{Lo: (s.Lo >> uint(n)) | (s.Hi << uint(64-n)), Hi: s.Hi >> uint(n)}
	case n == 64:
		return Set{Lo: s.Hi, Hi: 0}
	default:
		return Set{Lo: s.Hi >> uint(n-64), Hi: 0}
	}
}

// Run returns a mask with the `length` bits starting at `start` present.
// Used to clear a processed bit-run in one AndNot call, the pattern every
// level of block and storage iterates with.
func Run(start, length int) Set {
	return Ones(length).Shl(start)
}

// NextRun finds the next run of present bits in s starting at or after bit
// 0, returning its start index, its length, and ok=false if s is empty.
// Callers clear the run with s.AndNot(Run(start, length)) to advance.
func (s Set) NextRun() (start, length int, ok bool) {
	if s.IsZero() {
		return 0, 0, false
	}
	start = s.TrailingZeros()
	length = s.Shr(start).TrailingOnes()
	return start, length, true
}
