package permission

import "math/bits"

// Mask64 is a 64-bit action bitmask. Bit positions come from a [Registry].
type Mask64 uint64

// Has reports whether the given bit is set.
func (m Mask64) Has(bit int) bool {
	if bit < 0 || bit >= maxActions {
		return false
	}
	return m&(1<<bit) != 0
}

// Set sets the given bit in the mask.
func (m *Mask64) Set(bit int) {
	if bit < 0 || bit >= maxActions {
		return
	}
	*m |= 1 << bit
}

// Union returns the bitwise OR of m and other.
func (m Mask64) Union(other Mask64) Mask64 {
	return m | other
}

// Count returns the number of set bits.
func (m Mask64) Count() int {
	return bits.OnesCount64(uint64(m))
}
