package escrow

import "math/bits"

// MaxAmount caps every amount the system accepts, in minor units. It leaves
// ample headroom below the int64 range for sums over a whole order.
const MaxAmount int64 = 1_000_000_000_000_000

// AddAmounts adds two non-negative amounts and reports false when the sum
// exceeds MaxAmount.
func AddAmounts(a, b int64) (int64, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 || sum > uint64(MaxAmount) {
		return 0, false
	}
	return int64(sum), true
}

// MulAmounts multiplies two non-negative values, typically a quantity and a
// unit price, and reports false when the product exceeds MaxAmount.
func MulAmounts(a, b int64) (int64, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > uint64(MaxAmount) {
		return 0, false
	}
	return int64(lo), true
}
