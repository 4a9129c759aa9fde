package campaign

import "math/bits"

// MaxFeeBps is 100%.
const MaxFeeBps = 10_000

func checkedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

func checkedSub(a, b uint64) (uint64, bool) {
	diff, borrow := bits.Sub64(a, b, 0)
	return diff, borrow == 0
}

// mulDiv computes a*b/c with a 128-bit intermediate. ok is false when c is
// zero or the quotient does not fit in 64 bits.
func mulDiv(a, b, c uint64) (uint64, bool) {
	if c == 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(a, b)
	if c <= hi {
		return 0, false
	}
	quo, _ := bits.Div64(hi, lo, c)
	return quo, true
}

// SplitFee divides total between the platform and the creator. The fee is
// floor(total*feeBps/10000), so any remainder of the division stays with the
// creator and fee+payout == total always.
func SplitFee(total uint64, feeBps uint16) (fee, payout uint64, err error) {
	if feeBps > MaxFeeBps {
		return 0, 0, abortf("fee rate %d exceeds %d bps", feeBps, MaxFeeBps)
	}
	fee, ok := mulDiv(total, uint64(feeBps), MaxFeeBps)
	if !ok {
		return 0, 0, ErrOverflow
	}
	payout, ok = checkedSub(total, fee)
	if !ok {
		return 0, 0, abortf("payout underflow: total %d fee %d", total, fee)
	}
	return fee, payout, nil
}
