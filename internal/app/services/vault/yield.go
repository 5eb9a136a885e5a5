package vault

import (
	"math"
	"math/big"
	"time"
)

const (
	// bpsDenominator converts basis points to a fraction.
	bpsDenominator = 10_000

	// secondsPerYear is the accrual period base (365-day year).
	secondsPerYear = 365 * 24 * 60 * 60
)

// Accrue computes simple, non-compounding interest owed on a principal for
// the elapsed period: amount * rateBps/10000 * elapsed/secondsPerYear,
// truncated toward zero to the smallest currency unit. Negative elapsed
// periods accrue nothing. The computation is pure; callers supply elapsed
// time explicitly so accrual stays deterministic under test.
func Accrue(amount uint64, rateBps uint32, elapsed time.Duration) uint64 {
	seconds := int64(elapsed / time.Second)
	if seconds <= 0 || amount == 0 || rateBps == 0 {
		return 0
	}

	yield := new(big.Int).SetUint64(amount)
	yield.Mul(yield, big.NewInt(int64(rateBps)))
	yield.Mul(yield, big.NewInt(seconds))
	yield.Quo(yield, big.NewInt(bpsDenominator*secondsPerYear))

	if !yield.IsUint64() {
		return math.MaxUint64
	}
	return yield.Uint64()
}
