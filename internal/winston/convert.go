package winston

import (
	"fmt"
	"math/big"
)

// USDCScale is the number of atomic units per USDC (6 decimals).
const USDCScale = 1_000_000

// ToUSDCAtomic converts an amount to atomic USDC units using the given
// AR/USD rate, rounding up so a charge is never understated.
// atomic = winc * rate * 10^6 / 10^12.
func (w Winston) ToUSDCAtomic(arUSD float64) (int64, error) {
	rate := new(big.Rat).SetFloat64(arUSD)
	if rate == nil || arUSD <= 0 {
		return 0, fmt.Errorf("winston: invalid AR/USD rate %v", arUSD)
	}

	v := new(big.Rat).SetInt(w.big())
	v.Mul(v, rate)
	v.Mul(v, big.NewRat(USDCScale, PerAR))

	num, den := v.Num(), v.Denom()
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	if !q.IsInt64() {
		return 0, fmt.Errorf("winston: USDC amount overflows int64 for %s winc", w)
	}
	return q.Int64(), nil
}

// FromUSDCAtomic converts atomic USDC units to winc using the given AR/USD
// rate, rounding down so a credit is never overstated.
// winc = atomic * 10^12 / (rate * 10^6).
func FromUSDCAtomic(atomic int64, arUSD float64) (Winston, error) {
	rate := new(big.Rat).SetFloat64(arUSD)
	if rate == nil || arUSD <= 0 {
		return Winston{}, fmt.Errorf("winston: invalid AR/USD rate %v", arUSD)
	}

	v := new(big.Rat).SetInt64(atomic)
	v.Mul(v, big.NewRat(PerAR, USDCScale))
	v.Quo(v, rate)

	q := new(big.Int).Quo(v.Num(), v.Denom())
	return Winston{val: q}, nil
}
