// Package usdc handles USDC amounts in exact integer arithmetic.
// Quotes, payments and refunds all travel as MicroUSDC (1 = 0.000001
// USDC); conversion to on-chain token units happens only at the wire
// boundary, scaled by the network's token decimals.
package usdc

import (
	"database/sql/driver"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// MicroUSDC represents a USDC amount in atomic units (1 = 0.000001 USDC).
// $1.00 = 1_000_000 microUSDC. $0.001 = 1_000 microUSDC.
type MicroUSDC int64

// Scale is the number of atomic units per whole USDC (10^6).
const Scale = 1_000_000

// microDecimals is the scale exponent MicroUSDC shares with 6-decimal
// USDC tokens.
const microDecimals = 6

// String renders the amount in whole USDC with at least two decimal
// places, trailing zeros beyond that trimmed.
// Examples: 1000000 → "1.00", 1000 → "0.001", 1250000 → "1.25".
func (m MicroUSDC) String() string {
	v := int64(m)
	sign := ""
	abs := uint64(v)
	if v < 0 {
		// Negating through uint64 keeps MinInt64 exact.
		sign = "-"
		abs = -uint64(v)
	}

	s := strconv.FormatUint(abs/Scale, 10) + fmt.Sprintf(".%06d", abs%Scale)

	// The decimal point bounds the trim, so cut never leaves the string.
	cut := len(s)
	for s[cut-1] == '0' {
		cut--
	}
	if floor := strings.IndexByte(s, '.') + 3; cut < floor {
		cut = floor
	}
	return sign + s[:cut]
}

// MarshalJSON outputs the raw integer as a JSON string: "1250000".
func (m MicroUSDC) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 22)
	out = append(out, '"')
	out = strconv.AppendInt(out, int64(m), 10)
	return append(out, '"'), nil
}

// UnmarshalJSON parses from a JSON string ("1250000") or number (1250000).
func (m *MicroUSDC) UnmarshalJSON(data []byte) error {
	v, err := strconv.ParseInt(strings.Trim(string(data), `"`), 10, 64)
	if err != nil {
		return fmt.Errorf("usdc: cannot parse %s as MicroUSDC: %w", data, err)
	}
	*m = MicroUSDC(v)
	return nil
}

// Value implements database/sql/driver.Valuer.
func (m MicroUSDC) Value() (driver.Value, error) {
	return int64(m), nil
}

// Scan implements database/sql.Scanner.
func (m *MicroUSDC) Scan(src any) error {
	if m == nil {
		return fmt.Errorf("usdc: scan into nil *MicroUSDC")
	}

	switch v := src.(type) {
	case nil:
		*m = 0
	case int64:
		*m = MicroUSDC(v)
	case int32:
		*m = MicroUSDC(v)
	case int:
		*m = MicroUSDC(v)
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt64 || v < math.MinInt64 {
			return fmt.Errorf("usdc: cannot scan non-integer float64 %v into MicroUSDC", v)
		}
		*m = MicroUSDC(int64(v))
	case string:
		return m.scanText(v)
	case []byte:
		return m.scanText(string(v))
	default:
		return fmt.Errorf("usdc: cannot scan %T into MicroUSDC", src)
	}
	return nil
}

func (m *MicroUSDC) scanText(s string) error {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("usdc: cannot parse %q as MicroUSDC: %w", s, err)
	}
	*m = MicroUSDC(v)
	return nil
}

// ToBigInt converts to on-chain token units for a network. Where the
// token decimals match the MicroUSDC scale (6), this is a direct
// conversion; otherwise the amount is scaled by 10^(decimals - 6).
func (m MicroUSDC) ToBigInt(network string) *big.Int {
	return rescale(big.NewInt(int64(m)), microDecimals, DecimalsForNetwork(network))
}

// FromBigInt converts on-chain token units to MicroUSDC. Reverse of
// ToBigInt. Amounts outside the int64 range clamp instead of wrapping;
// a clamped amount still compares correctly against any real quote.
func FromBigInt(b *big.Int, network string) MicroUSDC {
	v := rescale(new(big.Int).Set(b), DecimalsForNetwork(network), microDecimals)
	if !v.IsInt64() {
		if v.Sign() > 0 {
			return MicroUSDC(math.MaxInt64)
		}
		return MicroUSDC(math.MinInt64)
	}
	return MicroUSDC(v.Int64())
}

// rescale moves v between decimal scales in place.
func rescale(v *big.Int, from, to int) *big.Int {
	switch {
	case to > from:
		return v.Mul(v, pow10(to-from))
	case to < from:
		return v.Div(v, pow10(from-to))
	}
	return v
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
