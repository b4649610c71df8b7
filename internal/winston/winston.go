// Package winston provides exact-precision Winston credit handling using
// big-integer arithmetic. Winston is the atomic unit of storage credit
// (1 AR = 1_000_000_000_000 winc), so totals routinely exceed int64 range.
package winston

import (
	"database/sql/driver"
	"fmt"
	"math/big"
	"strings"
)

// Winston is an amount of storage credits in atomic units.
// The zero value is usable and equals 0 winc.
type Winston struct {
	val *big.Int
}

// PerAR is the number of winc in one AR.
const PerAR = 1_000_000_000_000

var zero = big.NewInt(0)

// Zero returns a zero-valued amount.
func Zero() Winston {
	return Winston{val: big.NewInt(0)}
}

// FromInt64 builds an amount from an int64 winc count.
func FromInt64(v int64) Winston {
	return Winston{val: big.NewInt(v)}
}

// FromBig copies b into a new amount.
func FromBig(b *big.Int) Winston {
	if b == nil {
		return Zero()
	}
	return Winston{val: new(big.Int).Set(b)}
}

// FromString parses a base-10 winc count.
func FromString(s string) (Winston, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Winston{}, fmt.Errorf("winston: empty amount")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Winston{}, fmt.Errorf("winston: cannot parse %q as winc", s)
	}
	return Winston{val: v}, nil
}

func (w Winston) big() *big.Int {
	if w.val == nil {
		return zero
	}
	return w.val
}

// BigInt returns a copy of the underlying integer.
func (w Winston) BigInt() *big.Int {
	return new(big.Int).Set(w.big())
}

// Int64 returns the amount as int64, clamping at the int64 bounds.
func (w Winston) Int64() int64 {
	if !w.big().IsInt64() {
		if w.big().Sign() > 0 {
			return 1<<63 - 1
		}
		return -1 << 63
	}
	return w.big().Int64()
}

// Add returns w + o.
func (w Winston) Add(o Winston) Winston {
	return Winston{val: new(big.Int).Add(w.big(), o.big())}
}

// Sub returns w - o. The result may be negative; callers guarding a
// balance must check IsNegative afterwards.
func (w Winston) Sub(o Winston) Winston {
	return Winston{val: new(big.Int).Sub(w.big(), o.big())}
}

// Neg returns -w.
func (w Winston) Neg() Winston {
	return Winston{val: new(big.Int).Neg(w.big())}
}

// Cmp returns -1, 0 or 1 comparing w to o.
func (w Winston) Cmp(o Winston) int {
	return w.big().Cmp(o.big())
}

// IsZero reports whether the amount is exactly 0.
func (w Winston) IsZero() bool {
	return w.big().Sign() == 0
}

// IsNegative reports whether the amount is below 0.
func (w Winston) IsNegative() bool {
	return w.big().Sign() < 0
}

// AddPercent returns w grown by pct percent, rounding up.
// Used for quote buffers: 100 winc at 15% yields 115.
func (w Winston) AddPercent(pct int64) Winston {
	if pct <= 0 {
		return Winston{val: new(big.Int).Set(w.big())}
	}
	n := new(big.Int).Mul(w.big(), big.NewInt(100+pct))
	n.Add(n, big.NewInt(99))
	n.Div(n, big.NewInt(100))
	return Winston{val: n}
}

// MulDiv returns w * num / den with the intermediate kept exact. Rounds
// toward zero. den must be non-zero.
func (w Winston) MulDiv(num, den int64) Winston {
	n := new(big.Int).Mul(w.big(), big.NewInt(num))
	n.Quo(n, big.NewInt(den))
	return Winston{val: n}
}

// String returns the base-10 winc count.
func (w Winston) String() string {
	return w.big().String()
}

// MarshalJSON outputs the amount as a JSON string: "1250000".
func (w Winston) MarshalJSON() ([]byte, error) {
	return []byte(`"` + w.big().String() + `"`), nil
}

// UnmarshalJSON parses from a JSON string ("1250000") or number (1250000).
func (w *Winston) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("winston: cannot parse %q as winc", string(data))
	}
	w.val = v
	return nil
}

// Value implements database/sql/driver.Valuer. Stored as a NUMERIC string.
func (w Winston) Value() (driver.Value, error) {
	return w.big().String(), nil
}

// Scan implements database/sql.Scanner.
func (w *Winston) Scan(src any) error {
	if w == nil {
		return fmt.Errorf("winston: scan into nil *Winston")
	}

	switch v := src.(type) {
	case nil:
		w.val = big.NewInt(0)
		return nil
	case int64:
		w.val = big.NewInt(v)
		return nil
	case string:
		parsed, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
		if !ok {
			return fmt.Errorf("winston: cannot parse %q as winc", v)
		}
		w.val = parsed
		return nil
	case []byte:
		parsed, ok := new(big.Int).SetString(strings.TrimSpace(string(v)), 10)
		if !ok {
			return fmt.Errorf("winston: cannot parse %q as winc", string(v))
		}
		w.val = parsed
		return nil
	default:
		return fmt.Errorf("winston: cannot scan %T into Winston", src)
	}
}
