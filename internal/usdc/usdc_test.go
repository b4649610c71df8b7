package usdc

import (
	"encoding/json"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	tests := []struct {
		input    MicroUSDC
		expected string
	}{
		{0, "0.00"},
		{1, "0.000001"},
		{100, "0.0001"},
		{1_000, "0.001"},
		{10_000, "0.01"},
		{100_000, "0.10"},
		{1_000_000, "1.00"},
		{1_250_000, "1.25"},
		{1_250_001, "1.250001"},
		{10_000_000, "10.00"},
		{99_999_999_999, "99999.999999"},
		{-1_250_000, "-1.25"},
		{MicroUSDC(math.MinInt64), "-9223372036854.775808"},
	}

	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			result := tc.input.String()
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestMarshalJSON(t *testing.T) {
	tests := []struct {
		input    MicroUSDC
		expected string
	}{
		{0, `"0"`},
		{1_000, `"1000"`},
		{1_250_000, `"1250000"`},
		{-500, `"-500"`},
	}

	for _, tc := range tests {
		t.Run("", func(t *testing.T) {
			data, err := json.Marshal(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, string(data))
		})
	}
}

func TestUnmarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected MicroUSDC
	}{
		{"string", `"1250000"`, 1_250_000},
		{"number", `1250000`, 1_250_000},
		{"zero string", `"0"`, 0},
		{"zero number", `0`, 0},
		{"negative string", `"-500"`, -500},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var m MicroUSDC
			err := json.Unmarshal([]byte(tc.input), &m)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, m)
		})
	}
}

func TestUnmarshalJSON_Error(t *testing.T) {
	var m MicroUSDC
	err := json.Unmarshal([]byte(`"not-a-number"`), &m)
	assert.Error(t, err)
}

func TestMarshalJSON_InStruct(t *testing.T) {
	type Example struct {
		Amount MicroUSDC `json:"expectedUsdcAmount"`
	}

	e := Example{Amount: 1_250_000}
	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Equal(t, `{"expectedUsdcAmount":"1250000"}`, string(data))

	var decoded Example
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)
	assert.Equal(t, MicroUSDC(1_250_000), decoded.Amount)
}

func TestToBigInt_Base(t *testing.T) {
	// Base USDC has 6 decimals, same as the MicroUSDC scale
	tests := []struct {
		input    MicroUSDC
		expected string
	}{
		{0, "0"},
		{1_000, "1000"},
		{1_000_000, "1000000"},
	}

	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			result := tc.input.ToBigInt("base")
			assert.Equal(t, tc.expected, result.String())
		})
	}
}

func TestToBigInt_FromBigInt_RoundTrip(t *testing.T) {
	networks := []string{"base", "base-sepolia", "unknown"}
	values := []MicroUSDC{0, 1, 1_000, 1_000_000, 99_999_999_999, -1_250_000, MicroUSDC(math.MaxInt64)}

	for _, network := range networks {
		for _, v := range values {
			t.Run("", func(t *testing.T) {
				bi := v.ToBigInt(network)
				back := FromBigInt(bi, network)
				assert.Equal(t, v, back, "round-trip failed for network=%s value=%d", network, v)
			})
		}
	}
}

func TestFromBigInt(t *testing.T) {
	bi := big.NewInt(1_250_000)
	result := FromBigInt(bi, "base")
	assert.Equal(t, MicroUSDC(1_250_000), result)
}

func TestFromBigInt_ClampOnOverflow(t *testing.T) {
	tooBig := new(big.Int).Add(big.NewInt(math.MaxInt64), big.NewInt(1))
	tooSmall := new(big.Int).Sub(big.NewInt(math.MinInt64), big.NewInt(1))

	assert.Equal(t, MicroUSDC(math.MaxInt64), FromBigInt(tooBig, "base"))
	assert.Equal(t, MicroUSDC(math.MinInt64), FromBigInt(tooSmall, "base"))
}

func TestDecimalsForNetwork(t *testing.T) {
	assert.Equal(t, 6, DecimalsForNetwork("base"))
	assert.Equal(t, 6, DecimalsForNetwork("base-sepolia"))
	assert.Equal(t, 6, DecimalsForNetwork("unknown")) // defaults to 6
}

func TestMicroUSDCValue(t *testing.T) {
	value, err := MicroUSDC(1_250_000).Value()
	require.NoError(t, err)
	assert.Equal(t, int64(1_250_000), value)
}

func TestMicroUSDCScan(t *testing.T) {
	tests := []struct {
		name      string
		input     any
		expected  MicroUSDC
		shouldErr bool
	}{
		{name: "int64", input: int64(1250000), expected: 1_250_000},
		{name: "int32", input: int32(1250000), expected: 1_250_000},
		{name: "int", input: int(1250000), expected: 1_250_000},
		{name: "string", input: "1250000", expected: 1_250_000},
		{name: "bytes", input: []byte("1250000"), expected: 1_250_000},
		{name: "float64 integer", input: float64(1250000), expected: 1_250_000},
		{name: "nil", input: nil, expected: 0},
		{name: "float64 fractional", input: 1.25, shouldErr: true},
		{name: "bad string", input: "not-a-number", shouldErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var m MicroUSDC
			err := m.Scan(tc.input)
			if tc.shouldErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, m)
		})
	}
}

func TestMicroUSDCScan_NilReceiver(t *testing.T) {
	var m *MicroUSDC
	err := m.Scan(int64(1))
	assert.Error(t, err)
}
