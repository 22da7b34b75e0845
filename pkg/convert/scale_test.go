package convert

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bi(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad big int literal: " + s)
	}
	return v
}

func TestToNative(t *testing.T) {
	tests := []struct {
		name       string
		amount     string
		fromScale  uint8
		toScale    uint8
		wantNative string
		wantDust   string
	}{
		{
			name:       "upscale connector to wei",
			amount:     "696969",
			fromScale:  6,
			toScale:    18,
			wantNative: "696969000000000000",
			wantDust:   "0",
		},
		{
			name:       "same scale passes through",
			amount:     "12345",
			fromScale:  9,
			toScale:    9,
			wantNative: "12345",
			wantDust:   "0",
		},
		{
			name:       "downscale exact",
			amount:     "5000000000",
			fromScale:  18,
			toScale:    9,
			wantNative: "5",
			wantDust:   "0",
		},
		{
			name:       "downscale truncates to dust",
			amount:     "1234567891",
			fromScale:  18,
			toScale:    9,
			wantNative: "1",
			wantDust:   "234567891",
		},
		{
			name:       "entire amount becomes dust",
			amount:     "999999999",
			fromScale:  18,
			toScale:    9,
			wantNative: "0",
			wantDust:   "999999999",
		},
		{
			name:       "zero",
			amount:     "0",
			fromScale:  2,
			toScale:    18,
			wantNative: "0",
			wantDust:   "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			native, dust, err := ToNative(bi(tt.amount), tt.fromScale, tt.toScale)
			require.NoError(t, err)
			assert.Equal(t, tt.wantNative, native.String())
			assert.Equal(t, tt.wantDust, dust.String())
		})
	}
}

// Downscaling splits the amount so that native*10^gap + dust reconstructs the
// input exactly, and dust stays below one native unit.
func TestToNativeLossless(t *testing.T) {
	amount := bi("987654321987654321987")
	const fromScale, toScale = 18, 6

	native, dust, err := ToNative(amount, fromScale, toScale)
	require.NoError(t, err)

	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(fromScale-toScale), nil)
	back := new(big.Int).Mul(native, unit)
	back.Add(back, dust)

	assert.Equal(t, amount.String(), back.String())
	assert.Negative(t, dust.Cmp(unit), "dust must be below one native unit")
}

func TestToNativeRejectsNegative(t *testing.T) {
	_, _, err := ToNative(big.NewInt(-1), 6, 18)
	assert.ErrorIs(t, err, ErrNegativeAmount)

	_, _, err = ToNative(nil, 6, 18)
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestToNativeOverflow(t *testing.T) {
	tooWide := new(big.Int).Lsh(big.NewInt(1), 257)
	_, _, err := ToNative(tooWide, 18, 18)
	assert.ErrorIs(t, err, ErrScaleOverflow)

	// Upscaling a large amount past 256 bits must fail, not wrap.
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	_, _, err = ToNative(max, 0, 18)
	assert.ErrorIs(t, err, ErrScaleOverflow)

	// Scale gaps beyond 10^77 cannot be represented at all.
	_, _, err = ToNative(big.NewInt(1), 0, 255)
	assert.ErrorIs(t, err, ErrScaleOverflow)
}

func TestMerge(t *testing.T) {
	got, err := Merge(
		Scaled{Amount: big.NewInt(5), Scale: 2},
		Scaled{Amount: big.NewInt(30), Scale: 4},
	)
	require.NoError(t, err)
	assert.Equal(t, "530", got.Amount.String())
	assert.Equal(t, uint8(4), got.Scale)

	// Order must not matter.
	swapped, err := Merge(
		Scaled{Amount: big.NewInt(30), Scale: 4},
		Scaled{Amount: big.NewInt(5), Scale: 2},
	)
	require.NoError(t, err)
	assert.Equal(t, got.Amount.String(), swapped.Amount.String())
	assert.Equal(t, got.Scale, swapped.Scale)
}

func TestMergeNilAmounts(t *testing.T) {
	got, err := Merge(Scaled{}, Scaled{Amount: big.NewInt(7), Scale: 3})
	require.NoError(t, err)
	assert.Equal(t, "7", got.Amount.String())
	assert.Equal(t, uint8(3), got.Scale)
}
