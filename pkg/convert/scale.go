// Package convert performs lossless movement of amounts between decimal
// scales. The connector accounts in one scale, the ledger in another; every
// conversion here is integer-exact, with truncated precision handed back to
// the caller as dust instead of being discarded.
package convert

import (
	"errors"
	"math/big"
)

var (
	// ErrScaleOverflow is returned when a converted amount would exceed the
	// 256-bit native width of the ledger, or the scale gap is unrepresentable.
	ErrScaleOverflow = errors.New("converted amount exceeds native integer width")

	// ErrNegativeAmount is returned for negative inputs. Settlement amounts
	// are unsigned by construction.
	ErrNegativeAmount = errors.New("amount must not be negative")
)

// nativeBits is the integer width of the target ledger (EVM word size).
const nativeBits = 256

// maxScaleGap bounds the exponent: 10^78 already exceeds 2^256.
const maxScaleGap = 77

// Scaled couples an amount with the decimal scale it is expressed in.
type Scaled struct {
	Amount *big.Int
	Scale  uint8
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// ToNative converts amount from fromScale into toScale units, truncating
// toward zero. The truncated remainder is returned as dust, expressed in
// fromScale units; dust is always zero when upscaling. Never uses floats.
func ToNative(amount *big.Int, fromScale, toScale uint8) (native, dust *big.Int, err error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, nil, ErrNegativeAmount
	}
	if amount.BitLen() > nativeBits {
		return nil, nil, ErrScaleOverflow
	}

	if toScale >= fromScale {
		gap := toScale - fromScale
		if gap > maxScaleGap {
			return nil, nil, ErrScaleOverflow
		}
		native = new(big.Int).Mul(amount, pow10(gap))
		if native.BitLen() > nativeBits {
			return nil, nil, ErrScaleOverflow
		}
		return native, new(big.Int), nil
	}

	gap := fromScale - toScale
	if gap > maxScaleGap {
		return nil, nil, ErrScaleOverflow
	}
	native, dust = new(big.Int).QuoRem(amount, pow10(gap), new(big.Int))
	return native, dust, nil
}

// Merge adds two scaled amounts, upscaling the lower-scale operand so the sum
// is exact. Used to accumulate uncredited dust across settlements whose
// request scales differ.
func Merge(a, b Scaled) (Scaled, error) {
	if a.Amount == nil {
		a.Amount = new(big.Int)
	}
	if b.Amount == nil {
		b.Amount = new(big.Int)
	}
	if a.Amount.Sign() < 0 || b.Amount.Sign() < 0 {
		return Scaled{}, ErrNegativeAmount
	}

	// Upscaling is always lossless, so normalize to the larger scale.
	if b.Scale > a.Scale {
		a, b = b, a
	}
	up := new(big.Int).Mul(b.Amount, pow10(a.Scale-b.Scale))
	sum := new(big.Int).Add(a.Amount, up)
	if sum.BitLen() > nativeBits {
		return Scaled{}, ErrScaleOverflow
	}
	return Scaled{Amount: sum, Scale: a.Scale}, nil
}
