// Package units converts between human token amounts ("12.5") and integer
// base units, the only representation the ledger works with.
package units

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/cockroachdb/apd"
	"github.com/holiman/uint256"
)

// DefaultDecimals matches the 18-decimal tokens the ledger was built for
const DefaultDecimals = 18

// ratioContext is the precision used for reporting ratios
var ratioContext = apd.BaseContext.WithPrecision(34)

// One returns one whole token in base units
func One(decimals uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
}

// ParseTokens converts a decimal token amount into base units. It rejects
// negative values, non-finite values, more fractional digits than decimals
// and anything that does not fit in 256 bits.
func ParseTokens(s string, decimals uint8) (*uint256.Int, error) {
	d, _, err := apd.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid token amount %q: %w", s, err)
	}
	if d.Form != apd.Finite {
		return nil, fmt.Errorf("invalid token amount %q", s)
	}
	if d.Negative && d.Sign() != 0 {
		return nil, fmt.Errorf("negative token amount %q", s)
	}

	coeff := new(big.Int).Set(&d.Coeff)
	exp := int64(d.Exponent) + int64(decimals)
	if exp >= 0 {
		coeff.Mul(coeff, pow10(exp))
	} else {
		rem := new(big.Int)
		coeff.QuoRem(coeff, pow10(-exp), rem)
		if rem.Sign() != 0 {
			return nil, fmt.Errorf("token amount %q has more than %d decimal places", s, decimals)
		}
	}

	x, overflow := uint256.FromBig(coeff)
	if overflow {
		return nil, fmt.Errorf("token amount %q is too large", s)
	}
	return x, nil
}

// FormatTokens renders base units as a token amount without trailing zeros
func FormatTokens(x *uint256.Int, decimals uint8) string {
	d := apd.NewWithBigInt(x.ToBig(), -int32(decimals))
	s := d.Text('f')
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}

// Ratio returns part/total as a decimal string, "0" when total is zero
func Ratio(part, total *uint256.Int) string {
	if total.IsZero() {
		return "0"
	}

	q := new(apd.Decimal)
	_, err := ratioContext.Quo(q, apd.NewWithBigInt(part.ToBig(), 0), apd.NewWithBigInt(total.ToBig(), 0))
	if err != nil {
		return "0"
	}
	return q.Text('f')
}

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}
