// Package units converts between decimal amounts and on-chain base units.
package units

import (
	"math/big"
	"strconv"
	"strings"
)

// ToBase 把十进制金额转换为最小单位，超出精度的部分被截断。
func ToBase(amount float64, decimals int) *big.Int {
	if amount <= 0 {
		return big.NewInt(0)
	}
	text := strconv.FormatFloat(amount, 'f', -1, 64)
	whole, frac, _ := strings.Cut(text, ".")
	if len(frac) > decimals {
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", decimals-len(frac))
	out, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return big.NewInt(0)
	}
	return out
}

// FromBase 把最小单位转换为十进制金额。
func FromBase(value *big.Int, decimals int) float64 {
	if value == nil {
		return 0
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	out, _ := new(big.Float).Quo(new(big.Float).SetInt(value), scale).Float64()
	return out
}
