package units

import (
	"math/big"
	"testing"
)

func TestToBase(t *testing.T) {
	cases := []struct {
		amount   float64
		decimals int
		want     string
	}{
		{0.1, 18, "100000000000000000"},
		{1.5, 6, "1500000"},
		{0.1234567, 3, "123"},
		{2, 0, "2"},
		{-1, 18, "0"},
	}
	for _, tc := range cases {
		if got := ToBase(tc.amount, tc.decimals).String(); got != tc.want {
			t.Fatalf("ToBase(%v, %d) = %s, want %s", tc.amount, tc.decimals, got, tc.want)
		}
	}
}

func TestFromBase(t *testing.T) {
	wei, _ := new(big.Int).SetString("500000000000000000", 10)
	if got := FromBase(wei, 18); got != 0.5 {
		t.Fatalf("FromBase = %v", got)
	}
	if FromBase(nil, 18) != 0 {
		t.Fatalf("nil should convert to zero")
	}
}
