package utils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFromMinorUnits(t *testing.T) {
	require.True(t, d("-12.34").Equal(FromMinorUnits(-1234, "GBP")))
	require.True(t, d("500").Equal(FromMinorUnits(500, "JPY")))
}

func TestAllocateSumsExactly(t *testing.T) {
	cases := []struct {
		amount string
		pcts   []string
	}{
		{"1000", []string{"60", "40"}},
		{"100", []string{"33.33", "33.33", "33.34"}},
		{"0.05", []string{"50", "50"}},
		{"-10.01", []string{"50", "50"}},
		{"99.99", []string{"33.3333", "33.3333", "33.3334"}},
	}
	for _, c := range cases {
		var pcts []decimal.Decimal
		for _, p := range c.pcts {
			pcts = append(pcts, d(p))
		}
		parts := Allocate(d(c.amount), pcts, "GBP")
		sum := decimal.Zero
		for i, p := range parts {
			sum = sum.Add(p)
			exact := d(c.amount).Mul(pcts[i]).Div(decimal.NewFromInt(100))
			require.True(t, p.Sub(exact).Abs().LessThan(d("0.01")), "part %s vs exact %s", p, exact)
		}
		require.True(t, sum.Equal(d(c.amount)), "sum %s != %s", sum, c.amount)
	}
}

func TestAllocateSixtyForty(t *testing.T) {
	parts := Allocate(d("1000"), []decimal.Decimal{d("60"), d("40")}, "GBP")
	require.True(t, d("600").Equal(parts[0]))
	require.True(t, d("400").Equal(parts[1]))
}
