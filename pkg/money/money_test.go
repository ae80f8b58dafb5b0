package money

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestRound_Vectors(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"12.345678", "12.3457"},
		{"1.23445", "1.2345"},
		{"-1.23445", "-1.2345"},
		{"0", "0"},
		{"2.5", "2.5"},
		{"0.00005", "0.0001"},
		{"-0.00005", "-0.0001"},
	}
	for _, tc := range cases {
		got := RoundDefault(dec(t, tc.in))
		assert.True(t, got.Equal(dec(t, tc.want)), "round(%s) = %s, want %s", tc.in, got, tc.want)
	}
}

func TestRound_Idempotent(t *testing.T) {
	for _, s := range []string{"12.345678", "-99.99995", "0.12341", "7"} {
		once := RoundDefault(dec(t, s))
		twice := RoundDefault(once)
		assert.True(t, once.Equal(twice), "round not idempotent for %s", s)
	}
}

func TestRound_ExplicitScale(t *testing.T) {
	got := Round(dec(t, "12.345678"), 2)
	assert.True(t, got.Equal(dec(t, "12.35")))
}

func TestFromFloat_RejectsNonFinite(t *testing.T) {
	_, err := FromFloat(math.NaN())
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = FromFloat(math.Inf(1))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = FromFloat(math.Inf(-1))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	d, err := FromFloat(10.1234)
	require.NoError(t, err)
	assert.True(t, d.Equal(dec(t, "10.1234")))
}

func TestParse_RejectsGarbage(t *testing.T) {
	_, err := Parse("not-a-number")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSumAndEqual(t *testing.T) {
	total := Sum(dec(t, "0.1"), dec(t, "0.2"), dec(t, "0.3"))
	assert.True(t, total.Equal(dec(t, "0.6")))

	assert.True(t, Equal(dec(t, "1.00001"), dec(t, "1.00004"), 4))
	assert.False(t, Equal(dec(t, "1.0001"), dec(t, "1.0002"), 4))
}
