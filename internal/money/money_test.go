package money

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestConvert(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		source string
		want   string
	}{
		{name: "whole", source: "10", want: "265.00"},
		{name: "cents", source: "10.00", want: "265.00"},
		{name: "one", source: "1", want: "26.50"},
		{name: "half_cent_tie_rounds_up", source: "0.01", want: "0.27"},
		{name: "below_tie", source: "1.001", want: "26.53"},
		{name: "unrounded_source_used", source: "1.005", want: "26.63"},
		{name: "large", source: "123456.78", want: "3271604.67"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Convert(decimal.RequireFromString(tt.source))
			if Format(got) != tt.want {
				t.Fatalf("Convert(%s): got %s want %s", tt.source, Format(got), tt.want)
			}
		})
	}
}

func TestRound2_HalfAwayFromZero(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "1.005", want: "1.01"},
		{in: "1.004", want: "1.00"},
		{in: "2.675", want: "2.68"},
		{in: "-0.265", want: "-0.27"},
		{in: "0.125", want: "0.13"},
		{in: "7", want: "7.00"},
	}
	for _, tt := range tests {
		got := Format(Round2(decimal.RequireFromString(tt.in)))
		if got != tt.want {
			t.Fatalf("Round2(%s): got %s want %s", tt.in, got, tt.want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	t.Parallel()

	d, err := ParseAmount(" 10.50 ")
	if err != nil {
		t.Fatalf("ParseAmount: %v", err)
	}
	if !d.Equal(decimal.RequireFromString("10.5")) {
		t.Fatalf("value: got %s", d)
	}

	bad := []string{
		"",
		"   ",
		"abc",
		"1.2.3",
		"1e-30000000",
		"1e30000000",
		"1.0e-19",
		"0.0000000000000000001",
		"1e16",
		strings.Repeat("9", 41),
		"1" + strings.Repeat("0", 100),
	}
	for _, raw := range bad {
		if _, err := ParseAmount(raw); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("ParseAmount(%q): expected ErrInvalidAmount, got %v", raw, err)
		}
	}

	good := []struct {
		raw  string
		want string
	}{
		{raw: "1e15", want: "1000000000000000"},
		{raw: "1000000000000000.01", want: "1000000000000000.01"},
		{raw: "2.5e2", want: "250"},
		{raw: "0.000000000000000001", want: "0.000000000000000001"},
	}
	for _, tc := range good {
		d, err := ParseAmount(tc.raw)
		if err != nil {
			t.Fatalf("ParseAmount(%q): %v", tc.raw, err)
		}
		if d.String() != tc.want {
			t.Fatalf("ParseAmount(%q): got %s want %s", tc.raw, d, tc.want)
		}
	}
}

func TestCheckBounds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		v    decimal.Decimal
		ok   bool
	}{
		{name: "plain", v: decimal.RequireFromString("10.25"), ok: true},
		{name: "max exponent", v: decimal.New(1, MaxExponent), ok: true},
		{name: "min exponent", v: decimal.New(1, MinExponent), ok: true},
		{name: "tiny exponent", v: decimal.New(1, -30000000), ok: false},
		{name: "huge exponent", v: decimal.New(1, 30000000), ok: false},
		{name: "just below min", v: decimal.New(10, MinExponent-1), ok: false},
		{name: "too many digits", v: decimal.RequireFromString(strings.Repeat("9", MaxDigits+1)), ok: false},
	}
	for _, tc := range cases {
		err := CheckBounds(tc.v)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("%s: got %v want ErrInvalidAmount", tc.name, err)
		}
	}
}

func TestRate(t *testing.T) {
	t.Parallel()

	if Rate().String() != "26.5" {
		t.Fatalf("rate: got %s", Rate())
	}
}
