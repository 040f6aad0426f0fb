package math_test

import (
	"errors"
	"math/big"
	"testing"

	fpmath "PositionLedger/internal/math"

	"github.com/shopspring/decimal"
)

func TestParseAmount(t *testing.T) {
	a, err := fpmath.ParseAmount("1500000", 6)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.String() != "1.500000" {
		t.Errorf("string: got %s, want 1.500000", a.String())
	}
	if a.Raw.Cmp(big.NewInt(1_500_000)) != 0 {
		t.Errorf("raw: got %s, want 1500000", a.Raw)
	}
}

func TestParseAmount_Rejects(t *testing.T) {
	cases := []struct {
		digits   string
		decimals int32
	}{
		{"", 18},
		{"-", 18},
		{"12a", 18},
		{"+5", 18},
		{"1.5", 18},
		{"5", -1},
		{"5", 37},
	}
	for _, tc := range cases {
		if _, err := fpmath.ParseAmount(tc.digits, tc.decimals); err == nil {
			t.Errorf("ParseAmount(%q, %d): expected error", tc.digits, tc.decimals)
		}
	}
}

func TestRescale_UpAndDown(t *testing.T) {
	a := fpmath.FromInt64(15, 1) // 1.5

	up, err := a.Rescale(6)
	if err != nil {
		t.Fatalf("rescale up: %v", err)
	}
	if up.Raw.Int64() != 1_500_000 {
		t.Errorf("up raw: got %d, want 1500000", up.Raw.Int64())
	}

	down, err := up.Rescale(1)
	if err != nil {
		t.Fatalf("rescale down: %v", err)
	}
	if down.Raw.Int64() != 15 {
		t.Errorf("down raw: got %d, want 15", down.Raw.Int64())
	}
}

func TestRescale_PrecisionLoss(t *testing.T) {
	a := fpmath.FromInt64(1_500_001, 6)
	_, err := a.Rescale(1)
	if !errors.Is(err, fpmath.ErrPrecisionLoss) {
		t.Fatalf("expected ErrPrecisionLoss, got %v", err)
	}
}

func TestAddSub_MixedDecimals(t *testing.T) {
	a := fpmath.FromInt64(1_000_000, 6)                   // 1
	b := fpmath.MustParseAmount("500000000000000000", 18) // 0.5
	sum := a.Add(b)
	if sum.Decimals != 18 {
		t.Errorf("decimals: got %d, want 18", sum.Decimals)
	}
	if sum.String() != "1.500000000000000000" {
		t.Errorf("sum: got %s", sum.String())
	}

	diff := sum.Sub(a)
	if diff.Cmp(b) != 0 {
		t.Errorf("diff: got %s, want %s", diff, b)
	}
	if a.Raw.Int64() != 1_000_000 {
		t.Errorf("Add mutated its receiver: %s", a.Raw)
	}
}

func TestCmp_AcrossExponents(t *testing.T) {
	a := fpmath.FromInt64(2, 0)
	b := fpmath.FromInt64(2_000_000, 6)
	if a.Cmp(b) != 0 {
		t.Errorf("2 and 2.000000 should compare equal")
	}
	if fpmath.FromInt64(1, 0).Cmp(b) >= 0 {
		t.Errorf("1 should be less than 2.000000")
	}
}

func TestDecimal(t *testing.T) {
	a := fpmath.MustParseAmount("33000000000000000000000", 18)
	if !a.Decimal().Equal(mustDecimal(t, "33000")) {
		t.Errorf("decimal: got %s, want 33000", a.Decimal())
	}
}

func TestDecimalConfig_Scale(t *testing.T) {
	if fpmath.CollateralConfig.Scale().Int64() != 1_000_000 {
		t.Errorf("collateral scale: got %s", fpmath.CollateralConfig.Scale())
	}
	s := fpmath.SizeConfig.Scale()
	s.SetInt64(0)
	if fpmath.SizeConfig.Scale().Sign() == 0 {
		t.Errorf("Scale must return a copy")
	}
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}
