package engine

import (
	"strings"
	"testing"
)

func TestLeverageBoundaries(t *testing.T) {
	v := NewLeverageValidator(10, nil)

	for _, lev := range []float64{0, 0.5, 11, 75, 100, -5} {
		if err := v.Validate("bybit", lev); err == nil {
			t.Errorf("leverage %gx must fail against max 10x", lev)
		}
	}
	for _, lev := range []float64{1, 2, 5, 10} {
		if err := v.Validate("bybit", lev); err != nil {
			t.Errorf("leverage %gx must pass against max 10x: %v", lev, err)
		}
	}
}

func TestLeveragePerVenueOverride(t *testing.T) {
	v := NewLeverageValidator(10, map[string]float64{"alpaca": 2})

	if err := v.Validate("alpaca", 5); err == nil {
		t.Error("5x must fail against alpaca override of 2x")
	}
	if err := v.Validate("alpaca", 2); err != nil {
		t.Errorf("2x must pass on alpaca: %v", err)
	}
	if err := v.Validate("bybit", 5); err != nil {
		t.Errorf("5x must pass on bybit default: %v", err)
	}
	if v.MaxFor("alpaca") != 2 || v.MaxFor("bybit") != 10 {
		t.Error("MaxFor mismatch")
	}
}

// Расстояние до ликвидации 100/leverage строго убывает с ростом плеча
func TestLiquidationDropMonotonicity(t *testing.T) {
	levels := []float64{1, 2, 5, 10, 25, 50, 75, 100}
	prev := LiquidationDropPercent(levels[0])
	if prev != 100 {
		t.Errorf("1x -> %v%%, want 100%%", prev)
	}

	for _, lev := range levels[1:] {
		drop := LiquidationDropPercent(lev)
		if drop >= prev {
			t.Errorf("drop at %gx (%v%%) must be below drop at lower leverage (%v%%)", lev, drop, prev)
		}
		prev = drop
	}

	if got := LiquidationDropPercent(10); got != 10 {
		t.Errorf("10x -> %v%%, want 10%%", got)
	}
	if got := LiquidationDropPercent(0); got != 0 {
		t.Errorf("0x -> %v%%, want 0 (undefined)", got)
	}
}

// Текст отказа обязан объяснять и правило, и расстояние до ликвидации
func TestLeverageRejectionMessage(t *testing.T) {
	v := NewLeverageValidator(10, nil)

	err := v.Validate("bybit", 75)
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "75x") || !strings.Contains(msg, "10x") {
		t.Errorf("message must name both values: %q", msg)
	}
	if !strings.Contains(msg, "1.3%") {
		t.Errorf("message must name liquidation distance: %q", msg)
	}
}

func TestLeverageCheckReport(t *testing.T) {
	v := NewLeverageValidator(10, nil)

	report := v.Check("bybit", 5)
	if !report.Valid {
		t.Errorf("5x report invalid: %+v", report)
	}
	if report.LiquidationDropPercent != 20 {
		t.Errorf("5x liquidation = %v%%, want 20%%", report.LiquidationDropPercent)
	}

	report = v.Check("bybit", 0.5)
	if report.Valid {
		t.Error("0.5x must be invalid")
	}
	if report.Reason == "" {
		t.Error("invalid report must carry a reason")
	}
}

func TestValidateMarginMode(t *testing.T) {
	for _, mode := range []string{"", "cross", "isolated"} {
		if err := ValidateMarginMode(mode); err != nil {
			t.Errorf("mode %q: %v", mode, err)
		}
	}
	if err := ValidateMarginMode("portfolio"); err == nil {
		t.Error("unknown mode must fail")
	}
}

func TestLeverageValidatorDefensiveDefaults(t *testing.T) {
	v := NewLeverageValidator(0, map[string]float64{"bybit": -3})
	if v.MaxFor("bybit") != DefaultMaxLeverage {
		t.Errorf("non-positive override must be ignored, got %v", v.MaxFor("bybit"))
	}
}
