package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copyflow/signal-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func validSignal() *model.Signal {
	return &model.Signal{
		ID:        "sig1",
		Action:    model.SideLong,
		Symbol:    "BTC/USDT",
		Entry:     d(100),
		Stop:      d(95),
		Target:    d(110),
		Leverage:  d(5),
		RiskPct:   d(0.02),
		CreatedAt: time.Now().UTC(),
	}
}

func TestQuantity_RiskBasedSizing(t *testing.T) {
	// entry 100, stop 95, equity 10000, risk 2%:
	// risk amount 200, risk per unit 5 → qty 40.
	qty, err := Quantity(validSignal(), d(10000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !qty.Equal(d(40)) {
		t.Errorf("expected qty 40, got %s", qty)
	}
}

func TestQuantity_LeverageDoesNotChangeSize(t *testing.T) {
	low := validSignal()
	low.Leverage = d(1)
	high := validSignal()
	high.Leverage = d(50)

	qtyLow, _ := Quantity(low, d(10000))
	qtyHigh, _ := Quantity(high, d(10000))
	if !qtyLow.Equal(qtyHigh) {
		t.Errorf("leverage changed size: %s vs %s", qtyLow, qtyHigh)
	}
}

func TestQuantity_DefaultRiskPct(t *testing.T) {
	sig := validSignal()
	sig.RiskPct = decimal.Zero

	qty, err := Quantity(sig, d(10000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !qty.Equal(d(40)) {
		t.Errorf("expected default 2%% risk to give qty 40, got %s", qty)
	}
}

func TestQuantity_ShortSignal(t *testing.T) {
	sig := validSignal()
	sig.Action = model.SideShort
	sig.Entry = d(100)
	sig.Stop = d(105)
	sig.Target = d(90)

	qty, err := Quantity(sig, d(10000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !qty.Equal(d(40)) {
		t.Errorf("expected qty 40 for short, got %s", qty)
	}
}

func TestValidate_FailClosed(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*model.Signal)
	}{
		{"zero stop", func(s *model.Signal) { s.Stop = decimal.Zero }},
		{"negative stop", func(s *model.Signal) { s.Stop = d(-5) }},
		{"zero target", func(s *model.Signal) { s.Target = decimal.Zero }},
		{"zero entry", func(s *model.Signal) { s.Entry = decimal.Zero }},
		{"entry equals stop", func(s *model.Signal) { s.Stop = s.Entry }},
		{"bad action", func(s *model.Signal) { s.Action = "sideways" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := validSignal()
			tc.mutate(sig)
			if err := Validate(sig); !errors.Is(err, ErrInvalidSignal) {
				t.Errorf("expected ErrInvalidSignal, got %v", err)
			}
			if _, err := Quantity(sig, d(10000)); !errors.Is(err, ErrInvalidSignal) {
				t.Errorf("Quantity should refuse invalid signal, got %v", err)
			}
		})
	}
}

func TestLeverage_SignalLeverageWhenMarginFits(t *testing.T) {
	// qty 40 at entry 100 = position value 4000. Minimum leverage:
	// ceil(4000*1.5/(10000*0.95)) = ceil(0.63) = 1, so the signal's 5 wins.
	lev, raised := Leverage(validSignal(), d(40), d(10000))
	if !lev.Equal(d(5)) {
		t.Errorf("expected leverage 5, got %s", lev)
	}
	if raised {
		t.Error("leverage should not be marked raised")
	}
}

func TestLeverage_RaisedToFitMargin(t *testing.T) {
	// Small equity forces the minimum above the signal's request:
	// position value 4000, equity 500 → ceil(6000/475) = 13.
	lev, raised := Leverage(validSignal(), d(40), d(500))
	if !lev.Equal(d(13)) {
		t.Errorf("expected leverage 13, got %s", lev)
	}
	if !raised {
		t.Error("leverage should be marked raised")
	}
}

func TestLeverage_Capped(t *testing.T) {
	// Tiny equity pushes the minimum past the cap.
	lev, _ := Leverage(validSignal(), d(40), d(50))
	if !lev.Equal(MaxLeverage) {
		t.Errorf("expected cap %s, got %s", MaxLeverage, lev)
	}
}

func TestCheckExclusive(t *testing.T) {
	if err := CheckExclusive(0, 0); err != nil {
		t.Errorf("flat account should pass, got %v", err)
	}
	if err := CheckExclusive(1, 0); !errors.Is(err, ErrPositionBlocked) {
		t.Errorf("open position should block, got %v", err)
	}
	if err := CheckExclusive(0, 2); !errors.Is(err, ErrPositionBlocked) {
		t.Errorf("resting orders should block, got %v", err)
	}
}
