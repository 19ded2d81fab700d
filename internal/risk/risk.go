// Package risk implements pre-trade sizing and validation: fixed-fractional
// position sizing, margin-driven leverage selection, and fail-closed signal
// validation.
//
// Sizing is risk-based, not leverage-based. The quantity is chosen so that
// the stop-loss being hit costs a fixed fraction of equity; leverage only
// changes margin requirements, never position size.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/copyflow/signal-engine/internal/model"
)

var (
	// ErrInvalidSignal is returned when a signal fails structural
	// validation (missing or non-positive stop/target, zero stop
	// distance). Signals failing this check must never execute on any
	// account: better to miss a trade than size one blind.
	ErrInvalidSignal = errors.New("risk: signal failed validation")

	// ErrPositionBlocked is returned when the pre-trade exclusivity check
	// finds existing exposure (an open position or resting order on any
	// symbol).
	ErrPositionBlocked = errors.New("risk: account has existing exposure")
)

// DefaultRiskPct is the equity fraction at risk per trade when the signal
// does not carry its own.
var DefaultRiskPct = decimal.NewFromFloat(0.02)

// MaxLeverage caps the computed leverage regardless of margin needs.
var MaxLeverage = decimal.NewFromInt(50)

// marginBuffer and equityHeadroom shape the minimum viable leverage:
// the position must fit with 50% margin slack using at most 95% of equity.
var (
	marginBuffer   = decimal.NewFromFloat(1.5)
	equityHeadroom = decimal.NewFromFloat(0.95)
)

// Validate checks a signal's structural integrity. An error here means the
// signal is defective at source and must be rejected globally, without
// retry, for every account.
func Validate(sig *model.Signal) error {
	if !sig.Action.Valid() {
		return ErrInvalidSignal
	}
	if sig.Entry.Sign() <= 0 || sig.Stop.Sign() <= 0 || sig.Target.Sign() <= 0 {
		return ErrInvalidSignal
	}
	if sig.Entry.Sub(sig.Stop).IsZero() {
		return ErrInvalidSignal
	}
	return nil
}

// Quantity computes the position size for a signal against account equity:
//
//	qty = (equity * riskPct) / |entry - stop|
//
// so a stop-out loses exactly riskPct of equity. Leverage does not appear:
// it never multiplies size.
func Quantity(sig *model.Signal, equity decimal.Decimal) (decimal.Decimal, error) {
	if err := Validate(sig); err != nil {
		return decimal.Zero, err
	}
	riskPct := sig.RiskPct
	if riskPct.Sign() <= 0 {
		riskPct = DefaultRiskPct
	}
	riskPerUnit := sig.Entry.Sub(sig.Stop).Abs()
	return equity.Mul(riskPct).Div(riskPerUnit), nil
}

// Leverage picks the effective leverage: the signal's requested leverage,
// raised to the minimum that lets the position's margin fit in the account,
// capped at MaxLeverage.
//
//	minimum = ceil(positionValue * 1.5 / (equity * 0.95))
//
// Returns the effective leverage and whether it was raised above the
// signal's request (callers log that).
func Leverage(sig *model.Signal, qty, equity decimal.Decimal) (decimal.Decimal, bool) {
	lev := sig.Leverage
	if lev.Sign() <= 0 {
		lev = decimal.NewFromInt(1)
	}

	if equity.Sign() > 0 {
		positionValue := sig.Entry.Mul(qty)
		minimum := positionValue.Mul(marginBuffer).Div(equity.Mul(equityHeadroom)).Ceil()
		if minimum.GreaterThan(lev) {
			lev = minimum
		}
	}

	if lev.GreaterThan(MaxLeverage) {
		lev = MaxLeverage
	}
	return lev, lev.GreaterThan(sig.Leverage)
}

// CheckExclusive enforces the one-position-at-a-time policy: any open
// position or resting order, on any symbol, blocks a new entry. A partial
// bracket from a previous failure surfaces here as resting orders, so it
// also blocks.
func CheckExclusive(openPositions, openOrders int) error {
	if openPositions > 0 || openOrders > 0 {
		return ErrPositionBlocked
	}
	return nil
}
