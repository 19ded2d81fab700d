// Package model defines the core domain types shared across the signal engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a signal or position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the exit direction for a position opened on s.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// SignalTTL is how long a broadcast signal stays executable. Deliveries
// polled after this window are voided, never executed.
const SignalTTL = 15 * time.Minute

// Signal is a broadcast trading instruction from the master strategy.
// Immutable once created.
type Signal struct {
	ID        string          `json:"id"`
	Action    Side            `json:"action"`
	Symbol    string          `json:"symbol"` // API format, e.g. "BTC/USDT"
	Entry     decimal.Decimal `json:"entry"`
	Stop      decimal.Decimal `json:"stop"`
	Target    decimal.Decimal `json:"target"`
	Leverage  decimal.Decimal `json:"leverage"`
	RiskPct   decimal.Decimal `json:"risk_pct"` // fraction, e.g. 0.02
	CreatedAt time.Time       `json:"created_at"`
}

// Expired reports whether the signal is past its TTL at the given time.
func (s *Signal) Expired(now time.Time) bool {
	return now.Sub(s.CreatedAt) > SignalTTL
}

// Delivery is one (signal, account) fan-out record. Acknowledgment is
// idempotent and monotonic: false→true only, never back.
type Delivery struct {
	ID           string    `json:"id"`
	SignalID     string    `json:"signal_id"`
	AccountID    string    `json:"account_id"`
	Acknowledged bool      `json:"acknowledged"`
	Executed     bool      `json:"executed"`
	Failed       bool      `json:"failed"`
	RetryCount   int       `json:"retry_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Fill is a single execution event against an order. Append-only and
// deduplicated by (account_id, exchange_fill_id). PositionID is assigned
// exactly once when the fill is absorbed into a position, never reassigned.
type Fill struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Price          decimal.Decimal `json:"price"`
	Qty            decimal.Decimal `json:"qty"`
	Cost           decimal.Decimal `json:"cost"` // price * qty
	ExchangeFillID string          `json:"exchange_fill_id"`
	Timestamp      time.Time       `json:"timestamp"`
	PositionID     string          `json:"position_id,omitempty"`
}

// PositionStatus is the lifecycle state of an OpenPosition. The open state
// transitions at most once into exactly one terminal state.
type PositionStatus string

const (
	StatusOpen         PositionStatus = "open"
	StatusClosed       PositionStatus = "closed"
	StatusClosedManual PositionStatus = "closed_manual"
	StatusNeedsReview  PositionStatus = "needs_review"
)

// Valid reports whether st is a known status.
func (st PositionStatus) Valid() bool {
	switch st {
	case StatusOpen, StatusClosed, StatusClosedManual, StatusNeedsReview:
		return true
	}
	return false
}

// Terminal reports whether st is a terminal state.
func (st PositionStatus) Terminal() bool {
	return st.Valid() && st != StatusOpen
}

// CanTransition validates a status transition: open → any terminal state,
// nothing else. Terminal states never transition again.
func (st PositionStatus) CanTransition(to PositionStatus) bool {
	return st == StatusOpen && to.Terminal()
}

// ErrInvalidTransition describes a rejected status transition.
func ErrInvalidTransition(from, to PositionStatus) error {
	return fmt.Errorf("position status transition %s → %s not allowed", from, to)
}

// OpenPosition tracks one live bracket trade for an account. At most one
// open position exists per (account, symbol), and by pre-trade policy at
// most one open position per account across all symbols.
type OpenPosition struct {
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	SignalID    string `json:"signal_id,omitempty"` // empty for discovered positions
	Symbol      string `json:"symbol"`              // API format
	VenueSymbol string `json:"venue_symbol"`        // exchange format, e.g. PF_XBTUSD
	Side        Side   `json:"side"`

	EntryOrderID string `json:"entry_order_id"`
	TPOrderID    string `json:"tp_order_id"`
	SLOrderID    string `json:"sl_order_id"`

	TargetTP decimal.Decimal `json:"target_tp"`
	TargetSL decimal.Decimal `json:"target_sl"`

	// EntryFillPrice is the post-entry fetched fill price, recorded once at
	// open. AvgEntryPrice is the fill-aggregate view maintained by the
	// ledger; the closure detector falls back to EntryFillPrice when the
	// aggregate shows the entry==exit corruption signature.
	EntryFillPrice decimal.Decimal `json:"entry_fill_price"`
	AvgEntryPrice  decimal.Decimal `json:"avg_entry_price"`

	FilledQty decimal.Decimal `json:"filled_qty"`
	Leverage  decimal.Decimal `json:"leverage"`
	FillCount int             `json:"fill_count"`

	OpenedAt   time.Time      `json:"opened_at"`
	LastFillAt time.Time      `json:"last_fill_at"`
	Status     PositionStatus `json:"status"`
}

// ExitType classifies how a position left the market.
type ExitType string

const (
	ExitTP      ExitType = "TP"
	ExitSL      ExitType = "SL"
	ExitUnknown ExitType = "UNKNOWN"
)

// PnLSource records where a trade's realized P&L figure came from.
type PnLSource string

const (
	// PnLExchange means the venue's own realized P&L was used — the source
	// of truth, inclusive of fees, funding and slippage.
	PnLExchange PnLSource = "exchange"
	// PnLCalculated means (exit-entry)*qty was computed locally because the
	// venue figure was unavailable or reported as exactly zero.
	PnLCalculated PnLSource = "calculated"
)

// Trade is the immutable record of a finalized position. Created exactly
// once per OpenPosition finalization. Billable iff SignalID is non-empty.
type Trade struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	PositionID  string          `json:"position_id"`
	SignalID    string          `json:"signal_id,omitempty"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	Qty         decimal.Decimal `json:"qty"`
	Leverage    decimal.Decimal `json:"leverage"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	PnLSource   PnLSource       `json:"pnl_source"`
	ExitType    ExitType        `json:"exit_type"`
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    time.Time       `json:"closed_at"`
}

// Billable reports whether the trade counts toward billable profit sums.
func (t *Trade) Billable() bool {
	return t.SignalID != ""
}

// TransactionType classifies a detected capital movement.
type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
	TxFeeFunding TransactionType = "fee_funding"
)

// Transaction is a detected capital transfer or fee/funding charge.
// fee_funding rows are upserted per account per day to bound growth;
// exchange-sourced rows are append-only, deduplicated by ExternalID.
type Transaction struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	Type            TransactionType `json:"type"`
	Amount          decimal.Decimal `json:"amount"` // always positive
	DetectionMethod string          `json:"detection_method"`
	ExternalID      string          `json:"external_id,omitempty"`
	Day             string          `json:"day"` // YYYY-MM-DD bucket for fee_funding upserts
	CreatedAt       time.Time       `json:"created_at"`
}

// Account is the engine's read-only view of a subscriber account. The
// credential blob is opaque here; encryption and lifecycle are owned by an
// external collaborator.
type Account struct {
	ID             string          `json:"id"`
	Credentials    string          `json:"-"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	Active         bool            `json:"active"`
}
