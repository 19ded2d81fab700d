// Package store defines the persistence interface for the signal engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing). All cross-loop mutable state lives here: correctness relies on
// idempotent upserts and uniqueness constraints, not in-process locking, so
// retries are always safe to reissue.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copyflow/signal-engine/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth.
type Store interface {
	// --- Accounts (read-only projection; lifecycle owned externally) ---

	// ListActiveAccounts returns all accounts eligible for execution.
	ListActiveAccounts(ctx context.Context) ([]model.Account, error)

	// GetAccount retrieves one account by id.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// --- Signals & deliveries ---

	// CreateSignal persists a new immutable signal.
	CreateSignal(ctx context.Context, s *model.Signal) error

	// GetSignal retrieves a signal by id.
	GetSignal(ctx context.Context, id string) (*model.Signal, error)

	// CreateDeliveries fans a signal out to the given accounts, one
	// unacknowledged delivery each.
	CreateDeliveries(ctx context.Context, signalID string, accountIDs []string) error

	// NextPendingDelivery returns the newest unacknowledged delivery for an
	// account together with its signal, or (nil, nil, nil) when none exists.
	NextPendingDelivery(ctx context.Context, accountID string) (*model.Delivery, *model.Signal, error)

	// AcknowledgeDelivery marks a delivery acknowledged. Idempotent and
	// monotonic: acknowledging twice is a no-op.
	AcknowledgeDelivery(ctx context.Context, deliveryID string, executed bool) error

	// MarkDeliveryFailed increments the delivery's retry counter, leaving it
	// unacknowledged so the next poll retries it.
	MarkDeliveryFailed(ctx context.Context, deliveryID string) error

	// VoidSignalDeliveries acknowledges every outstanding delivery of a
	// signal without execution (global rejection of a defective signal).
	// Returns the number of deliveries voided.
	VoidSignalDeliveries(ctx context.Context, signalID string) (int, error)

	// MatchSignal returns the most recent signal with the given symbol and
	// side created within the lookback window ending at ref, or ErrNotFound.
	MatchSignal(ctx context.Context, symbol string, side model.Side, ref time.Time, lookback time.Duration) (*model.Signal, error)

	// --- Fills ---

	// RecordFill appends a fill. Returns false without error when the
	// (account_id, exchange_fill_id) idempotency key already exists.
	RecordFill(ctx context.Context, f *model.Fill) (bool, error)

	// FillsSince returns fills for an account/symbol with timestamp ≥ since,
	// oldest first.
	FillsSince(ctx context.Context, accountID, symbol string, since time.Time) ([]model.Fill, error)

	// AssignFills stamps positionID onto matching unassigned fills. A fill's
	// position id is assigned exactly once, never reassigned.
	AssignFills(ctx context.Context, accountID, symbol string, since time.Time, positionID string) error

	// --- Positions ---

	// CreatePosition persists a new open position.
	CreatePosition(ctx context.Context, p *model.OpenPosition) error

	// GetPosition retrieves a position by id.
	GetPosition(ctx context.Context, id string) (*model.OpenPosition, error)

	// OpenPositions returns every position currently in the open state.
	OpenPositions(ctx context.Context) ([]model.OpenPosition, error)

	// OpenPositionsByAccount returns an account's open positions.
	OpenPositionsByAccount(ctx context.Context, accountID string) ([]model.OpenPosition, error)

	// UpdatePositionAggregate refreshes the fill-aggregate columns of an
	// open position (avg entry, qty, fill count, last fill time).
	UpdatePositionAggregate(ctx context.Context, positionID string, avgEntry, qty decimal.Decimal, fillCount int, lastFillAt time.Time) error

	// FinalizePosition transitions a position open → to (terminal). Returns
	// true iff this call performed the transition; a second finalize of the
	// same position returns false with no error, which is what makes trade
	// emission exactly-once.
	FinalizePosition(ctx context.Context, positionID string, to model.PositionStatus) (bool, error)

	// LastClosedPosition returns the most recently finalized position for an
	// account/symbol, or ErrNotFound. Its LastFillAt is the fill-aggregation
	// boundary that keeps orphaned fills of finished trades out of new ones.
	LastClosedPosition(ctx context.Context, accountID, symbol string) (*model.OpenPosition, error)

	// --- Trades ---

	// CreateTrade appends a finalized trade record.
	CreateTrade(ctx context.Context, t *model.Trade) error

	// TradesByAccount returns an account's trades, newest first.
	TradesByAccount(ctx context.Context, accountID string, limit int) ([]model.Trade, error)

	// LastTradeClosedAt returns the close time of the account's most recent
	// trade, or ErrNotFound when the account has none.
	LastTradeClosedAt(ctx context.Context, accountID string) (time.Time, error)

	// SumRealizedPnL sums realized P&L across all of an account's trades.
	SumRealizedPnL(ctx context.Context, accountID string) (decimal.Decimal, error)

	// BillableProfit sums realized P&L over trades attributed to a signal.
	BillableProfit(ctx context.Context, accountID string) (decimal.Decimal, error)

	// --- Transactions ---

	// RecordTransaction appends a transaction. When ExternalID is set the
	// row is deduplicated against it: returns false without error if a row
	// with that external id already exists.
	RecordTransaction(ctx context.Context, tx *model.Transaction) (bool, error)

	// UpsertDailyFee accumulates a fee/funding amount into the single
	// per-account-per-day fee_funding row, creating it on first use.
	UpsertDailyFee(ctx context.Context, accountID, day string, amount decimal.Decimal) error

	// TransactionsByAccount returns an account's transactions, newest first.
	TransactionsByAccount(ctx context.Context, accountID string, limit int) ([]model.Transaction, error)

	// SumTransactions sums transaction amounts of one type for an account.
	SumTransactions(ctx context.Context, accountID string, typ model.TransactionType) (decimal.Decimal, error)
}
