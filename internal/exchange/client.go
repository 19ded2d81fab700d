// Package exchange provides the venue-facing client: a narrow interface over
// the exchange REST API plus the Kraken Futures implementation, a per-account
// session cache, symbol translation, and a redis-backed price cache.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinel errors. Callers branch on these to decide between retry,
// session invalidation, and giving up.
var (
	// ErrAuth means the venue rejected the credentials. The session cache
	// must be invalidated so the next use re-authenticates.
	ErrAuth = errors.New("exchange: authentication failed")

	// ErrInsufficientFunds means the order was rejected for margin. Not
	// retryable.
	ErrInsufficientFunds = errors.New("exchange: insufficient funds")

	// ErrOrderRejected means the venue refused the order for a non-margin
	// reason (bad price band, size filter). Not retryable.
	ErrOrderRejected = errors.New("exchange: order rejected")

	// ErrUnavailable means a transient venue/network failure. Retryable.
	ErrUnavailable = errors.New("exchange: temporarily unavailable")
)

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// OrderSide is the venue-level direction of an order or fill.
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// OrderType selects the venue order kind.
type OrderType string

const (
	// Market executes immediately at the book.
	Market OrderType = "mkt"
	// Limit rests at a price.
	Limit OrderType = "lmt"
	// StopMarket triggers a market order at the stop price.
	StopMarket OrderType = "stp"
	// StopLimit triggers a limit order at the stop price. Used as the
	// fallback stop style when the venue rejects stop-market.
	StopLimit OrderType = "take_profit"
)

// OrderRequest describes an order to place. Symbol is in venue format.
type OrderRequest struct {
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Qty        decimal.Decimal
	LimitPrice decimal.Decimal // lmt and take_profit orders
	StopPrice  decimal.Decimal // stp and take_profit orders
	ReduceOnly bool
}

// Order is a venue order as reported back by the API.
type Order struct {
	ID         string
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Qty        decimal.Decimal
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	ReduceOnly bool
	CreatedAt  time.Time
}

// Position is a venue position snapshot. Qty is always positive; Side
// carries the direction.
type Position struct {
	Symbol     string
	Side       OrderSide // buy = long, sell = short
	Qty        decimal.Decimal
	EntryPrice decimal.Decimal
}

// Fill is a venue execution record.
type Fill struct {
	ID        string // venue fill id, the dedupe key
	OrderID   string
	Symbol    string
	Side      OrderSide
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Timestamp time.Time
}

// TransferType classifies an account funding movement.
type TransferType string

const (
	TransferDeposit    TransferType = "deposit"
	TransferWithdrawal TransferType = "withdrawal"
)

// Transfer is a venue-native deposit or withdrawal record.
type Transfer struct {
	ID        string // venue transaction id, the dedupe key
	Type      TransferType
	Amount    decimal.Decimal // always positive
	Timestamp time.Time
}

// Client is the venue API surface the engine depends on. Implementations:
// the Kraken Futures REST client and the in-memory fake used in tests.
type Client interface {
	// Equity returns total account equity (margin balance incl. unrealized).
	Equity(ctx context.Context) (decimal.Decimal, error)

	// CashBalance returns the cash balance excluding unrealized P&L. This
	// is what the reconciler compares against its expected figure.
	CashBalance(ctx context.Context) (decimal.Decimal, error)

	// Positions returns all open venue positions.
	Positions(ctx context.Context) ([]Position, error)

	// OpenOrders returns all resting orders, optionally filtered by venue
	// symbol ("" = all).
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// RecentFills returns fills since the given time, oldest first.
	RecentFills(ctx context.Context, symbol string, since time.Time) ([]Fill, error)

	// RealizedPnL returns the venue-reported realized P&L for a symbol
	// since the given time. Inclusive of fees and funding.
	RealizedPnL(ctx context.Context, symbol string, since time.Time) (decimal.Decimal, error)

	// LastPrice returns the last traded price for a venue symbol.
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// PlaceOrder submits an order and returns the venue order id.
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)

	// CancelOrder cancels a resting order. Cancelling an order that is
	// already gone is not an error.
	CancelOrder(ctx context.Context, orderID string) error

	// SetLeverage sets the max leverage preference for a symbol.
	SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error

	// Transfers returns account funding movements since the given time.
	Transfers(ctx context.Context, since time.Time) ([]Transfer, error)
}
