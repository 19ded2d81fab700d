package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Compile-time interface check.
var _ Client = (*Fake)(nil)

// Fake implements Client in memory for tests. State fields are set directly
// by the test; PlaceErr injects order-placement failures. All methods are
// safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	EquityVal    decimal.Decimal
	CashVal      decimal.Decimal
	PositionList []Position
	OrderList    []Order
	FillList     []Fill
	PnL          decimal.Decimal
	Prices       map[string]decimal.Decimal
	TransferList []Transfer

	// PlaceErr, when non-nil, is consulted before every PlaceOrder; a
	// non-nil return is surfaced instead of placing the order.
	PlaceErr func(req OrderRequest) error

	// Err, when non-nil, is returned by every read method. Simulates a
	// venue outage.
	Err error

	placed  []Order
	nextID  int
	Cancels []string
	SetLevs map[string]decimal.Decimal
}

// NewFake creates an empty fake client.
func NewFake() *Fake {
	return &Fake{
		Prices:  make(map[string]decimal.Decimal),
		SetLevs: make(map[string]decimal.Decimal),
	}
}

// Placed returns a copy of every order accepted so far.
func (f *Fake) Placed() []Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Order, len(f.placed))
	copy(out, f.placed)
	return out
}

func (f *Fake) Equity(context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return decimal.Zero, f.Err
	}
	return f.EquityVal, nil
}

func (f *Fake) CashBalance(context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return decimal.Zero, f.Err
	}
	return f.CashVal, nil
}

func (f *Fake) Positions(context.Context) ([]Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]Position, len(f.PositionList))
	copy(out, f.PositionList)
	return out, nil
}

func (f *Fake) OpenOrders(_ context.Context, symbol string) ([]Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []Order
	for _, o := range f.OrderList {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *Fake) RecentFills(_ context.Context, symbol string, since time.Time) ([]Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []Fill
	for _, fl := range f.FillList {
		if symbol != "" && fl.Symbol != symbol {
			continue
		}
		if !since.IsZero() && fl.Timestamp.Before(since) {
			continue
		}
		out = append(out, fl)
	}
	return out, nil
}

func (f *Fake) RealizedPnL(context.Context, string, time.Time) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return decimal.Zero, f.Err
	}
	return f.PnL, nil
}

func (f *Fake) LastPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return decimal.Zero, f.Err
	}
	p, ok := f.Prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no ticker for %s", ErrUnavailable, symbol)
	}
	return p, nil
}

func (f *Fake) PlaceOrder(_ context.Context, req OrderRequest) (*Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PlaceErr != nil {
		if err := f.PlaceErr(req); err != nil {
			return nil, err
		}
	}
	f.nextID++
	o := Order{
		ID:         fmt.Sprintf("fake-%d", f.nextID),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Qty:        req.Qty,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		ReduceOnly: req.ReduceOnly,
		CreatedAt:  time.Now().UTC(),
	}
	f.placed = append(f.placed, o)
	return &o, nil
}

func (f *Fake) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancels = append(f.Cancels, orderID)
	for i, o := range f.OrderList {
		if o.ID == orderID {
			f.OrderList = append(f.OrderList[:i], f.OrderList[i+1:]...)
			break
		}
	}
	return nil
}

func (f *Fake) SetLeverage(_ context.Context, symbol string, leverage decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.SetLevs[symbol] = leverage
	return nil
}

func (f *Fake) Transfers(_ context.Context, since time.Time) ([]Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []Transfer
	for _, t := range f.TransferList {
		if !since.IsZero() && t.Timestamp.Before(since) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
