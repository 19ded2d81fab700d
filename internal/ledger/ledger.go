// Package ledger maintains the append-only fill record and the fill-derived
// view of open positions. Fills are facts: recorded once, assigned to a
// position once, never mutated. Aggregates are derived and always
// recomputable from the fills.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/copyflow/signal-engine/internal/exchange"
	"github.com/copyflow/signal-engine/internal/model"
	"github.com/copyflow/signal-engine/internal/store"
)

// Ledger records fills and keeps position aggregates current.
type Ledger struct {
	store store.Store
	log   *slog.Logger
}

// New creates a ledger.
func New(st store.Store, log *slog.Logger) *Ledger {
	return &Ledger{store: st, log: log}
}

// fillSide maps a venue order side onto the fill's market direction.
func fillSide(side exchange.OrderSide) model.Side {
	if side == exchange.Sell {
		return model.SideShort
	}
	return model.SideLong
}

// RecordExchangeFills stores venue fills for an account under the given API
// symbol. Duplicates (same venue fill id seen again) are dropped by the
// store. Returns how many fills were new.
func (l *Ledger) RecordExchangeFills(ctx context.Context, accountID, symbol string, fills []exchange.Fill) (int, error) {
	recorded := 0
	for _, f := range fills {
		inserted, err := l.store.RecordFill(ctx, &model.Fill{
			ID:             uuid.New().String(),
			AccountID:      accountID,
			Symbol:         symbol,
			Side:           fillSide(f.Side),
			Price:          f.Price,
			Qty:            f.Qty,
			Cost:           f.Price.Mul(f.Qty),
			ExchangeFillID: f.ID,
			Timestamp:      f.Timestamp,
		})
		if err != nil {
			return recorded, fmt.Errorf("record fill %s: %w", f.ID, err)
		}
		if inserted {
			recorded++
		}
	}
	return recorded, nil
}

// Aggregate is the fill-derived state of one account/symbol exposure.
type Aggregate struct {
	Side       model.Side
	Qty        decimal.Decimal // absolute net quantity
	AvgEntry   decimal.Decimal
	FillCount  int
	FirstFill  time.Time
	LastFill   time.Time
}

// Compute reduces a fill set to its aggregate. Returns false when the fills
// net out flat. Direction: short iff sell quantity exceeds buy quantity.
// Average entry is |cost basis| / qty, a quantity-weighted mean.
func Compute(fills []model.Fill) (Aggregate, bool) {
	if len(fills) == 0 {
		return Aggregate{}, false
	}

	buyQty, sellQty := decimal.Zero, decimal.Zero
	costBasis := decimal.Zero // signed: buys add, sells subtract
	var first, last time.Time

	for _, f := range fills {
		if f.Side == model.SideShort {
			sellQty = sellQty.Add(f.Qty)
			costBasis = costBasis.Sub(f.Cost)
		} else {
			buyQty = buyQty.Add(f.Qty)
			costBasis = costBasis.Add(f.Cost)
		}
		if first.IsZero() || f.Timestamp.Before(first) {
			first = f.Timestamp
		}
		if f.Timestamp.After(last) {
			last = f.Timestamp
		}
	}

	net := buyQty.Sub(sellQty)
	if net.IsZero() {
		return Aggregate{}, false
	}

	side := model.SideLong
	if sellQty.GreaterThan(buyQty) {
		side = model.SideShort
	}
	qty := net.Abs()

	return Aggregate{
		Side:      side,
		Qty:       qty,
		AvgEntry:  costBasis.Abs().Div(qty),
		FillCount: len(fills),
		FirstFill: first,
		LastFill:  last,
	}, true
}

// Boundary returns the fill-aggregation start time for an account/symbol:
// the last fill time of the most recently closed position. Fills older than
// this belong to finished trades and must not leak into the next one.
func (l *Ledger) Boundary(ctx context.Context, accountID, symbol string) (time.Time, error) {
	last, err := l.store.LastClosedPosition(ctx, accountID, symbol)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return last.LastFillAt, nil
}

// Rescan refreshes the fill record and position aggregate for one
// account/symbol: fetch venue fills past the aggregation boundary, record
// them, recompute, and either update the tracked open position or create a
// discovered one (no signal attribution) when net exposure exists untracked.
//
// Must only run when no finalization is pending for the symbol — the
// closure detector finalizes first, then rescans.
func (l *Ledger) Rescan(ctx context.Context, client exchange.Client, accountID, symbol string) error {
	boundary, err := l.Boundary(ctx, accountID, symbol)
	if err != nil {
		return fmt.Errorf("aggregation boundary %s/%s: %w", accountID, symbol, err)
	}

	venueFills, err := client.RecentFills(ctx, exchange.VenueSymbol(symbol), boundary)
	if err != nil {
		return fmt.Errorf("fetch fills %s/%s: %w", accountID, symbol, err)
	}
	if _, err := l.RecordExchangeFills(ctx, accountID, symbol, venueFills); err != nil {
		return err
	}

	fills, err := l.store.FillsSince(ctx, accountID, symbol, boundary)
	if err != nil {
		return fmt.Errorf("load fills %s/%s: %w", accountID, symbol, err)
	}

	open, err := l.openPosition(ctx, accountID, symbol)
	if err != nil {
		return err
	}

	// The closed trade's own exit fill sits exactly at the boundary; drop
	// anything already claimed by another position.
	current := make([]model.Fill, 0, len(fills))
	for _, f := range fills {
		if f.PositionID != "" && (open == nil || f.PositionID != open.ID) {
			continue
		}
		current = append(current, f)
	}
	agg, ok := Compute(current)

	switch {
	case open != nil:
		if !ok {
			// Flat per fills but still tracked open; the closure
			// detector owns that transition, not the ledger.
			return nil
		}
		if err := l.store.UpdatePositionAggregate(ctx, open.ID, agg.AvgEntry, agg.Qty, agg.FillCount, agg.LastFill); err != nil {
			return fmt.Errorf("update aggregate %s: %w", open.ID, err)
		}
		return l.store.AssignFills(ctx, accountID, symbol, boundary, open.ID)

	case ok:
		// Net exposure with no tracked position: someone traded outside
		// the engine. Track it so closure detection and billing see it.
		p := &model.OpenPosition{
			ID:             uuid.New().String(),
			AccountID:      accountID,
			Symbol:         symbol,
			VenueSymbol:    exchange.VenueSymbol(symbol),
			Side:           agg.Side,
			EntryFillPrice: agg.AvgEntry,
			AvgEntryPrice:  agg.AvgEntry,
			FilledQty:      agg.Qty,
			Leverage:       decimal.NewFromInt(1),
			FillCount:      agg.FillCount,
			OpenedAt:       agg.FirstFill,
			LastFillAt:     agg.LastFill,
			Status:         model.StatusOpen,
		}
		if err := l.store.CreatePosition(ctx, p); err != nil {
			return fmt.Errorf("create discovered position: %w", err)
		}
		l.log.Info("discovered untracked position",
			"position_id", p.ID,
			"account_id", accountID,
			"symbol", symbol,
			"side", string(agg.Side),
			"qty", agg.Qty.String())
		return l.store.AssignFills(ctx, accountID, symbol, boundary, p.ID)

	default:
		return nil
	}
}

func (l *Ledger) openPosition(ctx context.Context, accountID, symbol string) (*model.OpenPosition, error) {
	positions, err := l.store.OpenPositionsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("open positions %s: %w", accountID, err)
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return nil, nil
}
