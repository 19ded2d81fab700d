// Package engine executes delivered signals: sizing, leverage, the
// three-leg bracket (market entry, take-profit limit, stop-loss), and
// position bookkeeping. Each account is processed independently; one
// account's failure never blocks another's execution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/copyflow/signal-engine/internal/alert"
	"github.com/copyflow/signal-engine/internal/batch"
	"github.com/copyflow/signal-engine/internal/distributor"
	"github.com/copyflow/signal-engine/internal/exchange"
	"github.com/copyflow/signal-engine/internal/ledger"
	"github.com/copyflow/signal-engine/internal/metrics"
	"github.com/copyflow/signal-engine/internal/model"
	"github.com/copyflow/signal-engine/internal/retry"
	"github.com/copyflow/signal-engine/internal/risk"
	"github.com/copyflow/signal-engine/internal/store"
)

// EventSink receives position lifecycle events for live consumers.
type EventSink interface {
	PositionOpened(p model.OpenPosition)
}

// Config holds the engine loop's timing knobs.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	BatchDelay  time.Duration
	SettleDelay time.Duration
}

// Engine is the signal execution loop.
type Engine struct {
	store    store.Store
	dist     *distributor.Service
	ledger   *ledger.Ledger
	sessions *exchange.SessionCache
	alerts   *alert.Alerter
	events   EventSink // may be nil
	log      *slog.Logger
	cfg      Config
}

// New creates an execution engine. events may be nil.
func New(st store.Store, dist *distributor.Service, led *ledger.Ledger, sessions *exchange.SessionCache, alerts *alert.Alerter, events EventSink, log *slog.Logger, cfg Config) *Engine {
	return &Engine{
		store:    st,
		dist:     dist,
		ledger:   led,
		sessions: sessions,
		alerts:   alerts,
		events:   events,
		log:      log,
		cfg:      cfg,
	}
}

// Run drives the execution loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.log.Info("execution loop started", "interval", e.cfg.Interval.String())
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("execution loop stopped")
			return
		case <-ticker.C:
			e.pass(ctx)
		}
	}
}

func (e *Engine) pass(ctx context.Context) {
	start := time.Now()
	accounts, err := e.store.ListActiveAccounts(ctx)
	if err != nil {
		e.log.Error("list accounts", "err", err)
		return
	}
	batch.Run(ctx, accounts, e.cfg.BatchSize, e.cfg.BatchDelay, e.processAccount)
	metrics.LoopDuration.WithLabelValues("execution").Observe(time.Since(start).Seconds())
}

// processAccount executes at most one pending signal for one account.
func (e *Engine) processAccount(ctx context.Context, account model.Account) {
	d, sig, err := e.dist.NextDelivery(ctx, account.ID)
	if err != nil {
		e.log.Error("next delivery", "account_id", account.ID, "err", err)
		return
	}
	if d == nil {
		return
	}

	log := e.log.With("account_id", account.ID, "signal_id", sig.ID, "delivery_id", d.ID)

	// Defective at source: void for everyone, not just this account.
	if err := risk.Validate(sig); err != nil {
		if verr := e.dist.VoidSignal(ctx, sig.ID, err.Error()); verr != nil {
			log.Error("void defective signal", "err", verr)
		}
		return
	}

	client, err := e.sessions.Get(account.ID, account.Credentials)
	if err != nil {
		e.apiFailure(ctx, account.ID, "dial", err)
		return
	}

	if err := e.execute(ctx, log, client, account, d, sig); err != nil {
		if errors.Is(err, exchange.ErrAuth) {
			e.sessions.Invalidate(account.ID)
		}
		if errors.Is(err, risk.ErrPositionBlocked) {
			// Existing exposure: leave the delivery pending; it retries
			// until the signal's TTL voids it.
			metrics.ExecutionsTotal.WithLabelValues("blocked").Inc()
			log.Info("signal blocked by existing exposure")
			return
		}
		metrics.ExecutionsTotal.WithLabelValues("failed").Inc()
		log.Error("signal execution failed", "err", err)
		if merr := e.dist.MarkFailed(ctx, d.ID); merr != nil {
			log.Error("mark delivery failed", "err", merr)
		}
	}
}

func (e *Engine) execute(ctx context.Context, log *slog.Logger, client exchange.Client, account model.Account, d *model.Delivery, sig *model.Signal) error {
	// Pre-trade exclusivity: any exposure anywhere blocks entry. A partial
	// bracket left by a crash shows up here as resting orders.
	positions, err := client.Positions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	orders, err := client.OpenOrders(ctx, "")
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	if err := risk.CheckExclusive(len(positions), len(orders)); err != nil {
		return err
	}

	equity, err := client.Equity(ctx)
	if err != nil {
		return fmt.Errorf("fetch equity: %w", err)
	}

	qty, err := risk.Quantity(sig, equity)
	if err != nil {
		return err
	}
	lev, raised := risk.Leverage(sig, qty, equity)
	if raised {
		log.Info("leverage raised for margin fit",
			"signal_leverage", sig.Leverage.String(),
			"effective_leverage", lev.String())
	}

	venueSym := exchange.VenueSymbol(sig.Symbol)

	// Leverage preference is best-effort: the venue applies its own default
	// when this fails, which only affects margin, not size.
	if err := client.SetLeverage(ctx, venueSym, lev); err != nil {
		log.Warn("set leverage", "err", err)
	}

	entrySide := exchange.Buy
	exitSide := exchange.Sell
	if sig.Action == model.SideShort {
		entrySide, exitSide = exchange.Sell, exchange.Buy
	}

	placedAt := time.Now().UTC()
	entry, err := e.placeWithRetry(ctx, client, exchange.OrderRequest{
		Symbol: venueSym,
		Side:   entrySide,
		Type:   exchange.Market,
		Qty:    qty,
	})
	if err != nil {
		e.alerts.Emit(ctx, alert.Event{
			Type:    alert.EntryFailed,
			Message: "entry order failed after retries",
			Context: map[string]any{
				"account_id": account.ID,
				"signal_id":  sig.ID,
				"symbol":     sig.Symbol,
				"err":        err.Error(),
			},
		})
		return fmt.Errorf("entry order: %w", err)
	}

	// Let the fill settle before placing protective legs.
	select {
	case <-time.After(e.cfg.SettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	entryFillPrice, venueFills := e.entryFillPrice(ctx, client, venueSym, entry.ID, placedAt)
	if entryFillPrice.IsZero() {
		entryFillPrice = sig.Entry
		e.alerts.Emit(ctx, alert.Event{
			Type:    alert.EntryPriceRisk,
			Message: "entry fill price unavailable, recorded signal price",
			Context: map[string]any{"account_id": account.ID, "signal_id": sig.ID},
		})
	}

	tpID := e.placeLeg(ctx, log, client, account.ID, sig, "take_profit", exchange.OrderRequest{
		Symbol:     venueSym,
		Side:       exitSide,
		Type:       exchange.Limit,
		Qty:        qty,
		LimitPrice: sig.Target,
		ReduceOnly: true,
	}, exchange.OrderRequest{})

	slID := e.placeLeg(ctx, log, client, account.ID, sig, "stop_loss", exchange.OrderRequest{
		Symbol:     venueSym,
		Side:       exitSide,
		Type:       exchange.StopMarket,
		Qty:        qty,
		StopPrice:  sig.Stop,
		ReduceOnly: true,
	}, exchange.OrderRequest{
		// Fallback stop style for venues that reject stop-market.
		Symbol:     venueSym,
		Side:       exitSide,
		Type:       exchange.StopLimit,
		Qty:        qty,
		StopPrice:  sig.Stop,
		LimitPrice: sig.Stop,
		ReduceOnly: true,
	})

	now := time.Now().UTC()
	p := &model.OpenPosition{
		ID:             uuid.New().String(),
		AccountID:      account.ID,
		SignalID:       sig.ID,
		Symbol:         sig.Symbol,
		VenueSymbol:    venueSym,
		Side:           sig.Action,
		EntryOrderID:   entry.ID,
		TPOrderID:      tpID,
		SLOrderID:      slID,
		TargetTP:       sig.Target,
		TargetSL:       sig.Stop,
		EntryFillPrice: entryFillPrice,
		AvgEntryPrice:  entryFillPrice,
		FilledQty:      qty,
		Leverage:       lev,
		FillCount:      1,
		OpenedAt:       now,
		LastFillAt:     now,
		Status:         model.StatusOpen,
	}
	if err := e.store.CreatePosition(ctx, p); err != nil {
		return fmt.Errorf("persist position: %w", err)
	}
	if len(venueFills) > 0 {
		if _, err := e.ledger.RecordExchangeFills(ctx, account.ID, sig.Symbol, venueFills); err != nil {
			log.Error("record entry fills", "err", err)
		}
		if err := e.store.AssignFills(ctx, account.ID, sig.Symbol, placedAt, p.ID); err != nil {
			log.Error("assign entry fills", "err", err)
		}
	}

	if err := e.dist.Acknowledge(ctx, d.ID, true); err != nil {
		return fmt.Errorf("acknowledge delivery: %w", err)
	}

	metrics.ExecutionsTotal.WithLabelValues("opened").Inc()
	log.Info("position opened",
		"position_id", p.ID,
		"symbol", sig.Symbol,
		"side", string(sig.Action),
		"qty", qty.String(),
		"leverage", lev.String(),
		"entry_price", entryFillPrice.String())
	if e.events != nil {
		e.events.PositionOpened(*p)
	}
	return nil
}

// placeWithRetry retries transient placement failures with backoff.
// Hard rejections (margin, auth, bad order) fail immediately.
func (e *Engine) placeWithRetry(ctx context.Context, client exchange.Client, req exchange.OrderRequest) (*exchange.Order, error) {
	var order *exchange.Order
	err := retry.Do(ctx, retry.Attempts, exchange.IsTransient, func() error {
		var err error
		order, err = client.PlaceOrder(ctx, req)
		return err
	})
	return order, err
}

// placeLeg places one protective leg, trying the fallback request when the
// primary is rejected outright. A leg that cannot be placed leaves the
// position unprotected: critical alert, no automatic re-placement.
func (e *Engine) placeLeg(ctx context.Context, log *slog.Logger, client exchange.Client, accountID string, sig *model.Signal, leg string, req, fallback exchange.OrderRequest) string {
	order, err := e.placeWithRetry(ctx, client, req)
	if err != nil && errors.Is(err, exchange.ErrOrderRejected) && fallback.Symbol != "" {
		log.Warn("protective leg rejected, trying fallback style", "leg", leg, "err", err)
		order, err = e.placeWithRetry(ctx, client, fallback)
	}
	if err != nil {
		e.alerts.Emit(ctx, alert.Event{
			Type:    alert.UnprotectedPosition,
			Message: "protective leg could not be placed",
			Context: map[string]any{
				"account_id": accountID,
				"signal_id":  sig.ID,
				"symbol":     sig.Symbol,
				"leg":        leg,
				"err":        err.Error(),
			},
		})
		return ""
	}
	return order.ID
}

// entryFillPrice fetches fills since the entry was placed and returns the
// price of the entry order's fill, plus everything fetched so the ledger
// can record it. A zero price means the fetch came up empty.
func (e *Engine) entryFillPrice(ctx context.Context, client exchange.Client, venueSym, entryOrderID string, since time.Time) (decimal.Decimal, []exchange.Fill) {
	fills, err := client.RecentFills(ctx, venueSym, since)
	if err != nil || len(fills) == 0 {
		return decimal.Zero, nil
	}
	for i := len(fills) - 1; i >= 0; i-- {
		if fills[i].OrderID == entryOrderID {
			return fills[i].Price, fills
		}
	}
	// No fill tagged with the order id; use the most recent as best effort.
	return fills[len(fills)-1].Price, fills
}

func (e *Engine) apiFailure(ctx context.Context, accountID, op string, err error) {
	if errors.Is(err, exchange.ErrAuth) {
		e.sessions.Invalidate(accountID)
	}
	e.log.Error("exchange failure", "account_id", accountID, "op", op, "err", err)
	e.alerts.Emit(ctx, alert.Event{
		Type:    alert.APIFailure,
		Message: "exchange call failed",
		Context: map[string]any{"account_id": accountID, "op": op, "err": err.Error()},
	})
}
