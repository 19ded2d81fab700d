// Package monitor detects position closures, classifies the exit, resolves
// realized P&L, and finalizes positions into immutable trade records.
// Finalization is a two-phase protocol: transition the position first, then
// rescan fills — never the other way around, or a rescan could fold a
// finished trade's fills into a new position.
package monitor

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
	"github.com/copyflow/signal-engine/internal/exchange"
	"github.com/copyflow/signal-engine/internal/ledger"
	"github.com/copyflow/signal-engine/internal/metrics"
	"github.com/copyflow/signal-engine/internal/model"
	"github.com/copyflow/signal-engine/internal/store"
)

// EventSink receives trade events for live consumers.
type EventSink interface {
	PositionClosed(t model.Trade)
}

// Config holds the monitor loop's timing knobs.
type Config struct {
	Interval   time.Duration
	BatchSize  int
	BatchDelay time.Duration
}

// Monitor is the closure-detection loop.
type Monitor struct {
	store    store.Store
	ledger   *ledger.Ledger
	sessions *exchange.SessionCache
	prices   *exchange.PriceCache
	alerts   *alert.Alerter
	events   EventSink // may be nil
	log      *slog.Logger
	cfg      Config
}

// New creates a closure monitor. events may be nil.
func New(st store.Store, led *ledger.Ledger, sessions *exchange.SessionCache, prices *exchange.PriceCache, alerts *alert.Alerter, events EventSink, log *slog.Logger, cfg Config) *Monitor {
	return &Monitor{
		store:    st,
		ledger:   led,
		sessions: sessions,
		prices:   prices,
		alerts:   alerts,
		events:   events,
		log:      log,
		cfg:      cfg,
	}
}

// Run drives the monitor loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info("monitor loop started", "interval", m.cfg.Interval.String())
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitor loop stopped")
			return
		case <-ticker.C:
			m.pass(ctx)
		}
	}
}

func (m *Monitor) pass(ctx context.Context) {
	start := time.Now()
	open, err := m.store.OpenPositions(ctx)
	if err != nil {
		m.log.Error("list open positions", "err", err)
		return
	}
	metrics.OpenPositionsGauge.Set(float64(len(open)))
	if len(open) == 0 {
		return
	}

	byAccount := make(map[string][]model.OpenPosition)
	for _, p := range open {
		byAccount[p.AccountID] = append(byAccount[p.AccountID], p)
	}
	var accounts []model.Account
	for id := range byAccount {
		a, err := m.store.GetAccount(ctx, id)
		if err != nil {
			m.log.Error("load account", "account_id", id, "err", err)
			continue
		}
		accounts = append(accounts, *a)
	}

	batch.Run(ctx, accounts, m.cfg.BatchSize, m.cfg.BatchDelay, func(ctx context.Context, a model.Account) {
		client, err := m.sessions.Get(a.ID, a.Credentials)
		if err != nil {
			m.log.Error("dial exchange", "account_id", a.ID, "err", err)
			return
		}
		for _, p := range byAccount[a.ID] {
			if err := m.check(ctx, client, p); err != nil {
				if errors.Is(err, exchange.ErrAuth) {
					m.sessions.Invalidate(a.ID)
				}
				m.log.Error("check position",
					"account_id", a.ID,
					"position_id", p.ID,
					"err", err)
			}
		}
	})
	metrics.LoopDuration.WithLabelValues("monitor").Observe(time.Since(start).Seconds())
}

// check inspects one tracked position against the venue and finalizes it
// when the venue no longer holds it.
func (m *Monitor) check(ctx context.Context, client exchange.Client, p model.OpenPosition) error {
	venuePositions, err := client.Positions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	for _, vp := range venuePositions {
		if vp.Symbol == p.VenueSymbol && vp.Qty.Sign() > 0 {
			// Still open: refresh the fill aggregate and move on.
			return m.ledger.Rescan(ctx, client, p.AccountID, p.Symbol)
		}
	}

	orders, err := client.OpenOrders(ctx, p.VenueSymbol)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	hasTP, hasSL := false, false
	for _, o := range orders {
		switch o.ID {
		case p.TPOrderID:
			hasTP = p.TPOrderID != ""
		case p.SLOrderID:
			hasSL = p.SLOrderID != ""
		}
	}

	// Both protective legs resting but no position: inconsistent venue
	// state (settlement lag or a manual flat). Keep monitoring; do not
	// guess a closure.
	if hasTP && hasSL {
		m.log.Warn("position absent but both bracket legs resting",
			"position_id", p.ID, "symbol", p.Symbol)
		return nil
	}

	return m.finalize(ctx, client, p, hasTP, hasSL)
}

func (m *Monitor) finalize(ctx context.Context, client exchange.Client, p model.OpenPosition, hasTP, hasSL bool) error {
	fills, err := client.RecentFills(ctx, p.VenueSymbol, p.OpenedAt)
	if err != nil {
		m.log.Warn("fetch fills for finalize", "position_id", p.ID, "err", err)
	}
	exitPrice, closedAt := m.exitPrice(ctx, client, p, fills)
	exitType := classifyExit(p, hasTP, hasSL, exitPrice, m.log)

	entryPrice := p.AvgEntryPrice
	// entry == exit is the signature of exit fills corrupting the entry
	// aggregate; the originally recorded fill price is the trustworthy one.
	if !exitPrice.IsZero() && entryPrice.Equal(exitPrice) && !p.EntryFillPrice.IsZero() {
		m.log.Warn("aggregate entry equals exit price, using original fill price",
			"position_id", p.ID, "price", exitPrice.String())
		entryPrice = p.EntryFillPrice
	}

	pnl, pnlSource, pnlKnown := m.resolvePnL(ctx, client, p, entryPrice, exitPrice)

	signalID := p.SignalID
	status := model.StatusClosed
	if signalID == "" {
		signalID, status = m.attribute(ctx, p)
	}
	if exitType == model.ExitUnknown || !pnlKnown {
		status = model.StatusNeedsReview
	}

	transitioned, err := m.store.FinalizePosition(ctx, p.ID, status)
	if err != nil {
		return fmt.Errorf("finalize position %s: %w", p.ID, err)
	}
	if !transitioned {
		// Lost the race to a concurrent pass; that pass owns the trade.
		return nil
	}

	// Cancel whichever protective leg survived.
	for _, orderID := range []string{p.TPOrderID, p.SLOrderID} {
		if orderID == "" {
			continue
		}
		if err := client.CancelOrder(ctx, orderID); err != nil {
			m.log.Warn("cancel orphan leg", "position_id", p.ID, "order_id", orderID, "err", err)
		}
	}

	// No exit fill, no ticker, no venue figure: any P&L booked here would be
	// invented money and would poison the reconciler's expected balance.
	// Park the position for review without a trade record.
	if !pnlKnown {
		metrics.PositionsFinalized.WithLabelValues(string(status)).Inc()
		m.log.Warn("position closed with no resolvable exit evidence, no trade recorded",
			"position_id", p.ID,
			"account_id", p.AccountID,
			"symbol", p.Symbol)
		m.alerts.Emit(ctx, alert.Event{
			Type:    alert.NeedsReview,
			Message: "closed position has no resolvable exit price or venue P&L",
			Context: map[string]any{"position_id": p.ID, "account_id": p.AccountID},
		})
		return nil
	}

	t := model.Trade{
		ID:          uuid.New().String(),
		AccountID:   p.AccountID,
		PositionID:  p.ID,
		SignalID:    signalID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		EntryPrice:  entryPrice,
		ExitPrice:   exitPrice,
		Qty:         p.FilledQty,
		Leverage:    p.Leverage,
		RealizedPnL: pnl,
		PnLSource:   pnlSource,
		ExitType:    exitType,
		OpenedAt:    p.OpenedAt,
		ClosedAt:    closedAt,
	}
	if err := m.store.CreateTrade(ctx, &t); err != nil {
		return fmt.Errorf("create trade for position %s: %w", p.ID, err)
	}

	metrics.PositionsFinalized.WithLabelValues(string(status)).Inc()
	m.log.Info("position finalized",
		"position_id", p.ID,
		"account_id", p.AccountID,
		"symbol", p.Symbol,
		"status", string(status),
		"exit_type", string(exitType),
		"pnl", pnl.String(),
		"pnl_source", string(pnlSource))

	if status == model.StatusNeedsReview {
		m.alerts.Emit(ctx, alert.Event{
			Type:    alert.NeedsReview,
			Message: "closed position could not be classified",
			Context: map[string]any{"position_id": p.ID, "trade_id": t.ID},
		})
	}
	if m.events != nil {
		m.events.PositionClosed(t)
	}

	// Claim the trade's remaining fills for the closed position and advance
	// its fill boundary to the close time, so the rescan cannot fold them
	// into a new position.
	if _, err := m.ledger.RecordExchangeFills(ctx, p.AccountID, p.Symbol, fills); err != nil {
		m.log.Error("record closing fills", "position_id", p.ID, "err", err)
	}
	if err := m.store.AssignFills(ctx, p.AccountID, p.Symbol, p.OpenedAt, p.ID); err != nil {
		m.log.Error("assign closing fills", "position_id", p.ID, "err", err)
	}
	if err := m.store.UpdatePositionAggregate(ctx, p.ID, entryPrice, p.FilledQty, p.FillCount, closedAt); err != nil {
		m.log.Error("advance fill boundary", "position_id", p.ID, "err", err)
	}

	// Phase two: only after the finalize is durable is it safe to fold
	// fresh fills into a new aggregate.
	return m.ledger.Rescan(ctx, client, p.AccountID, p.Symbol)
}

// exitPrice returns the most recent opposite-side fill price since the
// position opened, falling back to the cached ticker when no fill is
// visible. The second return is the best-known close time.
func (m *Monitor) exitPrice(ctx context.Context, client exchange.Client, p model.OpenPosition, fills []exchange.Fill) (decimal.Decimal, time.Time) {
	exitSide := exchange.Sell
	if p.Side == model.SideShort {
		exitSide = exchange.Buy
	}

	for i := len(fills) - 1; i >= 0; i-- {
		if fills[i].Side == exitSide {
			return fills[i].Price, fills[i].Timestamp
		}
	}

	price, perr := m.prices.LastPrice(ctx, client, p.VenueSymbol)
	if perr != nil {
		m.log.Warn("exit price unavailable", "position_id", p.ID, "err", perr)
		return decimal.Zero, time.Now().UTC()
	}
	return price, time.Now().UTC()
}

// classifyExit decides how the position left the market. Order absence is
// the primary evidence: the consumed leg is the one that is gone. When both
// legs are gone, price proximity to the targets breaks the tie; when that
// cannot resolve either, the answer is unknown, never a guess.
func classifyExit(p model.OpenPosition, hasTP, hasSL bool, exitPrice decimal.Decimal, log *slog.Logger) model.ExitType {
	var byOrders model.ExitType
	switch {
	case hasSL && !hasTP:
		byOrders = model.ExitTP
	case hasTP && !hasSL:
		byOrders = model.ExitSL
	}

	byPrice := classifyByPrice(p, exitPrice)

	if byOrders != "" {
		if byPrice != model.ExitUnknown && byPrice != byOrders {
			log.Warn("exit classification mismatch",
				"position_id", p.ID,
				"by_orders", string(byOrders),
				"by_price", string(byPrice))
		}
		return byOrders
	}
	return byPrice
}

func classifyByPrice(p model.OpenPosition, exitPrice decimal.Decimal) model.ExitType {
	if exitPrice.IsZero() || p.TargetTP.IsZero() || p.TargetSL.IsZero() {
		return model.ExitUnknown
	}
	distTP := exitPrice.Sub(p.TargetTP).Abs()
	distSL := exitPrice.Sub(p.TargetSL).Abs()
	switch {
	case distTP.LessThan(distSL):
		return model.ExitTP
	case distSL.LessThan(distTP):
		return model.ExitSL
	default:
		return model.ExitUnknown
	}
}

// resolvePnL prefers the venue's own realized figure (it includes fees,
// funding and slippage). A missing or exactly-zero venue figure falls back
// to the locally calculated one: zero from the venue almost always means
// "not reported", not "broke even to the cent". The third return is false
// when neither source can produce a figure, which happens when the exit
// price itself is unresolvable.
func (m *Monitor) resolvePnL(ctx context.Context, client exchange.Client, p model.OpenPosition, entry, exit decimal.Decimal) (decimal.Decimal, model.PnLSource, bool) {
	venuePnL, err := client.RealizedPnL(ctx, p.VenueSymbol, p.OpenedAt)
	if err == nil && !venuePnL.IsZero() {
		return venuePnL, model.PnLExchange, true
	}
	if exit.IsZero() {
		return decimal.Zero, "", false
	}

	diff := exit.Sub(entry)
	if p.Side == model.SideShort {
		diff = entry.Sub(exit)
	}
	return diff.Mul(p.FilledQty), model.PnLCalculated, true
}
