package monitor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copyflow/signal-engine/internal/alert"
	"github.com/copyflow/signal-engine/internal/exchange"
	"github.com/copyflow/signal-engine/internal/ledger"
	"github.com/copyflow/signal-engine/internal/model"
	"github.com/copyflow/signal-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	monitor *Monitor
	store   *store.MemoryStore
	fake    *exchange.Fake
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	ms.AddAccount(model.Account{ID: "a1", InitialCapital: d(10000), Active: true})

	log := slog.Default()
	fake := exchange.NewFake()
	sessions := exchange.NewSessionCache(func(string) (exchange.Client, error) {
		return fake, nil
	})

	mon := New(ms, ledger.New(ms, log), sessions, exchange.NewPriceCache(nil),
		alert.New(log, nil), nil, log, Config{
			Interval:  time.Minute,
			BatchSize: 10,
		})
	return &testEnv{monitor: mon, store: ms, fake: fake}
}

// openPosition seeds a tracked long position: entry 100, qty 40, TP 110, SL 95.
func openPosition(t *testing.T, env *testEnv, signalID string) model.OpenPosition {
	t.Helper()
	now := time.Now().UTC()
	p := model.OpenPosition{
		ID:             "pos1",
		AccountID:      "a1",
		SignalID:       signalID,
		Symbol:         "BTC/USDT",
		VenueSymbol:    "PF_XBTUSD",
		Side:           model.SideLong,
		TPOrderID:      "tp1",
		SLOrderID:      "sl1",
		TargetTP:       d(110),
		TargetSL:       d(95),
		EntryFillPrice: d(100),
		AvgEntryPrice:  d(100),
		FilledQty:      d(40),
		Leverage:       d(5),
		FillCount:      1,
		OpenedAt:       now.Add(-time.Hour),
		LastFillAt:     now.Add(-time.Hour),
		Status:         model.StatusOpen,
	}
	if err := env.store.CreatePosition(context.Background(), &p); err != nil {
		t.Fatal(err)
	}
	return p
}

func exitFill(side exchange.OrderSide, price float64) exchange.Fill {
	return exchange.Fill{
		ID:        "exit1",
		Symbol:    "PF_XBTUSD",
		Side:      side,
		Price:     d(price),
		Qty:       d(40),
		Timestamp: time.Now().UTC().Add(-time.Minute),
	}
}

func TestCheck_StillOpenIsNotFinalized(t *testing.T) {
	env := newTestEnv(t)
	p := openPosition(t, env, "sig1")
	env.fake.PositionList = []exchange.Position{{
		Symbol: "PF_XBTUSD", Side: exchange.Buy, Qty: d(40), EntryPrice: d(100),
	}}

	if err := env.monitor.check(context.Background(), env.fake, p); err != nil {
		t.Fatalf("check: %v", err)
	}

	got, _ := env.store.GetPosition(context.Background(), p.ID)
	if got.Status != model.StatusOpen {
		t.Error("position still on the venue must stay open")
	}
}

func TestCheck_BothLegsRestingIsAnomalyNotClosure(t *testing.T) {
	env := newTestEnv(t)
	p := openPosition(t, env, "sig1")
	// No venue position, but both bracket legs still resting.
	env.fake.OrderList = []exchange.Order{
		{ID: "tp1", Symbol: "PF_XBTUSD"},
		{ID: "sl1", Symbol: "PF_XBTUSD"},
	}

	if err := env.monitor.check(context.Background(), env.fake, p); err != nil {
		t.Fatalf("check: %v", err)
	}

	got, _ := env.store.GetPosition(context.Background(), p.ID)
	if got.Status != model.StatusOpen {
		t.Error("inconsistent venue state must not finalize the position")
	}
}

func TestFinalize_TakeProfitExit(t *testing.T) {
	env := newTestEnv(t)
	p := openPosition(t, env, "sig1")
	ctx := context.Background()

	// Only the stop remains: the take-profit leg was consumed.
	env.fake.OrderList = []exchange.Order{{ID: "sl1", Symbol: "PF_XBTUSD"}}
	env.fake.FillList = []exchange.Fill{exitFill(exchange.Sell, 110)}
	env.fake.PnL = d(395) // venue figure, fees included

	if err := env.monitor.check(ctx, env.fake, p); err != nil {
		t.Fatalf("check: %v", err)
	}

	got, _ := env.store.GetPosition(ctx, p.ID)
	if got.Status != model.StatusClosed {
		t.Fatalf("expected closed, got %s", got.Status)
	}

	trades, _ := env.store.TradesByAccount(ctx, "a1", 10)
	if len(trades) != 1 {
		t.Fatalf("expected one trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.ExitType != model.ExitTP {
		t.Errorf("expected TP exit, got %s", tr.ExitType)
	}
	if !tr.RealizedPnL.Equal(d(395)) || tr.PnLSource != model.PnLExchange {
		t.Errorf("expected venue pnl 395, got %s from %s", tr.RealizedPnL, tr.PnLSource)
	}
	if tr.SignalID != "sig1" {
		t.Error("trade should carry the signal attribution")
	}

	// The surviving stop leg gets cancelled.
	cancelled := false
	for _, id := range env.fake.Cancels {
		if id == "sl1" {
			cancelled = true
		}
	}
	if !cancelled {
		t.Error("orphan stop leg should be cancelled")
	}
}

func TestFinalize_StopLossExitCalculatedPnL(t *testing.T) {
	env := newTestEnv(t)
	p := openPosition(t, env, "sig1")
	ctx := context.Background()

	// Only the take-profit remains: the stop was consumed. Venue reports
	// exactly zero P&L, which means "not reported", so it is recomputed.
	env.fake.OrderList = []exchange.Order{{ID: "tp1", Symbol: "PF_XBTUSD"}}
	env.fake.FillList = []exchange.Fill{exitFill(exchange.Sell, 95)}
	env.fake.PnL = decimal.Zero

	if err := env.monitor.check(ctx, env.fake, p); err != nil {
		t.Fatalf("check: %v", err)
	}

	trades, _ := env.store.TradesByAccount(ctx, "a1", 10)
	if len(trades) != 1 {
		t.Fatalf("expected one trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.ExitType != model.ExitSL {
		t.Errorf("expected SL exit, got %s", tr.ExitType)
	}
	// (95 - 100) * 40 = -200.
	if !tr.RealizedPnL.Equal(d(-200)) || tr.PnLSource != model.PnLCalculated {
		t.Errorf("expected calculated -200, got %s from %s", tr.RealizedPnL, tr.PnLSource)
	}
}

func TestFinalize_DoubleFinalizeEmitsOneTrade(t *testing.T) {
	env := newTestEnv(t)
	p := openPosition(t, env, "sig1")
	ctx := context.Background()

	env.fake.OrderList = []exchange.Order{{ID: "sl1", Symbol: "PF_XBTUSD"}}
	env.fake.FillList = []exchange.Fill{exitFill(exchange.Sell, 110)}

	// Two passes race on the same stale snapshot.
	if err := env.monitor.check(ctx, env.fake, p); err != nil {
		t.Fatalf("first check: %v", err)
	}
	if err := env.monitor.check(ctx, env.fake, p); err != nil {
		t.Fatalf("second check: %v", err)
	}

	trades, _ := env.store.TradesByAccount(ctx, "a1", 10)
	if len(trades) != 1 {
		t.Fatalf("double finalize produced %d trades, want 1", len(trades))
	}
}

func TestFinalize_EntryEqualsExitUsesOriginalFillPrice(t *testing.T) {
	env := newTestEnv(t)
	p := openPosition(t, env, "sig1")
	ctx := context.Background()

	// The aggregate was corrupted by exit fills: avg entry equals exit.
	if err := env.store.UpdatePositionAggregate(ctx, p.ID, d(110), p.FilledQty, 2, p.LastFillAt); err != nil {
		t.Fatal(err)
	}
	p.AvgEntryPrice = d(110)

	env.fake.OrderList = []exchange.Order{{ID: "sl1", Symbol: "PF_XBTUSD"}}
	env.fake.FillList = []exchange.Fill{exitFill(exchange.Sell, 110)}

	if err := env.monitor.check(ctx, env.fake, p); err != nil {
		t.Fatalf("check: %v", err)
	}

	trades, _ := env.store.TradesByAccount(ctx, "a1", 10)
	if len(trades) != 1 {
		t.Fatal("expected one trade")
	}
	tr := trades[0]
	if !tr.EntryPrice.Equal(d(100)) {
		t.Errorf("expected original fill price 100, got %s", tr.EntryPrice)
	}
	// (110 - 100) * 40 with the corrected entry.
	if !tr.RealizedPnL.Equal(d(400)) {
		t.Errorf("expected pnl 400, got %s", tr.RealizedPnL)
	}
}

func TestFinalize_UnclassifiableGoesToNeedsReview(t *testing.T) {
	env := newTestEnv(t)
	p := openPosition(t, env, "sig1")
	ctx := context.Background()

	// Both legs gone, and the exit price sits exactly between the targets:
	// neither evidence path resolves. TP 110, SL 95 → midpoint 102.5.
	env.fake.FillList = []exchange.Fill{exitFill(exchange.Sell, 102.5)}

	if err := env.monitor.check(ctx, env.fake, p); err != nil {
		t.Fatalf("check: %v", err)
	}

	got, _ := env.store.GetPosition(ctx, p.ID)
	if got.Status != model.StatusNeedsReview {
		t.Fatalf("expected needs_review, got %s", got.Status)
	}
	trades, _ := env.store.TradesByAccount(ctx, "a1", 10)
	if len(trades) != 1 || trades[0].ExitType != model.ExitUnknown {
		t.Error("unclassifiable exit should be recorded as UNKNOWN, never guessed")
	}
}

func TestFinalize_PriceProximityBreaksTie(t *testing.T) {
	env := newTestEnv(t)
	p := openPosition(t, env, "sig1")
	ctx := context.Background()

	// Both legs gone; exit price 109.8 is close to the 110 target.
	env.fake.FillList = []exchange.Fill{exitFill(exchange.Sell, 109.8)}

	if err := env.monitor.check(ctx, env.fake, p); err != nil {
		t.Fatalf("check: %v", err)
	}

	trades, _ := env.store.TradesByAccount(ctx, "a1", 10)
	if len(trades) != 1 || trades[0].ExitType != model.ExitTP {
		t.Error("price proximity should classify the exit as TP")
	}
	got, _ := env.store.GetPosition(ctx, p.ID)
	if got.Status != model.StatusClosed {
		t.Errorf("expected closed, got %s", got.Status)
	}
}

func TestFinalize_NoExitEvidenceRecordsNoTrade(t *testing.T) {
	env := newTestEnv(t)
	p := openPosition(t, env, "sig1")
	ctx := context.Background()

	// Position gone from the venue, but no fills since open, no ticker, and
	// no venue P&L: there is no price to settle the trade against.
	if err := env.monitor.check(ctx, env.fake, p); err != nil {
		t.Fatalf("check: %v", err)
	}

	got, _ := env.store.GetPosition(ctx, p.ID)
	if got.Status != model.StatusNeedsReview {
		t.Fatalf("expected needs_review, got %s", got.Status)
	}

	trades, _ := env.store.TradesByAccount(ctx, "a1", 10)
	if len(trades) != 0 {
		t.Fatalf("no trade must be recorded without exit evidence, got %d", len(trades))
	}
	// Nothing flows into realized P&L: a zero exit would have booked
	// -entry*qty as a phantom loss.
	total, _ := env.store.SumRealizedPnL(ctx, "a1")
	if !total.IsZero() {
		t.Errorf("expected zero realized pnl, got %s", total)
	}
}

func TestFinalize_VenuePnLSettlesWithoutExitPrice(t *testing.T) {
	env := newTestEnv(t)
	p := openPosition(t, env, "sig1")
	ctx := context.Background()

	// Still no exit fill and no ticker, but the venue reports the realized
	// figure: that alone is enough to book the trade.
	env.fake.PnL = d(-120)

	if err := env.monitor.check(ctx, env.fake, p); err != nil {
		t.Fatalf("check: %v", err)
	}

	trades, _ := env.store.TradesByAccount(ctx, "a1", 10)
	if len(trades) != 1 {
		t.Fatalf("expected one trade, got %d", len(trades))
	}
	tr := trades[0]
	if !tr.RealizedPnL.Equal(d(-120)) || tr.PnLSource != model.PnLExchange {
		t.Errorf("expected venue pnl -120, got %s from %s", tr.RealizedPnL, tr.PnLSource)
	}
	// The exit itself stays unclassified and flagged for review.
	if tr.ExitType != model.ExitUnknown {
		t.Errorf("expected UNKNOWN exit, got %s", tr.ExitType)
	}
	got, _ := env.store.GetPosition(ctx, p.ID)
	if got.Status != model.StatusNeedsReview {
		t.Errorf("expected needs_review, got %s", got.Status)
	}
}

func TestAttribution_NoMatchIsManualAndNotBillable(t *testing.T) {
	env := newTestEnv(t)
	p := openPosition(t, env, "") // discovered, no signal
	ctx := context.Background()

	env.fake.FillList = []exchange.Fill{exitFill(exchange.Sell, 110)}
	env.fake.PnL = d(400)

	if err := env.monitor.check(ctx, env.fake, p); err != nil {
		t.Fatalf("check: %v", err)
	}

	got, _ := env.store.GetPosition(ctx, p.ID)
	if got.Status != model.StatusClosedManual {
		t.Fatalf("expected closed_manual, got %s", got.Status)
	}

	// Excluded from billable sums, included in total P&L.
	billable, _ := env.store.BillableProfit(ctx, "a1")
	if !billable.IsZero() {
		t.Errorf("manual trade must not be billable, got %s", billable)
	}
	total, _ := env.store.SumRealizedPnL(ctx, "a1")
	if !total.Equal(d(400)) {
		t.Errorf("manual trade still counts toward total pnl, got %s", total)
	}
}

func TestAttribution_RecentSignalMatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := openPosition(t, env, "")
	sig := &model.Signal{
		ID:        "sig-recent",
		Action:    model.SideLong,
		Symbol:    "BTC/USDT",
		Entry:     d(100),
		Stop:      d(95),
		Target:    d(110),
		CreatedAt: p.OpenedAt.Add(-30 * time.Minute),
	}
	if err := env.store.CreateSignal(ctx, sig); err != nil {
		t.Fatal(err)
	}
	// An older candidate that must lose to the most recent.
	older := *sig
	older.ID = "sig-older"
	older.CreatedAt = p.OpenedAt.Add(-40 * time.Hour)
	if err := env.store.CreateSignal(ctx, &older); err != nil {
		t.Fatal(err)
	}

	env.fake.FillList = []exchange.Fill{exitFill(exchange.Sell, 110)}

	if err := env.monitor.check(ctx, env.fake, p); err != nil {
		t.Fatalf("check: %v", err)
	}

	trades, _ := env.store.TradesByAccount(ctx, "a1", 10)
	if len(trades) != 1 {
		t.Fatal("expected one trade")
	}
	if trades[0].SignalID != "sig-recent" {
		t.Errorf("expected most recent signal to win, got %q", trades[0].SignalID)
	}
	got, _ := env.store.GetPosition(ctx, p.ID)
	if got.Status != model.StatusClosed {
		t.Errorf("attributed trade should be closed, got %s", got.Status)
	}
}

func TestAttribution_OutsideLookbackIsManual(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := openPosition(t, env, "")
	stale := &model.Signal{
		ID:        "sig-stale",
		Action:    model.SideLong,
		Symbol:    "BTC/USDT",
		Entry:     d(100),
		Stop:      d(95),
		Target:    d(110),
		CreatedAt: p.OpenedAt.Add(-49 * time.Hour),
	}
	if err := env.store.CreateSignal(ctx, stale); err != nil {
		t.Fatal(err)
	}

	env.fake.FillList = []exchange.Fill{exitFill(exchange.Sell, 110)}

	if err := env.monitor.check(ctx, env.fake, p); err != nil {
		t.Fatalf("check: %v", err)
	}

	got, _ := env.store.GetPosition(ctx, p.ID)
	if got.Status != model.StatusClosedManual {
		t.Errorf("signal outside 48h lookback must not attribute, got %s", got.Status)
	}
}
