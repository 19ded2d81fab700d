package ledger_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copyflow/signal-engine/internal/exchange"
	"github.com/copyflow/signal-engine/internal/ledger"
	"github.com/copyflow/signal-engine/internal/model"
	"github.com/copyflow/signal-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestLedger() (*ledger.Ledger, *store.MemoryStore) {
	ms := store.NewMemoryStore()
	return ledger.New(ms, slog.Default()), ms
}

func venueFill(id string, side exchange.OrderSide, price, qty float64, ts time.Time) exchange.Fill {
	return exchange.Fill{
		ID:        id,
		Symbol:    "PF_XBTUSD",
		Side:      side,
		Price:     d(price),
		Qty:       d(qty),
		Timestamp: ts,
	}
}

func TestRecordExchangeFills_Deduplicates(t *testing.T) {
	led, ms := newTestLedger()
	ctx := context.Background()
	now := time.Now().UTC()

	fills := []exchange.Fill{venueFill("f1", exchange.Buy, 100, 2, now)}

	n, err := led.RecordExchangeFills(ctx, "acct1", "BTC/USDT", fills)
	if err != nil {
		t.Fatalf("record fills: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recorded, got %d", n)
	}

	// Same venue fill id again: silently dropped.
	n, err = led.RecordExchangeFills(ctx, "acct1", "BTC/USDT", fills)
	if err != nil {
		t.Fatalf("record fills again: %v", err)
	}
	if n != 0 {
		t.Errorf("duplicate should record 0, got %d", n)
	}

	stored, _ := ms.FillsSince(ctx, "acct1", "BTC/USDT", time.Time{})
	if len(stored) != 1 {
		t.Errorf("expected exactly one stored fill, got %d", len(stored))
	}
}

func TestCompute_WeightedAverage(t *testing.T) {
	now := time.Now().UTC()
	fills := []model.Fill{
		{Side: model.SideLong, Price: d(100), Qty: d(2), Cost: d(200), Timestamp: now},
		{Side: model.SideLong, Price: d(110), Qty: d(1), Cost: d(110), Timestamp: now.Add(time.Second)},
	}

	agg, ok := ledger.Compute(fills)
	if !ok {
		t.Fatal("expected a net position")
	}
	if agg.Side != model.SideLong {
		t.Errorf("expected long, got %s", agg.Side)
	}
	if !agg.Qty.Equal(d(3)) {
		t.Errorf("expected qty 3, got %s", agg.Qty)
	}
	// (200+110)/3 = 103.33..., the quantity-weighted mean.
	want := d(310).Div(d(3))
	if !agg.AvgEntry.Equal(want) {
		t.Errorf("expected avg entry %s, got %s", want, agg.AvgEntry)
	}
	if agg.FillCount != 2 {
		t.Errorf("expected fill count 2, got %d", agg.FillCount)
	}
}

func TestCompute_ShortWhenSellsExceedBuys(t *testing.T) {
	now := time.Now().UTC()
	fills := []model.Fill{
		{Side: model.SideShort, Price: d(100), Qty: d(5), Cost: d(500), Timestamp: now},
		{Side: model.SideLong, Price: d(100), Qty: d(2), Cost: d(200), Timestamp: now.Add(time.Second)},
	}

	agg, ok := ledger.Compute(fills)
	if !ok {
		t.Fatal("expected a net position")
	}
	if agg.Side != model.SideShort {
		t.Errorf("expected short, got %s", agg.Side)
	}
	if !agg.Qty.Equal(d(3)) {
		t.Errorf("expected qty 3, got %s", agg.Qty)
	}
	if !agg.AvgEntry.Equal(d(100)) {
		t.Errorf("expected avg entry 100, got %s", agg.AvgEntry)
	}
}

func TestCompute_FlatReturnsFalse(t *testing.T) {
	now := time.Now().UTC()
	fills := []model.Fill{
		{Side: model.SideLong, Price: d(100), Qty: d(2), Cost: d(200), Timestamp: now},
		{Side: model.SideShort, Price: d(105), Qty: d(2), Cost: d(210), Timestamp: now.Add(time.Second)},
	}
	if _, ok := ledger.Compute(fills); ok {
		t.Error("flat fill set should not produce a position")
	}
}

func TestRescan_CreatesDiscoveredPosition(t *testing.T) {
	led, ms := newTestLedger()
	ctx := context.Background()
	now := time.Now().UTC()

	fake := exchange.NewFake()
	fake.FillList = []exchange.Fill{
		venueFill("f1", exchange.Buy, 50000, 0.5, now.Add(-time.Minute)),
	}

	if err := led.Rescan(ctx, fake, "acct1", "BTC/USDT"); err != nil {
		t.Fatalf("rescan: %v", err)
	}

	open, _ := ms.OpenPositionsByAccount(ctx, "acct1")
	if len(open) != 1 {
		t.Fatalf("expected one discovered position, got %d", len(open))
	}
	p := open[0]
	if p.SignalID != "" {
		t.Error("discovered position must have no signal attribution")
	}
	if p.Side != model.SideLong || !p.FilledQty.Equal(d(0.5)) {
		t.Errorf("unexpected aggregate: side=%s qty=%s", p.Side, p.FilledQty)
	}
	if p.VenueSymbol != "PF_XBTUSD" {
		t.Errorf("unexpected venue symbol %s", p.VenueSymbol)
	}

	// Fills get claimed by the discovered position.
	fills, _ := ms.FillsSince(ctx, "acct1", "BTC/USDT", time.Time{})
	if fills[0].PositionID != p.ID {
		t.Error("fill should be assigned to the discovered position")
	}
}

func TestRescan_RespectsClosedBoundary(t *testing.T) {
	led, ms := newTestLedger()
	ctx := context.Background()
	now := time.Now().UTC()
	boundary := now.Add(-time.Hour)

	// A finished trade: closed position whose exit fill sits at the boundary.
	closed := &model.OpenPosition{
		ID:         "pos-old",
		AccountID:  "acct1",
		Symbol:     "BTC/USDT",
		Side:       model.SideLong,
		OpenedAt:   boundary.Add(-time.Hour),
		LastFillAt: boundary,
		Status:     model.StatusOpen,
	}
	if err := ms.CreatePosition(ctx, closed); err != nil {
		t.Fatal(err)
	}
	if _, err := ms.FinalizePosition(ctx, "pos-old", model.StatusClosed); err != nil {
		t.Fatal(err)
	}
	// Its exit fill, already claimed.
	ms.RecordFill(ctx, &model.Fill{
		ID: "old-exit", AccountID: "acct1", Symbol: "BTC/USDT",
		Side: model.SideShort, Price: d(51000), Qty: d(1), Cost: d(51000),
		ExchangeFillID: "f-old", Timestamp: boundary, PositionID: "pos-old",
	})

	// New venue activity after the boundary.
	fake := exchange.NewFake()
	fake.FillList = []exchange.Fill{
		venueFill("f-new", exchange.Buy, 52000, 0.25, now.Add(-time.Minute)),
	}

	if err := led.Rescan(ctx, fake, "acct1", "BTC/USDT"); err != nil {
		t.Fatalf("rescan: %v", err)
	}

	open, _ := ms.OpenPositionsByAccount(ctx, "acct1")
	if len(open) != 1 {
		t.Fatalf("expected one new position, got %d", len(open))
	}
	p := open[0]
	// The old exit fill at the boundary must not pollute the new aggregate.
	if !p.FilledQty.Equal(d(0.25)) || p.Side != model.SideLong {
		t.Errorf("old trade leaked into aggregate: side=%s qty=%s", p.Side, p.FilledQty)
	}
	if !p.AvgEntryPrice.Equal(d(52000)) {
		t.Errorf("expected avg entry 52000, got %s", p.AvgEntryPrice)
	}
}

func TestRescan_UpdatesTrackedPosition(t *testing.T) {
	led, ms := newTestLedger()
	ctx := context.Background()
	now := time.Now().UTC()

	p := &model.OpenPosition{
		ID:             "pos1",
		AccountID:      "acct1",
		SignalID:       "sig1",
		Symbol:         "BTC/USDT",
		VenueSymbol:    "PF_XBTUSD",
		Side:           model.SideLong,
		EntryFillPrice: d(50000),
		AvgEntryPrice:  d(50000),
		FilledQty:      d(0.5),
		FillCount:      1,
		OpenedAt:       now.Add(-time.Minute),
		LastFillAt:     now.Add(-time.Minute),
		Status:         model.StatusOpen,
	}
	if err := ms.CreatePosition(ctx, p); err != nil {
		t.Fatal(err)
	}

	fake := exchange.NewFake()
	fake.FillList = []exchange.Fill{
		venueFill("f1", exchange.Buy, 50000, 0.5, now.Add(-time.Minute)),
		venueFill("f2", exchange.Buy, 51000, 0.5, now),
	}

	if err := led.Rescan(ctx, fake, "acct1", "BTC/USDT"); err != nil {
		t.Fatalf("rescan: %v", err)
	}

	got, _ := ms.GetPosition(ctx, "pos1")
	if !got.FilledQty.Equal(d(1)) {
		t.Errorf("expected qty 1 after second fill, got %s", got.FilledQty)
	}
	if !got.AvgEntryPrice.Equal(d(50500)) {
		t.Errorf("expected avg entry 50500, got %s", got.AvgEntryPrice)
	}
	if got.FillCount != 2 {
		t.Errorf("expected fill count 2, got %d", got.FillCount)
	}
}
