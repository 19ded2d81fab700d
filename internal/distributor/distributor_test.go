package distributor_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copyflow/signal-engine/internal/alert"
	"github.com/copyflow/signal-engine/internal/distributor"
	"github.com/copyflow/signal-engine/internal/model"
	"github.com/copyflow/signal-engine/internal/risk"
	"github.com/copyflow/signal-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestDistributor(accountIDs ...string) (*distributor.Service, *store.MemoryStore) {
	ms := store.NewMemoryStore()
	for _, id := range accountIDs {
		ms.AddAccount(model.Account{ID: id, InitialCapital: d(10000), Active: true})
	}
	return distributor.New(ms, slog.Default(), alert.New(slog.Default(), nil)), ms
}

func signal(createdAt time.Time) model.Signal {
	return model.Signal{
		Action:    model.SideLong,
		Symbol:    "BTC/USDT",
		Entry:     d(50000),
		Stop:      d(49000),
		Target:    d(52000),
		Leverage:  d(5),
		RiskPct:   d(0.02),
		CreatedAt: createdAt,
	}
}

func TestBroadcast_FansOutToActiveAccounts(t *testing.T) {
	dist, _ := newTestDistributor("a1", "a2", "a3")

	sig, n, err := dist.Broadcast(context.Background(), signal(time.Now().UTC()))
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 deliveries, got %d", n)
	}
	if sig.ID == "" {
		t.Error("expected assigned signal id")
	}
}

func TestBroadcast_RejectsInvalidSignal(t *testing.T) {
	dist, ms := newTestDistributor("a1")

	bad := signal(time.Now().UTC())
	bad.Stop = decimal.Zero
	if _, _, err := dist.Broadcast(context.Background(), bad); !errors.Is(err, risk.ErrInvalidSignal) {
		t.Fatalf("expected ErrInvalidSignal, got %v", err)
	}

	// Nothing stored, nothing delivered.
	if d, _, _ := ms.NextPendingDelivery(context.Background(), "a1"); d != nil {
		t.Error("invalid signal must not produce deliveries")
	}
}

func TestNextDelivery_ExpiredSignalVoidedNotExecuted(t *testing.T) {
	dist, ms := newTestDistributor("a1")
	ctx := context.Background()

	// Broadcast 16 minutes ago: past the 15-minute freshness window.
	if _, _, err := dist.Broadcast(ctx, signal(time.Now().UTC().Add(-16*time.Minute))); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	d, sig, err := dist.NextDelivery(ctx, "a1")
	if err != nil {
		t.Fatalf("next delivery: %v", err)
	}
	if d != nil || sig != nil {
		t.Fatal("expired delivery must not be surfaced")
	}

	// The delivery is acknowledged (voided), never executed: polling again
	// stays empty.
	if d, _, _ := ms.NextPendingDelivery(ctx, "a1"); d != nil {
		if !d.Acknowledged {
			t.Error("expired delivery should be acknowledged")
		}
		if d.Executed {
			t.Error("expired delivery must never be executed")
		}
	}
	if d, _, _ := dist.NextDelivery(ctx, "a1"); d != nil {
		t.Error("second poll should also be empty")
	}
}

func TestNextDelivery_FreshSignalSurfaced(t *testing.T) {
	dist, _ := newTestDistributor("a1")
	ctx := context.Background()

	want, _, err := dist.Broadcast(ctx, signal(time.Now().UTC()))
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	d, sig, err := dist.NextDelivery(ctx, "a1")
	if err != nil {
		t.Fatalf("next delivery: %v", err)
	}
	if d == nil || sig == nil {
		t.Fatal("expected a pending delivery")
	}
	if sig.ID != want.ID {
		t.Errorf("expected signal %s, got %s", want.ID, sig.ID)
	}
}

func TestNextDelivery_NewestFirst(t *testing.T) {
	dist, _ := newTestDistributor("a1")
	ctx := context.Background()

	if _, _, err := dist.Broadcast(ctx, signal(time.Now().UTC().Add(-10*time.Minute))); err != nil {
		t.Fatal(err)
	}
	newest, _, err := dist.Broadcast(ctx, signal(time.Now().UTC()))
	if err != nil {
		t.Fatal(err)
	}

	_, sig, _ := dist.NextDelivery(ctx, "a1")
	if sig == nil || sig.ID != newest.ID {
		t.Error("poll should surface the newest pending signal")
	}
}

func TestAcknowledge_Idempotent(t *testing.T) {
	dist, ms := newTestDistributor("a1")
	ctx := context.Background()

	if _, _, err := dist.Broadcast(ctx, signal(time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	d, _, _ := dist.NextDelivery(ctx, "a1")

	if err := dist.Acknowledge(ctx, d.ID, true); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	// Second acknowledgment is a no-op, not an error, and cannot clear
	// the executed flag.
	if err := dist.Acknowledge(ctx, d.ID, false); err != nil {
		t.Fatalf("re-acknowledge: %v", err)
	}

	got, _, _ := ms.NextPendingDelivery(ctx, "a1")
	if got != nil {
		t.Error("acknowledged delivery should not be pending")
	}
}

func TestVoidSignal_AcknowledgesAllDeliveries(t *testing.T) {
	dist, _ := newTestDistributor("a1", "a2")
	ctx := context.Background()

	sig, _, err := dist.Broadcast(ctx, signal(time.Now().UTC()))
	if err != nil {
		t.Fatal(err)
	}
	if err := dist.VoidSignal(ctx, sig.ID, "defective"); err != nil {
		t.Fatalf("void: %v", err)
	}

	for _, acct := range []string{"a1", "a2"} {
		if d, _, _ := dist.NextDelivery(ctx, acct); d != nil {
			t.Errorf("account %s still has a pending delivery after void", acct)
		}
	}
}
