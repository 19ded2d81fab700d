package exchange_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/copyflow/signal-engine/internal/exchange"
)

func TestVenueSymbol(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"BTC/USDT", "PF_XBTUSD"},
		{"ETH/USDT", "PF_ETHUSD"},
		{"SOL/USD", "PF_SOLUSD"},
		{"btc/usdt", "PF_XBTUSD"},
		{"DOGE", "PF_DOGEUSD"},
	}
	for _, tc := range cases {
		if got := exchange.VenueSymbol(tc.in); got != tc.want {
			t.Errorf("VenueSymbol(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSessionCache_ReusesClient(t *testing.T) {
	dials := 0
	cache := exchange.NewSessionCache(func(string) (exchange.Client, error) {
		dials++
		return exchange.NewFake(), nil
	})

	c1, err := cache.Get("a1", "creds")
	if err != nil {
		t.Fatal(err)
	}
	c2, err := cache.Get("a1", "creds")
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Error("second Get should return the cached client")
	}
	if dials != 1 {
		t.Errorf("expected 1 dial, got %d", dials)
	}

	// Separate accounts get separate sessions.
	if _, err := cache.Get("a2", "creds"); err != nil {
		t.Fatal(err)
	}
	if dials != 2 {
		t.Errorf("expected 2 dials, got %d", dials)
	}
}

func TestSessionCache_InvalidateRedials(t *testing.T) {
	dials := 0
	cache := exchange.NewSessionCache(func(string) (exchange.Client, error) {
		dials++
		return exchange.NewFake(), nil
	})

	if _, err := cache.Get("a1", "creds"); err != nil {
		t.Fatal(err)
	}
	cache.Invalidate("a1")
	if _, err := cache.Get("a1", "creds"); err != nil {
		t.Fatal(err)
	}
	if dials != 2 {
		t.Errorf("expected redial after invalidation, got %d dials", dials)
	}
}

func TestSessionCache_DialErrorNotCached(t *testing.T) {
	dialErr := errors.New("bad credentials")
	fail := true
	cache := exchange.NewSessionCache(func(string) (exchange.Client, error) {
		if fail {
			return nil, dialErr
		}
		return exchange.NewFake(), nil
	})

	if _, err := cache.Get("a1", "creds"); !errors.Is(err, dialErr) {
		t.Fatalf("expected dial error, got %v", err)
	}
	fail = false
	if _, err := cache.Get("a1", "creds"); err != nil {
		t.Errorf("recovered dialer should succeed, got %v", err)
	}
}

func TestPriceCache_ServesFromCacheWithinTTL(t *testing.T) {
	cache := exchange.NewPriceCache(nil)
	fake := exchange.NewFake()
	fake.Prices["PF_XBTUSD"] = decimal.NewFromInt(50000)
	ctx := context.Background()

	p, err := cache.LastPrice(ctx, fake, "PF_XBTUSD")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("expected 50000, got %s", p)
	}

	// The venue moves but the cache window has not expired.
	fake.Prices["PF_XBTUSD"] = decimal.NewFromInt(51000)
	p, err = cache.LastPrice(ctx, fake, "PF_XBTUSD")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("expected cached 50000, got %s", p)
	}
}

func TestIsTransient(t *testing.T) {
	if !exchange.IsTransient(exchange.ErrUnavailable) {
		t.Error("unavailable should be transient")
	}
	for _, err := range []error{exchange.ErrAuth, exchange.ErrInsufficientFunds, exchange.ErrOrderRejected} {
		if exchange.IsTransient(err) {
			t.Errorf("%v should not be transient", err)
		}
	}
}
