// Package batch runs per-account work in shuffled, bounded-concurrency
// batches. Shuffling spreads venue load so the same accounts are not always
// first; the inter-batch pause keeps aggregate request rate flat.
package batch

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/copyflow/signal-engine/internal/model"
)

// Run processes accounts in batches of size, pausing delay between batches.
// fn failures never abort the pass: one broken account must not starve the
// rest. fn is responsible for its own error logging.
func Run(ctx context.Context, accounts []model.Account, size int, delay time.Duration, fn func(ctx context.Context, a model.Account)) {
	if size < 1 {
		size = 1
	}

	shuffled := make([]model.Account, len(accounts))
	copy(shuffled, accounts)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	for start := 0; start < len(shuffled); start += size {
		if ctx.Err() != nil {
			return
		}
		end := start + size
		if end > len(shuffled) {
			end = len(shuffled)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, a := range shuffled[start:end] {
			a := a
			g.Go(func() error {
				fn(gctx, a)
				return nil
			})
		}
		_ = g.Wait() // workers never return errors

		if end < len(shuffled) && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
	}
}
