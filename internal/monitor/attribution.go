package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/copyflow/signal-engine/internal/model"
	"github.com/copyflow/signal-engine/internal/store"
)

// AttributionLookback is how far back a discovered position searches for a
// signal to inherit. Beyond this window a match is more likely coincidence
// than causation.
const AttributionLookback = 48 * time.Hour

// attribute resolves a discovered position (no signal id) against recent
// signals of the same symbol and direction. The most recent match wins and
// the trade becomes billable. No match, or any matching failure, yields
// closed_manual: when in doubt, the subscriber is not billed.
func (m *Monitor) attribute(ctx context.Context, p model.OpenPosition) (string, model.PositionStatus) {
	sig, err := m.store.MatchSignal(ctx, p.Symbol, p.Side, p.OpenedAt, AttributionLookback)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.log.Error("signal attribution failed, treating as manual",
				"position_id", p.ID, "err", err)
		}
		return "", model.StatusClosedManual
	}

	m.log.Info("discovered position attributed to signal",
		"position_id", p.ID,
		"signal_id", sig.ID,
		"signal_age", p.OpenedAt.Sub(sig.CreatedAt).String())
	return sig.ID, model.StatusClosed
}
