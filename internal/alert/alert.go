// Package alert emits structured operator error events. Events go to the
// log, a prometheus counter, and any configured Notifier sink. Delivery to
// humans (email, chat) is the sink's problem, not ours.
package alert

import (
	"context"
	"log/slog"

	"github.com/copyflow/signal-engine/internal/metrics"
)

// EventType classifies an operator alert.
type EventType string

const (
	// EntryFailed: entry order failed after all retries. No position exists.
	EntryFailed EventType = "entry_failed"

	// UnprotectedPosition: entry filled but a protective leg could not be
	// placed. A human must intervene; the engine will not re-place legs.
	UnprotectedPosition EventType = "unprotected_position"

	// SignalRejected: a signal failed validation and was voided globally.
	SignalRejected EventType = "signal_rejected"

	// APIFailure: repeated venue API failures for an account.
	APIFailure EventType = "api_failure"

	// NeedsReview: a closed position could not be classified; its trade
	// record is flagged rather than guessed.
	NeedsReview EventType = "needs_review"

	// EntryPriceRisk: post-entry fill price fetch failed; the signal price
	// was recorded instead of the executed price.
	EntryPriceRisk EventType = "entry_price_risk"

	// BalanceMismatch: reconciler found a discrepancy it could classify.
	BalanceMismatch EventType = "balance_mismatch"
)

// Event is one operator alert.
type Event struct {
	Type    EventType      `json:"type"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// Notifier is the external delivery sink. Implementations must not block;
// the engine fires and forgets.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Alerter fans events out to slog, prometheus and the optional notifier.
type Alerter struct {
	log      *slog.Logger
	notifier Notifier // may be nil
}

// New creates an Alerter. notifier may be nil.
func New(log *slog.Logger, notifier Notifier) *Alerter {
	return &Alerter{log: log, notifier: notifier}
}

// Emit records the event. Critical events are logged at error level, the
// rest at warn.
func (a *Alerter) Emit(ctx context.Context, e Event) {
	attrs := []any{"type", string(e.Type), "message", e.Message}
	for k, v := range e.Context {
		attrs = append(attrs, k, v)
	}

	switch e.Type {
	case UnprotectedPosition, EntryFailed:
		a.log.Error("operator alert", attrs...)
	default:
		a.log.Warn("operator alert", attrs...)
	}

	metrics.AlertsTotal.WithLabelValues(string(e.Type)).Inc()

	if a.notifier != nil {
		a.notifier.Notify(ctx, e)
	}
}
