// Package distributor accepts master-strategy signal broadcasts and fans
// them out as per-account deliveries with a freshness window.
package distributor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/copyflow/signal-engine/internal/alert"
	"github.com/copyflow/signal-engine/internal/metrics"
	"github.com/copyflow/signal-engine/internal/model"
	"github.com/copyflow/signal-engine/internal/risk"
	"github.com/copyflow/signal-engine/internal/store"
)

// Service distributes signals to subscriber accounts.
type Service struct {
	store  store.Store
	log    *slog.Logger
	alerts *alert.Alerter
}

// New creates a distributor service.
func New(st store.Store, log *slog.Logger, alerts *alert.Alerter) *Service {
	return &Service{store: st, log: log, alerts: alerts}
}

// Broadcast validates, persists and fans out a signal. Returns the stored
// signal and the number of deliveries created. Structurally invalid signals
// are rejected outright: nothing is stored, no account ever sees them.
func (s *Service) Broadcast(ctx context.Context, sig model.Signal) (*model.Signal, int, error) {
	if err := risk.Validate(&sig); err != nil {
		metrics.SignalsRejected.Inc()
		s.alerts.Emit(ctx, alert.Event{
			Type:    alert.SignalRejected,
			Message: "broadcast rejected by validation",
			Context: map[string]any{"symbol": sig.Symbol, "action": string(sig.Action)},
		})
		return nil, 0, err
	}

	sig.ID = uuid.New().String()
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}

	if err := s.store.CreateSignal(ctx, &sig); err != nil {
		return nil, 0, fmt.Errorf("create signal: %w", err)
	}

	accounts, err := s.store.ListActiveAccounts(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list accounts: %w", err)
	}
	ids := make([]string, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
	}
	if err := s.store.CreateDeliveries(ctx, sig.ID, ids); err != nil {
		return nil, 0, fmt.Errorf("fan out signal %s: %w", sig.ID, err)
	}

	metrics.SignalsReceived.Inc()
	s.log.Info("signal broadcast",
		"signal_id", sig.ID,
		"symbol", sig.Symbol,
		"action", string(sig.Action),
		"deliveries", len(ids))
	return &sig, len(ids), nil
}

// NextDelivery returns the freshest executable delivery for an account, or
// (nil, nil, nil) when there is none. Deliveries whose signal has passed
// its TTL are acknowledged as expired on the spot — the only automatic
// voiding transition — and never surfaced.
func (s *Service) NextDelivery(ctx context.Context, accountID string) (*model.Delivery, *model.Signal, error) {
	for {
		d, sig, err := s.store.NextPendingDelivery(ctx, accountID)
		if err != nil || d == nil {
			return nil, nil, err
		}
		if !sig.Expired(time.Now()) {
			return d, sig, nil
		}
		if err := s.store.AcknowledgeDelivery(ctx, d.ID, false); err != nil {
			return nil, nil, fmt.Errorf("void expired delivery %s: %w", d.ID, err)
		}
		metrics.ExecutionsTotal.WithLabelValues("expired").Inc()
		s.log.Info("delivery expired unexecuted",
			"delivery_id", d.ID,
			"signal_id", sig.ID,
			"account_id", accountID,
			"age", time.Since(sig.CreatedAt).String())
	}
}

// Acknowledge marks a delivery done. executed records whether an order was
// actually placed. Idempotent.
func (s *Service) Acknowledge(ctx context.Context, deliveryID string, executed bool) error {
	return s.store.AcknowledgeDelivery(ctx, deliveryID, executed)
}

// MarkFailed leaves a delivery pending for retry on the next poll.
func (s *Service) MarkFailed(ctx context.Context, deliveryID string) error {
	return s.store.MarkDeliveryFailed(ctx, deliveryID)
}

// VoidSignal acknowledges every outstanding delivery of a defective signal
// so no account executes it.
func (s *Service) VoidSignal(ctx context.Context, signalID, reason string) error {
	n, err := s.store.VoidSignalDeliveries(ctx, signalID)
	if err != nil {
		return fmt.Errorf("void signal %s: %w", signalID, err)
	}
	metrics.SignalsRejected.Inc()
	s.alerts.Emit(ctx, alert.Event{
		Type:    alert.SignalRejected,
		Message: reason,
		Context: map[string]any{"signal_id": signalID, "deliveries_voided": n},
	})
	return nil
}
