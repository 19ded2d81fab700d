// Package reconciler compares each account's expected cash balance against
// the venue's reported balance and books the difference: surpluses become
// deposits (unless trading activity explains them), deficits accumulate
// into a daily fee/funding row. The expected figure is rebuilt from first
// principles every pass, so a booked correction self-heals the next one.
package reconciler

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
	"github.com/copyflow/signal-engine/internal/metrics"
	"github.com/copyflow/signal-engine/internal/model"
	"github.com/copyflow/signal-engine/internal/store"
)

// Threshold is the smallest discrepancy worth booking. Below a cent it is
// decimal noise, not money.
var Threshold = decimal.NewFromFloat(0.01)

// SurplusSuppressWindow: a surplus within this window of a trade close is
// presumed to be settlement timing, not a deposit.
const SurplusSuppressWindow = 2 * time.Hour

// transferScanWindow is how far back each pass scans venue transfer
// history. Overlap across passes is harmless: records dedupe on the venue
// transaction id.
const transferScanWindow = 48 * time.Hour

// Config holds the reconciler loop's timing knobs.
type Config struct {
	Interval   time.Duration
	BatchSize  int
	BatchDelay time.Duration
}

// Reconciler is the balance reconciliation loop.
type Reconciler struct {
	store    store.Store
	sessions *exchange.SessionCache
	alerts   *alert.Alerter
	log      *slog.Logger
	cfg      Config
}

// New creates a reconciler.
func New(st store.Store, sessions *exchange.SessionCache, alerts *alert.Alerter, log *slog.Logger, cfg Config) *Reconciler {
	return &Reconciler{store: st, sessions: sessions, alerts: alerts, log: log, cfg: cfg}
}

// Run drives the reconciliation loop until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.log.Info("reconciler loop started", "interval", r.cfg.Interval.String())
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler loop stopped")
			return
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

func (r *Reconciler) pass(ctx context.Context) {
	start := time.Now()
	accounts, err := r.store.ListActiveAccounts(ctx)
	if err != nil {
		r.log.Error("list accounts", "err", err)
		return
	}
	batch.Run(ctx, accounts, r.cfg.BatchSize, r.cfg.BatchDelay, func(ctx context.Context, a model.Account) {
		if err := r.Reconcile(ctx, a); err != nil {
			if errors.Is(err, exchange.ErrAuth) {
				r.sessions.Invalidate(a.ID)
			}
			r.log.Error("reconcile account", "account_id", a.ID, "err", err)
		}
	})
	metrics.LoopDuration.WithLabelValues("reconcile").Observe(time.Since(start).Seconds())
}

// Reconcile runs one pass for one account: record venue transfers, rebuild
// the expected balance, classify any discrepancy.
func (r *Reconciler) Reconcile(ctx context.Context, a model.Account) error {
	client, err := r.sessions.Get(a.ID, a.Credentials)
	if err != nil {
		return err
	}

	if err := r.scanTransfers(ctx, client, a.ID); err != nil {
		// Transfer history is an enrichment; the balance comparison still
		// stands without it.
		r.log.Warn("transfer scan failed", "account_id", a.ID, "err", err)
	}

	cash, err := client.CashBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetch cash balance: %w", err)
	}

	expected, err := r.ExpectedBalance(ctx, a)
	if err != nil {
		return err
	}

	diff := cash.Sub(expected)
	if diff.Abs().LessThan(Threshold) {
		return nil
	}

	if diff.Sign() > 0 {
		return r.bookSurplus(ctx, a, diff)
	}
	return r.bookDeficit(ctx, a, diff.Neg())
}

// ExpectedBalance rebuilds what the account's cash balance should be:
//
//	initial capital + deposits − withdrawals − fees/funding + realized P&L
func (r *Reconciler) ExpectedBalance(ctx context.Context, a model.Account) (decimal.Decimal, error) {
	deposits, err := r.store.SumTransactions(ctx, a.ID, model.TxDeposit)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum deposits: %w", err)
	}
	withdrawals, err := r.store.SumTransactions(ctx, a.ID, model.TxWithdrawal)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum withdrawals: %w", err)
	}
	fees, err := r.store.SumTransactions(ctx, a.ID, model.TxFeeFunding)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum fees: %w", err)
	}
	pnl, err := r.store.SumRealizedPnL(ctx, a.ID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum pnl: %w", err)
	}
	return a.InitialCapital.Add(deposits).Sub(withdrawals).Sub(fees).Add(pnl), nil
}

// bookSurplus records an unexplained balance excess as a deposit, unless
// recent trading plausibly explains it (a close within the suppression
// window, or any open position whose settlement is still moving cash).
func (r *Reconciler) bookSurplus(ctx context.Context, a model.Account, surplus decimal.Decimal) error {
	lastClose, err := r.store.LastTradeClosedAt(ctx, a.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("last trade close: %w", err)
	}
	recentClose := err == nil && time.Since(lastClose) < SurplusSuppressWindow

	open, err := r.store.OpenPositionsByAccount(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("open positions: %w", err)
	}

	if recentClose || len(open) > 0 {
		metrics.ReconcilerDiscrepancies.WithLabelValues("suppressed").Inc()
		r.log.Info("surplus suppressed by trading activity",
			"account_id", a.ID,
			"surplus", surplus.String(),
			"recent_close", recentClose,
			"open_positions", len(open))
		return nil
	}

	now := time.Now().UTC()
	if _, err := r.store.RecordTransaction(ctx, &model.Transaction{
		ID:              uuid.New().String(),
		AccountID:       a.ID,
		Type:            model.TxDeposit,
		Amount:          surplus,
		DetectionMethod: "balance_check",
		Day:             now.Format("2006-01-02"),
		CreatedAt:       now,
	}); err != nil {
		return fmt.Errorf("record inferred deposit: %w", err)
	}

	metrics.ReconcilerDiscrepancies.WithLabelValues("deposit").Inc()
	r.alerts.Emit(ctx, alert.Event{
		Type:    alert.BalanceMismatch,
		Message: "unexplained surplus booked as deposit",
		Context: map[string]any{"account_id": a.ID, "amount": surplus.String()},
	})
	return nil
}

// bookDeficit folds an unexplained shortfall into the account's single
// fee/funding row for the day.
func (r *Reconciler) bookDeficit(ctx context.Context, a model.Account, deficit decimal.Decimal) error {
	day := time.Now().UTC().Format("2006-01-02")
	if err := r.store.UpsertDailyFee(ctx, a.ID, day, deficit); err != nil {
		return fmt.Errorf("upsert daily fee: %w", err)
	}

	metrics.ReconcilerDiscrepancies.WithLabelValues("fee_funding").Inc()
	r.log.Info("deficit booked as fee/funding",
		"account_id", a.ID,
		"amount", deficit.String(),
		"day", day)
	return nil
}

// scanTransfers records venue-native deposits and withdrawals. Dedupe on
// the venue transaction id makes the overlapping scan window safe.
func (r *Reconciler) scanTransfers(ctx context.Context, client exchange.Client, accountID string) error {
	transfers, err := client.Transfers(ctx, time.Now().Add(-transferScanWindow))
	if err != nil {
		return err
	}
	for _, t := range transfers {
		typ := model.TxDeposit
		if t.Type == exchange.TransferWithdrawal {
			typ = model.TxWithdrawal
		}
		inserted, err := r.store.RecordTransaction(ctx, &model.Transaction{
			ID:              uuid.New().String(),
			AccountID:       accountID,
			Type:            typ,
			Amount:          t.Amount,
			DetectionMethod: "transfer_history",
			ExternalID:      t.ID,
			Day:             t.Timestamp.UTC().Format("2006-01-02"),
			CreatedAt:       t.Timestamp,
		})
		if err != nil {
			return fmt.Errorf("record transfer %s: %w", t.ID, err)
		}
		if inserted {
			r.log.Info("venue transfer recorded",
				"account_id", accountID,
				"type", string(typ),
				"amount", t.Amount.String())
		}
	}
	return nil
}
