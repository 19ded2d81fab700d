package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/copyflow/signal-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Idempotency lives in the schema: unique keys plus conditional updates, so
// concurrent loops and retries never double-apply a write.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Accounts ---

func (s *PostgresStore) ListActiveAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, credentials, initial_capital::TEXT, active
		 FROM accounts WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		var capS string
		if err := rows.Scan(&a.ID, &a.Credentials, &capS, &a.Active); err != nil {
			return nil, err
		}
		a.InitialCapital, _ = decimal.NewFromString(capS)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var capS string

	err := s.pool.QueryRow(ctx,
		`SELECT id, credentials, initial_capital::TEXT, active
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Credentials, &capS, &a.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}

	a.InitialCapital, _ = decimal.NewFromString(capS)
	return &a, nil
}

// --- Signals & deliveries ---

func (s *PostgresStore) CreateSignal(ctx context.Context, sig *model.Signal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO signals (id, action, symbol, entry, stop, target, leverage, risk_pct, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		sig.ID, sig.Action, sig.Symbol,
		sig.Entry.String(), sig.Stop.String(), sig.Target.String(),
		sig.Leverage.String(), sig.RiskPct.String(),
		sig.CreatedAt,
	)
	return err
}

const signalColumns = `id, action, symbol,
        entry::TEXT, stop::TEXT, target::TEXT,
        leverage::TEXT, risk_pct::TEXT, created_at`

func scanSignal(row pgx.Row) (*model.Signal, error) {
	var sig model.Signal
	var entry, stop, target, leverage, riskPct string

	err := row.Scan(&sig.ID, &sig.Action, &sig.Symbol,
		&entry, &stop, &target,
		&leverage, &riskPct, &sig.CreatedAt)
	if err != nil {
		return nil, err
	}

	sig.Entry, _ = decimal.NewFromString(entry)
	sig.Stop, _ = decimal.NewFromString(stop)
	sig.Target, _ = decimal.NewFromString(target)
	sig.Leverage, _ = decimal.NewFromString(leverage)
	sig.RiskPct, _ = decimal.NewFromString(riskPct)

	return &sig, nil
}

func (s *PostgresStore) GetSignal(ctx context.Context, id string) (*model.Signal, error) {
	sig, err := scanSignal(s.pool.QueryRow(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get signal %s: %w", id, err)
	}
	return sig, nil
}

func (s *PostgresStore) CreateDeliveries(ctx context.Context, signalID string, accountIDs []string) error {
	for _, acct := range accountIDs {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO deliveries (id, signal_id, account_id, created_at)
			 VALUES (gen_random_uuid()::TEXT, $1, $2, NOW())`,
			signalID, acct,
		)
		if err != nil {
			return fmt.Errorf("create delivery for %s: %w", acct, err)
		}
	}
	return nil
}

func (s *PostgresStore) NextPendingDelivery(ctx context.Context, accountID string) (*model.Delivery, *model.Signal, error) {
	var d model.Delivery
	var sig model.Signal
	var entry, stop, target, leverage, riskPct string

	err := s.pool.QueryRow(ctx,
		`SELECT d.id, d.signal_id, d.account_id, d.acknowledged, d.executed, d.failed, d.retry_count, d.created_at,
		        s.id, s.action, s.symbol,
		        s.entry::TEXT, s.stop::TEXT, s.target::TEXT,
		        s.leverage::TEXT, s.risk_pct::TEXT, s.created_at
		 FROM deliveries d
		 JOIN signals s ON s.id = d.signal_id
		 WHERE d.account_id = $1 AND NOT d.acknowledged
		 ORDER BY s.created_at DESC
		 LIMIT 1`, accountID).
		Scan(&d.ID, &d.SignalID, &d.AccountID, &d.Acknowledged, &d.Executed, &d.Failed, &d.RetryCount, &d.CreatedAt,
			&sig.ID, &sig.Action, &sig.Symbol,
			&entry, &stop, &target,
			&leverage, &riskPct, &sig.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("next pending delivery for %s: %w", accountID, err)
	}

	sig.Entry, _ = decimal.NewFromString(entry)
	sig.Stop, _ = decimal.NewFromString(stop)
	sig.Target, _ = decimal.NewFromString(target)
	sig.Leverage, _ = decimal.NewFromString(leverage)
	sig.RiskPct, _ = decimal.NewFromString(riskPct)

	return &d, &sig, nil
}

func (s *PostgresStore) AcknowledgeDelivery(ctx context.Context, deliveryID string, executed bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE deliveries
		 SET acknowledged = TRUE, executed = executed OR $2
		 WHERE id = $1`,
		deliveryID, executed,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkDeliveryFailed(ctx context.Context, deliveryID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE deliveries
		 SET failed = TRUE, retry_count = retry_count + 1
		 WHERE id = $1`,
		deliveryID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) VoidSignalDeliveries(ctx context.Context, signalID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE deliveries
		 SET acknowledged = TRUE
		 WHERE signal_id = $1 AND NOT acknowledged`,
		signalID,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) MatchSignal(ctx context.Context, symbol string, side model.Side, ref time.Time, lookback time.Duration) (*model.Signal, error) {
	sig, err := scanSignal(s.pool.QueryRow(ctx,
		`SELECT `+signalColumns+`
		 FROM signals
		 WHERE symbol = $1 AND action = $2 AND created_at > $3 AND created_at <= $4
		 ORDER BY created_at DESC
		 LIMIT 1`,
		symbol, side, ref.Add(-lookback), ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("match signal %s/%s: %w", symbol, side, err)
	}
	return sig, nil
}

// --- Fills ---

func (s *PostgresStore) RecordFill(ctx context.Context, f *model.Fill) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO fills (id, account_id, symbol, side, price, qty, cost, exchange_fill_id, ts, position_id)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)
		 ON CONFLICT (account_id, exchange_fill_id) DO NOTHING`,
		f.ID, f.AccountID, f.Symbol, f.Side,
		f.Price.String(), f.Qty.String(), f.Cost.String(),
		f.ExchangeFillID, f.Timestamp, f.PositionID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FillsSince(ctx context.Context, accountID, symbol string, since time.Time) ([]model.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, symbol, side,
		        price::TEXT, qty::TEXT, cost::TEXT,
		        exchange_fill_id, ts, position_id
		 FROM fills
		 WHERE account_id = $1 AND symbol = $2 AND ts >= $3
		 ORDER BY ts`,
		accountID, symbol, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []model.Fill
	for rows.Next() {
		var f model.Fill
		var price, qty, cost string
		if err := rows.Scan(&f.ID, &f.AccountID, &f.Symbol, &f.Side,
			&price, &qty, &cost,
			&f.ExchangeFillID, &f.Timestamp, &f.PositionID); err != nil {
			return nil, err
		}
		f.Price, _ = decimal.NewFromString(price)
		f.Qty, _ = decimal.NewFromString(qty)
		f.Cost, _ = decimal.NewFromString(cost)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (s *PostgresStore) AssignFills(ctx context.Context, accountID, symbol string, since time.Time, positionID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE fills
		 SET position_id = $4
		 WHERE account_id = $1 AND symbol = $2 AND ts >= $3 AND position_id = ''`,
		accountID, symbol, since, positionID,
	)
	return err
}

// --- Positions ---

const positionColumns = `id, account_id, signal_id, symbol, venue_symbol, side,
        entry_order_id, tp_order_id, sl_order_id,
        target_tp::TEXT, target_sl::TEXT,
        entry_fill_price::TEXT, avg_entry_price::TEXT,
        filled_qty::TEXT, leverage::TEXT, fill_count,
        opened_at, last_fill_at, status`

func scanPosition(row pgx.Row) (*model.OpenPosition, error) {
	var p model.OpenPosition
	var targetTP, targetSL, entryFill, avgEntry, qty, leverage string

	err := row.Scan(&p.ID, &p.AccountID, &p.SignalID, &p.Symbol, &p.VenueSymbol, &p.Side,
		&p.EntryOrderID, &p.TPOrderID, &p.SLOrderID,
		&targetTP, &targetSL,
		&entryFill, &avgEntry,
		&qty, &leverage, &p.FillCount,
		&p.OpenedAt, &p.LastFillAt, &p.Status)
	if err != nil {
		return nil, err
	}

	p.TargetTP, _ = decimal.NewFromString(targetTP)
	p.TargetSL, _ = decimal.NewFromString(targetSL)
	p.EntryFillPrice, _ = decimal.NewFromString(entryFill)
	p.AvgEntryPrice, _ = decimal.NewFromString(avgEntry)
	p.FilledQty, _ = decimal.NewFromString(qty)
	p.Leverage, _ = decimal.NewFromString(leverage)

	return &p, nil
}

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.OpenPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, account_id, signal_id, symbol, venue_symbol, side,
		        entry_order_id, tp_order_id, sl_order_id,
		        target_tp, target_sl, entry_fill_price, avg_entry_price,
		        filled_qty, leverage, fill_count, opened_at, last_fill_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
		         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC,
		         $14::NUMERIC, $15::NUMERIC, $16, $17, $18, $19)`,
		p.ID, p.AccountID, p.SignalID, p.Symbol, p.VenueSymbol, p.Side,
		p.EntryOrderID, p.TPOrderID, p.SLOrderID,
		p.TargetTP.String(), p.TargetSL.String(),
		p.EntryFillPrice.String(), p.AvgEntryPrice.String(),
		p.FilledQty.String(), p.Leverage.String(), p.FillCount,
		p.OpenedAt, p.LastFillAt, p.Status,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.OpenPosition, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) queryPositions(ctx context.Context, where string, args ...any) ([]model.OpenPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.OpenPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) OpenPositions(ctx context.Context) ([]model.OpenPosition, error) {
	return s.queryPositions(ctx, `WHERE status = 'open' ORDER BY opened_at`)
}

func (s *PostgresStore) OpenPositionsByAccount(ctx context.Context, accountID string) ([]model.OpenPosition, error) {
	return s.queryPositions(ctx, `WHERE account_id = $1 AND status = 'open' ORDER BY opened_at`, accountID)
}

func (s *PostgresStore) UpdatePositionAggregate(ctx context.Context, positionID string, avgEntry, qty decimal.Decimal, fillCount int, lastFillAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET avg_entry_price = $2::NUMERIC, filled_qty = $3::NUMERIC,
		     fill_count = $4, last_fill_at = $5
		 WHERE id = $1`,
		positionID, avgEntry.String(), qty.String(), fillCount, lastFillAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FinalizePosition(ctx context.Context, positionID string, to model.PositionStatus) (bool, error) {
	if !model.StatusOpen.CanTransition(to) {
		return false, model.ErrInvalidTransition(model.StatusOpen, to)
	}
	// Conditional update: only one caller ever observes a row transition.
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET status = $2 WHERE id = $1 AND status = 'open'`,
		positionID, to,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) LastClosedPosition(ctx context.Context, accountID, symbol string) (*model.OpenPosition, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+`
		 FROM positions
		 WHERE account_id = $1 AND symbol = $2 AND status <> 'open'
		 ORDER BY last_fill_at DESC, opened_at DESC
		 LIMIT 1`, accountID, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last closed position %s/%s: %w", accountID, symbol, err)
	}
	return p, nil
}

// --- Trades ---

func (s *PostgresStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, account_id, position_id, signal_id, symbol, side,
		        entry_price, exit_price, qty, leverage, realized_pnl,
		        pnl_source, exit_type, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
		         $12, $13, $14, $15)`,
		t.ID, t.AccountID, t.PositionID, t.SignalID, t.Symbol, t.Side,
		t.EntryPrice.String(), t.ExitPrice.String(), t.Qty.String(),
		t.Leverage.String(), t.RealizedPnL.String(),
		t.PnLSource, t.ExitType, t.OpenedAt, t.ClosedAt,
	)
	return err
}

func (s *PostgresStore) TradesByAccount(ctx context.Context, accountID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, position_id, signal_id, symbol, side,
		        entry_price::TEXT, exit_price::TEXT, qty::TEXT,
		        leverage::TEXT, realized_pnl::TEXT,
		        pnl_source, exit_type, opened_at, closed_at
		 FROM trades
		 WHERE account_id = $1
		 ORDER BY closed_at DESC
		 LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var entry, exit, qty, leverage, pnl string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.PositionID, &t.SignalID, &t.Symbol, &t.Side,
			&entry, &exit, &qty,
			&leverage, &pnl,
			&t.PnLSource, &t.ExitType, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, err
		}
		t.EntryPrice, _ = decimal.NewFromString(entry)
		t.ExitPrice, _ = decimal.NewFromString(exit)
		t.Qty, _ = decimal.NewFromString(qty)
		t.Leverage, _ = decimal.NewFromString(leverage)
		t.RealizedPnL, _ = decimal.NewFromString(pnl)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) LastTradeClosedAt(ctx context.Context, accountID string) (time.Time, error) {
	var closedAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT closed_at FROM trades
		 WHERE account_id = $1
		 ORDER BY closed_at DESC LIMIT 1`, accountID).
		Scan(&closedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return closedAt, nil
}

func (s *PostgresStore) sumDecimal(ctx context.Context, query string, args ...any) (decimal.Decimal, error) {
	var sumS string
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&sumS); err != nil {
		return decimal.Zero, err
	}
	sum, _ := decimal.NewFromString(sumS)
	return sum, nil
}

func (s *PostgresStore) SumRealizedPnL(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return s.sumDecimal(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0)::TEXT FROM trades WHERE account_id = $1`,
		accountID)
}

func (s *PostgresStore) BillableProfit(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return s.sumDecimal(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0)::TEXT FROM trades
		 WHERE account_id = $1 AND signal_id <> ''`,
		accountID)
}

// --- Transactions ---

func (s *PostgresStore) RecordTransaction(ctx context.Context, tx *model.Transaction) (bool, error) {
	var externalID *string
	if tx.ExternalID != "" {
		externalID = &tx.ExternalID
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, account_id, type, amount, detection_method, external_id, day, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)
		 ON CONFLICT (account_id, external_id) WHERE external_id IS NOT NULL DO NOTHING`,
		tx.ID, tx.AccountID, tx.Type, tx.Amount.String(),
		tx.DetectionMethod, externalID, tx.Day, tx.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpsertDailyFee(ctx context.Context, accountID, day string, amount decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, account_id, type, amount, detection_method, day, created_at)
		 VALUES (gen_random_uuid()::TEXT, $1, 'fee_funding', $3::NUMERIC, 'balance_check', $2, NOW())
		 ON CONFLICT (account_id, day) WHERE type = 'fee_funding'
		 DO UPDATE SET amount = transactions.amount + EXCLUDED.amount`,
		accountID, day, amount.String(),
	)
	return err
}

func (s *PostgresStore) TransactionsByAccount(ctx context.Context, accountID string, limit int) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, type, amount::TEXT, detection_method,
		        COALESCE(external_id, ''), day, created_at
		 FROM transactions
		 WHERE account_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var tx model.Transaction
		var amount string
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Type, &amount,
			&tx.DetectionMethod, &tx.ExternalID, &tx.Day, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.Amount, _ = decimal.NewFromString(amount)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (s *PostgresStore) SumTransactions(ctx context.Context, accountID string, typ model.TransactionType) (decimal.Decimal, error) {
	return s.sumDecimal(ctx,
		`SELECT COALESCE(SUM(amount), 0)::TEXT FROM transactions
		 WHERE account_id = $1 AND type = $2`,
		accountID, typ)
}
