package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/copyflow/signal-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*model.Account
	signals      map[string]*model.Signal
	deliveries   map[string]*model.Delivery
	fills        []model.Fill
	positions    map[string]*model.OpenPosition
	trades       []model.Trade
	transactions []model.Transaction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]*model.Account),
		signals:    make(map[string]*model.Signal),
		deliveries: make(map[string]*model.Delivery),
		positions:  make(map[string]*model.OpenPosition),
	}
}

// AddAccount seeds an account. Test helper; account lifecycle is owned by an
// external collaborator in production.
func (s *MemoryStore) AddAccount(a model.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := a
	s.accounts[a.ID] = &copy
}

func (s *MemoryStore) ListActiveAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Account
	for _, a := range s.accounts {
		if a.Active {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *a
	return &copy, nil
}

// --- Signals & deliveries ---

func (s *MemoryStore) CreateSignal(_ context.Context, sig *model.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *sig
	s.signals[sig.ID] = &copy
	return nil
}

func (s *MemoryStore) GetSignal(_ context.Context, id string) (*model.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig, ok := s.signals[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *sig
	return &copy, nil
}

func (s *MemoryStore) CreateDeliveries(_ context.Context, signalID string, accountIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, acct := range accountIDs {
		d := &model.Delivery{
			ID:        uuid.New().String(),
			SignalID:  signalID,
			AccountID: acct,
			CreatedAt: time.Now().UTC(),
		}
		s.deliveries[d.ID] = d
	}
	return nil
}

func (s *MemoryStore) NextPendingDelivery(_ context.Context, accountID string) (*model.Delivery, *model.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.Delivery
	var bestSig *model.Signal
	for _, d := range s.deliveries {
		if d.AccountID != accountID || d.Acknowledged {
			continue
		}
		sig, ok := s.signals[d.SignalID]
		if !ok {
			continue
		}
		if best == nil || sig.CreatedAt.After(bestSig.CreatedAt) {
			best = d
			bestSig = sig
		}
	}
	if best == nil {
		return nil, nil, nil
	}
	d := *best
	sig := *bestSig
	return &d, &sig, nil
}

func (s *MemoryStore) AcknowledgeDelivery(_ context.Context, deliveryID string, executed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[deliveryID]
	if !ok {
		return ErrNotFound
	}
	if d.Acknowledged {
		return nil // idempotent
	}
	d.Acknowledged = true
	if executed {
		d.Executed = true
	}
	return nil
}

func (s *MemoryStore) MarkDeliveryFailed(_ context.Context, deliveryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[deliveryID]
	if !ok {
		return ErrNotFound
	}
	d.Failed = true
	d.RetryCount++
	return nil
}

func (s *MemoryStore) VoidSignalDeliveries(_ context.Context, signalID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, d := range s.deliveries {
		if d.SignalID == signalID && !d.Acknowledged {
			d.Acknowledged = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MatchSignal(_ context.Context, symbol string, side model.Side, ref time.Time, lookback time.Duration) (*model.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := ref.Add(-lookback)
	var best *model.Signal
	for _, sig := range s.signals {
		if sig.Symbol != symbol || sig.Action != side {
			continue
		}
		if sig.CreatedAt.Before(cutoff) || sig.CreatedAt.After(ref) {
			continue
		}
		if best == nil || sig.CreatedAt.After(best.CreatedAt) {
			best = sig
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	copy := *best
	return &copy, nil
}

// --- Fills ---

func (s *MemoryStore) RecordFill(_ context.Context, f *model.Fill) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.fills {
		if existing.AccountID == f.AccountID && existing.ExchangeFillID == f.ExchangeFillID {
			return false, nil
		}
	}
	s.fills = append(s.fills, *f)
	return true, nil
}

func (s *MemoryStore) FillsSince(_ context.Context, accountID, symbol string, since time.Time) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Fill
	for _, f := range s.fills {
		if f.AccountID == accountID && f.Symbol == symbol && !f.Timestamp.Before(since) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) AssignFills(_ context.Context, accountID, symbol string, since time.Time, positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.fills {
		f := &s.fills[i]
		if f.AccountID == accountID && f.Symbol == symbol && f.PositionID == "" && !f.Timestamp.Before(since) {
			f.PositionID = positionID
		}
	}
	return nil
}

// --- Positions ---

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.OpenPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *p
	s.positions[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.OpenPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) OpenPositions(_ context.Context) ([]model.OpenPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.OpenPosition
	for _, p := range s.positions {
		if p.Status == model.StatusOpen {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *MemoryStore) OpenPositionsByAccount(_ context.Context, accountID string) ([]model.OpenPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.OpenPosition
	for _, p := range s.positions {
		if p.AccountID == accountID && p.Status == model.StatusOpen {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdatePositionAggregate(_ context.Context, positionID string, avgEntry, qty decimal.Decimal, fillCount int, lastFillAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[positionID]
	if !ok {
		return ErrNotFound
	}
	p.AvgEntryPrice = avgEntry
	p.FilledQty = qty
	p.FillCount = fillCount
	p.LastFillAt = lastFillAt
	return nil
}

func (s *MemoryStore) FinalizePosition(_ context.Context, positionID string, to model.PositionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !model.StatusOpen.CanTransition(to) {
		return false, model.ErrInvalidTransition(model.StatusOpen, to)
	}
	p, ok := s.positions[positionID]
	if !ok {
		return false, ErrNotFound
	}
	if !p.Status.CanTransition(to) {
		return false, nil
	}
	p.Status = to
	return true, nil
}

func (s *MemoryStore) LastClosedPosition(_ context.Context, accountID, symbol string) (*model.OpenPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.OpenPosition
	for _, p := range s.positions {
		if p.AccountID != accountID || p.Symbol != symbol || !p.Status.Terminal() {
			continue
		}
		if best == nil || p.LastFillAt.After(best.LastFillAt) ||
			(p.LastFillAt.Equal(best.LastFillAt) && p.OpenedAt.After(best.OpenedAt)) {
			best = p
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	copy := *best
	return &copy, nil
}

// --- Trades ---

func (s *MemoryStore) CreateTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) TradesByAccount(_ context.Context, accountID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, t := range s.trades {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.After(out[j].ClosedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) LastTradeClosedAt(_ context.Context, accountID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last time.Time
	found := false
	for _, t := range s.trades {
		if t.AccountID == accountID && t.ClosedAt.After(last) {
			last = t.ClosedAt
			found = true
		}
	}
	if !found {
		return time.Time{}, ErrNotFound
	}
	return last, nil
}

func (s *MemoryStore) SumRealizedPnL(_ context.Context, accountID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := decimal.Zero
	for _, t := range s.trades {
		if t.AccountID == accountID {
			sum = sum.Add(t.RealizedPnL)
		}
	}
	return sum, nil
}

func (s *MemoryStore) BillableProfit(_ context.Context, accountID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := decimal.Zero
	for _, t := range s.trades {
		if t.AccountID == accountID && t.SignalID != "" {
			sum = sum.Add(t.RealizedPnL)
		}
	}
	return sum, nil
}

// --- Transactions ---

func (s *MemoryStore) RecordTransaction(_ context.Context, tx *model.Transaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ExternalID != "" {
		for _, existing := range s.transactions {
			if existing.AccountID == tx.AccountID && existing.ExternalID == tx.ExternalID {
				return false, nil
			}
		}
	}
	copy := *tx
	if copy.ID == "" {
		copy.ID = uuid.New().String()
	}
	s.transactions = append(s.transactions, copy)
	return true, nil
}

func (s *MemoryStore) UpsertDailyFee(_ context.Context, accountID, day string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.transactions {
		tx := &s.transactions[i]
		if tx.AccountID == accountID && tx.Type == model.TxFeeFunding && tx.Day == day {
			tx.Amount = tx.Amount.Add(amount)
			return nil
		}
	}
	s.transactions = append(s.transactions, model.Transaction{
		ID:              uuid.New().String(),
		AccountID:       accountID,
		Type:            model.TxFeeFunding,
		Amount:          amount,
		DetectionMethod: "balance_check",
		Day:             day,
		CreatedAt:       time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStore) TransactionsByAccount(_ context.Context, accountID string, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Transaction
	for _, tx := range s.transactions {
		if tx.AccountID == accountID {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SumTransactions(_ context.Context, accountID string, typ model.TransactionType) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := decimal.Zero
	for _, tx := range s.transactions {
		if tx.AccountID == accountID && tx.Type == typ {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum, nil
}
