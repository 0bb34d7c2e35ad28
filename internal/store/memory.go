package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"lv-paperdesk/internal/model"
)

type table[T any] struct {
	rows  map[string]T
	order []string
}

func newTable[T any]() *table[T] {
	return &table[T]{rows: make(map[string]T)}
}

// overlay stages writes on top of a table until commit.
type overlay[T any] struct {
	base  *table[T]
	rows  map[string]T
	order []string
}

func newOverlay[T any](base *table[T]) *overlay[T] {
	return &overlay[T]{base: base, rows: make(map[string]T)}
}

func (o *overlay[T]) get(id string) (T, bool) {
	if v, ok := o.rows[id]; ok {
		return v, true
	}
	v, ok := o.base.rows[id]
	return v, ok
}

func (o *overlay[T]) insert(id string, v T) error {
	if _, ok := o.get(id); ok {
		return ErrDuplicate
	}
	o.rows[id] = v
	o.order = append(o.order, id)
	return nil
}

func (o *overlay[T]) update(id string, v T) error {
	if _, ok := o.get(id); !ok {
		return ErrNotFound
	}
	o.rows[id] = v
	return nil
}

func (o *overlay[T]) each(fn func(T)) {
	for _, id := range o.base.order {
		if v, ok := o.rows[id]; ok {
			fn(v)
			continue
		}
		fn(o.base.rows[id])
	}
	for _, id := range o.order {
		fn(o.rows[id])
	}
}

func (o *overlay[T]) commit() {
	o.base.order = append(o.base.order, o.order...)
	for id, v := range o.rows {
		o.base.rows[id] = v
	}
}

// Memory is an in-process Repository. Transactions are serialized; readers
// never observe a half-applied transaction.
type Memory struct {
	mu        sync.RWMutex
	accounts  *table[model.Account]
	orders    *table[model.Order]
	positions *table[model.Position]
	trades    *table[model.Trade]
	equity    map[string][]model.EquityPoint
}

func NewMemory() *Memory {
	return &Memory{
		accounts:  newTable[model.Account](),
		orders:    newTable[model.Order](),
		positions: newTable[model.Position](),
		trades:    newTable[model.Trade](),
		equity:    make(map[string][]model.EquityPoint),
	}
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := m.begin()
	if err := fn(tx); err != nil {
		return err
	}
	tx.accounts.commit()
	tx.orders.commit()
	tx.positions.commit()
	tx.trades.commit()
	for id, pts := range tx.equity {
		m.equity[id] = append(m.equity[id], pts...)
	}
	return nil
}

func (m *Memory) begin() *memTx {
	return &memTx{
		m:         m,
		accounts:  newOverlay(m.accounts),
		orders:    newOverlay(m.orders),
		positions: newOverlay(m.positions),
		trades:    newOverlay(m.trades),
		equity:    make(map[string][]model.EquityPoint),
	}
}

// The Reader methods on Memory run a read-only transaction view under the
// read lock.

func (m *Memory) GetAccount(ctx context.Context, id string) (model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.begin().GetAccount(ctx, id)
}

func (m *Memory) ListAccounts(ctx context.Context, userID string) ([]model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.begin().ListAccounts(ctx, userID)
}

func (m *Memory) GetOrder(ctx context.Context, id string) (model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.begin().GetOrder(ctx, id)
}

func (m *Memory) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.begin().ListOrders(ctx, f)
}

func (m *Memory) GetPosition(ctx context.Context, id string) (model.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.begin().GetPosition(ctx, id)
}

func (m *Memory) ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.begin().ListPositions(ctx, f)
}

func (m *Memory) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.begin().ListTrades(ctx, f)
}

func (m *Memory) ListEquity(ctx context.Context, accountID string, since time.Time) ([]model.EquityPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.begin().ListEquity(ctx, accountID, since)
}

type memTx struct {
	m         *Memory
	accounts  *overlay[model.Account]
	orders    *overlay[model.Order]
	positions *overlay[model.Position]
	trades    *overlay[model.Trade]
	equity    map[string][]model.EquityPoint
}

func (t *memTx) GetAccount(_ context.Context, id string) (model.Account, error) {
	a, ok := t.accounts.get(id)
	if !ok {
		return model.Account{}, ErrNotFound
	}
	return a.Clone(), nil
}

func (t *memTx) ListAccounts(_ context.Context, userID string) ([]model.Account, error) {
	var out []model.Account
	t.accounts.each(func(a model.Account) {
		if userID == "" || a.UserID == userID {
			out = append(out, a.Clone())
		}
	})
	return out, nil
}

func (t *memTx) GetOrder(_ context.Context, id string) (model.Order, error) {
	o, ok := t.orders.get(id)
	if !ok {
		return model.Order{}, ErrNotFound
	}
	return o, nil
}

func (t *memTx) ListOrders(_ context.Context, f OrderFilter) ([]model.Order, error) {
	var out []model.Order
	t.orders.each(func(o model.Order) {
		if f.AccountID != "" && o.AccountID != f.AccountID {
			return
		}
		if f.Symbol != "" && o.Symbol != f.Symbol {
			return
		}
		if !matchStatus(o.Status, f.Statuses) {
			return
		}
		out = append(out, o)
	})
	sort.SliceStable(out, func(i, j int) bool {
		if f.Newest {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memTx) GetPosition(_ context.Context, id string) (model.Position, error) {
	p, ok := t.positions.get(id)
	if !ok {
		return model.Position{}, ErrNotFound
	}
	return p, nil
}

func (t *memTx) ListPositions(_ context.Context, f PositionFilter) ([]model.Position, error) {
	var out []model.Position
	t.positions.each(func(p model.Position) {
		if f.AccountID != "" && p.AccountID != f.AccountID {
			return
		}
		if f.Symbol != "" && p.Symbol != f.Symbol {
			return
		}
		if f.Status != "" && p.Status != f.Status {
			return
		}
		out = append(out, p)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (t *memTx) ListTrades(_ context.Context, f TradeFilter) ([]model.Trade, error) {
	var out []model.Trade
	t.trades.each(func(tr model.Trade) {
		if f.AccountID != "" && tr.AccountID != f.AccountID {
			return
		}
		if f.PositionID != "" && tr.PositionID != f.PositionID {
			return
		}
		if f.Symbol != "" && tr.Symbol != f.Symbol {
			return
		}
		if !f.Since.IsZero() && tr.ExecutedAt.Before(f.Since) {
			return
		}
		out = append(out, tr)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (t *memTx) ListEquity(_ context.Context, accountID string, since time.Time) ([]model.EquityPoint, error) {
	var out []model.EquityPoint
	for _, src := range [][]model.EquityPoint{t.m.equity[accountID], t.equity[accountID]} {
		for _, p := range src {
			if since.IsZero() || !p.At.Before(since) {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (t *memTx) InsertAccount(_ context.Context, a model.Account) error {
	return t.accounts.insert(a.ID, a.Clone())
}

func (t *memTx) UpdateAccount(_ context.Context, a model.Account) error {
	return t.accounts.update(a.ID, a.Clone())
}

func (t *memTx) InsertOrder(_ context.Context, o model.Order) error {
	return t.orders.insert(o.ID, o)
}

func (t *memTx) UpdateOrder(_ context.Context, o model.Order) error {
	return t.orders.update(o.ID, o)
}

func (t *memTx) InsertPosition(_ context.Context, p model.Position) error {
	return t.positions.insert(p.ID, p)
}

func (t *memTx) UpdatePosition(_ context.Context, p model.Position) error {
	return t.positions.update(p.ID, p)
}

func (t *memTx) InsertTrade(_ context.Context, tr model.Trade) error {
	return t.trades.insert(tr.ID, tr)
}

func (t *memTx) InsertEquity(_ context.Context, e model.EquityPoint) error {
	t.equity[e.AccountID] = append(t.equity[e.AccountID], e)
	return nil
}
