package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Postgres is the pgx-backed Repository. Transactions run at serializable
// isolation like the rest of the ledger code.
type Postgres struct {
	pgReader
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pgReader: pgReader{q: pool}, pool: pool}
}

func (p *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(&pgTx{pgReader: pgReader{q: tx}}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgReader struct {
	q querier
}

const accountColumns = "id, user_id, currency, initial_balance, current_balance, available_balance, margin_used, realized_pnl, risk_profile, is_active, created_at, updated_at"

func scanAccount(row scanner) (model.Account, error) {
	var a model.Account
	var profile []byte
	err := row.Scan(&a.ID, &a.UserID, &a.Currency, &a.InitialBalance, &a.CurrentBalance, &a.AvailableBalance, &a.MarginUsed, &a.RealizedPnL, &profile, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, notFound(err)
	}
	if err := json.Unmarshal(profile, &a.RiskProfile); err != nil {
		return a, err
	}
	return a, nil
}

func (r pgReader) GetAccount(ctx context.Context, id string) (model.Account, error) {
	return scanAccount(r.q.QueryRow(ctx, "select "+accountColumns+" from accounts where id = $1", id))
}

func (r pgReader) ListAccounts(ctx context.Context, userID string) ([]model.Account, error) {
	rows, err := r.q.Query(ctx, "select "+accountColumns+" from accounts where ($1 = '' or user_id = $1) order by created_at asc, id asc", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const orderColumns = "id, account_id, client_order_id, symbol, side, type, time_in_force, status, quantity, price, stop_price, filled_quantity, remaining_quantity, average_fill_price, commission, stop_loss, take_profit, reason, position_id, reserved_margin, stop_triggered, reject_reason, created_at, updated_at, filled_at, canceled_at, expires_at"

func scanOrder(row scanner) (model.Order, error) {
	var o model.Order
	var side, typ, tif, status, reason string
	err := row.Scan(&o.ID, &o.AccountID, &o.ClientOrderID, &o.Symbol, &side, &typ, &tif, &status, &o.Quantity, &o.Price, &o.StopPrice, &o.FilledQuantity, &o.RemainingQuantity, &o.AverageFillPrice, &o.Commission, &o.StopLoss, &o.TakeProfit, &reason, &o.PositionID, &o.ReservedMargin, &o.StopTriggered, &o.RejectReason, &o.CreatedAt, &o.UpdatedAt, &o.FilledAt, &o.CanceledAt, &o.ExpiresAt)
	if err != nil {
		return o, notFound(err)
	}
	o.Side = types.OrderSide(side)
	o.Type = types.OrderType(typ)
	o.TimeInForce = types.TimeInForce(tif)
	o.Status = types.OrderStatus(status)
	o.Reason = types.OrderReason(reason)
	return o, nil
}

func (r pgReader) GetOrder(ctx context.Context, id string) (model.Order, error) {
	return scanOrder(r.q.QueryRow(ctx, "select "+orderColumns+" from orders where id = $1", id))
}

func (r pgReader) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	statuses := make([]string, 0, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}
	dir := "asc"
	if f.Newest {
		dir = "desc"
	}
	rows, err := r.q.Query(ctx, `
		select `+orderColumns+`
		from orders
		where ($1 = '' or account_id = $1)
		  and ($2 = '' or symbol = $2)
		  and (cardinality($3::text[]) = 0 or status = any($3::text[]))
		order by created_at `+dir+`, id `+dir+`
		limit $4
	`, f.AccountID, f.Symbol, statuses, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const positionColumns = "id, account_id, symbol, side, size, entry_price, current_price, unrealized_pnl, realized_pnl, reduced_pnl, stop_loss, take_profit, total_fees, margin, status, exit_price, close_reason, opened_at, updated_at, closed_at"

func scanPosition(row scanner) (model.Position, error) {
	var p model.Position
	var side, status, reason string
	err := row.Scan(&p.ID, &p.AccountID, &p.Symbol, &side, &p.Size, &p.EntryPrice, &p.CurrentPrice, &p.UnrealizedPnL, &p.RealizedPnL, &p.ReducedPnL, &p.StopLoss, &p.TakeProfit, &p.TotalFees, &p.Margin, &status, &p.ExitPrice, &reason, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt)
	if err != nil {
		return p, notFound(err)
	}
	p.Side = types.PositionSide(side)
	p.Status = types.PositionStatus(status)
	p.CloseReason = types.OrderReason(reason)
	return p, nil
}

func (r pgReader) GetPosition(ctx context.Context, id string) (model.Position, error) {
	return scanPosition(r.q.QueryRow(ctx, "select "+positionColumns+" from positions where id = $1", id))
}

func (r pgReader) ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error) {
	rows, err := r.q.Query(ctx, `
		select `+positionColumns+`
		from positions
		where ($1 = '' or account_id = $1)
		  and ($2 = '' or symbol = $2)
		  and ($3 = '' or status = $3)
		order by opened_at asc, id asc
	`, f.AccountID, f.Symbol, string(f.Status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r pgReader) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	var since *time.Time
	if !f.Since.IsZero() {
		since = &f.Since
	}
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}
	rows, err := r.q.Query(ctx, `
		select * from (
			select id, account_id, position_id, order_id, symbol, side, quantity, price, commission, realized_pnl, executed_at
			from trades
			where ($1 = '' or account_id = $1)
			  and ($2 = '' or position_id = $2)
			  and ($3 = '' or symbol = $3)
			  and ($4::timestamptz is null or executed_at >= $4)
			order by executed_at desc, id desc
			limit $5
		) t
		order by executed_at asc, id asc
	`, f.AccountID, f.PositionID, f.Symbol, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var side string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.PositionID, &t.OrderID, &t.Symbol, &side, &t.Quantity, &t.Price, &t.Commission, &t.RealizedPnL, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Side = types.OrderSide(side)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r pgReader) ListEquity(ctx context.Context, accountID string, since time.Time) ([]model.EquityPoint, error) {
	var from *time.Time
	if !since.IsZero() {
		from = &since
	}
	rows, err := r.q.Query(ctx, `
		select account_id, balance, realized_pnl, at
		from equity_points
		where account_id = $1 and ($2::timestamptz is null or at >= $2)
		order by id asc
	`, accountID, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EquityPoint
	for rows.Next() {
		var e model.EquityPoint
		if err := rows.Scan(&e.AccountID, &e.Balance, &e.RealizedPnL, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type pgTx struct {
	pgReader
}

func (t *pgTx) InsertAccount(ctx context.Context, a model.Account) error {
	profile, err := json.Marshal(a.RiskProfile)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, "insert into accounts ("+accountColumns+") values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)",
		a.ID, a.UserID, a.Currency, a.InitialBalance, a.CurrentBalance, a.AvailableBalance, a.MarginUsed, a.RealizedPnL, profile, a.IsActive, a.CreatedAt, a.UpdatedAt)
	return err
}

func (t *pgTx) UpdateAccount(ctx context.Context, a model.Account) error {
	profile, err := json.Marshal(a.RiskProfile)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, `
		update accounts
		set current_balance = $1, available_balance = $2, margin_used = $3, realized_pnl = $4, risk_profile = $5, is_active = $6, updated_at = $7
		where id = $8
	`, a.CurrentBalance, a.AvailableBalance, a.MarginUsed, a.RealizedPnL, profile, a.IsActive, a.UpdatedAt, a.ID)
	return affected(tag, err)
}

func (t *pgTx) InsertOrder(ctx context.Context, o model.Order) error {
	_, err := t.q.Exec(ctx, "insert into orders ("+orderColumns+") values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)",
		o.ID, o.AccountID, o.ClientOrderID, o.Symbol, string(o.Side), string(o.Type), string(o.TimeInForce), string(o.Status), o.Quantity, o.Price, o.StopPrice, o.FilledQuantity, o.RemainingQuantity, o.AverageFillPrice, o.Commission, o.StopLoss, o.TakeProfit, string(o.Reason), o.PositionID, o.ReservedMargin, o.StopTriggered, o.RejectReason, o.CreatedAt, o.UpdatedAt, o.FilledAt, o.CanceledAt, o.ExpiresAt)
	return err
}

func (t *pgTx) UpdateOrder(ctx context.Context, o model.Order) error {
	tag, err := t.q.Exec(ctx, `
		update orders
		set status = $1, price = $2, filled_quantity = $3, remaining_quantity = $4, average_fill_price = $5, commission = $6,
		    position_id = $7, reserved_margin = $8, stop_triggered = $9, reject_reason = $10, updated_at = $11,
		    filled_at = $12, canceled_at = $13
		where id = $14
	`, string(o.Status), o.Price, o.FilledQuantity, o.RemainingQuantity, o.AverageFillPrice, o.Commission, o.PositionID, o.ReservedMargin, o.StopTriggered, o.RejectReason, o.UpdatedAt, o.FilledAt, o.CanceledAt, o.ID)
	return affected(tag, err)
}

func (t *pgTx) InsertPosition(ctx context.Context, p model.Position) error {
	_, err := t.q.Exec(ctx, "insert into positions ("+positionColumns+") values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)",
		p.ID, p.AccountID, p.Symbol, string(p.Side), p.Size, p.EntryPrice, p.CurrentPrice, p.UnrealizedPnL, p.RealizedPnL, p.ReducedPnL, p.StopLoss, p.TakeProfit, p.TotalFees, p.Margin, string(p.Status), p.ExitPrice, string(p.CloseReason), p.OpenedAt, p.UpdatedAt, p.ClosedAt)
	return err
}

func (t *pgTx) UpdatePosition(ctx context.Context, p model.Position) error {
	tag, err := t.q.Exec(ctx, `
		update positions
		set size = $1, entry_price = $2, current_price = $3, unrealized_pnl = $4, realized_pnl = $5, reduced_pnl = $6,
		    stop_loss = $7, take_profit = $8, total_fees = $9, margin = $10, status = $11, exit_price = $12,
		    close_reason = $13, updated_at = $14, closed_at = $15
		where id = $16 and status = 'open'
	`, p.Size, p.EntryPrice, p.CurrentPrice, p.UnrealizedPnL, p.RealizedPnL, p.ReducedPnL, p.StopLoss, p.TakeProfit, p.TotalFees, p.Margin, string(p.Status), p.ExitPrice, string(p.CloseReason), p.UpdatedAt, p.ClosedAt, p.ID)
	return affected(tag, err)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr model.Trade) error {
	_, err := t.q.Exec(ctx, `
		insert into trades (id, account_id, position_id, order_id, symbol, side, quantity, price, commission, realized_pnl, executed_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, tr.ID, tr.AccountID, tr.PositionID, tr.OrderID, tr.Symbol, string(tr.Side), tr.Quantity, tr.Price, tr.Commission, tr.RealizedPnL, tr.ExecutedAt)
	return err
}

func (t *pgTx) InsertEquity(ctx context.Context, e model.EquityPoint) error {
	_, err := t.q.Exec(ctx, "insert into equity_points (account_id, balance, realized_pnl, at) values ($1,$2,$3,$4)", e.AccountID, e.Balance, e.RealizedPnL, e.At)
	return err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func affected(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
