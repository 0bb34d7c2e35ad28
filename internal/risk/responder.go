package risk

import (
	"context"
	"errors"
	"log/slog"

	"lv-paperdesk/internal/apperr"
	"lv-paperdesk/internal/logging"
	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/store"
	"lv-paperdesk/internal/types"

	"github.com/shopspring/decimal"
)

// Executor places the closing and reducing orders emergency actions need.
// The order simulator implements it.
type Executor interface {
	ClosePosition(ctx context.Context, accountID, positionID string, reason types.OrderReason) (model.Order, error)
	ReducePosition(ctx context.Context, accountID, positionID string, qty decimal.Decimal, reason types.OrderReason) (model.Order, error)
	CancelOpenOrders(ctx context.Context, accountID string) (int, error)
}

type Deactivator interface {
	Deactivate(ctx context.Context, accountID string) (model.Account, error)
}

type Failure struct {
	PositionID string `json:"position_id,omitempty"`
	Error      string `json:"error"`
}

// BatchResult reports a best-effort action: every position is attempted
// and failures are collected rather than stopping the batch.
type BatchResult struct {
	AccountID      string        `json:"account_id"`
	Action         string        `json:"action"`
	Orders         []model.Order `json:"orders"`
	Failures       []Failure     `json:"failures"`
	OrdersCanceled int           `json:"orders_canceled"`
	Deactivated    bool          `json:"deactivated"`
}

func (r BatchResult) OK() bool {
	return len(r.Failures) == 0
}

type Responder struct {
	repo     store.Reader
	exec     Executor
	accounts Deactivator
	log      *slog.Logger
}

func NewResponder(repo store.Reader, exec Executor, accounts Deactivator, log *slog.Logger) *Responder {
	if log == nil {
		log = logging.Discard()
	}
	return &Responder{repo: repo, exec: exec, accounts: accounts, log: log}
}

// EmergencyStopLoss closes every open position of the account at market.
func (r *Responder) EmergencyStopLoss(ctx context.Context, accountID string) (BatchResult, error) {
	res := BatchResult{AccountID: accountID, Action: "emergency_stop_loss"}
	if err := r.closeAll(ctx, &res, types.OrderReasonEmergency); err != nil {
		return res, err
	}
	r.log.Warn("emergency stop loss", "account_id", accountID, "closed", len(res.Orders), "failed", len(res.Failures))
	return res, nil
}

// ReducePositions shrinks every open position by percent of its size.
// 100 closes them.
func (r *Responder) ReducePositions(ctx context.Context, accountID string, percent decimal.Decimal) (BatchResult, error) {
	if !percent.IsPositive() || percent.GreaterThan(hundred) {
		return BatchResult{}, apperr.Validation("risk.ReducePositions", "percent must be in (0, 100]")
	}
	res := BatchResult{AccountID: accountID, Action: "reduce_positions"}
	open, err := r.open(ctx, accountID)
	if err != nil {
		return res, err
	}
	for _, p := range open {
		qty := p.Size.Mul(percent).Div(hundred).Round(8)
		var o model.Order
		var err error
		if qty.GreaterThanOrEqual(p.Size) {
			o, err = r.exec.ClosePosition(ctx, accountID, p.ID, types.OrderReasonReduce)
		} else if qty.IsPositive() {
			o, err = r.exec.ReducePosition(ctx, accountID, p.ID, qty, types.OrderReasonReduce)
		} else {
			continue
		}
		if err != nil {
			res.Failures = append(res.Failures, Failure{PositionID: p.ID, Error: err.Error()})
			continue
		}
		res.Orders = append(res.Orders, o)
	}
	r.log.Warn("positions reduced", "account_id", accountID, "percent", percent.String(), "orders", len(res.Orders), "failed", len(res.Failures))
	return res, nil
}

// LiquidateAccount cancels resting orders, closes every position and
// deactivates the account. The account is deactivated even when some
// closes fail so no new orders can be placed.
func (r *Responder) LiquidateAccount(ctx context.Context, accountID string) (BatchResult, error) {
	res := BatchResult{AccountID: accountID, Action: "liquidate_account"}
	n, err := r.exec.CancelOpenOrders(ctx, accountID)
	if err != nil {
		res.Failures = append(res.Failures, Failure{Error: "cancel orders: " + err.Error()})
	}
	res.OrdersCanceled = n
	if err := r.closeAll(ctx, &res, types.OrderReasonLiquidation); err != nil {
		return res, err
	}
	if _, err := r.accounts.Deactivate(ctx, accountID); err != nil {
		res.Failures = append(res.Failures, Failure{Error: "deactivate: " + err.Error()})
	} else {
		res.Deactivated = true
	}
	r.log.Warn("account liquidated", "account_id", accountID, "closed", len(res.Orders), "failed", len(res.Failures))
	return res, nil
}

func (r *Responder) closeAll(ctx context.Context, res *BatchResult, reason types.OrderReason) error {
	open, err := r.open(ctx, res.AccountID)
	if err != nil {
		return err
	}
	for _, p := range open {
		o, err := r.exec.ClosePosition(ctx, res.AccountID, p.ID, reason)
		if err != nil {
			res.Failures = append(res.Failures, Failure{PositionID: p.ID, Error: err.Error()})
			continue
		}
		res.Orders = append(res.Orders, o)
	}
	return nil
}

func (r *Responder) open(ctx context.Context, accountID string) ([]model.Position, error) {
	if _, err := r.repo.GetAccount(ctx, accountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("risk.Responder", "account", accountID)
		}
		return nil, apperr.Persistence("risk.Responder", err)
	}
	open, err := r.repo.ListPositions(ctx, store.PositionFilter{AccountID: accountID, Status: types.PositionStatusOpen})
	if err != nil {
		return nil, apperr.Persistence("risk.Responder", err)
	}
	return open, nil
}
