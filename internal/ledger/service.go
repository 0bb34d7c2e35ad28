// Package ledger is the only writer of account balance fields.
package ledger

import (
	"context"
	"errors"
	"time"

	"lv-paperdesk/internal/apperr"
	"lv-paperdesk/internal/clock"
	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/store"
	"lv-paperdesk/internal/types"

	"github.com/shopspring/decimal"
)

type Service struct {
	repo  store.Repository
	clock clock.Clock
}

func NewService(repo store.Repository, clk clock.Clock) *Service {
	return &Service{repo: repo, clock: clk}
}

// Result is the account after a delta and the amount actually applied.
// Applied differs from the requested amount only when a PnL debit was
// clamped to keep the available balance from going negative.
type Result struct {
	Account model.Account
	Applied decimal.Decimal
}

// ApplyBalanceDelta applies a signed amount to accountID inside tx.
//
// A PnL delta moves current balance, available balance and realized PnL
// together; debits larger than the available balance are clamped. A margin
// delta moves margin used against available balance only: positive amounts
// reserve and fail with ErrInsufficientFunds when not covered, negative
// amounts release and never release more than is held.
func (s *Service) ApplyBalanceDelta(ctx context.Context, tx store.Tx, accountID string, kind types.BalanceDeltaKind, amount decimal.Decimal) (Result, error) {
	const op = "ledger.ApplyBalanceDelta"
	acc, err := tx.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, apperr.NotFound(op, "account", accountID)
		}
		return Result{}, apperr.Persistence(op, err)
	}
	now := s.clock.Now()
	applied := amount
	switch kind {
	case types.BalanceDeltaPnL:
		if applied.IsNegative() && applied.Abs().GreaterThan(acc.AvailableBalance) {
			applied = acc.AvailableBalance.Neg()
		}
		acc.CurrentBalance = acc.CurrentBalance.Add(applied)
		acc.AvailableBalance = acc.AvailableBalance.Add(applied)
		acc.RealizedPnL = acc.RealizedPnL.Add(applied)
	case types.BalanceDeltaMargin:
		if applied.IsPositive() && applied.GreaterThan(acc.AvailableBalance) {
			return Result{}, apperr.InsufficientFunds(op, "margin %s exceeds available balance %s", applied.StringFixed(2), acc.AvailableBalance.StringFixed(2))
		}
		if applied.IsNegative() && applied.Abs().GreaterThan(acc.MarginUsed) {
			applied = acc.MarginUsed.Neg()
		}
		acc.MarginUsed = acc.MarginUsed.Add(applied)
		acc.AvailableBalance = acc.AvailableBalance.Sub(applied)
	default:
		return Result{}, apperr.Validation(op, "unknown delta kind %q", kind)
	}
	acc.UpdatedAt = now
	if err := tx.UpdateAccount(ctx, acc); err != nil {
		return Result{}, apperr.Persistence(op, err)
	}
	if kind == types.BalanceDeltaPnL && !applied.IsZero() {
		err := tx.InsertEquity(ctx, model.EquityPoint{
			AccountID:   acc.ID,
			Balance:     acc.CurrentBalance,
			RealizedPnL: acc.RealizedPnL,
			At:          now,
		})
		if err != nil {
			return Result{}, apperr.Persistence(op, err)
		}
	}
	return Result{Account: acc, Applied: applied}, nil
}

// Apply runs ApplyBalanceDelta in its own transaction.
func (s *Service) Apply(ctx context.Context, accountID string, kind types.BalanceDeltaKind, amount decimal.Decimal) (Result, error) {
	var res Result
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = s.ApplyBalanceDelta(ctx, tx, accountID, kind, amount)
		return err
	})
	if err != nil {
		return Result{}, apperr.Persistence("ledger.Apply", err)
	}
	return res, nil
}

// History returns the realized-equity curve since the given time. A zero
// since returns the whole history.
func (s *Service) History(ctx context.Context, accountID string, since time.Time) ([]model.EquityPoint, error) {
	pts, err := s.repo.ListEquity(ctx, accountID, since)
	if err != nil {
		return nil, apperr.Persistence("ledger.History", err)
	}
	return pts, nil
}

// Drawdown is the current and worst peak-to-trough decline in percent of
// the running peak, computed over start followed by points.
func Drawdown(start decimal.Decimal, points []model.EquityPoint) (current, maximum decimal.Decimal) {
	peak := start
	last := start
	hundred := decimal.NewFromInt(100)
	for _, p := range points {
		last = p.Balance
		if last.GreaterThan(peak) {
			peak = last
		}
		if peak.IsPositive() {
			dd := peak.Sub(last).Div(peak).Mul(hundred)
			if dd.GreaterThan(maximum) {
				maximum = dd
			}
		}
	}
	if peak.IsPositive() {
		current = peak.Sub(last).Div(peak).Mul(hundred)
	}
	return current, maximum
}
