// Package store holds the durable repository for accounts, orders,
// positions, trades and equity history.
package store

import (
	"context"
	"errors"
	"time"

	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/types"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

type OrderFilter struct {
	AccountID string
	Symbol    string
	Statuses  []types.OrderStatus
	// Newest returns the most recent orders first.
	Newest bool
	Limit  int
}

type PositionFilter struct {
	AccountID string
	Symbol    string
	Status    types.PositionStatus
}

type TradeFilter struct {
	AccountID  string
	PositionID string
	Symbol     string
	Since      time.Time
	Limit      int
}

type Reader interface {
	GetAccount(ctx context.Context, id string) (model.Account, error)
	ListAccounts(ctx context.Context, userID string) ([]model.Account, error)
	GetOrder(ctx context.Context, id string) (model.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)
	GetPosition(ctx context.Context, id string) (model.Position, error)
	ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error)
	ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error)
	ListEquity(ctx context.Context, accountID string, since time.Time) ([]model.EquityPoint, error)
}

type Tx interface {
	Reader
	InsertAccount(ctx context.Context, a model.Account) error
	UpdateAccount(ctx context.Context, a model.Account) error
	InsertOrder(ctx context.Context, o model.Order) error
	UpdateOrder(ctx context.Context, o model.Order) error
	InsertPosition(ctx context.Context, p model.Position) error
	UpdatePosition(ctx context.Context, p model.Position) error
	InsertTrade(ctx context.Context, t model.Trade) error
	InsertEquity(ctx context.Context, e model.EquityPoint) error
}

// Repository runs fn atomically: either every write made through tx is kept
// or none is. Reads through the Repository itself must not be issued from
// inside fn; use tx.
type Repository interface {
	Reader
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// LiveOrderStatuses are the non-terminal order states.
var LiveOrderStatuses = []types.OrderStatus{types.OrderStatusNew, types.OrderStatusPartiallyFilled}

func matchStatus(s types.OrderStatus, want []types.OrderStatus) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if s == w {
			return true
		}
	}
	return false
}
