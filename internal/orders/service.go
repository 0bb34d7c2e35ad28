// Package orders is the order execution simulator. All mutations of one
// account are serialized behind a per-account lock: risk check, margin
// reservation and fill never interleave with another order or a trigger
// close of the same account.
package orders

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"lv-paperdesk/internal/apperr"
	"lv-paperdesk/internal/clock"
	"lv-paperdesk/internal/events"
	"lv-paperdesk/internal/ledger"
	"lv-paperdesk/internal/logging"
	"lv-paperdesk/internal/marketdata"
	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/positions"
	"lv-paperdesk/internal/risk"
	"lv-paperdesk/internal/store"
	"lv-paperdesk/internal/types"

	"github.com/shopspring/decimal"
)

const (
	RejectPriceUnavailable = "price_unavailable"
	RejectRisk             = "risk_rejected"
	RejectFillFailed       = "fill_failed"
)

type Quoter interface {
	Quote(ctx context.Context, symbol string) (marketdata.Quote, error)
}

type RiskChecker interface {
	CheckPreTradeRisk(ctx context.Context, accountID string, in risk.Intent) (risk.CheckResult, error)
	MarginRate() decimal.Decimal
}

type AccountReader interface {
	Get(ctx context.Context, id string) (model.Account, error)
}

// Config holds the simulated execution frictions.
type Config struct {
	CommissionRate decimal.Decimal
	SlippageRate   decimal.Decimal
	ExecutionDelay time.Duration
}

type Deps struct {
	Repo      store.Repository
	Feed      Quoter
	Risk      RiskChecker
	Positions *positions.Service
	Ledger    *ledger.Service
	Accounts  AccountReader
	Sink      events.Sink
	Clock     clock.Clock
	Log       *slog.Logger
}

type Service struct {
	repo      store.Repository
	feed      Quoter
	risk      RiskChecker
	positions *positions.Service
	ledger    *ledger.Service
	accounts  AccountReader
	sink      events.Sink
	clock     clock.Clock
	log       *slog.Logger
	cfg       Config

	mu     sync.Mutex
	states map[string]*accountState

	symMu   sync.Mutex
	symbols map[string]*symbolState
}

type accountState struct {
	mu sync.Mutex
	// pending holds accepted market fills in submission order.
	pending []*pendingFill
}

type pendingFill struct {
	orderID string
	exec    execution
	done    bool
	order   model.Order
	err     error
}

type symbolState struct {
	mu   sync.Mutex
	last time.Time
}

func NewService(d Deps, cfg Config) *Service {
	if d.Log == nil {
		d.Log = logging.Discard()
	}
	if d.Sink == nil {
		d.Sink = events.Discard{}
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	return &Service{
		repo:      d.Repo,
		feed:      d.Feed,
		risk:      d.Risk,
		positions: d.Positions,
		ledger:    d.Ledger,
		accounts:  d.Accounts,
		sink:      d.Sink,
		clock:     d.Clock,
		log:       d.Log,
		cfg:       cfg,
		states:    make(map[string]*accountState),
		symbols:   make(map[string]*symbolState),
	}
}

// lock returns the account's state with its mutex held.
func (s *Service) lock(accountID string) *accountState {
	s.mu.Lock()
	st, ok := s.states[accountID]
	if !ok {
		st = &accountState{}
		s.states[accountID] = st
	}
	s.mu.Unlock()
	st.mu.Lock()
	return st
}

func (s *Service) symbol(symbol string) *symbolState {
	s.symMu.Lock()
	defer s.symMu.Unlock()
	st, ok := s.symbols[symbol]
	if !ok {
		st = &symbolState{}
		s.symbols[symbol] = st
	}
	return st
}

type OrderRequest struct {
	ClientOrderID string            `json:"client_order_id"`
	Symbol        string            `json:"symbol"`
	Side          types.OrderSide   `json:"side"`
	Type          types.OrderType   `json:"type"`
	Quantity      decimal.Decimal   `json:"quantity"`
	Price         *decimal.Decimal  `json:"price"`
	StopPrice     *decimal.Decimal  `json:"stop_price"`
	TimeInForce   types.TimeInForce `json:"time_in_force"`
	ExpiresAt     *time.Time        `json:"expires_at"`
	StopLoss      *decimal.Decimal  `json:"stop_loss"`
	TakeProfit    *decimal.Decimal  `json:"take_profit"`
}

func (r *OrderRequest) normalize() {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.ClientOrderID = strings.TrimSpace(r.ClientOrderID)
	if r.TimeInForce == "" {
		r.TimeInForce = types.TimeInForceGTC
	}
}

func (r OrderRequest) validate(now time.Time) error {
	const op = "orders.CreateOrder"
	if r.Symbol == "" {
		return apperr.Validation(op, "symbol is required")
	}
	if !r.Side.Valid() {
		return apperr.Validation(op, "invalid side %q", r.Side)
	}
	if !r.Type.Valid() {
		return apperr.Validation(op, "invalid type %q", r.Type)
	}
	if !r.TimeInForce.Valid() {
		return apperr.Validation(op, "invalid time_in_force %q", r.TimeInForce)
	}
	if !r.Quantity.IsPositive() {
		return apperr.Validation(op, "quantity must be positive")
	}
	needsPrice := r.Type == types.OrderTypeLimit || r.Type == types.OrderTypeStopLimit
	needsStop := r.Type == types.OrderTypeStop || r.Type == types.OrderTypeStopLimit
	if needsPrice && (r.Price == nil || !r.Price.IsPositive()) {
		return apperr.Validation(op, "price required for %s order", r.Type)
	}
	if !needsPrice && r.Price != nil {
		return apperr.Validation(op, "price not allowed for %s order", r.Type)
	}
	if needsStop && (r.StopPrice == nil || !r.StopPrice.IsPositive()) {
		return apperr.Validation(op, "stop_price required for %s order", r.Type)
	}
	if !needsStop && r.StopPrice != nil {
		return apperr.Validation(op, "stop_price not allowed for %s order", r.Type)
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
		return apperr.Validation(op, "expires_at must be in the future")
	}
	return positions.ValidateProtection(r.Side.PositionSide(), r.StopLoss, r.TakeProfit)
}

// submission is an order plus the fields only the engine sets.
type submission struct {
	OrderRequest
	reason     types.OrderReason
	positionID string
	// bypassRisk is set for closing orders placed by close, trigger and
	// emergency paths.
	bypassRisk bool
}

// CreateOrder validates, risk-checks and places an order. Market orders and
// immediately marketable orders are filled after the execution delay and
// returned filled; other orders are returned resting.
//
// A rejected order is persisted REJECTED and returned together with the
// error: a *risk.RejectedError for risk violations, ErrExternalFeed when no
// price could be obtained.
func (s *Service) CreateOrder(ctx context.Context, accountID string, req OrderRequest) (model.Order, error) {
	req.normalize()
	if err := req.validate(s.clock.Now()); err != nil {
		return model.Order{}, err
	}
	return s.submit(ctx, accountID, submission{OrderRequest: req, reason: types.OrderReasonManual})
}

func (s *Service) submit(ctx context.Context, accountID string, sub submission) (model.Order, error) {
	st := s.lock(accountID)
	o, p, err := s.accept(ctx, accountID, sub)
	if err != nil || p == nil {
		st.mu.Unlock()
		return o, err
	}
	st.pending = append(st.pending, p)
	st.mu.Unlock()

	// The delay runs without the account lock. A cancelled context still
	// completes the fill: the order is already accepted.
	if err := s.clock.Sleep(ctx, s.cfg.ExecutionDelay); err != nil {
		s.log.Debug("execution delay interrupted", "order_id", o.ID, "err", err)
	}
	fillCtx := context.WithoutCancel(ctx)
	st.mu.Lock()
	s.drain(fillCtx, st, p)
	st.mu.Unlock()
	return p.order, p.err
}

// drain fills pending orders in submission order up to and including upto,
// or the whole queue when upto is nil. The caller holds st.mu.
func (s *Service) drain(ctx context.Context, st *accountState, upto *pendingFill) {
	for len(st.pending) > 0 && (upto == nil || !upto.done) {
		p := st.pending[0]
		st.pending = st.pending[1:]
		p.order, p.err = s.fill(ctx, p.orderID, p.exec)
		p.done = true
	}
}

// accept runs with the account lock held. It returns a pending fill when the
// order is to be executed now.
func (s *Service) accept(ctx context.Context, accountID string, sub submission) (model.Order, *pendingFill, error) {
	const op = "orders.CreateOrder"
	acc, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return model.Order{}, nil, err
	}
	if !acc.IsActive && !sub.bypassRisk {
		return model.Order{}, nil, apperr.Inactive(op, accountID)
	}
	if sub.ClientOrderID != "" {
		live, err := s.repo.ListOrders(ctx, store.OrderFilter{AccountID: accountID, Statuses: store.LiveOrderStatuses})
		if err != nil {
			return model.Order{}, nil, apperr.Persistence(op, err)
		}
		for _, o := range live {
			if o.ClientOrderID == sub.ClientOrderID {
				return model.Order{}, nil, apperr.Validation(op, "client_order_id %q is already live as %s", sub.ClientOrderID, o.ID)
			}
		}
	}

	o := s.newOrder(accountID, sub.OrderRequest, sub.reason, sub.positionID)
	q, err := s.feed.Quote(ctx, o.Symbol)
	if err != nil {
		o = s.reject(ctx, o, RejectPriceUnavailable)
		s.log.Warn("order rejected, no price", "order_id", o.ID, "account_id", accountID, "symbol", o.Symbol, "err", err)
		return o, nil, apperr.Feed(op, o.Symbol, err)
	}

	if !sub.bypassRisk {
		in := risk.Intent{
			Symbol:     o.Symbol,
			Side:       o.Side,
			Quantity:   o.Quantity,
			Price:      referencePrice(o, q.Price),
			StopLoss:   o.StopLoss,
			TakeProfit: o.TakeProfit,
		}
		res, err := s.risk.CheckPreTradeRisk(ctx, accountID, in)
		if err != nil {
			return model.Order{}, nil, err
		}
		if !res.Approved {
			o = s.reject(ctx, o, RejectRisk)
			s.log.Info("order rejected by risk check", "order_id", o.ID, "account_id", accountID, "symbol", o.Symbol, "violations", len(res.Violations))
			return o, nil, &risk.RejectedError{Violations: res.Violations}
		}
		if !res.ReduceOnly {
			o.ReservedMargin = res.PositionValue.Mul(s.risk.MarginRate())
		}
	}

	price, marketable := s.marketable(&o, q.Price)
	if !marketable && (o.TimeInForce == types.TimeInForceIOC || o.TimeInForce == types.TimeInForceFOK) {
		o.ReservedMargin = decimal.Zero
		o.Cancel(o.CreatedAt)
		if err := s.insert(ctx, o, decimal.Zero); err != nil {
			return model.Order{}, nil, err
		}
		s.publishOrder(o, nil)
		return o, nil, nil
	}
	if err := s.insert(ctx, o, o.ReservedMargin); err != nil {
		return model.Order{}, nil, err
	}
	s.publishOrder(o, nil)
	if !marketable {
		s.log.Info("order resting", "order_id", o.ID, "account_id", accountID, "symbol", o.Symbol, "type", o.Type)
		return o, nil, nil
	}
	return o, &pendingFill{orderID: o.ID, exec: execution{market: q.Price, price: price, stale: q.Stale, triggered: o.StopTriggered}}, nil
}

func (s *Service) newOrder(accountID string, req OrderRequest, reason types.OrderReason, positionID string) model.Order {
	now := s.clock.Now()
	o := model.Order{
		ID:                model.NewID(),
		AccountID:         accountID,
		ClientOrderID:     req.ClientOrderID,
		Symbol:            req.Symbol,
		Side:              req.Side,
		Type:              req.Type,
		TimeInForce:       req.TimeInForce,
		Status:            types.OrderStatusNew,
		Quantity:          req.Quantity,
		Price:             req.Price,
		StopPrice:         req.StopPrice,
		RemainingQuantity: req.Quantity,
		StopLoss:          req.StopLoss,
		TakeProfit:        req.TakeProfit,
		Reason:            reason,
		PositionID:        positionID,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         req.ExpiresAt,
	}
	if o.ExpiresAt == nil && o.TimeInForce == types.TimeInForceDay {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		o.ExpiresAt = &midnight
	}
	return o
}

func referencePrice(o model.Order, market decimal.Decimal) *decimal.Decimal {
	switch {
	case o.Price != nil:
		return o.Price
	case o.StopPrice != nil && !stopHit(o.Side, *o.StopPrice, market):
		return o.StopPrice
	}
	return &market
}

// insert stores a new order and reserves its margin atomically.
func (s *Service) insert(ctx context.Context, o model.Order, margin decimal.Decimal) error {
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		if margin.IsPositive() {
			if _, err := s.ledger.ApplyBalanceDelta(ctx, tx, o.AccountID, types.BalanceDeltaMargin, margin); err != nil {
				return err
			}
		}
		return nil
	})
	return apperr.Persistence("orders.insert", err)
}

// reject persists o as REJECTED. A failure to persist is logged; the caller
// reports the rejection either way.
func (s *Service) reject(ctx context.Context, o model.Order, reason string) model.Order {
	o.ReservedMargin = decimal.Zero
	o.Reject(reason, s.clock.Now())
	if err := s.insert(ctx, o, decimal.Zero); err != nil {
		s.log.Error("persist rejected order", "order_id", o.ID, "err", err)
		return o
	}
	s.publishOrder(o, nil)
	return o
}

// CancelOrder cancels a live order and releases its reserved margin. It
// returns false when the order is already terminal.
func (s *Service) CancelOrder(ctx context.Context, accountID, orderID string) (bool, error) {
	st := s.lock(accountID)
	defer st.mu.Unlock()
	if _, err := s.GetOrder(ctx, accountID, orderID); err != nil {
		return false, err
	}
	_, changed, err := s.settle(ctx, orderID, func(o *model.Order, now time.Time) bool {
		return o.Cancel(now)
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.log.Info("order canceled", "order_id", orderID, "account_id", accountID)
	}
	return changed, nil
}

// CancelOpenOrders cancels every live order of the account.
func (s *Service) CancelOpenOrders(ctx context.Context, accountID string) (int, error) {
	st := s.lock(accountID)
	defer st.mu.Unlock()
	live, err := s.repo.ListOrders(ctx, store.OrderFilter{AccountID: accountID, Statuses: store.LiveOrderStatuses})
	if err != nil {
		return 0, apperr.Persistence("orders.CancelOpenOrders", err)
	}
	n := 0
	var errs []error
	for _, o := range live {
		_, changed, err := s.settle(ctx, o.ID, func(o *model.Order, now time.Time) bool {
			return o.Cancel(now)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (s *Service) GetOrder(ctx context.Context, accountID, orderID string) (model.Order, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Order{}, apperr.NotFound("orders.GetOrder", "order", orderID)
		}
		return model.Order{}, apperr.Persistence("orders.GetOrder", err)
	}
	if o.AccountID != accountID {
		return model.Order{}, apperr.NotFound("orders.GetOrder", "order", orderID)
	}
	return o, nil
}

type ListFilter struct {
	Symbol   string
	Statuses []types.OrderStatus
	// Live restricts the result to non-terminal orders.
	Live  bool
	Limit int
}

// ListOrders returns the account's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, accountID string, f ListFilter) ([]model.Order, error) {
	statuses := f.Statuses
	if f.Live {
		statuses = store.LiveOrderStatuses
	}
	out, err := s.repo.ListOrders(ctx, store.OrderFilter{
		AccountID: accountID,
		Symbol:    strings.ToUpper(f.Symbol),
		Statuses:  statuses,
		Newest:    true,
		Limit:     f.Limit,
	})
	if err != nil {
		return nil, apperr.Persistence("orders.ListOrders", err)
	}
	return out, nil
}
