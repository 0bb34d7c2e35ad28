package accounts

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"lv-paperdesk/internal/apperr"
	"lv-paperdesk/internal/clock"
	"lv-paperdesk/internal/events"
	"lv-paperdesk/internal/logging"
	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/store"

	"github.com/shopspring/decimal"
)

type Defaults struct {
	Currency       string
	InitialBalance decimal.Decimal
	RiskProfile    model.RiskProfile
}

type Service struct {
	repo     store.Repository
	clock    clock.Clock
	sink     events.Sink
	log      *slog.Logger
	defaults Defaults

	// profiles is a read-through cache in front of the repository. A fill
	// is dropped when gens moved while the repository read was in flight.
	mu       sync.RWMutex
	profiles map[string]model.RiskProfile
	gens     map[string]uint64
}

func NewService(repo store.Repository, clk clock.Clock, sink events.Sink, log *slog.Logger, defaults Defaults) *Service {
	if defaults.Currency == "" {
		defaults.Currency = "USD"
	}
	if log == nil {
		log = logging.Discard()
	}
	if sink == nil {
		sink = events.Discard{}
	}
	return &Service{
		repo:     repo,
		clock:    clk,
		sink:     sink,
		log:      log,
		defaults: defaults,
		profiles: make(map[string]model.RiskProfile),
		gens:     make(map[string]uint64),
	}
}

type CreateRequest struct {
	Currency       string             `json:"currency"`
	InitialBalance *decimal.Decimal   `json:"initial_balance"`
	RiskProfile    *model.RiskProfile `json:"risk_profile"`
}

func (s *Service) Create(ctx context.Context, userID string, req CreateRequest) (model.Account, error) {
	const op = "accounts.Create"
	if strings.TrimSpace(userID) == "" {
		return model.Account{}, apperr.Validation(op, "user_id is required")
	}
	balance := s.defaults.InitialBalance
	if req.InitialBalance != nil {
		balance = *req.InitialBalance
	}
	if !balance.IsPositive() {
		return model.Account{}, apperr.Validation(op, "initial_balance must be positive")
	}
	profile := s.defaults.RiskProfile.Clone()
	if req.RiskProfile != nil {
		if err := ValidateRiskProfile(*req.RiskProfile); err != nil {
			return model.Account{}, err
		}
		profile = req.RiskProfile.Clone()
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.defaults.Currency
	}
	now := s.clock.Now()
	acc := model.Account{
		ID:               model.NewID(),
		UserID:           userID,
		Currency:         currency,
		InitialBalance:   balance,
		CurrentBalance:   balance,
		AvailableBalance: balance,
		RiskProfile:      profile,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertAccount(ctx, acc)
	})
	if err != nil {
		return model.Account{}, apperr.Persistence(op, err)
	}
	s.log.Info("account created", "account_id", acc.ID, "user_id", userID, "balance", balance.String())
	s.publish(acc)
	return acc, nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Account, error) {
	acc, err := s.repo.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Account{}, apperr.NotFound("accounts.Get", "account", id)
		}
		return model.Account{}, apperr.Persistence("accounts.Get", err)
	}
	return acc, nil
}

// GetOwned returns the account only when userID owns it; other owners see
// not found.
func (s *Service) GetOwned(ctx context.Context, userID, id string) (model.Account, error) {
	acc, err := s.Get(ctx, id)
	if err != nil {
		return model.Account{}, err
	}
	if acc.UserID != userID {
		return model.Account{}, apperr.NotFound("accounts.GetOwned", "account", id)
	}
	return acc, nil
}

func (s *Service) List(ctx context.Context, userID string) ([]model.Account, error) {
	out, err := s.repo.ListAccounts(ctx, userID)
	if err != nil {
		return nil, apperr.Persistence("accounts.List", err)
	}
	return out, nil
}

// RiskProfile returns the account's limits, served from cache after the
// first read.
func (s *Service) RiskProfile(ctx context.Context, accountID string) (model.RiskProfile, error) {
	s.mu.RLock()
	p, ok := s.profiles[accountID]
	gen := s.gens[accountID]
	s.mu.RUnlock()
	if ok {
		return p.Clone(), nil
	}
	acc, err := s.Get(ctx, accountID)
	if err != nil {
		return model.RiskProfile{}, err
	}
	s.mu.Lock()
	if s.gens[accountID] == gen {
		s.profiles[accountID] = acc.RiskProfile.Clone()
	}
	s.mu.Unlock()
	return acc.RiskProfile, nil
}

func (s *Service) UpdateRiskProfile(ctx context.Context, accountID string, profile model.RiskProfile) (model.Account, error) {
	const op = "accounts.UpdateRiskProfile"
	if err := ValidateRiskProfile(profile); err != nil {
		return model.Account{}, err
	}
	var out model.Account
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		acc, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound(op, "account", accountID)
			}
			return err
		}
		acc.RiskProfile = profile.Clone()
		acc.UpdatedAt = s.clock.Now()
		if err := tx.UpdateAccount(ctx, acc); err != nil {
			return err
		}
		out = acc
		return nil
	})
	s.invalidate(accountID)
	if err != nil {
		return model.Account{}, apperr.Persistence(op, err)
	}
	s.publish(out)
	return out, nil
}

// Deactivate marks the account inactive. Inactive accounts keep their
// history but accept no new orders.
func (s *Service) Deactivate(ctx context.Context, accountID string) (model.Account, error) {
	const op = "accounts.Deactivate"
	var out model.Account
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		acc, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound(op, "account", accountID)
			}
			return err
		}
		acc.IsActive = false
		acc.UpdatedAt = s.clock.Now()
		if err := tx.UpdateAccount(ctx, acc); err != nil {
			return err
		}
		out = acc
		return nil
	})
	if err != nil {
		return model.Account{}, apperr.Persistence(op, err)
	}
	s.log.Warn("account deactivated", "account_id", accountID)
	s.publish(out)
	return out, nil
}

func (s *Service) invalidate(accountID string) {
	s.mu.Lock()
	delete(s.profiles, accountID)
	s.gens[accountID]++
	s.mu.Unlock()
}

func (s *Service) publish(acc model.Account) {
	s.sink.Publish(events.Event{
		Type:      events.TopicAccount,
		AccountID: acc.ID,
		At:        acc.UpdatedAt,
		Data: events.AccountUpdate{
			Balance: acc.CurrentBalance,
			Equity:  acc.CurrentBalance,
		},
	})
}

func ValidateRiskProfile(p model.RiskProfile) error {
	const op = "accounts.ValidateRiskProfile"
	hundred := decimal.NewFromInt(100)
	percents := []struct {
		name string
		v    decimal.Decimal
	}{
		{"max_account_risk_percent", p.MaxAccountRiskPercent},
		{"max_daily_loss_percent", p.MaxDailyLossPercent},
		{"max_drawdown_percent", p.MaxDrawdownPercent},
	}
	for _, f := range percents {
		if !f.v.IsPositive() || f.v.GreaterThan(hundred) {
			return apperr.Validation(op, "%s must be in (0, 100]", f.name)
		}
	}
	if !p.MaxPositionValue.IsPositive() {
		return apperr.Validation(op, "max_position_value must be positive")
	}
	if !p.MaxLeverage.IsPositive() {
		return apperr.Validation(op, "max_leverage must be positive")
	}
	if p.MaxOpenPositions <= 0 {
		return apperr.Validation(op, "max_open_positions must be positive")
	}
	for _, sym := range p.AllowedSymbols {
		allowed, blocked := p.SymbolAllowed(sym)
		if allowed && blocked {
			return apperr.Validation(op, "symbol %s is both allowed and blocked", sym)
		}
	}
	return nil
}
