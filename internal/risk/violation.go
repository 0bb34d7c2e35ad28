// Package risk evaluates orders and portfolios against an account's risk
// profile, sizes positions and runs emergency de-risking.
package risk

import (
	"errors"
	"strings"

	"lv-paperdesk/internal/apperr"
	"lv-paperdesk/internal/types"

	"github.com/shopspring/decimal"
)

type RuleID string

const (
	RuleMaxAccountRisk     RuleID = "max_account_risk"
	RuleMaxPositionValue   RuleID = "max_position_value"
	RuleMaxOpenPositions   RuleID = "max_open_positions"
	RuleStopLossRequired   RuleID = "stop_loss_required"
	RuleTakeProfitRequired RuleID = "take_profit_required"
	RuleSymbolNotAllowed   RuleID = "symbol_not_allowed"
	RuleSymbolBlocked      RuleID = "symbol_blocked"
	RuleInsufficientFunds  RuleID = "insufficient_funds"
	RuleDailyLossLimit     RuleID = "daily_loss_limit"
	RuleMaxLeverage        RuleID = "max_leverage"
	RuleMaxDrawdown        RuleID = "max_drawdown"
)

// Violation is the outcome of one failed rule. It is data, never an error.
type Violation struct {
	RuleID          RuleID          `json:"rule_id"`
	Severity        types.Severity  `json:"severity"`
	CurrentValue    decimal.Decimal `json:"current_value"`
	Threshold       decimal.Decimal `json:"threshold"`
	Message         string          `json:"message"`
	SuggestedAction string          `json:"suggested_action,omitempty"`
}

// Blocking reports whether any violation rejects an order.
func Blocking(vs []Violation) bool {
	for _, v := range vs {
		if v.Severity.Blocking() {
			return true
		}
	}
	return false
}

func hasRule(vs []Violation, id RuleID) bool {
	for _, v := range vs {
		if v.RuleID == id {
			return true
		}
	}
	return false
}

// RejectedError is returned when an order fails the pre-trade check. It
// matches apperr.ErrRiskRejected, and apperr.ErrInsufficientFunds when the
// funds rule fired.
type RejectedError struct {
	Violations []Violation
}

func (e *RejectedError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Severity.Blocking() {
			parts = append(parts, string(v.RuleID))
		}
	}
	return "order rejected by risk check: " + strings.Join(parts, ", ")
}

func (e *RejectedError) Is(target error) bool {
	if target == apperr.ErrRiskRejected {
		return true
	}
	return target == apperr.ErrInsufficientFunds && hasRule(e.Violations, RuleInsufficientFunds)
}

// Details exposes the violations to the HTTP error writer.
func (e *RejectedError) Details() any {
	return e.Violations
}

// ViolationsOf extracts the violations carried by err, if any.
func ViolationsOf(err error) []Violation {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Violations
	}
	return nil
}
