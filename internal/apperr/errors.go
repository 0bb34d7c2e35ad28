// Package apperr defines the error kinds surfaced by the trading core.
// Violations of risk rules are data, not errors; only RiskRejected wraps
// them when an order is refused because of them.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrExternalFeed      = errors.New("price feed unavailable")
	ErrPersistence       = errors.New("persistence error")
	ErrRiskRejected      = errors.New("rejected by risk check")
	ErrInactiveAccount   = errors.New("account is inactive")
)

type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func Validation(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(op, what, id string) error {
	return &Error{Kind: ErrNotFound, Op: op, Msg: fmt.Sprintf("%s %q not found", what, id)}
}

func InsufficientFunds(op, format string, args ...any) error {
	return &Error{Kind: ErrInsufficientFunds, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Feed(op, symbol string, err error) error {
	return &Error{Kind: ErrExternalFeed, Op: op, Msg: fmt.Sprintf("price for %s unavailable", symbol), Err: err}
}

func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: ErrPersistence, Op: op, Err: err}
}

func Inactive(op, accountID string) error {
	return &Error{Kind: ErrInactiveAccount, Op: op, Msg: fmt.Sprintf("account %q is inactive", accountID)}
}

// Code is a stable machine-readable code for err, used by the HTTP layer.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRiskRejected):
		return "risk_rejected"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrExternalFeed):
		return "price_unavailable"
	case errors.Is(err, ErrInactiveAccount):
		return "account_inactive"
	case errors.Is(err, ErrPersistence):
		return "persistence_error"
	default:
		return "internal_error"
	}
}
