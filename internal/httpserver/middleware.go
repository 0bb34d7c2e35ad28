package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"lv-paperdesk/internal/auth"
	"lv-paperdesk/internal/httputil"
	"lv-paperdesk/internal/model"

	"github.com/go-chi/chi/v5"
)

type ctxKey string

const userIDKey ctxKey = "user_id"

// TokenParser resolves a bearer token to a user id.
type TokenParser interface {
	ParseToken(token string) (string, error)
}

// AccountOwner loads an account only for its owner.
type AccountOwner interface {
	GetOwned(ctx context.Context, userID, id string) (model.Account, error)
}

// OperatorChecker verifies the operator password.
type OperatorChecker interface {
	CheckOperator(password string) error
}

func WithAuth(svc TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			parts := strings.SplitN(authz, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "missing bearer token"})
				return
			}
			userID, err := svc.ParseToken(strings.TrimSpace(parts[1]))
			if err != nil {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid token"})
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func UserID(r *http.Request) (string, bool) {
	v := r.Context().Value(userIDKey)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

// withUser adapts a handler that needs the authenticated user id.
func withUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserID(r)
		if !ok {
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
			return
		}
		h(w, r, userID)
	}
}

// RequireOwner rejects requests for an {accountID} the caller does not own.
// Foreign accounts look the same as missing ones.
func RequireOwner(accounts AccountOwner) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserID(r)
			if !ok {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
				return
			}
			if _, err := accounts.GetOwned(r.Context(), userID, chi.URLParam(r, "accountID")); err != nil {
				httputil.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

const operatorHeader = "X-Operator-Password"

// OperatorAuth guards operator routes with the bcrypt-checked operator
// password. When no password hash is configured the routes are unavailable.
func OperatorAuth(svc OperatorChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := svc.CheckOperator(r.Header.Get(operatorHeader))
			switch {
			case errors.Is(err, auth.ErrOperatorDisabled):
				httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{Error: err.Error()})
				return
			case err != nil:
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid operator password"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
