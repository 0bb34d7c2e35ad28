package httpserver

import (
	"net/http"

	"lv-paperdesk/internal/accounts"
	"lv-paperdesk/internal/auth"
	"lv-paperdesk/internal/health"
	"lv-paperdesk/internal/ledger"
	"lv-paperdesk/internal/marketdata"
	"lv-paperdesk/internal/orders"
	"lv-paperdesk/internal/risk"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterDeps struct {
	AuthHandler     *auth.Handler
	AccountsHandler *accounts.Handler
	LedgerHandler   *ledger.Handler
	OrderHandler    *orders.Handler
	RiskHandler     *risk.Handler
	MarketHandler   *marketdata.Handler
	HealthHandler   *health.Handler
	Tokens          TokenParser
	Operator        OperatorChecker
	Accounts        AccountOwner
	RateLimiter     *RateLimiter
	AllowedOrigin   string
	WSHandler       http.Handler
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors(d.AllowedOrigin))
	r.Use(SecurityHeaders)
	if d.RateLimiter != nil {
		r.Use(d.RateLimiter.Middleware)
	}

	r.Get("/health", d.HealthHandler.Ready)
	r.Get("/health/live", d.HealthHandler.Live)
	r.Get("/health/ready", d.HealthHandler.Ready)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/market/prices/{symbol}", d.MarketHandler.Price)
		r.Get("/market/candles/{symbol}", d.MarketHandler.Candles)
		r.Get("/ws", d.WSHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(WithAuth(d.Tokens))
			r.Get("/me", withUser(d.AuthHandler.Me))
			r.Get("/accounts", withUser(d.AccountsHandler.List))
			r.Post("/accounts", withUser(d.AccountsHandler.Create))

			r.Route("/accounts/{accountID}", func(r chi.Router) {
				r.Use(RequireOwner(d.Accounts))
				r.Get("/", withUser(d.AccountsHandler.Get))
				r.Put("/risk-profile", withUser(d.AccountsHandler.UpdateRiskProfile))
				r.Get("/equity", withUser(d.LedgerHandler.Equity))
				r.Get("/portfolio", withUser(d.OrderHandler.Portfolio))

				r.Post("/orders", withUser(d.OrderHandler.Create))
				r.Get("/orders", withUser(d.OrderHandler.List))
				r.Get("/orders/{orderID}", withUser(d.OrderHandler.Get))
				r.Delete("/orders/{orderID}", withUser(d.OrderHandler.Cancel))

				r.Get("/positions", withUser(d.OrderHandler.Positions))
				r.Post("/positions/{positionID}/close", withUser(d.OrderHandler.ClosePosition))
				r.Put("/positions/{positionID}/protection", withUser(d.OrderHandler.UpdateProtection))

				r.Post("/risk/check", withUser(d.RiskHandler.Check))
				r.Get("/risk/portfolio", withUser(d.RiskHandler.Portfolio))
				r.Get("/risk/report", withUser(d.RiskHandler.Report))
				r.Post("/risk/size", withUser(d.RiskHandler.Size))
			})
		})

		r.Route("/operator", func(r chi.Router) {
			r.Use(OperatorAuth(d.Operator))
			r.Post("/tokens", d.AuthHandler.IssueToken)
			r.Get("/health", d.HealthHandler.Full)
			r.Post("/accounts/{accountID}/emergency-stop", d.RiskHandler.EmergencyStop)
			r.Post("/accounts/{accountID}/reduce", d.RiskHandler.Reduce)
			r.Post("/accounts/{accountID}/liquidate", d.RiskHandler.Liquidate)
		})
	})
	return r
}

func cors(allowed string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && allowOrigin(r, allowed) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+operatorHeader)
				w.Header().Set("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
