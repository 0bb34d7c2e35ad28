package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"lv-paperdesk/internal/accounts"
	"lv-paperdesk/internal/auth"
	"lv-paperdesk/internal/clock"
	"lv-paperdesk/internal/config"
	"lv-paperdesk/internal/db"
	"lv-paperdesk/internal/events"
	"lv-paperdesk/internal/health"
	"lv-paperdesk/internal/httpserver"
	"lv-paperdesk/internal/ledger"
	"lv-paperdesk/internal/logging"
	"lv-paperdesk/internal/marketdata"
	"lv-paperdesk/internal/orders"
	"lv-paperdesk/internal/positions"
	"lv-paperdesk/internal/risk"
	"lv-paperdesk/internal/store"
	"lv-paperdesk/internal/ticker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)
	eng, err := config.LoadEngine(cfg.EngineConfigPath)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	clk := clock.Real()

	var repo store.Repository
	var pinger health.Pinger
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DBDSN)
		if err != nil {
			log.Fatal(err)
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			log.Fatal(err)
		}
		repo = store.NewPostgres(pool)
		pinger = pool
	default:
		repo = store.NewMemory()
	}

	bus := events.NewBus()
	simParams := make(map[string]marketdata.SymbolParams, len(eng.SimulatedFeed.Symbols))
	for sym, s := range eng.SimulatedFeed.Symbols {
		simParams[sym] = marketdata.SymbolParams{StartPrice: s.StartPrice, Volatility: s.Volatility}
	}
	sim := marketdata.NewSimulated(clk, eng.SimulatedFeed.Seed, simParams)
	feed := marketdata.NewGuarded(sim, clk, marketdata.GuardOptions{
		Timeout:     eng.PriceTimeout,
		Retries:     eng.PriceRetries,
		RetryDelay:  eng.PriceRetryDelay,
		StaleMaxAge: eng.StalePriceMaxAge,
	}, logger.With("component", "feed"))

	accountSvc := accounts.NewService(repo, clk, bus, logger.With("component", "accounts"), accounts.Defaults{
		Currency:       eng.Currency,
		InitialBalance: eng.InitialBalance,
		RiskProfile:    eng.RiskProfile(),
	})
	positionSvc := positions.NewService(repo, clk)
	ledgerSvc := ledger.NewService(repo, clk)
	riskEngine := risk.NewEngine(accountSvc, repo, feed, positionSvc, clk, eng.Leverage, logger.With("component", "risk"))
	orderSvc := orders.NewService(orders.Deps{
		Repo:      repo,
		Feed:      feed,
		Risk:      riskEngine,
		Positions: positionSvc,
		Ledger:    ledgerSvc,
		Accounts:  accountSvc,
		Sink:      bus,
		Clock:     clk,
		Log:       logger.With("component", "orders"),
	}, orders.Config{
		CommissionRate: eng.CommissionRate,
		SlippageRate:   eng.SlippageRate,
		ExecutionDelay: eng.ExecutionDelay,
	})
	responder := risk.NewResponder(repo, orderSvc, accountSvc, logger.With("component", "responder"))
	authSvc := auth.NewService(cfg.JWTIssuer, []byte(cfg.JWTSecret), cfg.JWTTTL, cfg.OperatorPasswordHash, clk)
	if !authSvc.OperatorEnabled() {
		logger.Warn("OPERATOR_PASSWORD_HASH not set, operator routes disabled")
	}

	symbols := sim.Symbols()
	sort.Strings(symbols)
	loop := ticker.New(feed, orderSvc, clk, ticker.Options{
		Interval: eng.TickInterval,
		Workers:  eng.TickWorkers,
		Symbols:  symbols,
	}, logger.With("component", "ticker"))

	router := httpserver.NewRouter(httpserver.RouterDeps{
		AuthHandler:     auth.NewHandler(authSvc),
		AccountsHandler: accounts.NewHandler(accountSvc),
		LedgerHandler:   ledger.NewHandler(ledgerSvc),
		OrderHandler:    orders.NewHandler(orderSvc),
		RiskHandler:     risk.NewHandler(riskEngine, responder),
		MarketHandler:   marketdata.NewHandler(feed, sim),
		HealthHandler:   health.NewHandler(pinger, loop, clk, cfg.StoreDriver, cfg.HTTPAddr, 10*eng.TickInterval),
		Tokens:          authSvc,
		Operator:        authSvc,
		Accounts:        accountSvc,
		RateLimiter:     httpserver.NewRateLimiter(10, 30, clk),
		AllowedOrigin:   cfg.WebSocketOrigin,
		WSHandler:       httpserver.NewWSHandler(bus, authSvc, accountSvc, cfg.WebSocketOrigin, logger.With("component", "ws")),
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	go sim.Run(ctx, eng.TickInterval)
	ticks := loop.Start(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("server listening", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver, "mode", cfg.AppMode, "symbols", symbols)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server", "err", err)
		stop()
		ticks.Stop()
		os.Exit(1)
	}
	ticks.Stop()
	logger.Info("server stopped")
}
