package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/arhyth/ledgerxgo"

	"github.com/rs/zerolog"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfp := flag.String("config", "config.yml", "path to configuration file")
	flag.Parse()
	cfgfl, err := os.Open(*cfp)
	if err != nil {
		logger.Fatal().Err(err).Msg("error opening config file")
	}
	cfg, err := ledgerxgo.LoadConfig(cfgfl)
	cfgfl.Close()
	if err != nil {
		logger.Fatal().Err(err).Msg("error loading config file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		accts ledgerxgo.AccountStore
		txns  ledgerxgo.TransactionStore
	)
	switch cfg.Database.Driver {
	case ledgerxgo.DriverPostgres:
		pg, err := ledgerxgo.NewPostgresStore(ctx, cfg.Database.ConnectionString, cfg.Database.MaxConns, cfg.Ledger.LockTimeout)
		if err != nil {
			logger.Fatal().Err(err).Msg("error starting database")
		}
		defer pg.Close()
		if err = pg.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("error migrating database")
		}
		accts, txns = pg.Accounts(), pg.Transactions()
	default:
		accts = ledgerxgo.NewMemAccountStore(cfg.Ledger.LockTimeout)
		txns = ledgerxgo.NewMemTransactionStore()
	}

	engine, err := ledgerxgo.NewLedgerEngine(accts, txns, cfg.EngineConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("error starting service")
	}
	svc := ledgerxgo.Chain(engine,
		ledgerxgo.NewValidationMiddleware(cfg.MaxAmount(), cfg.Ledger.MaxDescription),
		ledgerxgo.NewLimitMiddleware(ledgerxgo.NewServiceLimits(cfg.Limits.Mutations, cfg.Limits.Queries, cfg.Limits.Wait)),
		ledgerxgo.NewCircuitBreakMiddleware(ledgerxgo.NewServiceBreaker(cfg.BreakerSettings(), &logger)),
	)
	hndlr := ledgerxgo.NewHTTPHandler(svc, &logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      hndlr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Str("driver", cfg.Database.Driver).
			Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err = srv.Shutdown(shutCtx); err != nil {
		logger.Err(err).Msg("error during shutdown")
	}
}
