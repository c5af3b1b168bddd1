package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	httpapi "impactledger/internal/http"
	jwttoken "impactledger/internal/jwt_token"
	"impactledger/internal/ledger/handler"
	ledgermetrics "impactledger/internal/ledger/metrics"
	"impactledger/internal/ledger/service"
	"impactledger/internal/platform/config"
	"impactledger/internal/platform/httpserver"
	"impactledger/internal/platform/logger"
	httpmetrics "impactledger/internal/platform/metrics"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal/ledger.
func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("impactledger stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	infra, err := buildInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer infra.Close()

	opts := append(infra.serviceOptions(),
		service.WithLogger(log),
		service.WithMetrics(ledgermetrics.New(reg)),
	)
	svc, err := service.New(infra.store, infra.payout, opts...)
	if err != nil {
		return fmt.Errorf("build ledger service: %w", err)
	}

	if cfg.SeedDemo {
		if err := seedDemo(ctx, svc, cfg.OwnerIdentity(), log); err != nil {
			return err
		}
	}

	tokens := jwttoken.NewJWTService(cfg.JWT.SigningKey, cfg.JWT.Issuer)
	if !cfg.IsProduction() {
		logDevTokens(tokens, cfg.OwnerIdentity(), log)
	}

	router := httpapi.NewRouter(handler.New(svc, log), httpapi.Options{
		Logger:   log,
		Auth:     tokens,
		Metrics:  httpmetrics.New(reg),
		Gatherer: reg,
		Checks:   infra.checks,
	})
	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting impactledger", "addr", cfg.Addr, "store", infra.storeKind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down impactledger")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}
