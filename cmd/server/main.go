package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/copyflow/signal-engine/internal/alert"
	"github.com/copyflow/signal-engine/internal/api"
	"github.com/copyflow/signal-engine/internal/config"
	"github.com/copyflow/signal-engine/internal/distributor"
	"github.com/copyflow/signal-engine/internal/engine"
	"github.com/copyflow/signal-engine/internal/exchange"
	"github.com/copyflow/signal-engine/internal/ledger"
	"github.com/copyflow/signal-engine/internal/metrics"
	"github.com/copyflow/signal-engine/internal/monitor"
	"github.com/copyflow/signal-engine/internal/reconciler"
	"github.com/copyflow/signal-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(context.Background(), pool); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Redis price cache (optional) ---
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis price cache enabled")
	}
	prices := exchange.NewPriceCache(rdb)

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Core services ---
	alerts := alert.New(logger, nil)
	sessions := exchange.NewSessionCache(exchange.KrakenDialer)
	led := ledger.New(st, logger)
	dist := distributor.New(st, logger, alerts)

	wsHub := api.NewWSHub()
	go wsHub.Run()

	exec := engine.New(st, dist, led, sessions, alerts, wsHub, logger, engine.Config{
		Interval:    cfg.ExecutionInterval,
		BatchSize:   cfg.BatchSize,
		BatchDelay:  cfg.BatchDelay,
		SettleDelay: cfg.SettleDelay,
	})
	mon := monitor.New(st, led, sessions, prices, alerts, wsHub, logger, monitor.Config{
		Interval:   cfg.MonitorInterval,
		BatchSize:  cfg.BatchSize,
		BatchDelay: cfg.BatchDelay,
	})
	rec := reconciler.New(st, sessions, alerts, logger, reconciler.Config{
		Interval:   cfg.ReconcileInterval,
		BatchSize:  cfg.BatchSize,
		BatchDelay: cfg.BatchDelay,
	})

	apiSvc := api.NewService(st, dist, wsHub, cfg.MasterKey, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"signal-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", apiSvc.Routes)

	// --- Background loops ---
	loopCtx, stopLoops := context.WithCancel(context.Background())
	go func() {
		// Readiness barrier: let dependencies and the venue settle before
		// trading starts.
		slog.Info("waiting before starting loops", "delay", cfg.StartupDelay.String())
		select {
		case <-time.After(cfg.StartupDelay):
		case <-loopCtx.Done():
			return
		}
		go exec.Run(loopCtx)
		go mon.Run(loopCtx)
		go rec.Run(loopCtx)
	}()

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("signal-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown. Loops stop cooperatively; an in-flight bracket is
	// not rolled back — the pre-trade exposure check catches partials on
	// the next start.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopLoops()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down signal-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("signal-engine stopped")
}
