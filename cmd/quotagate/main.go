// Command quotagate runs the quota gate as an HTTP service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotagate"
	"github.com/ineyio/quotagate/cache"
	redisstore "github.com/ineyio/quotagate/cache/redis"
	"github.com/ineyio/quotagate/gatehttp"
	"github.com/ineyio/quotagate/ledger"
	"github.com/ineyio/quotagate/ledger/postgres"
	"github.com/ineyio/quotagate/ledger/sqlite"
	"github.com/ineyio/quotagate/meter"
	"github.com/ineyio/quotagate/token"
)

func main() {
	configPath := flag.String("config", "quotagate.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := quotagate.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log.Level)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("quotagate stopped", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, cfg quotagate.Config, log *slog.Logger) error {
	qc, closeCache, err := openCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer closeCache()

	led, closeLedger, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	defer closeLedger()

	for _, p := range cfg.Pricing {
		if err := led.SetPricing(ctx, p); err != nil {
			return fmt.Errorf("seed pricing %s/%s: %w", p.Application, p.Tier, err)
		}
	}

	var tokenOpts []token.Option
	if cfg.Token.DefaultTTL > 0 {
		tokenOpts = append(tokenOpts, token.WithDefaultTTL(cfg.Token.DefaultTTL))
	}
	signer, err := token.FromConfig(cfg.Token, tokenOpts...)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom, err := meter.NewPromMeter(reg)
	if err != nil {
		return err
	}

	gate, err := quotagate.NewGate(qc, led,
		quotagate.WithSigner(signer),
		quotagate.WithVerifier(signer),
		quotagate.WithMeter(meter.Multi{meter.NewLogMeter(log), prom}),
		quotagate.WithLogger(log),
		quotagate.WithDefaultValidity(cfg.Subscription.DefaultValidity),
	)
	if err != nil {
		return err
	}

	sweeper := quotagate.NewSweeper(gate.Reconciler(),
		quotagate.WithSweepInterval(cfg.Sweep.Interval),
		quotagate.WithSweepConcurrency(cfg.Sweep.Concurrency),
		quotagate.WithSweepLogger(log),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newRouter(gate, reg, cfg.HTTP.Metrics, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("HTTP server starting", "addr", cfg.HTTP.Addr, "ledger", cfg.Ledger.Driver, "token_alg", signer.Algorithm())
	if err := serve(ctx, srv, func(ctx context.Context) { _ = sweeper.Run(ctx) }, log); err != nil {
		return err
	}

	// Fold outstanding consumption before exiting.
	sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := sweeper.Sweep(sweepCtx)
	if err != nil {
		log.Warn("final sweep", "err", err)
	}
	log.Info("graceful shutdown complete", "reconciled", res.Reconciled, "failed", res.Failed)
	return nil
}

// serve runs srv and background until ctx is done or srv fails to serve.
// background has returned by the time serve does.
func serve(ctx context.Context, srv *http.Server, background func(context.Context), log *slog.Logger) error {
	bgCtx, stop := context.WithCancel(ctx)
	bgDone := make(chan struct{})
	go func() {
		defer close(bgDone)
		background(bgCtx)
	}()
	defer func() {
		stop()
		<-bgDone
	}()

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	return nil
}

// AsyncResponse is the body returned by the metered dispatch route.
type AsyncResponse struct {
	RequestKey  string `json:"request_key"`
	Application string `json:"application"`
	Remaining   int64  `json:"remaining"`
}

func newRouter(gate *quotagate.Gate, reg *prometheus.Registry, metrics bool, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		status := http.StatusOK
		if !gate.Health().Healthy() {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(healthBody(gate.Health().Snapshot()))
	})
	if metrics {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	h := gatehttp.New(gate, gatehttp.WithLogger(log))
	h.Register(r)

	// Metered requests are accepted for asynchronous processing by the application backend.
	r.With(h.Meter("application")).Post("/async/{application}", func(w http.ResponseWriter, r *http.Request) {
		d, _ := gatehttp.DecisionFromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(AsyncResponse{
			RequestKey:  uuid.NewString(),
			Application: d.Claims.Application,
			Remaining:   d.Remaining,
		})
	})
	return r
}

func healthBody(states map[string]quotagate.HealthState) map[string]quotagate.HealthState {
	out := map[string]quotagate.HealthState{
		quotagate.BackendCache:  quotagate.HealthHealthy,
		quotagate.BackendLedger: quotagate.HealthHealthy,
	}
	for name, state := range states {
		out[name] = state
	}
	return out
}

func openCache(ctx context.Context, cfg quotagate.CacheConfig) (quotagate.QuotaCache, func(), error) {
	if cfg.URL == "" {
		return cache.NewMemory(), func() {}, nil
	}

	opt, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("cache url: %w", err)
	}
	client := goredis.NewClient(opt)

	var opts []redisstore.Option
	if cfg.KeyPrefix != "" {
		opts = append(opts, redisstore.WithKeyPrefix(cfg.KeyPrefix))
	}
	store := redisstore.New(client, opts...)
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, func() { _ = client.Close() }, nil
}

func openLedger(ctx context.Context, cfg quotagate.LedgerConfig) (quotagate.Ledger, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("ledger: %w", err)
		}
		store := postgres.New(pool)
		if err := store.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	case "sqlite":
		store, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return ledger.NewMemory(), func() {}, nil
	}
}
