// Command creditd serves the credit API over a configurable ledger backend.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mihaimyh/gocredit/internal/config"
	"github.com/mihaimyh/gocredit/pkg/api"
	"github.com/mihaimyh/gocredit/pkg/gocredit"
	zerologadapter "github.com/mihaimyh/gocredit/pkg/gocredit/logger/zerolog"
	prommetrics "github.com/mihaimyh/gocredit/pkg/gocredit/metrics/prometheus"
)

const cleanupInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("failed to load config")
	}

	zlog := newRootLogger(cfg)
	if err := run(cfg, zlog); err != nil {
		zlog.Fatal().Err(err).Msg("creditd stopped")
	}
}

// newRootLogger writes readable console output in development and JSON otherwise
func newRootLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var zlog zerolog.Logger
	if cfg.IsDevelopment() {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zlog = zerolog.New(os.Stdout)
	}
	return zlog.Level(level).With().Timestamp().Str("service", "creditd").Logger()
}

func run(cfg *config.Config, zlog zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerologadapter.NewLogger(zlog)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.NewMetrics(reg, "gocredit")

	ledger, closeLedger, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	if err := seedUsers(ctx, ledger, cfg, zlog); err != nil {
		return err
	}

	handler, err := api.NewHandler(api.Config{
		Ledger:          ledger,
		Secret:          []byte(cfg.JWTSecret),
		SearchLimit:     cfg.SearchLimit,
		ClientRateLimit: rate.Limit(cfg.ClientRateLimit),
		ClientBurst:     cfg.ClientBurst,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Mount("/", handler)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go runCleanup(ctx, ledger, zlog)

	errCh := make(chan error, 1)
	go func() {
		zlog.Info().Str("addr", srv.Addr).Str("storage", cfg.Storage).Msg("creditd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zlog.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// seedUsers creates the configured users and, in development, logs a bearer token for each
func seedUsers(ctx context.Context, ledger gocredit.Ledger, cfg *config.Config, zlog zerolog.Logger) error {
	for _, seed := range cfg.SeedUsers {
		if _, err := ledger.GetUser(ctx, seed.ID); err == nil {
			continue
		} else if !errors.Is(err, gocredit.ErrUserNotFound) {
			return err
		}

		if err := ledger.UpsertUser(ctx, &gocredit.User{
			ID:      seed.ID,
			Balance: seed.Balance,
			IsAdmin: seed.IsAdmin,
		}); err != nil {
			return err
		}

		event := zlog.Info().Str("user_id", seed.ID).Int("balance", seed.Balance).Bool("admin", seed.IsAdmin)
		if cfg.IsDevelopment() {
			token, err := api.IssueToken([]byte(cfg.JWTSecret), seed.ID, seed.IsAdmin, 24*time.Hour)
			if err != nil {
				return err
			}
			event = event.Str("token", token)
		}
		event.Msg("seeded user")
	}
	return nil
}

// cleaner is implemented by ledgers that expire idempotency keys on demand
type cleaner interface {
	Cleanup(ctx context.Context) error
}

func runCleanup(ctx context.Context, ledger gocredit.Ledger, zlog zerolog.Logger) {
	c, ok := ledger.(cleaner)
	if !ok {
		return
	}

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Cleanup(ctx); err != nil {
				zlog.Warn().Err(err).Msg("idempotency key cleanup failed")
			}
		}
	}
}
