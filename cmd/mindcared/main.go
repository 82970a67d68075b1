// Command mindcared serves the MindCare usage, profile and companion API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/mindcare/pkg/api"
	"github.com/mihaimyh/mindcare/pkg/billing"
	billingprom "github.com/mihaimyh/mindcare/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/mindcare/pkg/billing/stripe"
	"github.com/mihaimyh/mindcare/pkg/companion"
	"github.com/mihaimyh/mindcare/pkg/config"
	"github.com/mihaimyh/mindcare/pkg/entitlement"
	zerologadapter "github.com/mihaimyh/mindcare/pkg/entitlement/logger/zerolog"
	entitlementprom "github.com/mihaimyh/mindcare/pkg/entitlement/metrics/prometheus"
	"github.com/mihaimyh/mindcare/pkg/mood"
	"github.com/mihaimyh/mindcare/pkg/profile"
	"github.com/mihaimyh/mindcare/pkg/therapy"
)

func main() {
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the environment")
	flag.Parse()

	if err := run(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "mindcared: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	zlog := zerolog.New(os.Stdout)
	if cfg.LogFormat == "console" {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return zlog.Level(level).With().Timestamp().Str("service", "mindcared").Logger(), nil
}

func run(envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	zlog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	logger := zerologadapter.NewLogger(zlog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := entitlementprom.NewMetrics(reg, cfg.MetricsNamespace)

	backend, backends, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.close(); err != nil {
			logger.Error("closing storage failed", entitlement.Field{Key: "error", Value: err})
		}
	}()

	breaker := entitlement.NewDefaultCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerTimeout,
		func(state entitlement.CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
			logger.Warn("storage circuit breaker changed state", entitlement.Field{Key: "state", Value: string(state)})
		})
	store := entitlement.NewCircuitBreakerStore(backend, breaker)

	profiles, err := profile.NewService(store, profile.Config{
		DefaultTimezone: cfg.Timezone,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	registry, err := entitlement.NewRegistry(store, entitlement.Config{
		Limits:          cfg.Limits(),
		Location:        loc,
		Strict:          cfg.Strict,
		OverLimitPolicy: entitlement.OverLimitPolicy(cfg.OverLimitPolicy),
		SyncWrites:      cfg.SyncWrites,
		Logger:          logger,
		Metrics:         metrics,
		ErrorHandler: func(err error) {
			logger.Error("usage persistence failed", entitlement.Field{Key: "error", Value: err})
		},
	}, profiles)
	if err != nil {
		return err
	}
	profiles.NotifyTierChanges(registry)
	stopEviction := registry.StartEviction(ctx, cfg.TrackerEvictInterval, cfg.TrackerIdleTTL)

	journal, err := mood.NewJournal(store, nil)
	if err != nil {
		return err
	}

	handler, err := api.NewHandler(api.Config{
		Registry:           registry,
		Profiles:           profiles,
		AllowDirectUpgrade: cfg.DirectUpgrade(),
		Journal:            journal,
		Companion:          companion.New(nil, nil, logger),
		Studio:             &therapy.ArtStudio{},
		Calls:              &therapy.CallMeter{},
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	router.Mount("/", handler.Routes())

	if cfg.StripeWebhookSecret != "" {
		provider, err := stripe.NewProvider(stripe.Config{
			Config: billing.Config{
				Subscriptions: profiles,
				TierMapping:   cfg.TierMapping(),
				WebhookSecret: cfg.StripeWebhookSecret,
				Metrics:       billingprom.NewMetrics(reg, cfg.MetricsNamespace),
				Logger:        logger,
			},
			StripeAPIKey: cfg.StripeAPIKey,
		})
		if err != nil {
			return fmt.Errorf("stripe provider: %w", err)
		}
		router.Handle("/webhooks/stripe", provider.WebhookHandler())
		logger.Info("stripe webhooks enabled",
			entitlement.Field{Key: "direct_upgrade", Value: cfg.DirectUpgrade()})
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening",
			entitlement.Field{Key: "addr", Value: cfg.ListenAddr},
			entitlement.Field{Key: "storage", Value: cfg.Storage})
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			stopEviction()
			_ = registry.Close(context.Background()) //nolint:errcheck // reporting the serve error
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", entitlement.Field{Key: "error", Value: err})
	}
	stopEviction()
	if err := registry.Close(shutdownCtx); err != nil {
		return fmt.Errorf("flush usage: %w", err)
	}
	return nil
}
