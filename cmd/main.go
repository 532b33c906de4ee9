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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/freekieb7/go-sentinel/internal/auth"
	"github.com/freekieb7/go-sentinel/internal/config"
	"github.com/freekieb7/go-sentinel/internal/metrics"
	"github.com/freekieb7/go-sentinel/internal/refresh"
	"github.com/freekieb7/go-sentinel/internal/revocation"
	"github.com/freekieb7/go-sentinel/internal/session"
	"github.com/freekieb7/go-sentinel/internal/store"
	"github.com/freekieb7/go-sentinel/internal/token"
)

func main() {
	ctx := context.Background()

	if err := Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func Run(ctx context.Context) error {
	// Graceful shutdown on interruptions
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return errors.Join(errors.New("configuration load failed"), err)
	}

	logger := newLogger(cfg)

	// The metrics sink lifecycle is owned here: constructed once, injected
	// into every component, torn down with the process.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	var sink metrics.Sink
	if cfg.IsProduction() {
		sink = metrics.NewPrometheusSink(registry)
	} else {
		sink = metrics.NewLogSink(logger)
	}

	credStore, err := store.NewRedisStore(&store.RedisConfig{
		Addr:         cfg.Store.RedisAddr,
		Password:     cfg.Store.RedisPassword,
		DB:           cfg.Store.RedisDB,
		PoolSize:     cfg.Store.RedisPoolSize,
		DialTimeout:  cfg.Store.DialTimeout,
		ReadTimeout:  cfg.Store.ReadTimeout,
		WriteTimeout: cfg.Store.WriteTimeout,
		Prefix:       cfg.Store.KeyPrefix,
	}, logger)
	if err != nil {
		return errors.Join(errors.New("credential store setup failed"), err)
	}
	defer credStore.Close()

	codec, err := token.NewCodec(token.Config{
		SigningKey: []byte(cfg.Token.SigningKey),
		Algorithm:  cfg.Token.SigningAlgorithm,
	})
	if err != nil {
		return errors.Join(errors.New("token codec setup failed"), err)
	}

	sessions := session.NewManager(credStore, logger, sink, session.Config{
		DefaultTTL: cfg.Session.DefaultTTL,
	})
	refreshManager := refresh.NewManager(credStore, codec, logger, sink, refresh.Config{
		AccessTTL:  cfg.Token.AccessTTL,
		RefreshTTL: cfg.Token.RefreshTTL,
	})
	guard := revocation.NewGuard(credStore, logger, sink, nil)

	facade := auth.NewFacade(codec, sessions, refreshManager, guard, logger, sink, auth.Config{
		AccessTTL:  cfg.Token.AccessTTL,
		RefreshTTL: cfg.Token.RefreshTTL,
		SessionTTL: cfg.Session.DefaultTTL,
	})

	// End-to-end startup check: sign, verify and blacklist-check a probe
	// token so misconfigured key material or an unreachable store fails the
	// boot instead of the first request.
	probe, _, err := codec.Issue("startup-probe", "", nil, token.TypeAccess, time.Minute)
	if err != nil {
		return errors.Join(errors.New("startup probe issuance failed"), err)
	}
	if _, err := facade.ValidateToken(ctx, probe); err != nil {
		return errors.Join(errors.New("startup probe validation failed"), err)
	}
	logger.Info("Credential facade ready", "environment", string(cfg.Environment))

	metricsServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics listener started", "addr", cfg.Metrics.ListenAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return errors.Join(errors.New("metrics listener failed"), err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics listener shutdown failed", "error", err)
	}

	logger.Info("Shutdown complete")
	return nil
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelDebug
	if cfg.IsProduction() {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
