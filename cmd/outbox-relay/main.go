// Package main runs the outbox relay, which publishes committed claim,
// denial and remittance events to Redpanda.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-rcm/internal/config"
	"github.com/drfirst/go-rcm/internal/infrastructure/postgres"
	"github.com/drfirst/go-rcm/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rcm/internal/observability/logging"
	"github.com/drfirst/go-rcm/internal/observability/metrics"
	"github.com/drfirst/go-rcm/internal/observability/tracing"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.IsDev())
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("outbox relay failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if !cfg.Persistent() {
		return errors.New("DATABASE_URL is required")
	}
	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    "outbox-relay",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger.Named("admin"))
	if err != nil {
		return err
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		admin.Close()
		return fmt.Errorf("ensure topics: %w", err)
	}
	admin.Close()

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(pcfg, m.KafkaMessagesProduced, logger.Named("producer"))
	if err != nil {
		return fmt.Errorf("producer: %w", err)
	}
	defer func() { _ = producer.Close() }()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	ocfg := postgres.DefaultOutboxConfig()
	if cfg.OutboxBatchSize > 0 {
		ocfg.BatchSize = cfg.OutboxBatchSize
	}
	if cfg.OutboxPollInterval > 0 {
		ocfg.PollInterval = cfg.OutboxPollInterval
	}
	outbox := postgres.NewOutbox(pool, producer, ocfg, m.OutboxPending, logger.Named("outbox"))
	outbox.Start()

	// metrics only; the relay has no API
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           metrics.Handler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(sctx)
	outbox.Stop()
	return nil
}
