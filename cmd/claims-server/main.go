// Package main runs the claims server: the HTTP API plus the remittance
// batch consumer.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-rcm/internal/api"
	"github.com/drfirst/go-rcm/internal/config"
	"github.com/drfirst/go-rcm/internal/eligibility"
	"github.com/drfirst/go-rcm/internal/infrastructure/postgres"
	"github.com/drfirst/go-rcm/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rcm/internal/ingest"
	"github.com/drfirst/go-rcm/internal/observability/logging"
	"github.com/drfirst/go-rcm/internal/observability/metrics"
	"github.com/drfirst/go-rcm/internal/observability/tracing"
	"github.com/drfirst/go-rcm/internal/rcm"
	"github.com/drfirst/go-rcm/internal/reference"
	"github.com/drfirst/go-rcm/internal/store"
	"github.com/drfirst/go-rcm/pkg/idempotency"
	"github.com/drfirst/go-rcm/pkg/workerpool"
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
		logger.Fatal("claims server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdown(logger, "tracing", tp.Shutdown)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	catalog := reference.DefaultCatalog()
	checks := map[string]api.ReadinessCheck{}

	var pool *pgxpool.Pool
	storeOpts := []store.Option{store.WithLogger(logger.Named("store"))}
	if cfg.Persistent() {
		pool, err = postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pool.Close()
		logger.Info("connected to database")
		checks["database"] = func() error {
			pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return pool.Ping(pctx)
		}
	} else {
		logger.Warn("DATABASE_URL not set, running on the in-memory store only")
	}

	var snapshots *postgres.Snapshots
	if pool != nil {
		snapshots = postgres.NewSnapshots(pool, logger.Named("snapshots"))
		storeOpts = append(storeOpts, store.WithPersister(snapshots))
	}
	st := store.NewMemory(storeOpts...)
	if snapshots != nil {
		claims, denials, advices, err := snapshots.Load(ctx)
		if err != nil {
			return fmt.Errorf("load snapshots: %w", err)
		}
		st.Load(claims, denials, advices)
	}

	opts := []rcm.Option{
		rcm.WithLogger(logger.Named("rcm")),
		rcm.WithMetrics(m),
		rcm.WithHighValueThreshold(decimal.NewFromFloat(cfg.HighValueThreshold)),
		rcm.WithPool(workerpool.Config{Workers: cfg.RemittanceWorkers, QueueSize: cfg.RemittanceQueueSize}),
	}
	if cfg.EligibilityURL != "" {
		opts = append(opts, rcm.WithEligibility(eligibility.NewClient(eligibility.Config{
			URL:          cfg.EligibilityURL,
			APIKey:       cfg.EligibilityAPIKey,
			ProviderName: cfg.ProviderName,
			ProviderNPI:  cfg.ProviderNPI,
			Timeout:      cfg.EligibilityTimeout,
		}, catalog, logger.Named("eligibility"))))
	}
	svc, err := rcm.New(st, catalog, opts...)
	if err != nil {
		return err
	}
	defer shutdown(logger, "service", func(context.Context) error { return svc.Close() })

	if len(cfg.KafkaBrokers) > 0 {
		stopConsumer, err := startRemittanceConsumer(cfg, svc, pool, m, logger)
		if err != nil {
			return err
		}
		defer stopConsumer()
		checks["kafka"] = func() error {
			return redpanda.HealthCheck(context.Background(), cfg.KafkaBrokers)
		}
	}

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewRouter(api.Config{
			ServiceName: cfg.ServiceName,
			Version:     version,
			APIKeys:     cfg.APIKeyClients(),
			Gatherer:    reg,
			Checks:      checks,
		}, svc, logger.Named("http")),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting claims server",
			zap.String("port", cfg.Port),
			zap.String("version", version),
			zap.Bool("persistent", pool != nil))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

// startRemittanceConsumer wires the inbound remittance topic to the service
// through the idempotency inbox. Rejected batches go to the dead letter topic.
func startRemittanceConsumer(cfg *config.Config, svc *rcm.Service, pool *pgxpool.Pool, m *metrics.Metrics, logger *zap.Logger) (func(), error) {
	var inboxStore idempotency.Store = idempotency.NewMemoryStore()
	if pool != nil {
		inboxStore = idempotency.NewPostgresStore(pool)
	}
	inbox := idempotency.NewInbox(inboxStore, idempotency.DefaultConfig(), logger.Named("inbox"))
	inbox.StartCleanup()

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(pcfg, m.KafkaMessagesProduced, logger.Named("producer"))
	if err != nil {
		inbox.Stop()
		return nil, fmt.Errorf("producer: %w", err)
	}

	handler := ingest.NewRemittanceHandler(svc, inbox, producer, logger.Named("ingest"))

	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = cfg.KafkaBrokers
	ccfg.GroupID = cfg.KafkaConsumerGroup
	consumer, err := redpanda.NewConsumer(ccfg, handler.Handle, m.KafkaMessagesConsumed, logger.Named("consumer"))
	if err != nil {
		_ = producer.Close()
		inbox.Stop()
		return nil, fmt.Errorf("consumer: %w", err)
	}
	consumer.Start()
	logger.Info("remittance consumer started",
		zap.Strings("brokers", ccfg.Brokers),
		zap.String("group", ccfg.GroupID),
		zap.Strings("topics", ccfg.Topics))

	return func() {
		_ = consumer.Stop()
		_ = producer.Close()
		inbox.Stop()
	}, nil
}

func shutdown(logger *zap.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("shutdown failed", zap.String("component", name), zap.Error(err))
	}
}
