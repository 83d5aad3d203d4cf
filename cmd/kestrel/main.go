// Kestrel - Real-time fraud scoring and alerting.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

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

	"github.com/opensource-finance/kestrel/internal/alerting"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/dedup"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/queue"
	"github.com/opensource-finance/kestrel/internal/reconcile"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/reputation"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/stripe"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Configuration errors are the only fatal startup errors.
	cfg, err := config.Load(os.Getenv("KESTREL_CONFIG"))
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if os.Getenv("KESTREL_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	logger, logCloser := logging.NewLogger(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Model and classification
	artifact, err := model.LoadArtifact(cfg.Model.Path)
	if err != nil {
		slog.Error("failed to load model", "path", cfg.Model.Path, "error", err)
		os.Exit(1)
	}
	adapter := model.NewAdapter(artifact, cfg.Pipeline.EnsembleWeights, cfg.Pipeline.ModelTimeout)
	slog.Info("model loaded", "version", adapter.Version(), "default_model", cfg.Pipeline.DefaultModel)

	classifier, err := risk.NewClassifier(cfg.Risk.LowThreshold, cfg.Risk.HighThreshold, cfg.Risk.CriticalThreshold)
	if err != nil {
		slog.Error("invalid risk thresholds", "error", err)
		os.Exit(1)
	}

	engine, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()
	if err := loadRules(ctx, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Queues and worker pools
	state := metrics.NewState()
	txQueue := queue.New[*domain.Transaction](cfg.Pipeline.TransactionQueueCapacity, cfg.Pipeline.FullPolicy, cfg.Pipeline.EnqueueTimeout)
	alertQueue := queue.New[*domain.Alert](cfg.Pipeline.AlertQueueCapacity, cfg.Pipeline.FullPolicy, cfg.Pipeline.EnqueueTimeout)

	reputations := reputation.NewService(repo)
	scorer := scoring.NewScorer(adapter, classifier, engine, repo, busImpl, cfg.Pipeline.DefaultModel)
	scorer.UseReputation(reputations)

	// Scoring workers wait for room in the alert queue whatever its full
	// policy, so a raised alert is never dropped while the process runs.
	pool := scoring.NewPool(scorer, txQueue, alertQueue, state, cfg.Pipeline.ScoringWorkers)

	channels := alerting.Channels(cfg.Alerting, busImpl)
	dispatcher := alerting.NewDispatcher(alertQueue, channels, repo, busImpl, state,
		alerting.PolicyFromConfig(cfg.Alerting), cfg.Pipeline.AlertWorkers)

	pool.Start()
	dispatcher.Start()

	if n, err := dispatcher.Recover(ctx); err != nil {
		slog.Error("failed to recover pending alerts", "error", err)
	} else if n > 0 {
		slog.Info("pending alerts re-queued", "count", n)
	}

	// Ingest
	index := dedup.NewIndex(cacheImpl, repo, cfg.Dedup.TTL)
	velocitySvc := velocity.NewService(repo, cacheImpl, 0)
	gate := ingest.NewGate(index, velocitySvc, pool, cfg.Processors)

	ingestCtx, stopIngest := context.WithCancel(context.Background())
	defer stopIngest()

	var consumer *ingest.KafkaConsumer
	if cfg.Kafka.Enabled {
		consumer = ingest.NewKafkaConsumer(cfg.Kafka, gate)
		consumer.Start(ingestCtx)
		slog.Info("kafka consumer started", "topic", cfg.Kafka.Topic, "group_id", cfg.Kafka.GroupID)
	}

	var busIngest *ingest.BusSubscriber
	if cfg.EventBus.SubscribeTransactions {
		busIngest = ingest.NewBusSubscriber(busImpl, gate)
		if err := busIngest.Start(ingestCtx); err != nil {
			slog.Error("failed to start bus ingest", "error", err)
			busIngest = nil
		}
	}

	stripeClient := stripe.NewClient(cfg.Processors.Stripe)
	reconciler := reconcile.New(stripeClient, gate, busImpl)
	if cfg.Sync.Enabled && stripeClient.Configured() {
		if err := reconciler.Schedule(cfg.Sync.Interval, cfg.Sync.Lookback); err != nil {
			slog.Error("failed to schedule stripe sync", "error", err)
			os.Exit(1)
		}
	} else if cfg.Sync.Enabled {
		slog.Warn("stripe sync enabled but STRIPE_SECRET_KEY is not set, skipping schedule")
	}

	go logStats(ingestCtx, state, cfg.Pipeline.StatsInterval)

	// Initialize Server
	srv := api.NewServer(api.Deps{
		Server:     cfg.Server,
		Processors: cfg.Processors,
		Kafka:      cfg.Kafka,
		Sync:       cfg.Sync,
		BusIngest:  busIngest != nil,
		Repo:       repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Gate:       gate,
		Scorer:     pool,
		Reconciler: reconciler,
		Engine:     engine,
		Reputation: reputations,
		State:      state,
		Channels:   dispatcher.ChannelNames(),
		Version:    Version,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			cancel()
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"alert_channels", dispatcher.ChannelNames(),
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop producers first, then drain the queues in pipeline order.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	stopIngest()
	if busIngest != nil {
		busIngest.Stop()
	}
	if consumer != nil {
		<-consumer.Done()
	}
	reconciler.Stop()

	txQueue.Close()
	pool.Wait()
	alertQueue.Close()
	dispatcher.Wait()

	slog.Info("kestrel shutdown complete", "stats", state.Snapshot())
}

// loadRules installs the builtin alert-typing rules overlaid by the rules
// stored in the database.
func loadRules(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	stored, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database, using builtin rules", "error", err)
		stored = nil
	}
	if len(stored) > 0 {
		slog.Info("loading rules from database", "count", len(stored))
	}
	return engine.ReloadRules(rules.WithStored(stored))
}

// logStats logs the processor counters every interval.
func logStats(ctx context.Context, state *metrics.State, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := state.Snapshot()
			slog.Info("processor stats",
				"processed_count", s.ProcessedCount,
				"fraud_detected_count", s.FraudDetectedCount,
				"failed_count", s.FailedCount,
				"queue_size", s.QueueSize,
				"alert_queue_size", s.AlertQueueSize,
				"alerts_delivered", s.AlertsDelivered,
				"alerts_dead_lettered", s.AlertsDeadLettered,
				"fraud_rate_percent", s.FraudRatePercent,
			)
		}
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 KESTREL                   ║")
	fmt.Println("  ║     Real-time Fraud Scoring & Alerting    ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Workers:  %d scoring, %d alerting\n", cfg.Pipeline.ScoringWorkers, cfg.Pipeline.AlertWorkers)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transactions        - Submit a transaction for scoring")
	fmt.Println("    GET  /transactions/{id}   - Transaction with processing status")
	fmt.Println("    GET  /predictions/{txId}  - Prediction for a transaction")
	fmt.Println("    GET  /alerts/{id}         - Alert with delivery attempts")
	fmt.Println("    GET  /alerts/dead-letter  - Undelivered alerts")
	fmt.Println("    POST /webhooks/stripe     - Stripe webhook")
	fmt.Println("    POST /webhooks/paypal     - PayPal webhook")
	fmt.Println("    POST /webhooks/test       - Score a transaction synchronously")
	fmt.Println("    POST /sync/stripe         - Reconcile recent Stripe charges")
	fmt.Println("    GET  /rules               - Alert-typing rules")
	fmt.Println("    POST /rules/reload        - Reload rules from database")
	fmt.Println("    GET  /status              - Pipeline and integration status")
	fmt.Println("    GET  /metrics             - Prometheus metrics")
	fmt.Println("    GET  /health              - Health check")
	fmt.Println()
}
