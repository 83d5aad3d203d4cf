// Package config loads Kestrel configuration from a file, .env and the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// Load builds the configuration. Precedence, lowest first: tier defaults,
// the YAML or JSON file at path (optional), then environment variables.
// A .env file in the working directory is loaded into the environment first.
func Load(path string) (*domain.Config, error) {
	_ = godotenv.Load()
	return load(path, os.LookupEnv)
}

func load(path string, lookup LookupFunc) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if v, ok := lookup("KESTREL_TIER"); ok && domain.Tier(v) == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *domain.Config) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return errors.New("config file is empty")
	}
	if looksLikeJSON(trimmed) {
		err = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		err = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// applyEnv overlays environment variables. Names follow the deployment
// conventions operators already use for this service.
func applyEnv(cfg *domain.Config, lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	e.int("PORT", &cfg.Server.Port)
	e.int("MAX_PROCESSING_THREADS", &cfg.Pipeline.ScoringWorkers)
	e.int("MAX_ALERT_THREADS", &cfg.Pipeline.AlertWorkers)
	e.int("TRANSACTION_QUEUE_CAPACITY", &cfg.Pipeline.TransactionQueueCapacity)
	e.int("ALERT_QUEUE_CAPACITY", &cfg.Pipeline.AlertQueueCapacity)
	if v, ok := lookup("QUEUE_FULL_POLICY"); ok {
		cfg.Pipeline.FullPolicy = domain.QueuePolicy(strings.ToLower(v))
	}
	e.duration("ENQUEUE_TIMEOUT", &cfg.Pipeline.EnqueueTimeout)
	e.duration("MODEL_TIMEOUT", &cfg.Pipeline.ModelTimeout)
	if v, ok := lookup("DEFAULT_MODEL_TYPE"); ok {
		cfg.Pipeline.DefaultModel = domain.ModelType(v)
	}

	e.float("LOW_RISK_THRESHOLD", &cfg.Risk.LowThreshold)
	e.float("HIGH_RISK_THRESHOLD", &cfg.Risk.HighThreshold)
	e.str("MODEL_PATH", &cfg.Model.Path)

	e.str("STRIPE_SECRET_KEY", &cfg.Processors.Stripe.APIKey)
	e.str("STRIPE_WEBHOOK_SECRET", &cfg.Processors.Stripe.WebhookSecret)
	e.str("STRIPE_API_BASE", &cfg.Processors.Stripe.BaseURL)
	e.str("PAYPAL_WEBHOOK_SECRET", &cfg.Processors.PayPal.WebhookSecret)
	e.str("PAYPAL_WEBHOOK_ID", &cfg.Processors.PayPal.WebhookID)

	e.str("FRAUD_ALERT_WEBHOOK_URL", &cfg.Alerting.Webhook.URL)
	if v, ok := lookup("FRAUD_ALERT_EMAIL"); ok && v != "" {
		cfg.Alerting.Email.To = splitList(v)
	}
	e.str("EMAIL_SMTP_SERVER", &cfg.Alerting.Email.SMTPServer)
	e.int("EMAIL_SMTP_PORT", &cfg.Alerting.Email.SMTPPort)
	e.str("EMAIL_USERNAME", &cfg.Alerting.Email.Username)
	e.str("EMAIL_PASSWORD", &cfg.Alerting.Email.Password)
	e.str("EMAIL_FROM", &cfg.Alerting.Email.From)

	e.bool("SYNC_ENABLED", &cfg.Sync.Enabled)
	e.duration("SYNC_INTERVAL", &cfg.Sync.Interval)
	if v, ok := lookup("SYNC_LOOKBACK_HOURS"); ok {
		hours, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("SYNC_LOOKBACK_HOURS: %w", err))
		} else {
			cfg.Sync.Lookback = time.Duration(hours) * time.Hour
		}
	}

	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		cfg.Repository.PostgresURL = v
		if cfg.Repository.Driver == "sqlite" {
			cfg.Repository.Driver = "postgres"
		}
	}
	e.str("DATABASE_DRIVER", &cfg.Repository.Driver)
	e.str("SQLITE_PATH", &cfg.Repository.SQLitePath)
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		cfg.Cache.Type = "redis"
		cfg.Cache.RedisAddr = v
	}
	if v, ok := lookup("NATS_URL"); ok && v != "" {
		cfg.EventBus.Type = "nats"
		cfg.EventBus.NATSUrl = v
	}
	e.bool("KESTREL_BUS_INGEST", &cfg.EventBus.SubscribeTransactions)
	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		cfg.Kafka.Enabled = true
		cfg.Kafka.Brokers = splitList(v)
	}
	e.str("KAFKA_TOPIC", &cfg.Kafka.Topic)
	e.str("KAFKA_GROUP_ID", &cfg.Kafka.GroupID)

	e.str("LOG_LEVEL", &cfg.Logging.Level)
	e.str("LOG_FILE", &cfg.Logging.File)
	if v, ok := lookup("KESTREL_DEBUG"); ok && v == "true" {
		cfg.Logging.Level = "debug"
	}

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = f
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

// duration accepts Go duration strings or a bare number of seconds.
func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyDefaults(cfg *domain.Config) {
	if cfg.Pipeline.DefaultModel == "" {
		cfg.Pipeline.DefaultModel = domain.ModelEnsemble
	}
	if cfg.Pipeline.FullPolicy == "" {
		cfg.Pipeline.FullPolicy = domain.QueueReject
	}
	if cfg.Pipeline.EnsembleWeights.RF == 0 && cfg.Pipeline.EnsembleWeights.SVM == 0 {
		cfg.Pipeline.EnsembleWeights = domain.EnsembleWeights{RF: 0.5, SVM: 0.5}
	}
	if cfg.Risk.CriticalThreshold == 0 {
		cfg.Risk.CriticalThreshold = 0.9
	}
	if cfg.Alerting.MaxAttempts <= 0 {
		cfg.Alerting.MaxAttempts = 3
	}
	if cfg.Alerting.InitialBackoff <= 0 {
		cfg.Alerting.InitialBackoff = time.Second
	}
	if cfg.Alerting.Email.From == "" {
		cfg.Alerting.Email.From = cfg.Alerting.Email.Username
	}
	if cfg.Sync.ManualLookback <= 0 {
		cfg.Sync.ManualLookback = 24 * time.Hour
	}
	if cfg.Dedup.TTL <= 0 {
		cfg.Dedup.TTL = 72 * time.Hour
	}
	if cfg.Kafka.Enabled && cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "kestrel"
	}
}

// Validate rejects configurations the pipeline cannot run with.
// Every error wraps domain.ErrValidation.
func Validate(cfg *domain.Config) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{domain.ErrValidation}, args...)...))
	}

	r := cfg.Risk
	if !(r.LowThreshold > 0 && r.LowThreshold < r.HighThreshold && r.HighThreshold < 1) {
		fail("risk thresholds must satisfy 0 < low < high < 1 (low=%v high=%v)", r.LowThreshold, r.HighThreshold)
	}
	if r.CriticalThreshold < r.HighThreshold || r.CriticalThreshold > 1 {
		fail("risk.critical_threshold must be within [high, 1]")
	}

	p := cfg.Pipeline
	if p.ScoringWorkers <= 0 {
		fail("pipeline.scoring_workers must be > 0")
	}
	if p.AlertWorkers <= 0 {
		fail("pipeline.alert_workers must be > 0")
	}
	if p.TransactionQueueCapacity <= 0 || p.AlertQueueCapacity <= 0 {
		fail("queue capacities must be > 0")
	}
	switch p.FullPolicy {
	case domain.QueueReject:
	case domain.QueueBlock:
		if p.EnqueueTimeout <= 0 {
			fail("pipeline.enqueue_timeout must be > 0 with the block policy")
		}
	default:
		fail("unknown pipeline.full_policy %q", p.FullPolicy)
	}
	if _, err := domain.ParseModelType(string(p.DefaultModel)); err != nil {
		errs = append(errs, err)
	}
	if p.EnsembleWeights.RF < 0 || p.EnsembleWeights.SVM < 0 {
		fail("ensemble weights must be non-negative")
	}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres", "pgx":
	default:
		fail("unsupported repository driver %q", cfg.Repository.Driver)
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		fail("unsupported cache type %q", cfg.Cache.Type)
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		fail("unsupported event bus type %q", cfg.EventBus.Type)
	}

	if cfg.Sync.Enabled && cfg.Processors.Stripe.APIKey != "" && cfg.Sync.Interval <= 0 {
		fail("sync.interval must be > 0")
	}
	if cfg.Kafka.Enabled && (len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "") {
		fail("kafka requires brokers and topic")
	}
	if len(cfg.Alerting.Email.To) > 0 && cfg.Alerting.Email.SMTPServer == "" {
		fail("alerting.email.smtp_server required when recipients are set")
	}

	return errors.Join(errs...)
}
