package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines backend defaults
	Tier Tier `json:"tier" yaml:"tier"`

	// Scoring and alerting pipeline
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Risk     RiskConfig     `json:"risk" yaml:"risk"`
	Model    ModelConfig    `json:"model" yaml:"model"`
	Alerting AlertingConfig `json:"alerting" yaml:"alerting"`

	// External payment processors
	Processors ProcessorsConfig `json:"processors" yaml:"processors"`
	Sync       SyncConfig       `json:"sync" yaml:"sync"`
	Dedup      DedupConfig      `json:"dedup" yaml:"dedup"`
	Kafka      KafkaConfig      `json:"kafka" yaml:"kafka"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"event_bus"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"write_timeout"` // seconds
}

// QueuePolicy decides what Enqueue does when a queue is full.
type QueuePolicy string

const (
	// QueueReject fails immediately with ErrBackpressure.
	QueueReject QueuePolicy = "reject"

	// QueueBlock waits up to EnqueueTimeout for space.
	QueueBlock QueuePolicy = "block"
)

// PipelineConfig sizes the worker pools and queues.
type PipelineConfig struct {
	ScoringWorkers           int             `json:"scoringWorkers" yaml:"scoring_workers"`
	AlertWorkers             int             `json:"alertWorkers" yaml:"alert_workers"`
	TransactionQueueCapacity int             `json:"transactionQueueCapacity" yaml:"transaction_queue_capacity"`
	AlertQueueCapacity       int             `json:"alertQueueCapacity" yaml:"alert_queue_capacity"`
	FullPolicy               QueuePolicy     `json:"fullPolicy" yaml:"full_policy"`
	EnqueueTimeout           time.Duration   `json:"enqueueTimeout" yaml:"enqueue_timeout"`
	ModelTimeout             time.Duration   `json:"modelTimeout" yaml:"model_timeout"`
	DefaultModel             ModelType       `json:"defaultModel" yaml:"default_model"`
	EnsembleWeights          EnsembleWeights `json:"ensembleWeights" yaml:"ensemble_weights"`
	StatsInterval            time.Duration   `json:"statsInterval" yaml:"stats_interval"`
}

// EnsembleWeights weight the RF and SVM scores. Equal weights give the plain mean.
type EnsembleWeights struct {
	RF  float64 `json:"rf" yaml:"rf"`
	SVM float64 `json:"svm" yaml:"svm"`
}

// RiskConfig holds the classification thresholds.
type RiskConfig struct {
	LowThreshold      float64 `json:"lowThreshold" yaml:"low_threshold"`
	HighThreshold     float64 `json:"highThreshold" yaml:"high_threshold"`
	CriticalThreshold float64 `json:"criticalThreshold" yaml:"critical_threshold"`
}

// ModelConfig points at the trained model artifact.
type ModelConfig struct {
	// Path to a model JSON file. Empty uses the embedded model.
	Path string `json:"path" yaml:"path"`
}

// AlertingConfig configures alert delivery.
type AlertingConfig struct {
	MaxAttempts    int           `json:"maxAttempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `json:"initialBackoff" yaml:"initial_backoff"`
	AttemptTimeout time.Duration `json:"attemptTimeout" yaml:"attempt_timeout"`

	Webhook WebhookChannelConfig `json:"webhook" yaml:"webhook"`
	Email   EmailChannelConfig   `json:"email" yaml:"email"`
	Bus     BusChannelConfig     `json:"bus" yaml:"bus"`
}

// WebhookChannelConfig delivers alerts as JSON POSTs.
type WebhookChannelConfig struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers" yaml:"headers"`
}

// EmailChannelConfig delivers alerts over SMTP.
type EmailChannelConfig struct {
	SMTPServer string   `json:"smtpServer" yaml:"smtp_server"`
	SMTPPort   int      `json:"smtpPort" yaml:"smtp_port"`
	Username   string   `json:"username" yaml:"username"`
	Password   string   `json:"password" yaml:"password"`
	From       string   `json:"from" yaml:"from"`
	To         []string `json:"to" yaml:"to"`
}

// BusChannelConfig publishes alerts on the event bus.
type BusChannelConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// ProcessorsConfig holds payment processor credentials.
type ProcessorsConfig struct {
	Stripe StripeConfig `json:"stripe" yaml:"stripe"`
	PayPal PayPalConfig `json:"paypal" yaml:"paypal"`
}

// StripeConfig configures the Stripe API client and webhook verification.
type StripeConfig struct {
	APIKey             string        `json:"apiKey" yaml:"api_key"`
	BaseURL            string        `json:"baseUrl" yaml:"base_url"`
	WebhookSecret      string        `json:"webhookSecret" yaml:"webhook_secret"`
	SignatureTolerance time.Duration `json:"signatureTolerance" yaml:"signature_tolerance"`
	PageSize           int           `json:"pageSize" yaml:"page_size"`
	RequestsPerSecond  float64       `json:"requestsPerSecond" yaml:"requests_per_second"`
}

// PayPalConfig configures PayPal webhook verification.
type PayPalConfig struct {
	WebhookSecret string `json:"webhookSecret" yaml:"webhook_secret"`
	WebhookID     string `json:"webhookId" yaml:"webhook_id"`
}

// SyncConfig schedules Stripe reconciliation.
type SyncConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	Interval       time.Duration `json:"interval" yaml:"interval"`
	Lookback       time.Duration `json:"lookback" yaml:"lookback"`
	ManualLookback time.Duration `json:"manualLookback" yaml:"manual_lookback"`
}

// DedupConfig controls how long seen identifiers are remembered.
type DedupConfig struct {
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

// KafkaConfig enables the Kafka transaction source.
type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"groupId" yaml:"group_id"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format     string `json:"format" yaml:"format"` // json, text
	File       string `json:"file" yaml:"file"`     // optional rotating file
	MaxSizeMB  int    `json:"maxSizeMb" yaml:"max_size_mb"`
	MaxBackups int    `json:"maxBackups" yaml:"max_backups"`
	MaxAgeDays int    `json:"maxAgeDays" yaml:"max_age_days"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"service_name"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Pipeline: PipelineConfig{
			ScoringWorkers:           5,
			AlertWorkers:             2,
			TransactionQueueCapacity: 1000,
			AlertQueueCapacity:       500,
			FullPolicy:               QueueReject,
			EnqueueTimeout:           2 * time.Second,
			ModelTimeout:             2 * time.Second,
			DefaultModel:             ModelEnsemble,
			EnsembleWeights:          EnsembleWeights{RF: 0.5, SVM: 0.5},
			StatsInterval:            time.Minute,
		},
		Risk: RiskConfig{
			LowThreshold:      0.3,
			HighThreshold:     0.7,
			CriticalThreshold: 0.9,
		},
		Alerting: AlertingConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			AttemptTimeout: 10 * time.Second,
			Email:          EmailChannelConfig{SMTPPort: 587},
		},
		Processors: ProcessorsConfig{
			Stripe: StripeConfig{
				BaseURL:            "https://api.stripe.com",
				SignatureTolerance: 5 * time.Minute,
				PageSize:           100,
				RequestsPerSecond:  20,
			},
		},
		Sync: SyncConfig{
			Enabled:        true,
			Interval:       5 * time.Minute,
			Lookback:       time.Hour,
			ManualLookback: 24 * time.Hour,
		},
		Dedup: DedupConfig{TTL: 72 * time.Hour},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   10000,
		LocalTTL:       5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects:     10,
		NATSReconnectWait:     5,
		SubscribeTransactions: true,
	}
	cfg.Alerting.Bus.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
