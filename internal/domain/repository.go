// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository defines the interface for data persistence.
// Implementations must be safe for concurrent writers.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, rec *TransactionRecord) error
	GetTransaction(ctx context.Context, txID string) (*TransactionRecord, error)
	TransactionExists(ctx context.Context, txID string) (bool, error)
	CountUserTransactions(ctx context.Context, userID string, since time.Time) (int64, error)
	RecentUserAmounts(ctx context.Context, userID string, since time.Time, limit int) ([]decimal.Decimal, error)

	// Predictions are write-once. SavePrediction reports false if one
	// already existed for the transaction.
	SavePrediction(ctx context.Context, p *FraudPrediction) (bool, error)
	GetPrediction(ctx context.Context, txID string) (*FraudPrediction, error)

	// Alerts are unique per transaction. SaveAlert reports false if the
	// transaction already had one.
	SaveAlert(ctx context.Context, alert *Alert) (bool, error)
	GetAlert(ctx context.Context, alertID string) (*Alert, error)
	UpdateAlertDelivery(ctx context.Context, alertID string, state DeliveryState) error
	ListAlertsByDelivery(ctx context.Context, state DeliveryState, limit int) ([]*Alert, error)

	// Delivery attempts (append-only)
	SaveDeliveryAttempt(ctx context.Context, attempt *DeliveryAttempt) error
	ListDeliveryAttempts(ctx context.Context, alertID string) ([]*DeliveryAttempt, error)

	// Reputation entries are keyed by kind and key; saving replaces.
	SaveReputation(ctx context.Context, rep *Reputation) error
	GetReputation(ctx context.Context, kind ReputationKind, key string) (*Reputation, error)

	// Alert-typing rules
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" (lib/pq) or "pgx"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlite_path"`

	// PostgreSQL specific. URL takes precedence over the discrete fields.
	PostgresURL      string `json:"postgresUrl" yaml:"postgres_url"`
	PostgresHost     string `json:"postgresHost" yaml:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgres_port"`
	PostgresUser     string `json:"postgresUser" yaml:"postgres_user"`
	PostgresPassword string `json:"postgresPassword" yaml:"postgres_password"`
	PostgresDB       string `json:"postgresDb" yaml:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"conn_max_lifetime"`
}
