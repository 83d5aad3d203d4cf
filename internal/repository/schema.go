package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL. Each entry is a single
// statement so it can run through drivers that reject batched Exec.

var schemaTransactions = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    merchant TEXT NOT NULL,
    currency TEXT NOT NULL,
    features TEXT NOT NULL,
    model_type TEXT,
    source TEXT NOT NULL,
    status TEXT NOT NULL,
    failure_reason TEXT,
    metadata TEXT,
    received_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, received_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status)`,
}

// Predictions are write-once: the primary key on transaction_id makes a
// second insert a no-op.
var schemaPredictions = []string{
	`CREATE TABLE IF NOT EXISTS predictions (
    transaction_id TEXT PRIMARY KEY,
    fraud_probability REAL NOT NULL,
    risk_level TEXT NOT NULL,
    model_type TEXT NOT NULL,
    model_scores TEXT NOT NULL,
    reputation_score REAL NOT NULL DEFAULT 0,
    risk_factors TEXT,
    scored_at TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_predictions_risk ON predictions(risk_level)`,
}

var schemaAlerts = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    user_id TEXT NOT NULL,
    merchant TEXT NOT NULL,
    fraud_probability REAL NOT NULL,
    status TEXT NOT NULL,
    delivery_state TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_delivery ON alerts(delivery_state, created_at)`,
}

var schemaDeliveryAttempts = []string{
	`CREATE TABLE IF NOT EXISTS delivery_attempts (
    alert_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    error TEXT,
    attempted_at TIMESTAMP NOT NULL,
    PRIMARY KEY (alert_id, channel, attempt)
)`,
}

var schemaRuleConfigs = []string{
	`CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    alert_type TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 100,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
}

var schemaReputation = []string{
	`CREATE TABLE IF NOT EXISTS reputation (
    kind TEXT NOT NULL,
    lookup_key TEXT NOT NULL,
    risk_score REAL NOT NULL,
    country TEXT,
    is_proxy INTEGER NOT NULL DEFAULT 0,
    is_vpn INTEGER NOT NULL DEFAULT 0,
    is_disposable INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (kind, lookup_key)
)`,
}

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	var stmts []string
	for _, s := range [][]string{
		schemaTransactions,
		schemaPredictions,
		schemaAlerts,
		schemaDeliveryAttempts,
		schemaRuleConfigs,
		schemaReputation,
	} {
		stmts = append(stmts, s...)
	}
	return stmts
}
