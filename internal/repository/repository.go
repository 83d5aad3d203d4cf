// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = domain.ErrNotFound

// SQLRepository implements domain.Repository using database/sql.
// Works with SQLite, lib/pq and pgx drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres", "pgx":
		db, err = openPostgres(cfg.Driver, cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 && cfg.SQLitePath != ":memory:" {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, stmt := range AllSchemas() {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction inserts or updates a transaction record. Re-saving a
// transaction only changes its processing status.
func (r *SQLRepository) SaveTransaction(ctx context.Context, rec *domain.TransactionRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: transaction id is required", domain.ErrValidation)
	}

	features, err := json.Marshal(rec.Features)
	if err != nil {
		return fmt.Errorf("failed to encode features: %w", err)
	}
	metadata, _ := json.Marshal(rec.Metadata)

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = updatedAt
	}

	query := `
		INSERT INTO transactions (
			id, user_id, amount, merchant, currency, features, model_type,
			source, status, failure_reason, metadata, received_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, rec.UserID, rec.Amount.String(), rec.Merchant, rec.Currency,
		string(features), string(rec.ModelType), string(rec.Source),
		string(rec.Status), rec.FailureReason, string(metadata),
		receivedAt.UTC(), updatedAt.UTC(),
	)
	return err
}

// GetTransaction retrieves a transaction record by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.TransactionRecord, error) {
	query := `
		SELECT id, user_id, amount, merchant, currency, features, model_type,
			   source, status, failure_reason, metadata, received_at, updated_at
		FROM transactions
		WHERE id = ?
	`

	var rec domain.TransactionRecord
	var amount, features string
	var modelType, failureReason, metadata sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(
		&rec.ID, &rec.UserID, &amount, &rec.Merchant, &rec.Currency,
		&features, &modelType, &rec.Source, &rec.Status,
		&failureReason, &metadata, &rec.ReceivedAt, &rec.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := rec.Amount.UnmarshalText([]byte(amount)); err != nil {
		return nil, fmt.Errorf("corrupt amount for transaction %s: %w", txID, err)
	}
	if err := json.Unmarshal([]byte(features), &rec.Features); err != nil {
		return nil, fmt.Errorf("corrupt features for transaction %s: %w", txID, err)
	}
	rec.ModelType = domain.ModelType(modelType.String)
	rec.FailureReason = failureReason.String
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		json.Unmarshal([]byte(metadata.String), &rec.Metadata)
	}

	return &rec, nil
}

// TransactionExists reports whether a transaction ID has been stored.
func (r *SQLRepository) TransactionExists(ctx context.Context, txID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT COUNT(1) FROM transactions WHERE id = ?`), txID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountUserTransactions counts a user's transactions received at or after since.
func (r *SQLRepository) CountUserTransactions(ctx context.Context, userID string, since time.Time) (int64, error) {
	query := `SELECT COUNT(1) FROM transactions WHERE user_id = ? AND received_at >= ?`

	var n int64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), userID, since.UTC()).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// RecentUserAmounts returns up to limit amounts of a user's transactions
// received at or after since, newest first.
func (r *SQLRepository) RecentUserAmounts(ctx context.Context, userID string, since time.Time, limit int) ([]decimal.Decimal, error) {
	query := `
		SELECT amount FROM transactions
		WHERE user_id = ? AND received_at >= ?
		ORDER BY received_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var amounts []decimal.Decimal
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt amount for user %s: %w", userID, err)
		}
		amounts = append(amounts, amount)
	}
	return amounts, rows.Err()
}

// SavePrediction stores a prediction unless one already exists for the
// transaction. It reports whether a row was written.
func (r *SQLRepository) SavePrediction(ctx context.Context, p *domain.FraudPrediction) (bool, error) {
	if p == nil || p.TransactionID == "" {
		return false, fmt.Errorf("%w: prediction transaction id is required", domain.ErrValidation)
	}

	scores, err := json.Marshal(p.ModelScores)
	if err != nil {
		return false, fmt.Errorf("failed to encode model scores: %w", err)
	}

	query := `
		INSERT INTO predictions (
			transaction_id, fraud_probability, risk_level, model_type, model_scores,
			reputation_score, risk_factors, scored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		p.TransactionID, p.FraudProbability, string(p.RiskLevel),
		string(p.ModelType), string(scores),
		p.ReputationScore, strings.Join(p.RiskFactors, ","), p.ScoredAt.UTC(),
	)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// GetPrediction retrieves the prediction for a transaction.
func (r *SQLRepository) GetPrediction(ctx context.Context, txID string) (*domain.FraudPrediction, error) {
	query := `
		SELECT transaction_id, fraud_probability, risk_level, model_type, model_scores,
			   reputation_score, risk_factors, scored_at
		FROM predictions
		WHERE transaction_id = ?
	`

	var p domain.FraudPrediction
	var scores string
	var factors sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(
		&p.TransactionID, &p.FraudProbability, &p.RiskLevel,
		&p.ModelType, &scores, &p.ReputationScore, &factors, &p.ScoredAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(scores), &p.ModelScores)
	if factors.String != "" {
		p.RiskFactors = strings.Split(factors.String, ",")
	}

	return &p, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL drivers.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" && r.driver != "pgx" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
