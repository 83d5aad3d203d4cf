package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveAlert stores an alert unless the transaction already has one.
// It reports whether a row was written.
func (r *SQLRepository) SaveAlert(ctx context.Context, alert *domain.Alert) (bool, error) {
	if alert == nil || alert.ID == "" || alert.TransactionID == "" {
		return false, fmt.Errorf("%w: alert id and transaction id are required", domain.ErrValidation)
	}

	now := time.Now().UTC()
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = now
	}
	if alert.UpdatedAt.IsZero() {
		alert.UpdatedAt = alert.CreatedAt
	}

	query := `
		INSERT INTO alerts (
			id, transaction_id, type, severity, amount, currency, user_id, merchant,
			fraud_probability, status, delivery_state, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, alert.TransactionID, string(alert.Type), string(alert.Severity),
		alert.Amount.String(), alert.Currency, alert.UserID, alert.Merchant,
		alert.FraudProbability, string(alert.Status), string(alert.DeliveryState),
		alert.CreatedAt.UTC(), alert.UpdatedAt.UTC(),
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

const alertColumns = `id, transaction_id, type, severity, amount, currency, user_id, merchant,
	fraud_probability, status, delivery_state, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*domain.Alert, error) {
	var a domain.Alert
	var amount string

	if err := row.Scan(
		&a.ID, &a.TransactionID, &a.Type, &a.Severity, &amount, &a.Currency,
		&a.UserID, &a.Merchant, &a.FraudProbability, &a.Status,
		&a.DeliveryState, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := a.Amount.UnmarshalText([]byte(amount)); err != nil {
		return nil, fmt.Errorf("corrupt amount for alert %s: %w", a.ID, err)
	}
	return &a, nil
}

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = ?`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return alert, err
}

// UpdateAlertDelivery sets the delivery state of an alert.
func (r *SQLRepository) UpdateAlertDelivery(ctx context.Context, alertID string, state domain.DeliveryState) error {
	query := `UPDATE alerts SET delivery_state = ?, updated_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), string(state), time.Now().UTC(), alertID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAlertsByDelivery returns the newest alerts in a delivery state.
func (r *SQLRepository) ListAlertsByDelivery(ctx context.Context, state domain.DeliveryState, limit int) ([]*domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE delivery_state = ? ORDER BY created_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), string(state), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}

	return alerts, rows.Err()
}

// SaveDeliveryAttempt appends a delivery attempt.
func (r *SQLRepository) SaveDeliveryAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	if attempt == nil || attempt.AlertID == "" {
		return fmt.Errorf("%w: attempt alert id is required", domain.ErrValidation)
	}
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO delivery_attempts (alert_id, channel, attempt, outcome, error, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		attempt.AlertID, attempt.Channel, attempt.Attempt,
		string(attempt.Outcome), attempt.Error, attempt.AttemptedAt.UTC(),
	)
	return err
}

// ListDeliveryAttempts returns the attempts for an alert in the order they were made.
func (r *SQLRepository) ListDeliveryAttempts(ctx context.Context, alertID string) ([]*domain.DeliveryAttempt, error) {
	query := `
		SELECT alert_id, channel, attempt, outcome, error, attempted_at
		FROM delivery_attempts
		WHERE alert_id = ?
		ORDER BY attempted_at, channel, attempt
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), alertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		var errText sql.NullString
		if err := rows.Scan(&a.AlertID, &a.Channel, &a.Attempt, &a.Outcome, &errText, &a.AttemptedAt); err != nil {
			return nil, err
		}
		a.Error = errText.String
		attempts = append(attempts, &a)
	}

	return attempts, rows.Err()
}

// SaveRuleConfig inserts or replaces an alert-typing rule.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrValidation)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, name, description, expression, alert_type, priority, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			alert_type = excluded.alert_type,
			priority = excluded.priority,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Expression,
		string(rule.AlertType), rule.Priority, enabled, now, now,
	)
	return err
}

// ListRuleConfigs returns every stored rule, enabled or not, by priority.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `
		SELECT id, name, description, expression, alert_type, priority, enabled
		FROM rule_configs
		ORDER BY priority, id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var description sql.NullString
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.Name, &description, &cfg.Expression,
			&cfg.AlertType, &cfg.Priority, &enabled,
		); err != nil {
			return nil, err
		}

		cfg.Description = description.String
		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

var _ domain.Repository = (*SQLRepository)(nil)
