package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveReputation inserts or replaces a reputation entry.
func (r *SQLRepository) SaveReputation(ctx context.Context, rep *domain.Reputation) error {
	if rep == nil || rep.Kind == "" || rep.Key == "" {
		return fmt.Errorf("%w: reputation kind and key are required", domain.ErrValidation)
	}
	if rep.UpdatedAt.IsZero() {
		rep.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO reputation (
			kind, lookup_key, risk_score, country, is_proxy, is_vpn, is_disposable, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, lookup_key) DO UPDATE SET
			risk_score = excluded.risk_score,
			country = excluded.country,
			is_proxy = excluded.is_proxy,
			is_vpn = excluded.is_vpn,
			is_disposable = excluded.is_disposable,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		string(rep.Kind), rep.Key, rep.RiskScore, rep.Country,
		boolToInt(rep.Proxy), boolToInt(rep.VPN), boolToInt(rep.Disposable),
		rep.UpdatedAt.UTC(),
	)
	return err
}

// GetReputation retrieves the entry for kind and key.
func (r *SQLRepository) GetReputation(ctx context.Context, kind domain.ReputationKind, key string) (*domain.Reputation, error) {
	query := `
		SELECT kind, lookup_key, risk_score, country, is_proxy, is_vpn, is_disposable, updated_at
		FROM reputation
		WHERE kind = ? AND lookup_key = ?
	`

	var rep domain.Reputation
	var country sql.NullString
	var proxy, vpn, disposable int

	err := r.db.QueryRowContext(ctx, r.rebind(query), string(kind), key).Scan(
		&rep.Kind, &rep.Key, &rep.RiskScore, &country,
		&proxy, &vpn, &disposable, &rep.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rep.Country = country.String
	rep.Proxy, rep.VPN, rep.Disposable = proxy != 0, vpn != 0, disposable != 0
	return &rep, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
