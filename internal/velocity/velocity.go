// Package velocity derives per-user transaction velocity features.
package velocity

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	namespace = "velocity"

	// DefaultWindow is the look-back for num_transactions_today.
	DefaultWindow = 24 * time.Hour

	// saturation is the count at which velocity_score reaches 1.
	saturation = 10.0

	// historyLimit caps how many recent amounts feed the average.
	historyLimit = 1000
)

// Service counts recent transactions per user and summarises their amounts.
// The cache counter is authoritative; the repository is the fallback
// when the cache is unavailable.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	window time.Duration
	now    func() time.Time
}

// NewService creates a new velocity service. A zero window means 24 hours.
func NewService(repo domain.Repository, cache domain.Cache, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{
		repo:   repo,
		cache:  cache,
		window: window,
		now:    time.Now,
	}
}

// Enrich records tx against its user and fills the velocity and amount
// history features the caller left unset. It must run before tx is
// enqueued. The returned undo takes the recorded count back for a
// transaction that ends up not admitted; it is never nil.
func (s *Service) Enrich(ctx context.Context, tx *domain.Transaction) (undo func(), err error) {
	undo = func() {}
	if tx.UserID == "" {
		return undo, nil
	}

	if tx.Features.AvgTransactionAmount == 0 && tx.Features.AmountDeviation == 0 {
		if err := s.fillHistory(ctx, tx); err != nil {
			slog.Warn("amount history unavailable", "user_id", tx.UserID, "error", err)
		}
	}

	// Callers that supply velocity features keep them.
	if tx.Features.NumTransactionsToday != 0 || tx.Features.VelocityScore != 0 {
		return undo, nil
	}

	count, cached, err := s.record(ctx, tx.UserID)
	if err != nil {
		return undo, err
	}

	tx.Features.NumTransactionsToday = float64(count)
	tx.Features.VelocityScore = Score(count)
	if cached {
		userID := tx.UserID
		undo = func() { s.forget(context.WithoutCancel(ctx), userID) }
	}
	return undo, nil
}

// Score maps a transaction count to min(count/10, 1).
func Score(count int64) float64 {
	score := float64(count) / saturation
	if score > 1 {
		return 1
	}
	return score
}

// GetTransactionCount returns the number of stored transactions for a user
// within the window.
func (s *Service) GetTransactionCount(ctx context.Context, userID string, window time.Duration) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: userID is required", domain.ErrValidation)
	}
	if s.repo == nil {
		return 0, fmt.Errorf("no data source available")
	}

	count, err := s.repo.CountUserTransactions(ctx, userID, s.now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

// record counts the new transaction and returns the user's total in the
// window. cached reports whether the count went through the cache counter.
func (s *Service) record(ctx context.Context, userID string) (count int64, cached bool, err error) {
	if s.cache != nil {
		count, err := s.cache.IncrementCounter(ctx, namespace, userID, s.window)
		if err == nil {
			return count, true, nil
		}
		slog.Warn("velocity counter unavailable, falling back to repository",
			"user_id", userID,
			"error", err,
		)
	}

	stored, err := s.GetTransactionCount(ctx, userID, s.window)
	if err != nil {
		return 0, false, err
	}
	// The incoming transaction is not stored yet.
	return stored + 1, false, nil
}

func (s *Service) forget(ctx context.Context, userID string) {
	if err := s.cache.DecrementCounter(ctx, namespace, userID); err != nil {
		slog.Error("failed to roll back velocity counter",
			"user_id", userID,
			"error", err,
		)
	}
}

// fillHistory sets avg_transaction_amount from the user's stored
// transactions in the window and amount_deviation as
// |amount - avg| / max(avg, 1).
func (s *Service) fillHistory(ctx context.Context, tx *domain.Transaction) error {
	if s.repo == nil {
		return nil
	}

	amounts, err := s.repo.RecentUserAmounts(ctx, tx.UserID, s.now().Add(-s.window), historyLimit)
	if err != nil {
		return fmt.Errorf("failed to load amount history: %w", err)
	}
	if len(amounts) == 0 {
		return nil
	}

	sum := decimal.Zero
	for _, a := range amounts {
		sum = sum.Add(a)
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(amounts))))
	if !avg.IsPositive() {
		return nil
	}

	tx.Features.AvgTransactionAmount = avg.InexactFloat64()
	tx.Features.AmountDeviation = tx.Amount.Sub(avg).Abs().InexactFloat64() / math.Max(avg.InexactFloat64(), 1)
	return nil
}
