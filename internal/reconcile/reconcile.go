// Package reconcile pulls recent Stripe charges and enqueues the ones the
// webhooks missed.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opensource-finance/kestrel/internal/dedup"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/stripe"
)

// ErrInProgress is returned when a run is requested while one is active.
var ErrInProgress = errors.New("sync already in progress")

// ChargeLister lists charges from the processor API.
type ChargeLister interface {
	Configured() bool
	ListCharges(ctx context.Context, since time.Time) ([]stripe.Charge, error)
}

// Summary reports one reconciliation run.
type Summary struct {
	Fetched        int       `json:"fetched"`
	ProcessedCount int       `json:"processed_count"`
	Duplicates     int       `json:"duplicates"`
	Failures       int       `json:"failures"`
	Skipped        int       `json:"skipped"`
	StoppedReason  string    `json:"stopped_reason,omitempty"`
	LookbackHours  float64   `json:"lookback_hours"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Status is the last known outcome of reconciliation.
type Status struct {
	Running     bool      `json:"running"`
	LastRun     time.Time `json:"last_run,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LastSummary *Summary  `json:"last_summary,omitempty"`
}

// Reconciler runs Stripe reconciliation on demand and on a schedule.
type Reconciler struct {
	lister ChargeLister
	gate   *ingest.Gate
	bus    domain.EventBus
	now    func() time.Time

	running atomic.Bool

	mu      sync.RWMutex
	lastRun time.Time
	lastErr error
	last    *Summary

	cron *cron.Cron
}

// New creates a reconciler. bus may be nil.
func New(lister ChargeLister, gate *ingest.Gate, bus domain.EventBus) *Reconciler {
	return &Reconciler{lister: lister, gate: gate, bus: bus, now: time.Now}
}

// Reconcile lists charges created within lookback and admits each through
// the stripe dedup namespace. An API failure returns an error wrapping
// domain.ErrUpstreamSync before anything is enqueued. Backpressure stops
// the run early; the summary says so and counts what was skipped.
func (r *Reconciler) Reconcile(ctx context.Context, lookback time.Duration) (*Summary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrInProgress
	}
	defer r.running.Store(false)

	start := r.now()
	summary := &Summary{LookbackHours: lookback.Hours(), StartedAt: start.UTC()}

	charges, err := r.lister.ListCharges(ctx, start.Add(-lookback))
	if err != nil {
		if !errors.Is(err, domain.ErrUpstreamSync) {
			err = fmt.Errorf("%w: %v", domain.ErrUpstreamSync, err)
		}
		r.finish(summary, err)
		slog.Error("stripe sync failed", "error", err)
		return nil, err
	}
	summary.Fetched = len(charges)

	for i := range charges {
		tx := stripe.MapCharge(&charges[i], domain.SourceStripeSync, r.now())
		res, err := r.gate.Admit(ctx, dedup.NamespaceStripe, tx)
		if err != nil {
			if errors.Is(err, domain.ErrBackpressure) || errors.Is(err, context.Canceled) {
				summary.StoppedReason = stopReason(err)
				summary.Skipped = len(charges) - i
				break
			}
			summary.Failures++
			slog.Warn("stripe sync could not admit charge", "tx_id", tx.ID, "error", err)
			continue
		}
		if res.Status == ingest.StatusDuplicate {
			summary.Duplicates++
			continue
		}
		summary.ProcessedCount++
	}

	r.finish(summary, nil)
	slog.Info("stripe sync completed",
		"fetched", summary.Fetched,
		"processed_count", summary.ProcessedCount,
		"duplicates", summary.Duplicates,
		"failures", summary.Failures,
		"skipped", summary.Skipped,
	)
	r.publish(ctx, summary)
	return summary, nil
}

// Schedule runs Reconcile every interval. A run still in progress when the
// next tick fires is not overlapped.
func (r *Reconciler) Schedule(interval, lookback time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: sync interval must be positive", domain.ErrValidation)
	}

	logger := cronLogger{}
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)), cron.WithLogger(logger))
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		_, err := r.Reconcile(context.Background(), lookback)
		if errors.Is(err, ErrInProgress) {
			slog.Info("scheduled stripe sync skipped, manual run in progress")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule stripe sync: %w", err)
	}

	r.cron = c
	c.Start()
	slog.Info("stripe sync scheduled", "interval", interval.String(), "lookback", lookback.String())
	return nil
}

// Stop halts the schedule and waits for a scheduled run in progress.
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// Configured reports whether the processor API is usable.
func (r *Reconciler) Configured() bool {
	return r.lister.Configured()
}

// Status returns the outcome of the last run.
func (r *Reconciler) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Status{Running: r.running.Load(), LastRun: r.lastRun, LastSummary: r.last}
	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
	}
	return s
}

func (r *Reconciler) finish(summary *Summary, err error) {
	summary.FinishedAt = r.now().UTC()

	r.mu.Lock()
	r.lastRun = summary.FinishedAt
	r.lastErr = err
	if err == nil {
		r.last = summary
	}
	r.mu.Unlock()
}

func (r *Reconciler) publish(ctx context.Context, summary *Summary) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, domain.TopicReconcileCompleted, payload); err != nil {
		slog.Error("failed to publish event",
			"topic", domain.TopicReconcileCompleted,
			"error", err,
		)
	}
}

func stopReason(err error) string {
	if errors.Is(err, domain.ErrBackpressure) {
		return "backpressure"
	}
	return "cancelled"
}

// cronLogger routes cron's logs to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
