package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("kestrel-alerting")

// RetryPolicy bounds delivery on a single channel.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	AttemptTimeout time.Duration
}

// PolicyFromConfig reads the retry policy from cfg, filling defaults.
func PolicyFromConfig(cfg domain.AlertingConfig) RetryPolicy {
	p := RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		AttemptTimeout: cfg.AttemptTimeout,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = time.Second
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 10 * time.Second
	}
	return p
}

// Dispatcher is the alert dispatch pool.
type Dispatcher struct {
	queue    *queue.Queue[*domain.Alert]
	channels []Channel
	repo     domain.Repository
	bus      domain.EventBus
	state    *metrics.State
	policy   RetryPolicy
	workers  int

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher consuming q. bus may be nil.
func NewDispatcher(q *queue.Queue[*domain.Alert], channels []Channel, repo domain.Repository, bus domain.EventBus, state *metrics.State, policy RetryPolicy, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		queue:    q,
		channels: channels,
		repo:     repo,
		bus:      bus,
		state:    state,
		policy:   policy,
		workers:  workers,
	}
}

// ChannelNames lists the configured channels.
func (d *Dispatcher) ChannelNames() []string {
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Start launches the workers. They exit once the queue is closed and drained.
func (d *Dispatcher) Start() {
	if len(d.channels) == 0 {
		slog.Warn("no alert channels configured, alerts will be dead-lettered")
	}
	d.state.SetAlertWorkers(d.workers)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run(i)
	}
	slog.Info("alert dispatch workers started",
		"workers", d.workers,
		"channels", d.ChannelNames(),
	)
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
	d.state.SetAlertWorkers(0)
	slog.Info("alert dispatch workers stopped")
}

// Recover re-queues alerts left pending by a previous run. It stops at the
// first alert the queue will not take and returns how many were queued.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	pending, err := d.repo.ListAlertsByDelivery(ctx, domain.DeliveryPending, d.queue.Cap())
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, alert := range pending {
		d.state.AlertQueued()
		if err := d.queue.Enqueue(ctx, alert); err != nil {
			d.state.AlertDequeued()
			break
		}
		queued++
	}

	if queued > 0 {
		slog.Info("pending alerts re-queued", "count", queued, "pending", len(pending))
	}
	return queued, nil
}

func (d *Dispatcher) run(id int) {
	defer d.wg.Done()

	for {
		alert, err := d.queue.Dequeue(context.Background())
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) {
				slog.Error("alert worker dequeue failed", "worker", id, "error", err)
			}
			return
		}
		d.state.AlertDequeued()
		d.Deliver(context.Background(), alert)
	}
}

// Deliver sends alert to every channel concurrently and records the final
// delivery state. The alert's review status is never changed.
func (d *Dispatcher) Deliver(ctx context.Context, alert *domain.Alert) domain.DeliveryState {
	ctx, span := tracer.Start(ctx, "alerting.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("alert.id", alert.ID),
		attribute.String("tx.id", alert.TransactionID),
		attribute.Int("channels", len(d.channels)),
	)

	results := make([]bool, len(d.channels))
	var wg sync.WaitGroup
	for i, ch := range d.channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			results[i] = d.deliverChannel(ctx, alert, ch)
		}(i, ch)
	}
	wg.Wait()

	state := domain.DeliveryDeadLettered
	for _, ok := range results {
		if ok {
			state = domain.DeliveryDelivered
			break
		}
	}

	if err := d.repo.UpdateAlertDelivery(context.WithoutCancel(ctx), alert.ID, state); err != nil {
		slog.Error("failed to update alert delivery state",
			"alert_id", alert.ID,
			"state", state,
			"error", err,
		)
	}
	alert.DeliveryState = state

	if state == domain.DeliveryDelivered {
		d.state.AlertDelivered()
		slog.Info("fraud alert delivered",
			"alert_id", alert.ID,
			"tx_id", alert.TransactionID,
		)
		return state
	}

	d.state.AlertDeadLettered()
	span.SetStatus(codes.Error, "all channels exhausted")
	slog.Error("undelivered fraud alert",
		"alert_id", alert.ID,
		"tx_id", alert.TransactionID,
		"severity", alert.Severity,
		"fraud_probability", alert.FraudProbability,
		"channels", len(d.channels),
	)
	d.publishDeadLetter(ctx, alert)
	return state
}

// deliverChannel runs the per-channel attempt loop and reports whether the
// channel delivered.
func (d *Dispatcher) deliverChannel(ctx context.Context, alert *domain.Alert, ch Channel) bool {
	backoff := d.policy.InitialBackoff

	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		start := time.Now()
		actx, cancel := context.WithTimeout(ctx, d.policy.AttemptTimeout)
		err := ch.Send(actx, alert)
		timedOut := err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(actx.Err(), context.DeadlineExceeded))
		cancel()

		outcome := domain.OutcomeSuccess
		switch {
		case timedOut:
			outcome = domain.OutcomeTimeout
		case err != nil:
			outcome = domain.OutcomeFailure
		}

		d.state.ObserveDelivery(ch.Name(), string(outcome), time.Since(start))
		d.record(ctx, alert, ch.Name(), attempt, outcome, err, start)

		if err == nil {
			return true
		}

		slog.Warn("alert delivery attempt failed",
			"alert_id", alert.ID,
			"channel", ch.Name(),
			"attempt", attempt,
			"outcome", outcome,
			"error", err,
		)

		if attempt == d.policy.MaxAttempts {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
		backoff *= 2
	}

	return false
}

func (d *Dispatcher) record(ctx context.Context, alert *domain.Alert, channel string, attempt int, outcome domain.AttemptOutcome, sendErr error, at time.Time) {
	rec := &domain.DeliveryAttempt{
		AlertID:     alert.ID,
		Channel:     channel,
		Attempt:     attempt,
		Outcome:     outcome,
		AttemptedAt: at.UTC(),
	}
	if sendErr != nil {
		rec.Error = sendErr.Error()
	}
	if err := d.repo.SaveDeliveryAttempt(context.WithoutCancel(ctx), rec); err != nil {
		slog.Error("failed to record delivery attempt",
			"alert_id", alert.ID,
			"channel", channel,
			"attempt", attempt,
			"error", err,
		)
	}
}

func (d *Dispatcher) publishDeadLetter(ctx context.Context, alert *domain.Alert) {
	if d.bus == nil {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return
	}
	if err := d.bus.Publish(ctx, domain.TopicAlertDeadLettered, payload); err != nil {
		slog.Error("failed to publish event",
			"topic", domain.TopicAlertDeadLettered,
			"error", err,
		)
	}
}
