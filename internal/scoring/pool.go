package scoring

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/queue"
	"github.com/opensource-finance/kestrel/internal/risk"
)

// Pool is the scoring worker pool. Workers consume the transaction queue
// and feed high-risk alerts into the alert queue.
type Pool struct {
	scorer  *Scorer
	txQueue *queue.Queue[*domain.Transaction]
	alerts  *queue.Queue[*domain.Alert]
	state   *metrics.State
	workers int

	wg sync.WaitGroup
}

// NewPool creates a pool of workers scoring from txQueue.
func NewPool(scorer *Scorer, txQueue *queue.Queue[*domain.Transaction], alerts *queue.Queue[*domain.Alert], state *metrics.State, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		scorer:  scorer,
		txQueue: txQueue,
		alerts:  alerts,
		state:   state,
		workers: workers,
	}
}

// Submit enqueues tx for scoring. It returns domain.ErrBackpressure when
// the queue is full and queue.ErrClosed after shutdown began.
func (p *Pool) Submit(ctx context.Context, tx *domain.Transaction) error {
	// Count first so a fast worker never drives the depth negative.
	p.state.TransactionQueued()
	if err := p.txQueue.Enqueue(ctx, tx); err != nil {
		p.state.TransactionRejected()
		return err
	}
	return nil
}

// Start launches the workers. They exit once the queue is closed and drained.
func (p *Pool) Start() {
	p.state.SetScoringWorkers(p.workers)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	slog.Info("scoring workers started", "workers", p.workers)
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
	p.state.SetScoringWorkers(0)
	slog.Info("scoring workers stopped")
}

// ScoreNow scores tx on the caller's goroutine with the same bookkeeping
// as a queued transaction.
func (p *Pool) ScoreNow(ctx context.Context, tx *domain.Transaction) (*Result, error) {
	p.state.TransactionQueued()
	return p.process(ctx, tx)
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	for {
		tx, err := p.txQueue.Dequeue(context.Background())
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) {
				slog.Error("scoring worker dequeue failed", "worker", id, "error", err)
			}
			return
		}
		p.process(context.Background(), tx)
	}
}

func (p *Pool) process(ctx context.Context, tx *domain.Transaction) (*Result, error) {
	start := time.Now()

	result, err := p.scorer.Score(ctx, tx)
	if err != nil {
		p.state.TransactionFailed()
		return nil, err
	}

	high := risk.ShouldAlert(result.Prediction) && !result.Replayed
	p.state.TransactionScored(high, time.Since(start))

	slog.Info("transaction scored",
		"tx_id", tx.ID,
		"source", tx.Source,
		"fraud_probability", result.Prediction.FraudProbability,
		"risk_level", result.Prediction.RiskLevel,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if result.Alert != nil {
		p.dispatch(ctx, result.Alert)
	}
	return result, nil
}

// dispatch hands an alert to the dispatch pool, waiting for room in the
// alert queue whatever its full policy. The alert is already persisted as
// pending, so only shutdown can leave it for the next start to recover.
func (p *Pool) dispatch(ctx context.Context, alert *domain.Alert) {
	p.state.AlertQueued()
	if err := p.alerts.Put(context.WithoutCancel(ctx), alert); err != nil {
		p.state.AlertDequeued()
		slog.Warn("alert queue closed, alert left pending",
			"alert_id", alert.ID,
			"tx_id", alert.TransactionID,
			"error", err,
		)
	}
}
