package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/dedup"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/stripe"
	"github.com/shopspring/decimal"
)

type fakeLister struct {
	charges []stripe.Charge
	err     error
	block   chan struct{}
	since   time.Time
}

func (f *fakeLister) Configured() bool { return true }

func (f *fakeLister) ListCharges(ctx context.Context, since time.Time) ([]stripe.Charge, error) {
	f.since = since
	if f.block != nil {
		<-f.block
	}
	return f.charges, f.err
}

// capSubmitter accepts up to limit transactions, then reports backpressure.
type capSubmitter struct {
	mu    sync.Mutex
	ids   []string
	limit int
}

func (s *capSubmitter) Submit(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && len(s.ids) >= s.limit {
		return domain.ErrBackpressure
	}
	s.ids = append(s.ids, tx.ID)
	return nil
}

func charges(n int) []stripe.Charge {
	out := make([]stripe.Charge, n)
	for i := range out {
		out[i] = stripe.Charge{ID: fmt.Sprintf("ch_%d", i), Amount: 1000, Currency: "usd"}
	}
	return out
}

func newGate(index *dedup.Index, sub ingest.Submitter) *ingest.Gate {
	return ingest.NewGate(index, nil, sub, domain.ProcessorsConfig{})
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("EnqueuesUnseen", func(t *testing.T) {
		sub := &capSubmitter{}
		lister := &fakeLister{charges: charges(3)}
		r := New(lister, newGate(dedup.NewIndex(cache.NewLRUCache(100), nil, 0), sub), nil)

		s, err := r.Reconcile(ctx, 24*time.Hour)
		if err != nil {
			t.Fatalf("reconcile failed: %v", err)
		}
		if s.Fetched != 3 || s.ProcessedCount != 3 || s.Duplicates != 0 {
			t.Errorf("unexpected summary: %+v", s)
		}
		if time.Since(lister.since) < 24*time.Hour-time.Minute {
			t.Errorf("lookback not applied: since=%v", lister.since)
		}

		s, _ = r.Reconcile(ctx, 24*time.Hour)
		if s.ProcessedCount != 0 || s.Duplicates != 3 {
			t.Errorf("second run should find only duplicates: %+v", s)
		}
		if len(sub.ids) != 3 {
			t.Errorf("expected 3 enqueued, got %d", len(sub.ids))
		}
	})

	t.Run("SharesNamespaceWithWebhook", func(t *testing.T) {
		index := dedup.NewIndex(cache.NewLRUCache(100), nil, 0)
		sub := &capSubmitter{}
		gate := newGate(index, sub)

		// The webhook saw ch_1 first.
		webhookTx := &domain.Transaction{ID: "ch_1", Amount: decimal.NewFromInt(10), Source: domain.SourceStripeWebhook}
		if _, err := gate.Admit(ctx, dedup.NamespaceStripe, webhookTx); err != nil {
			t.Fatal(err)
		}

		r := New(&fakeLister{charges: charges(3)}, gate, nil)
		s, err := r.Reconcile(ctx, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if s.ProcessedCount != 2 || s.Duplicates != 1 {
			t.Errorf("expected 2 processed and 1 duplicate, got %+v", s)
		}
		if len(sub.ids) != 3 {
			t.Errorf("ch_1 must be enqueued exactly once overall, got %v", sub.ids)
		}
	})

	t.Run("UpstreamFailureEnqueuesNothing", func(t *testing.T) {
		sub := &capSubmitter{}
		r := New(&fakeLister{err: errors.New("connection reset")}, newGate(dedup.NewIndex(cache.NewLRUCache(100), nil, 0), sub), nil)

		s, err := r.Reconcile(ctx, time.Hour)
		if !errors.Is(err, domain.ErrUpstreamSync) {
			t.Fatalf("expected ErrUpstreamSync, got %v", err)
		}
		if s != nil || len(sub.ids) != 0 {
			t.Errorf("failed sync must not enqueue: summary=%v enqueued=%d", s, len(sub.ids))
		}

		st := r.Status()
		if st.LastError == "" || st.LastRun.IsZero() {
			t.Errorf("status should record the failure: %+v", st)
		}
	})

	t.Run("BackpressureStopsRun", func(t *testing.T) {
		index := dedup.NewIndex(cache.NewLRUCache(100), nil, 0)
		sub := &capSubmitter{limit: 2}
		r := New(&fakeLister{charges: charges(5)}, newGate(index, sub), nil)

		s, err := r.Reconcile(ctx, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if s.ProcessedCount != 2 || s.Skipped != 3 || s.StoppedReason != "backpressure" {
			t.Errorf("unexpected summary: %+v", s)
		}

		// The rejected charge was released, so a later run can admit it.
		sub.mu.Lock()
		sub.limit = 0
		sub.mu.Unlock()
		s, _ = r.Reconcile(ctx, time.Hour)
		if s.ProcessedCount != 3 || s.Duplicates != 2 {
			t.Errorf("follow-up run should pick up the rest: %+v", s)
		}
	})

	t.Run("NoOverlap", func(t *testing.T) {
		lister := &fakeLister{charges: charges(1), block: make(chan struct{})}
		r := New(lister, newGate(dedup.NewIndex(cache.NewLRUCache(100), nil, 0), &capSubmitter{}), nil)

		done := make(chan error, 1)
		go func() {
			_, err := r.Reconcile(ctx, time.Hour)
			done <- err
		}()

		deadline := time.Now().Add(time.Second)
		for !r.Status().Running && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if _, err := r.Reconcile(ctx, time.Hour); !errors.Is(err, ErrInProgress) {
			t.Errorf("expected ErrInProgress, got %v", err)
		}

		close(lister.block)
		if err := <-done; err != nil {
			t.Errorf("first run failed: %v", err)
		}
	})
}

func TestReconcilePublishesSummary(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	got := make(chan Summary, 1)
	_, err := eventBus.Subscribe(context.Background(), domain.TopicReconcileCompleted, func(ctx context.Context, msg *domain.Message) error {
		var s Summary
		_ = json.Unmarshal(msg.Payload, &s)
		got <- s
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	r := New(&fakeLister{charges: charges(2)}, newGate(dedup.NewIndex(cache.NewLRUCache(100), nil, 0), &capSubmitter{}), eventBus)
	if _, err := r.Reconcile(context.Background(), time.Hour); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-got:
		if s.ProcessedCount != 2 {
			t.Errorf("unexpected published summary: %+v", s)
		}
	case <-time.After(time.Second):
		t.Error("summary not published")
	}
}

func TestSchedule(t *testing.T) {
	var calls atomic.Int32
	lister := &countingLister{calls: &calls}
	r := New(lister, newGate(dedup.NewIndex(cache.NewLRUCache(100), nil, 0), &capSubmitter{}), nil)

	if err := r.Schedule(0, time.Hour); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation for zero interval, got %v", err)
	}

	if err := r.Schedule(time.Second, time.Hour); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	r.Stop()

	if calls.Load() == 0 {
		t.Error("scheduled sync never ran")
	}
}

type countingLister struct {
	calls *atomic.Int32
}

func (c *countingLister) Configured() bool { return true }

func (c *countingLister) ListCharges(ctx context.Context, since time.Time) ([]stripe.Charge, error) {
	c.calls.Add(1)
	return nil, nil
}
