package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/dedup"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// BusSubscriber admits TransactionRequest payloads published on the event
// bus. Bus delivery is at-most-once, so a message is settled (admitted,
// dropped or found duplicate) before the handler returns.
type BusSubscriber struct {
	bus  domain.EventBus
	gate *Gate
	now  func() time.Time

	mu  sync.Mutex
	sub domain.Subscription
}

// NewBusSubscriber creates a subscriber for domain.TopicTransactionSubmitted.
func NewBusSubscriber(bus domain.EventBus, gate *Gate) *BusSubscriber {
	return &BusSubscriber{bus: bus, gate: gate, now: time.Now}
}

// Start subscribes. Messages are handled until ctx ends or Stop is called.
func (s *BusSubscriber) Start(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx, domain.TopicTransactionSubmitted, s.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicTransactionSubmitted, err)
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	slog.Info("bus ingest started", "topic", domain.TopicTransactionSubmitted)
	return nil
}

// Stop unsubscribes.
func (s *BusSubscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return
	}
	if err := s.sub.Unsubscribe(); err != nil {
		slog.Warn("bus ingest unsubscribe failed", "error", err)
	}
	s.sub = nil
}

func (s *BusSubscriber) handle(ctx context.Context, msg *domain.Message) error {
	req, err := decodeRequest(msg.Payload)
	if err != nil {
		slog.Warn("bus message dropped", "message_id", msg.ID, "error", err)
		return nil
	}

	// Without an id the message id keys the transaction.
	id := req.ID
	if id == "" {
		id = msg.ID
	}
	tx := req.ToTransaction(id, domain.SourceBus, s.now())

	for {
		_, err := s.gate.Admit(ctx, dedup.NamespaceBus, tx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrBackpressure) {
			return fmt.Errorf("bus transaction %s not admitted: %w", tx.ID, err)
		}

		select {
		case <-time.After(retryWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
