package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/opensource-finance/kestrel/internal/dedup"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// retryWait is how long streaming sources wait out backpressure.
const retryWait = 200 * time.Millisecond

// MessageReader is the part of kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads TransactionRequest JSON messages and admits them.
// Offsets are committed only after a message was accepted, dropped as
// invalid, or found to be a duplicate.
type KafkaConsumer struct {
	reader MessageReader
	gate   *Gate
	now    func() time.Time
	done   chan struct{}
}

// NewKafkaConsumer creates a consumer group reader for cfg.
func NewKafkaConsumer(cfg domain.KafkaConfig, gate *Gate) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	return newKafkaConsumer(reader, gate)
}

func newKafkaConsumer(reader MessageReader, gate *Gate) *KafkaConsumer {
	return &KafkaConsumer{reader: reader, gate: gate, now: time.Now, done: make(chan struct{})}
}

// Start consumes until ctx is cancelled.
func (c *KafkaConsumer) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		defer c.reader.Close()

		for {
			m, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("kafka read error", "error", err)
				continue
			}

			if !c.handle(ctx, m) {
				return
			}
			if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
				slog.Warn("kafka commit failed", "offset", m.Offset, "error", err)
			}
		}
	}()
}

// Done is closed once the consumer has stopped.
func (c *KafkaConsumer) Done() <-chan struct{} {
	return c.done
}

// handle admits one message, waiting out backpressure. It returns false
// only when ctx ended before the message was settled.
func (c *KafkaConsumer) handle(ctx context.Context, m kafka.Message) bool {
	tx, err := c.decode(m)
	if err != nil {
		slog.Warn("kafka message dropped",
			"partition", m.Partition,
			"offset", m.Offset,
			"error", err,
		)
		return true
	}

	for {
		_, err := c.gate.Admit(ctx, dedup.NamespaceKafka, tx)
		if err == nil {
			return true
		}
		if !errors.Is(err, domain.ErrBackpressure) {
			slog.Error("kafka transaction not admitted", "tx_id", tx.ID, "error", err)
			return ctx.Err() == nil
		}

		select {
		case <-time.After(retryWait):
		case <-ctx.Done():
			return false
		}
	}
}

// decode maps a message to a transaction. Messages without an id are keyed
// by their message key, else by partition and offset, so redelivery dedups.
func (c *KafkaConsumer) decode(m kafka.Message) (*domain.Transaction, error) {
	req, err := decodeRequest(m.Value)
	if err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" && len(m.Key) > 0 {
		id = string(m.Key)
	}
	if id == "" {
		id = fmt.Sprintf("kafka-%s-%d-%d", m.Topic, m.Partition, m.Offset)
	}

	return req.ToTransaction(id, domain.SourceKafka, c.now()), nil
}
