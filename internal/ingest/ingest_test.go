package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/dedup"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/paypal"
	"github.com/opensource-finance/kestrel/internal/stripe"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

const (
	stripeSecret = "whsec_test"
	paypalSecret = "pp_secret"
	paypalHookID = "WH-1"
)

// recordingSubmitter accepts transactions until full is set.
type recordingSubmitter struct {
	mu   sync.Mutex
	txs  []*domain.Transaction
	full bool
}

func (s *recordingSubmitter) Submit(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return domain.ErrBackpressure
	}
	s.txs = append(s.txs, tx)
	return nil
}

func (s *recordingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}

func (s *recordingSubmitter) setFull(full bool) {
	s.mu.Lock()
	s.full = full
	s.mu.Unlock()
}

func newGate(sub Submitter) *Gate {
	c := cache.NewLRUCache(1000)
	return NewGate(
		dedup.NewIndex(c, nil, time.Hour),
		velocity.NewService(nil, c, 0),
		sub,
		domain.ProcessorsConfig{
			Stripe: domain.StripeConfig{WebhookSecret: stripeSecret},
			PayPal: domain.PayPalConfig{WebhookSecret: paypalSecret, WebhookID: paypalHookID},
		},
	)
}

func stripeEvent(t *testing.T, eventType string, object any) []byte {
	t.Helper()
	obj, err := json.Marshal(object)
	if err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(map[string]any{
		"id":   "evt_1",
		"type": eventType,
		"data": map[string]json.RawMessage{"object": obj},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func stripeHeader(body []byte) http.Header {
	h := http.Header{}
	h.Set(stripe.SignatureHeader, stripe.SignatureFor(body, stripeSecret, time.Now()))
	return h
}

func TestHandleStripe(t *testing.T) {
	ctx := context.Background()
	charge := map[string]any{"id": "ch_1", "amount": 150000, "currency": "usd", "customer": "cus_1", "status": "succeeded"}

	t.Run("AcceptsThenDuplicate", func(t *testing.T) {
		sub := &recordingSubmitter{}
		gate := newGate(sub)
		body := stripeEvent(t, stripe.EventChargeSucceeded, charge)

		res, err := gate.HandleStripe(ctx, stripeHeader(body), body)
		if err != nil {
			t.Fatalf("handle failed: %v", err)
		}
		if res.Status != StatusAccepted || res.TransactionID != "ch_1" {
			t.Errorf("unexpected result: %+v", res)
		}

		res, err = gate.HandleStripe(ctx, stripeHeader(body), body)
		if err != nil || res.Status != StatusDuplicate {
			t.Errorf("expected duplicate, got %+v %v", res, err)
		}
		if sub.count() != 1 {
			t.Errorf("expected one enqueued transaction, got %d", sub.count())
		}

		tx := sub.txs[0]
		if tx.Source != domain.SourceStripeWebhook || tx.Amount.String() != "1500" {
			t.Errorf("unexpected mapped transaction: %+v", tx)
		}
		if tx.Features.NumTransactionsToday != 1 || tx.Features.VelocityScore != 0.1 {
			t.Errorf("velocity not applied: %+v", tx.Features)
		}
	})

	t.Run("BadSignature", func(t *testing.T) {
		sub := &recordingSubmitter{}
		gate := newGate(sub)
		body := stripeEvent(t, stripe.EventChargeSucceeded, charge)
		h := http.Header{}
		h.Set(stripe.SignatureHeader, stripe.SignatureFor(body, "wrong", time.Now()))

		_, err := gate.HandleStripe(ctx, h, body)
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
		if sub.count() != 0 {
			t.Error("unauthenticated webhook must not be enqueued")
		}
	})

	t.Run("UnknownEventIgnored", func(t *testing.T) {
		sub := &recordingSubmitter{}
		gate := newGate(sub)
		body := stripeEvent(t, "customer.created", map[string]any{"id": "cus_1"})

		res, err := gate.HandleStripe(ctx, stripeHeader(body), body)
		if err != nil || res.Status != StatusIgnored {
			t.Errorf("expected ignored, got %+v %v", res, err)
		}
	})

	t.Run("Dispute", func(t *testing.T) {
		sub := &recordingSubmitter{}
		gate := newGate(sub)
		body := stripeEvent(t, stripe.EventDisputeCreated, map[string]any{"id": "dp_1", "charge": "ch_1", "amount": 5000, "currency": "usd"})

		res, err := gate.HandleStripe(ctx, stripeHeader(body), body)
		if err != nil || res.Status != StatusAccepted || res.TransactionID != "dp_1" {
			t.Fatalf("unexpected result: %+v %v", res, err)
		}
		if sub.txs[0].Metadata["dispute"] != "true" {
			t.Error("dispute transaction not tagged")
		}
	})

	t.Run("BackpressureReleasesClaim", func(t *testing.T) {
		sub := &recordingSubmitter{full: true}
		gate := newGate(sub)
		body := stripeEvent(t, stripe.EventChargeSucceeded, charge)

		_, err := gate.HandleStripe(ctx, stripeHeader(body), body)
		if !errors.Is(err, domain.ErrBackpressure) {
			t.Fatalf("expected backpressure, got %v", err)
		}

		sub.setFull(false)
		res, err := gate.HandleStripe(ctx, stripeHeader(body), body)
		if err != nil || res.Status != StatusAccepted {
			t.Errorf("retry after backpressure should be accepted, got %+v %v", res, err)
		}
	})

	t.Run("MalformedObject", func(t *testing.T) {
		gate := newGate(&recordingSubmitter{})
		body := stripeEvent(t, stripe.EventChargeSucceeded, map[string]any{"amount": 100})
		if _, err := gate.HandleStripe(ctx, stripeHeader(body), body); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})
}

func TestHandlePayPal(t *testing.T) {
	ctx := context.Background()
	body, _ := json.Marshal(map[string]any{
		"id":         "WH-EVT-1",
		"event_type": paypal.EventCaptureCompleted,
		"resource": map[string]any{
			"id":     "CAP-1",
			"status": "COMPLETED",
			"amount": map[string]string{"value": "25.00", "currency_code": "USD"},
		},
	})

	signed := func(b []byte) http.Header {
		h := http.Header{}
		h.Set(paypal.HeaderTransmissionID, "tid-1")
		h.Set(paypal.HeaderTransmissionTime, "2025-03-08T14:00:00Z")
		h.Set(paypal.HeaderTransmissionSig, paypal.Sign(b, "tid-1", "2025-03-08T14:00:00Z", paypalHookID, paypalSecret))
		return h
	}

	t.Run("Accepted", func(t *testing.T) {
		sub := &recordingSubmitter{}
		gate := newGate(sub)

		res, err := gate.HandlePayPal(ctx, signed(body), body)
		if err != nil || res.Status != StatusAccepted || res.TransactionID != "CAP-1" {
			t.Fatalf("unexpected result: %+v %v", res, err)
		}
		if sub.txs[0].Source != domain.SourcePayPalWebhook {
			t.Errorf("unexpected source %s", sub.txs[0].Source)
		}
	})

	t.Run("MissingHeaders", func(t *testing.T) {
		gate := newGate(&recordingSubmitter{})
		if _, err := gate.HandlePayPal(ctx, http.Header{}, body); !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("Ignored", func(t *testing.T) {
		gate := newGate(&recordingSubmitter{})
		other, _ := json.Marshal(map[string]any{"id": "WH-2", "event_type": "BILLING.PLAN.CREATED", "resource": map[string]any{}})
		res, err := gate.HandlePayPal(ctx, signed(other), other)
		if err != nil || res.Status != StatusIgnored {
			t.Errorf("expected ignored, got %+v %v", res, err)
		}
	})
}

func TestAdmitKeepsSuppliedVelocity(t *testing.T) {
	sub := &recordingSubmitter{}
	gate := newGate(sub)
	tx := &domain.Transaction{
		ID:       "tx-1",
		UserID:   "u-1",
		Amount:   decimal.NewFromInt(10),
		Features: domain.Features{NumTransactionsToday: 4, VelocityScore: 0.4},
		Source:   domain.SourceAPI,
	}
	if _, err := gate.Admit(context.Background(), dedup.NamespaceAPI, tx); err != nil {
		t.Fatal(err)
	}
	if tx.Features.NumTransactionsToday != 4 || tx.Features.VelocityScore != 0.4 {
		t.Errorf("supplied velocity overwritten: %+v", tx.Features)
	}
}

func TestRejectedAdmitDoesNotCountVelocity(t *testing.T) {
	ctx := context.Background()
	sub := &recordingSubmitter{full: true}
	gate := newGate(sub)

	admit := func(id string) (*domain.Transaction, error) {
		tx := &domain.Transaction{ID: id, UserID: "u-retry", Amount: decimal.NewFromInt(10), Source: domain.SourceAPI}
		_, err := gate.Admit(ctx, dedup.NamespaceAPI, tx)
		return tx, err
	}

	// The sender keeps retrying while the queue is full.
	for i := 0; i < 5; i++ {
		if _, err := admit("tx-retry"); !errors.Is(err, domain.ErrBackpressure) {
			t.Fatalf("attempt %d: expected backpressure, got %v", i, err)
		}
	}

	sub.setFull(false)
	tx, err := admit("tx-retry")
	if err != nil {
		t.Fatalf("retry after backpressure failed: %v", err)
	}
	if tx.Features.NumTransactionsToday != 1 || tx.Features.VelocityScore != 0.1 {
		t.Errorf("rejected attempts were counted: %+v", tx.Features)
	}

	next, err := admit("tx-next")
	if err != nil {
		t.Fatal(err)
	}
	if next.Features.NumTransactionsToday != 2 {
		t.Errorf("expected the second admitted transaction to count 2, got %v", next.Features.NumTransactionsToday)
	}
}

func TestValidateRequest(t *testing.T) {
	valid := func() *domain.TransactionRequest {
		return &domain.TransactionRequest{
			UserID:   "u-1",
			Merchant: "acme",
			Amount:   decimal.NewFromInt(10),
			Features: domain.Features{MerchantRiskScore: 0.5},
		}
	}

	if err := ValidateRequest(valid()); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	cases := map[string]func(r *domain.TransactionRequest){
		"MissingUser":       func(r *domain.TransactionRequest) { r.UserID = "" },
		"NegativeAmount":    func(r *domain.TransactionRequest) { r.Amount = decimal.NewFromInt(-1) },
		"RiskScoreAboveOne": func(r *domain.TransactionRequest) { r.Features.DeviceRiskScore = 1.5 },
		"BadHour":           func(r *domain.TransactionRequest) { r.Features.HourOfDay = 24 },
		"BadFlag":           func(r *domain.TransactionRequest) { r.Features.CrossBorder = 2 },
		"BadModel":          func(r *domain.TransactionRequest) { r.ModelType = "xgboost" },
		"BadCurrency":       func(r *domain.TransactionRequest) { r.Currency = "DOLLARS" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := valid()
			mutate(r)
			if err := ValidateRequest(r); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

// fakeReader serves queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) committedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func TestKafkaConsumer(t *testing.T) {
	good, _ := json.Marshal(domain.TransactionRequest{ID: "k-1", UserID: "u-1", Merchant: "acme", Amount: decimal.NewFromInt(30)})
	keyed, _ := json.Marshal(domain.TransactionRequest{UserID: "u-2", Merchant: "acme", Amount: decimal.NewFromInt(5)})

	reader := &fakeReader{msgs: []kafka.Message{
		{Topic: "tx", Offset: 1, Value: good},
		{Topic: "tx", Offset: 2, Value: []byte("not json")},
		{Topic: "tx", Offset: 3, Value: good},
		{Topic: "tx", Offset: 4, Key: []byte("order-9"), Value: keyed},
	}}
	sub := &recordingSubmitter{}
	consumer := newKafkaConsumer(reader, newGate(sub))

	ctx, cancel := context.WithCancel(context.Background())
	consumer.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for reader.committedCount() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-consumer.Done()

	if reader.committedCount() != 4 {
		t.Fatalf("expected every message committed, got %d", reader.committedCount())
	}
	if sub.count() != 2 {
		t.Fatalf("expected 2 admitted transactions (one duplicate, one invalid), got %d", sub.count())
	}
	if sub.txs[0].ID != "k-1" || sub.txs[0].Source != domain.SourceKafka {
		t.Errorf("unexpected first transaction: %+v", sub.txs[0])
	}
	if sub.txs[1].ID != "order-9" {
		t.Errorf("message key should become the id, got %s", sub.txs[1].ID)
	}
}

func TestKafkaConsumerWaitsOutBackpressure(t *testing.T) {
	body, _ := json.Marshal(domain.TransactionRequest{ID: "k-1", UserID: "u-1", Merchant: "acme", Amount: decimal.NewFromInt(30)})
	reader := &fakeReader{msgs: []kafka.Message{{Topic: "tx", Offset: 1, Value: body}}}
	sub := &recordingSubmitter{full: true}
	consumer := newKafkaConsumer(reader, newGate(sub))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumer.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	if reader.committedCount() != 0 {
		t.Fatal("message must not be committed while the queue is full")
	}

	sub.setFull(false)
	deadline := time.Now().Add(2 * time.Second)
	for reader.committedCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sub.count() != 1 || reader.committedCount() != 1 {
		t.Errorf("expected message admitted after backpressure cleared, got admitted=%d committed=%d", sub.count(), reader.committedCount())
	}
}
