// Package ingest admits transactions from processor webhooks, the submit
// API and Kafka into the scoring queue.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/dedup"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/paypal"
	"github.com/opensource-finance/kestrel/internal/stripe"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// Submitter enqueues a transaction for scoring.
type Submitter interface {
	Submit(ctx context.Context, tx *domain.Transaction) error
}

// Status is the acknowledgement returned to a caller.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDuplicate Status = "duplicate"
	StatusIgnored   Status = "ignored"
)

// Result acknowledges one inbound event.
type Result struct {
	Status        Status `json:"status"`
	TransactionID string `json:"transactionId,omitempty"`
	EventType     string `json:"eventType,omitempty"`
}

// Gate authenticates, deduplicates and enqueues inbound transactions.
type Gate struct {
	dedup     *dedup.Index
	velocity  *velocity.Service
	submitter Submitter
	stripe    domain.StripeConfig
	paypal    domain.PayPalConfig
	now       func() time.Time
}

// NewGate creates a gate. velocity may be nil.
func NewGate(index *dedup.Index, vel *velocity.Service, submitter Submitter, processors domain.ProcessorsConfig) *Gate {
	return &Gate{
		dedup:     index,
		velocity:  vel,
		submitter: submitter,
		stripe:    processors.Stripe,
		paypal:    processors.PayPal,
		now:       time.Now,
	}
}

// HandleStripe processes a signed Stripe webhook.
func (g *Gate) HandleStripe(ctx context.Context, header http.Header, body []byte) (*Result, error) {
	err := stripe.VerifySignature(body, header.Get(stripe.SignatureHeader), g.stripe.WebhookSecret, g.stripe.SignatureTolerance, g.now())
	if err != nil {
		logRejected("stripe", err)
		return nil, err
	}

	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: invalid stripe event: %v", domain.ErrValidation, err)
	}

	var tx *domain.Transaction
	switch event.Type {
	case stripe.EventChargeSucceeded, stripe.EventChargeFailed:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Object, &charge); err != nil || charge.ID == "" {
			return nil, fmt.Errorf("%w: invalid charge object", domain.ErrValidation)
		}
		tx = stripe.MapCharge(&charge, domain.SourceStripeWebhook, g.now())
	case stripe.EventDisputeCreated:
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Object, &dispute); err != nil || dispute.ID == "" {
			return nil, fmt.Errorf("%w: invalid dispute object", domain.ErrValidation)
		}
		tx = stripe.MapDispute(&dispute, domain.SourceStripeWebhook, g.now())
		slog.Warn("stripe dispute received", "dispute_id", dispute.ID, "charge_id", dispute.Charge)
	default:
		slog.Info("unhandled stripe event type", "event_type", event.Type)
		return &Result{Status: StatusIgnored, EventType: event.Type}, nil
	}

	res, err := g.Admit(ctx, dedup.NamespaceStripe, tx)
	if res != nil {
		res.EventType = event.Type
	}
	return res, err
}

// HandlePayPal processes a signed PayPal webhook.
func (g *Gate) HandlePayPal(ctx context.Context, header http.Header, body []byte) (*Result, error) {
	err := paypal.VerifySignature(body,
		header.Get(paypal.HeaderTransmissionID),
		header.Get(paypal.HeaderTransmissionTime),
		header.Get(paypal.HeaderTransmissionSig),
		g.paypal.WebhookID,
		g.paypal.WebhookSecret,
	)
	if err != nil {
		logRejected("paypal", err)
		return nil, err
	}

	var event paypal.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: invalid paypal event: %v", domain.ErrValidation, err)
	}

	var tx *domain.Transaction
	switch event.EventType {
	case paypal.EventCaptureCompleted, paypal.EventCaptureDenied:
		var capture paypal.Capture
		if err := json.Unmarshal(event.Resource, &capture); err != nil {
			return nil, fmt.Errorf("%w: invalid capture resource", domain.ErrValidation)
		}
		if tx, err = paypal.MapCapture(&capture, domain.SourcePayPalWebhook, g.now()); err != nil {
			return nil, err
		}
	case paypal.EventDisputeCreated:
		var dispute paypal.Dispute
		if err := json.Unmarshal(event.Resource, &dispute); err != nil {
			return nil, fmt.Errorf("%w: invalid dispute resource", domain.ErrValidation)
		}
		if tx, err = paypal.MapDispute(&dispute, domain.SourcePayPalWebhook, g.now()); err != nil {
			return nil, err
		}
		slog.Warn("paypal dispute received", "dispute_id", dispute.DisputeID)
	default:
		slog.Info("unhandled paypal event type", "event_type", event.EventType)
		return &Result{Status: StatusIgnored, EventType: event.EventType}, nil
	}

	res, err := g.Admit(ctx, dedup.NamespacePayPal, tx)
	if res != nil {
		res.EventType = event.EventType
	}
	return res, err
}

// Admit claims tx.ID in namespace and enqueues tx. An already-seen id is
// acknowledged as a duplicate. When the queue rejects tx the claim and the
// velocity count are released so the sender's retry is accepted and
// counted once.
func (g *Gate) Admit(ctx context.Context, namespace string, tx *domain.Transaction) (*Result, error) {
	claimed, err := g.dedup.Claim(ctx, namespace, tx.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		slog.Debug("duplicate transaction", "tx_id", tx.ID, "namespace", namespace)
		return &Result{Status: StatusDuplicate, TransactionID: tx.ID}, nil
	}

	undo := func() {}
	if g.velocity != nil {
		u, err := g.velocity.Enrich(ctx, tx)
		if err != nil {
			slog.Warn("velocity enrichment failed", "tx_id", tx.ID, "error", err)
		}
		undo = u
	}

	if err := g.submitter.Submit(ctx, tx); err != nil {
		// A rejected transaction must not count towards its user's velocity.
		undo()
		if relErr := g.dedup.Release(context.WithoutCancel(ctx), namespace, tx.ID); relErr != nil {
			slog.Error("failed to release dedup claim", "tx_id", tx.ID, "error", relErr)
		}
		if errors.Is(err, domain.ErrBackpressure) {
			slog.Warn("transaction rejected, queue full", "tx_id", tx.ID, "source", tx.Source)
		}
		return nil, err
	}

	return &Result{Status: StatusAccepted, TransactionID: tx.ID}, nil
}

func logRejected(processor string, err error) {
	slog.Warn("webhook signature rejected",
		"event", "security",
		"processor", processor,
		"error", err,
	)
}
