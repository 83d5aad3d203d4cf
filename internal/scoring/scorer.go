// Package scoring runs transactions through the fraud model, classifies the
// result and raises alerts.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/reputation"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kestrel-scoring")

// Predictor is the model adapter as seen by the scorer.
type Predictor interface {
	Predict(ctx context.Context, modelType domain.ModelType, features []float64) (model.Scores, error)
}

// Assessor scores a transaction against the reputation store.
type Assessor interface {
	Assess(ctx context.Context, tx *domain.Transaction) (reputation.Assessment, error)
}

// Result is the outcome of scoring one transaction.
type Result struct {
	Prediction *domain.FraudPrediction

	// Alert is set only when this call created the transaction's alert.
	Alert *domain.Alert

	// Replayed is true when the transaction already had a prediction.
	Replayed bool
}

// Scorer scores one transaction end to end. It holds no per-call state and
// is shared by the worker pool and the synchronous test endpoint.
type Scorer struct {
	predictor    Predictor
	classifier   *risk.Classifier
	engine       *rules.Engine
	repo         domain.Repository
	bus          domain.EventBus
	reputation   Assessor
	defaultModel domain.ModelType
}

// NewScorer creates a scorer. engine and bus may be nil.
func NewScorer(predictor Predictor, classifier *risk.Classifier, engine *rules.Engine, repo domain.Repository, bus domain.EventBus, defaultModel domain.ModelType) *Scorer {
	if defaultModel == "" {
		defaultModel = domain.ModelEnsemble
	}
	return &Scorer{
		predictor:    predictor,
		classifier:   classifier,
		engine:       engine,
		repo:         repo,
		bus:          bus,
		defaultModel: defaultModel,
	}
}

// UseReputation makes Score attach a reputation assessment to every new
// prediction. Call it before scoring starts.
func (s *Scorer) UseReputation(a Assessor) {
	s.reputation = a
}

// Score predicts, classifies and persists tx. A model or persistence
// failure marks the transaction failed; model failures wrap
// domain.ErrModelInference.
func (s *Scorer) Score(ctx context.Context, tx *domain.Transaction) (*Result, error) {
	modelType := tx.ModelType
	if modelType == "" {
		modelType = s.defaultModel
	}

	ctx, span := tracer.Start(ctx, "scoring.score",
		trace.WithAttributes(
			attribute.String("tx.id", tx.ID),
			attribute.String("tx.source", string(tx.Source)),
			attribute.String("model.type", string(modelType)),
		),
	)
	defer span.End()

	scores, err := s.predictor.Predict(ctx, modelType, tx.Vector())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model inference failed")
		s.markFailed(ctx, tx, err)
		return nil, err
	}

	prediction := s.classifier.Decide(tx.ID, modelType, scores.Probability, scores.PerModel)
	s.assess(ctx, tx, prediction)
	span.SetAttributes(
		attribute.Float64("fraud.probability", prediction.FraudProbability),
		attribute.String("risk.level", string(prediction.RiskLevel)),
		attribute.Float64("reputation.score", prediction.ReputationScore),
	)

	if err := s.repo.SaveTransaction(ctx, &domain.TransactionRecord{
		Transaction: *tx,
		Status:      domain.TransactionScored,
		UpdatedAt:   prediction.ScoredAt,
	}); err != nil {
		return nil, s.fail(ctx, span, tx, fmt.Errorf("persist transaction %s: %w", tx.ID, err))
	}

	created, err := s.repo.SavePrediction(ctx, prediction)
	if err != nil {
		return nil, s.fail(ctx, span, tx, fmt.Errorf("persist prediction %s: %w", tx.ID, err))
	}
	if !created {
		return s.replay(ctx, span, tx)
	}

	s.publish(ctx, domain.TopicPredictionScored, prediction)

	result := &Result{Prediction: prediction}
	if !risk.ShouldAlert(prediction) {
		return result, nil
	}

	alert, err := s.raiseAlert(ctx, tx, prediction)
	if err != nil {
		return nil, s.fail(ctx, span, tx, err)
	}
	result.Alert = alert
	return result, nil
}

// replay answers a transaction that already has a prediction. The first
// prediction stands. An earlier attempt may have stopped before saving its
// alert, so a high-risk replay raises it; the transaction never gets a
// second one.
func (s *Scorer) replay(ctx context.Context, span trace.Span, tx *domain.Transaction) (*Result, error) {
	existing, err := s.repo.GetPrediction(ctx, tx.ID)
	if err != nil {
		return nil, s.fail(ctx, span, tx, fmt.Errorf("load prediction %s: %w", tx.ID, err))
	}

	result := &Result{Prediction: existing, Replayed: true}
	if risk.ShouldAlert(existing) {
		alert, err := s.raiseAlert(ctx, tx, existing)
		if err != nil {
			return nil, s.fail(ctx, span, tx, err)
		}
		result.Alert = alert
	}

	slog.Info("transaction already scored",
		"tx_id", tx.ID,
		"alert_recovered", result.Alert != nil,
	)
	return result, nil
}

// assess fills the reputation score and risk factors of p. A reputation
// store failure leaves the score at zero.
func (s *Scorer) assess(ctx context.Context, tx *domain.Transaction, p *domain.FraudPrediction) {
	var a reputation.Assessment
	if s.reputation != nil {
		var err error
		if a, err = s.reputation.Assess(ctx, tx); err != nil {
			slog.Warn("reputation lookup failed", "tx_id", tx.ID, "error", err)
		}
	}
	p.ReputationScore = a.Score
	p.RiskFactors = reputation.MergeFactors(tx.Metadata["risk_factors"], a)
}

func (s *Scorer) raiseAlert(ctx context.Context, tx *domain.Transaction, p *domain.FraudPrediction) (*domain.Alert, error) {
	alertType := domain.AlertHighRiskTransaction
	var ruleID string
	if s.engine != nil {
		match := s.engine.Classify(ctx, tx, p)
		alertType, ruleID = match.AlertType, match.RuleID
	}

	now := time.Now().UTC()
	alert := &domain.Alert{
		ID:               uuid.New().String(),
		TransactionID:    tx.ID,
		Type:             alertType,
		Severity:         s.classifier.Severity(p.FraudProbability),
		Amount:           tx.Amount,
		Currency:         tx.Currency,
		UserID:           tx.UserID,
		Merchant:         tx.Merchant,
		FraudProbability: p.FraudProbability,
		Status:           domain.AlertOpen,
		DeliveryState:    domain.DeliveryPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	created, err := s.repo.SaveAlert(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("persist alert for %s: %w", tx.ID, err)
	}
	if !created {
		return nil, nil
	}

	slog.Warn("fraud alert raised",
		"alert_id", alert.ID,
		"tx_id", tx.ID,
		"type", alert.Type,
		"severity", alert.Severity,
		"fraud_probability", p.FraudProbability,
		"rule_id", ruleID,
	)
	return alert, nil
}

// fail marks tx failed after a persistence error and returns err.
func (s *Scorer) fail(ctx context.Context, span trace.Span, tx *domain.Transaction, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "persistence failed")
	s.markFailed(ctx, tx, err)
	return err
}

func (s *Scorer) markFailed(ctx context.Context, tx *domain.Transaction, cause error) {
	slog.Error("transaction scoring failed",
		"tx_id", tx.ID,
		"error", cause,
	)

	// The model may have failed because ctx was cancelled; the status is saved regardless.
	err := s.repo.SaveTransaction(context.WithoutCancel(ctx), &domain.TransactionRecord{
		Transaction:   *tx,
		Status:        domain.TransactionFailed,
		FailureReason: cause.Error(),
		UpdatedAt:     time.Now().UTC(),
	})
	if err != nil {
		slog.Error("failed to record scoring failure",
			"tx_id", tx.ID,
			"error", err,
		)
	}
}

func (s *Scorer) publish(ctx context.Context, topic string, v any) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		slog.Error("failed to publish event",
			"topic", topic,
			"error", err,
		)
	}
}
