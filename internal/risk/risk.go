// Package risk turns fraud probabilities into risk levels, predictions and
// alert severities.
package risk

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Classifier bands probabilities with two thresholds.
// Bands are half-open: [0, low) low, [low, high) medium, [high, 1] high.
type Classifier struct {
	low      float64
	high     float64
	critical float64
}

// NewClassifier validates 0 < low < high < 1. A critical threshold of 0
// defaults to 0.9.
func NewClassifier(low, high, critical float64) (*Classifier, error) {
	if !(low > 0 && low < high && high < 1) {
		return nil, fmt.Errorf("%w: thresholds must satisfy 0 < low < high < 1 (low=%v high=%v)", domain.ErrValidation, low, high)
	}
	if critical == 0 {
		critical = 0.9
	}
	if critical < high || critical > 1 {
		return nil, fmt.Errorf("%w: critical threshold %v must be within [high, 1]", domain.ErrValidation, critical)
	}
	return &Classifier{low: low, high: high, critical: critical}, nil
}

// Classify maps a probability to its band.
func (c *Classifier) Classify(p float64) domain.RiskLevel {
	switch {
	case p < c.low:
		return domain.RiskLow
	case p < c.high:
		return domain.RiskMedium
	default:
		return domain.RiskHigh
	}
}

// Severity returns critical at or above the critical threshold, high otherwise.
// Only meaningful for high-risk predictions.
func (c *Classifier) Severity(p float64) domain.Severity {
	if p >= c.critical {
		return domain.SeverityCritical
	}
	return domain.SeverityHigh
}

// Thresholds returns the configured low and high thresholds.
func (c *Classifier) Thresholds() (low, high float64) {
	return c.low, c.high
}

// Decide builds the prediction for a scored transaction.
func (c *Classifier) Decide(txID string, modelType domain.ModelType, probability float64, perModel map[domain.ModelType]float64) *domain.FraudPrediction {
	return &domain.FraudPrediction{
		TransactionID:    txID,
		FraudProbability: probability,
		RiskLevel:        c.Classify(probability),
		ModelScores:      perModel,
		ModelType:        modelType,
		ScoredAt:         time.Now().UTC(),
	}
}

// ShouldAlert reports whether a prediction must raise an alert.
func ShouldAlert(p *domain.FraudPrediction) bool {
	return p.RiskLevel == domain.RiskHigh
}
