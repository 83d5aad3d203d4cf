package domain

import (
	"fmt"
	"time"
)

// ModelType selects which classifier scores a transaction.
type ModelType string

const (
	ModelRandomForest ModelType = "rf"
	ModelSVM          ModelType = "svm"
	ModelEnsemble     ModelType = "ensemble"
)

// ParseModelType validates a model type name.
func ParseModelType(s string) (ModelType, error) {
	switch m := ModelType(s); m {
	case ModelRandomForest, ModelSVM, ModelEnsemble:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown model type %q", ErrValidation, s)
	}
}

// RiskLevel is the band a fraud probability falls into.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// FraudPrediction is the scoring outcome for one transaction.
// Exactly one exists per transaction and it is never updated.
// RiskLevel follows FraudProbability alone; the reputation score and risk
// factors only inform alert typing.
type FraudPrediction struct {
	TransactionID    string                `json:"transactionId"`
	FraudProbability float64               `json:"fraudProbability"`
	RiskLevel        RiskLevel             `json:"riskLevel"`
	ModelScores      map[ModelType]float64 `json:"modelScores"`
	ModelType        ModelType             `json:"modelType"`
	ReputationScore  float64               `json:"reputationScore"`
	RiskFactors      []string              `json:"riskFactors,omitempty"`
	ScoredAt         time.Time             `json:"scoredAt"`
}
