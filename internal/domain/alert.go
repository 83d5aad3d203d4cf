package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertType classifies why an alert was raised.
type AlertType string

const (
	AlertHighRiskTransaction AlertType = "high_risk_transaction"
	AlertVelocityAnomaly     AlertType = "velocity_anomaly"
	AlertDisputeRisk         AlertType = "dispute_risk"
	AlertReputationRisk      AlertType = "reputation_risk"
)

// Severity of an alert.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertStatus is the analyst review state.
type AlertStatus string

const (
	AlertOpen     AlertStatus = "open"
	AlertReviewed AlertStatus = "reviewed"
	AlertApproved AlertStatus = "approved"
	AlertBlocked  AlertStatus = "blocked"
)

// DeliveryState tracks notification delivery for an alert.
type DeliveryState string

const (
	DeliveryPending      DeliveryState = "pending"
	DeliveryDelivered    DeliveryState = "delivered"
	DeliveryDeadLettered DeliveryState = "dead_lettered"
)

// Alert is raised for every high-risk prediction.
type Alert struct {
	ID               string          `json:"id"`
	TransactionID    string          `json:"transactionId"`
	Type             AlertType       `json:"type"`
	Severity         Severity        `json:"severity"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	UserID           string          `json:"userId"`
	Merchant         string          `json:"merchant"`
	FraudProbability float64         `json:"fraudProbability"`
	Status           AlertStatus     `json:"status"`
	DeliveryState    DeliveryState   `json:"deliveryState"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// AttemptOutcome is the result of one delivery attempt.
type AttemptOutcome string

const (
	OutcomeSuccess AttemptOutcome = "success"
	OutcomeFailure AttemptOutcome = "failure"
	OutcomeTimeout AttemptOutcome = "timeout"
)

// DeliveryAttempt records one try at delivering an alert on one channel.
// Attempts are append-only.
type DeliveryAttempt struct {
	AlertID     string         `json:"alertId"`
	Channel     string         `json:"channel"`
	Attempt     int            `json:"attempt"`
	Outcome     AttemptOutcome `json:"outcome"`
	Error       string         `json:"error,omitempty"`
	AttemptedAt time.Time      `json:"attemptedAt"`
}
