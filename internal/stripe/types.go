// Package stripe maps Stripe charges and disputes into transactions,
// verifies webhook signatures and lists charges from the Stripe API.
package stripe

import "encoding/json"

// Event types handled by the webhook ingestor.
const (
	EventChargeSucceeded = "charge.succeeded"
	EventChargeFailed    = "charge.failed"
	EventDisputeCreated  = "charge.dispute.created"
)

// Event is a Stripe webhook event envelope.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Charge is the subset of a Stripe charge object used for scoring.
type Charge struct {
	ID                   string                `json:"id"`
	Amount               int64                 `json:"amount"` // minor units
	Currency             string                `json:"currency"`
	Status               string                `json:"status"`
	Created              int64                 `json:"created"`
	Customer             string                `json:"customer"`
	Description          string                `json:"description"`
	StatementDescriptor  string                `json:"statement_descriptor"`
	ReceiptEmail         string                `json:"receipt_email"`
	FailureMessage       string                `json:"failure_message"`
	Metadata             map[string]string     `json:"metadata"`
	Outcome              *Outcome              `json:"outcome"`
	BillingDetails       BillingDetails        `json:"billing_details"`
	PaymentMethodDetails *PaymentMethodDetails `json:"payment_method_details"`
}

// Outcome is Stripe's own risk assessment.
type Outcome struct {
	RiskLevel     string `json:"risk_level"` // normal, elevated, highest
	RiskScore     *int   `json:"risk_score"` // 0-100, Radar only
	SellerMessage string `json:"seller_message"`
	Type          string `json:"type"`
}

type BillingDetails struct {
	Email   string  `json:"email"`
	Address Address `json:"address"`
}

type Address struct {
	Country string `json:"country"`
}

type PaymentMethodDetails struct {
	Card *Card `json:"card"`
}

type Card struct {
	Brand        string        `json:"brand"`
	Country      string        `json:"country"`
	Funding      string        `json:"funding"`
	Last4        string        `json:"last4"`
	ThreeDSecure *ThreeDSecure `json:"three_d_secure"`
}

type ThreeDSecure struct {
	Result string `json:"result"`
}

// Dispute is a Stripe dispute object.
type Dispute struct {
	ID       string            `json:"id"`
	Charge   string            `json:"charge"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Reason   string            `json:"reason"`
	Status   string            `json:"status"`
	Created  int64             `json:"created"`
	Metadata map[string]string `json:"metadata"`
}

type chargeList struct {
	Data    []Charge `json:"data"`
	HasMore bool     `json:"has_more"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
