package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies where a transaction entered the pipeline.
type Source string

const (
	SourceAPI           Source = "api"
	SourceStripeWebhook Source = "webhook:stripe"
	SourcePayPalWebhook Source = "webhook:paypal"
	SourceStripeSync    Source = "sync:stripe"
	SourceKafka         Source = "stream:kafka"
	SourceBus           Source = "stream:bus"
	SourceTest          Source = "test"
)

// Transaction is a payment event to be scored.
// A transaction must not be mutated after it has been enqueued.
type Transaction struct {
	ID         string            `json:"id"`
	UserID     string            `json:"userId"`
	Amount     decimal.Decimal   `json:"amount"`
	Merchant   string            `json:"merchant"`
	Currency   string            `json:"currency"`
	Features   Features          `json:"features"`
	ModelType  ModelType         `json:"modelType,omitempty"`
	Source     Source            `json:"source"`
	ReceivedAt time.Time         `json:"receivedAt"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Features holds the behavioural signals the fraud model consumes.
// Flags are 0 or 1.
type Features struct {
	AccountAgeDays           float64 `json:"accountAgeDays" validate:"gte=0"`
	NumTransactionsToday     float64 `json:"numTransactionsToday" validate:"gte=0"`
	AvgTransactionAmount     float64 `json:"avgTransactionAmount" validate:"gte=0"`
	TimeSinceLastTransaction float64 `json:"timeSinceLastTransaction" validate:"gte=0"`
	MerchantRiskScore        float64 `json:"merchantRiskScore" validate:"gte=0,lte=1"`
	LocationRiskScore        float64 `json:"locationRiskScore" validate:"gte=0,lte=1"`
	DeviceRiskScore          float64 `json:"deviceRiskScore" validate:"gte=0,lte=1"`
	VelocityScore            float64 `json:"velocityScore" validate:"gte=0,lte=1"`
	AmountDeviation          float64 `json:"amountDeviation"`
	HourOfDay                int     `json:"hourOfDay" validate:"gte=0,lte=23"`
	DayOfWeek                int     `json:"dayOfWeek" validate:"gte=0,lte=6"`
	IsWeekend                int     `json:"isWeekend" validate:"oneof=0 1"`
	CrossBorder              int     `json:"crossBorder" validate:"oneof=0 1"`
	HighRiskMerchant         int     `json:"highRiskMerchant" validate:"oneof=0 1"`
}

// FeatureNames is the column order of the model input vector.
var FeatureNames = []string{
	"transaction_amount",
	"account_age_days",
	"num_transactions_today",
	"avg_transaction_amount",
	"time_since_last_transaction",
	"merchant_risk_score",
	"location_risk_score",
	"device_risk_score",
	"velocity_score",
	"amount_deviation",
	"hour_of_day",
	"day_of_week",
	"is_weekend",
	"cross_border",
	"high_risk_merchant",
}

// Vector returns the model input in FeatureNames order.
func (t *Transaction) Vector() []float64 {
	f := t.Features
	return []float64{
		t.Amount.InexactFloat64(),
		f.AccountAgeDays,
		f.NumTransactionsToday,
		f.AvgTransactionAmount,
		f.TimeSinceLastTransaction,
		f.MerchantRiskScore,
		f.LocationRiskScore,
		f.DeviceRiskScore,
		f.VelocityScore,
		f.AmountDeviation,
		float64(f.HourOfDay),
		float64(f.DayOfWeek),
		float64(f.IsWeekend),
		float64(f.CrossBorder),
		float64(f.HighRiskMerchant),
	}
}

// TimeFeatures fills hour, weekday and weekend flags from ts.
func (f *Features) TimeFeatures(ts time.Time) {
	f.HourOfDay = ts.Hour()
	f.DayOfWeek = int(ts.Weekday()+6) % 7 // Monday = 0
	f.IsWeekend = 0
	if ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday {
		f.IsWeekend = 1
	}
}

// TransactionStatus is the processing state of a stored transaction.
type TransactionStatus string

const (
	TransactionScored TransactionStatus = "scored"
	TransactionFailed TransactionStatus = "failed"
)

// TransactionRecord is a persisted transaction with its processing outcome.
type TransactionRecord struct {
	Transaction
	Status        TransactionStatus `json:"status"`
	FailureReason string            `json:"failureReason,omitempty"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// TransactionRequest is the API payload for submitting a transaction.
type TransactionRequest struct {
	ID        string            `json:"id,omitempty" validate:"omitempty,max=128"`
	UserID    string            `json:"userId" validate:"required"`
	Amount    decimal.Decimal   `json:"amount"`
	Merchant  string            `json:"merchant" validate:"required"`
	Currency  string            `json:"currency" validate:"omitempty,len=3"`
	Features  Features          `json:"features"`
	ModelType ModelType         `json:"modelType,omitempty" validate:"omitempty,oneof=rf svm ensemble"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ToTransaction converts a request to a Transaction stamped with now.
func (r *TransactionRequest) ToTransaction(id string, source Source, now time.Time) *Transaction {
	currency := r.Currency
	if currency == "" {
		currency = "USD"
	}
	return &Transaction{
		ID:         id,
		UserID:     r.UserID,
		Amount:     r.Amount,
		Merchant:   r.Merchant,
		Currency:   currency,
		Features:   r.Features,
		ModelType:  r.ModelType,
		Source:     source,
		ReceivedAt: now.UTC(),
		Metadata:   r.Metadata,
	}
}
