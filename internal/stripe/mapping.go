package stripe

import (
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

const highAmount = 1000

// RiskIndicators summarise the processor-side risk signals of a charge.
type RiskIndicators struct {
	Score           float64
	Factors         []string
	StripeRiskLevel string
}

// Indicators scores a charge from Stripe's outcome and card details.
func Indicators(c *Charge) RiskIndicators {
	ri := RiskIndicators{StripeRiskLevel: "normal"}
	add := func(score float64, factor string) {
		ri.Score += score
		ri.Factors = append(ri.Factors, factor)
	}

	if amount(c.Amount).GreaterThan(decimal.NewFromInt(highAmount)) {
		add(0.2, "high_amount")
	}

	if card := c.card(); card != nil {
		if card.Country != "" && card.Country != "US" {
			add(0.1, "international_card")
		}
		if card.Funding == "prepaid" {
			add(0.2, "prepaid_card")
		}
		if card.ThreeDSecure != nil && card.ThreeDSecure.Result == "failed" {
			add(0.4, "failed_3ds")
		}
		if billing := c.BillingDetails.Address.Country; billing != "" && card.Country != "" && billing != card.Country {
			add(0.1, "country_mismatch")
		}
	}

	if c.Outcome != nil && c.Outcome.RiskLevel != "" {
		ri.StripeRiskLevel = c.Outcome.RiskLevel
		switch c.Outcome.RiskLevel {
		case "elevated":
			add(0.3, "stripe_elevated_risk")
		case "highest":
			add(0.5, "stripe_highest_risk")
		}
	}

	if ri.Score > 1 {
		ri.Score = 1
	}
	return ri
}

// MapCharge converts a charge into a transaction tagged with source.
func MapCharge(c *Charge, source domain.Source, now time.Time) *domain.Transaction {
	ri := Indicators(c)
	created := time.Unix(c.Created, 0).UTC()
	if c.Created == 0 {
		created = now.UTC()
	}

	tx := &domain.Transaction{
		ID:         c.ID,
		UserID:     firstNonEmpty(c.Customer, c.BillingDetails.Email, c.ReceiptEmail),
		Amount:     amount(c.Amount),
		Merchant:   firstNonEmpty(c.StatementDescriptor, c.Description, "stripe"),
		Currency:   strings.ToUpper(firstNonEmpty(c.Currency, "usd")),
		Source:     source,
		ReceivedAt: now.UTC(),
		Metadata: map[string]string{
			"processor":         "stripe",
			"stripe_status":     c.Status,
			"stripe_risk_level": ri.StripeRiskLevel,
		},
	}
	if len(ri.Factors) > 0 {
		tx.Metadata["risk_factors"] = strings.Join(ri.Factors, ",")
	}
	if c.FailureMessage != "" {
		tx.Metadata["failure_message"] = c.FailureMessage
	}
	if email := firstNonEmpty(c.BillingDetails.Email, c.ReceiptEmail); email != "" {
		tx.Metadata["email"] = email
	}
	if ip := c.Metadata["ip_address"]; ip != "" {
		tx.Metadata["ip_address"] = ip
	}

	f := &tx.Features
	f.TimeFeatures(created)
	f.MerchantRiskScore = ri.Score

	if card := c.card(); card != nil {
		billing := c.BillingDetails.Address.Country
		if billing != "" && card.Country != "" && billing != card.Country {
			f.CrossBorder = 1
			f.LocationRiskScore = 0.5
		}
		if card.Country != "" && card.Country != "US" {
			f.LocationRiskScore = clamp(f.LocationRiskScore + 0.3)
		}
		if card.ThreeDSecure != nil && card.ThreeDSecure.Result == "failed" {
			f.DeviceRiskScore = 0.8
		}
	}
	if c.Outcome != nil {
		if c.Outcome.RiskScore != nil {
			f.DeviceRiskScore = clamp(max(f.DeviceRiskScore, float64(*c.Outcome.RiskScore)/100))
		}
		if c.Outcome.RiskLevel == "elevated" || c.Outcome.RiskLevel == "highest" {
			f.HighRiskMerchant = 1
		}
	}

	ApplyMetadataFeatures(f, c.Metadata, tx.Amount)
	return tx
}

// MapDispute converts a dispute into a transaction keyed by the dispute id
// and tagged dispute=true. The charge it contests is kept in metadata.
func MapDispute(d *Dispute, source domain.Source, now time.Time) *domain.Transaction {
	created := time.Unix(d.Created, 0).UTC()
	if d.Created == 0 {
		created = now.UTC()
	}

	tx := &domain.Transaction{
		ID:         d.ID,
		Amount:     amount(d.Amount),
		Merchant:   "stripe",
		Currency:   strings.ToUpper(firstNonEmpty(d.Currency, "usd")),
		Source:     source,
		ReceivedAt: now.UTC(),
		Metadata: map[string]string{
			"processor":      "stripe",
			"dispute":        "true",
			"charge_id":      d.Charge,
			"dispute_reason": d.Reason,
		},
	}
	tx.Features.TimeFeatures(created)
	tx.Features.HighRiskMerchant = 1
	tx.Features.MerchantRiskScore = 1
	ApplyMetadataFeatures(&tx.Features, d.Metadata, tx.Amount)
	return tx
}

// ApplyMetadataFeatures reads numeric customer history that merchants attach
// to charge metadata. Unknown or malformed keys are ignored.
func ApplyMetadataFeatures(f *domain.Features, md map[string]string, amt decimal.Decimal) {
	if v, ok := parseFloat(md, "account_age_days"); ok && v >= 0 {
		f.AccountAgeDays = v
	}
	if v, ok := parseFloat(md, "time_since_last_transaction"); ok && v >= 0 {
		f.TimeSinceLastTransaction = v
	}
	if v, ok := parseFloat(md, "avg_transaction_amount"); ok && v > 0 {
		f.AvgTransactionAmount = v
		f.AmountDeviation = (amt.InexactFloat64() - v) / v
	}
}

func (c *Charge) card() *Card {
	if c.PaymentMethodDetails == nil {
		return nil
	}
	return c.PaymentMethodDetails.Card
}

func amount(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

func parseFloat(md map[string]string, key string) (float64, bool) {
	s, ok := md[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v, err == nil
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
