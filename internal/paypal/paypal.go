// Package paypal maps PayPal webhook resources into transactions and
// verifies transmission signatures.
package paypal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Event types handled by the webhook ingestor.
const (
	EventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureDenied    = "PAYMENT.CAPTURE.DENIED"
	EventDisputeCreated   = "CUSTOMER.DISPUTE.CREATED"
)

// Transmission headers.
const (
	HeaderTransmissionID   = "Paypal-Transmission-Id"
	HeaderTransmissionTime = "Paypal-Transmission-Time"
	HeaderTransmissionSig  = "Paypal-Transmission-Sig"
)

// Event is a PayPal webhook event envelope.
type Event struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime string          `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

type Money struct {
	Value        string `json:"value"`
	CurrencyCode string `json:"currency_code"`
}

// Capture is a PayPal payment capture resource.
type Capture struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Amount     Money  `json:"amount"`
	CustomID   string `json:"custom_id"`
	InvoiceID  string `json:"invoice_id"`
	CreateTime string `json:"create_time"`
	Payee      struct {
		EmailAddress string `json:"email_address"`
		MerchantID   string `json:"merchant_id"`
	} `json:"payee"`
	StatusDetails struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
}

// Dispute is a PayPal customer dispute resource.
type Dispute struct {
	DisputeID            string `json:"dispute_id"`
	Reason               string `json:"reason"`
	Status               string `json:"status"`
	CreateTime           string `json:"create_time"`
	DisputeAmount        Money  `json:"dispute_amount"`
	DisputedTransactions []struct {
		SellerTransactionID string `json:"seller_transaction_id"`
		BuyerTransactionID  string `json:"buyer_transaction_id"`
	} `json:"disputed_transactions"`
}

// VerifySignature checks the transmission signature: base64 of
// HMAC-SHA256(secret, transmissionID|transmissionTime|webhookID|crc32(body)).
// All failures wrap domain.ErrUnauthorized.
func VerifySignature(body []byte, transmissionID, transmissionTime, sig, webhookID, secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: paypal webhook secret not configured", domain.ErrUnauthorized)
	}
	if transmissionID == "" || transmissionTime == "" || sig == "" {
		return fmt.Errorf("%w: missing transmission headers", domain.ErrUnauthorized)
	}

	got, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: malformed transmission signature", domain.ErrUnauthorized)
	}
	if !hmac.Equal(got, computeSignature(body, transmissionID, transmissionTime, webhookID, secret)) {
		return fmt.Errorf("%w: signature mismatch", domain.ErrUnauthorized)
	}
	return nil
}

// Sign returns the transmission signature for body.
func Sign(body []byte, transmissionID, transmissionTime, webhookID, secret string) string {
	return base64.StdEncoding.EncodeToString(computeSignature(body, transmissionID, transmissionTime, webhookID, secret))
}

func computeSignature(body []byte, transmissionID, transmissionTime, webhookID, secret string) []byte {
	msg := strings.Join([]string{
		transmissionID,
		transmissionTime,
		webhookID,
		strconv.FormatUint(uint64(crc32.ChecksumIEEE(body)), 10),
	}, "|")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

// MapCapture converts a capture into a transaction tagged with source.
func MapCapture(c *Capture, source domain.Source, now time.Time) (*domain.Transaction, error) {
	if c.ID == "" {
		return nil, fmt.Errorf("%w: capture id is required", domain.ErrValidation)
	}
	amount, err := parseAmount(c.Amount)
	if err != nil {
		return nil, err
	}

	tx := &domain.Transaction{
		ID:         c.ID,
		UserID:     c.CustomID,
		Amount:     amount,
		Merchant:   firstNonEmpty(c.Payee.EmailAddress, c.Payee.MerchantID, "paypal"),
		Currency:   strings.ToUpper(firstNonEmpty(c.Amount.CurrencyCode, "USD")),
		Source:     source,
		ReceivedAt: now.UTC(),
		Metadata: map[string]string{
			"processor":     "paypal",
			"paypal_status": c.Status,
		},
	}
	if c.InvoiceID != "" {
		tx.Metadata["invoice_id"] = c.InvoiceID
	}

	var factors []string
	score := 0.0
	if amount.GreaterThan(decimal.NewFromInt(1000)) {
		score += 0.2
		factors = append(factors, "high_amount")
	}
	if c.Status == "DECLINED" || c.Status == "DENIED" {
		score += 0.5
		factors = append(factors, "payment_denied")
		tx.Metadata["denied_reason"] = c.StatusDetails.Reason
		tx.Features.HighRiskMerchant = 1
	}
	if len(factors) > 0 {
		tx.Metadata["risk_factors"] = strings.Join(factors, ",")
	}
	tx.Features.MerchantRiskScore = score
	tx.Features.TimeFeatures(parseTime(c.CreateTime, now))
	return tx, nil
}

// MapDispute converts a dispute into a transaction keyed by the dispute id
// and tagged dispute=true.
func MapDispute(d *Dispute, source domain.Source, now time.Time) (*domain.Transaction, error) {
	if d.DisputeID == "" {
		return nil, fmt.Errorf("%w: dispute id is required", domain.ErrValidation)
	}
	amount, err := parseAmount(d.DisputeAmount)
	if err != nil {
		return nil, err
	}

	tx := &domain.Transaction{
		ID:         d.DisputeID,
		Amount:     amount,
		Merchant:   "paypal",
		Currency:   strings.ToUpper(firstNonEmpty(d.DisputeAmount.CurrencyCode, "USD")),
		Source:     source,
		ReceivedAt: now.UTC(),
		Metadata: map[string]string{
			"processor":      "paypal",
			"dispute":        "true",
			"dispute_reason": d.Reason,
		},
	}
	if len(d.DisputedTransactions) > 0 {
		tx.Metadata["capture_id"] = d.DisputedTransactions[0].SellerTransactionID
	}
	tx.Features.TimeFeatures(parseTime(d.CreateTime, now))
	tx.Features.HighRiskMerchant = 1
	tx.Features.MerchantRiskScore = 1
	return tx, nil
}

func parseAmount(m Money) (decimal.Decimal, error) {
	if m.Value == "" {
		return decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(m.Value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: invalid amount %q", domain.ErrValidation, m.Value)
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative amount %q", domain.ErrValidation, m.Value)
	}
	return amount, nil
}

func parseTime(s string, fallback time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return fallback.UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
