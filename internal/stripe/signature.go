package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance is the accepted clock skew for signed timestamps.
const DefaultTolerance = 5 * time.Minute

// VerifySignature checks a Stripe-Signature header of the form
// t=<unix>,v1=<hex>[,v1=<hex>...] against payload. Any matching v1 entry is
// accepted. All failures wrap domain.ErrUnauthorized.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("%w: stripe webhook secret not configured", domain.ErrUnauthorized)
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return fmt.Errorf("%w: malformed signature header", domain.ErrUnauthorized)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid signature timestamp", domain.ErrUnauthorized)
	}
	if skew := now.Sub(time.Unix(unix, 0)); skew > tolerance || skew < -tolerance {
		return fmt.Errorf("%w: signature timestamp outside tolerance", domain.ErrUnauthorized)
	}

	expected := computeSignature(payload, secret, ts)
	for _, sig := range sigs {
		got, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: signature mismatch", domain.ErrUnauthorized)
}

// SignatureFor builds a Stripe-Signature header for payload signed at ts.
func SignatureFor(payload []byte, secret string, ts time.Time) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + t + ",v1=" + hex.EncodeToString(computeSignature(payload, secret, t))
}

func computeSignature(payload []byte, secret, ts string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}
