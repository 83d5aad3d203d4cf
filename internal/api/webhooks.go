package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
)

// StripeWebhook handles POST /webhooks/stripe.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.Gate.HandleStripe(r.Context(), r.Header, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PayPalWebhook handles POST /webhooks/paypal.
func (h *Handler) PayPalWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.Gate.HandlePayPal(r.Context(), r.Header, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TestWebhookResponse is the synchronous scoring result.
type TestWebhookResponse struct {
	Status     ingest.Status           `json:"status"`
	Prediction *domain.FraudPrediction `json:"prediction"`
	AlertID    string                  `json:"alertId,omitempty"`
	Replayed   bool                    `json:"replayed"`
	TotalMs    int64                   `json:"totalMs"`
}

// TestWebhook handles POST /webhooks/test. It is unauthenticated, skips
// the queue and answers with the prediction.
func (h *Handler) TestWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	tx, err := h.decodeTransaction(r, domain.SourceTest)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.Scorer.ScoreNow(r.Context(), tx)
	if err != nil {
		slog.Error("test transaction scoring failed", "tx_id", tx.ID, "error", err)
		writeError(w, err)
		return
	}

	resp := TestWebhookResponse{
		Status:     ingest.StatusAccepted,
		Prediction: res.Prediction,
		Replayed:   res.Replayed,
		TotalMs:    time.Since(start).Milliseconds(),
	}
	if res.Alert != nil {
		resp.AlertID = res.Alert.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// SyncRequest is the body of POST /sync/stripe.
type SyncRequest struct {
	HoursBack *int `json:"hours_back"`
}

// maxSyncHours bounds a manual lookback to thirty days.
const maxSyncHours = 30 * 24

// SyncStripe handles POST /sync/stripe. The run happens in the request and
// the summary is returned. An empty body uses the configured lookback.
func (h *Handler) SyncStripe(w http.ResponseWriter, r *http.Request) {
	if h.Reconciler == nil || !h.Reconciler.Configured() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "stripe api not configured",
		})
		return
	}

	lookback := h.Sync.ManualLookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}

	var req SyncRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, fmt.Errorf("%w: invalid JSON request body", domain.ErrValidation))
		return
	}
	if req.HoursBack != nil {
		if *req.HoursBack <= 0 || *req.HoursBack > maxSyncHours {
			writeError(w, fmt.Errorf("%w: hours_back must be between 1 and %d", domain.ErrValidation, maxSyncHours))
			return
		}
		lookback = time.Duration(*req.HoursBack) * time.Hour
	}

	summary, err := h.Reconciler.Reconcile(r.Context(), lookback)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read request body: %v", domain.ErrValidation, err)
	}
	return body, nil
}
