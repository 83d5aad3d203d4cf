package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/dedup"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/queue"
	"github.com/opensource-finance/kestrel/internal/reconcile"
	"github.com/opensource-finance/kestrel/internal/reputation"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

const (
	maxBodyBytes = 1 << 20

	// retryAfterSeconds is sent with every backpressure response.
	retryAfterSeconds = "5"
)

// Scorer scores a transaction on the request goroutine.
type Scorer interface {
	ScoreNow(ctx context.Context, tx *domain.Transaction) (*scoring.Result, error)
}

// Deps holds everything the handlers need. Cache, Bus, Engine, Reputation
// and Reconciler may be nil.
type Deps struct {
	Server     domain.ServerConfig
	Processors domain.ProcessorsConfig
	Kafka      domain.KafkaConfig
	Sync       domain.SyncConfig
	BusIngest  bool

	Repo       domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Gate       *ingest.Gate
	Scorer     Scorer
	Reconciler *reconcile.Reconciler
	Engine     *rules.Engine
	Reputation *reputation.Service
	State      *metrics.State
	Channels   []string
	Version    string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	Deps
	now func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{Deps: deps, now: time.Now}
}

// SubmitResponse acknowledges a submitted transaction.
type SubmitResponse struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	TraceID       string `json:"traceId,omitempty"`
}

// SubmitTransaction handles POST /transactions. The transaction is queued
// for scoring and the response does not wait for it.
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tx, err := h.decodeTransaction(r, domain.SourceAPI)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.Gate.Admit(ctx, dedup.NamespaceAPI, tx)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Status == ingest.StatusDuplicate {
		writeError(w, domain.ErrDuplicate)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		TransactionID: tx.ID,
		Status:        string(res.Status),
		TraceID:       GetTraceID(ctx),
	})
}

// GetTransaction retrieves a transaction and its processing status.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "id")

	tx, err := h.Repo.GetTransaction(r.Context(), txID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("failed to get transaction", "tx_id", txID, "error", err)
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// GetPrediction retrieves the prediction for a transaction.
func (h *Handler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txId")

	p, err := h.Repo.GetPrediction(r.Context(), txID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("failed to get prediction", "tx_id", txID, "error", err)
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// AlertResponse is an alert with its delivery history.
type AlertResponse struct {
	*domain.Alert
	Attempts []*domain.DeliveryAttempt `json:"attempts"`
}

// GetAlert retrieves an alert with every delivery attempt.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	alertID := chi.URLParam(r, "id")

	alert, err := h.Repo.GetAlert(ctx, alertID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("failed to get alert", "alert_id", alertID, "error", err)
		}
		writeError(w, err)
		return
	}

	attempts, err := h.Repo.ListDeliveryAttempts(ctx, alertID)
	if err != nil {
		slog.Error("failed to list delivery attempts", "alert_id", alertID, "error", err)
		writeError(w, err)
		return
	}
	if attempts == nil {
		attempts = []*domain.DeliveryAttempt{}
	}

	writeJSON(w, http.StatusOK, AlertResponse{Alert: alert, Attempts: attempts})
}

// ListDeadLetters returns alerts no channel could deliver, newest first.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be between 1 and 1000",
			})
			return
		}
		limit = n
	}

	alerts, err := h.Repo.ListAlertsByDelivery(r.Context(), domain.DeliveryDeadLettered, limit)
	if err != nil {
		slog.Error("failed to list dead-lettered alerts", "error", err)
		writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*domain.Alert{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.Repo != nil {
		if err := h.Repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.Cache != nil {
		if err := h.Cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.Version,
	})
}

// Ready reports whether the server can accept traffic. The database is
// the only hard dependency.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Repo != nil {
		if err := h.Repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns the loaded alert-typing rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.Engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule engine not available",
		})
		return
	}

	loaded := h.Engine.GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// ReloadRules replaces the loaded rules with the builtin set overlaid by the
// rules stored in the database.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if h.Engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule engine not available",
		})
		return
	}

	dbRules, err := h.Repo.ListRuleConfigs(r.Context())
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeError(w, err)
		return
	}

	if err := h.Engine.ReloadRules(rules.WithStored(dbRules)); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded", "count", h.Engine.RulesCount())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.Engine.RulesCount(),
	})
}

// ReportReputation handles POST /reputation. Later transactions whose
// ip_address or email metadata matches are assessed against the entry.
func (h *Handler) ReportReputation(w http.ResponseWriter, r *http.Request) {
	if h.Reputation == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "reputation store not available",
		})
		return
	}

	var u reputation.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&u); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON request body", domain.ErrValidation))
		return
	}

	rep, err := h.Reputation.Report(r.Context(), &u)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("reputation updated", "kind", rep.Kind, "risk_score", rep.RiskScore)
	writeJSON(w, http.StatusOK, rep)
}

// decodeTransaction parses and validates a TransactionRequest body. A
// request without an id gets a generated one.
func (h *Handler) decodeTransaction(r *http.Request, source domain.Source) (*domain.Transaction, error) {
	var req domain.TransactionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON request body", domain.ErrValidation)
	}
	if err := ingest.ValidateRequest(&req); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	return req.ToTransaction(id, source, h.now()), nil
}

// writeError maps a pipeline error to its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal server error"

	switch {
	case errors.Is(err, domain.ErrValidation):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrUnauthorized):
		status, msg = http.StatusUnauthorized, "invalid signature"
	case errors.Is(err, domain.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, domain.ErrDuplicate):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, reconcile.ErrInProgress):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrBackpressure), errors.Is(err, queue.ErrClosed):
		w.Header().Set("Retry-After", retryAfterSeconds)
		status, msg = http.StatusServiceUnavailable, "queue full, retry later"
	case errors.Is(err, domain.ErrUpstreamSync):
		status, msg = http.StatusBadGateway, err.Error()
	case errors.Is(err, domain.ErrModelInference):
		msg = "model inference failed"
	}

	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
