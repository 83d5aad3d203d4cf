package api

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/reconcile"
)

// Integration states reported by /status.
const (
	IntegrationConfigured = "configured"
	IntegrationConnected  = "connected"
	IntegrationError      = "error"
	IntegrationDisabled   = "disabled"
)

// Integration is the state of one external dependency.
type Integration struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Version      string                 `json:"version"`
	Processor    metrics.Snapshot       `json:"processor"`
	Integrations map[string]Integration `json:"integrations"`
	Sync         *reconcile.Status      `json:"sync,omitempty"`
}

// Status reports pipeline counters and the state of every integration.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Version:      h.Version,
		Integrations: h.integrations(r.Context()),
	}
	if h.State != nil {
		resp.Processor = h.State.Snapshot()
	}
	if h.Reconciler != nil {
		st := h.Reconciler.Status()
		resp.Sync = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) integrations(ctx context.Context) map[string]Integration {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out := map[string]Integration{
		"stripe_api":     h.stripeAPIStatus(),
		"stripe_webhook": configured(h.Processors.Stripe.WebhookSecret != ""),
		"paypal_webhook": configured(h.Processors.PayPal.WebhookSecret != "" && h.Processors.PayPal.WebhookID != ""),
		"kafka":          configured(h.Kafka.Enabled),
		"bus_ingest":     configured(h.BusIngest),
	}
	if h.Repo != nil {
		out["database"] = pinged(h.Repo.Ping(ctx))
	}
	if h.Cache != nil {
		out["cache"] = pinged(h.Cache.Ping(ctx))
	}
	if h.Bus != nil {
		out["event_bus"] = pinged(h.Bus.Ping(ctx))
	}

	for _, name := range []string{"webhook", "email", "bus"} {
		out["alert_"+name] = configured(slices.Contains(h.Channels, name))
	}
	return out
}

// stripeAPIStatus is connected after a successful sync and error after a
// failed one.
func (h *Handler) stripeAPIStatus() Integration {
	if h.Reconciler == nil || !h.Reconciler.Configured() {
		return Integration{Status: IntegrationDisabled}
	}
	st := h.Reconciler.Status()
	switch {
	case st.LastError != "":
		return Integration{Status: IntegrationError, Detail: st.LastError}
	case !st.LastRun.IsZero():
		return Integration{Status: IntegrationConnected}
	default:
		return Integration{Status: IntegrationConfigured}
	}
}

func configured(ok bool) Integration {
	if ok {
		return Integration{Status: IntegrationConfigured}
	}
	return Integration{Status: IntegrationDisabled}
}

func pinged(err error) Integration {
	if err != nil {
		return Integration{Status: IntegrationError, Detail: err.Error()}
	}
	return Integration{Status: IntegrationConnected}
}
