// Package alerting delivers fraud alerts to the configured notification
// channels with bounded retries.
package alerting

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Channel is one notification target.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *domain.Alert) error
}

// Channels builds the channels enabled in cfg. bus may be nil.
func Channels(cfg domain.AlertingConfig, bus domain.EventBus) []Channel {
	var channels []Channel
	if cfg.Webhook.URL != "" {
		channels = append(channels, NewWebhookChannel(cfg.Webhook, nil))
	}
	if cfg.Email.SMTPServer != "" && len(cfg.Email.To) > 0 {
		channels = append(channels, NewEmailChannel(cfg.Email))
	}
	if cfg.Bus.Enabled && bus != nil {
		channels = append(channels, NewBusChannel(bus))
	}
	return channels
}

// WebhookChannel POSTs the alert as JSON.
type WebhookChannel struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a webhook channel. A nil client uses a default
// client; the per-attempt deadline comes from the context.
func NewWebhookChannel(cfg domain.WebhookChannelConfig, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookChannel{url: cfg.URL, headers: cfg.Headers, client: client}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, alert *domain.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: webhook returned %d", domain.ErrDelivery, resp.StatusCode)
	}
	return nil
}

// EmailChannel sends a plain-text alert over SMTP. The session, dial
// included, is bounded by the context passed to Send.
type EmailChannel struct {
	cfg    domain.EmailChannelConfig
	dialer net.Dialer
}

// NewEmailChannel creates an email channel.
func NewEmailChannel(cfg domain.EmailChannelConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg}
}

func (c *EmailChannel) Name() string { return "email" }

// Send closes the connection as soon as ctx is done, so a stalled server
// cannot hold the attempt past its deadline.
func (c *EmailChannel) Send(ctx context.Context, alert *domain.Alert) error {
	port := c.cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(c.cfg.SMTPServer, strconv.Itoa(port))

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to reach smtp server: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := c.session(conn, alert); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (c *EmailChannel) session(conn net.Conn, alert *domain.Alert) error {
	client, err := smtp.NewClient(conn, c.cfg.SMTPServer)
	if err != nil {
		return err
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: c.cfg.SMTPServer}); err != nil {
			return err
		}
	}
	if c.cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			return errors.New("smtp server does not support AUTH")
		}
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.SMTPServer)
		if err := client.Auth(auth); err != nil {
			return err
		}
	}

	from := c.cfg.From
	if from == "" {
		from = c.cfg.Username
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range c.cfg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(c.message(from, alert)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func (c *EmailChannel) message(from string, alert *domain.Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: [%s] Fraud alert for transaction %s\r\n", strings.ToUpper(string(alert.Severity)), alert.TransactionID)
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&b, "Transaction %s flagged as %s (probability: %.2f%%)\r\n\r\n",
		alert.TransactionID, alert.Type, alert.FraudProbability*100)
	fmt.Fprintf(&b, "Alert:    %s\r\n", alert.ID)
	fmt.Fprintf(&b, "User:     %s\r\n", alert.UserID)
	fmt.Fprintf(&b, "Merchant: %s\r\n", alert.Merchant)
	fmt.Fprintf(&b, "Amount:   %s %s\r\n", alert.Amount.StringFixed(2), alert.Currency)
	fmt.Fprintf(&b, "Raised:   %s\r\n", alert.CreatedAt.UTC().Format(time.RFC3339))
	return []byte(b.String())
}

// BusChannel publishes the alert on the event bus.
type BusChannel struct {
	bus domain.EventBus
}

func NewBusChannel(bus domain.EventBus) *BusChannel {
	return &BusChannel{bus: bus}
}

func (c *BusChannel) Name() string { return "bus" }

func (c *BusChannel) Send(ctx context.Context, alert *domain.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, domain.TopicAlertRaised, payload)
}
