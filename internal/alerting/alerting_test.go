package alerting

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/queue"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/shopspring/decimal"
)

// stubChannel fails its first failures sends, or every send when failures is negative.
type stubChannel struct {
	name     string
	failures int32
	block    bool
	calls    atomic.Int32
}

func (c *stubChannel) Name() string { return c.name }

func (c *stubChannel) Send(ctx context.Context, alert *domain.Alert) error {
	n := c.calls.Add(1)
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.failures < 0 || n <= c.failures {
		return fmt.Errorf("%s unavailable", c.name)
	}
	return nil
}

var fastPolicy = RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, AttemptTimeout: time.Second}

func newTestRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "alerting.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func saveAlert(t *testing.T, repo *repository.SQLRepository) *domain.Alert {
	t.Helper()
	alert := &domain.Alert{
		ID:               uuid.New().String(),
		TransactionID:    "tx-" + uuid.New().String(),
		Type:             domain.AlertHighRiskTransaction,
		Severity:         domain.SeverityHigh,
		Amount:           decimal.NewFromInt(1500),
		Currency:         "USD",
		UserID:           "user-1",
		Merchant:         "acme",
		FraudProbability: 0.82,
		Status:           domain.AlertOpen,
		DeliveryState:    domain.DeliveryPending,
		CreatedAt:        time.Now().UTC(),
	}
	created, err := repo.SaveAlert(context.Background(), alert)
	if err != nil || !created {
		t.Fatalf("failed to save alert: created=%v err=%v", created, err)
	}
	return alert
}

func TestWebhookChannel(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		var got domain.Alert
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("expected POST, got %s", r.Method)
			}
			if r.Header.Get("Content-Type") != "application/json" {
				t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
			}
			if r.Header.Get("X-Api-Key") != "secret" {
				t.Errorf("configured header not sent")
			}
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		ch := NewWebhookChannel(domain.WebhookChannelConfig{
			URL:     server.URL,
			Headers: map[string]string{"X-Api-Key": "secret"},
		}, nil)

		alert := &domain.Alert{ID: "alert-1", TransactionID: "tx-1", FraudProbability: 0.9}
		if err := ch.Send(context.Background(), alert); err != nil {
			t.Fatalf("send failed: %v", err)
		}
		if got.ID != "alert-1" || got.TransactionID != "tx-1" {
			t.Errorf("unexpected payload: %+v", got)
		}
	})

	t.Run("Non2xx", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		ch := NewWebhookChannel(domain.WebhookChannelConfig{URL: server.URL}, nil)
		err := ch.Send(context.Background(), &domain.Alert{ID: "alert-2"})
		if !errors.Is(err, domain.ErrDelivery) {
			t.Errorf("expected ErrDelivery, got %v", err)
		}
	})
}

// smtpServer is a minimal in-process SMTP server. When mute is set it
// accepts connections but never greets.
type smtpServer struct {
	host   string
	port   int
	mute   bool
	closed chan struct{}

	mu   sync.Mutex
	from string
	to   []string
	data string
}

func startSMTPServer(t *testing.T, mute bool) *smtpServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	s := &smtpServer{host: host, mute: mute, closed: make(chan struct{}, 1)}
	s.port, _ = strconv.Atoi(port)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return s
}

func (s *smtpServer) serve(conn net.Conn) {
	defer func() {
		conn.Close()
		s.closed <- struct{}{}
	}()
	if s.mute {
		_, _ = io.Copy(io.Discard, conn)
		return
	}

	reply := func(line string) { _, _ = io.WriteString(conn, line+"\r\n") }
	between := func(line string) string {
		i, j := strings.Index(line, "<"), strings.Index(line, ">")
		if i < 0 || j < i {
			return ""
		}
		return line[i+1 : j]
	}

	reply("220 kestrel-test ESMTP")
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO"):
			reply("250-kestrel-test")
			reply("250 AUTH PLAIN")
		case strings.HasPrefix(cmd, "AUTH"):
			reply("235 2.7.0 accepted")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			s.mu.Lock()
			s.from = between(line)
			s.mu.Unlock()
			reply("250 ok")
		case strings.HasPrefix(cmd, "RCPT TO"):
			s.mu.Lock()
			s.to = append(s.to, between(line))
			s.mu.Unlock()
			reply("250 ok")
		case cmd == "DATA":
			reply("354 end with <CRLF>.<CRLF>")
			var body []string
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				l = strings.TrimRight(l, "\r\n")
				if l == "." {
					break
				}
				body = append(body, l)
			}
			s.mu.Lock()
			s.data = strings.Join(body, "\n")
			s.mu.Unlock()
			reply("250 queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 ok")
		}
	}
}

func TestEmailChannel(t *testing.T) {
	alert := &domain.Alert{
		ID:               "alert-1",
		TransactionID:    "tx-1",
		Type:             domain.AlertHighRiskTransaction,
		Severity:         domain.SeverityCritical,
		Amount:           decimal.NewFromInt(1500),
		Currency:         "USD",
		FraudProbability: 0.93,
	}

	t.Run("Sends", func(t *testing.T) {
		server := startSMTPServer(t, false)
		ch := NewEmailChannel(domain.EmailChannelConfig{
			SMTPServer: server.host,
			SMTPPort:   server.port,
			Username:   "alerts@example.com",
			Password:   "pw",
			To:         []string{"fraud@example.com", "ops@example.com"},
		})

		if err := ch.Send(context.Background(), alert); err != nil {
			t.Fatalf("send failed: %v", err)
		}

		server.mu.Lock()
		defer server.mu.Unlock()
		if server.from != "alerts@example.com" || len(server.to) != 2 {
			t.Errorf("unexpected envelope: from=%s to=%v", server.from, server.to)
		}
		if !strings.Contains(server.data, "Subject: [CRITICAL] Fraud alert for transaction tx-1") {
			t.Errorf("missing subject in message:\n%s", server.data)
		}
		if !strings.Contains(server.data, "93.00%") || !strings.Contains(server.data, "1500.00 USD") {
			t.Errorf("missing details in message:\n%s", server.data)
		}
	})

	t.Run("StalledServerReleasedAtDeadline", func(t *testing.T) {
		server := startSMTPServer(t, true)
		ch := NewEmailChannel(domain.EmailChannelConfig{
			SMTPServer: server.host,
			SMTPPort:   server.port,
			To:         []string{"fraud@example.com"},
		})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		if err := ch.Send(ctx, alert); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("send outlived its deadline: %v", elapsed)
		}

		// The connection must be torn down, not left with the server.
		select {
		case <-server.closed:
		case <-time.After(2 * time.Second):
			t.Error("smtp connection still open after the deadline")
		}
	})

	t.Run("CancelledBeforeDial", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		ch := NewEmailChannel(domain.EmailChannelConfig{SMTPServer: "127.0.0.1", SMTPPort: 1, To: []string{"a@example.com"}})
		if err := ch.Send(ctx, alert); !errors.Is(err, context.Canceled) {
			t.Errorf("expected canceled, got %v", err)
		}
	})
}

func TestChannelsFromConfig(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	if got := Channels(domain.AlertingConfig{}, eventBus); len(got) != 0 {
		t.Errorf("expected no channels, got %d", len(got))
	}

	cfg := domain.AlertingConfig{
		Webhook: domain.WebhookChannelConfig{URL: "http://localhost/hook"},
		Email:   domain.EmailChannelConfig{SMTPServer: "smtp.example.com", To: []string{"a@example.com"}},
		Bus:     domain.BusChannelConfig{Enabled: true},
	}
	got := Channels(cfg, eventBus)
	if len(got) != 3 {
		t.Fatalf("expected 3 channels, got %d", len(got))
	}
	for i, name := range []string{"webhook", "email", "bus"} {
		if got[i].Name() != name {
			t.Errorf("channel %d: expected %s, got %s", i, name, got[i].Name())
		}
	}

	cfg.Email.To = nil
	if got := Channels(cfg, nil); len(got) != 1 {
		t.Errorf("email without recipients and bus without a bus should be skipped, got %d", len(got))
	}
}

func TestDeliver(t *testing.T) {
	ctx := context.Background()

	t.Run("OneAttemptPerChannelOnSuccess", func(t *testing.T) {
		repo := newTestRepo(t)
		alert := saveAlert(t, repo)

		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		other := &stubChannel{name: "stub"}
		state := metrics.NewState()
		d := NewDispatcher(queue.New[*domain.Alert](1, domain.QueueReject, 0),
			[]Channel{NewWebhookChannel(domain.WebhookChannelConfig{URL: server.URL}, nil), other},
			repo, nil, state, fastPolicy, 1)

		if got := d.Deliver(ctx, alert); got != domain.DeliveryDelivered {
			t.Fatalf("expected delivered, got %s", got)
		}
		if hits.Load() != 1 || other.calls.Load() != 1 {
			t.Errorf("expected one attempt per channel, got webhook=%d stub=%d", hits.Load(), other.calls.Load())
		}

		attempts, err := repo.ListDeliveryAttempts(ctx, alert.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(attempts) != 2 {
			t.Fatalf("expected 2 recorded attempts, got %d", len(attempts))
		}
		for _, a := range attempts {
			if a.Outcome != domain.OutcomeSuccess || a.Attempt != 1 {
				t.Errorf("unexpected attempt: %+v", a)
			}
		}

		stored, _ := repo.GetAlert(ctx, alert.ID)
		if stored.DeliveryState != domain.DeliveryDelivered {
			t.Errorf("expected stored state delivered, got %s", stored.DeliveryState)
		}
		if state.Snapshot().AlertsDelivered != 1 {
			t.Errorf("expected delivered counter 1")
		}
	})

	t.Run("AllChannelsExhausted", func(t *testing.T) {
		repo := newTestRepo(t)
		alert := saveAlert(t, repo)

		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()
		deadLetters := make(chan string, 1)
		_, err := eventBus.Subscribe(ctx, domain.TopicAlertDeadLettered, func(ctx context.Context, msg *domain.Message) error {
			var a domain.Alert
			_ = json.Unmarshal(msg.Payload, &a)
			deadLetters <- a.ID
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		a := &stubChannel{name: "a", failures: -1}
		b := &stubChannel{name: "b", failures: -1}
		state := metrics.NewState()
		d := NewDispatcher(queue.New[*domain.Alert](1, domain.QueueReject, 0),
			[]Channel{a, b}, repo, eventBus, state, fastPolicy, 1)

		if got := d.Deliver(ctx, alert); got != domain.DeliveryDeadLettered {
			t.Fatalf("expected dead_lettered, got %s", got)
		}
		if a.calls.Load() != 3 || b.calls.Load() != 3 {
			t.Errorf("expected 3 attempts per channel, got a=%d b=%d", a.calls.Load(), b.calls.Load())
		}

		stored, err := repo.GetAlert(ctx, alert.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.Status != domain.AlertOpen {
			t.Errorf("alert status should stay open, got %s", stored.Status)
		}
		if stored.DeliveryState != domain.DeliveryDeadLettered {
			t.Errorf("expected dead_lettered, got %s", stored.DeliveryState)
		}

		listed, _ := repo.ListAlertsByDelivery(ctx, domain.DeliveryDeadLettered, 10)
		if len(listed) != 1 || listed[0].ID != alert.ID {
			t.Errorf("alert not listed as dead-lettered: %v", listed)
		}

		attempts, _ := repo.ListDeliveryAttempts(ctx, alert.ID)
		if len(attempts) != 6 {
			t.Errorf("expected 6 recorded attempts, got %d", len(attempts))
		}
		if state.Snapshot().AlertsDeadLettered != 1 {
			t.Error("expected dead-lettered counter 1")
		}

		select {
		case id := <-deadLetters:
			if id != alert.ID {
				t.Errorf("dead-letter event for wrong alert %s", id)
			}
		case <-time.After(time.Second):
			t.Error("no dead-letter event published")
		}
	})

	t.Run("RetriesThenDelivers", func(t *testing.T) {
		repo := newTestRepo(t)
		alert := saveAlert(t, repo)

		flaky := &stubChannel{name: "flaky", failures: 2}
		d := NewDispatcher(queue.New[*domain.Alert](1, domain.QueueReject, 0),
			[]Channel{flaky}, repo, nil, metrics.NewState(), fastPolicy, 1)

		if got := d.Deliver(ctx, alert); got != domain.DeliveryDelivered {
			t.Fatalf("expected delivered, got %s", got)
		}

		attempts, _ := repo.ListDeliveryAttempts(ctx, alert.ID)
		want := []domain.AttemptOutcome{domain.OutcomeFailure, domain.OutcomeFailure, domain.OutcomeSuccess}
		if len(attempts) != len(want) {
			t.Fatalf("expected %d attempts, got %d", len(want), len(attempts))
		}
		for i, a := range attempts {
			if a.Attempt != i+1 || a.Outcome != want[i] {
				t.Errorf("attempt %d: got #%d %s, want %s", i, a.Attempt, a.Outcome, want[i])
			}
		}
		if attempts[0].Error == "" {
			t.Error("failed attempt should record its error")
		}
	})

	t.Run("AttemptTimeout", func(t *testing.T) {
		repo := newTestRepo(t)
		alert := saveAlert(t, repo)

		slow := &stubChannel{name: "slow", block: true}
		policy := RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, AttemptTimeout: 20 * time.Millisecond}
		d := NewDispatcher(queue.New[*domain.Alert](1, domain.QueueReject, 0),
			[]Channel{slow}, repo, nil, metrics.NewState(), policy, 1)

		if got := d.Deliver(ctx, alert); got != domain.DeliveryDeadLettered {
			t.Fatalf("expected dead_lettered, got %s", got)
		}
		attempts, _ := repo.ListDeliveryAttempts(ctx, alert.ID)
		if len(attempts) != 2 {
			t.Fatalf("expected 2 attempts, got %d", len(attempts))
		}
		for _, a := range attempts {
			if a.Outcome != domain.OutcomeTimeout {
				t.Errorf("expected timeout outcome, got %s", a.Outcome)
			}
		}
	})

	t.Run("NoChannels", func(t *testing.T) {
		repo := newTestRepo(t)
		alert := saveAlert(t, repo)
		d := NewDispatcher(queue.New[*domain.Alert](1, domain.QueueReject, 0),
			nil, repo, nil, metrics.NewState(), fastPolicy, 1)

		if got := d.Deliver(ctx, alert); got != domain.DeliveryDeadLettered {
			t.Errorf("expected dead_lettered without channels, got %s", got)
		}
	})
}

func TestDispatcherDrainsQueue(t *testing.T) {
	repo := newTestRepo(t)
	q := queue.New[*domain.Alert](10, domain.QueueReject, 0)
	state := metrics.NewState()
	ch := &stubChannel{name: "stub"}
	d := NewDispatcher(q, []Channel{ch}, repo, nil, state, fastPolicy, 3)

	var alerts []*domain.Alert
	for i := 0; i < 5; i++ {
		alert := saveAlert(t, repo)
		alerts = append(alerts, alert)
		state.AlertQueued()
		if err := q.Enqueue(context.Background(), alert); err != nil {
			t.Fatal(err)
		}
	}

	d.Start()
	q.Close()
	d.Wait()

	snap := state.Snapshot()
	if snap.AlertsDelivered != 5 || snap.AlertQueueSize != 0 {
		t.Errorf("expected 5 delivered and empty queue, got %+v", snap)
	}
	if snap.AlertWorkers != 0 {
		t.Errorf("expected no running workers after Wait, got %d", snap.AlertWorkers)
	}
	for _, a := range alerts {
		stored, _ := repo.GetAlert(context.Background(), a.ID)
		if stored.DeliveryState != domain.DeliveryDelivered {
			t.Errorf("alert %s not delivered: %s", a.ID, stored.DeliveryState)
		}
	}
}

func TestRecover(t *testing.T) {
	repo := newTestRepo(t)
	for i := 0; i < 3; i++ {
		saveAlert(t, repo)
	}
	done := saveAlert(t, repo)
	if err := repo.UpdateAlertDelivery(context.Background(), done.ID, domain.DeliveryDelivered); err != nil {
		t.Fatal(err)
	}

	q := queue.New[*domain.Alert](2, domain.QueueReject, 0)
	state := metrics.NewState()
	d := NewDispatcher(q, nil, repo, nil, state, fastPolicy, 1)

	n, err := d.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if n != 2 || q.Len() != 2 {
		t.Errorf("expected 2 re-queued alerts (queue capacity), got n=%d len=%d", n, q.Len())
	}
	if state.Snapshot().AlertQueueSize != 2 {
		t.Errorf("alert queue gauge out of sync: %d", state.Snapshot().AlertQueueSize)
	}
}

func TestConcurrentDeliveries(t *testing.T) {
	repo := newTestRepo(t)
	ch := &stubChannel{name: "stub"}
	d := NewDispatcher(queue.New[*domain.Alert](1, domain.QueueReject, 0),
		[]Channel{ch}, repo, nil, metrics.NewState(), fastPolicy, 1)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		alert := saveAlert(t, repo)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := d.Deliver(context.Background(), alert); got != domain.DeliveryDelivered {
				t.Errorf("expected delivered, got %s", got)
			}
		}()
	}
	wg.Wait()

	if ch.calls.Load() != 10 {
		t.Errorf("expected 10 sends, got %d", ch.calls.Load())
	}
}
