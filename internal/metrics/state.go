// Package metrics holds the process-wide pipeline counters and exports them
// to Prometheus.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the shared processor state. Every field is atomic so readers
// never block the pools that write it.
type State struct {
	start time.Time

	processed     atomic.Int64
	fraudDetected atomic.Int64
	failed        atomic.Int64
	queueSize     atomic.Int64
	alertQueue    atomic.Int64
	delivered     atomic.Int64
	deadLettered  atomic.Int64

	scoringWorkers atomic.Int64
	alertWorkers   atomic.Int64

	scoringLatency  prometheus.Histogram
	deliveryLatency *prometheus.HistogramVec
}

// NewState creates a zeroed state with the uptime clock started.
func NewState() *State {
	return &State{
		start: time.Now(),
		scoringLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "scoring_duration_seconds",
			Help:      "Time to score one transaction, model call included.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "alert_delivery_duration_seconds",
			Help:      "Time to deliver an alert on one channel, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel", "outcome"}),
	}
}

// TransactionQueued records an accepted enqueue.
func (s *State) TransactionQueued() { s.queueSize.Add(1) }

// TransactionRejected undoes TransactionQueued for an enqueue that failed.
func (s *State) TransactionRejected() { s.queueSize.Add(-1) }

// TransactionScored records a successfully scored transaction.
func (s *State) TransactionScored(fraud bool, took time.Duration) {
	s.queueSize.Add(-1)
	s.processed.Add(1)
	if fraud {
		s.fraudDetected.Add(1)
	}
	s.scoringLatency.Observe(took.Seconds())
}

// TransactionFailed records a transaction whose scoring failed.
func (s *State) TransactionFailed() {
	s.queueSize.Add(-1)
	s.failed.Add(1)
}

// FraudDetected counts a high-risk prediction made outside the queue.
func (s *State) FraudDetected() { s.fraudDetected.Add(1) }

// AlertQueued and AlertDequeued track the alert queue depth.
func (s *State) AlertQueued()   { s.alertQueue.Add(1) }
func (s *State) AlertDequeued() { s.alertQueue.Add(-1) }

// AlertDelivered records an alert that reached at least one channel.
func (s *State) AlertDelivered() { s.delivered.Add(1) }

// AlertDeadLettered records an alert that every channel failed to deliver.
func (s *State) AlertDeadLettered() { s.deadLettered.Add(1) }

// ObserveDelivery records how long one channel took to settle an alert.
func (s *State) ObserveDelivery(channel, outcome string, took time.Duration) {
	s.deliveryLatency.WithLabelValues(channel, outcome).Observe(took.Seconds())
}

// SetScoringWorkers and SetAlertWorkers record live pool sizes.
func (s *State) SetScoringWorkers(n int) { s.scoringWorkers.Store(int64(n)) }
func (s *State) SetAlertWorkers(n int)   { s.alertWorkers.Store(int64(n)) }

// Snapshot is a point-in-time copy of State.
type Snapshot struct {
	UptimeSeconds      float64 `json:"uptime_seconds"`
	ProcessedCount     int64   `json:"processed_count"`
	FraudDetectedCount int64   `json:"fraud_detected_count"`
	FailedCount        int64   `json:"failed_count"`
	QueueSize          int64   `json:"queue_size"`
	AlertQueueSize     int64   `json:"alert_queue_size"`
	AlertsDelivered    int64   `json:"alerts_delivered"`
	AlertsDeadLettered int64   `json:"alerts_dead_lettered"`
	ScoringWorkers     int64   `json:"scoring_workers"`
	AlertWorkers       int64   `json:"alert_workers"`
	FraudRatePercent   float64 `json:"fraud_rate_percent"`
}

// Snapshot reads every counter. Counters are read independently, so the
// copy is not a transactionally consistent view.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds:      time.Since(s.start).Seconds(),
		ProcessedCount:     s.processed.Load(),
		FraudDetectedCount: s.fraudDetected.Load(),
		FailedCount:        s.failed.Load(),
		QueueSize:          s.queueSize.Load(),
		AlertQueueSize:     s.alertQueue.Load(),
		AlertsDelivered:    s.delivered.Load(),
		AlertsDeadLettered: s.deadLettered.Load(),
		ScoringWorkers:     s.scoringWorkers.Load(),
		AlertWorkers:       s.alertWorkers.Load(),
	}
	if snap.ProcessedCount > 0 {
		snap.FraudRatePercent = float64(snap.FraudDetectedCount) / float64(snap.ProcessedCount) * 100
	}
	return snap
}
