package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	processedDesc = prometheus.NewDesc("kestrel_transactions_processed_total",
		"Transactions scored successfully.", nil, nil)
	fraudDesc = prometheus.NewDesc("kestrel_fraud_detected_total",
		"Transactions classified high risk.", nil, nil)
	failedDesc = prometheus.NewDesc("kestrel_transactions_failed_total",
		"Transactions whose scoring failed.", nil, nil)
	queueDesc = prometheus.NewDesc("kestrel_queue_size",
		"Transactions accepted but not yet scored.", []string{"queue"}, nil)
	alertsDesc = prometheus.NewDesc("kestrel_alerts_total",
		"Alerts by final delivery state.", []string{"state"}, nil)
	workersDesc = prometheus.NewDesc("kestrel_workers",
		"Live workers per pool.", []string{"pool"}, nil)
	uptimeDesc = prometheus.NewDesc("kestrel_uptime_seconds",
		"Seconds since the processor started.", nil, nil)
)

// Collector exports a State to Prometheus. Values are read at scrape time.
type Collector struct {
	state *State
}

// NewCollector wraps state.
func NewCollector(state *State) *Collector {
	return &Collector{state: state}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{processedDesc, fraudDesc, failedDesc, queueDesc, alertsDesc, workersDesc, uptimeDesc} {
		ch <- d
	}
	c.state.scoringLatency.Describe(ch)
	c.state.deliveryLatency.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.state.Snapshot()

	ch <- prometheus.MustNewConstMetric(processedDesc, prometheus.CounterValue, float64(s.ProcessedCount))
	ch <- prometheus.MustNewConstMetric(fraudDesc, prometheus.CounterValue, float64(s.FraudDetectedCount))
	ch <- prometheus.MustNewConstMetric(failedDesc, prometheus.CounterValue, float64(s.FailedCount))
	ch <- prometheus.MustNewConstMetric(queueDesc, prometheus.GaugeValue, float64(s.QueueSize), "transactions")
	ch <- prometheus.MustNewConstMetric(queueDesc, prometheus.GaugeValue, float64(s.AlertQueueSize), "alerts")
	ch <- prometheus.MustNewConstMetric(alertsDesc, prometheus.CounterValue, float64(s.AlertsDelivered), "delivered")
	ch <- prometheus.MustNewConstMetric(alertsDesc, prometheus.CounterValue, float64(s.AlertsDeadLettered), "dead_lettered")
	ch <- prometheus.MustNewConstMetric(workersDesc, prometheus.GaugeValue, float64(s.ScoringWorkers), "scoring")
	ch <- prometheus.MustNewConstMetric(workersDesc, prometheus.GaugeValue, float64(s.AlertWorkers), "alert")
	ch <- prometheus.MustNewConstMetric(uptimeDesc, prometheus.GaugeValue, s.UptimeSeconds)

	c.state.scoringLatency.Collect(ch)
	c.state.deliveryLatency.Collect(ch)
}

// NewRegistry returns a registry with the pipeline collector and the Go
// runtime collectors.
func NewRegistry(state *State) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(state),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
