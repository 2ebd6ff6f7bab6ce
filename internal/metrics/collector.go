package metrics

import (
	"github.com/leozw/compliance-guardian/internal/config"
	"github.com/leozw/compliance-guardian/internal/db"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns every engine metric. A nil *Collector is valid and records
// nothing, which keeps components usable without metrics in tests.
type Collector struct {
	config   *config.MimirConfig
	registry *prometheus.Registry
	logger   *zap.Logger

	// Evaluation
	runsTotal        *prometheus.CounterVec
	resultsTotal     *prometheus.CounterVec
	evaluationErrors *prometheus.CounterVec

	// Delivery
	notificationsSent   *prometheus.CounterVec
	notificationLatency *prometheus.HistogramVec
	deadLetters         *prometheus.CounterVec
	batchItems          *prometheus.GaugeVec
	rateLimited         *prometheus.CounterVec

	// System health
	schedulerPasses    *prometheus.CounterVec
	schedulerQueueSize prometheus.Gauge
	lastPassTimestamp  *prometheus.GaugeVec
	auditWriteFailures *prometheus.CounterVec
}

func NewCollector(reg *prometheus.Registry, cfg config.MimirConfig, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	return &Collector{
		config:   &cfg,
		registry: reg,
		logger:   logger.Named("metrics"),

		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compliance_runs_total",
				Help: "Check runs that reached a terminal status",
			},
			[]string{"tenant_id", "period", "status"},
		),

		resultsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compliance_results_total",
				Help: "Check results written, by outcome",
			},
			[]string{"tenant_id", "period", "outcome"},
		),

		evaluationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compliance_evaluation_errors_total",
				Help: "Rules that could not be evaluated and were recorded as failed",
			},
			[]string{"tenant_id", "rule_code"},
		),

		notificationsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compliance_notifications_total",
				Help: "Delivery attempts per channel and result",
			},
			[]string{"tenant_id", "channel", "status"},
		),

		notificationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "compliance_notification_latency_seconds",
				Help:    "Latency of outbound delivery attempts",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"tenant_id", "channel"},
		),

		deadLetters: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compliance_dead_letters_total",
				Help: "Events and jobs moved to a dead-letter table",
			},
			[]string{"tenant_id", "queue"},
		),

		batchItems: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "compliance_queue_batch_items",
				Help: "Item counts of the most recent batch per queue",
			},
			[]string{"queue", "result"},
		),

		rateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compliance_integration_rate_limited_total",
				Help: "Integration sends answered with HTTP 429",
			},
			[]string{"tenant_id", "channel"},
		),

		schedulerPasses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compliance_scheduler_invocations_total",
				Help: "Tenant and period invocations driven by the scheduler",
			},
			[]string{"result"},
		),

		schedulerQueueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "compliance_scheduler_queue_size",
				Help: "Invocations waiting for a scheduler worker",
			},
		),

		lastPassTimestamp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "compliance_last_pass_timestamp_seconds",
				Help: "Unix time a pass last completed, per component",
			},
			[]string{"component"},
		),

		auditWriteFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compliance_audit_write_failures_total",
				Help: "Non-fatal bookkeeping writes that failed",
			},
			[]string{"component"},
		),
	}
}

// Registry is the gatherer behind /metrics and remote write.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RecordRun(tenantID string, period db.Period, status db.RunStatus) {
	if c == nil {
		return
	}
	c.runsTotal.With(prometheus.Labels{
		"tenant_id": tenantID,
		"period":    string(period),
		"status":    string(status),
	}).Inc()
}

func (c *Collector) RecordResult(tenantID string, period db.Period, outcome db.Outcome) {
	if c == nil {
		return
	}
	c.resultsTotal.With(prometheus.Labels{
		"tenant_id": tenantID,
		"period":    string(period),
		"outcome":   string(outcome),
	}).Inc()
}

func (c *Collector) RecordEvaluationError(tenantID, ruleCode string) {
	if c == nil {
		return
	}
	c.evaluationErrors.With(prometheus.Labels{
		"tenant_id": tenantID,
		"rule_code": ruleCode,
	}).Inc()
}

// RecordNotificationSent records one delivery attempt on any channel.
func (c *Collector) RecordNotificationSent(tenantID string, channel db.Channel, success bool, latencySeconds float64) {
	if c == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}

	c.notificationsSent.With(prometheus.Labels{
		"tenant_id": tenantID,
		"channel":   string(channel),
		"status":    status,
	}).Inc()

	c.notificationLatency.With(prometheus.Labels{
		"tenant_id": tenantID,
		"channel":   string(channel),
	}).Observe(latencySeconds)
}

func (c *Collector) RecordDeadLetter(tenantID, queue string) {
	if c == nil {
		return
	}
	c.deadLetters.With(prometheus.Labels{
		"tenant_id": tenantID,
		"queue":     queue,
	}).Inc()
}

// RecordBatch publishes the tally of the latest batch for queue.
func (c *Collector) RecordBatch(queue string, processed, success, failed, dead int) {
	if c == nil {
		return
	}
	for result, n := range map[string]int{
		"processed": processed,
		"success":   success,
		"failed":    failed,
		"dead":      dead,
	} {
		c.batchItems.With(prometheus.Labels{"queue": queue, "result": result}).Set(float64(n))
	}
	c.lastPassTimestamp.With(prometheus.Labels{"component": queue}).SetToCurrentTime()
}

func (c *Collector) RecordRateLimited(tenantID string, channel db.Channel) {
	if c == nil {
		return
	}
	c.rateLimited.With(prometheus.Labels{
		"tenant_id": tenantID,
		"channel":   string(channel),
	}).Inc()
}

// RecordSchedulerPass records the outcome counts of one scheduler sweep.
func (c *Collector) RecordSchedulerPass(executed, errors int) {
	if c == nil {
		return
	}
	c.schedulerPasses.With(prometheus.Labels{"result": "executed"}).Add(float64(executed))
	c.schedulerPasses.With(prometheus.Labels{"result": "error"}).Add(float64(errors))
	c.lastPassTimestamp.With(prometheus.Labels{"component": "scheduler"}).SetToCurrentTime()
}

func (c *Collector) RecordSchedulerQueue(size int) {
	if c == nil {
		return
	}
	c.schedulerQueueSize.Set(float64(size))
}

// RecordAuditWriteFailure counts a swallowed bookkeeping error so it can be
// alerted on.
func (c *Collector) RecordAuditWriteFailure(component string) {
	if c == nil {
		return
	}
	c.auditWriteFailures.With(prometheus.Labels{"component": component}).Inc()
}
