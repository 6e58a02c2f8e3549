package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaybot/internal/domain"
)

type PromMetrics struct {
	reg prometheus.Gatherer

	evaluated   *prometheus.CounterVec
	ruleSkipped *prometheus.CounterVec
	enqueued    *prometheus.CounterVec
	claimed     prometheus.Counter
	pushed      *prometheus.CounterVec
	deferred    *prometheus.CounterVec
	reclaimed   prometheus.Counter
	pruned      prometheus.Counter
	sendLatency prometheus.Histogram
	queueAge    prometheus.Gauge
	tasks       *prometheus.GaugeVec
}

// NewPromMetrics registers the engine collectors on reg. A nil reg gets a
// fresh registry.
func NewPromMetrics(reg *prometheus.Registry) *PromMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &PromMetrics{
		reg: reg,
		evaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaybot_content_evaluated_total",
			Help: "Content evaluations by outcome",
		}, []string{"outcome"}),
		ruleSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaybot_rule_skipped_total",
			Help: "Rules skipped because their conditions do not compile",
		}, []string{"rule"}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaybot_tasks_enqueued_total",
			Help: "Push tasks created",
		}, []string{"deferred"}),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaybot_tasks_claimed_total",
			Help: "Number of claimed tasks",
		}),
		pushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaybot_push_results_total",
			Help: "Push attempts by outcome",
		}, []string{"outcome"}),
		deferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaybot_push_deferred_total",
			Help: "Claimed tasks put back without an attempt",
		}, []string{"reason"}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaybot_tasks_reclaimed_total",
			Help: "Number of reclaimed stale tasks",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaybot_tasks_pruned_total",
			Help: "Number of pruned finished tasks",
		}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaybot_send_latency_seconds",
			Help:    "Latency of channel sends",
			Buckets: prometheus.DefBuckets,
		}),
		queueAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaybot_queue_oldest_pending_seconds",
			Help: "Age of the oldest eligible pending task",
		}),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relaybot_tasks",
			Help: "Tasks by status",
		}, []string{"status"}),
	}
	reg.MustRegister(m.evaluated, m.ruleSkipped, m.enqueued, m.claimed, m.pushed, m.deferred,
		m.reclaimed, m.pruned, m.sendLatency, m.queueAge, m.tasks)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *PromMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *PromMetrics) ContentEvaluated(outcome string) { m.evaluated.WithLabelValues(outcome).Inc() }
func (m *PromMetrics) RuleSkipped(rule string)         { m.ruleSkipped.WithLabelValues(rule).Inc() }

func (m *PromMetrics) TaskEnqueued(deferred bool) {
	if deferred {
		m.enqueued.WithLabelValues("true").Inc()
		return
	}
	m.enqueued.WithLabelValues("false").Inc()
}

func (m *PromMetrics) TaskClaimed() { m.claimed.Inc() }

func (m *PromMetrics) PushResult(outcome domain.OutcomeStatus, d time.Duration) {
	m.pushed.WithLabelValues(string(outcome)).Inc()
	if d > 0 {
		m.sendLatency.Observe(d.Seconds())
	}
}

func (m *PromMetrics) PushDeferred(reason string) { m.deferred.WithLabelValues(reason).Inc() }

func (m *PromMetrics) TasksReclaimed(n int) { m.reclaimed.Add(float64(n)) }
func (m *PromMetrics) TasksPruned(n int)    { m.pruned.Add(float64(n)) }

func (m *PromMetrics) QueueAge(d time.Duration) { m.queueAge.Set(d.Seconds()) }

func (m *PromMetrics) TaskCounts(counts map[domain.TaskStatus]int) {
	for _, st := range []domain.TaskStatus{domain.TaskPending, domain.TaskRunning, domain.TaskCompleted, domain.TaskFailed} {
		m.tasks.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
