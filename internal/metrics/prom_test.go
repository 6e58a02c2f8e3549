package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"relaybot/internal/domain"
)

func TestPromMetricsExposition(t *testing.T) {
	t.Parallel()

	m := NewPromMetrics(prometheus.NewRegistry())
	var r Recorder = m
	r.ContentEvaluated(OutcomeEnqueued)
	r.TaskEnqueued(true)
	r.PushResult(domain.OutcomeSuccess, 120*time.Millisecond)
	r.PushResult(domain.OutcomeTransient, 0)
	r.TasksReclaimed(2)
	r.QueueAge(90 * time.Second)
	r.TaskCounts(map[domain.TaskStatus]int{domain.TaskPending: 3})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`relaybot_content_evaluated_total{outcome="enqueued"} 1`,
		`relaybot_tasks_enqueued_total{deferred="true"} 1`,
		`relaybot_push_results_total{outcome="transient_failure"} 1`,
		`relaybot_tasks_reclaimed_total 2`,
		`relaybot_queue_oldest_pending_seconds 90`,
		`relaybot_tasks{status="pending"} 3`,
		`relaybot_send_latency_seconds_count 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("exposition missing %q", want)
		}
	}
}

func TestOrNop(t *testing.T) {
	t.Parallel()

	if _, ok := OrNop(nil).(Nop); !ok {
		t.Fatalf("OrNop(nil) is not Nop")
	}
	m := NewPromMetrics(nil)
	if OrNop(m) != Recorder(m) {
		t.Fatalf("OrNop replaced a real recorder")
	}
}
