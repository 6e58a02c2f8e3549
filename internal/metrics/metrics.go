// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"time"

	"relaybot/internal/domain"
)

// Recorder receives engine measurements. Nop discards them.
type Recorder interface {
	ContentEvaluated(outcome string)
	RuleSkipped(rule string)
	TaskEnqueued(deferred bool)
	TaskClaimed()
	PushResult(outcome domain.OutcomeStatus, d time.Duration)
	PushDeferred(reason string)
	TasksReclaimed(n int)
	TasksPruned(n int)
	QueueAge(d time.Duration)
	TaskCounts(counts map[domain.TaskStatus]int)
}

// Content evaluation outcomes.
const (
	OutcomeNoMatch  = "no_match"
	OutcomeFiltered = "filtered"
	OutcomeHeld     = "held"
	OutcomeRejected = "rejected"
	OutcomeEnqueued = "enqueued"
)

type Nop struct{}

func (Nop) ContentEvaluated(string)                        {}
func (Nop) RuleSkipped(string)                             {}
func (Nop) TaskEnqueued(bool)                              {}
func (Nop) TaskClaimed()                                   {}
func (Nop) PushResult(domain.OutcomeStatus, time.Duration) {}
func (Nop) PushDeferred(string)                            {}
func (Nop) TasksReclaimed(int)                             {}
func (Nop) TasksPruned(int)                                {}
func (Nop) QueueAge(time.Duration)                         {}
func (Nop) TaskCounts(map[domain.TaskStatus]int)           {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}
