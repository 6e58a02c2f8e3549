package eventbus

import "time"

// Event types published by the engine.
const (
	ContentEvaluated = "content.evaluated"
	ContentHeld      = "content.held"
	ContentApproved  = "content.approved"
	ContentRejected  = "content.rejected"
	ContentFiltered  = "content.filtered"

	PushEnqueued = "push.enqueued"
	PushSkipped  = "push.skipped"
	PushStarted  = "push.started"
	PushSent     = "push.sent"
	PushRetrying = "push.retrying"
	PushDeferred = "push.deferred"
	PushFailed   = "push.failed"

	RuleSkipped   = "rule.skipped"
	RulesReloaded = "rules.reloaded"
)

// ContentEvent describes a content-level outcome.
type ContentEvent struct {
	ContentID int64    `json:"content_id"`
	Status    string   `json:"review_status,omitempty"`
	RuleID    int64    `json:"rule_id,omitempty"`
	Rule      string   `json:"rule,omitempty"`
	Targets   []string `json:"targets,omitempty"`
	Note      string   `json:"note,omitempty"`
}

// PushEvent describes one (content, target) task transition.
type PushEvent struct {
	TaskID     int64         `json:"task_id,omitempty"`
	ContentID  int64         `json:"content_id"`
	Target     string        `json:"target"`
	RuleID     int64         `json:"rule_id,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	EligibleAt time.Time     `json:"eligible_at,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
}
