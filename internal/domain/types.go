package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ReviewStatus is the approval state of a content item.
type ReviewStatus string

const (
	ReviewPending      ReviewStatus = "pending"
	ReviewAutoApproved ReviewStatus = "auto_approved"
	ReviewApproved     ReviewStatus = "approved"
	ReviewRejected     ReviewStatus = "rejected"
)

// Dispatchable reports whether content in this state may be enqueued.
func (s ReviewStatus) Dispatchable() bool {
	return s == ReviewApproved || s == ReviewAutoApproved
}

// Terminal reports whether the state can no longer move.
func (s ReviewStatus) Terminal() bool {
	return s != ReviewPending && s != ""
}

func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewPending, ReviewAutoApproved, ReviewApproved, ReviewRejected:
		return true
	}
	return false
}

// Content is an archived item produced by the ingestion pipeline.
// The engine reads it and only ever writes the review fields.
type Content struct {
	ID          int64             `json:"id"`
	Platform    string            `json:"platform"`
	Author      string            `json:"author,omitempty"`
	Title       string            `json:"title,omitempty"`
	URL         string            `json:"url,omitempty"`
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Attrs       map[string]string `json:"attrs,omitempty"`
	IsNSFW      bool              `json:"is_nsfw"`

	ReviewStatus ReviewStatus `json:"review_status"`
	ReviewNote   string       `json:"review_note,omitempty"`
	ReviewedAt   time.Time    `json:"reviewed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasTag reports whether the tag set contains t (case-insensitive).
func (c Content) HasTag(t string) bool {
	for _, x := range c.Tags {
		if strings.EqualFold(x, t) {
			return true
		}
	}
	return false
}

// NormalizeTags trims, lowercases and deduplicates tags in place.
func (c *Content) NormalizeTags() {
	if len(c.Tags) == 0 {
		return
	}
	seen := make(map[string]struct{}, len(c.Tags))
	out := c.Tags[:0]
	for _, t := range c.Tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	c.Tags = out
}

type NSFWPolicy string

const (
	NSFWAllow NSFWPolicy = "allow"
	NSFWBlock NSFWPolicy = "block"
)

// Rule is a distribution rule as configured by an operator.
//
// MatchConditions is a disjunction: the rule matches when any expression
// matches. Each expression is a conjunction of clauses. An empty list
// matches everything.
type Rule struct {
	ID                    int64      `json:"id"`
	Name                  string     `json:"name"`
	MatchConditions       []string   `json:"match_conditions,omitempty"`
	Targets               []string   `json:"targets"`
	Enabled               bool       `json:"enabled"`
	Priority              int        `json:"priority"`
	NSFWPolicy            NSFWPolicy `json:"nsfw_policy,omitempty"`
	ApprovalRequired      bool       `json:"approval_required"`
	AutoApproveConditions []string   `json:"auto_approve_conditions,omitempty"`
	RateLimit             int        `json:"rate_limit"`
	TimeWindow            int        `json:"time_window"` // seconds
	TemplateID            string     `json:"template_id,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Inert reports whether the rule can never produce a dispatch.
func (r Rule) Inert() bool { return !r.Enabled || len(r.Targets) == 0 }

func (r Rule) Window() time.Duration { return time.Duration(r.TimeWindow) * time.Second }

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Active reports whether the task still occupies its dedup key.
func (s TaskStatus) Active() bool { return s == TaskPending || s == TaskRunning }

const TaskTypePush = "push"

// Task is a generic durable queue entry.
//
// DedupKey is optional; while a task is active no other active task may
// share its key.
type Task struct {
	ID         int64           `json:"id"`
	Type       string          `json:"task_type"`
	Payload    json.RawMessage `json:"payload"`
	DedupKey   string          `json:"dedup_key,omitempty"`
	Status     TaskStatus      `json:"status"`
	Priority   int             `json:"priority"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	EligibleAt time.Time       `json:"eligible_at"`
	ClaimedBy  string          `json:"claimed_by,omitempty"`
	ClaimedAt  time.Time       `json:"claimed_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PushPayload is the payload of a task with Type == TaskTypePush.
type PushPayload struct {
	ContentID int64  `json:"content_id"`
	TargetID  string `json:"target_id"`
	RuleID    int64  `json:"rule_id"`
	Rendered  string `json:"rendered_payload"`
}

// PushDedupKey is the active-task key for one (content, target) pair.
func PushDedupKey(contentID int64, target string) string {
	return fmt.Sprintf("push:%d:%s", contentID, target)
}

// NewPushTask builds a pending push task. The caller sets EligibleAt.
func NewPushTask(p PushPayload, priority, maxRetries int, eligibleAt, now time.Time) (Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return Task{}, fmt.Errorf("encode push payload: %w", err)
	}
	if eligibleAt.IsZero() {
		eligibleAt = now
	}
	return Task{
		Type:       TaskTypePush,
		Payload:    b,
		DedupKey:   PushDedupKey(p.ContentID, p.TargetID),
		Status:     TaskPending,
		Priority:   priority,
		MaxRetries: maxRetries,
		EligibleAt: eligibleAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// PushPayload decodes the task payload.
func (t Task) PushPayload() (PushPayload, error) {
	var p PushPayload
	if t.Type != TaskTypePush {
		return p, fmt.Errorf("task %d: unexpected type %q", t.ID, t.Type)
	}
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return p, fmt.Errorf("task %d: decode payload: %w", t.ID, err)
	}
	return p, nil
}

// PushStatus is the ledger state of a (content, target) pair.
type PushStatus string

const (
	PushSuccess  PushStatus = "success"
	PushFailed   PushStatus = "failed"
	PushRetrying PushStatus = "retrying"
	PushFiltered PushStatus = "filtered"
)

// PushedRecord is the ledger row for one (content, target) pair.
// A success row is permanent.
type PushedRecord struct {
	ContentID    int64      `json:"content_id"`
	TargetID     string     `json:"target_id"`
	Status       PushStatus `json:"push_status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RuleID       int64      `json:"rule_id,omitempty"`
	TaskID       int64      `json:"task_id,omitempty"`
	PushedAt     time.Time  `json:"pushed_at"`
}

// Dispatch is one (target, rule) pair chosen by the rule engine.
type Dispatch struct {
	Target     string `json:"target"`
	RuleID     int64  `json:"rule_id"`
	TemplateID string `json:"template_id,omitempty"`
	RateLimit  int    `json:"rate_limit"`
	TimeWindow int    `json:"time_window"`
}

func (d Dispatch) Window() time.Duration { return time.Duration(d.TimeWindow) * time.Second }

// Decision is the rule engine output for one content item.
type Decision struct {
	Dispatches       []Dispatch `json:"dispatches,omitempty"`
	FilteredTargets  []string   `json:"filtered_targets,omitempty"`
	NSFWBlocked      bool       `json:"nsfw_blocked"`
	ApprovalRequired bool       `json:"approval_required"`
	AutoApprove      bool       `json:"auto_approve"`
	MatchedRuleID    int64      `json:"matched_rule_id,omitempty"`
	MatchedRuleName  string     `json:"matched_rule_name,omitempty"`
}

// Matched reports whether any rule matched.
func (d Decision) Matched() bool { return d.MatchedRuleID != 0 }

// Targets lists dispatch targets in order.
func (d Decision) Targets() []string {
	out := make([]string, 0, len(d.Dispatches))
	for _, x := range d.Dispatches {
		out = append(out, x.Target)
	}
	return out
}

// NeedsApproval reports whether a human decision is required before dispatch.
func (d Decision) NeedsApproval() bool { return d.ApprovalRequired && !d.AutoApprove }

// Stats is the read-only query surface over the store.
type Stats struct {
	ContentByReview map[ReviewStatus]int `json:"content_by_review"`
	PushByStatus    map[PushStatus]int   `json:"push_by_status"`
	TasksByStatus   map[TaskStatus]int   `json:"tasks_by_status"`
	OldestPending   time.Duration        `json:"oldest_pending"`
}
