package storage

import (
	"context"
	"errors"
	"time"

	"relaybot/internal/domain"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps (tests, single-process demos)
//   - "sqlite": SQLite database file (modernc, pure Go)
//   - "postgres": PostgreSQL via pgx pool; required for several worker processes
type Config struct {
	Driver      string
	Path        string        // sqlite file
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgx default
}

// ContentStore reads content and owns the review fields.
type ContentStore interface {
	GetContent(ctx context.Context, id int64) (domain.Content, error)
	// PutContent inserts or updates content. Review fields of an existing row
	// are never overwritten; new rows start pending.
	PutContent(ctx context.Context, c domain.Content) (domain.Content, error)
	// TransitionReview moves review_status from -> to only if the current
	// status equals from. It returns domain.ErrInvalidTransition otherwise.
	TransitionReview(ctx context.Context, id int64, from, to domain.ReviewStatus, note string, at time.Time) error

	SaveDecision(ctx context.Context, contentID int64, d domain.Decision) error
	LoadDecision(ctx context.Context, contentID int64) (domain.Decision, bool, error)
}

// RuleStore holds distribution rules.
type RuleStore interface {
	// ListEnabledRules returns enabled rules ordered by priority desc, id asc.
	ListEnabledRules(ctx context.Context) ([]domain.Rule, error)
	// PutRule upserts by name and returns the stored rule with its id.
	PutRule(ctx context.Context, r domain.Rule) (domain.Rule, error)
}

// TaskStore is the durable task queue.
type TaskStore interface {
	// CreateTask inserts a task. It returns domain.ErrDuplicateTask when an
	// active task with the same dedup key exists.
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	// HasActiveTask reports whether a pending or running task holds dedupKey.
	HasActiveTask(ctx context.Context, dedupKey string) (bool, error)
	GetTask(ctx context.Context, id int64) (domain.Task, error)
	// ClaimTask atomically moves the next eligible pending task to running.
	// It returns domain.ErrNoTask when nothing is eligible.
	ClaimTask(ctx context.Context, owner string, now time.Time) (domain.Task, error)
	CompleteTask(ctx context.Context, id int64, now time.Time) error
	FailTask(ctx context.Context, id int64, retryCount int, lastErr string, now time.Time) error
	RetryTask(ctx context.Context, id int64, retryCount int, lastErr string, eligibleAt, now time.Time) error
	// DeferTask returns a running task to pending without touching retry_count.
	DeferTask(ctx context.Context, id int64, eligibleAt, now time.Time) error
	// ReclaimStale returns running tasks claimed before claimedBefore to
	// pending (consuming one retry) or fails them when retries are exhausted.
	// Failed tasks are returned so callers can settle their ledger rows.
	ReclaimStale(ctx context.Context, claimedBefore, now time.Time) (reclaimed int, failed []domain.Task, err error)
	// OldestPending returns the eligible_at of the oldest eligible pending task.
	OldestPending(ctx context.Context, now time.Time) (time.Time, bool, error)
	CountTasks(ctx context.Context) (map[domain.TaskStatus]int, error)
	PruneFinished(ctx context.Context, before time.Time) (int, error)
}

// Ledger records one push outcome per (content, target).
type Ledger interface {
	// RecordPush upserts the record. An existing success row is never
	// overwritten: the call returns domain.ErrIdempotencyViolation.
	RecordPush(ctx context.Context, r domain.PushedRecord) error
	GetPush(ctx context.Context, contentID int64, target string) (domain.PushedRecord, error)
	ListFailures(ctx context.Context, target string, limit int) ([]domain.PushedRecord, error)
}

// Store is the full persistence API used by the engine.
type Store interface {
	ContentStore
	RuleStore
	TaskStore
	Ledger

	Stats(ctx context.Context, now time.Time) (domain.Stats, error)
	Close() error
}
