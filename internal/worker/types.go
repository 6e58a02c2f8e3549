package worker

import (
	"context"
	"time"

	rtsup "relaybot/internal/runtime/supervisor"
)

// Sender delivers one rendered payload to one target. Errors are
// classified with domain.Classify: wrap with domain.Permanent to stop
// retries and with domain.RetryAfter to carry an upstream delay.
type Sender interface {
	Send(ctx context.Context, payload, target string) error
}

// Config controls the push worker pool.
//
// The app layer maps config.worker into this struct.
type Config struct {
	Enabled    bool
	InstanceID string
	Workers    int

	// PollInterval is the idle wait when no task is eligible.
	PollInterval time.Duration
	// SendTimeout bounds one Sender.Send call.
	SendTimeout time.Duration

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.1 = up to 10% added

	HistorySize int

	// Per-target circuit breaker over consecutive transient failures.
	//
	// If CircuitTripFailures < 0, the circuit breaker is disabled.
	// If CircuitTripFailures == 0, a default is applied.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Minute
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = c.RetryBase
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

// Outcomes recorded in history besides domain.OutcomeStatus values.
const (
	outcomeAlreadyPushed = "already_pushed"
	outcomeDeferred      = "deferred"
	outcomeRetrying      = "retrying"
)

type HistoryItem struct {
	TaskID    int64         `json:"task_id"`
	ContentID int64         `json:"content_id"`
	Target    string        `json:"target"`
	Attempt   int           `json:"attempt"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled    bool   `json:"enabled"`
	Running    bool   `json:"running"`
	InstanceID string `json:"instance_id"`
	Workers    int    `json:"workers"`
	InFlight   int    `json:"in_flight"`

	Claimed  uint64 `json:"claimed"`
	Sent     uint64 `json:"sent"`
	Retried  uint64 `json:"retried"`
	Failed   uint64 `json:"failed"`
	Deferred uint64 `json:"deferred"`

	SendTimeout   time.Duration `json:"send_timeout"`
	RetryBase     time.Duration `json:"retry_base"`
	RetryMaxDelay time.Duration `json:"retry_max_delay"`

	CircuitTotal int `json:"circuit_total"`
	CircuitOpen  int `json:"circuit_open"`

	History []HistoryItem `json:"history"`

	Supervisor rtsup.SupervisorSnapshot `json:"supervisor"`
}
