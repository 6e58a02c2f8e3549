package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid review transition")
	ErrDuplicateTask        = errors.New("active task already exists")
	ErrIdempotencyViolation = errors.New("success already recorded for content and target")
	ErrNoTask               = errors.New("no eligible task")
)

// ConfigurationError reports a rule that cannot be compiled.
type ConfigurationError struct {
	RuleID   int64
	RuleName string
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("rule %d (%s): %v", e.RuleID, e.RuleName, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Permanent marks a send error as non-retryable.
//
//	return domain.Permanent(fmt.Errorf("chat not found: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay to a transient error, e.g. an
// upstream flood-wait. The worker uses it when it exceeds the backoff.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// OutcomeStatus classifies a send result.
type OutcomeStatus string

const (
	OutcomeSuccess   OutcomeStatus = "success"
	OutcomeTransient OutcomeStatus = "transient_failure"
	OutcomePermanent OutcomeStatus = "permanent_failure"
)

// Outcome is the classified result of PushChannel.Send.
type Outcome struct {
	Status     OutcomeStatus
	Error      string
	RetryAfter time.Duration
}

// Classify maps a send error to an Outcome. Anything not explicitly
// permanent is transient, including timeouts and cancellation.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Status: OutcomeSuccess}
	}
	o := Outcome{Status: OutcomeTransient, Error: err.Error()}
	if IsPermanent(err) {
		o.Status = OutcomePermanent
		return o
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		o.RetryAfter = ra.RetryAfter()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		o.Error = "send timeout: " + o.Error
	}
	return o
}
