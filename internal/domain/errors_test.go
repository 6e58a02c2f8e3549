package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	tests := []struct {
		name       string
		err        error
		status     OutcomeStatus
		retryAfter time.Duration
	}{
		{name: "nil", err: nil, status: OutcomeSuccess},
		{name: "plain", err: base, status: OutcomeTransient},
		{name: "permanent", err: Permanent(base), status: OutcomePermanent},
		{name: "wrapped permanent", err: fmt.Errorf("send: %w", Permanent(base)), status: OutcomePermanent},
		{name: "retry after", err: RetryAfter(base, 3*time.Second), status: OutcomeTransient, retryAfter: 3 * time.Second},
		{name: "deadline", err: fmt.Errorf("send: %w", context.DeadlineExceeded), status: OutcomeTransient},
		{name: "canceled", err: context.Canceled, status: OutcomeTransient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tt.err)
			if got.Status != tt.status {
				t.Fatalf("Status = %q, want %q", got.Status, tt.status)
			}
			if got.RetryAfter != tt.retryAfter {
				t.Fatalf("RetryAfter = %v, want %v", got.RetryAfter, tt.retryAfter)
			}
			if tt.err != nil && got.Error == "" {
				t.Fatalf("Error is empty for %v", tt.err)
			}
		})
	}
}

func TestPermanentNil(t *testing.T) {
	t.Parallel()
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) != nil")
	}
	if RetryAfter(nil, time.Second) != nil {
		t.Fatalf("RetryAfter(nil) != nil")
	}
}

func TestConfigurationErrorUnwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("bad clause")
	var err error = &ConfigurationError{RuleID: 7, RuleName: "news", Err: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(cause) = false")
	}
	var ce *ConfigurationError
	if !errors.As(err, &ce) || ce.RuleID != 7 {
		t.Fatalf("errors.As = %v", ce)
	}
}

func TestNewPushTask(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := PushPayload{ContentID: 1, TargetID: "telegram:-100", RuleID: 2, Rendered: "hi"}
	task, err := NewPushTask(p, 5, 3, time.Time{}, now)
	if err != nil {
		t.Fatalf("NewPushTask: %v", err)
	}
	if task.Status != TaskPending || !task.EligibleAt.Equal(now) {
		t.Fatalf("task = %+v", task)
	}
	if task.DedupKey != "push:1:telegram:-100" {
		t.Fatalf("DedupKey = %q", task.DedupKey)
	}
	got, err := task.PushPayload()
	if err != nil {
		t.Fatalf("PushPayload: %v", err)
	}
	if got != p {
		t.Fatalf("PushPayload = %+v, want %+v", got, p)
	}
}

func TestReviewStatus(t *testing.T) {
	t.Parallel()
	if ReviewPending.Terminal() || ReviewPending.Dispatchable() {
		t.Fatalf("pending should be neither terminal nor dispatchable")
	}
	for _, s := range []ReviewStatus{ReviewApproved, ReviewAutoApproved} {
		if !s.Dispatchable() || !s.Terminal() {
			t.Fatalf("%s: want dispatchable and terminal", s)
		}
	}
	if ReviewRejected.Dispatchable() || !ReviewRejected.Terminal() {
		t.Fatalf("rejected: want terminal, not dispatchable")
	}
}
