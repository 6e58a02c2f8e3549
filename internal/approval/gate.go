// Package approval owns the review state machine of content items.
//
//	pending -> auto_approved | approved | rejected
//
// Every transition is a compare-and-set in the store, so two concurrent
// decisions on the same item cannot both win. Nothing moves back to pending.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"relaybot/internal/domain"
	logx "relaybot/pkg/logx"
)

// Store is the part of storage the gate needs.
type Store interface {
	GetContent(ctx context.Context, id int64) (domain.Content, error)
	TransitionReview(ctx context.Context, id int64, from, to domain.ReviewStatus, note string, at time.Time) error
	SaveDecision(ctx context.Context, contentID int64, d domain.Decision) error
	LoadDecision(ctx context.Context, contentID int64) (domain.Decision, bool, error)
}

type Gate struct {
	store Store
	log   logx.Logger
	now   func() time.Time
}

func New(store Store, log logx.Logger) *Gate {
	return &Gate{store: store, log: log, now: time.Now}
}

// Admit applies a fresh rule decision to c and returns the review status
// the caller must act on. Only a dispatchable status allows enqueueing.
//
// Pending content whose decision needs no human is auto-approved. Pending
// content that needs a human keeps its status and the decision is stored
// for a later Approve.
func (g *Gate) Admit(ctx context.Context, c domain.Content, d domain.Decision) (domain.ReviewStatus, error) {
	status := c.ReviewStatus
	if status == "" {
		status = domain.ReviewPending
	}
	if status.Terminal() {
		return status, nil
	}
	if d.NeedsApproval() {
		if err := g.store.SaveDecision(ctx, c.ID, d); err != nil {
			return status, fmt.Errorf("save decision for content %d: %w", c.ID, err)
		}
		g.log.Info("content held for approval",
			logx.Int64("content_id", c.ID),
			logx.String("rule", d.MatchedRuleName),
			logx.Strings("targets", d.Targets()),
		)
		return domain.ReviewPending, nil
	}

	note := "auto"
	if d.MatchedRuleName != "" {
		note = "auto: " + d.MatchedRuleName
	}
	err := g.store.TransitionReview(ctx, c.ID, domain.ReviewPending, domain.ReviewAutoApproved, note, g.now())
	if errors.Is(err, domain.ErrInvalidTransition) {
		// Someone decided first; their decision stands.
		return g.current(ctx, c.ID)
	}
	if err != nil {
		return status, fmt.Errorf("auto-approve content %d: %w", c.ID, err)
	}
	return domain.ReviewAutoApproved, nil
}

// Decide performs an operator decision on pending content. to must be
// approved or rejected. Repeating the decision that already won is not an
// error and reports changed=false.
func (g *Gate) Decide(ctx context.Context, id int64, to domain.ReviewStatus, note string) (changed bool, err error) {
	if to != domain.ReviewApproved && to != domain.ReviewRejected {
		return false, fmt.Errorf("decide content %d: unsupported target status %q", id, to)
	}
	note = strings.TrimSpace(note)
	err = g.store.TransitionReview(ctx, id, domain.ReviewPending, to, note, g.now())
	if err == nil {
		g.log.Info("content reviewed", logx.Int64("content_id", id), logx.String("status", string(to)), logx.String("note", note))
		return true, nil
	}
	if !errors.Is(err, domain.ErrInvalidTransition) {
		return false, fmt.Errorf("decide content %d: %w", id, err)
	}
	cur, cerr := g.current(ctx, id)
	if cerr != nil {
		return false, cerr
	}
	if cur == to {
		return false, nil
	}
	return false, fmt.Errorf("content %d is %s, cannot become %s: %w", id, cur, to, domain.ErrInvalidTransition)
}

// StoredDecision returns the decision saved while content was held.
func (g *Gate) StoredDecision(ctx context.Context, id int64) (domain.Decision, bool, error) {
	d, ok, err := g.store.LoadDecision(ctx, id)
	if err != nil {
		return domain.Decision{}, false, fmt.Errorf("load decision for content %d: %w", id, err)
	}
	return d, ok, nil
}

func (g *Gate) current(ctx context.Context, id int64) (domain.ReviewStatus, error) {
	c, err := g.store.GetContent(ctx, id)
	if err != nil {
		return "", fmt.Errorf("reload content %d: %w", id, err)
	}
	return c.ReviewStatus, nil
}
