package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

func seed(t *testing.T) (*storage.Memory, *Gate) {
	t.Helper()
	st := storage.NewMemory()
	if _, err := st.PutContent(context.Background(), domain.Content{ID: 1, Platform: "x"}); err != nil {
		t.Fatalf("PutContent: %v", err)
	}
	return st, New(st, logx.Nop())
}

func TestAdmit(t *testing.T) {
	t.Parallel()

	held := domain.Decision{
		Dispatches:       []domain.Dispatch{{Target: "chatA", RuleID: 1}},
		ApprovalRequired: true,
		MatchedRuleID:    1,
		MatchedRuleName:  "review",
	}
	auto := held
	auto.AutoApprove = true

	tests := []struct {
		name       string
		decision   domain.Decision
		want       domain.ReviewStatus
		wantStored bool
	}{
		{name: "no approval needed", decision: domain.Decision{Dispatches: held.Dispatches, MatchedRuleID: 1}, want: domain.ReviewAutoApproved},
		{name: "auto approve conditions hold", decision: auto, want: domain.ReviewAutoApproved},
		{name: "held", decision: held, want: domain.ReviewPending, wantStored: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st, g := seed(t)
			ctx := context.Background()
			c, _ := st.GetContent(ctx, 1)

			got, err := g.Admit(ctx, c, tt.decision)
			if err != nil {
				t.Fatalf("Admit: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Admit = %q, want %q", got, tt.want)
			}
			c, _ = st.GetContent(ctx, 1)
			if c.ReviewStatus != tt.want {
				t.Fatalf("stored status = %q, want %q", c.ReviewStatus, tt.want)
			}
			if _, ok, _ := g.StoredDecision(ctx, 1); ok != tt.wantStored {
				t.Fatalf("decision stored = %v, want %v", ok, tt.wantStored)
			}
		})
	}
}

func TestAdmitNeverResetsTerminalStatus(t *testing.T) {
	t.Parallel()

	for _, status := range []domain.ReviewStatus{domain.ReviewApproved, domain.ReviewRejected, domain.ReviewAutoApproved} {
		st, g := seed(t)
		ctx := context.Background()
		if err := st.TransitionReview(ctx, 1, domain.ReviewPending, status, "", time.Now()); err != nil {
			t.Fatalf("TransitionReview: %v", err)
		}
		c, _ := st.GetContent(ctx, 1)
		got, err := g.Admit(ctx, c, domain.Decision{ApprovalRequired: true, MatchedRuleID: 1})
		if err != nil || got != status {
			t.Fatalf("Admit(%s) = %q, %v", status, got, err)
		}
		c, _ = st.GetContent(ctx, 1)
		if c.ReviewStatus != status {
			t.Fatalf("status changed to %q", c.ReviewStatus)
		}
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()

	st, g := seed(t)
	ctx := context.Background()

	changed, err := g.Decide(ctx, 1, domain.ReviewApproved, " looks good ")
	if err != nil || !changed {
		t.Fatalf("Decide approve = %v, %v", changed, err)
	}
	c, _ := st.GetContent(ctx, 1)
	if c.ReviewNote != "looks good" || c.ReviewedAt.IsZero() {
		t.Fatalf("content = %+v", c)
	}

	changed, err = g.Decide(ctx, 1, domain.ReviewApproved, "again")
	if err != nil || changed {
		t.Fatalf("repeat approve = %v, %v, want unchanged", changed, err)
	}
	if _, err := g.Decide(ctx, 1, domain.ReviewRejected, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("reject after approve err = %v", err)
	}
	if _, err := g.Decide(ctx, 1, domain.ReviewPending, ""); err == nil {
		t.Fatalf("Decide(pending) succeeded")
	}
	if _, err := g.Decide(ctx, 99, domain.ReviewApproved, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing content err = %v", err)
	}
}

func TestDecideConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	st, g := seed(t)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []domain.ReviewStatus
	)
	for i := 0; i < 10; i++ {
		to := domain.ReviewApproved
		if i%2 == 1 {
			to = domain.ReviewRejected
		}
		wg.Add(1)
		go func(to domain.ReviewStatus) {
			defer wg.Done()
			if changed, _ := g.Decide(ctx, 1, to, ""); changed {
				mu.Lock()
				wins = append(wins, to)
				mu.Unlock()
			}
		}(to)
	}
	wg.Wait()
	if len(wins) != 1 {
		t.Fatalf("winners = %v, want exactly one", wins)
	}
	c, _ := st.GetContent(ctx, 1)
	if c.ReviewStatus != wins[0] {
		t.Fatalf("status = %q, winner = %q", c.ReviewStatus, wins[0])
	}
}
