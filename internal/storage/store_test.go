package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"relaybot/internal/domain"
	logx "relaybot/pkg/logx"
)

// forEachStore runs fn against every backend that needs no external service.
func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		st := NewMemory()
		defer st.Close()
		fn(t, st)
	})
	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "relay.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		defer st.Close()
		fn(t, st)
	})
}

// base is millisecond aligned so it survives the SQL round trip.
var base = time.UnixMilli(1_700_000_000_000)

func pushTask(t *testing.T, content int64, target string, eligible time.Time) domain.Task {
	t.Helper()
	task, err := domain.NewPushTask(domain.PushPayload{ContentID: content, TargetID: target, RuleID: 1}, 0, 3, eligible, base)
	if err != nil {
		t.Fatalf("NewPushTask: %v", err)
	}
	return task
}

func TestContentReviewTransitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		c, err := st.PutContent(ctx, domain.Content{ID: 1, Platform: "x", Tags: []string{"News", "news", " tech "}})
		if err != nil {
			t.Fatalf("PutContent: %v", err)
		}
		if c.ReviewStatus != domain.ReviewPending {
			t.Fatalf("ReviewStatus = %q, want pending", c.ReviewStatus)
		}
		if len(c.Tags) != 2 || c.Tags[0] != "news" || c.Tags[1] != "tech" {
			t.Fatalf("Tags = %v", c.Tags)
		}

		if err := st.TransitionReview(ctx, 1, domain.ReviewPending, domain.ReviewApproved, "ok", base); err != nil {
			t.Fatalf("TransitionReview: %v", err)
		}
		err = st.TransitionReview(ctx, 1, domain.ReviewPending, domain.ReviewRejected, "late", base)
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("second transition err = %v, want ErrInvalidTransition", err)
		}

		// Re-ingesting must not reset the review state.
		if _, err := st.PutContent(ctx, domain.Content{ID: 1, Platform: "x", Title: "edited"}); err != nil {
			t.Fatalf("PutContent update: %v", err)
		}
		got, err := st.GetContent(ctx, 1)
		if err != nil {
			t.Fatalf("GetContent: %v", err)
		}
		if got.ReviewStatus != domain.ReviewApproved || got.ReviewNote != "ok" || got.Title != "edited" {
			t.Fatalf("content = %+v", got)
		}

		if _, err := st.GetContent(ctx, 99); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("GetContent(99) err = %v, want ErrNotFound", err)
		}
		if err := st.TransitionReview(ctx, 99, domain.ReviewPending, domain.ReviewApproved, "", base); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("TransitionReview(99) err = %v, want ErrNotFound", err)
		}
	})
}

func TestDecisionRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		if _, ok, err := st.LoadDecision(ctx, 5); err != nil || ok {
			t.Fatalf("LoadDecision empty = %v, %v", ok, err)
		}
		d := domain.Decision{
			Dispatches:       []domain.Dispatch{{Target: "a", RuleID: 3, RateLimit: 2, TimeWindow: 60}},
			ApprovalRequired: true,
			MatchedRuleID:    3,
		}
		if err := st.SaveDecision(ctx, 5, d); err != nil {
			t.Fatalf("SaveDecision: %v", err)
		}
		got, ok, err := st.LoadDecision(ctx, 5)
		if err != nil || !ok {
			t.Fatalf("LoadDecision = %v, %v", ok, err)
		}
		if len(got.Dispatches) != 1 || got.Dispatches[0] != d.Dispatches[0] || !got.ApprovalRequired {
			t.Fatalf("decision = %+v", got)
		}
	})
}

func TestRulesOrderedAndUpsertedByName(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		mk := func(name string, prio int, enabled bool) domain.Rule {
			r, err := st.PutRule(ctx, domain.Rule{Name: name, Priority: prio, Enabled: enabled, Targets: []string{"t"}})
			if err != nil {
				t.Fatalf("PutRule(%s): %v", name, err)
			}
			return r
		}
		a := mk("a", 1, true)
		b := mk("b", 10, true)
		c := mk("c", 10, true)
		mk("off", 100, false)

		again := mk("a", 20, true)
		if again.ID != a.ID {
			t.Fatalf("upsert id = %d, want %d", again.ID, a.ID)
		}

		rules, err := st.ListEnabledRules(ctx)
		if err != nil {
			t.Fatalf("ListEnabledRules: %v", err)
		}
		want := []int64{a.ID, b.ID, c.ID}
		if len(rules) != len(want) {
			t.Fatalf("len = %d, want %d", len(rules), len(want))
		}
		for i, id := range want {
			if rules[i].ID != id {
				t.Fatalf("rules[%d].ID = %d, want %d", i, rules[i].ID, id)
			}
		}
	})
}

func TestTaskDedupAndClaim(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		first, err := st.CreateTask(ctx, pushTask(t, 1, "a", base))
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		if _, err := st.CreateTask(ctx, pushTask(t, 1, "a", base)); !errors.Is(err, domain.ErrDuplicateTask) {
			t.Fatalf("duplicate err = %v, want ErrDuplicateTask", err)
		}
		later, err := st.CreateTask(ctx, pushTask(t, 2, "a", base.Add(time.Minute)))
		if err != nil {
			t.Fatalf("CreateTask later: %v", err)
		}

		got, err := st.ClaimTask(ctx, "w1", base)
		if err != nil {
			t.Fatalf("ClaimTask: %v", err)
		}
		if got.ID != first.ID || got.Status != domain.TaskRunning || got.ClaimedBy != "w1" {
			t.Fatalf("claimed = %+v", got)
		}
		if _, err := st.ClaimTask(ctx, "w1", base); !errors.Is(err, domain.ErrNoTask) {
			t.Fatalf("claim before eligible err = %v, want ErrNoTask", err)
		}

		// Still running: the pair stays blocked.
		if _, err := st.CreateTask(ctx, pushTask(t, 1, "a", base)); !errors.Is(err, domain.ErrDuplicateTask) {
			t.Fatalf("duplicate while running err = %v", err)
		}
		key := domain.PushDedupKey(1, "a")
		if ok, err := st.HasActiveTask(ctx, key); err != nil || !ok {
			t.Fatalf("HasActiveTask(running) = %v, %v, want true", ok, err)
		}
		if err := st.CompleteTask(ctx, first.ID, base); err != nil {
			t.Fatalf("CompleteTask: %v", err)
		}
		if ok, err := st.HasActiveTask(ctx, key); err != nil || ok {
			t.Fatalf("HasActiveTask(completed) = %v, %v, want false", ok, err)
		}
		if err := st.CompleteTask(ctx, first.ID, base); err == nil {
			t.Fatalf("CompleteTask twice: want error")
		}
		if _, err := st.CreateTask(ctx, pushTask(t, 1, "a", base)); err != nil {
			t.Fatalf("CreateTask after completion: %v", err)
		}

		got, err = st.ClaimTask(ctx, "w2", base.Add(2*time.Minute))
		if err != nil {
			t.Fatalf("ClaimTask later: %v", err)
		}
		// Equal priority: the older eligible_at wins.
		if got.ID == later.ID {
			t.Fatalf("claimed later task before the re-created one")
		}
	})
}

func TestTaskRetryDeferAndFail(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		task, err := st.CreateTask(ctx, pushTask(t, 1, "a", base))
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		if _, err := st.ClaimTask(ctx, "w", base); err != nil {
			t.Fatalf("ClaimTask: %v", err)
		}
		next := base.Add(10 * time.Second)
		if err := st.RetryTask(ctx, task.ID, 1, "boom", next, base); err != nil {
			t.Fatalf("RetryTask: %v", err)
		}
		got, _ := st.GetTask(ctx, task.ID)
		if got.Status != domain.TaskPending || got.RetryCount != 1 || got.LastError != "boom" || !got.EligibleAt.Equal(next) {
			t.Fatalf("after retry = %+v", got)
		}

		if _, err := st.ClaimTask(ctx, "w", next); err != nil {
			t.Fatalf("ClaimTask: %v", err)
		}
		deferTo := next.Add(time.Minute)
		if err := st.DeferTask(ctx, task.ID, deferTo, next); err != nil {
			t.Fatalf("DeferTask: %v", err)
		}
		got, _ = st.GetTask(ctx, task.ID)
		if got.RetryCount != 1 || !got.EligibleAt.Equal(deferTo) {
			t.Fatalf("after defer = %+v", got)
		}

		if _, err := st.ClaimTask(ctx, "w", deferTo); err != nil {
			t.Fatalf("ClaimTask: %v", err)
		}
		if err := st.FailTask(ctx, task.ID, 2, "permanent", deferTo); err != nil {
			t.Fatalf("FailTask: %v", err)
		}
		got, _ = st.GetTask(ctx, task.ID)
		if got.Status != domain.TaskFailed {
			t.Fatalf("status = %q, want failed", got.Status)
		}
		if _, err := st.CreateTask(ctx, pushTask(t, 1, "a", base)); err != nil {
			t.Fatalf("CreateTask after failure: %v", err)
		}
	})
}

func TestReclaimStaleAndPrune(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		keep := pushTask(t, 1, "a", base)
		exhaust := pushTask(t, 2, "a", base)
		exhaust.RetryCount = 2
		keepT, _ := st.CreateTask(ctx, keep)
		exhaustT, _ := st.CreateTask(ctx, exhaust)
		for i := 0; i < 2; i++ {
			if _, err := st.ClaimTask(ctx, "dead", base); err != nil {
				t.Fatalf("ClaimTask: %v", err)
			}
		}

		now := base.Add(10 * time.Minute)
		reclaimed, failed, err := st.ReclaimStale(ctx, now.Add(-5*time.Minute), now)
		if err != nil {
			t.Fatalf("ReclaimStale: %v", err)
		}
		if reclaimed != 1 || len(failed) != 1 || failed[0].ID != exhaustT.ID {
			t.Fatalf("reclaimed = %d, failed = %+v", reclaimed, failed)
		}
		got, _ := st.GetTask(ctx, keepT.ID)
		if got.Status != domain.TaskPending || got.RetryCount != 1 {
			t.Fatalf("reclaimed task = %+v", got)
		}

		oldest, ok, err := st.OldestPending(ctx, now)
		if err != nil || !ok || !oldest.Equal(now) {
			t.Fatalf("OldestPending = %v, %v, %v", oldest, ok, err)
		}

		n, err := st.PruneFinished(ctx, now.Add(time.Second))
		if err != nil || n != 1 {
			t.Fatalf("PruneFinished = %d, %v", n, err)
		}
		if _, err := st.GetTask(ctx, exhaustT.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("pruned task err = %v", err)
		}
	})
}

func TestLedgerSuccessIsPermanent(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		rec := domain.PushedRecord{ContentID: 1, TargetID: "a", Status: domain.PushRetrying, ErrorMessage: "x", PushedAt: base}
		if err := st.RecordPush(ctx, rec); err != nil {
			t.Fatalf("RecordPush retrying: %v", err)
		}
		rec.Status = domain.PushSuccess
		rec.ErrorMessage = ""
		if err := st.RecordPush(ctx, rec); err != nil {
			t.Fatalf("RecordPush success: %v", err)
		}
		for _, status := range []domain.PushStatus{domain.PushSuccess, domain.PushFailed, domain.PushFiltered} {
			rec.Status = status
			if err := st.RecordPush(ctx, rec); !errors.Is(err, domain.ErrIdempotencyViolation) {
				t.Fatalf("RecordPush(%s) over success err = %v", status, err)
			}
		}
		got, err := st.GetPush(ctx, 1, "a")
		if err != nil || got.Status != domain.PushSuccess {
			t.Fatalf("GetPush = %+v, %v", got, err)
		}
	})
}

func TestListFailuresAndStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, _ = st.PutContent(ctx, domain.Content{ID: 1, Platform: "x"})
		_, _ = st.PutContent(ctx, domain.Content{ID: 2, Platform: "x"})
		_ = st.TransitionReview(ctx, 2, domain.ReviewPending, domain.ReviewRejected, "", base)

		records := []domain.PushedRecord{
			{ContentID: 1, TargetID: "a", Status: domain.PushFailed, ErrorMessage: "e1", PushedAt: base},
			{ContentID: 2, TargetID: "a", Status: domain.PushFailed, ErrorMessage: "e2", PushedAt: base.Add(time.Second)},
			{ContentID: 1, TargetID: "b", Status: domain.PushFailed, PushedAt: base},
			{ContentID: 3, TargetID: "a", Status: domain.PushSuccess, PushedAt: base},
		}
		for _, r := range records {
			if err := st.RecordPush(ctx, r); err != nil {
				t.Fatalf("RecordPush: %v", err)
			}
		}
		got, err := st.ListFailures(ctx, "a", 10)
		if err != nil {
			t.Fatalf("ListFailures: %v", err)
		}
		if len(got) != 2 || got[0].ContentID != 2 {
			t.Fatalf("failures = %+v", got)
		}
		all, _ := st.ListFailures(ctx, "", 10)
		if len(all) != 3 {
			t.Fatalf("all failures = %d, want 3", len(all))
		}

		if _, err := st.CreateTask(ctx, pushTask(t, 1, "a", base)); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		stats, err := st.Stats(ctx, base.Add(time.Minute))
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.ContentByReview[domain.ReviewPending] != 1 || stats.ContentByReview[domain.ReviewRejected] != 1 {
			t.Fatalf("content stats = %v", stats.ContentByReview)
		}
		if stats.PushByStatus[domain.PushFailed] != 3 || stats.PushByStatus[domain.PushSuccess] != 1 {
			t.Fatalf("push stats = %v", stats.PushByStatus)
		}
		if stats.TasksByStatus[domain.TaskPending] != 1 || stats.OldestPending != time.Minute {
			t.Fatalf("task stats = %v, oldest %v", stats.TasksByStatus, stats.OldestPending)
		}
	})
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		if _, err := st.CreateTask(ctx, pushTask(t, 1, "a", base)); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}

		const claimers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		start := make(chan struct{})
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := st.ClaimTask(ctx, "w", base)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else if !errors.Is(err, domain.ErrNoTask) {
					t.Errorf("ClaimTask: %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()
		if wins != 1 {
			t.Fatalf("wins = %d, want 1", wins)
		}
	})
}
