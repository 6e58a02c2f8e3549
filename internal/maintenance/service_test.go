package maintenance

import (
	"context"
	"testing"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/ratelimit"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func addTask(t *testing.T, st *storage.Memory, contentID int64, maxRetries int) domain.Task {
	t.Helper()
	task, err := domain.NewPushTask(domain.PushPayload{ContentID: contentID, TargetID: "chatA", RuleID: 1}, 0, maxRetries, t0, t0)
	if err != nil {
		t.Fatalf("NewPushTask: %v", err)
	}
	created, err := st.CreateTask(context.Background(), task)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return created
}

func newService(st *storage.Memory, at time.Time) *Service {
	svc := New(Config{LeaseTimeout: 5 * time.Minute, Retention: time.Hour, StarvationWarn: 15 * time.Minute}, st, nil, logx.Nop(), nil)
	svc.now = func() time.Time { return at }
	return svc
}

func TestReclaim(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	ctx := context.Background()
	requeue := addTask(t, st, 1, 5)
	exhausted := addTask(t, st, 2, 1)
	for i := 0; i < 2; i++ {
		if _, err := st.ClaimTask(ctx, "dead-worker", t0); err != nil {
			t.Fatalf("ClaimTask: %v", err)
		}
	}

	// Within the lease nothing moves.
	if n, err := newService(st, t0.Add(time.Minute)).Reclaim(ctx); err != nil || n != 0 {
		t.Fatalf("early Reclaim = %d, %v", n, err)
	}

	n, err := newService(st, t0.Add(10*time.Minute)).Reclaim(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Reclaim = %d, %v", n, err)
	}
	got, _ := st.GetTask(ctx, requeue.ID)
	if got.Status != domain.TaskPending || got.RetryCount != 1 || got.ClaimedBy != "" {
		t.Fatalf("requeued task = %+v", got)
	}
	got, _ = st.GetTask(ctx, exhausted.ID)
	if got.Status != domain.TaskFailed {
		t.Fatalf("exhausted task = %+v", got)
	}
	rec, err := st.GetPush(ctx, 2, "chatA")
	if err != nil || rec.Status != domain.PushFailed || rec.ErrorMessage != leaseExpired {
		t.Fatalf("ledger = %+v, %v", rec, err)
	}
}

func TestReclaimSweepsRateWindows(t *testing.T) {
	t.Parallel()

	mem := ratelimit.NewMemory()
	if _, err := mem.Reserve(context.Background(), "1:chatA", 3, time.Minute, t0); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	svc := New(Config{}, storage.NewMemory(), mem, logx.Nop(), nil)
	svc.now = func() time.Time { return t0.Add(time.Hour) }
	if _, err := svc.Reclaim(context.Background()); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if mem.Len() != 0 {
		t.Fatalf("windows left = %d, want 0", mem.Len())
	}
}

func TestSampleQueueAge(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	addTask(t, st, 1, 5)
	addTask(t, st, 2, 5)

	tests := []struct {
		name     string
		at       time.Time
		starving bool
	}{
		{name: "fresh", at: t0.Add(time.Minute)},
		{name: "starving", at: t0.Add(20 * time.Minute), starving: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := newService(st, tt.at).SampleQueueAge(context.Background())
			if err != nil {
				t.Fatalf("SampleQueueAge: %v", err)
			}
			if got.OldestAge != tt.at.Sub(t0) || got.Starving != tt.starving || got.Counts[domain.TaskPending] != 2 {
				t.Fatalf("SampleQueueAge = %+v", got)
			}
		})
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	ctx := context.Background()
	done := addTask(t, st, 1, 5)
	pending := addTask(t, st, 2, 5)
	claimed, err := st.ClaimTask(ctx, "w", t0)
	if err != nil || claimed.ID != done.ID {
		t.Fatalf("ClaimTask = %+v, %v", claimed, err)
	}
	if err := st.CompleteTask(ctx, done.ID, t0); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	if n, err := newService(st, t0.Add(30*time.Minute)).Prune(ctx); err != nil || n != 0 {
		t.Fatalf("Prune inside retention = %d, %v", n, err)
	}
	if n, err := newService(st, t0.Add(2*time.Hour)).Prune(ctx); err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	if _, err := st.GetTask(ctx, pending.ID); err != nil {
		t.Fatalf("pending task pruned: %v", err)
	}
}

func TestValidateAndSchedule(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true, Reclaim: "@every 1m", QueueAge: "*/30 * * * * *", Prune: "0 3 * * *"}, storage.NewMemory(), nil, logx.Nop(), nil)
	if err := svc.Validate(Config{Reclaim: "not a spec"}); err == nil {
		t.Fatalf("Validate accepted a broken spec")
	}
	if err := svc.Validate(Config{Timezone: "Mars/Olympus"}); err == nil {
		t.Fatalf("Validate accepted a broken timezone")
	}

	ctx := context.Background()
	svc.Start(ctx)
	jobs := svc.Jobs()
	if len(jobs) != 3 {
		t.Fatalf("jobs = %v, want 3", jobs)
	}
	svc.Stop(ctx)
	if len(svc.Jobs()) != 0 {
		t.Fatalf("jobs after Stop = %v", svc.Jobs())
	}
}
