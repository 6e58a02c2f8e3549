package worker

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/eventbus"
	"relaybot/internal/queue"
	"relaybot/internal/rules"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// fakeSender answers with fn, or success when fn is nil.
type fakeSender struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(target string, n int) error
}

func (f *fakeSender) Send(_ context.Context, _ string, target string) error {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[target]++
	n := f.calls[target]
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(target, n)
}

func (f *fakeSender) Calls(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[target]
}

func testConfig() Config {
	return Config{
		Enabled:             true,
		InstanceID:          "test",
		Workers:             2,
		PollInterval:        10 * time.Millisecond,
		SendTimeout:         time.Second,
		RetryBase:           2 * time.Second,
		RetryMaxDelay:       time.Minute,
		CircuitTripFailures: -1,
	}
}

func newTestService(t *testing.T, cfg Config, sender Sender) (*Service, *storage.Memory, *clock) {
	t.Helper()
	st := storage.NewMemory()
	clk := &clock{t: t0}
	svc := New(cfg, st, sender, logx.Nop(), eventbus.New(), nil)
	svc.now = clk.Now
	return svc, st, clk
}

func putTask(t *testing.T, st *storage.Memory, contentID int64, target string, maxRetries int) domain.Task {
	t.Helper()
	task, err := domain.NewPushTask(domain.PushPayload{ContentID: contentID, TargetID: target, RuleID: 1, Rendered: "hello"}, 0, maxRetries, t0, t0)
	if err != nil {
		t.Fatalf("NewPushTask: %v", err)
	}
	created, err := st.CreateTask(context.Background(), task)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return created
}

func getTask(t *testing.T, st *storage.Memory, id int64) domain.Task {
	t.Helper()
	task, err := st.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 2 * time.Second, RetryMaxDelay: 30 * time.Second}
	tests := []struct {
		name  string
		retry int
		hint  time.Duration
		want  time.Duration
	}{
		{name: "first retry", retry: 0, want: 2 * time.Second},
		{name: "second retry", retry: 1, want: 4 * time.Second},
		{name: "fourth retry", retry: 3, want: 16 * time.Second},
		{name: "capped", retry: 10, want: 30 * time.Second},
		{name: "large hint wins", retry: 0, hint: time.Minute, want: time.Minute},
		{name: "small hint ignored", retry: 2, hint: time.Second, want: 8 * time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := backoffDelay(cfg, tt.retry, tt.hint, nil); got != tt.want {
				t.Fatalf("backoffDelay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: time.Second, RetryMaxDelay: time.Hour, RetryJitter: 0.5}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		got := backoffDelay(cfg, 2, 0, rng)
		if got < 4*time.Second || got > 6*time.Second {
			t.Fatalf("backoffDelay = %v, want within [4s, 6s]", got)
		}
	}
	cfg.RetryMaxDelay = 5 * time.Second
	for i := 0; i < 200; i++ {
		if got := backoffDelay(cfg, 5, 0, rng); got != 5*time.Second {
			t.Fatalf("jittered delay = %v, want cap 5s", got)
		}
	}
}

func TestTransientFailureRetriesThenFails(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{fn: func(string, int) error { return errors.New("connection reset") }}
	svc, st, clk := newTestService(t, testConfig(), sender)
	ctx := context.Background()
	task := putTask(t, st, 1, "chatA", 3)

	for attempt := 1; attempt <= 2; attempt++ {
		if n, err := svc.Drain(ctx, 0); err != nil || n != 1 {
			t.Fatalf("Drain attempt %d = %d, %v", attempt, n, err)
		}
		got := getTask(t, st, task.ID)
		minEligible := clk.Now().Add(2 * time.Second << (attempt - 1))
		if got.Status != domain.TaskPending || got.RetryCount != attempt {
			t.Fatalf("after attempt %d task = %+v", attempt, got)
		}
		if got.EligibleAt.Before(minEligible) {
			t.Fatalf("after attempt %d eligible at %v, want >= %v", attempt, got.EligibleAt, minEligible)
		}
		rec, err := st.GetPush(ctx, 1, "chatA")
		if err != nil || rec.Status != domain.PushRetrying {
			t.Fatalf("ledger = %+v, %v", rec, err)
		}

		// Not eligible before the backoff elapses.
		if n, _ := svc.Drain(ctx, 0); n != 0 {
			t.Fatalf("task claimed before backoff elapsed")
		}
		clk.Set(got.EligibleAt)
	}

	if n, err := svc.Drain(ctx, 0); err != nil || n != 1 {
		t.Fatalf("final Drain = %d, %v", n, err)
	}
	got := getTask(t, st, task.ID)
	if got.Status != domain.TaskFailed || got.RetryCount != 3 || got.LastError == "" {
		t.Fatalf("final task = %+v", got)
	}
	rec, err := st.GetPush(ctx, 1, "chatA")
	if err != nil || rec.Status != domain.PushFailed || rec.ErrorMessage != "connection reset" {
		t.Fatalf("final ledger = %+v, %v", rec, err)
	}
	if sender.Calls("chatA") != 3 {
		t.Fatalf("sends = %d, want 3", sender.Calls("chatA"))
	}
	if snap := svc.Snapshot(); snap.Retried != 2 || snap.Failed != 1 || snap.Claimed != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPermanentFailureStopsRetries(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{fn: func(string, int) error { return domain.Permanent(errors.New("chat not found")) }}
	svc, st, _ := newTestService(t, testConfig(), sender)
	task := putTask(t, st, 2, "chatA", 5)

	if n, err := svc.Drain(context.Background(), 0); err != nil || n != 1 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	got := getTask(t, st, task.ID)
	if got.Status != domain.TaskFailed || got.RetryCount != 0 {
		t.Fatalf("task = %+v", got)
	}
	rec, err := st.GetPush(context.Background(), 2, "chatA")
	if err != nil || rec.Status != domain.PushFailed {
		t.Fatalf("ledger = %+v, %v", rec, err)
	}
}

func TestRetryAfterHintDelaysRetry(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{fn: func(string, int) error {
		return domain.RetryAfter(errors.New("too many requests"), time.Hour)
	}}
	svc, st, _ := newTestService(t, testConfig(), sender)
	task := putTask(t, st, 3, "chatA", 5)

	if _, err := svc.Drain(context.Background(), 0); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	got := getTask(t, st, task.ID)
	if want := t0.Add(time.Hour); !got.EligibleAt.Equal(want) {
		t.Fatalf("eligible at %v, want %v", got.EligibleAt, want)
	}
}

func TestPanicIsTransient(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{fn: func(string, int) error { panic("boom") }}
	svc, st, _ := newTestService(t, testConfig(), sender)
	task := putTask(t, st, 4, "chatA", 5)

	if n, err := svc.Drain(context.Background(), 0); err != nil || n != 1 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	got := getTask(t, st, task.ID)
	if got.Status != domain.TaskPending || got.RetryCount != 1 {
		t.Fatalf("task = %+v", got)
	}
}

func TestSendTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SendTimeout = 20 * time.Millisecond
	svc, st, _ := newTestService(t, cfg, senderFunc(func(ctx context.Context, _, _ string) error {
		<-ctx.Done()
		return errors.New("request aborted")
	}))
	task := putTask(t, st, 5, "chatA", 5)

	if _, err := svc.Drain(context.Background(), 0); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	got := getTask(t, st, task.ID)
	if got.Status != domain.TaskPending || got.RetryCount != 1 {
		t.Fatalf("task = %+v", got)
	}
	if !strings.HasPrefix(got.LastError, "send timeout: ") {
		t.Fatalf("last error = %q, want send timeout", got.LastError)
	}
}

type senderFunc func(ctx context.Context, payload, target string) error

func (f senderFunc) Send(ctx context.Context, payload, target string) error {
	return f(ctx, payload, target)
}

func TestDeliveredPairIsNotResent(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	svc, st, _ := newTestService(t, testConfig(), sender)
	ctx := context.Background()
	task := putTask(t, st, 6, "chatA", 5)
	if err := st.RecordPush(ctx, domain.PushedRecord{ContentID: 6, TargetID: "chatA", Status: domain.PushSuccess, PushedAt: t0}); err != nil {
		t.Fatalf("RecordPush: %v", err)
	}

	if _, err := svc.Drain(ctx, 0); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sender.Calls("chatA") != 0 {
		t.Fatalf("delivered pair was sent again")
	}
	if got := getTask(t, st, task.ID); got.Status != domain.TaskCompleted {
		t.Fatalf("task = %+v", got)
	}
}

// successLedgerDown fails every success write with a store error.
type successLedgerDown struct {
	*storage.Memory
	writes atomic.Int32
}

func (s *successLedgerDown) RecordPush(ctx context.Context, r domain.PushedRecord) error {
	if r.Status == domain.PushSuccess {
		s.writes.Add(1)
		return errors.New("disk I/O error")
	}
	return s.Memory.RecordPush(ctx, r)
}

func TestSuccessLedgerFailureKeepsTaskActive(t *testing.T) {
	t.Parallel()

	st := &successLedgerDown{Memory: storage.NewMemory()}
	sender := &fakeSender{}
	svc := New(testConfig(), st, sender, logx.Nop(), eventbus.New(), nil)
	svc.now = func() time.Time { return t0 }
	task := putTask(t, st.Memory, 11, "chatA", 5)

	if n, err := svc.Drain(context.Background(), 0); err != nil || n != 1 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	if sender.Calls("chatA") != 1 {
		t.Fatalf("sends = %d, want 1", sender.Calls("chatA"))
	}
	if got := st.writes.Load(); got != ledgerAttempts {
		t.Fatalf("success writes = %d, want %d", got, ledgerAttempts)
	}
	got := getTask(t, st.Memory, task.ID)
	if got.Status != domain.TaskPending || got.RetryCount != 0 {
		t.Fatalf("task = %+v, want pending without a consumed retry", got)
	}
	if ok, _ := st.HasActiveTask(context.Background(), domain.PushDedupKey(11, "chatA")); !ok {
		t.Fatalf("pair lost its active task")
	}
	if snap := svc.Snapshot(); snap.Sent != 0 || snap.Deferred != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestOpenCircuitDefersWithoutRetry(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.CircuitTripFailures = 1
	cfg.CircuitBaseDelay = 30 * time.Second
	sender := &fakeSender{fn: func(string, int) error { return errors.New("gateway timeout") }}
	svc, st, _ := newTestService(t, cfg, sender)
	first := putTask(t, st, 7, "chatA", 5)
	second := putTask(t, st, 8, "chatA", 5)

	if n, err := svc.Drain(context.Background(), 0); err != nil || n != 2 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	if sender.Calls("chatA") != 1 {
		t.Fatalf("sends = %d, want 1", sender.Calls("chatA"))
	}
	if got := getTask(t, st, first.ID); got.RetryCount != 1 {
		t.Fatalf("first task = %+v", got)
	}
	got := getTask(t, st, second.ID)
	if got.Status != domain.TaskPending || got.RetryCount != 0 || !got.EligibleAt.Equal(t0.Add(30*time.Second)) {
		t.Fatalf("second task = %+v", got)
	}
	if snap := svc.Snapshot(); snap.CircuitOpen != 1 || snap.Deferred != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestConcurrentClaimsSendOnce(t *testing.T) {
	t.Parallel()

	var sends int32
	sender := senderFunc(func(context.Context, string, string) error {
		atomic.AddInt32(&sends, 1)
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	st := storage.NewMemory()
	putTask(t, st, 9, "chatA", 5)

	a := New(testConfig(), st, sender, logx.Nop(), nil, nil)
	b := New(testConfig(), st, sender, logx.Nop(), nil, nil)
	a.now, b.now = func() time.Time { return t0 }, func() time.Time { return t0 }

	var wg sync.WaitGroup
	for _, svc := range []*Service{a, b} {
		svc := svc
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Drain(context.Background(), 0); err != nil {
				t.Errorf("Drain: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := atomic.LoadInt32(&sends); n != 1 {
		t.Fatalf("sends = %d, want 1", n)
	}
}

func TestEndToEndTwoTargets(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	ctx := context.Background()
	if _, err := st.PutRule(ctx, domain.Rule{
		Name: "news", Enabled: true, Priority: 10,
		MatchConditions: []string{"tags has_any [news]"},
		Targets:         []string{"chatA", "chatB"},
		RateLimit:       10, TimeWindow: 60,
	}); err != nil {
		t.Fatalf("PutRule: %v", err)
	}
	q := queue.New(queue.Config{MaxRetries: 3}, st, rules.New(st, rules.FirstMatch, logx.Nop()), nil, nil, logx.Nop(), nil, nil)
	res, err := q.Ingest(ctx, domain.Content{ID: 1, Platform: "x", Title: "t", URL: "https://example.com", Tags: []string{"news"}})
	if err != nil || len(res.Enqueued) != 2 {
		t.Fatalf("Ingest = %+v, %v", res, err)
	}

	sender := &fakeSender{}
	w := New(testConfig(), st, sender, logx.Nop(), nil, nil)
	if n, err := w.Drain(ctx, 0); err != nil || n != 2 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	for _, target := range []string{"chatA", "chatB"} {
		rec, err := st.GetPush(ctx, 1, target)
		if err != nil || rec.Status != domain.PushSuccess {
			t.Fatalf("ledger %s = %+v, %v", target, rec, err)
		}
	}
	counts, err := st.CountTasks(ctx)
	if err != nil {
		t.Fatalf("CountTasks: %v", err)
	}
	if counts[domain.TaskPending] != 0 || counts[domain.TaskCompleted] != 2 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestPoolStartStop(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	st := storage.NewMemory()
	for id := int64(1); id <= 5; id++ {
		putTask(t, st, id, "chatA", 5)
	}
	svc := New(testConfig(), st, sender, logx.Nop(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Start(ctx)
	svc.Start(ctx)
	if _, err := svc.Drain(ctx, 0); !errors.Is(err, ErrRunning) {
		t.Fatalf("Drain while running err = %v, want ErrRunning", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for sender.Calls("chatA") < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("sends = %d, want 5", sender.Calls("chatA"))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !svc.Snapshot().Running {
		t.Fatalf("pool not running")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	svc.Stop(stopCtx)
	if svc.Snapshot().Running {
		t.Fatalf("pool still running after Stop")
	}
	if svc.Supervisor() != nil {
		t.Fatalf("supervisor kept after Stop")
	}
}

func TestDrainWithoutSender(t *testing.T) {
	t.Parallel()

	svc := New(testConfig(), storage.NewMemory(), nil, logx.Nop(), nil, nil)
	if _, err := svc.Drain(context.Background(), 0); !errors.Is(err, ErrNoSender) {
		t.Fatalf("Drain err = %v, want ErrNoSender", err)
	}
}
