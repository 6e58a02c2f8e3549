// Package maintenance runs cron-scheduled housekeeping over the task queue:
// stale lease reclaim, queue age sampling and retention pruning.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	logx "relaybot/pkg/logx"
)

const jobTimeout = 30 * time.Second

const leaseExpired = "lease expired"

type Config struct {
	Enabled  bool
	Timezone string

	// Cron specs. Empty disables the job.
	Reclaim  string
	QueueAge string
	Prune    string

	LeaseTimeout   time.Duration
	Retention      time.Duration
	StarvationWarn time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.StarvationWarn <= 0 {
		c.StarvationWarn = 15 * time.Minute
	}
	return c
}

type Store interface {
	ReclaimStale(ctx context.Context, claimedBefore, now time.Time) (int, []domain.Task, error)
	OldestPending(ctx context.Context, now time.Time) (time.Time, bool, error)
	CountTasks(ctx context.Context) (map[domain.TaskStatus]int, error)
	PruneFinished(ctx context.Context, before time.Time) (int, error)
	RecordPush(ctx context.Context, r domain.PushedRecord) error
}

// Sweeper drops expired in-process rate windows.
type Sweeper interface {
	Sweep(now time.Time) int
}

// QueueAge is the result of one queue age sample.
type QueueAge struct {
	OldestAge time.Duration             `json:"oldest_age"`
	Counts    map[domain.TaskStatus]int `json:"counts"`
	Starving  bool                      `json:"starving"`
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store   Store
	sweeper Sweeper
	log     logx.Logger
	rec     metrics.Recorder
	parser  cron.Parser

	c       *cron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID

	now func() time.Time
}

func New(cfg Config, store Store, sweeper Sweeper, log logx.Logger, rec metrics.Recorder) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		sweeper: sweeper,
		log:     log,
		rec:     metrics.OrNop(rec),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]cron.EntryID{},
		now:     time.Now,
	}
}

// Validate checks the cron specs and the timezone.
func (s *Service) Validate(cfg Config) error {
	for name, spec := range map[string]string{"reclaim": cfg.Reclaim, "queue_age": cfg.QueueAge, "prune": cfg.Prune} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("maintenance.%s: %w", name, err)
		}
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("maintenance.timezone: %w", err)
		}
	}
	return nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the configuration and re-registers jobs when running.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	running := s.c != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case running:
		s.Stop(ctx)
		s.Start(ctx)
	case cfg.Enabled:
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	clog := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.entries = map[string]cron.EntryID{}

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{name: "reclaim", spec: s.cfg.Reclaim, run: func(ctx context.Context) error { _, err := s.Reclaim(ctx); return err }},
		{name: "queue_age", spec: s.cfg.QueueAge, run: func(ctx context.Context) error { _, err := s.SampleQueueAge(ctx); return err }},
		{name: "prune", spec: s.cfg.Prune, run: func(ctx context.Context) error { _, err := s.Prune(ctx); return err }},
	}
	for _, j := range jobs {
		if strings.TrimSpace(j.spec) == "" {
			continue
		}
		j := j
		runCtx := s.runCtx
		id, err := s.c.AddFunc(j.spec, func() {
			jctx, cancel := context.WithTimeout(runCtx, jobTimeout)
			defer cancel()
			if err := j.run(jctx); err != nil {
				s.log.Warn("maintenance job failed", logx.String("job", j.name), logx.Err(err))
			}
		})
		if err != nil {
			s.log.Warn("invalid maintenance schedule", logx.String("job", j.name), logx.String("spec", j.spec), logx.Err(err))
			continue
		}
		s.entries[j.name] = id
	}
	s.c.Start()
	s.log.Info("maintenance started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.entries)))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("maintenance stopped")
}

// Jobs lists scheduled job names with their next run.
func (s *Service) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	if s.c == nil {
		return out
	}
	for name, id := range s.entries {
		out[name] = s.c.Entry(id).Next
	}
	return out
}

func (s *Service) config() Config {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return cfg.withDefaults()
}

// Reclaim returns tasks whose lease expired to pending. Tasks that run out
// of retries fail and get a failed ledger row.
func (s *Service) Reclaim(ctx context.Context) (int, error) {
	cfg := s.config()
	now := s.now()
	n, failed, err := s.store.ReclaimStale(ctx, now.Add(-cfg.LeaseTimeout), now)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale tasks: %w", err)
	}
	for _, t := range failed {
		p, err := t.PushPayload()
		if err != nil {
			continue
		}
		err = s.store.RecordPush(ctx, domain.PushedRecord{
			ContentID:    p.ContentID,
			TargetID:     p.TargetID,
			Status:       domain.PushFailed,
			ErrorMessage: leaseExpired,
			RuleID:       p.RuleID,
			TaskID:       t.ID,
			PushedAt:     now,
		})
		if err != nil {
			s.log.Warn("record reclaimed failure", logx.Int64("task_id", t.ID), logx.Err(err))
		}
	}
	if n+len(failed) > 0 {
		s.rec.TasksReclaimed(n + len(failed))
		s.log.Warn("stale tasks reclaimed", logx.Int("requeued", n), logx.Int("failed", len(failed)), logx.Duration("lease", cfg.LeaseTimeout))
	}
	if s.sweeper != nil {
		if dropped := s.sweeper.Sweep(now); dropped > 0 {
			s.log.Debug("rate windows swept", logx.Int("count", dropped))
		}
	}
	return n + len(failed), nil
}

// SampleQueueAge records the oldest eligible pending task age and task
// counts. Starvation is only reported.
func (s *Service) SampleQueueAge(ctx context.Context) (QueueAge, error) {
	cfg := s.config()
	now := s.now()
	var out QueueAge
	oldest, ok, err := s.store.OldestPending(ctx, now)
	if err != nil {
		return out, fmt.Errorf("oldest pending: %w", err)
	}
	if ok {
		out.OldestAge = now.Sub(oldest)
	}
	if out.Counts, err = s.store.CountTasks(ctx); err != nil {
		return out, fmt.Errorf("count tasks: %w", err)
	}
	s.rec.QueueAge(out.OldestAge)
	s.rec.TaskCounts(out.Counts)
	if out.OldestAge > cfg.StarvationWarn {
		out.Starving = true
		s.log.Warn("queue starvation risk",
			logx.Duration("oldest_age", out.OldestAge),
			logx.Int("pending", out.Counts[domain.TaskPending]),
			logx.Int("running", out.Counts[domain.TaskRunning]),
		)
	}
	return out, nil
}

// Prune deletes finished tasks older than the retention window.
func (s *Service) Prune(ctx context.Context) (int, error) {
	cfg := s.config()
	n, err := s.store.PruneFinished(ctx, s.now().Add(-cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	if n > 0 {
		s.rec.TasksPruned(n)
		s.log.Info("finished tasks pruned", logx.Int("count", n), logx.Duration("retention", cfg.Retention))
	}
	return n, nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
