// Package worker drains the push task queue.
//
// Each of Config.Workers goroutines claims one eligible task at a time,
// sends it and settles the task and its ledger row. The claim in the store
// is the only serialization point, so several processes may run pools
// against one database.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/domain"
	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	rtsup "relaybot/internal/runtime/supervisor"
	logx "relaybot/pkg/logx"
)

// Store is the storage surface the worker needs.
type Store interface {
	ClaimTask(ctx context.Context, owner string, now time.Time) (domain.Task, error)
	CompleteTask(ctx context.Context, id int64, now time.Time) error
	FailTask(ctx context.Context, id int64, retryCount int, lastErr string, now time.Time) error
	RetryTask(ctx context.Context, id int64, retryCount int, lastErr string, eligibleAt, now time.Time) error
	DeferTask(ctx context.Context, id int64, eligibleAt, now time.Time) error
	RecordPush(ctx context.Context, r domain.PushedRecord) error
	GetPush(ctx context.Context, contentID int64, target string) (domain.PushedRecord, error)
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	rec    metrics.Recorder
	store  Store
	sender Sender

	now func() time.Time

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// sendCtx outlives the supervisor so in-flight sends can finish after
	// claiming stopped. Stop cancels it when its own deadline passes.
	sendCtx    context.Context
	sendCancel context.CancelFunc

	circuits circuitStore

	hmu     sync.Mutex
	history []HistoryItem

	inFlight int32
	claimed  uint64
	sent     uint64
	retried  uint64
	failed   uint64
	deferred uint64
}

func New(cfg Config, store Store, sender Sender, log logx.Logger, bus eventbus.Bus, rec metrics.Recorder) *Service {
	enabled := cfg.Enabled
	cfg = cfg.withDefaults()
	cfg.Enabled = enabled
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		rec:    metrics.OrNop(rec),
		store:  store,
		sender: sender,
		now:    time.Now,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Supervisor returns the pool supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Apply swaps the configuration. A change of pool size restarts the pool.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	enabled := cfg.Enabled
	cfg = cfg.withDefaults()
	cfg.Enabled = enabled

	s.mu.Lock()
	prev := s.cfg
	if cfg.InstanceID == "" {
		cfg.InstanceID = prev.InstanceID
	}
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case running && prev.Workers != cfg.Workers:
		s.Stop(ctx)
		s.Start(ctx)
	case !running && cfg.Enabled && prev.Enabled != cfg.Enabled:
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}

	// Start is idempotent.
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.sendCtx, s.sendCancel = context.WithCancel(context.WithoutCancel(ctx))
	stopCh := s.stopCh
	sendCtx := s.sendCtx

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// a broken worker must not take the process down
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, sendCtx, stopCh, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("push worker started",
		logx.String("instance", cfg.InstanceID),
		logx.Int("workers", cfg.Workers),
		logx.Duration("poll", cfg.PollInterval),
		logx.Duration("send_timeout", cfg.SendTimeout),
	)
}

// Stop stops claiming and waits for in-flight sends. When ctx ends first,
// in-flight sends are interrupted and settle as transient failures.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	sendCancel := s.sendCancel
	s.mu.Unlock()

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
			sup.Cancel()
		}
		sendCancel()
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.sendCtx = nil
		s.sendCancel = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("push worker stopped")
	case <-ctx.Done():
		sendCancel()
		if sup != nil {
			sup.Cancel()
		}
		s.log.Warn("push worker stop timed out, interrupting sends", logx.Err(ctx.Err()))
	}
}

// Drain processes eligible tasks in the calling goroutine until none is
// left or limit tasks were handled (limit <= 0 means no limit). It refuses to
// run next to a started pool.
func (s *Service) Drain(ctx context.Context, limit int) (int, error) {
	s.mu.Lock()
	running := s.stopCh != nil
	cfg := s.cfg
	s.mu.Unlock()
	if running {
		return 0, ErrRunning
	}
	if s.sender == nil {
		return 0, ErrNoSender
	}
	rng := newRand(0)
	owner := cfg.InstanceID + "/drain"
	n := 0
	for limit <= 0 || n < limit {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := s.processNext(ctx, ctx, owner, rng)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
	return n, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	ct, co := s.circuitSnapshot(s.now())
	return Snapshot{
		Enabled:       cfg.Enabled,
		Running:       running,
		InstanceID:    cfg.InstanceID,
		Workers:       cfg.Workers,
		InFlight:      int(atomic.LoadInt32(&s.inFlight)),
		Claimed:       atomic.LoadUint64(&s.claimed),
		Sent:          atomic.LoadUint64(&s.sent),
		Retried:       atomic.LoadUint64(&s.retried),
		Failed:        atomic.LoadUint64(&s.failed),
		Deferred:      atomic.LoadUint64(&s.deferred),
		SendTimeout:   cfg.SendTimeout,
		RetryBase:     cfg.RetryBase,
		RetryMaxDelay: cfg.RetryMaxDelay,
		CircuitTotal:  ct,
		CircuitOpen:   co,
		History:       h,
		Supervisor:    s.Supervisor().Snapshot(),
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return cfg
}

func (s *Service) remember(item HistoryItem, size int) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if size <= 0 {
		size = 200
	}
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
