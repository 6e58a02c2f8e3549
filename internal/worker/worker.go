package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/eventbus"
	logx "relaybot/pkg/logx"
)

// settleTimeout bounds the store writes that record a send result. They
// run on a detached context so a shutdown never loses a result.
const settleTimeout = 10 * time.Second

// A failed success write is retried this often before the task is deferred.
const (
	ledgerAttempts   = 3
	ledgerRetryDelay = 50 * time.Millisecond
)

const warnThrottleEvery = 5 * time.Second

func newRand(idx int) *rand.Rand {
	// Per-worker RNG: avoids global lock contention when many tasks retry concurrently.
	return rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
}

func (s *Service) worker(ctx, sendCtx context.Context, stopCh <-chan struct{}, idx int) {
	rng := newRand(idx)
	owner := fmt.Sprintf("%s/%d", s.config().InstanceID, idx)
	var lastWarn time.Time

	for {
		// A closed stopCh wins over eligible work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		ok, err := s.processNext(ctx, sendCtx, owner, rng)
		if err != nil && ctx.Err() == nil {
			if now := time.Now(); now.Sub(lastWarn) >= warnThrottleEvery {
				lastWarn = now
				s.log.Warn("claim failed", logx.String("worker", owner), logx.Err(err))
			}
		}
		if ok {
			continue
		}

		tmr := time.NewTimer(s.config().PollInterval)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return
		case <-stopCh:
			tmr.Stop()
			return
		case <-tmr.C:
		}
	}
}

// processNext claims and handles one task. It reports false when nothing
// was eligible.
func (s *Service) processNext(ctx, sendCtx context.Context, owner string, rng *rand.Rand) (bool, error) {
	task, err := s.store.ClaimTask(ctx, owner, s.now())
	if errors.Is(err, domain.ErrNoTask) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	atomic.AddUint64(&s.claimed, 1)
	s.rec.TaskClaimed()

	atomic.AddInt32(&s.inFlight, 1)
	s.execOne(sendCtx, task, rng)
	atomic.AddInt32(&s.inFlight, -1)
	return true, nil
}

func (s *Service) execOne(sendCtx context.Context, task domain.Task, rng *rand.Rand) {
	cfg := s.config()
	start := s.now()
	settle, cancel := context.WithTimeout(context.WithoutCancel(sendCtx), settleTimeout)
	defer cancel()

	p, err := task.PushPayload()
	if err != nil {
		s.log.Error("undecodable task", logx.Int64("task_id", task.ID), logx.Err(err))
		s.settleFailed(settle, cfg, task, p, task.RetryCount, err.Error(), start, 0)
		return
	}
	log := s.log.With(logx.Int64("task_id", task.ID), logx.Int64("content_id", p.ContentID), logx.String("target", p.TargetID))

	// A delivered pair is never sent again.
	rec, err := s.store.GetPush(settle, p.ContentID, p.TargetID)
	switch {
	case err == nil && rec.Status == domain.PushSuccess:
		if err := s.store.CompleteTask(settle, task.ID, start); err != nil {
			log.Error("complete task failed", logx.Err(err))
		}
		log.Debug("push skipped: already delivered")
		eventbus.Publish(s.bus, eventbus.PushSkipped, eventbus.PushEvent{TaskID: task.ID, ContentID: p.ContentID, Target: p.TargetID, RuleID: p.RuleID, Reason: outcomeAlreadyPushed})
		s.remember(HistoryItem{TaskID: task.ID, ContentID: p.ContentID, Target: p.TargetID, Started: start, Outcome: outcomeAlreadyPushed}, cfg.HistorySize)
		return
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		s.deferTask(settle, cfg, task, p, start.Add(cfg.PollInterval), "ledger_error", start)
		log.Warn("ledger lookup failed, task deferred", logx.Err(err))
		return
	}

	if open, until := s.circuitIsOpen(start, p.TargetID, cfg); open {
		s.deferTask(settle, cfg, task, p, until, "circuit_open", start)
		return
	}

	attempt := task.RetryCount + 1
	log.Debug("push.started", logx.Int("attempt", attempt))
	eventbus.Publish(s.bus, eventbus.PushStarted, eventbus.PushEvent{TaskID: task.ID, ContentID: p.ContentID, Target: p.TargetID, RuleID: p.RuleID, Attempt: attempt})

	sendErr := s.send(sendCtx, cfg, task, p)
	finish := s.now()
	dur := finish.Sub(start)
	out := domain.Classify(sendErr)
	s.rec.PushResult(out.Status, dur)

	if tripped := s.circuitRecordResult(finish, p.TargetID, cfg, out.Status == domain.OutcomeTransient); tripped {
		log.Warn("target circuit opened", logx.Int("trip_failures", cfg.CircuitTripFailures))
	}

	switch out.Status {
	case domain.OutcomeSuccess:
		s.settleSuccess(settle, cfg, task, p, finish, dur, log)
	case domain.OutcomePermanent:
		log.Warn("push.failed", logx.String("kind", "permanent"), logx.String("err", out.Error), logx.Duration("dur", dur))
		s.settleFailed(settle, cfg, task, p, task.RetryCount, out.Error, finish, dur)
	default:
		retry := task.RetryCount + 1
		if retry >= task.MaxRetries {
			log.Warn("push.failed", logx.String("kind", "retries_exhausted"), logx.Int("attempts", retry), logx.String("err", out.Error))
			s.settleFailed(settle, cfg, task, p, retry, out.Error, finish, dur)
			return
		}
		delay := backoffDelay(cfg, task.RetryCount, out.RetryAfter, rng)
		s.settleRetry(settle, cfg, task, p, retry, out.Error, finish.Add(delay), finish, dur)
		log.Info("push.retrying", logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.String("err", out.Error))
	}
}

// send calls the Sender with a bounded context. A panicking channel is a
// transient failure.
func (s *Service) send(ctx context.Context, cfg Config, task domain.Task, p domain.PushPayload) (err error) {
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel: %v", r)
			s.log.Error("push.panic", logx.Int64("task_id", task.ID), logx.String("target", p.TargetID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	err = s.sender.Send(sctx, p.Rendered, p.TargetID)
	if err != nil && sctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w: %w", sctx.Err(), err)
	}
	return err
}

func (s *Service) settleSuccess(ctx context.Context, cfg Config, task domain.Task, p domain.PushPayload, now time.Time, dur time.Duration, log logx.Logger) {
	err := s.recordSuccess(ctx, task, p, now)
	switch {
	case errors.Is(err, domain.ErrIdempotencyViolation):
		log.Warn("second success for pair ignored", logx.Err(err))
	case err != nil:
		// The success row is the only guard against a resend. Keep the task
		// active so no new task is created for the pair, and retry later.
		log.Error("record success failed, task deferred", logx.Err(err))
		s.deferTask(ctx, cfg, task, p, now.Add(cfg.PollInterval), "ledger_error", now)
		return
	}
	if err := s.store.CompleteTask(ctx, task.ID, now); err != nil {
		log.Error("complete task failed", logx.Err(err))
	}
	atomic.AddUint64(&s.sent, 1)
	if dur >= 750*time.Millisecond {
		log.Info("push.completed", logx.Duration("dur", dur), logx.Int("attempt", task.RetryCount+1))
	} else {
		log.Debug("push.completed", logx.Duration("dur", dur), logx.Int("attempt", task.RetryCount+1))
	}
	eventbus.Publish(s.bus, eventbus.PushSent, eventbus.PushEvent{TaskID: task.ID, ContentID: p.ContentID, Target: p.TargetID, RuleID: p.RuleID, Attempt: task.RetryCount + 1, Duration: dur})
	s.remember(HistoryItem{TaskID: task.ID, ContentID: p.ContentID, Target: p.TargetID, Attempt: task.RetryCount + 1, Started: now.Add(-dur), Duration: dur, Outcome: string(domain.OutcomeSuccess)}, cfg.HistorySize)
}

// recordSuccess writes the success row, retrying store errors briefly.
func (s *Service) recordSuccess(ctx context.Context, task domain.Task, p domain.PushPayload, now time.Time) error {
	rec := domain.PushedRecord{
		ContentID: p.ContentID,
		TargetID:  p.TargetID,
		Status:    domain.PushSuccess,
		RuleID:    p.RuleID,
		TaskID:    task.ID,
		PushedAt:  now,
	}
	var err error
	for attempt := 1; ; attempt++ {
		err = s.store.RecordPush(ctx, rec)
		if err == nil || errors.Is(err, domain.ErrIdempotencyViolation) || attempt >= ledgerAttempts {
			return err
		}
		t := time.NewTimer(ledgerRetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

func (s *Service) settleRetry(ctx context.Context, cfg Config, task domain.Task, p domain.PushPayload, retry int, msg string, eligibleAt, now time.Time, dur time.Duration) {
	if err := s.store.RetryTask(ctx, task.ID, retry, msg, eligibleAt, now); err != nil {
		s.log.Error("retry task failed", logx.Int64("task_id", task.ID), logx.Err(err))
	}
	s.recordLedger(ctx, task, p, domain.PushRetrying, msg, now)
	atomic.AddUint64(&s.retried, 1)
	eventbus.Publish(s.bus, eventbus.PushRetrying, eventbus.PushEvent{TaskID: task.ID, ContentID: p.ContentID, Target: p.TargetID, RuleID: p.RuleID, Attempt: retry, EligibleAt: eligibleAt, Duration: dur, Error: msg})
	s.remember(HistoryItem{TaskID: task.ID, ContentID: p.ContentID, Target: p.TargetID, Attempt: retry, Started: now.Add(-dur), Duration: dur, Outcome: outcomeRetrying, Error: msg}, cfg.HistorySize)
}

func (s *Service) settleFailed(ctx context.Context, cfg Config, task domain.Task, p domain.PushPayload, retry int, msg string, now time.Time, dur time.Duration) {
	if err := s.store.FailTask(ctx, task.ID, retry, msg, now); err != nil {
		s.log.Error("fail task failed", logx.Int64("task_id", task.ID), logx.Err(err))
	}
	if p.TargetID != "" {
		s.recordLedger(ctx, task, p, domain.PushFailed, msg, now)
	}
	atomic.AddUint64(&s.failed, 1)
	eventbus.Publish(s.bus, eventbus.PushFailed, eventbus.PushEvent{TaskID: task.ID, ContentID: p.ContentID, Target: p.TargetID, RuleID: p.RuleID, Attempt: retry, Duration: dur, Error: msg})
	s.remember(HistoryItem{TaskID: task.ID, ContentID: p.ContentID, Target: p.TargetID, Attempt: retry, Started: now.Add(-dur), Duration: dur, Outcome: string(domain.OutcomePermanent), Error: msg}, cfg.HistorySize)
}

// deferTask returns a claimed task to pending without consuming a retry.
func (s *Service) deferTask(ctx context.Context, cfg Config, task domain.Task, p domain.PushPayload, until time.Time, reason string, now time.Time) {
	if err := s.store.DeferTask(ctx, task.ID, until, now); err != nil {
		s.log.Error("defer task failed", logx.Int64("task_id", task.ID), logx.Err(err))
	}
	atomic.AddUint64(&s.deferred, 1)
	s.rec.PushDeferred(reason)
	s.log.Debug("push deferred", logx.Int64("task_id", task.ID), logx.String("target", p.TargetID), logx.String("reason", reason), logx.Time("until", until))
	eventbus.Publish(s.bus, eventbus.PushDeferred, eventbus.PushEvent{TaskID: task.ID, ContentID: p.ContentID, Target: p.TargetID, RuleID: p.RuleID, EligibleAt: until, Reason: reason})
	s.remember(HistoryItem{TaskID: task.ID, ContentID: p.ContentID, Target: p.TargetID, Started: now, Outcome: outcomeDeferred, Error: reason}, cfg.HistorySize)
}

func (s *Service) recordLedger(ctx context.Context, task domain.Task, p domain.PushPayload, status domain.PushStatus, msg string, now time.Time) {
	err := s.store.RecordPush(ctx, domain.PushedRecord{
		ContentID:    p.ContentID,
		TargetID:     p.TargetID,
		Status:       status,
		ErrorMessage: msg,
		RuleID:       p.RuleID,
		TaskID:       task.ID,
		PushedAt:     now,
	})
	if err != nil && !errors.Is(err, domain.ErrIdempotencyViolation) {
		s.log.Error("record push failed", logx.Int64("task_id", task.ID), logx.String("status", string(status)), logx.Err(err))
	}
}

// backoffDelay is RetryBase * 2^retryCount capped at RetryMaxDelay, plus up
// to RetryJitter of additive jitter. An upstream hint wins when larger.
func backoffDelay(cfg Config, retryCount int, hint time.Duration, rng *rand.Rand) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 2 * time.Second
	}
	maxD := cfg.RetryMaxDelay
	if maxD < base {
		maxD = base
	}

	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	if j := cfg.RetryJitter; j > 0 && rng != nil {
		d += time.Duration(rng.Float64() * j * float64(d))
	}
	if d > maxD {
		d = maxD
	}
	if hint > d {
		d = hint
	}
	return d
}
