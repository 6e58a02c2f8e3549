// Package queue turns rule decisions into durable push tasks.
//
// EnqueueContent is idempotent: it may run on every content create or
// update event and on approval. A pair that already succeeded, or that has
// an active task, is never enqueued twice.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relaybot/internal/approval"
	"relaybot/internal/domain"
	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	"relaybot/internal/ratelimit"
	logx "relaybot/pkg/logx"
)

// Config holds task defaults.
type Config struct {
	MaxRetries int
	Priority   int
}

// Store is the storage surface the queue service needs.
type Store interface {
	approval.Store
	PutContent(ctx context.Context, c domain.Content) (domain.Content, error)
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	HasActiveTask(ctx context.Context, dedupKey string) (bool, error)
	RecordPush(ctx context.Context, r domain.PushedRecord) error
	GetPush(ctx context.Context, contentID int64, target string) (domain.PushedRecord, error)
}

// Evaluator produces the routing decision for content.
type Evaluator interface {
	Evaluate(ctx context.Context, c domain.Content) (domain.Decision, error)
}

// Skip reasons.
const (
	SkipAlreadyPushed = "already_pushed"
	SkipActiveTask    = "active_task"
)

type Skip struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// Result describes what one EnqueueContent call did.
type Result struct {
	ContentID int64               `json:"content_id"`
	Status    domain.ReviewStatus `json:"review_status"`
	Decision  domain.Decision     `json:"decision"`
	Held      bool                `json:"held"`
	Filtered  []string            `json:"filtered,omitempty"`
	Enqueued  []domain.Task       `json:"enqueued,omitempty"`
	Skipped   []Skip              `json:"skipped,omitempty"`
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	store   Store
	rules   Evaluator
	gate    *approval.Gate
	limiter *ratelimit.Limiter
	render  *Renderer
	log     logx.Logger
	bus     eventbus.Bus
	rec     metrics.Recorder

	now func() time.Time
}

// New wires the service. A nil limiter keeps windows in process memory.
func New(cfg Config, store Store, rules Evaluator, limiter *ratelimit.Limiter, render *Renderer, log logx.Logger, bus eventbus.Bus, rec metrics.Recorder) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if limiter == nil {
		limiter = ratelimit.New(nil)
	}
	if render == nil {
		render, _ = NewRenderer(nil, "")
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		rules:   rules,
		gate:    approval.New(store, log),
		limiter: limiter,
		render:  render,
		log:     log,
		bus:     bus,
		rec:     metrics.OrNop(rec),
		now:     time.Now,
	}
}

// Apply swaps the task defaults used for new tasks.
func (s *Service) Apply(cfg Config) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Renderer exposes the template set for hot reload.
func (s *Service) Renderer() *Renderer { return s.render }

// Ingest upserts content and enqueues it.
func (s *Service) Ingest(ctx context.Context, c domain.Content) (Result, error) {
	stored, err := s.store.PutContent(ctx, c)
	if err != nil {
		return Result{ContentID: c.ID}, fmt.Errorf("store content %d: %w", c.ID, err)
	}
	return s.EnqueueContent(ctx, stored.ID)
}

// EnqueueContent evaluates content and creates push tasks for every
// dispatch that is neither delivered nor in flight.
func (s *Service) EnqueueContent(ctx context.Context, id int64) (Result, error) {
	res := Result{ContentID: id}
	c, err := s.store.GetContent(ctx, id)
	if err != nil {
		return res, fmt.Errorf("load content %d: %w", id, err)
	}
	res.Status = c.ReviewStatus
	log := s.log.With(logx.Int64("content_id", id))

	if c.ReviewStatus == domain.ReviewRejected {
		log.Debug("content rejected, not evaluated")
		s.rec.ContentEvaluated(metrics.OutcomeRejected)
		return res, nil
	}

	d, err := s.decisionFor(ctx, c)
	if err != nil {
		return res, err
	}
	res.Decision = d
	eventbus.Publish(s.bus, eventbus.ContentEvaluated, eventbus.ContentEvent{
		ContentID: id, Status: string(c.ReviewStatus), RuleID: d.MatchedRuleID, Rule: d.MatchedRuleName, Targets: d.Targets(),
	})

	// Under the accumulate policy a blocking rule only filters its own
	// targets; dispatches from permissive rules still go out.
	if d.NSFWBlocked {
		res.Filtered = s.recordFiltered(ctx, c.ID, d)
		eventbus.Publish(s.bus, eventbus.ContentFiltered, eventbus.ContentEvent{ContentID: id, RuleID: d.MatchedRuleID, Rule: d.MatchedRuleName, Targets: res.Filtered})
		log.Info("content filtered", logx.String("rule", d.MatchedRuleName), logx.Strings("targets", res.Filtered))
		if len(d.Dispatches) == 0 {
			s.rec.ContentEvaluated(metrics.OutcomeFiltered)
			return res, nil
		}
	}
	if len(d.Dispatches) == 0 {
		s.rec.ContentEvaluated(metrics.OutcomeNoMatch)
		log.Debug("no rule matched")
		return res, nil
	}

	status, err := s.gate.Admit(ctx, c, d)
	if err != nil {
		return res, err
	}
	res.Status = status
	switch {
	case status == domain.ReviewRejected:
		s.rec.ContentEvaluated(metrics.OutcomeRejected)
		return res, nil
	case !status.Dispatchable():
		res.Held = true
		s.rec.ContentEvaluated(metrics.OutcomeHeld)
		eventbus.Publish(s.bus, eventbus.ContentHeld, eventbus.ContentEvent{ContentID: id, Status: string(status), RuleID: d.MatchedRuleID, Rule: d.MatchedRuleName, Targets: d.Targets()})
		return res, nil
	}

	now := s.now()
	var errs []error
	for _, dp := range d.Dispatches {
		if err := s.dispatch(ctx, c, dp, now, &res); err != nil {
			log.Warn("enqueue failed", logx.String("target", dp.Target), logx.Int64("rule_id", dp.RuleID), logx.Err(err))
			errs = append(errs, err)
		}
	}
	s.rec.ContentEvaluated(metrics.OutcomeEnqueued)
	if len(res.Enqueued) > 0 {
		log.Info("content enqueued",
			logx.String("status", string(status)),
			logx.String("rule", d.MatchedRuleName),
			logx.Int("tasks", len(res.Enqueued)),
			logx.Int("skipped", len(res.Skipped)),
		)
	}
	return res, errors.Join(errs...)
}

// Approve moves pending content to approved and enqueues the decision
// stored when it was held.
func (s *Service) Approve(ctx context.Context, id int64, note string) (Result, error) {
	changed, err := s.gate.Decide(ctx, id, domain.ReviewApproved, note)
	if err != nil {
		return Result{ContentID: id}, err
	}
	if changed {
		eventbus.Publish(s.bus, eventbus.ContentApproved, eventbus.ContentEvent{ContentID: id, Status: string(domain.ReviewApproved), Note: note})
	}
	return s.EnqueueContent(ctx, id)
}

// Reject moves pending content to rejected. Rejected content is never
// dispatched.
func (s *Service) Reject(ctx context.Context, id int64, note string) error {
	changed, err := s.gate.Decide(ctx, id, domain.ReviewRejected, note)
	if err != nil {
		return err
	}
	if changed {
		eventbus.Publish(s.bus, eventbus.ContentRejected, eventbus.ContentEvent{ContentID: id, Status: string(domain.ReviewRejected), Note: note})
	}
	return nil
}

// decisionFor returns the stored decision for manually approved content,
// so approval enqueues exactly what the operator saw. Everything else is
// evaluated against the current rules.
func (s *Service) decisionFor(ctx context.Context, c domain.Content) (domain.Decision, error) {
	if c.ReviewStatus == domain.ReviewApproved {
		d, ok, err := s.gate.StoredDecision(ctx, c.ID)
		if err != nil {
			return d, err
		}
		if ok {
			return d, nil
		}
	}
	d, err := s.rules.Evaluate(ctx, c)
	if err != nil {
		return d, fmt.Errorf("evaluate content %d: %w", c.ID, err)
	}
	return d, nil
}

func (s *Service) dispatch(ctx context.Context, c domain.Content, dp domain.Dispatch, now time.Time, res *Result) error {
	rec, err := s.store.GetPush(ctx, c.ID, dp.Target)
	switch {
	case err == nil && rec.Status == domain.PushSuccess:
		s.skip(res, c.ID, dp, SkipAlreadyPushed)
		return nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("ledger lookup %d/%s: %w", c.ID, dp.Target, err)
	}
	// A pair already in flight must not take a rate-limit slot.
	active, err := s.store.HasActiveTask(ctx, domain.PushDedupKey(c.ID, dp.Target))
	if err != nil {
		return fmt.Errorf("active task lookup %d/%s: %w", c.ID, dp.Target, err)
	}
	if active {
		s.skip(res, c.ID, dp, SkipActiveTask)
		return nil
	}

	rendered, err := s.render.Render(dp.TemplateID, RenderData{Content: c, Target: dp.Target, RuleID: dp.RuleID})
	if err != nil {
		return err
	}
	at, err := s.limiter.Reserve(ctx, dp.RuleID, dp.Target, dp.RateLimit, dp.Window(), now)
	if err != nil {
		return err
	}
	cfg := s.config()
	task, err := domain.NewPushTask(domain.PushPayload{
		ContentID: c.ID,
		TargetID:  dp.Target,
		RuleID:    dp.RuleID,
		Rendered:  rendered,
	}, cfg.Priority, cfg.MaxRetries, at, now)
	if err != nil {
		return err
	}
	created, err := s.store.CreateTask(ctx, task)
	if errors.Is(err, domain.ErrDuplicateTask) {
		s.skip(res, c.ID, dp, SkipActiveTask)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create task %d/%s: %w", c.ID, dp.Target, err)
	}

	deferred := at.After(now)
	res.Enqueued = append(res.Enqueued, created)
	s.rec.TaskEnqueued(deferred)
	eventbus.Publish(s.bus, eventbus.PushEnqueued, eventbus.PushEvent{
		TaskID: created.ID, ContentID: c.ID, Target: dp.Target, RuleID: dp.RuleID, EligibleAt: at,
	})
	if deferred {
		s.log.Debug("task deferred by rate limit",
			logx.Int64("content_id", c.ID),
			logx.String("target", dp.Target),
			logx.Time("eligible_at", at),
		)
	}
	return nil
}

func (s *Service) skip(res *Result, contentID int64, dp domain.Dispatch, reason string) {
	res.Skipped = append(res.Skipped, Skip{Target: dp.Target, Reason: reason})
	eventbus.Publish(s.bus, eventbus.PushSkipped, eventbus.PushEvent{ContentID: contentID, Target: dp.Target, RuleID: dp.RuleID, Reason: reason})
}

// recordFiltered writes filtered ledger rows. A delivered pair keeps its
// success row.
func (s *Service) recordFiltered(ctx context.Context, contentID int64, d domain.Decision) []string {
	now := s.now()
	out := make([]string, 0, len(d.FilteredTargets))
	for _, target := range d.FilteredTargets {
		err := s.store.RecordPush(ctx, domain.PushedRecord{
			ContentID:    contentID,
			TargetID:     target,
			Status:       domain.PushFiltered,
			ErrorMessage: "nsfw blocked by rule " + d.MatchedRuleName,
			RuleID:       d.MatchedRuleID,
			PushedAt:     now,
		})
		switch {
		case err == nil:
			out = append(out, target)
		case errors.Is(err, domain.ErrIdempotencyViolation):
		default:
			s.log.Warn("record filtered push failed", logx.Int64("content_id", contentID), logx.String("target", target), logx.Err(err))
		}
	}
	return out
}
