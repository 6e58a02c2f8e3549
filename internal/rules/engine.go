package rules

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"relaybot/internal/domain"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// MatchPolicy selects how matching rules combine.
type MatchPolicy string

const (
	// FirstMatch uses only the highest-priority matching rule.
	FirstMatch MatchPolicy = "first_match"
	// Accumulate lets every matching rule contribute its targets. The first
	// rule naming a target owns its dispatch settings.
	Accumulate MatchPolicy = "accumulate"
)

// ParsePolicy maps a config value to a policy. Empty means FirstMatch.
func ParsePolicy(s string) (MatchPolicy, error) {
	switch MatchPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FirstMatch:
		return FirstMatch, nil
	case Accumulate:
		return Accumulate, nil
	}
	return "", fmt.Errorf("unknown match policy %q", s)
}

// Source provides enabled rules. storage.RuleStore and *FileSource satisfy it.
type Source interface {
	ListEnabledRules(ctx context.Context) ([]domain.Rule, error)
}

// Reporter observes skipped rules. It may be nil.
type Reporter interface {
	RuleSkipped(rule string)
}

// Engine evaluates content against the rule set.
type Engine struct {
	mu     sync.Mutex
	src    Source
	policy MatchPolicy
	log    logx.Logger
	rep    Reporter

	cache map[int64]compiled
}

type compiled struct {
	match []string
	auto  []string
	m, a  Conditions
	err   error
}

func New(src Source, policy MatchPolicy, log logx.Logger) *Engine {
	if policy == "" {
		policy = FirstMatch
	}
	return &Engine{src: src, policy: policy, log: log, cache: map[int64]compiled{}}
}

func (e *Engine) SetReporter(r Reporter) {
	e.mu.Lock()
	e.rep = r
	e.mu.Unlock()
}

// SetPolicy switches the match policy; used on config reload.
func (e *Engine) SetPolicy(p MatchPolicy) {
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
}

// SetSource swaps the rule source, e.g. after the rules file path changed.
func (e *Engine) SetSource(src Source) {
	e.mu.Lock()
	e.src = src
	e.mu.Unlock()
}

func (e *Engine) Policy() MatchPolicy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

// Evaluate computes the dispatch decision for c. A rule whose conditions
// do not compile is skipped and logged; it never fails the evaluation.
func (e *Engine) Evaluate(ctx context.Context, c domain.Content) (domain.Decision, error) {
	e.mu.Lock()
	src := e.src
	policy := e.policy
	rep := e.rep
	e.mu.Unlock()

	rs, err := src.ListEnabledRules(ctx)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("list rules: %w", err)
	}
	storage.SortRules(rs)

	var (
		d        domain.Decision
		owned    = map[string]struct{}{}
		approval bool
		manual   bool
	)
	for _, r := range rs {
		if r.Inert() {
			continue
		}
		cr, err := e.compile(r)
		if err != nil {
			var ce *domain.ConfigurationError
			if errors.As(err, &ce) {
				e.log.Warn("rule skipped", logx.Int64("rule_id", r.ID), logx.String("rule", r.Name), logx.Err(err))
				if rep != nil {
					rep.RuleSkipped(r.Name)
				}
				continue
			}
			return domain.Decision{}, err
		}
		if !cr.m.Match(c) {
			continue
		}

		if !d.Matched() {
			d.MatchedRuleID = r.ID
			d.MatchedRuleName = r.Name
		}

		if r.NSFWPolicy == domain.NSFWBlock && c.IsNSFW {
			d.NSFWBlocked = true
			for _, t := range r.Targets {
				if !slices.Contains(d.FilteredTargets, t) {
					d.FilteredTargets = append(d.FilteredTargets, t)
				}
			}
		} else {
			for _, t := range r.Targets {
				if _, ok := owned[t]; ok {
					continue
				}
				owned[t] = struct{}{}
				d.Dispatches = append(d.Dispatches, domain.Dispatch{
					Target:     t,
					RuleID:     r.ID,
					TemplateID: r.TemplateID,
					RateLimit:  r.RateLimit,
					TimeWindow: r.TimeWindow,
				})
			}
			if r.ApprovalRequired {
				approval = true
				if cr.a.Empty() || !cr.a.Match(c) {
					manual = true
				}
			}
		}

		if policy != Accumulate {
			break
		}
	}

	// A target dispatched by one rule is not also filtered by another.
	if len(d.FilteredTargets) > 0 {
		d.FilteredTargets = slices.DeleteFunc(d.FilteredTargets, func(t string) bool {
			_, ok := owned[t]
			return ok
		})
	}
	d.ApprovalRequired = approval
	d.AutoApprove = approval && !manual
	return d, nil
}

// compile returns the cached compiled conditions for r, recompiling when the
// rule text changed.
func (e *Engine) compile(r domain.Rule) (compiled, error) {
	e.mu.Lock()
	cr, ok := e.cache[r.ID]
	e.mu.Unlock()
	if ok && slices.Equal(cr.match, r.MatchConditions) && slices.Equal(cr.auto, r.AutoApproveConditions) {
		return cr, cr.err
	}

	cr = compiled{
		match: slices.Clone(r.MatchConditions),
		auto:  slices.Clone(r.AutoApproveConditions),
	}
	var err error
	if cr.m, err = CompileConditions(r.MatchConditions); err != nil {
		cr.err = &domain.ConfigurationError{RuleID: r.ID, RuleName: r.Name, Err: fmt.Errorf("match_conditions: %w", err)}
	} else if cr.a, err = CompileConditions(r.AutoApproveConditions); err != nil {
		cr.err = &domain.ConfigurationError{RuleID: r.ID, RuleName: r.Name, Err: fmt.Errorf("auto_approve_conditions: %w", err)}
	}
	if r.NSFWPolicy != "" && r.NSFWPolicy != domain.NSFWAllow && r.NSFWPolicy != domain.NSFWBlock {
		cr.err = &domain.ConfigurationError{RuleID: r.ID, RuleName: r.Name, Err: fmt.Errorf("unknown nsfw_policy %q", r.NSFWPolicy)}
	}

	e.mu.Lock()
	e.cache[r.ID] = cr
	e.mu.Unlock()
	return cr, cr.err
}

// Validate compiles every condition of r and returns a ConfigurationError
// for the first problem.
func Validate(r domain.Rule) error {
	if _, err := CompileConditions(r.MatchConditions); err != nil {
		return &domain.ConfigurationError{RuleID: r.ID, RuleName: r.Name, Err: fmt.Errorf("match_conditions: %w", err)}
	}
	if _, err := CompileConditions(r.AutoApproveConditions); err != nil {
		return &domain.ConfigurationError{RuleID: r.ID, RuleName: r.Name, Err: fmt.Errorf("auto_approve_conditions: %w", err)}
	}
	if r.NSFWPolicy != "" && r.NSFWPolicy != domain.NSFWAllow && r.NSFWPolicy != domain.NSFWBlock {
		return &domain.ConfigurationError{RuleID: r.ID, RuleName: r.Name, Err: fmt.Errorf("unknown nsfw_policy %q", r.NSFWPolicy)}
	}
	if r.RateLimit < 0 || r.TimeWindow < 0 {
		return &domain.ConfigurationError{RuleID: r.ID, RuleName: r.Name, Err: errors.New("rate_limit and time_window must be >= 0")}
	}
	return nil
}
