package rules

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"relaybot/internal/config"
	"relaybot/internal/domain"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// fileRule is the on-disk rule shape.
//
// Example (YAML):
//
//	rules:
//	  - name: news
//	    priority: 10
//	    match_conditions: ["tags has_any [news, tech] && is_nsfw == false"]
//	    targets: ["telegram:-1001234"]
//	    rate_limit: 10
//	    time_window: 60
type fileRule struct {
	ID                    int64    `json:"id,omitempty"`
	Name                  string   `json:"name"`
	Enabled               *bool    `json:"enabled,omitempty"`
	Priority              int      `json:"priority,omitempty"`
	MatchConditions       []string `json:"match_conditions,omitempty"`
	Targets               []string `json:"targets"`
	NSFWPolicy            string   `json:"nsfw_policy,omitempty"`
	ApprovalRequired      bool     `json:"approval_required,omitempty"`
	AutoApproveConditions []string `json:"auto_approve_conditions,omitempty"`
	RateLimit             int      `json:"rate_limit,omitempty"`
	TimeWindow            int      `json:"time_window,omitempty"`
	TemplateID            string   `json:"template_id,omitempty"`
}

type ruleFile struct {
	Rules []fileRule `json:"rules"`
}

// FileSource serves rules from a YAML or JSON file. The last good version
// stays active when a reload fails.
type FileSource struct {
	path string
	log  logx.Logger

	mu    sync.RWMutex
	rules []domain.Rule
	hash  uint64

	onReload func([]domain.Rule)
}

func NewFileSource(path string, log logx.Logger) *FileSource {
	return &FileSource{path: path, log: log}
}

// OnReload registers fn to run after each successful reload.
func (s *FileSource) OnReload(fn func([]domain.Rule)) {
	s.mu.Lock()
	s.onReload = fn
	s.mu.Unlock()
}

// Load reads and validates the file. A rule that fails validation makes the
// whole file invalid so a typo never silently disables one rule on reload.
func (s *FileSource) Load() error {
	var rf ruleFile
	if err := config.DecodeFile(s.path, &rf); err != nil {
		return fmt.Errorf("rules file %s: %w", s.path, err)
	}
	rs, err := convertRules(rf.Rules)
	if err != nil {
		return fmt.Errorf("rules file %s: %w", s.path, err)
	}
	h := hashRules(rs)

	s.mu.Lock()
	changed := h != s.hash
	s.rules = rs
	s.hash = h
	fn := s.onReload
	s.mu.Unlock()

	if changed {
		s.log.Info("rules loaded", logx.String("path", s.path), logx.Int("rules", len(rs)))
		if fn != nil {
			fn(cloneRules(rs))
		}
	}
	return nil
}

// ListEnabledRules returns the enabled rules, priority desc, id asc.
func (s *FileSource) ListEnabledRules(_ context.Context) ([]domain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return cloneRules(out), nil
}

// Watch reloads the file on change until ctx is done. A rejected file
// keeps the previous rule set.
func (s *FileSource) Watch(ctx context.Context) error {
	return config.WatchFile(ctx, s.path, s.log, func(context.Context) {
		if err := s.Load(); err != nil {
			s.log.Warn("rules reload rejected; keeping previous", logx.Err(err))
		}
	})
}

func convertRules(in []fileRule) ([]domain.Rule, error) {
	out := make([]domain.Rule, 0, len(in))
	names := map[string]struct{}{}
	ids := map[int64]string{}
	for i, fr := range in {
		name := strings.TrimSpace(fr.Name)
		if name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if _, dup := names[name]; dup {
			return nil, fmt.Errorf("rule %q: duplicate name", name)
		}
		names[name] = struct{}{}

		id := fr.ID
		if id == 0 {
			id = stableID(name)
		}
		if other, dup := ids[id]; dup {
			return nil, fmt.Errorf("rule %q: id %d already used by %q", name, id, other)
		}
		ids[id] = name

		nsfw := domain.NSFWPolicy(strings.ToLower(strings.TrimSpace(fr.NSFWPolicy)))
		if nsfw == "" {
			nsfw = domain.NSFWAllow
		}
		r := domain.Rule{
			ID:                    id,
			Name:                  name,
			Enabled:               fr.Enabled == nil || *fr.Enabled,
			Priority:              fr.Priority,
			MatchConditions:       fr.MatchConditions,
			Targets:               trimAll(fr.Targets),
			NSFWPolicy:            nsfw,
			ApprovalRequired:      fr.ApprovalRequired,
			AutoApproveConditions: fr.AutoApproveConditions,
			RateLimit:             fr.RateLimit,
			TimeWindow:            fr.TimeWindow,
			TemplateID:            strings.TrimSpace(fr.TemplateID),
		}
		if err := Validate(r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	storage.SortRules(out)
	return out, nil
}

// stableID derives a positive id from the rule name so rate-limit keys and
// ledger rule ids survive reordering the file.
func stableID(name string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum32()&0x7fffffff) + 1
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func hashRules(rs []domain.Rule) uint64 {
	h := fnv.New64a()
	for _, r := range rs {
		fmt.Fprintf(h, "%d|%s|%t|%d|%q|%q|%s|%t|%q|%d|%d|%s\n",
			r.ID, r.Name, r.Enabled, r.Priority, r.MatchConditions, r.Targets, r.NSFWPolicy,
			r.ApprovalRequired, r.AutoApproveConditions, r.RateLimit, r.TimeWindow, r.TemplateID)
	}
	return h.Sum64()
}

func cloneRules(in []domain.Rule) []domain.Rule {
	out := make([]domain.Rule, len(in))
	for i, r := range in {
		r.MatchConditions = append([]string(nil), r.MatchConditions...)
		r.AutoApproveConditions = append([]string(nil), r.AutoApproveConditions...)
		r.Targets = append([]string(nil), r.Targets...)
		out[i] = r
	}
	return out
}
