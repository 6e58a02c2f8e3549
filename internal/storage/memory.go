package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"relaybot/internal/domain"
)

type pushKey struct {
	content int64
	target  string
}

// Memory is an in-process Store. All operations hold one mutex, which makes
// ClaimTask trivially atomic within the process.
type Memory struct {
	mu sync.Mutex

	contents  map[int64]domain.Content
	decisions map[int64]domain.Decision
	rules     map[int64]domain.Rule
	tasks     map[int64]domain.Task
	active    map[string]int64 // dedup key -> task id
	ledger    map[pushKey]domain.PushedRecord

	ruleSeq int64
	taskSeq int64
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{
		contents:  map[int64]domain.Content{},
		decisions: map[int64]domain.Decision{},
		rules:     map[int64]domain.Rule{},
		tasks:     map[int64]domain.Task{},
		active:    map[string]int64{},
		ledger:    map[pushKey]domain.PushedRecord{},
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// ---- content ----

func (m *Memory) GetContent(_ context.Context, id int64) (domain.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contents[id]
	if !ok {
		return domain.Content{}, domain.ErrNotFound
	}
	return cloneContent(c), nil
}

func (m *Memory) PutContent(_ context.Context, c domain.Content) (domain.Content, error) {
	if c.ID <= 0 {
		return domain.Content{}, errInvalidContentID
	}
	c.NormalizeTags()
	now := time.Now()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.contents[c.ID]; ok {
		c.ReviewStatus = prev.ReviewStatus
		c.ReviewNote = prev.ReviewNote
		c.ReviewedAt = prev.ReviewedAt
		c.CreatedAt = prev.CreatedAt
	} else {
		c.ReviewStatus = domain.ReviewPending
		c.ReviewNote = ""
		c.ReviewedAt = time.Time{}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
	}
	m.contents[c.ID] = cloneContent(c)
	return c, nil
}

func (m *Memory) TransitionReview(_ context.Context, id int64, from, to domain.ReviewStatus, note string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contents[id]
	if !ok {
		return domain.ErrNotFound
	}
	if c.ReviewStatus != from {
		return domain.ErrInvalidTransition
	}
	c.ReviewStatus = to
	c.ReviewNote = note
	c.ReviewedAt = at
	m.contents[id] = c
	return nil
}

func (m *Memory) SaveDecision(_ context.Context, contentID int64, d domain.Decision) error {
	m.mu.Lock()
	m.decisions[contentID] = cloneDecision(d)
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadDecision(_ context.Context, contentID int64) (domain.Decision, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[contentID]
	if !ok {
		return domain.Decision{}, false, nil
	}
	return cloneDecision(d), true, nil
}

// ---- rules ----

func (m *Memory) ListEnabledRules(_ context.Context) ([]domain.Rule, error) {
	m.mu.Lock()
	out := make([]domain.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		if r.Enabled {
			out = append(out, cloneRule(r))
		}
	}
	m.mu.Unlock()
	SortRules(out)
	return out, nil
}

func (m *Memory) PutRule(_ context.Context, r domain.Rule) (domain.Rule, error) {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return domain.Rule{}, errRuleNameRequired
	}
	r.Name = name
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, prev := range m.rules {
		if prev.Name == name {
			r.ID = id
			r.CreatedAt = prev.CreatedAt
			r.UpdatedAt = now
			m.rules[id] = cloneRule(r)
			return r, nil
		}
	}
	m.ruleSeq++
	r.ID = m.ruleSeq
	r.CreatedAt = now
	r.UpdatedAt = now
	m.rules[r.ID] = cloneRule(r)
	return r, nil
}

// ---- tasks ----

func (m *Memory) CreateTask(_ context.Context, t domain.Task) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.DedupKey != "" && t.Status.Active() {
		if _, ok := m.active[t.DedupKey]; ok {
			return domain.Task{}, domain.ErrDuplicateTask
		}
	}
	m.taskSeq++
	t.ID = m.taskSeq
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	m.tasks[t.ID] = t
	if t.DedupKey != "" && t.Status.Active() {
		m.active[t.DedupKey] = t.ID
	}
	return t, nil
}

func (m *Memory) HasActiveTask(_ context.Context, dedupKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[dedupKey]
	return ok, nil
}

func (m *Memory) GetTask(_ context.Context, id int64) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (m *Memory) ClaimTask(_ context.Context, owner string, now time.Time) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *domain.Task
	for id := range m.tasks {
		t := m.tasks[id]
		if t.Status != domain.TaskPending || t.EligibleAt.After(now) {
			continue
		}
		if best == nil || claimBefore(t, *best) {
			cp := t
			best = &cp
		}
	}
	if best == nil {
		return domain.Task{}, domain.ErrNoTask
	}
	best.Status = domain.TaskRunning
	best.ClaimedBy = owner
	best.ClaimedAt = now
	best.UpdatedAt = now
	m.tasks[best.ID] = *best
	return *best, nil
}

// claimBefore orders eligible tasks: priority desc, eligible_at asc, id asc.
func claimBefore(a, b domain.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EligibleAt.Equal(b.EligibleAt) {
		return a.EligibleAt.Before(b.EligibleAt)
	}
	return a.ID < b.ID
}

func (m *Memory) finishLocked(id int64, status domain.TaskStatus, mut func(*domain.Task)) error {
	t, ok := m.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Status != domain.TaskRunning {
		return errNotRunning
	}
	t.Status = status
	if mut != nil {
		mut(&t)
	}
	if !status.Active() && t.DedupKey != "" && m.active[t.DedupKey] == id {
		delete(m.active, t.DedupKey)
	}
	if status == domain.TaskPending {
		t.ClaimedBy = ""
		t.ClaimedAt = time.Time{}
	}
	m.tasks[id] = t
	return nil
}

func (m *Memory) CompleteTask(_ context.Context, id int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishLocked(id, domain.TaskCompleted, func(t *domain.Task) { t.UpdatedAt = now })
}

func (m *Memory) FailTask(_ context.Context, id int64, retryCount int, lastErr string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishLocked(id, domain.TaskFailed, func(t *domain.Task) {
		t.RetryCount = retryCount
		t.LastError = lastErr
		t.UpdatedAt = now
	})
}

func (m *Memory) RetryTask(_ context.Context, id int64, retryCount int, lastErr string, eligibleAt, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishLocked(id, domain.TaskPending, func(t *domain.Task) {
		t.RetryCount = retryCount
		t.LastError = lastErr
		t.EligibleAt = eligibleAt
		t.UpdatedAt = now
	})
}

func (m *Memory) DeferTask(_ context.Context, id int64, eligibleAt, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishLocked(id, domain.TaskPending, func(t *domain.Task) {
		t.EligibleAt = eligibleAt
		t.UpdatedAt = now
	})
}

func (m *Memory) ReclaimStale(_ context.Context, claimedBefore, now time.Time) (int, []domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reclaimed := 0
	var failed []domain.Task
	for id, t := range m.tasks {
		if t.Status != domain.TaskRunning || !t.ClaimedAt.Before(claimedBefore) {
			continue
		}
		retry := t.RetryCount + 1
		if retry >= t.MaxRetries {
			_ = m.finishLocked(id, domain.TaskFailed, func(t *domain.Task) {
				t.RetryCount = retry
				t.LastError = leaseExpiredMsg
				t.UpdatedAt = now
			})
			failed = append(failed, m.tasks[id])
			continue
		}
		_ = m.finishLocked(id, domain.TaskPending, func(t *domain.Task) {
			t.RetryCount = retry
			t.LastError = leaseExpiredMsg
			t.EligibleAt = now
			t.UpdatedAt = now
		})
		reclaimed++
	}
	return reclaimed, failed, nil
}

func (m *Memory) OldestPending(_ context.Context, now time.Time) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest time.Time
	found := false
	for _, t := range m.tasks {
		if t.Status != domain.TaskPending || t.EligibleAt.After(now) {
			continue
		}
		if !found || t.EligibleAt.Before(oldest) {
			oldest = t.EligibleAt
			found = true
		}
	}
	return oldest, found, nil
}

func (m *Memory) CountTasks(_ context.Context) (map[domain.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[domain.TaskStatus]int{}
	for _, t := range m.tasks {
		out[t.Status]++
	}
	return out, nil
}

func (m *Memory) PruneFinished(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.Status.Active() || !t.UpdatedAt.Before(before) {
			continue
		}
		delete(m.tasks, id)
		n++
	}
	return n, nil
}

// ---- ledger ----

func (m *Memory) RecordPush(_ context.Context, r domain.PushedRecord) error {
	if r.PushedAt.IsZero() {
		r.PushedAt = time.Now()
	}
	k := pushKey{content: r.ContentID, target: r.TargetID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.ledger[k]; ok && prev.Status == domain.PushSuccess {
		return domain.ErrIdempotencyViolation
	}
	m.ledger[k] = r
	return nil
}

func (m *Memory) GetPush(_ context.Context, contentID int64, target string) (domain.PushedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.ledger[pushKey{content: contentID, target: target}]
	if !ok {
		return domain.PushedRecord{}, domain.ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListFailures(_ context.Context, target string, limit int) ([]domain.PushedRecord, error) {
	limit = clampLimit(limit)
	m.mu.Lock()
	out := make([]domain.PushedRecord, 0)
	for _, r := range m.ledger {
		if r.Status != domain.PushFailed {
			continue
		}
		if target != "" && r.TargetID != target {
			continue
		}
		out = append(out, r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PushedAt.Equal(out[j].PushedAt) {
			return out[i].PushedAt.After(out[j].PushedAt)
		}
		return out[i].ContentID > out[j].ContentID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Stats(_ context.Context, now time.Time) (domain.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := newStats()
	for _, c := range m.contents {
		st.ContentByReview[c.ReviewStatus]++
	}
	for _, r := range m.ledger {
		st.PushByStatus[r.Status]++
	}
	var oldest time.Time
	for _, t := range m.tasks {
		st.TasksByStatus[t.Status]++
		if t.Status == domain.TaskPending && !t.EligibleAt.After(now) {
			if oldest.IsZero() || t.EligibleAt.Before(oldest) {
				oldest = t.EligibleAt
			}
		}
	}
	if !oldest.IsZero() {
		st.OldestPending = now.Sub(oldest)
	}
	return st, nil
}

func cloneContent(c domain.Content) domain.Content {
	c.Tags = append([]string(nil), c.Tags...)
	if c.Attrs != nil {
		attrs := make(map[string]string, len(c.Attrs))
		for k, v := range c.Attrs {
			attrs[k] = v
		}
		c.Attrs = attrs
	}
	return c
}

func cloneRule(r domain.Rule) domain.Rule {
	r.MatchConditions = append([]string(nil), r.MatchConditions...)
	r.AutoApproveConditions = append([]string(nil), r.AutoApproveConditions...)
	r.Targets = append([]string(nil), r.Targets...)
	return r
}

func cloneDecision(d domain.Decision) domain.Decision {
	d.Dispatches = append([]domain.Dispatch(nil), d.Dispatches...)
	d.FilteredTargets = append([]string(nil), d.FilteredTargets...)
	return d
}
