// Package ratelimit defers dispatches that exceed a rule's per-target budget.
//
// Counters are fixed windows keyed by (rule, target). A window opens at the
// first admission after the previous one closed. Admissions beyond the limit
// are pushed into later windows; nothing is ever rejected.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// WindowStore holds window counters. Implementations must make Reserve
// atomic per key.
type WindowStore interface {
	// Reserve admits one event for key and returns the time it may run.
	Reserve(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (time.Time, error)
}

// Key names the counter for a (rule, target) pair.
func Key(ruleID int64, target string) string {
	return fmt.Sprintf("rule:%d:target:%s", ruleID, target)
}

// Limiter applies per-dispatch budgets on top of a WindowStore.
type Limiter struct {
	store WindowStore
}

func New(store WindowStore) *Limiter {
	if store == nil {
		store = NewMemory()
	}
	return &Limiter{store: store}
}

// Reserve returns when a dispatch for (ruleID, target) may run. A
// non-positive limit or window means unlimited.
func (l *Limiter) Reserve(ctx context.Context, ruleID int64, target string, limit int, window time.Duration, now time.Time) (time.Time, error) {
	if limit <= 0 || window <= 0 {
		return now, nil
	}
	at, err := l.store.Reserve(ctx, Key(ruleID, target), limit, window, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("reserve %s: %w", Key(ruleID, target), err)
	}
	if at.Before(now) {
		at = now
	}
	return at, nil
}

// window is one counter: start of the first open window and the number of
// admissions since then.
type window struct {
	start time.Time
	count int
	end   time.Time // close of the last used slot
}

// reserve advances w by one admission and returns its slot time.
//
// Slot k (0-based) covers [start+k*window, start+(k+1)*window) and holds
// limit admissions. A window that has passed without using its slots
// cannot be filled retroactively, so count jumps to the current slot.
func (w *window) reserve(limit int, d time.Duration, now time.Time) time.Time {
	slots := int(math.Ceil(float64(w.count) / float64(limit)))
	if w.start.IsZero() || !now.Before(w.start.Add(time.Duration(slots)*d)) {
		w.start = now
		w.count = 0
	}
	idx := int(now.Sub(w.start) / d)
	if w.count < idx*limit {
		w.count = idx * limit
	}
	slot := w.count / limit
	w.count++
	w.end = w.start.Add(time.Duration(slot+1) * d)
	at := w.start.Add(time.Duration(slot) * d)
	if at.Before(now) {
		at = now
	}
	return at
}

// Memory is an in-process WindowStore.
type Memory struct {
	mu sync.Mutex
	m  map[string]*window
}

func NewMemory() *Memory { return &Memory{m: map[string]*window{}} }

func (s *Memory) Reserve(_ context.Context, key string, limit int, d time.Duration, now time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.m[key]
	if w == nil {
		w = &window{}
		s.m[key] = w
	}
	return w.reserve(limit, d, now), nil
}

// Len reports the number of tracked keys.
func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// Sweep drops counters whose slots have all closed.
func (s *Memory) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, w := range s.m {
		if !now.Before(w.end) {
			delete(s.m, k)
			n++
		}
	}
	return n
}
