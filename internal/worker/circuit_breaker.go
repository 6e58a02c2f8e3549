package worker

import (
	"strings"
	"sync"
	"time"
)

// circuitState tracks consecutive transient failures for one target.
//
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// get returns the state for key. The caller holds s.mu.
func (s *circuitStore) get(key string) *circuitState {
	k := strings.TrimSpace(key)
	if k == "" {
		return nil
	}
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[k]
	if st == nil {
		st = &circuitState{}
		s.m[k] = st
	}
	return st
}

// circuitCfg holds effective settings after applying defaults.
type circuitCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

func effectiveCircuitCfg(cfg Config) circuitCfg {
	if cfg.CircuitTripFailures < 0 {
		return circuitCfg{enabled: false}
	}
	cfg = cfg.withDefaults()
	return circuitCfg{
		trip:       cfg.CircuitTripFailures,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
		enabled:    true,
	}
}

func (st *circuitState) maybeReset(now time.Time, cc circuitCfg) {
	if !st.lastFailure.IsZero() && cc.resetAfter > 0 && now.Sub(st.lastFailure) > cc.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (s *Service) circuitIsOpen(now time.Time, target string, cfg Config) (bool, time.Time) {
	cc := effectiveCircuitCfg(cfg)
	if !cc.enabled {
		return false, time.Time{}
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	st := s.circuits.get(target)
	if st == nil {
		return false, time.Time{}
	}
	st.maybeReset(now, cc)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// circuitRecordResult counts a transient failure (failed=true) or resets
// the target on success. It reports whether this failure opened the circuit.
func (s *Service) circuitRecordResult(now time.Time, target string, cfg Config, failed bool) bool {
	cc := effectiveCircuitCfg(cfg)
	if !cc.enabled {
		return false
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	st := s.circuits.get(target)
	if st == nil {
		return false
	}
	st.maybeReset(now, cc)

	if !failed {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return false
	}

	st.fails++
	st.lastFailure = now
	if st.fails < cc.trip {
		return false
	}

	// Exponential cooldown after tripping.
	d := cc.baseDelay
	for i := 0; i < st.fails-cc.trip; i++ {
		d *= 2
		if d >= cc.maxDelay {
			break
		}
	}
	if d > cc.maxDelay {
		d = cc.maxDelay
	}
	st.openUntil = now.Add(d)
	return st.fails == cc.trip
}

func (s *Service) circuitSnapshot(now time.Time) (total, open int) {
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	total = len(s.circuits.m)
	for _, st := range s.circuits.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
