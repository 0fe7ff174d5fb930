// Package memstore provides an in-memory implementation of runstate.Store.
// State does not survive a restart; suitable for dev/testing only.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/patrol/internal/runstate"
)

// Store holds pipeline state in memory behind a single mutex, which also
// serves as the serializing primitive for read-modify-write operations.
type Store struct {
	mu       sync.Mutex
	breaker  runstate.BreakerState
	alerted  map[string]time.Time
	hwm      time.Time
	leaseBy  string
	leaseEnd time.Time
	terminal map[string]string
	now      func() time.Time
}

// New initializes an empty in-memory Store.
func New() *Store {
	return &Store{
		alerted:  make(map[string]time.Time),
		terminal: make(map[string]string),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Breaker(_ context.Context) (runstate.BreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breaker, nil
}

func (s *Store) RecordFailure(_ context.Context, threshold int) (runstate.BreakerState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breaker.ConsecutiveFailures++
	opened := false
	if !s.breaker.Open && s.breaker.ConsecutiveFailures >= threshold {
		s.breaker.Open = true
		s.breaker.TransitionedAt = s.now()
		opened = true
	}
	return s.breaker, opened, nil
}

func (s *Store) RecordSuccess(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breaker.ConsecutiveFailures = 0
	return nil
}

func (s *Store) ResetBreaker(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breaker = runstate.BreakerState{TransitionedAt: s.now()}
	return nil
}

func (s *Store) LastAlerted(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.alerted[key]
	return t, ok, nil
}

func (s *Store) MarkAlerted(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerted[key] = at
	return nil
}

func (s *Store) HighWaterMark(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hwm, nil
}

func (s *Store) SetHighWaterMark(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hwm = t
	return nil
}

func (s *Store) AcquireLease(_ context.Context, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.leaseBy != "" && s.leaseBy != holder && now.Before(s.leaseEnd) {
		return false, nil
	}
	s.leaseBy = holder
	s.leaseEnd = now.Add(ttl)
	return true, nil
}

func (s *Store) ReleaseLease(_ context.Context, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leaseBy == holder {
		s.leaseBy = ""
		s.leaseEnd = time.Time{}
	}
	return nil
}

func (s *Store) TerminalOutcome(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.terminal[key]
	return out, ok, nil
}

func (s *Store) MarkTerminal(_ context.Context, key, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminal[key] = outcome
	return nil
}
