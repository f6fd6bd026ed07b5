package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/loanlens/internal/idgen"
	"github.com/mbd888/loanlens/internal/patterns"
	"github.com/mbd888/loanlens/internal/scoring"
)

// DefaultIdleTimeout is how long a session may sit untouched before the
// store evicts it.
const DefaultIdleTimeout = 30 * time.Minute

// Eviction reasons passed to the OnEvict hook.
const (
	EvictIdle   = "idle"
	EvictClosed = "closed"
)

// Store is the process-wide registry of live sessions. It is created by
// the entry point and passed to whoever needs it.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Machine

	rules       *LoanConfig
	detector    *patterns.Detector
	acc         *scoring.Accumulator
	idleTimeout time.Duration
	now         func() time.Time
	onEvict     func(id, reason string)
}

// Option configures a Store.
type Option func(*Store)

// WithIdleTimeout sets the idle eviction threshold.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

// WithClock overrides the time source for every session (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithScoring overrides the accumulator weighting.
func WithScoring(cfg scoring.Config) Option {
	return func(s *Store) { s.acc = scoring.NewAccumulator(cfg) }
}

// OnEvict registers a hook called after a session is removed.
func OnEvict(fn func(id, reason string)) Option {
	return func(s *Store) { s.onEvict = fn }
}

// NewStore creates an empty store.
func NewStore(rules *LoanConfig, detector *patterns.Detector, opts ...Option) *Store {
	s := &Store{
		sessions:    make(map[string]*Machine),
		rules:       rules,
		detector:    detector,
		acc:         scoring.NewAccumulator(scoring.DefaultConfig()),
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates p, builds a machine and starts it. Nothing is stored
// when validation fails.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Machine, error) {
	params, juris, err := s.rules.ValidateParams(LoanParams{
		Amount:       p.Amount,
		TermDays:     p.TermDays,
		Jurisdiction: p.Jurisdiction,
	})
	if err != nil {
		return nil, err
	}

	m := newMachine(idgen.Session(), params, juris, p, s)
	if _, err := m.Start(ctx); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	s.mu.Lock()
	s.sessions[m.ID()] = m
	s.mu.Unlock()
	return m, nil
}

// Get returns the machine for id and marks it active.
func (s *Store) Get(id string) (*Machine, error) {
	s.mu.RLock()
	m, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	m.touch()
	return m, nil
}

// Close removes a session explicitly.
func (s *Store) Close(id string) error {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.onEvict != nil {
		s.onEvict(id, EvictClosed)
	}
	return nil
}

// EvictIdle removes sessions idle for at least the timeout and returns
// their ids, sorted.
func (s *Store) EvictIdle(now time.Time) []string {
	var evicted []string
	s.mu.Lock()
	for id, m := range s.sessions {
		if now.Sub(m.LastActive()) >= s.idleTimeout {
			delete(s.sessions, id)
			evicted = append(evicted, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(evicted)
	if s.onEvict != nil {
		for _, id := range evicted {
			s.onEvict(id, EvictIdle)
		}
	}
	return evicted
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// IDs returns the live session ids, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// IdleTimeout returns the configured eviction threshold.
func (s *Store) IdleTimeout() time.Duration { return s.idleTimeout }

// Rules returns the loan-term configuration sessions are priced with.
func (s *Store) Rules() *LoanConfig { return s.rules }

// Registry returns the pattern registry the detector matches against.
func (s *Store) Registry() *patterns.Registry { return s.detector.Registry() }
