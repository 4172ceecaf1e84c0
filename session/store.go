// Package session keeps one Agent per client session.
//
// Sessions are created on first contact and live in memory until Close is
// called or, when an idle TTL is configured, until Sweep finds them idle. With
// the default TTL of zero they never expire.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ochat/agent"
	"ochat/config"
)

type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.ID)
}

type Session struct {
	ID      string
	Agent   *agent.Agent
	Created time.Time

	mu       sync.Mutex
	lastUsed time.Time
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsed = now
	s.mu.Unlock()
}

func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Factory builds the agent for a new session.
type Factory func(id string) (*agent.Agent, error)

type Store struct {
	factory Factory
	ttl     time.Duration
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

type Option func(*Store)

// WithIdleTTL expires sessions unused for ttl. Zero disables expiry.
func WithIdleTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

func withClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(factory Factory, opts ...Option) *Store {
	s := &Store{
		factory:  factory,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create returns the session for id, creating it if needed. An empty id gets
// a fresh UUID.
func (s *Store) Create(id string) (*Session, error) {
	if id == "" {
		id = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if sess, ok := s.sessions[id]; ok {
		sess.touch(now)
		return sess, nil
	}

	a, err := s.factory(id)
	if err != nil {
		return nil, fmt.Errorf("failed to create session %s: %w", id, err)
	}
	sess := &Session{ID: id, Agent: a, Created: now, lastUsed: now}
	s.sessions[id] = sess

	config.DebugLog.Debug().Str("session", id).Msg("session created")
	return sess, nil
}

// Get looks up a session and marks it used.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	sess.touch(s.now())
	return sess, nil
}

func (s *Store) Close(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return &NotFoundError{ID: id}
	}
	delete(s.sessions, id)

	config.DebugLog.Debug().Str("session", id).Msg("session closed")
	return nil
}

// List returns the ids of all live sessions, sorted.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep removes sessions idle for longer than the TTL and returns their ids.
func (s *Store) Sweep(now time.Time) []string {
	if s.ttl <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, sess := range s.sessions {
		if now.Sub(sess.LastUsed()) > s.ttl {
			delete(s.sessions, id)
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)

	if len(expired) > 0 {
		config.DebugLog.Debug().Strs("sessions", expired).Msg("expired idle sessions")
	}
	return expired
}

// Run sweeps periodically until ctx is done. It returns immediately when no
// TTL is configured.
func (s *Store) Run(ctx context.Context) error {
	if s.ttl <= 0 {
		return nil
	}

	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}
