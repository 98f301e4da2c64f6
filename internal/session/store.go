package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/logger"
)

// ErrCallExists is returned when a call id already has a live session
var ErrCallExists = errors.New("call already has an active session")

// ErrNotFound is returned for unknown call ids
var ErrNotFound = errors.New("call session not found")

// Defaults for the history window and transcript cap
const (
	DefaultHistoryMaxTurns    = 20
	DefaultTranscriptMaxTurns = 500
)

// Limits bounds per-call memory
type Limits struct {
	HistoryMaxTurns    int
	TranscriptMaxTurns int
}

// Claimer reserves a call id across instances
type Claimer interface {
	Claim(ctx context.Context, callID string) (bool, error)
	Refresh(ctx context.Context, callID string) error
	Release(ctx context.Context, callID string) error
}

// Store maps call ids to live sessions
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	limits   Limits
	claimer  Claimer
	log      *zap.Logger
}

// Option customises a store
type Option func(*Store)

// WithClaimer enforces one live session per call id across instances
func WithClaimer(c Claimer) Option {
	return func(s *Store) { s.claimer = c }
}

// WithLogger sets the store logger
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// NewStore creates an empty store
func NewStore(limits Limits, opts ...Option) *Store {
	if limits.HistoryMaxTurns <= 0 {
		limits.HistoryMaxTurns = DefaultHistoryMaxTurns
	}
	if limits.TranscriptMaxTurns <= 0 {
		limits.TranscriptMaxTurns = DefaultTranscriptMaxTurns
	}
	s := &Store{
		sessions: make(map[string]*Session),
		limits:   limits,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a session for call. A second Create for a live id fails
// with ErrCallExists.
func (s *Store) Create(ctx context.Context, call Call, persona string) (*Session, error) {
	if call.ID == "" {
		return nil, fmt.Errorf("call id is required")
	}

	s.mu.Lock()
	if _, ok := s.sessions[call.ID]; ok {
		s.mu.Unlock()
		return nil, ErrCallExists
	}
	sess := newSession(call, persona, s.limits.HistoryMaxTurns, s.limits.TranscriptMaxTurns)
	s.sessions[call.ID] = sess
	s.mu.Unlock()

	if s.claimer == nil {
		return sess, nil
	}

	ok, err := s.claimer.Claim(ctx, call.ID)
	if err != nil {
		// Claim store unavailable: keep the local guarantee only.
		s.log.Warn("Call claim unavailable, continuing with local session",
			logger.CallID(call.ID),
			zap.Error(err))
		return sess, nil
	}
	if !ok {
		s.mu.Lock()
		delete(s.sessions, call.ID)
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: claimed by another instance", ErrCallExists)
	}
	return sess, nil
}

// Get returns the live session for id
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Touch refreshes the cross-instance claim for id
func (s *Store) Touch(ctx context.Context, id string) {
	if s.claimer == nil {
		return
	}
	if err := s.claimer.Refresh(ctx, id); err != nil {
		s.log.Debug("Call claim refresh failed", logger.CallID(id), zap.Error(err))
	}
}

// Remove deletes and returns the session so it can be flushed
func (s *Store) Remove(ctx context.Context, id string) (*Session, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if ok && s.claimer != nil {
		if err := s.claimer.Release(ctx, id); err != nil {
			s.log.Warn("Call claim release failed", logger.CallID(id), zap.Error(err))
		}
	}
	return sess, ok
}

// List returns live sessions ordered by start time
func (s *Store) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].call.StartedAt.Before(out[j].call.StartedAt)
	})
	return out
}

// Len returns the number of live sessions
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
