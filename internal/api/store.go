package api

import (
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/meshdecode/internal/decode"
	"github.com/samcharles93/meshdecode/internal/logits"
)

type sessionRecord struct {
	ID        string
	Session   *decode.Session
	Sampler   *logits.Sampler
	CreatedAt time.Time
}

func (r *sessionRecord) response() SessionResponse {
	resp := SessionResponse{
		ID:        r.ID,
		Object:    "session",
		CreatedAt: r.CreatedAt.Unix(),
		State:     r.Session.State(),
		Position:  r.Session.Position(),
		Sampler:   r.Sampler.Config(),
		Stats:     r.Session.Stats(),
	}
	if err := r.Session.Err(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// SessionStore indexes live sessions by id.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionRecord
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*sessionRecord),
	}
}

func (s *SessionStore) Add(sess *decode.Session, sampler *logits.Sampler, now time.Time) *sessionRecord {
	rec := &sessionRecord{
		ID:        newSessionID(),
		Session:   sess,
		Sampler:   sampler,
		CreatedAt: now,
	}
	s.mu.Lock()
	s.sessions[rec.ID] = rec
	s.mu.Unlock()
	return rec
}

func (s *SessionStore) Get(id string) (*sessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	return rec, ok
}

// Delete removes the session and closes it.
func (s *SessionStore) Delete(id string) (bool, error) {
	s.mu.Lock()
	rec, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, rec.Session.Close()
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close closes and forgets every session.
func (s *SessionStore) Close() error {
	s.mu.Lock()
	recs := slices.Collect(maps.Values(s.sessions))
	clear(s.sessions)
	s.mu.Unlock()

	var errs []error
	for _, r := range recs {
		errs = append(errs, r.Session.Close())
	}
	return errors.Join(errs...)
}

func newSessionID() string {
	return "sess_" + uuid.NewString()
}
