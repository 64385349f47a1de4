package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a session id is unknown to a store.
var ErrNotFound = errors.New("session not found")

// Store persists in-flight sessions.
type Store interface {
	Save(ctx context.Context, s *Session) (err error)
	Load(ctx context.Context, id string) (s *Session, err error)
	Delete(ctx context.Context, id string) (err error)
}

// MemoryStore keeps sessions in process memory. Saved and loaded sessions are
// deep copies so callers never share draft state.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() (store *MemoryStore) {
	store = &MemoryStore{
		sessions: make(map[string]*Session),
	}
	return store
}

// Save stores a copy of s.
func (m *MemoryStore) Save(ctx context.Context, s *Session) (err error) {
	if s == nil || s.ID == "" {
		err = errors.New("session id is required")
		return err
	}

	var clone *Session
	clone, err = s.Clone()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.sessions[s.ID] = clone
	m.mu.Unlock()

	return err
}

// Load returns a copy of the stored session.
func (m *MemoryStore) Load(ctx context.Context, id string) (s *Session, err error) {
	m.mu.RLock()
	stored, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		err = errors.Wrapf(ErrNotFound, "session %s", id)
		return s, err
	}

	s, err = stored.Clone()
	return s, err
}

// Delete removes a session. Deleting an unknown id is not an error.
func (m *MemoryStore) Delete(ctx context.Context, id string) (err error) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return err
}
