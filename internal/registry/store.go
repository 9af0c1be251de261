package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"chargehive/internal/models"
)

// ErrSessionNotFound indicates an unknown session id.
var ErrSessionNotFound = errors.New("registry: session not found")

// Store persists sessions and their append-only status history. Mutations
// happen only through the Registry, which enforces the state machine.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	AppendHistory(ctx context.Context, change models.StatusChange) error
	ListByStatus(ctx context.Context, status models.SessionStatus, limit int) ([]models.Session, error)
	History(ctx context.Context, sessionID string) ([]models.StatusChange, error)
}

// MemoryStore is an in-memory Store for tests and non-durable runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	history  map[string][]models.StatusChange
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		history:  make(map[string][]models.StatusChange),
	}
}

// Create stores a new session.
func (s *MemoryStore) Create(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return errors.New("registry: duplicate session id")
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	stored := *session
	s.sessions[session.ID] = &stored
	return nil
}

// Get returns a copy of the session.
func (s *MemoryStore) Get(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := *stored
	return &out, nil
}

// Update replaces the stored session.
func (s *MemoryStore) Update(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; !ok {
		return ErrSessionNotFound
	}
	session.UpdatedAt = time.Now().UTC()
	stored := *session
	s.sessions[session.ID] = &stored
	return nil
}

// AppendHistory records one status change.
func (s *MemoryStore) AppendHistory(_ context.Context, change models.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[change.SessionID] = append(s.history[change.SessionID], change)
	return nil
}

// ListByStatus returns sessions in the given status.
func (s *MemoryStore) ListByStatus(_ context.Context, status models.SessionStatus, limit int) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Session
	for _, session := range s.sessions {
		if session.Status == status {
			out = append(out, *session)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// History returns the recorded status changes for a session.
func (s *MemoryStore) History(_ context.Context, sessionID string) ([]models.StatusChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	changes := s.history[sessionID]
	out := make([]models.StatusChange, len(changes))
	copy(out, changes)
	return out, nil
}
