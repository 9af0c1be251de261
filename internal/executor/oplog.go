package executor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"chargehive/internal/models"
)

// ErrRecordNotFound indicates an unknown idempotency key.
var ErrRecordNotFound = errors.New("executor: operation record not found")

// OperationLog persists operation records. Records are appended before the
// network call is made; only the outcome fields are ever updated afterwards.
type OperationLog interface {
	Append(ctx context.Context, rec *models.OperationRecord) error
	Update(ctx context.Context, rec *models.OperationRecord) error
	Find(ctx context.Context, idempotencyKey string) (*models.OperationRecord, error)
	// FindOpen returns the most recent non-failed record for a session and
	// kind, so a resumed workflow reuses the original idempotency key.
	FindOpen(ctx context.Context, sessionID string, kind models.OperationKind) (*models.OperationRecord, error)
	ListUnknown(ctx context.Context, limit int) ([]models.OperationRecord, error)
	ListBySession(ctx context.Context, sessionID string) ([]models.OperationRecord, error)
}

// MemoryLog is an in-memory OperationLog for tests and non-durable runs.
type MemoryLog struct {
	mu      sync.RWMutex
	records map[string]*models.OperationRecord
	order   []string
}

// NewMemoryLog returns an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{records: make(map[string]*models.OperationRecord)}
}

// Append stores a new record keyed by idempotency key.
func (l *MemoryLog) Append(_ context.Context, rec *models.OperationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[rec.IdempotencyKey]; ok {
		return errors.New("executor: duplicate operation record")
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	stored := *rec
	l.records[rec.IdempotencyKey] = &stored
	l.order = append(l.order, rec.IdempotencyKey)
	return nil
}

// Update replaces the stored outcome fields.
func (l *MemoryLog) Update(_ context.Context, rec *models.OperationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, ok := l.records[rec.IdempotencyKey]
	if !ok {
		return ErrRecordNotFound
	}
	stored.Attempts = rec.Attempts
	stored.QueryAttempts = rec.QueryAttempts
	stored.Outcome = rec.Outcome
	stored.Reason = rec.Reason
	stored.UpdatedAt = time.Now().UTC()
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

// Find returns a copy of the record for the key.
func (l *MemoryLog) Find(_ context.Context, idempotencyKey string) (*models.OperationRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stored, ok := l.records[idempotencyKey]
	if !ok {
		return nil, ErrRecordNotFound
	}
	out := *stored
	return &out, nil
}

// FindOpen returns the latest non-failed record for the session and kind.
func (l *MemoryLog) FindOpen(_ context.Context, sessionID string, kind models.OperationKind) (*models.OperationRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.order) - 1; i >= 0; i-- {
		rec := l.records[l.order[i]]
		if rec.SessionID == sessionID && rec.Kind == kind && rec.Outcome != models.OutcomeFailure {
			out := *rec
			return &out, nil
		}
	}
	return nil, ErrRecordNotFound
}

// ListUnknown returns records awaiting reconciliation, oldest first.
func (l *MemoryLog) ListUnknown(_ context.Context, limit int) ([]models.OperationRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.OperationRecord
	for _, key := range l.order {
		rec := l.records[key]
		if rec.Outcome == models.OutcomeUnknown {
			out = append(out, *rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListBySession returns every record linked to the session, oldest first.
func (l *MemoryLog) ListBySession(_ context.Context, sessionID string) ([]models.OperationRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.OperationRecord
	for _, key := range l.order {
		rec := l.records[key]
		if rec.SessionID == sessionID {
			out = append(out, *rec)
		}
	}
	return out, nil
}
