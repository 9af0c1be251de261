// Package cache mirrors open sessions into redis for quick lookup and live
// energy tracking.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chargehive/internal/models"
)

// ErrNotCached indicates the session has no cache entry.
var ErrNotCached = errors.New("cache: session not cached")

// OpenSession is the cached view of an in-flight session.
type OpenSession struct {
	SessionID   string `json:"session_id"`
	Participant string `json:"participant"`
	LedgerRef   string `json:"ledger_ref,omitempty"`
	LastEnergy  int64  `json:"last_energy"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Store manages the open-session cache.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore returns the redis-backed store.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func (s *Store) key(sessionID string) string {
	return fmt.Sprintf("sessions:open:%s", sessionID)
}

// Save caches the session. Satisfies the orchestrator's SessionCache hook.
func (s *Store) Save(ctx context.Context, session *models.Session) error {
	return s.put(ctx, OpenSession{
		SessionID:   session.ID,
		Participant: session.Participant,
		LedgerRef:   session.LedgerRef,
		UpdatedAt:   time.Now().Unix(),
	})
}

// Get returns the cached session.
func (s *Store) Get(ctx context.Context, sessionID string) (*OpenSession, error) {
	result, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, err
	}
	var cached OpenSession
	if err := json.Unmarshal([]byte(result), &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

// RecordEnergy updates the last metered reading for a cached session.
// Satisfies the heartbeat monitor's EnergyRecorder.
func (s *Store) RecordEnergy(ctx context.Context, sessionID string, energy int64) error {
	cached, err := s.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotCached) {
			return nil
		}
		return err
	}
	cached.LastEnergy = energy
	cached.UpdatedAt = time.Now().Unix()
	return s.put(ctx, *cached)
}

// Delete evicts the session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.key(sessionID)).Err()
}

func (s *Store) put(ctx context.Context, cached OpenSession) error {
	data, err := json.Marshal(cached)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(cached.SessionID), data, s.ttl).Err()
}
