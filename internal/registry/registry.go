// Package registry is the single source of truth for session lifecycle
// state. Every mutator enforces the state machine and rejects out-of-order
// calls with ErrStateConflict instead of coercing state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chargehive/internal/locking"
	"chargehive/internal/models"
)

// ErrStateConflict indicates a call that would violate session ordering.
var ErrStateConflict = errors.New("registry: state conflict")

// statusRank orders the forward lifecycle for recovery checks.
var statusRank = map[models.SessionStatus]int{
	models.SessionOpening:           0,
	models.SessionOpen:              1,
	models.SessionClosing:           2,
	models.SessionClosed:            3,
	models.SessionRewardCalculated:  4,
	models.SessionRewardDistributed: 5,
}

// Registry mediates all session mutations. A per-session mutex serializes
// concurrent workflows on the same id so two settle calls cannot both pass
// the not-yet-distributed check.
type Registry struct {
	store  Store
	logger *zap.Logger
	locks  *locking.Keyed
}

// New builds a registry over the store.
func New(store Store, logger *zap.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		locks:  locking.NewKeyed(),
	}
}

// Acquire takes the per-session lock and returns its release func. The
// orchestrator holds it across a whole workflow step so the check-then-act
// sequence around remote calls is atomic per session.
func (r *Registry) Acquire(sessionID string) func() {
	return r.locks.Acquire(sessionID)
}

// Open creates a new session in Opening state with a fresh application
// id and the program parameter snapshot.
func (r *Registry) Open(ctx context.Context, participant, spotBooker string, start time.Time, params models.ProgramParams) (*models.Session, error) {
	session := &models.Session{
		ID:          uuid.NewString(),
		Participant: participant,
		SpotBooker:  spotBooker,
		Status:      models.SessionOpening,
		StartTime:   start.UTC(),
		Params:      params,
	}
	if err := r.store.Create(ctx, session); err != nil {
		return nil, err
	}
	if err := r.store.AppendHistory(ctx, models.StatusChange{
		SessionID:  session.ID,
		To:         models.SessionOpening,
		RecordedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	return session, nil
}

// ConfirmOpen transitions Opening -> Open once create-session is confirmed.
func (r *Registry) ConfirmOpen(ctx context.Context, id, ledgerRef string) (*models.Session, error) {
	return r.transition(ctx, id, models.SessionOpen, "create-session confirmed", func(s *models.Session) {
		if ledgerRef != "" {
			s.LedgerRef = ledgerRef
		}
	})
}

// Close transitions Open -> Closing and records the metered quantity.
func (r *Registry) Close(ctx context.Context, id string, quantity int64) (*models.Session, error) {
	if quantity < 0 {
		return nil, fmt.Errorf("%w: negative metered quantity", ErrStateConflict)
	}
	return r.transition(ctx, id, models.SessionClosing, "end-session submitted", func(s *models.Session) {
		s.Quantity = quantity
	})
}

// ConfirmClose transitions Closing -> Closed once end-session is confirmed.
func (r *Registry) ConfirmClose(ctx context.Context, id string, endTime time.Time) (*models.Session, error) {
	return r.transition(ctx, id, models.SessionClosed, "end-session confirmed", func(s *models.Session) {
		end := endTime.UTC()
		s.EndTime = &end
	})
}

// RecordReward transitions Closed -> RewardCalculated with the computed
// amount. Calling it on a session already RewardDistributed is a no-op
// returning the terminal state, so retried callers are harmless.
func (r *Registry) RecordReward(ctx context.Context, id string, amount int64) (*models.Session, error) {
	release := r.Acquire(id)
	defer release()

	session, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status == models.SessionRewardDistributed {
		return session, nil
	}
	if session.Status == models.SessionRewardCalculated && session.RewardAmount() == amount {
		return session, nil
	}
	return r.apply(ctx, session, models.SessionRewardCalculated, "reward calculated", func(s *models.Session) {
		s.Reward = &amount
	})
}

// MarkDistributed transitions RewardCalculated -> RewardDistributed. Once
// terminal, repeated calls return the existing state unchanged.
func (r *Registry) MarkDistributed(ctx context.Context, id string) (*models.Session, error) {
	release := r.Acquire(id)
	defer release()

	session, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status == models.SessionRewardDistributed {
		return session, nil
	}
	return r.apply(ctx, session, models.SessionRewardDistributed, "payout confirmed", nil)
}

// MarkFailed moves the session to Failed with the reason retained for
// inspection. Terminal, except for the reconciliation recovery path.
func (r *Registry) MarkFailed(ctx context.Context, id, reason string) (*models.Session, error) {
	release := r.Acquire(id)
	defer release()

	session, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status == models.SessionFailed {
		return session, nil
	}
	return r.apply(ctx, session, models.SessionFailed, reason, func(s *models.Session) {
		s.FailReason = reason
	})
}

// Recover is the reconciliation path: it sets the status implied by a
// confirmed ledger outcome. It never moves a session backwards and never
// touches a session already RewardDistributed.
func (r *Registry) Recover(ctx context.Context, id string, confirmed models.SessionStatus, reason string, mutate func(*models.Session)) (*models.Session, error) {
	rank, ok := statusRank[confirmed]
	if !ok {
		return nil, fmt.Errorf("%w: cannot recover to %s", ErrStateConflict, confirmed)
	}

	release := r.Acquire(id)
	defer release()

	session, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status == models.SessionRewardDistributed {
		return session, nil
	}
	if current, ok := statusRank[session.Status]; ok && current >= rank {
		return session, nil
	}
	return r.applyRecovery(ctx, session, confirmed, reason, func(s *models.Session) {
		s.FailReason = ""
		if mutate != nil {
			mutate(s)
		}
	})
}

// Get returns the session.
func (r *Registry) Get(ctx context.Context, id string) (*models.Session, error) {
	return r.store.Get(ctx, id)
}

// History returns the session's recorded status changes.
func (r *Registry) History(ctx context.Context, id string) ([]models.StatusChange, error) {
	return r.store.History(ctx, id)
}

// ListByStatus returns sessions in the given status.
func (r *Registry) ListByStatus(ctx context.Context, status models.SessionStatus, limit int) ([]models.Session, error) {
	return r.store.ListByStatus(ctx, status, limit)
}

func (r *Registry) transition(ctx context.Context, id string, to models.SessionStatus, reason string, mutate func(*models.Session)) (*models.Session, error) {
	release := r.Acquire(id)
	defer release()

	session, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.apply(ctx, session, to, reason, mutate)
}

// apply performs one validated forward transition under the caller-held
// lock.
func (r *Registry) apply(ctx context.Context, session *models.Session, to models.SessionStatus, reason string, mutate func(*models.Session)) (*models.Session, error) {
	from := session.Status
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s -> %s for session %s", ErrStateConflict, from, to, session.ID)
	}
	return r.record(ctx, session, from, to, reason, mutate)
}

// applyRecovery skips the forward-transition check; the target status was
// confirmed against the ledger by the caller.
func (r *Registry) applyRecovery(ctx context.Context, session *models.Session, to models.SessionStatus, reason string, mutate func(*models.Session)) (*models.Session, error) {
	return r.record(ctx, session, session.Status, to, reason, mutate)
}

func (r *Registry) record(ctx context.Context, session *models.Session, from, to models.SessionStatus, reason string, mutate func(*models.Session)) (*models.Session, error) {
	session.Status = to
	if mutate != nil {
		mutate(session)
	}
	if err := r.store.Update(ctx, session); err != nil {
		return nil, err
	}
	if err := r.store.AppendHistory(ctx, models.StatusChange{
		SessionID:  session.ID,
		From:       from,
		To:         to,
		Reason:     reason,
		RecordedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	r.logger.Info("session transition",
		zap.String("session_id", session.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	return session, nil
}
