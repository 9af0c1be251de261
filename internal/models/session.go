package models

import "time"

// SessionStatus is the lifecycle state of a charging or parking session.
type SessionStatus string

const (
	SessionOpening           SessionStatus = "opening"
	SessionOpen              SessionStatus = "open"
	SessionClosing           SessionStatus = "closing"
	SessionClosed            SessionStatus = "closed"
	SessionRewardCalculated  SessionStatus = "reward_calculated"
	SessionRewardDistributed SessionStatus = "reward_distributed"
	SessionFailed            SessionStatus = "failed"
)

// Valid reports whether the status is part of the session lifecycle.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionOpening, SessionOpen, SessionClosing, SessionClosed,
		SessionRewardCalculated, SessionRewardDistributed, SessionFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no forward transition leaves the status.
func (s SessionStatus) Terminal() bool {
	return s == SessionRewardDistributed || s == SessionFailed
}

// CanTransitionTo reports whether a forward transition from s to next is
// allowed. Any non-terminal status may transition to Failed. Recovery out of
// Failed is handled separately by the registry and is not a forward
// transition.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if next == SessionFailed {
		return !s.Terminal()
	}
	switch s {
	case SessionOpening:
		return next == SessionOpen
	case SessionOpen:
		return next == SessionClosing
	case SessionClosing:
		return next == SessionClosed
	case SessionClosed:
		return next == SessionRewardCalculated
	case SessionRewardCalculated:
		return next == SessionRewardDistributed
	default:
		return false
	}
}

// Session is the registry's record of one metered usage session. The
// canonical id is application-chosen; LedgerRef carries whatever identifier
// the ledger-side contract assigned.
type Session struct {
	ID          string        `db:"id" json:"id"`
	Participant string        `db:"participant" json:"participant"`
	SpotBooker  string        `db:"spot_booker" json:"spot_booker"`
	LedgerRef   string        `db:"ledger_ref" json:"ledger_ref,omitempty"`
	Status      SessionStatus `db:"status" json:"status"`
	StartTime   time.Time     `db:"start_time" json:"start_time"`
	EndTime     *time.Time    `db:"end_time" json:"end_time,omitempty"`
	Quantity    int64         `db:"quantity" json:"quantity"`
	Params      ProgramParams `db:"-" json:"params"`
	Reward      *int64        `db:"reward" json:"reward,omitempty"`
	FailReason  string        `db:"fail_reason" json:"fail_reason,omitempty"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
}

// RewardAmount returns the computed reward, or zero when not yet calculated.
func (s *Session) RewardAmount() int64 {
	if s.Reward == nil {
		return 0
	}
	return *s.Reward
}

// StatusChange is one entry of a session's append-only status history.
type StatusChange struct {
	SessionID  string        `db:"session_id" json:"session_id"`
	From       SessionStatus `db:"from_status" json:"from"`
	To         SessionStatus `db:"to_status" json:"to"`
	Reason     string        `db:"reason" json:"reason,omitempty"`
	RecordedAt time.Time     `db:"recorded_at" json:"recorded_at"`
}
