package models

import "time"

// OperationKind identifies one logical remote call against the ledger.
type OperationKind string

const (
	OpAssociateToken       OperationKind = "associate_token"
	OpAuthorizeContract    OperationKind = "authorize_contract"
	OpCreateAccount        OperationKind = "create_account"
	OpCompleteRegistration OperationKind = "complete_registration"
	OpSetAdapterNFT        OperationKind = "set_adapter_nft"
	OpCreateSession        OperationKind = "create_session"
	OpEndSession           OperationKind = "end_session"
	OpDistributeReward     OperationKind = "distribute_reward"
	OpTransferNative       OperationKind = "transfer_native"
	OpCreateTopic          OperationKind = "create_topic"
	OpPublishMessage       OperationKind = "publish_message"
)

// OperationOutcome is the last observed result of an attempted remote call.
type OperationOutcome string

const (
	OutcomePending OperationOutcome = "pending"
	OutcomeSuccess OperationOutcome = "success"
	OutcomeFailure OperationOutcome = "failure"
	// OutcomeUnknown means the call may or may not have taken effect on the
	// ledger. The record must be reconciled before the owning session is
	// allowed to advance.
	OutcomeUnknown OperationOutcome = "unknown"
)

// OperationRecord is one entry of the append-only operation log. A record is
// written before every network attempt so a crash between submission and
// confirmation leaves a durable trail for reconciliation.
type OperationRecord struct {
	IdempotencyKey string           `db:"idempotency_key" json:"idempotency_key"`
	Kind           OperationKind    `db:"kind" json:"kind"`
	Contract       string           `db:"contract" json:"contract"`
	SessionID      string           `db:"session_id" json:"session_id,omitempty"`
	Account        string           `db:"account" json:"account,omitempty"`
	Attempts       int              `db:"attempts" json:"attempts"`
	QueryAttempts  int              `db:"query_attempts" json:"query_attempts"`
	Outcome        OperationOutcome `db:"outcome" json:"outcome"`
	Reason         string           `db:"reason" json:"reason,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// Final reports whether the outcome needs no further confirmation.
func (o OperationOutcome) Final() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}
