// Package ledger adapts the external Ledger Service. The gateway is a black
// box: it owns accounts, tokens, contract execution and message topics. This
// package only submits operations, polls receipts and maps status codes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chargehive/internal/models"
)

// ReceiptStatus classifies a ledger receipt.
type ReceiptStatus string

const (
	// StatusSuccess is an explicit success receipt.
	StatusSuccess ReceiptStatus = "success"
	// StatusRejected is an explicit rejection. Resubmitting the same
	// operation will not help.
	StatusRejected ReceiptStatus = "rejected"
	// StatusUnknown means no finality receipt is available yet. The true
	// outcome must be resolved by reconciliation, not by guessing.
	StatusUnknown ReceiptStatus = "unknown"
)

// Receipt is the confirmed outcome of a submitted operation.
type Receipt struct {
	Status        ReceiptStatus `json:"status"`
	Code          string        `json:"code,omitempty"`
	SessionID     string        `json:"session_id,omitempty"`
	AmountPaid    int64         `json:"amount_paid,omitempty"`
	TopicID       string        `json:"topic_id,omitempty"`
	TopicSequence uint64        `json:"topic_sequence,omitempty"`
	ConsensusAt   time.Time     `json:"consensus_at,omitempty"`
}

// Operation describes one logical call to submit. The idempotency key is
// stable across retries: resubmitting with the same key is recognized by the
// gateway as the same operation, never a duplicate.
type Operation struct {
	Kind           models.OperationKind `json:"kind"`
	Contract       string               `json:"contract,omitempty"`
	IdempotencyKey string               `json:"idempotency_key"`
	Params         map[string]any       `json:"params,omitempty"`
}

// SessionSnapshot is the contract-side view of a session, used for
// reconciliation. Field set follows the getSessionDetails contract call.
type SessionSnapshot struct {
	SessionID        string `json:"session_id"`
	StartTimestamp   int64  `json:"start_timestamp"`
	EndTimestamp     int64  `json:"end_timestamp"`
	EnergyUsed       int64  `json:"energy_used"`
	Multiplier       int64  `json:"multiplier"`
	CalculatedReward int64  `json:"calculated_reward"`
	Active           bool   `json:"active"`
	TokenDistributed bool   `json:"token_distributed"`
	UserWallet       string `json:"user_wallet"`
	AdapterAddress   string `json:"adapter_address"`
}

// TopicMessage is one message read from a ledger topic stream.
type TopicMessage struct {
	TopicID  string `json:"topic_id"`
	Sequence uint64 `json:"sequence"`
	Payload  []byte `json:"payload"`
}

// ErrReceiptNotFound is returned by ReceiptByKey when the gateway has no
// record of the idempotency key. The submission never reached the ledger.
var ErrReceiptNotFound = errors.New("ledger: receipt not found")

// RejectionError carries the ledger's reason code for a definite rejection.
type RejectionError struct {
	Kind models.OperationKind
	Code string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("ledger: %s rejected: %s", e.Kind, e.Code)
}

// Gateway is the Ledger Service surface consumed by the orchestration.
// Submit blocks until a finality receipt is observed or ctx expires; on ctx
// expiry the operation's true outcome is unknown, not failed.
type Gateway interface {
	Submit(ctx context.Context, op Operation) (Receipt, error)

	// ReceiptByKey re-queries the finality receipt for a previously
	// submitted operation. Used by reconciliation.
	ReceiptByKey(ctx context.Context, idempotencyKey string) (Receipt, error)

	// QuerySessionDetails reads the contract-side session state.
	QuerySessionDetails(ctx context.Context, contract, sessionID string) (SessionSnapshot, error)
}

// AssociateTokenOp builds the token association operation for an account.
func AssociateTokenOp(key, account, tokenID string) Operation {
	return Operation{
		Kind:           models.OpAssociateToken,
		IdempotencyKey: key,
		Params:         map[string]any{"account": account, "token_id": tokenID},
	}
}

// AuthorizeContractOp authorizes target inside the manager contract.
func AuthorizeContractOp(key, managerContract, target string) Operation {
	return Operation{
		Kind:           models.OpAuthorizeContract,
		Contract:       managerContract,
		IdempotencyKey: key,
		Params:         map[string]any{"target": target},
	}
}

// CreateAccountOp registers an account in the program contract.
func CreateAccountOp(key, contract, account, metadata string) Operation {
	return Operation{
		Kind:           models.OpCreateAccount,
		Contract:       contract,
		IdempotencyKey: key,
		Params:         map[string]any{"account": account, "metadata": metadata},
	}
}

// CreateSessionOp opens a metered session on the contract.
func CreateSessionOp(key, contract, participant, spotBooker string, start, end int64) Operation {
	return Operation{
		Kind:           models.OpCreateSession,
		Contract:       contract,
		IdempotencyKey: key,
		Params: map[string]any{
			"participant": participant,
			"spot_booker": spotBooker,
			"start_time":  start,
			"end_time":    end,
		},
	}
}

// EndSessionOp closes the contract-side session with the metered quantity.
func EndSessionOp(key, contract, sessionID string, quantity int64) Operation {
	return Operation{
		Kind:           models.OpEndSession,
		Contract:       contract,
		IdempotencyKey: key,
		Params:         map[string]any{"session_id": sessionID, "quantity": quantity},
	}
}

// DistributeRewardOp pays out the reward for a closed session.
func DistributeRewardOp(key, contract, sessionID string) Operation {
	return Operation{
		Kind:           models.OpDistributeReward,
		Contract:       contract,
		IdempotencyKey: key,
		Params:         map[string]any{"session_id": sessionID},
	}
}

// TransferNativeOp funds an account or contract operating balance.
func TransferNativeOp(key, from, to string, amount int64) Operation {
	return Operation{
		Kind:           models.OpTransferNative,
		IdempotencyKey: key,
		Params:         map[string]any{"from": from, "to": to, "amount": amount},
	}
}

// CompleteRegistrationOp finishes adapter onboarding on the adapter
// contract, binding the user wallet to the adapter.
func CompleteRegistrationOp(key, contract, userWallet, memo string) Operation {
	return Operation{
		Kind:           models.OpCompleteRegistration,
		Contract:       contract,
		IdempotencyKey: key,
		Params:         map[string]any{"user_wallet": userWallet, "memo": memo},
	}
}

// SetAdapterNFTOp binds the adapter's NFT id on the adapter contract.
func SetAdapterNFTOp(key, contract, nftID string) Operation {
	return Operation{
		Kind:           models.OpSetAdapterNFT,
		Contract:       contract,
		IdempotencyKey: key,
		Params:         map[string]any{"nft_id": nftID},
	}
}

// CreateTopicOp provisions a new ledger topic. The receipt carries the
// assigned topic id.
func CreateTopicOp(key, memo string) Operation {
	return Operation{
		Kind:           models.OpCreateTopic,
		IdempotencyKey: key,
		Params:         map[string]any{"memo": memo},
	}
}

// PublishMessageOp submits a message to a ledger topic.
func PublishMessageOp(key, topicID string, payload []byte) Operation {
	return Operation{
		Kind:           models.OpPublishMessage,
		IdempotencyKey: key,
		Params:         map[string]any{"topic_id": topicID, "message": string(payload)},
	}
}
