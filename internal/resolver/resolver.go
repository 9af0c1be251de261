// Package resolver determines which prerequisite ledger operations are
// outstanding for a requested action and orders them by dependency. It is a
// pure function over known account and program state; it performs no I/O.
// Idempotency keys are attached later by the orchestrator, which knows what
// was already submitted.
package resolver

import (
	"errors"
	"fmt"

	"chargehive/internal/ledger"
	"chargehive/internal/models"
)

// ErrUnsatisfiable means a prerequisite cannot be satisfied automatically,
// typically because credentials for the required role are not configured.
// Fatal configuration error: surfaced, never retried.
var ErrUnsatisfiable = errors.New("resolver: prerequisite unsatisfiable")

// Action is a requested high-level workflow step.
type Action string

const (
	ActionOnboard           Action = "onboard"
	ActionOpenSession       Action = "open_session"
	ActionDistributeReward  Action = "distribute_reward"
	ActionProvisionContract Action = "provision_contract"
)

// Program describes the deployed contract topology the resolver checks
// prerequisites against. All values come from configuration.
type Program struct {
	Contract        string
	TokenManager    string
	RewardTokenID   string
	OperatorAccount string
	// CanAssociate reports whether the operator holds delegated authority
	// to associate the reward token on behalf of participants.
	CanAssociate bool
	// CanAuthorize reports whether admin credentials for the token manager
	// are configured.
	CanAuthorize bool
}

// Request carries the state the resolver inspects. Account is nil when the
// address has never been enrolled.
type Request struct {
	Action   Action
	Address  string
	Account  *models.Account
	Metadata string
	// Target and FundAmount apply to ActionProvisionContract only.
	Target     string
	FundAmount int64
}

// Resolve returns the outstanding prerequisite operations in dependency
// order, deduplicated against prerequisites already satisfied. Returned
// operations carry no idempotency keys.
func Resolve(req Request, program Program) ([]ledger.Operation, error) {
	switch req.Action {
	case ActionOnboard, ActionOpenSession, ActionDistributeReward:
		return accountPrereqs(req, program)
	case ActionProvisionContract:
		return provisionPrereqs(req, program)
	default:
		return nil, fmt.Errorf("resolver: unknown action %q", req.Action)
	}
}

// accountPrereqs orders token association before registration, the way the
// program contract requires them.
func accountPrereqs(req Request, program Program) ([]ledger.Operation, error) {
	var ops []ledger.Operation

	associated := req.Account != nil && req.Account.HasToken(program.RewardTokenID)
	registered := req.Account != nil && req.Account.Registered

	if !associated {
		if !program.CanAssociate {
			return nil, fmt.Errorf("%w: token association for %s requires the participant key",
				ErrUnsatisfiable, req.Address)
		}
		ops = append(ops, ledger.AssociateTokenOp("", req.Address, program.RewardTokenID))
	}
	if !registered {
		ops = append(ops, ledger.CreateAccountOp("", program.Contract, req.Address, req.Metadata))
	}
	return ops, nil
}

// provisionPrereqs authorizes a newly deployed contract in the token manager
// and funds its operating balance.
func provisionPrereqs(req Request, program Program) ([]ledger.Operation, error) {
	if req.Target == "" {
		return nil, fmt.Errorf("%w: no target contract to provision", ErrUnsatisfiable)
	}
	if !program.CanAuthorize {
		return nil, fmt.Errorf("%w: authorizing %s requires token manager admin credentials",
			ErrUnsatisfiable, req.Target)
	}

	ops := []ledger.Operation{
		ledger.AuthorizeContractOp("", program.TokenManager, req.Target),
	}
	if req.FundAmount > 0 {
		ops = append(ops, ledger.TransferNativeOp("", program.OperatorAccount, req.Target, req.FundAmount))
	}
	return ops, nil
}
