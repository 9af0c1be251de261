// Package orchestrator drives the end-to-end rewards workflow: onboard,
// open, close, settle. It sequences the precondition resolver, transaction
// executor, session registry and reward calculator, and re-checks durable
// state before every remote call so a crashed workflow can be resumed by
// re-invoking the same operation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chargehive/internal/executor"
	"chargehive/internal/ledger"
	"chargehive/internal/locking"
	"chargehive/internal/models"
	"chargehive/internal/registry"
	"chargehive/internal/resolver"
	"chargehive/internal/reward"
)

// Config carries the deployed program topology and economics. Everything
// here is injected at construction; nothing is hard-coded in logic.
type Config struct {
	ProgramContract string
	AdapterContract string
	TokenManager    string
	RewardTokenID   string
	OperatorAccount string
	CanAssociate    bool
	CanAuthorize    bool
	Params          models.ProgramParams
}

// SessionCache mirrors open sessions into a fast store. Best effort: cache
// failures are logged and never block the workflow.
type SessionCache interface {
	Save(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, sessionID string) error
}

// SettlementPublisher announces settled sessions, e.g. to a ledger topic.
// Best effort as well.
type SettlementPublisher interface {
	PublishSettlement(ctx context.Context, session *models.Session) error
}

// Orchestrator coordinates one program deployment. Safe for concurrent use;
// workflows on the same session are serialized by a per-session lock.
type Orchestrator struct {
	exec     *executor.Executor
	registry *registry.Registry
	accounts registry.AccountStore
	cfg      Config
	logger   *zap.Logger

	cache     SessionCache
	publisher SettlementPublisher

	locks *locking.Keyed
}

// New builds the orchestrator. cache and publisher may be nil.
func New(exec *executor.Executor, reg *registry.Registry, accounts registry.AccountStore, cfg Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		exec:     exec,
		registry: reg,
		accounts: accounts,
		cfg:      cfg,
		logger:   logger,
		locks:    locking.NewKeyed(),
	}
}

// WithCache attaches the open-session cache.
func (o *Orchestrator) WithCache(cache SessionCache) *Orchestrator {
	o.cache = cache
	return o
}

// WithPublisher attaches the settlement publisher.
func (o *Orchestrator) WithPublisher(p SettlementPublisher) *Orchestrator {
	o.publisher = p
	return o
}

// Registry exposes session lookups for the HTTP layer.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

func (o *Orchestrator) program() resolver.Program {
	return resolver.Program{
		Contract:        o.cfg.ProgramContract,
		TokenManager:    o.cfg.TokenManager,
		RewardTokenID:   o.cfg.RewardTokenID,
		OperatorAccount: o.cfg.OperatorAccount,
		CanAssociate:    o.cfg.CanAssociate,
		CanAuthorize:    o.cfg.CanAuthorize,
	}
}

// lock serializes workflows per session id. Kept separate from the
// registry's lock so workflow steps can call registry mutators on the same
// session without self-deadlock.
func (o *Orchestrator) lock(sessionID string) func() {
	return o.locks.Acquire(sessionID)
}

// Onboard associates the reward token and registers the account. Running it
// on an already onboarded account issues no ledger calls and returns the
// existing account.
func (o *Orchestrator) Onboard(ctx context.Context, address string, role models.Role, metadata string) (*models.Account, error) {
	account, err := o.loadAccount(ctx, address)
	if err != nil {
		return nil, err
	}

	ops, err := resolver.Resolve(resolver.Request{
		Action:   resolver.ActionOnboard,
		Address:  address,
		Account:  account,
		Metadata: metadata,
	}, o.program())
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		o.logger.Debug("account already onboarded", zap.String("address", address))
		return account, nil
	}

	if account == nil {
		account = &models.Account{Address: address, Role: role, Active: true}
		if err := o.accounts.Upsert(ctx, account); err != nil {
			return nil, err
		}
	}

	for _, op := range ops {
		op.IdempotencyKey = accountOpKey(op.Kind, address, o.cfg.RewardTokenID)
		if _, err := o.exec.Execute(ctx, op, "", address); err != nil {
			return nil, fmt.Errorf("onboard %s: %w", address, err)
		}
		switch op.Kind {
		case models.OpAssociateToken:
			if err := o.accounts.AddToken(ctx, address, o.cfg.RewardTokenID); err != nil {
				return nil, err
			}
			account.AssociatedTokens = append(account.AssociatedTokens, o.cfg.RewardTokenID)
		case models.OpCreateAccount:
			account.Registered = true
			if err := o.accounts.Upsert(ctx, account); err != nil {
				return nil, err
			}
		}
	}

	o.logger.Info("account onboarded", zap.String("address", address), zap.String("role", string(role)))
	return account, nil
}

// OnboardAdapter completes adapter registration on the adapter contract and
// binds its NFT id, mirroring the adapter onboarding flow of the program.
func (o *Orchestrator) OnboardAdapter(ctx context.Context, adapter, userWallet, nftID string) (*models.Account, error) {
	account, err := o.Onboard(ctx, adapter, models.RoleAdapter, "adapter onboarding")
	if err != nil {
		return nil, err
	}

	regOp := ledger.CompleteRegistrationOp(
		accountOpKey(models.OpCompleteRegistration, adapter, userWallet),
		o.cfg.AdapterContract, userWallet, "adapter onboarding")
	if _, err := o.exec.Execute(ctx, regOp, "", adapter); err != nil {
		return nil, fmt.Errorf("complete registration for %s: %w", adapter, err)
	}

	if nftID != "" {
		nftOp := ledger.SetAdapterNFTOp(
			accountOpKey(models.OpSetAdapterNFT, adapter, nftID),
			o.cfg.AdapterContract, nftID)
		if _, err := o.exec.Execute(ctx, nftOp, "", adapter); err != nil {
			return nil, fmt.Errorf("set adapter nft for %s: %w", adapter, err)
		}
		account.NFTMetadataURI = nftID
	}

	if err := o.accounts.Upsert(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// OpenSession onboards the participant if needed, submits create-session
// and registers the session as Open once the ledger confirms it.
func (o *Orchestrator) OpenSession(ctx context.Context, participant, spotBooker string) (*models.Session, error) {
	account, err := o.loadAccount(ctx, participant)
	if err != nil {
		return nil, err
	}
	ops, err := resolver.Resolve(resolver.Request{
		Action:  resolver.ActionOpenSession,
		Address: participant,
		Account: account,
	}, o.program())
	if err != nil {
		return nil, err
	}
	if len(ops) > 0 {
		if _, err := o.Onboard(ctx, participant, models.RoleParticipant, ""); err != nil {
			return nil, err
		}
	}

	start := time.Now().UTC()
	session, err := o.registry.Open(ctx, participant, spotBooker, start, o.cfg.Params)
	if err != nil {
		return nil, err
	}

	release := o.lock(session.ID)
	defer release()

	key, err := o.sessionOpKey(ctx, session.ID, models.OpCreateSession)
	if err != nil {
		return nil, err
	}
	op := ledger.CreateSessionOp(key, o.cfg.ProgramContract, participant, spotBooker, start.Unix(), 0)

	outcome, err := o.exec.Execute(ctx, op, session.ID, participant)
	if err != nil {
		return nil, o.failSession(ctx, session.ID, "create-session", err)
	}

	session, err = o.registry.ConfirmOpen(ctx, session.ID, outcome.Receipt.SessionID)
	if err != nil {
		return nil, err
	}
	o.cacheSave(ctx, session)

	o.logger.Info("session opened",
		zap.String("session_id", session.ID),
		zap.String("participant", participant),
		zap.String("ledger_ref", session.LedgerRef))
	return session, nil
}

// CloseSession submits end-session with the metered quantity and transitions
// the session to Closed. Re-invoking on an already closed session is a
// no-op; invoking with quantity 0 on a Closing session resumes with the
// recorded quantity.
func (o *Orchestrator) CloseSession(ctx context.Context, sessionID string, quantity int64) (*models.Session, error) {
	release := o.lock(sessionID)
	defer release()

	session, err := o.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case models.SessionClosed, models.SessionRewardCalculated, models.SessionRewardDistributed:
		return session, nil
	case models.SessionOpen:
		session, err = o.registry.Close(ctx, sessionID, quantity)
		if err != nil {
			return nil, err
		}
	case models.SessionClosing:
		// resuming a previously interrupted close
		if quantity == 0 {
			quantity = session.Quantity
		}
		if quantity != session.Quantity {
			return nil, fmt.Errorf("%w: close already submitted with quantity %d",
				registry.ErrStateConflict, session.Quantity)
		}
	default:
		return nil, fmt.Errorf("%w: cannot close session in status %s",
			registry.ErrStateConflict, session.Status)
	}

	key, err := o.sessionOpKey(ctx, sessionID, models.OpEndSession)
	if err != nil {
		return nil, err
	}
	op := ledger.EndSessionOp(key, o.cfg.ProgramContract, o.ledgerSessionID(session), quantity)

	if _, err := o.exec.Execute(ctx, op, sessionID, session.Participant); err != nil {
		return nil, o.failSession(ctx, sessionID, "end-session", err)
	}

	session, err = o.registry.ConfirmClose(ctx, sessionID, time.Now())
	if err != nil {
		return nil, err
	}
	o.cacheDelete(ctx, sessionID)

	o.logger.Info("session closed",
		zap.String("session_id", sessionID),
		zap.Int64("quantity", quantity))
	return session, nil
}

// SettleSession computes the reward, distributes the payout and marks the
// session RewardDistributed. Idempotent: a settled session is returned
// unchanged, and repeated or concurrent invocations cannot double-pay
// because the payout runs under the session lock with a reused idempotency
// key.
func (o *Orchestrator) SettleSession(ctx context.Context, sessionID string) (*models.Session, error) {
	release := o.lock(sessionID)
	defer release()

	session, err := o.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case models.SessionRewardDistributed:
		return session, nil
	case models.SessionClosed:
		amount, err := reward.Calculate(session.Quantity, session.Params)
		if err != nil {
			return nil, err
		}
		session, err = o.registry.RecordReward(ctx, sessionID, amount)
		if err != nil {
			return nil, err
		}
	case models.SessionRewardCalculated:
		// resume: reward already recorded
	default:
		return nil, fmt.Errorf("%w: cannot settle session in status %s",
			registry.ErrStateConflict, session.Status)
	}

	if err := o.checkPayoutPreconditions(ctx, session); err != nil {
		return nil, err
	}

	key, err := o.sessionOpKey(ctx, sessionID, models.OpDistributeReward)
	if err != nil {
		return nil, err
	}
	op := ledger.DistributeRewardOp(key, o.cfg.ProgramContract, o.ledgerSessionID(session))

	outcome, err := o.exec.Execute(ctx, op, sessionID, session.Participant)
	if err != nil {
		return nil, o.failSession(ctx, sessionID, "distribute-reward", err)
	}

	session, err = o.registry.MarkDistributed(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	o.logger.Info("reward distributed",
		zap.String("session_id", sessionID),
		zap.Int64("amount", session.RewardAmount()),
		zap.Int64("amount_paid", outcome.Receipt.AmountPaid))
	o.publishSettlement(ctx, session)
	return session, nil
}

// checkPayoutPreconditions enforces that the participant is registered and
// token-associated before any distribution is attempted, executing the
// missing prerequisites when the configuration allows it.
func (o *Orchestrator) checkPayoutPreconditions(ctx context.Context, session *models.Session) error {
	account, err := o.loadAccount(ctx, session.Participant)
	if err != nil {
		return err
	}
	ops, err := resolver.Resolve(resolver.Request{
		Action:  resolver.ActionDistributeReward,
		Address: session.Participant,
		Account: account,
	}, o.program())
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	_, err = o.Onboard(ctx, session.Participant, models.RoleParticipant, "")
	return err
}

// ProvisionContract authorizes a newly deployed contract in the token
// manager and funds its operating balance.
func (o *Orchestrator) ProvisionContract(ctx context.Context, target string, fundAmount int64) error {
	ops, err := resolver.Resolve(resolver.Request{
		Action:     resolver.ActionProvisionContract,
		Target:     target,
		FundAmount: fundAmount,
	}, o.program())
	if err != nil {
		return err
	}

	for _, op := range ops {
		op.IdempotencyKey = accountOpKey(op.Kind, o.cfg.TokenManager, target)
		if _, err := o.exec.Execute(ctx, op, "", target); err != nil {
			return fmt.Errorf("provision %s: %w", target, err)
		}
	}
	o.logger.Info("contract provisioned",
		zap.String("target", target),
		zap.Int64("funded", fundAmount))
	return nil
}

// RecoverSession reconciles every unresolved operation record of the
// session against the ledger and applies the state the confirmed outcomes
// imply. A payout that already happened transitions the session to
// RewardDistributed without re-issuing payment.
func (o *Orchestrator) RecoverSession(ctx context.Context, sessionID string) (*models.Session, error) {
	release := o.lock(sessionID)
	defer release()

	session, err := o.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	records, err := o.exec.Log().ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var escalation error
	for i := range records {
		rec := &records[i]
		if rec.Outcome.Final() {
			continue
		}

		// end-session and distribute-reward address the contract by the
		// ledger-issued reference, so snapshot reconciliation must query
		// with that id.
		outcome, receipt, err := o.exec.Reconcile(ctx, rec, session.LedgerRef)
		if errors.Is(err, executor.ErrReconcileExhausted) {
			if _, ferr := o.registry.MarkFailed(ctx, sessionID, "reconciliation exhausted: "+rec.IdempotencyKey); ferr != nil {
				return nil, ferr
			}
			escalation = err
			continue
		}
		if err != nil {
			return nil, err
		}
		if outcome != models.OutcomeSuccess {
			continue
		}

		if err := o.applyConfirmed(ctx, sessionID, rec.Kind, receipt); err != nil {
			return nil, err
		}
	}

	session, err = o.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session, escalation
}

// applyConfirmed maps a reconciled success onto the session state machine.
func (o *Orchestrator) applyConfirmed(ctx context.Context, sessionID string, kind models.OperationKind, receipt ledger.Receipt) error {
	switch kind {
	case models.OpCreateSession:
		_, err := o.registry.Recover(ctx, sessionID, models.SessionOpen, "create-session reconciled", func(s *models.Session) {
			if receipt.SessionID != "" {
				s.LedgerRef = receipt.SessionID
			}
		})
		return err
	case models.OpEndSession:
		_, err := o.registry.Recover(ctx, sessionID, models.SessionClosed, "end-session reconciled", func(s *models.Session) {
			if s.EndTime == nil {
				now := time.Now().UTC()
				s.EndTime = &now
			}
		})
		return err
	case models.OpDistributeReward:
		session, err := o.registry.Recover(ctx, sessionID, models.SessionRewardDistributed, "payout reconciled", func(s *models.Session) {
			if s.Reward == nil {
				amount := receipt.AmountPaid
				s.Reward = &amount
			}
		})
		if err != nil {
			return err
		}
		o.publishSettlement(ctx, session)
		return nil
	default:
		return nil
	}
}

// failSession maps an executor error onto the session state machine and
// returns the typed error for the caller. Indeterminate exhaustion leaves
// the operation record Unknown so the reconciler can recover the session.
func (o *Orchestrator) failSession(ctx context.Context, sessionID, step string, cause error) error {
	reason := step + " failed"
	var rejection *ledger.RejectionError
	switch {
	case errors.As(cause, &rejection):
		reason = fmt.Sprintf("%s rejected: %s", step, rejection.Code)
	case errors.Is(cause, executor.ErrExhausted):
		reason = step + " indeterminate"
	}
	if _, err := o.registry.MarkFailed(ctx, sessionID, reason); err != nil {
		o.logger.Error("failed to mark session failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	return fmt.Errorf("session %s: %s: %w", sessionID, step, cause)
}

func (o *Orchestrator) loadAccount(ctx context.Context, address string) (*models.Account, error) {
	account, err := o.accounts.Get(ctx, address)
	if errors.Is(err, registry.ErrAccountNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// sessionOpKey reuses the idempotency key of a previously submitted
// operation for the session and kind, so a retried workflow is recognized
// by the gateway as the same logical operation.
func (o *Orchestrator) sessionOpKey(ctx context.Context, sessionID string, kind models.OperationKind) (string, error) {
	rec, err := o.exec.Log().FindOpen(ctx, sessionID, kind)
	if err == nil {
		return rec.IdempotencyKey, nil
	}
	if errors.Is(err, executor.ErrRecordNotFound) {
		return uuid.NewString(), nil
	}
	return "", err
}

// ledgerSessionID prefers the ledger-issued reference when one exists.
func (o *Orchestrator) ledgerSessionID(session *models.Session) string {
	if session.LedgerRef != "" {
		return session.LedgerRef
	}
	return session.ID
}

func (o *Orchestrator) cacheSave(ctx context.Context, session *models.Session) {
	if o.cache == nil {
		return
	}
	if err := o.cache.Save(ctx, session); err != nil {
		o.logger.Warn("failed to cache open session",
			zap.String("session_id", session.ID), zap.Error(err))
	}
}

func (o *Orchestrator) cacheDelete(ctx context.Context, sessionID string) {
	if o.cache == nil {
		return
	}
	if err := o.cache.Delete(ctx, sessionID); err != nil {
		o.logger.Warn("failed to evict session cache",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (o *Orchestrator) publishSettlement(ctx context.Context, session *models.Session) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.PublishSettlement(ctx, session); err != nil {
		o.logger.Warn("failed to publish settlement",
			zap.String("session_id", session.ID), zap.Error(err))
	}
}

// accountOpKey derives a stable idempotency key for account-scoped
// operations, which are naturally idempotent per subject.
func accountOpKey(kind models.OperationKind, parts ...string) string {
	name := "chargehive:" + string(kind) + ":" + strings.Join(parts, ":")
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
