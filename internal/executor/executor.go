// Package executor submits logical ledger operations, awaits finality and
// classifies outcomes. Indeterminate outcomes are retried under the same
// idempotency key; definite rejections are surfaced without retry. Every
// attempt is recorded in the operation log before the network call so a
// crash leaves a durable trail for reconciliation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chargehive/internal/ledger"
	"chargehive/internal/models"
)

var (
	// ErrExhausted means every attempt ended indeterminate. The record is
	// left Unknown for reconciliation; the operation is never silently
	// dropped.
	ErrExhausted = errors.New("executor: attempts exhausted, outcome unknown")
	// ErrReconcileExhausted means the true outcome could not be determined
	// after the bounded number of reconciliation queries. Manual
	// intervention is required.
	ErrReconcileExhausted = errors.New("executor: reconciliation exhausted")
)

// Config bounds retry behaviour.
type Config struct {
	MaxAttempts      int
	MaxQueryAttempts int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	AttemptTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.MaxQueryAttempts <= 0 {
		c.MaxQueryAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 3 * time.Minute
	}
	return c
}

// Outcome is the classified result of an executed operation.
type Outcome struct {
	Receipt  ledger.Receipt
	Attempts int
}

// Executor is stateless per call except for its appends to the operation
// log, so it is safe for concurrent use across sessions.
type Executor struct {
	gateway ledger.Gateway
	log     OperationLog
	cfg     Config
	logger  *zap.Logger
}

// New builds an executor over the gateway and operation log.
func New(gateway ledger.Gateway, log OperationLog, cfg Config, logger *zap.Logger) *Executor {
	return &Executor{
		gateway: gateway,
		log:     log,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Log exposes the operation log for reconciliation sweeps.
func (e *Executor) Log() OperationLog { return e.log }

// Execute submits op and blocks until a terminal classification. A record
// already confirmed Success returns immediately without touching the
// network, which makes resumed workflows idempotent.
func (e *Executor) Execute(ctx context.Context, op ledger.Operation, sessionID, account string) (Outcome, error) {
	rec, err := e.log.Find(ctx, op.IdempotencyKey)
	switch {
	case err == nil:
		if rec.Outcome == models.OutcomeSuccess {
			receipt, rerr := e.gateway.ReceiptByKey(ctx, op.IdempotencyKey)
			if rerr != nil {
				receipt = ledger.Receipt{Status: ledger.StatusSuccess, Code: rec.Reason}
			}
			return Outcome{Receipt: receipt, Attempts: rec.Attempts}, nil
		}
		if rec.Outcome == models.OutcomeFailure {
			// A fresh Execute call on a definitively rejected record is a
			// new caller decision to retry. The key is reused so the
			// gateway still recognizes the logical operation.
			rec.Attempts = 0
			rec.Outcome = models.OutcomePending
			rec.Reason = ""
		}
	case errors.Is(err, ErrRecordNotFound):
		rec = &models.OperationRecord{
			IdempotencyKey: op.IdempotencyKey,
			Kind:           op.Kind,
			Contract:       op.Contract,
			SessionID:      sessionID,
			Account:        account,
			Outcome:        models.OutcomePending,
		}
		if err := e.log.Append(ctx, rec); err != nil {
			return Outcome{}, fmt.Errorf("executor: append record: %w", err)
		}
	default:
		return Outcome{}, fmt.Errorf("executor: load record: %w", err)
	}

	var lastErr error
	for rec.Attempts < e.cfg.MaxAttempts {
		rec.Attempts++
		rec.Outcome = models.OutcomePending
		if err := e.log.Update(ctx, rec); err != nil {
			return Outcome{}, fmt.Errorf("executor: update record: %w", err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		receipt, err := e.gateway.Submit(attemptCtx, op)
		cancel()

		switch classify(receipt, err) {
		case models.OutcomeSuccess:
			rec.Outcome = models.OutcomeSuccess
			rec.Reason = receipt.Code
			if uerr := e.log.Update(ctx, rec); uerr != nil {
				return Outcome{}, fmt.Errorf("executor: record success: %w", uerr)
			}
			return Outcome{Receipt: receipt, Attempts: rec.Attempts}, nil

		case models.OutcomeFailure:
			rec.Outcome = models.OutcomeFailure
			rec.Reason = receipt.Code
			if uerr := e.log.Update(ctx, rec); uerr != nil {
				return Outcome{}, fmt.Errorf("executor: record failure: %w", uerr)
			}
			if err == nil {
				// A rejected receipt without a paired error still must not
				// read as success to the caller.
				err = &ledger.RejectionError{Kind: op.Kind, Code: receipt.Code}
			}
			return Outcome{Receipt: receipt, Attempts: rec.Attempts}, err

		default:
			// Indeterminate: the operation may have taken effect. Retrying
			// reuses the same idempotency key so the gateway recognizes the
			// resubmission instead of applying it twice.
			lastErr = err
			rec.Outcome = models.OutcomeUnknown
			if uerr := e.log.Update(ctx, rec); uerr != nil {
				return Outcome{}, fmt.Errorf("executor: record unknown: %w", uerr)
			}
			e.logger.Warn("operation outcome indeterminate, will retry",
				zap.String("kind", string(op.Kind)),
				zap.String("idempotency_key", op.IdempotencyKey),
				zap.Int("attempt", rec.Attempts),
				zap.Error(err))
		}

		if rec.Attempts >= e.cfg.MaxAttempts {
			break
		}
		if serr := sleep(ctx, backoffDelay(e.cfg.BackoffBase, e.cfg.BackoffMax, rec.Attempts-1)); serr != nil {
			return Outcome{Attempts: rec.Attempts}, fmt.Errorf("%w: %s", ErrExhausted, serr)
		}
	}

	if lastErr != nil {
		return Outcome{Attempts: rec.Attempts}, fmt.Errorf("%w (last: %s)", ErrExhausted, lastErr)
	}
	return Outcome{Attempts: rec.Attempts}, ErrExhausted
}

// classify maps a submit result onto the outcome taxonomy.
func classify(receipt ledger.Receipt, err error) models.OperationOutcome {
	var rejection *ledger.RejectionError
	if errors.As(err, &rejection) || receipt.Status == ledger.StatusRejected {
		return models.OutcomeFailure
	}
	if err == nil && receipt.Status == ledger.StatusSuccess {
		return models.OutcomeSuccess
	}
	return models.OutcomeUnknown
}

// Reconcile resolves a record with outcome Unknown by re-querying the
// gateway for the true outcome. It updates the record and returns the
// resolved outcome with the receipt when one exists. When the receipt is
// lost but the operation is session-scoped, the contract-side session
// snapshot is consulted so a payout that actually happened is never
// re-issued. ledgerRef is the id the contract knows the session by; the
// record's application id is used only when no ledger reference exists yet.
func (e *Executor) Reconcile(ctx context.Context, rec *models.OperationRecord, ledgerRef string) (models.OperationOutcome, ledger.Receipt, error) {
	if rec.Outcome.Final() {
		status := ledger.StatusSuccess
		if rec.Outcome == models.OutcomeFailure {
			status = ledger.StatusRejected
		}
		return rec.Outcome, ledger.Receipt{Status: status, Code: rec.Reason}, nil
	}

	rec.QueryAttempts++

	receipt, err := e.gateway.ReceiptByKey(ctx, rec.IdempotencyKey)
	switch {
	case err == nil && receipt.Status == ledger.StatusSuccess:
		rec.Outcome = models.OutcomeSuccess
		rec.Reason = receipt.Code
	case err == nil && receipt.Status == ledger.StatusRejected:
		rec.Outcome = models.OutcomeFailure
		rec.Reason = receipt.Code
	case errors.Is(err, ledger.ErrReceiptNotFound):
		// The gateway never saw the key: the submission had no effect and
		// the operation can safely be re-run.
		rec.Outcome = models.OutcomeFailure
		rec.Reason = "not_submitted"
		receipt = ledger.Receipt{Status: ledger.StatusRejected, Code: rec.Reason}
	default:
		outcome, snapReceipt, ok := e.reconcileFromSnapshot(ctx, rec, ledgerRef)
		if ok {
			rec.Outcome = outcome
			receipt = snapReceipt
			break
		}
		if rec.QueryAttempts >= e.cfg.MaxQueryAttempts {
			if uerr := e.log.Update(ctx, rec); uerr != nil {
				return models.OutcomeUnknown, ledger.Receipt{}, uerr
			}
			return models.OutcomeUnknown, ledger.Receipt{}, fmt.Errorf("%w: %s after %d queries",
				ErrReconcileExhausted, rec.IdempotencyKey, rec.QueryAttempts)
		}
		if uerr := e.log.Update(ctx, rec); uerr != nil {
			return models.OutcomeUnknown, ledger.Receipt{}, uerr
		}
		return models.OutcomeUnknown, ledger.Receipt{Status: ledger.StatusUnknown}, nil
	}

	if uerr := e.log.Update(ctx, rec); uerr != nil {
		return models.OutcomeUnknown, ledger.Receipt{}, uerr
	}
	e.logger.Info("operation reconciled",
		zap.String("kind", string(rec.Kind)),
		zap.String("idempotency_key", rec.IdempotencyKey),
		zap.String("outcome", string(rec.Outcome)))
	return rec.Outcome, receipt, nil
}

// reconcileFromSnapshot recovers the outcome from the contract session state
// when the transaction receipt is unavailable. The contract addresses the
// session by its ledger-issued reference, so ledgerRef takes precedence over
// the record's application id.
func (e *Executor) reconcileFromSnapshot(ctx context.Context, rec *models.OperationRecord, ledgerRef string) (models.OperationOutcome, ledger.Receipt, bool) {
	if ledgerRef == "" {
		ledgerRef = rec.SessionID
	}
	if ledgerRef == "" || rec.Contract == "" {
		return models.OutcomeUnknown, ledger.Receipt{}, false
	}

	snapshot, err := e.gateway.QuerySessionDetails(ctx, rec.Contract, ledgerRef)
	if err != nil {
		return models.OutcomeUnknown, ledger.Receipt{}, false
	}

	switch rec.Kind {
	case models.OpCreateSession:
		if snapshot.SessionID != "" {
			return models.OutcomeSuccess, ledger.Receipt{Status: ledger.StatusSuccess, SessionID: snapshot.SessionID}, true
		}
	case models.OpEndSession:
		if !snapshot.Active && snapshot.EndTimestamp > 0 {
			return models.OutcomeSuccess, ledger.Receipt{Status: ledger.StatusSuccess, SessionID: snapshot.SessionID}, true
		}
	case models.OpDistributeReward:
		if snapshot.TokenDistributed {
			return models.OutcomeSuccess, ledger.Receipt{
				Status:     ledger.StatusSuccess,
				SessionID:  snapshot.SessionID,
				AmountPaid: snapshot.CalculatedReward,
			}, true
		}
	}
	return models.OutcomeUnknown, ledger.Receipt{}, false
}
