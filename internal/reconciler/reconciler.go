// Package reconciler periodically resolves operation records whose outcome
// is unknown by re-querying the ledger, then applies the confirmed state to
// the owning sessions.
package reconciler

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"chargehive/internal/executor"
	"chargehive/internal/models"
	"chargehive/internal/orchestrator"
)

const defaultBatchSize = 100

// Config controls the sweep cadence.
type Config struct {
	// Schedule is a cron spec, e.g. "@every 30s".
	Schedule  string
	BatchSize int
}

// Reconciler runs the scheduled sweep.
type Reconciler struct {
	orch      *orchestrator.Orchestrator
	exec      *executor.Executor
	cfg       Config
	logger    *zap.Logger
	scheduler *cron.Cron
}

// New builds a reconciler over the orchestrator and executor.
func New(orch *orchestrator.Orchestrator, exec *executor.Executor, cfg Config, logger *zap.Logger) *Reconciler {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Reconciler{
		orch:   orch,
		exec:   exec,
		cfg:    cfg,
		logger: logger,
	}
}

// Start schedules the sweep until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	r.scheduler = cron.New()
	_, err := r.scheduler.AddFunc(r.cfg.Schedule, func() {
		if err := r.Sweep(ctx); err != nil {
			r.logger.Error("reconciliation sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	r.scheduler.Start()

	go func() {
		<-ctx.Done()
		r.scheduler.Stop()
	}()
	return nil
}

// Sweep reconciles one batch of unknown operation records. Session-scoped
// records go through the orchestrator recovery path so confirmed outcomes
// advance the owning session; account-scoped records are reconciled
// directly.
func (r *Reconciler) Sweep(ctx context.Context) error {
	records, err := r.exec.Log().ListUnknown(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	r.logger.Info("reconciliation sweep", zap.Int("records", len(records)))

	seen := make(map[string]bool)
	for i := range records {
		rec := &records[i]
		if rec.SessionID != "" {
			if seen[rec.SessionID] {
				continue
			}
			seen[rec.SessionID] = true
			if _, err := r.orch.RecoverSession(ctx, rec.SessionID); err != nil {
				r.logger.Warn("session recovery incomplete",
					zap.String("session_id", rec.SessionID),
					zap.Error(err))
			}
			continue
		}

		outcome, _, err := r.exec.Reconcile(ctx, rec, "")
		if err != nil {
			r.logger.Warn("record reconciliation incomplete",
				zap.String("idempotency_key", rec.IdempotencyKey),
				zap.Error(err))
			continue
		}
		if outcome == models.OutcomeUnknown {
			r.logger.Debug("record still unknown",
				zap.String("idempotency_key", rec.IdempotencyKey),
				zap.Int("query_attempts", rec.QueryAttempts))
		}
	}
	return nil
}
