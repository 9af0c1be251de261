package executor

import (
	"context"
	"database/sql"
	"errors"

	"chargehive/internal/models"
)

// PostgresLog is the durable OperationLog.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog returns the postgres-backed log.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

// Append inserts a new record.
func (l *PostgresLog) Append(ctx context.Context, rec *models.OperationRecord) error {
	const query = `
		INSERT INTO operation_records (idempotency_key, kind, contract, session_id, account, attempts, query_attempts, outcome, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return l.db.QueryRowContext(ctx, query,
		rec.IdempotencyKey,
		rec.Kind,
		rec.Contract,
		rec.SessionID,
		rec.Account,
		rec.Attempts,
		rec.QueryAttempts,
		rec.Outcome,
		rec.Reason,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
}

// Update persists the outcome fields. Only outcome, reason and attempt
// counters ever change after the append.
func (l *PostgresLog) Update(ctx context.Context, rec *models.OperationRecord) error {
	const query = `
		UPDATE operation_records
		SET attempts = $2,
		    query_attempts = $3,
		    outcome = $4,
		    reason = $5,
		    updated_at = NOW()
		WHERE idempotency_key = $1
	`
	result, err := l.db.ExecContext(ctx, query,
		rec.IdempotencyKey, rec.Attempts, rec.QueryAttempts, rec.Outcome, rec.Reason)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

const recordColumns = `idempotency_key, kind, contract, session_id, account, attempts, query_attempts, outcome, reason, created_at, updated_at`

// Find returns the record for the idempotency key.
func (l *PostgresLog) Find(ctx context.Context, idempotencyKey string) (*models.OperationRecord, error) {
	const query = `SELECT ` + recordColumns + ` FROM operation_records WHERE idempotency_key = $1`
	return l.scanOne(l.db.QueryRowContext(ctx, query, idempotencyKey))
}

// FindOpen returns the most recent non-failed record for session and kind.
func (l *PostgresLog) FindOpen(ctx context.Context, sessionID string, kind models.OperationKind) (*models.OperationRecord, error) {
	const query = `
		SELECT ` + recordColumns + `
		FROM operation_records
		WHERE session_id = $1 AND kind = $2 AND outcome <> 'failure'
		ORDER BY created_at DESC
		LIMIT 1
	`
	return l.scanOne(l.db.QueryRowContext(ctx, query, sessionID, kind))
}

// ListUnknown returns records awaiting reconciliation, oldest first.
func (l *PostgresLog) ListUnknown(ctx context.Context, limit int) ([]models.OperationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT ` + recordColumns + `
		FROM operation_records
		WHERE outcome = 'unknown'
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := l.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListBySession returns every record for the session, oldest first.
func (l *PostgresLog) ListBySession(ctx context.Context, sessionID string) ([]models.OperationRecord, error) {
	const query = `
		SELECT ` + recordColumns + `
		FROM operation_records
		WHERE session_id = $1
		ORDER BY created_at ASC
	`
	rows, err := l.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (l *PostgresLog) scanOne(row *sql.Row) (*models.OperationRecord, error) {
	var rec models.OperationRecord
	err := row.Scan(
		&rec.IdempotencyKey,
		&rec.Kind,
		&rec.Contract,
		&rec.SessionID,
		&rec.Account,
		&rec.Attempts,
		&rec.QueryAttempts,
		&rec.Outcome,
		&rec.Reason,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]models.OperationRecord, error) {
	var out []models.OperationRecord
	for rows.Next() {
		var rec models.OperationRecord
		if err := rows.Scan(
			&rec.IdempotencyKey,
			&rec.Kind,
			&rec.Contract,
			&rec.SessionID,
			&rec.Account,
			&rec.Attempts,
			&rec.QueryAttempts,
			&rec.Outcome,
			&rec.Reason,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
