package registry

import (
	"context"
	"database/sql"
	"errors"

	"chargehive/internal/models"
)

// PostgresStore is the durable session store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns the postgres-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, participant, spot_booker, ledger_ref, status, start_time, end_time, quantity,
	param_version, rate_per_unit, min_quantity, price_per_unit, reward, fail_reason, created_at, updated_at`

// Create inserts a new session with its parameter snapshot.
func (s *PostgresStore) Create(ctx context.Context, session *models.Session) error {
	const query = `
		INSERT INTO sessions (id, participant, spot_booker, ledger_ref, status, start_time, end_time, quantity,
			param_version, rate_per_unit, min_quantity, price_per_unit, reward, fail_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return s.db.QueryRowContext(ctx, query,
		session.ID,
		session.Participant,
		session.SpotBooker,
		session.LedgerRef,
		session.Status,
		session.StartTime,
		session.EndTime,
		session.Quantity,
		session.Params.Version,
		session.Params.RatePerUnit,
		session.Params.MinQuantity,
		session.Params.PricePerUnit,
		session.Reward,
		session.FailReason,
	).Scan(&session.CreatedAt, &session.UpdatedAt)
}

// Get returns the session by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSession(s.db.QueryRowContext(ctx, query, id))
}

// Update persists status, quantity and reward changes. The parameter
// snapshot is immutable after Create.
func (s *PostgresStore) Update(ctx context.Context, session *models.Session) error {
	const query = `
		UPDATE sessions
		SET ledger_ref = $2,
		    status = $3,
		    end_time = $4,
		    quantity = $5,
		    reward = $6,
		    fail_reason = $7,
		    updated_at = NOW()
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.LedgerRef,
		session.Status,
		session.EndTime,
		session.Quantity,
		session.Reward,
		session.FailReason,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AppendHistory records one status change.
func (s *PostgresStore) AppendHistory(ctx context.Context, change models.StatusChange) error {
	const query = `
		INSERT INTO session_status_history (session_id, from_status, to_status, reason, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query,
		change.SessionID, change.From, change.To, change.Reason, change.RecordedAt)
	return err
}

// ListByStatus returns sessions in the given status, oldest first.
func (s *PostgresStore) ListByStatus(ctx context.Context, status models.SessionStatus, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// History returns the status history for a session, oldest first.
func (s *PostgresStore) History(ctx context.Context, sessionID string) ([]models.StatusChange, error) {
	const query = `
		SELECT session_id, from_status, to_status, reason, recorded_at
		FROM session_status_history
		WHERE session_id = $1
		ORDER BY recorded_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []models.StatusChange
	for rows.Next() {
		var change models.StatusChange
		if err := rows.Scan(&change.SessionID, &change.From, &change.To, &change.Reason, &change.RecordedAt); err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return changes, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row *sql.Row) (*models.Session, error) {
	session, err := scanSessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return session, err
}

func scanSessionRow(row rowScanner) (*models.Session, error) {
	var session models.Session
	err := row.Scan(
		&session.ID,
		&session.Participant,
		&session.SpotBooker,
		&session.LedgerRef,
		&session.Status,
		&session.StartTime,
		&session.EndTime,
		&session.Quantity,
		&session.Params.Version,
		&session.Params.RatePerUnit,
		&session.Params.MinQuantity,
		&session.Params.PricePerUnit,
		&session.Reward,
		&session.FailReason,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &session, nil
}
