package registry

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"chargehive/internal/models"
)

// ErrAccountNotFound indicates an address not yet enrolled.
var ErrAccountNotFound = errors.New("registry: account not found")

// AccountStore persists program accounts.
type AccountStore interface {
	Get(ctx context.Context, address string) (*models.Account, error)
	Upsert(ctx context.Context, account *models.Account) error
	AddToken(ctx context.Context, address, tokenID string) error
}

// MemoryAccounts is an in-memory AccountStore.
type MemoryAccounts struct {
	mu       sync.RWMutex
	accounts map[string]*models.Account
}

// NewMemoryAccounts returns an empty store.
func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{accounts: make(map[string]*models.Account)}
}

// Get returns a copy of the account.
func (s *MemoryAccounts) Get(_ context.Context, address string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.accounts[address]
	if !ok {
		return nil, ErrAccountNotFound
	}
	out := *stored
	out.AssociatedTokens = append([]string(nil), stored.AssociatedTokens...)
	return &out, nil
}

// Upsert creates or updates the account.
func (s *MemoryAccounts) Upsert(_ context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.accounts[account.Address]; ok {
		account.CreatedAt = existing.CreatedAt
	} else {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	stored := *account
	stored.AssociatedTokens = append([]string(nil), account.AssociatedTokens...)
	s.accounts[account.Address] = &stored
	return nil
}

// AddToken records a confirmed token association.
func (s *MemoryAccounts) AddToken(_ context.Context, address, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.accounts[address]
	if !ok {
		return ErrAccountNotFound
	}
	for _, id := range stored.AssociatedTokens {
		if id == tokenID {
			return nil
		}
	}
	stored.AssociatedTokens = append(stored.AssociatedTokens, tokenID)
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

// PostgresAccounts is the durable AccountStore.
type PostgresAccounts struct {
	db *sql.DB
}

// NewPostgresAccounts returns the postgres-backed store.
func NewPostgresAccounts(db *sql.DB) *PostgresAccounts {
	return &PostgresAccounts{db: db}
}

// Get returns the account with its associated token set.
func (s *PostgresAccounts) Get(ctx context.Context, address string) (*models.Account, error) {
	const query = `
		SELECT address, role, registered, active, did, nft_metadata_uri, created_at, updated_at
		FROM accounts
		WHERE address = $1
	`
	var account models.Account
	err := s.db.QueryRowContext(ctx, query, address).Scan(
		&account.Address,
		&account.Role,
		&account.Registered,
		&account.Active,
		&account.DID,
		&account.NFTMetadataURI,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	const tokenQuery = `SELECT token_id FROM account_tokens WHERE address = $1 ORDER BY token_id`
	rows, err := s.db.QueryContext(ctx, tokenQuery, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tokenID string
		if err := rows.Scan(&tokenID); err != nil {
			return nil, err
		}
		account.AssociatedTokens = append(account.AssociatedTokens, tokenID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &account, nil
}

// Upsert creates or updates the account row. Accounts are never deleted;
// deactivation flips the active flag.
func (s *PostgresAccounts) Upsert(ctx context.Context, account *models.Account) error {
	const query = `
		INSERT INTO accounts (address, role, registered, active, did, nft_metadata_uri, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (address) DO UPDATE SET
			role = EXCLUDED.role,
			registered = EXCLUDED.registered,
			active = EXCLUDED.active,
			did = EXCLUDED.did,
			nft_metadata_uri = EXCLUDED.nft_metadata_uri,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`
	return s.db.QueryRowContext(ctx, query,
		account.Address,
		account.Role,
		account.Registered,
		account.Active,
		account.DID,
		account.NFTMetadataURI,
	).Scan(&account.CreatedAt, &account.UpdatedAt)
}

// AddToken records a confirmed token association.
func (s *PostgresAccounts) AddToken(ctx context.Context, address, tokenID string) error {
	const query = `
		INSERT INTO account_tokens (address, token_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (address, token_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, address, tokenID)
	return err
}
