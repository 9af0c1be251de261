package models

import "time"

// Role of a program participant on the ledger.
type Role string

const (
	RoleOperator    Role = "operator"
	RoleAdmin       Role = "admin"
	RoleParticipant Role = "participant"
	RoleAdapter     Role = "adapter"
)

// Account represents a ledger account enrolled in the rewards program.
// Accounts are created on first successful registration and are never
// deleted, only deactivated.
type Account struct {
	Address          string    `db:"address" json:"address"`
	Role             Role      `db:"role" json:"role"`
	Registered       bool      `db:"registered" json:"registered"`
	Active           bool      `db:"active" json:"active"`
	DID              string    `db:"did" json:"did,omitempty"`
	NFTMetadataURI   string    `db:"nft_metadata_uri" json:"nft_metadata_uri,omitempty"`
	AssociatedTokens []string  `db:"-" json:"associated_tokens"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// HasToken reports whether tokenID is already associated with the account.
func (a *Account) HasToken(tokenID string) bool {
	for _, id := range a.AssociatedTokens {
		if id == tokenID {
			return true
		}
	}
	return false
}

// ProgramParams is a versioned snapshot of the reward program economics.
// A session captures the snapshot at open time so later parameter changes
// never alter the economics of a session already in flight.
type ProgramParams struct {
	Version      int64 `db:"version" json:"version"`
	RatePerUnit  int64 `db:"rate_per_unit" json:"rate_per_unit"`
	MinQuantity  int64 `db:"min_quantity" json:"min_quantity"`
	PricePerUnit int64 `db:"price_per_unit" json:"price_per_unit"`
}
