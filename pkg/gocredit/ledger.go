package gocredit

import (
	"context"
	"time"
)

// DefaultIdempotencyKeyTTL is how long an applied idempotency key is remembered
const DefaultIdempotencyKeyTTL = 24 * time.Hour

// User is an account as stored by a Ledger
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Balance   int       `json:"balance"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary converts the user to a search result with a known balance
func (u *User) Summary() UserSummary {
	credits := u.Balance
	return UserSummary{
		ID:      u.ID,
		Email:   u.Email,
		Name:    u.Name,
		Credits: &credits,
	}
}

// LedgerEntry is a signed balance change to apply to one user
type LedgerEntry struct {
	UserID      string `validate:"required,max=255"`
	Amount      int    `validate:"ne=0"`
	Description string `validate:"max=500"`

	// IdempotencyKey makes retries safe: a key that was already applied returns the
	// original result instead of applying the entry again (optional)
	IdempotencyKey string `validate:"max=255"`

	// IdempotencyKeyTTL is how long the key is remembered (default: 24h)
	IdempotencyKeyTTL time.Duration
}

// Type is the transaction type the entry produces
func (e *LedgerEntry) Type() TransactionType {
	if e.Amount < 0 {
		return TransactionTypeSpend
	}
	return TransactionTypeCredit
}

// Matches reports whether other describes the same change, used to detect an
// idempotency key reused for a different request
func (e *LedgerEntry) Matches(other *LedgerEntry) bool {
	return e.UserID == other.UserID && e.Amount == other.Amount && e.Description == other.Description
}

// KeyTTL returns the idempotency TTL with the default applied
func (e *LedgerEntry) KeyTTL() time.Duration {
	if e.IdempotencyKeyTTL > 0 {
		return e.IdempotencyKeyTTL
	}
	return DefaultIdempotencyKeyTTL
}

// Ledger is the server-side store of balances and transaction history.
// Implementations live under storage/.
type Ledger interface {
	// UpsertUser creates a user with the given balance, or updates the profile fields
	// of an existing one. An existing balance only changes through ApplyTransaction.
	UpsertUser(ctx context.Context, user *User) error

	// GetUser returns ErrUserNotFound for unknown ids
	GetUser(ctx context.Context, userID string) (*User, error)

	// SearchUsers matches query case-insensitively against id, email and name
	SearchUsers(ctx context.Context, query string, limit int) ([]User, error)

	// ListTransactions returns a user's history, newest first
	ListTransactions(ctx context.Context, userID string, page PageRequest) (*TransactionPage, error)

	// ApplyTransaction atomically adds entry.Amount to the balance and records the
	// transaction. A result below zero fails with ErrInsufficientCredits and changes
	// nothing. A reused idempotency key returns the first result, or
	// ErrIdempotencyKeyExists when the key was used for a different entry.
	ApplyTransaction(ctx context.Context, entry *LedgerEntry) (*AdjustmentResult, error)
}

// NormalizePage applies the default limit and clamps negative offsets
func NormalizePage(page PageRequest) PageRequest {
	if page.Limit <= 0 {
		page.Limit = DefaultPageSize
	}
	if page.Limit > MaxPageSize {
		page.Limit = MaxPageSize
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	return page
}

const (
	// DefaultPageSize is the transaction page size used when none is given
	DefaultPageSize = 50

	// MaxPageSize caps a single transaction page
	MaxPageSize = 200
)
