package gocredit

import (
	"context"
	"time"
)

// TransactionType defines the direction of a credit transaction
type TransactionType string

const (
	// TransactionTypeSpend represents credits consumed by a generation or edit
	TransactionTypeSpend TransactionType = "spend"
	// TransactionTypeCredit represents credits added (purchase, grant, refund)
	TransactionTypeCredit TransactionType = "credit"
)

// CreditBalance is the user's current balance as reported by the backend
type CreditBalance struct {
	Balance int `json:"balance"`
}

// CreditTransaction is a single ledger entry. It is never edited locally.
type CreditTransaction struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Amount      int             `json:"amount"`
	Type        TransactionType `json:"transaction_type"`
	CreatedAt   time.Time       `json:"created_at"`
}

// PageRequest selects a page of transactions using offset pagination
type PageRequest struct {
	Limit  int
	Offset int
}

// TransactionPage is one page of transaction history, newest first
type TransactionPage struct {
	Transactions []CreditTransaction `json:"transactions"`
	HasMore      bool                `json:"has_more"`
}

// CreditAdjustmentRequest is an admin-initiated manual balance change
type CreditAdjustmentRequest struct {
	UserID string `json:"user_id" validate:"required,max=255"`
	Amount int    `json:"amount" validate:"ne=0"`
	Reason string `json:"reason" validate:"required,max=500"`
}

// AdjustmentResult is the backend's answer to an adjustment
type AdjustmentResult struct {
	UserID      string             `json:"user_id"`
	NewBalance  int                `json:"new_balance"`
	Transaction *CreditTransaction `json:"transaction,omitempty"`
}

// UserSummary is a user search result.
// Credits is nil when the backend did not report a balance.
type UserSummary struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Credits *int   `json:"credits"`
}

// Backend is the remote credit API consumed by the view models.
// pkg/client provides the HTTP implementation.
type Backend interface {
	// GetBalance fetches the caller's current balance
	GetBalance(ctx context.Context) (*CreditBalance, error)

	// ListTransactions fetches a page of the caller's transaction history
	ListTransactions(ctx context.Context, page PageRequest) (*TransactionPage, error)

	// SearchUsers looks up users by email, name or id (admin only)
	SearchUsers(ctx context.Context, query string) ([]UserSummary, error)

	// AdjustCredits applies a signed adjustment to a user's balance (admin only).
	// The call is not idempotent unless the implementation attaches an idempotency key.
	AdjustCredits(ctx context.Context, req *CreditAdjustmentRequest) (*AdjustmentResult, error)

	// IsAdmin reports whether the caller may use the admin endpoints
	IsAdmin(ctx context.Context) (bool, error)
}

// LowBalanceHandler is notified when the loaded balance crosses below the threshold
type LowBalanceHandler interface {
	OnLowBalance(ctx context.Context, balance, threshold int)
}

// LowBalanceFunc adapts a function to LowBalanceHandler
type LowBalanceFunc func(ctx context.Context, balance, threshold int)

// OnLowBalance implements LowBalanceHandler
func (f LowBalanceFunc) OnLowBalance(ctx context.Context, balance, threshold int) {
	f(ctx, balance, threshold)
}
