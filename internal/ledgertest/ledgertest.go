// Package ledgertest holds the behaviour every gocredit.Ledger implementation shares,
// run by the storage adapters' own tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// Factory returns an empty ledger for one subtest
type Factory func(t *testing.T) gocredit.Ledger

// Run exercises a Ledger implementation
func Run(t *testing.T, newLedger Factory) {
	t.Run("UpsertAndGetUser", func(t *testing.T) { testUpsertAndGetUser(t, newLedger(t)) })
	t.Run("SearchUsers", func(t *testing.T) { testSearchUsers(t, newLedger(t)) })
	t.Run("ApplyTransaction", func(t *testing.T) { testApplyTransaction(t, newLedger(t)) })
	t.Run("InsufficientCredits", func(t *testing.T) { testInsufficientCredits(t, newLedger(t)) })
	t.Run("RejectsInvalidEntries", func(t *testing.T) { testRejectsInvalidEntries(t, newLedger(t)) })
	t.Run("Idempotency", func(t *testing.T) { testIdempotency(t, newLedger(t)) })
	t.Run("Pagination", func(t *testing.T) { testPagination(t, newLedger(t)) })
	t.Run("ConcurrentSpend", func(t *testing.T) { testConcurrentSpend(t, newLedger(t)) })
}

func seedUser(t *testing.T, ledger gocredit.Ledger, id, email, name string, balance int) {
	t.Helper()
	require.NoError(t, ledger.UpsertUser(context.Background(), &gocredit.User{
		ID:      id,
		Email:   email,
		Name:    name,
		Balance: balance,
	}))
}

func testUpsertAndGetUser(t *testing.T, ledger gocredit.Ledger) {
	ctx := context.Background()

	_, err := ledger.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, gocredit.ErrUserNotFound)

	seedUser(t, ledger, "user-1", "ada@example.com", "Ada", 50)

	u, err := ledger.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", u.Email)
	assert.Equal(t, "Ada", u.Name)
	assert.Equal(t, 50, u.Balance)
	assert.False(t, u.CreatedAt.IsZero())

	// Profile updates never overwrite the balance
	require.NoError(t, ledger.UpsertUser(ctx, &gocredit.User{
		ID:      "user-1",
		Email:   "ada@example.org",
		Name:    "Ada L.",
		Balance: 9999,
		IsAdmin: true,
	}))

	u, err = ledger.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.org", u.Email)
	assert.Equal(t, "Ada L.", u.Name)
	assert.True(t, u.IsAdmin)
	assert.Equal(t, 50, u.Balance)

	assert.Error(t, ledger.UpsertUser(ctx, &gocredit.User{ID: " "}))
}

func testSearchUsers(t *testing.T, ledger gocredit.Ledger) {
	ctx := context.Background()
	seedUser(t, ledger, "user-1", "alice@example.com", "Alice", 10)
	seedUser(t, ledger, "user-2", "bob@example.com", "Bob", 20)
	seedUser(t, ledger, "user-3", "carol@example.com", "Alice Carol", 30)

	users, err := ledger.SearchUsers(ctx, "ALICE", 10)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "user-1", users[0].ID)
	assert.Equal(t, "user-3", users[1].ID)
	assert.Equal(t, 30, users[1].Balance)

	users, err = ledger.SearchUsers(ctx, "user-2", 10)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "bob@example.com", users[0].Email)

	users, err = ledger.SearchUsers(ctx, "example.com", 2)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	users, err = ledger.SearchUsers(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, users)

	users, err = ledger.SearchUsers(ctx, "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func testApplyTransaction(t *testing.T, ledger gocredit.Ledger) {
	ctx := context.Background()
	seedUser(t, ledger, "user-1", "ada@example.com", "Ada", 50)

	result, err := ledger.ApplyTransaction(ctx, &gocredit.LedgerEntry{
		UserID:      "user-1",
		Amount:      50,
		Description: "Credit pack",
	})
	require.NoError(t, err)
	assert.Equal(t, "user-1", result.UserID)
	assert.Equal(t, 100, result.NewBalance)
	require.NotNil(t, result.Transaction)
	assert.NotEmpty(t, result.Transaction.ID)
	assert.Equal(t, gocredit.TransactionTypeCredit, result.Transaction.Type)

	result, err = ledger.ApplyTransaction(ctx, &gocredit.LedgerEntry{
		UserID:      "user-1",
		Amount:      -20,
		Description: "refund correction",
	})
	require.NoError(t, err)
	assert.Equal(t, 80, result.NewBalance)
	assert.Equal(t, gocredit.TransactionTypeSpend, result.Transaction.Type)
	assert.Equal(t, -20, result.Transaction.Amount)

	u, err := ledger.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 80, u.Balance)

	page, err := ledger.ListTransactions(ctx, "user-1", gocredit.PageRequest{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	assert.False(t, page.HasMore)
	assert.Equal(t, "refund correction", page.Transactions[0].Description)
	assert.Equal(t, "Credit pack", page.Transactions[1].Description)
}

func testInsufficientCredits(t *testing.T, ledger gocredit.Ledger) {
	ctx := context.Background()
	seedUser(t, ledger, "user-1", "ada@example.com", "Ada", 10)

	_, err := ledger.ApplyTransaction(ctx, &gocredit.LedgerEntry{UserID: "user-1", Amount: -20, Description: "too much"})
	assert.ErrorIs(t, err, gocredit.ErrInsufficientCredits)

	// Exactly to zero is allowed
	result, err := ledger.ApplyTransaction(ctx, &gocredit.LedgerEntry{UserID: "user-1", Amount: -10, Description: "all"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.NewBalance)

	page, err := ledger.ListTransactions(ctx, "user-1", gocredit.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 1)
}

func testRejectsInvalidEntries(t *testing.T, ledger gocredit.Ledger) {
	ctx := context.Background()
	seedUser(t, ledger, "user-1", "ada@example.com", "Ada", 10)

	_, err := ledger.ApplyTransaction(ctx, &gocredit.LedgerEntry{UserID: "user-1", Amount: 0})
	assert.ErrorIs(t, err, gocredit.ErrValidationFailure)

	_, err = ledger.ApplyTransaction(ctx, &gocredit.LedgerEntry{Amount: 5})
	assert.ErrorIs(t, err, gocredit.ErrValidationFailure)

	_, err = ledger.ApplyTransaction(ctx, &gocredit.LedgerEntry{UserID: "ghost", Amount: 5})
	assert.ErrorIs(t, err, gocredit.ErrUserNotFound)

	_, err = ledger.ListTransactions(ctx, "ghost", gocredit.PageRequest{})
	assert.ErrorIs(t, err, gocredit.ErrUserNotFound)
}

func testIdempotency(t *testing.T, ledger gocredit.Ledger) {
	ctx := context.Background()
	seedUser(t, ledger, "user-1", "ada@example.com", "Ada", 50)
	seedUser(t, ledger, "user-2", "bob@example.com", "Bob", 50)

	entry := &gocredit.LedgerEntry{
		UserID:         "user-1",
		Amount:         -20,
		Description:    "refund correction",
		IdempotencyKey: "key-1",
	}

	first, err := ledger.ApplyTransaction(ctx, entry)
	require.NoError(t, err)
	second, err := ledger.ApplyTransaction(ctx, entry)
	require.NoError(t, err)

	assert.Equal(t, 30, first.NewBalance)
	assert.Equal(t, first.NewBalance, second.NewBalance)
	require.NotNil(t, second.Transaction)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	u, err := ledger.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 30, u.Balance)

	page, err := ledger.ListTransactions(ctx, "user-1", gocredit.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 1)

	_, err = ledger.ApplyTransaction(ctx, &gocredit.LedgerEntry{
		UserID:         "user-2",
		Amount:         5,
		Description:    "other",
		IdempotencyKey: "key-1",
	})
	assert.ErrorIs(t, err, gocredit.ErrIdempotencyKeyExists)

	u, err = ledger.GetUser(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, 50, u.Balance)
}

func testPagination(t *testing.T, ledger gocredit.Ledger) {
	ctx := context.Background()
	seedUser(t, ledger, "user-1", "ada@example.com", "Ada", 0)

	for i := 0; i < 5; i++ {
		_, err := ledger.ApplyTransaction(ctx, &gocredit.LedgerEntry{
			UserID:      "user-1",
			Amount:      i + 1,
			Description: fmt.Sprintf("grant %d", i),
		})
		require.NoError(t, err)
	}

	var seen []string
	offset := 0
	for {
		page, err := ledger.ListTransactions(ctx, "user-1", gocredit.PageRequest{Limit: 2, Offset: offset})
		require.NoError(t, err)
		for _, tx := range page.Transactions {
			seen = append(seen, tx.Description)
		}
		offset += len(page.Transactions)
		if !page.HasMore {
			break
		}
		require.NotEmpty(t, page.Transactions)
	}

	assert.Equal(t, []string{"grant 4", "grant 3", "grant 2", "grant 1", "grant 0"}, seen)

	page, err := ledger.ListTransactions(ctx, "user-1", gocredit.PageRequest{Limit: 2, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Transactions)
	assert.False(t, page.HasMore)
}

func testConcurrentSpend(t *testing.T, ledger gocredit.Ledger) {
	ctx := context.Background()
	seedUser(t, ledger, "user-1", "ada@example.com", "Ada", 100)

	const goroutines = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.ApplyTransaction(ctx, &gocredit.LedgerEntry{
				UserID:      "user-1",
				Amount:      -10,
				Description: "generation",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, gocredit.ErrInsufficientCredits):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 10, rejected)

	u, err := ledger.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, u.Balance)
}
