package gocredit_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

const (
	testUserID    = "user-1"
	testAdminID   = "admin-1"
	testReason    = "refund correction"
	testPageLimit = 2
)

// fakeBackend is an in-memory gocredit.Backend with call counters
type fakeBackend struct {
	mu sync.Mutex

	balance      int
	transactions []gocredit.CreditTransaction
	users        []gocredit.UserSummary

	balanceErr error
	txErr      error
	searchErr  error
	adjustErr  error

	// delay is applied to every call; gate blocks AdjustCredits until closed
	delay time.Duration
	gate  chan struct{}

	balanceCalls int
	txCalls      int
	searchCalls  int
	adjustCalls  int
	queries      []string
	adjustments  []gocredit.CreditAdjustmentRequest
}

func newFakeBackend(balance int) *fakeBackend {
	return &fakeBackend{balance: balance}
}

func (b *fakeBackend) wait(ctx context.Context) error {
	if b.delay <= 0 {
		return nil
	}
	select {
	case <-time.After(b.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *fakeBackend) GetBalance(ctx context.Context) (*gocredit.CreditBalance, error) {
	b.mu.Lock()
	b.balanceCalls++
	b.mu.Unlock()

	if err := b.wait(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balanceErr != nil {
		return nil, b.balanceErr
	}
	return &gocredit.CreditBalance{Balance: b.balance}, nil
}

func (b *fakeBackend) ListTransactions(ctx context.Context, page gocredit.PageRequest) (*gocredit.TransactionPage, error) {
	b.mu.Lock()
	b.txCalls++
	b.mu.Unlock()

	if err := b.wait(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.txErr != nil {
		return nil, b.txErr
	}

	start := page.Offset
	if start > len(b.transactions) {
		start = len(b.transactions)
	}
	end := start + page.Limit
	if page.Limit <= 0 || end > len(b.transactions) {
		end = len(b.transactions)
	}
	out := make([]gocredit.CreditTransaction, end-start)
	copy(out, b.transactions[start:end])
	return &gocredit.TransactionPage{Transactions: out, HasMore: end < len(b.transactions)}, nil
}

func (b *fakeBackend) SearchUsers(ctx context.Context, query string) ([]gocredit.UserSummary, error) {
	b.mu.Lock()
	b.searchCalls++
	b.queries = append(b.queries, query)
	b.mu.Unlock()

	if err := b.wait(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.searchErr != nil {
		return nil, b.searchErr
	}
	return append([]gocredit.UserSummary(nil), b.users...), nil
}

func (b *fakeBackend) AdjustCredits(ctx context.Context, req *gocredit.CreditAdjustmentRequest) (*gocredit.AdjustmentResult, error) {
	b.mu.Lock()
	b.adjustCalls++
	b.adjustments = append(b.adjustments, *req)
	gate := b.gate
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.adjustErr != nil {
		return nil, b.adjustErr
	}
	b.balance += req.Amount
	return &gocredit.AdjustmentResult{
		UserID:     req.UserID,
		NewBalance: b.balance,
		Transaction: &gocredit.CreditTransaction{
			ID:          fmt.Sprintf("tx-%d", b.adjustCalls),
			Description: req.Reason,
			Amount:      req.Amount,
			Type:        gocredit.TransactionTypeCredit,
			CreatedAt:   time.Now().UTC(),
		},
	}, nil
}

func (b *fakeBackend) IsAdmin(_ context.Context) (bool, error) {
	return true, nil
}

func (b *fakeBackend) setBalance(balance int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balance = balance
}

func (b *fakeBackend) counts() (balance, tx, search, adjust int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balanceCalls, b.txCalls, b.searchCalls, b.adjustCalls
}

func (b *fakeBackend) lastQuery() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queries) == 0 {
		return ""
	}
	return b.queries[len(b.queries)-1]
}

func intPtr(v int) *int {
	return &v
}

func makeTransactions(n int) []gocredit.CreditTransaction {
	out := make([]gocredit.CreditTransaction, n)
	for i := range out {
		out[i] = gocredit.CreditTransaction{
			ID:          fmt.Sprintf("tx-%d", i),
			Description: "Image generation",
			Amount:      -16,
			Type:        gocredit.TransactionTypeSpend,
			CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(-time.Duration(i) * time.Hour),
		}
	}
	return out
}
