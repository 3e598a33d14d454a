// Package memory provides an in-memory implementation of the gocredit.Ledger interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

type idempotencyRecord struct {
	entry     gocredit.LedgerEntry
	result    gocredit.AdjustmentResult
	expiresAt time.Time
}

// Storage implements gocredit.Ledger using in-memory maps
type Storage struct {
	mu           sync.RWMutex
	users        map[string]*gocredit.User
	transactions map[string][]gocredit.CreditTransaction // oldest first
	idempotency  map[string]*idempotencyRecord

	now func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:        make(map[string]*gocredit.User),
		transactions: make(map[string][]gocredit.CreditTransaction),
		idempotency:  make(map[string]*idempotencyRecord),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// UpsertUser implements gocredit.Ledger
func (s *Storage) UpsertUser(_ context.Context, user *gocredit.User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("invalid user")
	}
	if user.Balance < 0 {
		return gocredit.ErrInsufficientCredits
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.users[user.ID]
	if !ok {
		// Store a copy to prevent external mutations
		u := *user
		u.CreatedAt = now
		u.UpdatedAt = now
		s.users[user.ID] = &u
		return nil
	}

	existing.Email = user.Email
	existing.Name = user.Name
	existing.IsAdmin = user.IsAdmin
	existing.UpdatedAt = now
	return nil
}

// GetUser implements gocredit.Ledger
func (s *Storage) GetUser(_ context.Context, userID string) (*gocredit.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, gocredit.ErrUserNotFound
	}

	userCopy := *u
	return &userCopy, nil
}

// SearchUsers implements gocredit.Ledger
func (s *Storage) SearchUsers(_ context.Context, query string, limit int) ([]gocredit.User, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []gocredit.User
	for _, u := range s.users {
		if MatchesQuery(u, query) {
			matches = append(matches, *u)
		}
	}
	SortUsers(matches)

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// ListTransactions implements gocredit.Ledger
func (s *Storage) ListTransactions(
	_ context.Context, userID string, page gocredit.PageRequest,
) (*gocredit.TransactionPage, error) {
	page = gocredit.NormalizePage(page)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.users[userID]; !ok {
		return nil, gocredit.ErrUserNotFound
	}

	history := s.transactions[userID]
	total := len(history)
	out := make([]gocredit.CreditTransaction, 0, page.Limit)
	for i := page.Offset; i < total && len(out) < page.Limit; i++ {
		out = append(out, history[total-1-i])
	}

	return &gocredit.TransactionPage{
		Transactions: out,
		HasMore:      page.Offset+len(out) < total,
	}, nil
}

// ApplyTransaction implements gocredit.Ledger
func (s *Storage) ApplyTransaction(_ context.Context, entry *gocredit.LedgerEntry) (*gocredit.AdjustmentResult, error) {
	if err := gocredit.ValidateLedgerEntry(entry); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry.IdempotencyKey != "" {
		if rec, ok := s.idempotency[entry.IdempotencyKey]; ok && now.Before(rec.expiresAt) {
			if !rec.entry.Matches(entry) {
				return nil, gocredit.ErrIdempotencyKeyExists
			}
			return copyResult(rec.result), nil
		}
	}

	u, ok := s.users[entry.UserID]
	if !ok {
		return nil, gocredit.ErrUserNotFound
	}

	newBalance := u.Balance + entry.Amount
	if newBalance < 0 {
		return nil, gocredit.ErrInsufficientCredits
	}

	tx := gocredit.CreditTransaction{
		ID:          uuid.NewString(),
		Description: entry.Description,
		Amount:      entry.Amount,
		Type:        entry.Type(),
		CreatedAt:   now,
	}
	u.Balance = newBalance
	u.UpdatedAt = now
	s.transactions[u.ID] = append(s.transactions[u.ID], tx)

	result := gocredit.AdjustmentResult{
		UserID:      u.ID,
		NewBalance:  newBalance,
		Transaction: &tx,
	}
	if entry.IdempotencyKey != "" {
		s.idempotency[entry.IdempotencyKey] = &idempotencyRecord{
			entry:     *entry,
			result:    result,
			expiresAt: now.Add(entry.KeyTTL()),
		}
	}

	return copyResult(result), nil
}

func copyResult(r gocredit.AdjustmentResult) *gocredit.AdjustmentResult {
	if r.Transaction != nil {
		tx := *r.Transaction
		r.Transaction = &tx
	}
	return &r
}

// DeleteUser removes a user and its history. Deleting an unknown user is not an error.
func (s *Storage) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.users, userID)
	delete(s.transactions, userID)
	return nil
}

// Cleanup drops expired idempotency records
func (s *Storage) Cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, rec := range s.idempotency {
		if !now.Before(rec.expiresAt) {
			delete(s.idempotency, key)
		}
	}
	return nil
}

// MatchesQuery reports whether a lower-cased query matches the user's id, email or name.
// Shared by the storage adapters that filter in Go.
func MatchesQuery(u *gocredit.User, query string) bool {
	return strings.Contains(strings.ToLower(u.ID), query) ||
		strings.Contains(strings.ToLower(u.Email), query) ||
		strings.Contains(strings.ToLower(u.Name), query)
}

// SortUsers orders search results by email, then id
func SortUsers(users []gocredit.User) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].Email != users[j].Email {
			return users[i].Email < users[j].Email
		}
		return users[i].ID < users[j].ID
	})
}
