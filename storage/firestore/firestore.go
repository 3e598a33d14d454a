// Package firestore provides a Firestore implementation of the gocredit.Ledger interface.
// Balances and idempotency records are updated inside Firestore transactions.
package firestore

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
	"github.com/mihaimyh/gocredit/storage/memory"
)

const transactionsSubcollection = "transactions"

// Storage implements gocredit.Ledger using Google Cloud Firestore
type Storage struct {
	client                 *firestore.Client
	usersCollection        string
	idempotencyCollection  string
	searchScanLimit        int
	maxTransactionAttempts int
	now                    func() time.Time
}

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection is the Firestore collection for user accounts.
	// Each user document has a "transactions" subcollection.
	// Default: "credit_users"
	UsersCollection string

	// IdempotencyCollection is the Firestore collection for applied idempotency keys
	// Default: "credit_idempotency_keys"
	IdempotencyCollection string

	// SearchScanLimit caps how many user documents a search reads
	// Default: 10000
	SearchScanLimit int

	// MaxTransactionAttempts bounds retries of contended balance updates
	// Default: 10
	MaxTransactionAttempts int
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.UsersCollection == "" {
		config.UsersCollection = "credit_users"
	}
	if config.IdempotencyCollection == "" {
		config.IdempotencyCollection = "credit_idempotency_keys"
	}
	if config.SearchScanLimit <= 0 {
		config.SearchScanLimit = 10000
	}
	if config.MaxTransactionAttempts <= 0 {
		config.MaxTransactionAttempts = 10
	}

	return &Storage{
		client:                 client,
		usersCollection:        config.UsersCollection,
		idempotencyCollection:  config.IdempotencyCollection,
		searchScanLimit:        config.SearchScanLimit,
		maxTransactionAttempts: config.MaxTransactionAttempts,
		now:                    func() time.Time { return time.Now().UTC() },
	}, nil
}

// UpsertUser implements gocredit.Ledger. The balance is only written when the
// user is created.
func (s *Storage) UpsertUser(ctx context.Context, user *gocredit.User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("invalid user")
	}
	if user.Balance < 0 {
		return gocredit.ErrInsufficientCredits
	}

	doc := s.userDoc(user.ID)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		now := s.now()
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		profile := map[string]interface{}{
			"email":      user.Email,
			"name":       user.Name,
			"emailLower": strings.ToLower(user.Email),
			"nameLower":  strings.ToLower(user.Name),
			"isAdmin":    user.IsAdmin,
			"updatedAt":  now,
		}
		if snap != nil && snap.Exists() {
			return tx.Set(doc, profile, firestore.MergeAll)
		}

		profile["balance"] = user.Balance
		profile["txCount"] = 0
		profile["createdAt"] = now
		return tx.Create(doc, profile)
	}, firestore.MaxAttempts(s.maxTransactionAttempts))
}

// GetUser implements gocredit.Ledger
func (s *Storage) GetUser(ctx context.Context, userID string) (*gocredit.User, error) {
	if userID == "" {
		return nil, gocredit.ErrUserNotFound
	}

	snap, err := s.userDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, gocredit.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !snap.Exists() {
		return nil, gocredit.ErrUserNotFound
	}

	return userFromData(userID, snap.Data()), nil
}

// SearchUsers implements gocredit.Ledger. Firestore has no substring queries, so
// up to SearchScanLimit users are read and matched in memory.
func (s *Storage) SearchUsers(ctx context.Context, query string, limit int) ([]gocredit.User, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}

	docs, err := s.client.Collection(s.usersCollection).Limit(s.searchScanLimit).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to scan users: %w", err)
	}

	var matches []gocredit.User
	for _, snap := range docs {
		u := userFromData(snap.Ref.ID, snap.Data())
		if memory.MatchesQuery(u, query) {
			matches = append(matches, *u)
		}
	}
	memory.SortUsers(matches)

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// ListTransactions implements gocredit.Ledger
func (s *Storage) ListTransactions(
	ctx context.Context, userID string, page gocredit.PageRequest,
) (*gocredit.TransactionPage, error) {
	page = gocredit.NormalizePage(page)

	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	docs, err := s.userDoc(userID).Collection(transactionsSubcollection).
		OrderBy("seq", firestore.Desc).
		Offset(page.Offset).
		Limit(page.Limit + 1).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	hasMore := len(docs) > page.Limit
	if hasMore {
		docs = docs[:page.Limit]
	}

	out := make([]gocredit.CreditTransaction, 0, len(docs))
	for _, snap := range docs {
		out = append(out, transactionFromData(snap.Data()))
	}

	return &gocredit.TransactionPage{Transactions: out, HasMore: hasMore}, nil
}

// ApplyTransaction implements gocredit.Ledger
func (s *Storage) ApplyTransaction(ctx context.Context, entry *gocredit.LedgerEntry) (*gocredit.AdjustmentResult, error) {
	if err := gocredit.ValidateLedgerEntry(entry); err != nil {
		return nil, err
	}

	userRef := s.userDoc(entry.UserID)
	var result *gocredit.AdjustmentResult

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		result = nil
		now := s.now()

		// All reads happen before any write
		var keyRef *firestore.DocumentRef
		if entry.IdempotencyKey != "" {
			keyRef = s.client.Collection(s.idempotencyCollection).Doc(entry.IdempotencyKey)
			snap, err := tx.Get(keyRef)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if snap != nil && snap.Exists() {
				data := snap.Data()
				if getTime(data, "expiresAt").After(now) {
					replayed, err := replayResult(entry, data)
					if err != nil {
						return err
					}
					result = replayed
					return nil
				}
			}
		}

		userSnap, err := tx.Get(userRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return gocredit.ErrUserNotFound
			}
			return err
		}
		data := userSnap.Data()

		newBalance := getInt(data, "balance") + entry.Amount
		if newBalance < 0 {
			return gocredit.ErrInsufficientCredits
		}
		seq := getInt(data, "txCount") + 1

		txn := gocredit.CreditTransaction{
			ID:          uuid.NewString(),
			Description: entry.Description,
			Amount:      entry.Amount,
			Type:        entry.Type(),
			CreatedAt:   now,
		}

		if err := tx.Update(userRef, []firestore.Update{
			{Path: "balance", Value: newBalance},
			{Path: "txCount", Value: seq},
			{Path: "updatedAt", Value: now},
		}); err != nil {
			return err
		}

		txRef := userRef.Collection(transactionsSubcollection).Doc(txn.ID)
		if err := tx.Create(txRef, map[string]interface{}{
			"id":              txn.ID,
			"description":     txn.Description,
			"amount":          txn.Amount,
			"transactionType": string(txn.Type),
			"balanceAfter":    newBalance,
			"seq":             seq,
			"createdAt":       now,
		}); err != nil {
			return err
		}

		if keyRef != nil {
			if err := tx.Set(keyRef, map[string]interface{}{
				"userId":          entry.UserID,
				"amount":          entry.Amount,
				"description":     entry.Description,
				"transactionId":   txn.ID,
				"transactionType": string(txn.Type),
				"newBalance":      newBalance,
				"createdAt":       now,
				"expiresAt":       now.Add(entry.KeyTTL()),
			}); err != nil {
				return err
			}
		}

		result = &gocredit.AdjustmentResult{
			UserID:      entry.UserID,
			NewBalance:  newBalance,
			Transaction: &txn,
		}
		return nil
	}, firestore.MaxAttempts(s.maxTransactionAttempts))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// replayResult rebuilds the original result of an applied idempotency key
func replayResult(entry *gocredit.LedgerEntry, data map[string]interface{}) (*gocredit.AdjustmentResult, error) {
	stored := gocredit.LedgerEntry{
		UserID:      getString(data, "userId"),
		Amount:      getInt(data, "amount"),
		Description: getString(data, "description"),
	}
	if !stored.Matches(entry) {
		return nil, gocredit.ErrIdempotencyKeyExists
	}

	return &gocredit.AdjustmentResult{
		UserID:     stored.UserID,
		NewBalance: getInt(data, "newBalance"),
		Transaction: &gocredit.CreditTransaction{
			ID:          getString(data, "transactionId"),
			Description: stored.Description,
			Amount:      stored.Amount,
			Type:        gocredit.TransactionType(getString(data, "transactionType")),
			CreatedAt:   getTime(data, "createdAt"),
		},
	}, nil
}

// Cleanup deletes idempotency records whose TTL has passed
func (s *Storage) Cleanup(ctx context.Context) error {
	docs, err := s.client.Collection(s.idempotencyCollection).
		Where("expiresAt", "<=", s.now()).
		Documents(ctx).
		GetAll()
	if err != nil {
		return fmt.Errorf("failed to scan idempotency keys: %w", err)
	}

	bw := s.client.BulkWriter(ctx)
	defer bw.End()

	for _, snap := range docs {
		if _, err := bw.Delete(snap.Ref); err != nil {
			return fmt.Errorf("failed to delete idempotency key: %w", err)
		}
	}
	bw.Flush()
	return nil
}

// userDoc returns the Firestore document reference for a user
func (s *Storage) userDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.usersCollection).Doc(userID)
}

func userFromData(id string, data map[string]interface{}) *gocredit.User {
	isAdmin, _ := data["isAdmin"].(bool)
	return &gocredit.User{
		ID:        id,
		Email:     getString(data, "email"),
		Name:      getString(data, "name"),
		Balance:   getInt(data, "balance"),
		IsAdmin:   isAdmin,
		CreatedAt: getTime(data, "createdAt"),
		UpdatedAt: getTime(data, "updatedAt"),
	}
}

func transactionFromData(data map[string]interface{}) gocredit.CreditTransaction {
	return gocredit.CreditTransaction{
		ID:          getString(data, "id"),
		Description: getString(data, "description"),
		Amount:      getInt(data, "amount"),
		Type:        gocredit.TransactionType(getString(data, "transactionType")),
		CreatedAt:   getTime(data, "createdAt"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
