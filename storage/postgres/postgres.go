// Package postgres provides a PostgreSQL implementation of the gocredit.Ledger interface.
// Balance changes run in a SQL transaction that locks the user row with SELECT FOR UPDATE.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

//go:embed schema.sql
var schema string

// Storage implements gocredit.Ledger using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate creates the tables on startup when they do not exist
	AutoMigrate bool

	// Cleanup configuration for expired idempotency keys
	CleanupEnabled  bool
	CleanupInterval time.Duration

	// Logger receives cleanup failures (default: NoopLogger)
	Logger gocredit.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	if config.Logger == nil {
		config.Logger = &gocredit.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the ledger tables if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// UpsertUser implements gocredit.Ledger
func (s *Storage) UpsertUser(ctx context.Context, user *gocredit.User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("invalid user")
	}
	if user.Balance < 0 {
		return gocredit.ErrInsufficientCredits
	}

	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credit_users (id, email, name, is_admin, balance, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				name = EXCLUDED.name,
				is_admin = EXCLUDED.is_admin,
				updated_at = EXCLUDED.updated_at`,
		user.ID, user.Email, user.Name, user.IsAdmin, user.Balance, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// GetUser implements gocredit.Ledger
func (s *Storage) GetUser(ctx context.Context, userID string) (*gocredit.User, error) {
	var u gocredit.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, is_admin, balance, created_at, updated_at
			FROM credit_users WHERE id = $1`,
		userID).Scan(&u.ID, &u.Email, &u.Name, &u.IsAdmin, &u.Balance, &u.CreatedAt, &u.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gocredit.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// SearchUsers implements gocredit.Ledger
func (s *Storage) SearchUsers(ctx context.Context, query string, limit int) ([]gocredit.User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, email, name, is_admin, balance, created_at, updated_at
			FROM credit_users
			WHERE id ILIKE $1 OR email ILIKE $1 OR name ILIKE $1
			ORDER BY email, id
			LIMIT $2`,
		"%"+escapeLike(query)+"%", limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}

	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (gocredit.User, error) {
		var u gocredit.User
		err := row.Scan(&u.ID, &u.Email, &u.Name, &u.IsAdmin, &u.Balance, &u.CreatedAt, &u.UpdatedAt)
		return u, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan users: %w", err)
	}
	return users, nil
}

// ListTransactions implements gocredit.Ledger
func (s *Storage) ListTransactions(
	ctx context.Context, userID string, page gocredit.PageRequest,
) (*gocredit.TransactionPage, error) {
	page = gocredit.NormalizePage(page)

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM credit_users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check user: %w", err)
	}
	if !exists {
		return nil, gocredit.ErrUserNotFound
	}

	// Fetch one extra row to learn whether another page exists
	rows, err := s.pool.Query(ctx,
		`SELECT id, description, amount, transaction_type, created_at
			FROM credit_transactions
			WHERE user_id = $1
			ORDER BY seq DESC
			LIMIT $2 OFFSET $3`,
		userID, page.Limit+1, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	txs, err := pgx.CollectRows(rows, scanTransaction)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transactions: %w", err)
	}

	hasMore := len(txs) > page.Limit
	if hasMore {
		txs = txs[:page.Limit]
	}
	return &gocredit.TransactionPage{Transactions: txs, HasMore: hasMore}, nil
}

func scanTransaction(row pgx.CollectableRow) (gocredit.CreditTransaction, error) {
	var tx gocredit.CreditTransaction
	var txType string
	err := row.Scan(&tx.ID, &tx.Description, &tx.Amount, &txType, &tx.CreatedAt)
	tx.Type = gocredit.TransactionType(txType)
	return tx, err
}

// ApplyTransaction implements gocredit.Ledger
func (s *Storage) ApplyTransaction(ctx context.Context, entry *gocredit.LedgerEntry) (*gocredit.AdjustmentResult, error) {
	if err := gocredit.ValidateLedgerEntry(entry); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	now := time.Now().UTC()

	if entry.IdempotencyKey != "" {
		result, err := s.replay(ctx, tx, entry, now)
		if err != nil || result != nil {
			return result, err
		}
	}

	var balance int
	err = tx.QueryRow(ctx,
		`SELECT balance FROM credit_users WHERE id = $1 FOR UPDATE`,
		entry.UserID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gocredit.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}

	newBalance := balance + entry.Amount
	if newBalance < 0 {
		return nil, gocredit.ErrInsufficientCredits
	}

	applied := gocredit.CreditTransaction{
		ID:          uuid.NewString(),
		Description: entry.Description,
		Amount:      entry.Amount,
		Type:        entry.Type(),
		CreatedAt:   now,
	}

	if _, err = tx.Exec(ctx,
		`UPDATE credit_users SET balance = $1, updated_at = $2 WHERE id = $3`,
		newBalance, now, entry.UserID); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	if _, err = tx.Exec(ctx,
		`INSERT INTO credit_transactions
				(id, user_id, description, amount, transaction_type, balance_after, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		applied.ID, entry.UserID, applied.Description, applied.Amount,
		string(applied.Type), newBalance, now); err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	if entry.IdempotencyKey != "" {
		// Expired keys may linger until cleanup runs
		if _, err = tx.Exec(ctx,
			`DELETE FROM credit_idempotency_keys WHERE idempotency_key = $1 AND expires_at <= $2`,
			entry.IdempotencyKey, now); err != nil {
			return nil, fmt.Errorf("failed to clear expired key: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO credit_idempotency_keys
					(idempotency_key, user_id, amount, description, transaction_id, new_balance, expires_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (idempotency_key) DO NOTHING`,
			entry.IdempotencyKey, entry.UserID, entry.Amount, entry.Description,
			applied.ID, newBalance, now.Add(entry.KeyTTL()))
		if err != nil {
			return nil, fmt.Errorf("failed to record idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// A concurrent request with the same key committed first: discard this
			// application and answer with the stored result
			if err := tx.Rollback(ctx); err != nil {
				return nil, fmt.Errorf("failed to rollback: %w", err)
			}
			result, err := s.replay(ctx, s.pool, entry, now)
			if err != nil {
				return nil, err
			}
			if result == nil {
				return nil, gocredit.ErrIdempotencyKeyExists
			}
			return result, nil
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &gocredit.AdjustmentResult{
		UserID:      entry.UserID,
		NewBalance:  newBalance,
		Transaction: &applied,
	}, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// replay returns the stored result for an unexpired idempotency key, or nil when the
// key is unknown
func (s *Storage) replay(
	ctx context.Context, q querier, entry *gocredit.LedgerEntry, now time.Time,
) (*gocredit.AdjustmentResult, error) {
	var stored gocredit.LedgerEntry
	var newBalance int
	var applied gocredit.CreditTransaction
	var txType string

	err := q.QueryRow(ctx,
		`SELECT k.user_id, k.amount, k.description, k.new_balance,
				t.id, t.description, t.amount, t.transaction_type, t.created_at
			FROM credit_idempotency_keys k
			JOIN credit_transactions t ON t.id = k.transaction_id
			WHERE k.idempotency_key = $1 AND k.expires_at > $2`,
		entry.IdempotencyKey, now).Scan(
		&stored.UserID, &stored.Amount, &stored.Description, &newBalance,
		&applied.ID, &applied.Description, &applied.Amount, &txType, &applied.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}

	if !stored.Matches(entry) {
		return nil, gocredit.ErrIdempotencyKeyExists
	}
	applied.Type = gocredit.TransactionType(txType)
	return &gocredit.AdjustmentResult{
		UserID:      stored.UserID,
		NewBalance:  newBalance,
		Transaction: &applied,
	}, nil
}

// startCleanup runs periodic cleanup of expired idempotency keys
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil {
				s.config.Logger.Warn("idempotency key cleanup failed", gocredit.Field{Key: "error", Value: err})
			}
		}
	}
}

// Cleanup deletes expired idempotency keys. It can also be called manually.
func (s *Storage) Cleanup(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM credit_idempotency_keys WHERE expires_at <= $1`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cleanup idempotency keys: %w", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
