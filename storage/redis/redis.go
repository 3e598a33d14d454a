// Package redis provides a Redis implementation of the gocredit.Ledger interface.
// Balance changes run as a single Lua script so the check, the update, the history
// append and the idempotency record are atomic.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
	"github.com/mihaimyh/gocredit/storage/memory"
)

// Storage implements gocredit.Ledger using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gocredit:")
	KeyPrefix string

	// HistoryLimit caps the stored transactions per user (0 = unlimited)
	HistoryLimit int

	// SearchScanLimit caps how many users a search inspects (default: 10000)
	SearchScanLimit int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:       "gocredit:",
		SearchScanLimit: 10000,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "gocredit:"
	}
	if config.SearchScanLimit <= 0 {
		config.SearchScanLimit = 10000
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

func (s *Storage) loadScripts() {
	// KEYS: user hash, history list, idempotency hash (or "")
	// ARGV: amount, transaction json, entry fingerprint, idempotency ttl seconds, history limit, updated_at
	s.scripts["apply"] = redis.NewScript(`
		local userKey = KEYS[1]
		local historyKey = KEYS[2]
		local idemKey = KEYS[3]
		local amount = tonumber(ARGV[1])
		local txData = ARGV[2]
		local fingerprint = ARGV[3]
		local idemTTL = tonumber(ARGV[4])
		local historyLimit = tonumber(ARGV[5])

		if idemKey ~= "" then
			local rec = redis.call('HMGET', idemKey, 'fingerprint', 'transaction', 'new_balance')
			if rec[1] then
				if rec[1] ~= fingerprint then
					return {'key_conflict', '', ''}
				end
				return {'replay', rec[2], tostring(rec[3])}
			end
		end

		if redis.call('EXISTS', userKey) == 0 then
			return {'not_found', '', ''}
		end

		local balance = tonumber(redis.call('HGET', userKey, 'balance') or '0')
		local newBalance = balance + amount
		if newBalance < 0 then
			return {'insufficient', '', tostring(balance)}
		end

		redis.call('HSET', userKey, 'balance', newBalance, 'updated_at', ARGV[6])
		redis.call('LPUSH', historyKey, txData)
		if historyLimit > 0 then
			redis.call('LTRIM', historyKey, 0, historyLimit - 1)
		end

		if idemKey ~= "" then
			redis.call('HSET', idemKey, 'fingerprint', fingerprint, 'transaction', txData, 'new_balance', newBalance)
			if idemTTL > 0 then
				redis.call('EXPIRE', idemKey, idemTTL)
			end
		end

		return {'ok', txData, tostring(newBalance)}
	`)
}

// UpsertUser implements gocredit.Ledger
func (s *Storage) UpsertUser(ctx context.Context, user *gocredit.User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("invalid user")
	}
	if user.Balance < 0 {
		return gocredit.ErrInsufficientCredits
	}

	key := s.userKey(user.ID)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"email", user.Email,
			"name", user.Name,
			"is_admin", strconv.FormatBool(user.IsAdmin),
			"updated_at", now,
		)
		// Only a new user gets the initial balance and creation time
		pipe.HSetNX(ctx, key, "balance", user.Balance)
		pipe.HSetNX(ctx, key, "created_at", now)
		pipe.SAdd(ctx, s.usersKey(), user.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// GetUser implements gocredit.Ledger
func (s *Storage) GetUser(ctx context.Context, userID string) (*gocredit.User, error) {
	fields, err := s.client.HGetAll(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if len(fields) == 0 {
		return nil, gocredit.ErrUserNotFound
	}
	return parseUser(userID, fields)
}

func parseUser(userID string, fields map[string]string) (*gocredit.User, error) {
	u := &gocredit.User{
		ID:    userID,
		Email: fields["email"],
		Name:  fields["name"],
	}

	var err error
	if v := fields["balance"]; v != "" {
		if u.Balance, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("failed to parse balance: %w", err)
		}
	}
	if v := fields["is_admin"]; v != "" {
		if u.IsAdmin, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("failed to parse is_admin: %w", err)
		}
	}
	if v := fields["created_at"]; v != "" {
		if u.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
	}
	if v := fields["updated_at"]; v != "" {
		if u.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("failed to parse updated_at: %w", err)
		}
	}
	return u, nil
}

// SearchUsers implements gocredit.Ledger. Redis has no secondary indexes here, so
// users are scanned from the id set and filtered in Go.
func (s *Storage) SearchUsers(ctx context.Context, query string, limit int) ([]gocredit.User, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}

	var ids []string
	iter := s.client.SScan(ctx, s.usersKey(), 0, "", 500).Iterator()
	for iter.Next(ctx) && len(ids) < s.config.SearchScanLimit {
		ids = append(ids, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan users: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.userKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}

	var matches []gocredit.User
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		u, err := parseUser(ids[i], fields)
		if err != nil {
			return nil, err
		}
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

	exists, err := s.client.Exists(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check user: %w", err)
	}
	if exists == 0 {
		return nil, gocredit.ErrUserNotFound
	}

	// Fetch one extra entry to learn whether another page exists
	start := int64(page.Offset)
	stop := start + int64(page.Limit)
	raw, err := s.client.LRange(ctx, s.historyKey(userID), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	hasMore := len(raw) > page.Limit
	if hasMore {
		raw = raw[:page.Limit]
	}

	txs := make([]gocredit.CreditTransaction, 0, len(raw))
	for _, item := range raw {
		var tx gocredit.CreditTransaction
		if err := json.Unmarshal([]byte(item), &tx); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
		}
		txs = append(txs, tx)
	}

	return &gocredit.TransactionPage{Transactions: txs, HasMore: hasMore}, nil
}

// ApplyTransaction implements gocredit.Ledger with atomic application via Lua script
func (s *Storage) ApplyTransaction(ctx context.Context, entry *gocredit.LedgerEntry) (*gocredit.AdjustmentResult, error) {
	if err := gocredit.ValidateLedgerEntry(entry); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tx := gocredit.CreditTransaction{
		ID:          uuid.NewString(),
		Description: entry.Description,
		Amount:      entry.Amount,
		Type:        entry.Type(),
		CreatedAt:   now,
	}
	txData, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction: %w", err)
	}

	idemKey := ""
	if entry.IdempotencyKey != "" {
		idemKey = s.idempotencyKey(entry.IdempotencyKey)
	}

	result, err := s.scripts["apply"].Run(
		ctx,
		s.client,
		[]string{s.userKey(entry.UserID), s.historyKey(entry.UserID), idemKey},
		entry.Amount,
		string(txData),
		fingerprint(entry),
		int64(entry.KeyTTL().Seconds()),
		s.config.HistoryLimit,
		now.Format(time.RFC3339Nano),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to execute apply script: %w", err)
	}
	if len(result) != 3 {
		return nil, fmt.Errorf("unexpected script result format")
	}

	switch result[0] {
	case "ok", "replay":
	case "not_found":
		return nil, gocredit.ErrUserNotFound
	case "insufficient":
		return nil, gocredit.ErrInsufficientCredits
	case "key_conflict":
		return nil, gocredit.ErrIdempotencyKeyExists
	default:
		return nil, fmt.Errorf("unexpected script status %q", result[0])
	}

	var applied gocredit.CreditTransaction
	if err := json.Unmarshal([]byte(result[1]), &applied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	newBalance, err := strconv.Atoi(result[2])
	if err != nil {
		return nil, fmt.Errorf("failed to parse balance: %w", err)
	}

	return &gocredit.AdjustmentResult{
		UserID:      entry.UserID,
		NewBalance:  newBalance,
		Transaction: &applied,
	}, nil
}

// DeleteUser removes a user, its history and its search index entry.
// Idempotency records expire on their own.
func (s *Storage) DeleteUser(ctx context.Context, userID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.userKey(userID), s.historyKey(userID))
		pipe.SRem(ctx, s.usersKey(), userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// Ping checks connectivity
func (s *Storage) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func fingerprint(entry *gocredit.LedgerEntry) string {
	return fmt.Sprintf("%s|%d|%s", entry.UserID, entry.Amount, entry.Description)
}

func (s *Storage) userKey(userID string) string {
	return fmt.Sprintf("%suser:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) usersKey() string {
	return s.config.KeyPrefix + "users"
}

func (s *Storage) historyKey(userID string) string {
	return fmt.Sprintf("%shistory:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) idempotencyKey(key string) string {
	return fmt.Sprintf("%sidempotency:%s", s.config.KeyPrefix, key)
}
