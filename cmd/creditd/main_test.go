package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredit/internal/config"
	"github.com/mihaimyh/gocredit/pkg/api"
	"github.com/mihaimyh/gocredit/pkg/gocredit"
	"github.com/mihaimyh/gocredit/storage/memory"
)

func TestOpenLedger_Memory(t *testing.T) {
	ledger, closeLedger, err := openLedger(context.Background(), &config.Config{Storage: config.StorageMemory}, &gocredit.NoopLogger{})
	require.NoError(t, err)
	defer closeLedger()

	_, ok := ledger.(*memory.Storage)
	assert.True(t, ok)
}

func TestOpenLedger_Unknown(t *testing.T) {
	_, _, err := openLedger(context.Background(), &config.Config{Storage: "mongo"}, &gocredit.NoopLogger{})
	assert.Error(t, err)
}

func TestSeedUsers(t *testing.T) {
	ctx := context.Background()
	ledger := memory.New()
	cfg := &config.Config{
		Env:       "development",
		JWTSecret: "gocredit-test-secret",
		SeedUsers: []config.SeedUser{
			{ID: "admin", IsAdmin: true},
			{ID: "demo", Balance: 100},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, seedUsers(ctx, ledger, cfg, zerolog.New(&buf)))

	admin, err := ledger.GetUser(ctx, "admin")
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin)

	demo, err := ledger.GetUser(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 100, demo.Balance)

	// Development logs a usable token per seeded user
	assert.Equal(t, 2, strings.Count(buf.String(), `"token":"`))

	// Existing users keep their balance on restart
	_, err = ledger.ApplyTransaction(ctx, &gocredit.LedgerEntry{UserID: "demo", Amount: -40})
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, seedUsers(ctx, ledger, cfg, zerolog.New(&buf)))

	demo, err = ledger.GetUser(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 60, demo.Balance)
	assert.Empty(t, buf.String())
}

func TestSeedUsers_TokenVerifies(t *testing.T) {
	ledger := memory.New()
	cfg := &config.Config{
		Env:       "development",
		JWTSecret: "gocredit-test-secret",
		SeedUsers: []config.SeedUser{{ID: "admin", IsAdmin: true}},
	}

	var buf bytes.Buffer
	require.NoError(t, seedUsers(context.Background(), ledger, cfg, zerolog.New(&buf)))

	token := buf.String()
	start := strings.Index(token, `"token":"`) + len(`"token":"`)
	token = token[start:]
	token = token[:strings.Index(token, `"`)]

	claims, err := api.ParseToken([]byte(cfg.JWTSecret), token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Subject)
	assert.True(t, claims.Admin)
}

func TestNewRootLogger_Level(t *testing.T) {
	logger := newRootLogger(&config.Config{Env: "production", LogLevel: "warn"})
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	logger = newRootLogger(&config.Config{Env: "production", LogLevel: "bogus"})
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}
