// Package config loads creditd settings from the environment, reading a .env
// file first when one exists.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const devSecret = "gocredit-dev-secret"

// Storage backends creditd can run on
const (
	StorageMemory    = "memory"
	StorageRedis     = "redis"
	StoragePostgres  = "postgres"
	StorageFirestore = "firestore"
	StorageTiered    = "tiered"
)

// Config holds the creditd server settings
type Config struct {
	// Server
	Port            string        `validate:"required,numeric"`
	Env             string        `validate:"oneof=development production test"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	// Auth
	JWTSecret string `validate:"required,min=16"`

	// Storage selects the ledger backend
	Storage          string `validate:"oneof=memory redis postgres firestore tiered"`
	RedisURL         string `validate:"required_if=Storage redis"`
	DatabaseURL      string `validate:"required_if=Storage postgres,required_if=Storage tiered"`
	FirestoreProject string `validate:"required_if=Storage firestore"`

	// API limits
	ClientRateLimit float64 `validate:"gte=0"`
	ClientBurst     int     `validate:"gte=0"`
	SearchLimit     int     `validate:"gte=0,lte=100"`

	// Seed users created at startup, "id:balance[:admin]" separated by commas
	SeedUsers []SeedUser `validate:"dive"`

	// Logging
	LogLevel string `validate:"oneof=debug info warn error"`
}

// SeedUser is a user created at startup if it does not exist yet
type SeedUser struct {
	ID      string `validate:"required"`
	Balance int    `validate:"gte=0"`
	IsAdmin bool
}

// IsDevelopment reports whether creditd runs with development defaults
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Load reads the configuration from the environment
func Load() (*Config, error) {
	// Load .env file in development
	_ = godotenv.Load()

	env := getEnv("ENV", "development")

	secret := getEnv("JWT_SECRET", "")
	if secret == "" && env == "development" {
		secret = devSecret
	}

	seedDefault := ""
	if env == "development" {
		seedDefault = "admin:0:admin,demo:100"
	}
	seeds, err := parseSeedUsers(getEnv("SEED_USERS", seedDefault))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		Env:             env,
		ShutdownTimeout: parseDuration(getEnv("SHUTDOWN_TIMEOUT", "15s"), 15*time.Second),

		JWTSecret: secret,

		Storage:          strings.ToLower(getEnv("STORAGE", StorageMemory)),
		RedisURL:         getEnv("REDIS_URL", ""),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		FirestoreProject: getEnv("FIRESTORE_PROJECT", ""),

		ClientRateLimit: parseFloat(getEnv("CLIENT_RATE_LIMIT", "0"), 0),
		ClientBurst:     parseInt(getEnv("CLIENT_BURST", "10"), 10),
		SearchLimit:     parseInt(getEnv("SEARCH_LIMIT", "20"), 20),

		SeedUsers: seeds,

		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// parseSeedUsers reads "id:balance[:admin]" entries separated by commas
func parseSeedUsers(s string) ([]SeedUser, error) {
	var out []SeedUser
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		parts := strings.Split(item, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid seed user %q: want id:balance[:admin]", item)
		}
		balance, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid seed user %q: %w", item, err)
		}

		seed := SeedUser{ID: strings.TrimSpace(parts[0]), Balance: balance}
		if len(parts) == 3 {
			if parts[2] != "admin" {
				return nil, fmt.Errorf("invalid seed user %q: unknown flag %q", item, parts[2])
			}
			seed.IsAdmin = true
		}
		out = append(out, seed)
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

func parseInt(s string, defaultValue int) int {
	value, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return value
}

func parseFloat(s string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
