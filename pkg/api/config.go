package api

import (
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

const (
	defaultSearchLimit  = 20
	defaultMaxBodyBytes = 64 << 10
	defaultClientBurst  = 10
)

// Config holds configuration for the credit API handler
type Config struct {
	// Ledger stores balances and transactions (required)
	Ledger gocredit.Ledger

	// Secret is the HS256 key used to verify bearer tokens (required)
	Secret []byte

	// SearchLimit caps admin user search results (default: 20)
	SearchLimit int

	// MaxBodyBytes limits request bodies (default: 64KiB)
	MaxBodyBytes int64

	// IdempotencyKeyTTL is how long adjustment keys are remembered
	// (default: gocredit.DefaultIdempotencyKeyTTL)
	IdempotencyKeyTTL time.Duration

	// ClientRateLimit is the per-IP request rate (0 = unlimited).
	// X-Forwarded-For is trusted, so only enable behind a proxy that sets it.
	ClientRateLimit rate.Limit

	// ClientBurst is the per-client burst size (default: 10)
	ClientBurst int

	// OnError handles errors (auth, validation, storage, etc.)
	// If nil, writes {"error": "..."} with the mapped status code
	OnError func(w http.ResponseWriter, r *http.Request, err error, statusCode int)

	// Logger is used for request logging (default: NoopLogger)
	Logger gocredit.Logger

	// Metrics records ledger operations (default: NoopMetrics)
	Metrics gocredit.Metrics
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if len(c.Secret) == 0 {
		return fmt.Errorf("secret is required")
	}
	if c.SearchLimit < 0 {
		return fmt.Errorf("search limit must not be negative")
	}
	return nil
}

// NewHandler creates a new credit API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if config.SearchLimit == 0 {
		config.SearchLimit = defaultSearchLimit
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.IdempotencyKeyTTL <= 0 {
		config.IdempotencyKeyTTL = gocredit.DefaultIdempotencyKeyTTL
	}
	if config.ClientBurst <= 0 {
		config.ClientBurst = defaultClientBurst
	}
	if config.Logger == nil {
		config.Logger = &gocredit.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &gocredit.NoopMetrics{}
	}

	h := &Handler{config: config}
	if config.ClientRateLimit > 0 {
		h.limiter = newClientLimiter(config.ClientRateLimit, config.ClientBurst, 10*time.Minute)
	}
	h.router = h.routes()
	return h, nil
}
