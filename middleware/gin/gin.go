// Package gin provides Gin middleware that charges credits for generation requests
package gin

import (
	"fmt"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gocredit/middleware/internal/charge"
	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// ChargeKey is the Gin context key holding the applied Charge
const ChargeKey = "gocredit.charge"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// PricingExtractor reads the generation parameters that determine the charge
type PricingExtractor func(c *gongin.Context) (gocredit.PricingRequest, error)

// Charge describes the credits taken for the current request
type Charge = charge.Charge

// Config holds middleware configuration
type Config struct {
	// Ledger holds user balances (required)
	Ledger gocredit.Ledger

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetPricing extracts the generation parameters from context (required)
	GetPricing PricingExtractor

	// PriceTable prices requests (default: gocredit.DefaultPriceTable)
	PriceTable *gocredit.PriceTable

	// OnInsufficientCredits is called when the balance cannot cover the cost
	// If nil, returns 402 JSON with the required cost
	OnInsufficientCredits func(c *gongin.Context, cost int)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when pricing or the ledger fails
	// If nil, returns 400 for pricing errors and 500 otherwise
	OnError func(c *gongin.Context, err error)

	// Logger is used for charge and refund logging (default: NoopLogger)
	Logger gocredit.Logger
}

// Middleware creates a Gin middleware that charges credits before the handler runs
// and refunds them when the handler responds with a 5xx or panics.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("gocredit/gin: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("gocredit/gin: Config.GetUserID is required")
	}
	if cfg.GetPricing == nil {
		panic("gocredit/gin: Config.GetPricing is required")
	}

	// Set defaults
	if cfg.PriceTable == nil {
		table := gocredit.DefaultPriceTable()
		cfg.PriceTable = &table
	}
	if cfg.Logger == nil {
		cfg.Logger = &gocredit.NoopLogger{}
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		req, err := cfg.GetPricing(c)
		if err == nil {
			err = gocredit.ValidatePricingRequest(req)
		}
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			}
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		applied, err := charge.Apply(ctx, cfg.Ledger, cfg.PriceTable, userID, req, charge.Describe(req))
		if err != nil {
			switch {
			case charge.IsInsufficient(err):
				if cfg.OnInsufficientCredits != nil {
					cfg.OnInsufficientCredits(c, applied.Cost)
				} else {
					c.JSON(http.StatusPaymentRequired, gongin.H{
						"error":    "Insufficient credits",
						"required": applied.Cost,
					})
				}
			case cfg.OnError != nil:
				cfg.OnError(c, err)
			default:
				cfg.Logger.Error("credit charge failed",
					gocredit.Field{Key: "user_id", Value: userID},
					gocredit.Field{Key: "error", Value: err},
				)
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		c.Set(ChargeKey, applied)
		c.Header("X-Credits-Charged", fmt.Sprintf("%d", applied.Cost))
		c.Header("X-Credits-Remaining", fmt.Sprintf("%d", applied.BalanceAfter))

		defer func() {
			if p := recover(); p != nil {
				_ = charge.Refund(ctx, cfg.Ledger, cfg.Logger, applied)
				panic(p)
			}
		}()

		// Proceed to handler
		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			_ = charge.Refund(ctx, cfg.Ledger, cfg.Logger, applied)
		}
	}
}

// GetCharge returns the charge stored by the middleware
func GetCharge(c *gongin.Context) (Charge, bool) {
	val, exists := c.Get(ChargeKey)
	if !exists {
		return Charge{}, false
	}
	ch, ok := val.(Charge)
	return ch, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an auth middleware via c.Set(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// Convenience extractors for pricing

// FixedPricing returns a PricingExtractor that always prices the same request
func FixedPricing(req gocredit.PricingRequest) PricingExtractor {
	return func(*gongin.Context) (gocredit.PricingRequest, error) {
		return req, nil
	}
}

// FromJSONBody returns a PricingExtractor that binds the pricing fields from the
// JSON body. The body stays readable by the handler through ShouldBindBodyWithJSON.
func FromJSONBody() PricingExtractor {
	return func(c *gongin.Context) (gocredit.PricingRequest, error) {
		var req gocredit.PricingRequest
		if err := c.ShouldBindBodyWithJSON(&req); err != nil {
			return req, err
		}
		return req, nil
	}
}
