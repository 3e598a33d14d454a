// Package fiber provides Fiber middleware that charges credits for generation requests
package fiber

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gocredit/middleware/internal/charge"
	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// ChargeKey is the Fiber locals key holding the applied Charge
const ChargeKey = "gocredit.charge"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// PricingExtractor reads the generation parameters that determine the charge
type PricingExtractor func(c *fiber.Ctx) (gocredit.PricingRequest, error)

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
	OnInsufficientCredits func(c *fiber.Ctx, cost int) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when pricing or the ledger fails
	// If nil, returns 400 for pricing errors and 500 otherwise
	OnError func(c *fiber.Ctx, err error) error

	// Logger is used for charge and refund logging (default: NoopLogger)
	Logger gocredit.Logger
}

// Middleware creates a Fiber middleware that charges credits before the handler
// runs and refunds them when the handler fails with a 5xx or panics.
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("gocredit/fiber: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("gocredit/fiber: Config.GetUserID is required")
	}
	if cfg.GetPricing == nil {
		panic("gocredit/fiber: Config.GetPricing is required")
	}

	// Set defaults
	if cfg.PriceTable == nil {
		table := gocredit.DefaultPriceTable()
		cfg.PriceTable = &table
	}
	if cfg.Logger == nil {
		cfg.Logger = &gocredit.NoopLogger{}
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		req, err := cfg.GetPricing(c)
		if err == nil {
			err = gocredit.ValidatePricingRequest(req)
		}
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
		}

		ctx := c.UserContext()
		applied, err := charge.Apply(ctx, cfg.Ledger, cfg.PriceTable, userID, req, charge.Describe(req))
		if err != nil {
			if charge.IsInsufficient(err) {
				if cfg.OnInsufficientCredits != nil {
					return cfg.OnInsufficientCredits(c, applied.Cost)
				}
				return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
					"error":    "Insufficient credits",
					"required": applied.Cost,
				})
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			cfg.Logger.Error("credit charge failed",
				gocredit.Field{Key: "user_id", Value: userID},
				gocredit.Field{Key: "error", Value: err},
			)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		c.Locals(ChargeKey, applied)
		c.Set("X-Credits-Charged", fmt.Sprintf("%d", applied.Cost))
		c.Set("X-Credits-Remaining", fmt.Sprintf("%d", applied.BalanceAfter))

		defer func() {
			if p := recover(); p != nil {
				_ = charge.Refund(ctx, cfg.Ledger, cfg.Logger, applied)
				panic(p)
			}
		}()

		err = c.Next()
		if responseStatus(c, err) >= fiber.StatusInternalServerError {
			_ = charge.Refund(ctx, cfg.Ledger, cfg.Logger, applied)
		}
		return err
	}
}

// responseStatus returns the status the request will end with. Errors returned by
// the handler are written later by Fiber's error handler.
func responseStatus(c *fiber.Ctx, err error) int {
	if err == nil {
		return c.Response().StatusCode()
	}
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return fiberErr.Code
	}
	return fiber.StatusInternalServerError
}

// GetCharge returns the charge stored by the middleware
func GetCharge(c *fiber.Ctx) (Charge, bool) {
	ch, ok := c.Locals(ChargeKey).(Charge)
	return ch, ok
}

// Convenience extractors for User ID

// FromLocals returns a UserIDExtractor that gets user ID from Fiber locals
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// Convenience extractors for pricing

// FixedPricing returns a PricingExtractor that always prices the same request
func FixedPricing(req gocredit.PricingRequest) PricingExtractor {
	return func(*fiber.Ctx) (gocredit.PricingRequest, error) {
		return req, nil
	}
}

// FromBody returns a PricingExtractor that parses the pricing fields from the JSON body
func FromBody() PricingExtractor {
	return func(c *fiber.Ctx) (gocredit.PricingRequest, error) {
		var req gocredit.PricingRequest
		if err := c.BodyParser(&req); err != nil {
			return req, err
		}
		return req, nil
	}
}
