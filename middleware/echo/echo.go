// Package echo provides Echo middleware that charges credits for generation requests
package echo

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gocredit/middleware/internal/charge"
	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// ChargeKey is the Echo context key holding the applied Charge
const ChargeKey = "gocredit.charge"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// PricingExtractor reads the generation parameters that determine the charge
type PricingExtractor func(c echo.Context) (gocredit.PricingRequest, error)

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
	OnInsufficientCredits func(c echo.Context, cost int) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when pricing or the ledger fails
	// If nil, returns 400 for pricing errors and 500 otherwise
	OnError func(c echo.Context, err error) error

	// Logger is used for charge and refund logging (default: NoopLogger)
	Logger gocredit.Logger
}

// Middleware creates an Echo middleware that charges credits before the handler
// runs and refunds them when the handler fails with a 5xx or panics.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("gocredit/echo: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("gocredit/echo: Config.GetUserID is required")
	}
	if cfg.GetPricing == nil {
		panic("gocredit/echo: Config.GetPricing is required")
	}

	// Set defaults
	if cfg.PriceTable == nil {
		table := gocredit.DefaultPriceTable()
		cfg.PriceTable = &table
	}
	if cfg.Logger == nil {
		cfg.Logger = &gocredit.NoopLogger{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			req, pricingErr := cfg.GetPricing(c)
			if pricingErr == nil {
				pricingErr = gocredit.ValidatePricingRequest(req)
			}
			if pricingErr != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, pricingErr)
				}
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
			}

			ctx := c.Request().Context()
			applied, chargeErr := charge.Apply(ctx, cfg.Ledger, cfg.PriceTable, userID, req, charge.Describe(req))
			if chargeErr != nil {
				if charge.IsInsufficient(chargeErr) {
					if cfg.OnInsufficientCredits != nil {
						return cfg.OnInsufficientCredits(c, applied.Cost)
					}
					return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
						"error":    "Insufficient credits",
						"required": applied.Cost,
					})
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, chargeErr)
				}
				cfg.Logger.Error("credit charge failed",
					gocredit.Field{Key: "user_id", Value: userID},
					gocredit.Field{Key: "error", Value: chargeErr},
				)
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			c.Set(ChargeKey, applied)
			c.Response().Header().Set("X-Credits-Charged", fmt.Sprintf("%d", applied.Cost))
			c.Response().Header().Set("X-Credits-Remaining", fmt.Sprintf("%d", applied.BalanceAfter))

			defer func() {
				if p := recover(); p != nil {
					_ = charge.Refund(ctx, cfg.Ledger, cfg.Logger, applied)
					panic(p)
				}
			}()

			err = next(c)
			if responseStatus(c, err) >= http.StatusInternalServerError {
				_ = charge.Refund(ctx, cfg.Ledger, cfg.Logger, applied)
			}
			return err
		}
	}
}

// responseStatus returns the status the request will end with. Errors returned by
// the handler are written later by Echo's error handler.
func responseStatus(c echo.Context, err error) int {
	if err == nil {
		if c.Response().Status == 0 {
			return http.StatusOK
		}
		return c.Response().Status
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}
	return http.StatusInternalServerError
}

// GetCharge returns the charge stored by the middleware
func GetCharge(c echo.Context) (Charge, bool) {
	ch, ok := c.Get(ChargeKey).(Charge)
	return ch, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// Convenience extractors for pricing

// FixedPricing returns a PricingExtractor that always prices the same request
func FixedPricing(req gocredit.PricingRequest) PricingExtractor {
	return func(echo.Context) (gocredit.PricingRequest, error) {
		return req, nil
	}
}
