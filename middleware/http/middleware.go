// Package http provides HTTP middleware that charges credits for generation requests
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/mihaimyh/gocredit/middleware/internal/charge"
	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// PricingExtractor reads the generation parameters that determine the charge
type PricingExtractor func(r *http.Request) (gocredit.PricingRequest, error)

// Config holds middleware configuration
type Config struct {
	// Ledger holds user balances (required)
	Ledger gocredit.Ledger

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetPricing extracts the generation parameters from request (required)
	GetPricing PricingExtractor

	// PriceTable prices requests (default: gocredit.DefaultPriceTable)
	PriceTable *gocredit.PriceTable

	// Describe builds the transaction description
	// Default: "Image generation" or "Image edit"
	Describe func(r *http.Request, req gocredit.PricingRequest) string

	// OnInsufficientCredits is called when the balance cannot cover the cost
	// If nil, returns 402 Payment Required
	OnInsufficientCredits func(w http.ResponseWriter, r *http.Request, cost int)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when pricing or the ledger fails
	// If nil, returns 400 for pricing errors and 500 otherwise
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Logger is used for charge and refund logging (default: NoopLogger)
	Logger gocredit.Logger
}

// Charge describes the credits taken for the current request
type Charge = charge.Charge

type chargeKey struct{}

// ChargeFromContext returns the charge applied by the middleware
func ChargeFromContext(ctx context.Context) (Charge, bool) {
	c, ok := ctx.Value(chargeKey{}).(Charge)
	return c, ok
}

// ErrInvalidPricing wraps GetPricing failures passed to OnError
var ErrInvalidPricing = errors.New("invalid pricing request")

// Middleware creates an HTTP middleware that charges the priced cost before the
// handler runs, and refunds it when the handler fails with a 5xx or panics.
func Middleware(config Config) func(http.Handler) http.Handler {
	// Set defaults
	if config.PriceTable == nil {
		table := gocredit.DefaultPriceTable()
		config.PriceTable = &table
	}
	if config.Describe == nil {
		config.Describe = func(_ *http.Request, req gocredit.PricingRequest) string {
			return charge.Describe(req)
		}
	}
	if config.Logger == nil {
		config.Logger = &gocredit.NoopLogger{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			req, err := config.GetPricing(r)
			if err == nil {
				err = gocredit.ValidatePricingRequest(req)
			}
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, fmt.Errorf("%w: %w", ErrInvalidPricing, err))
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}

			ctx := r.Context()
			c, err := charge.Apply(ctx, config.Ledger, config.PriceTable, userID, req, config.Describe(r, req))
			if err != nil {
				if charge.IsInsufficient(err) {
					if config.OnInsufficientCredits != nil {
						config.OnInsufficientCredits(w, r, c.Cost)
					} else {
						msg := fmt.Sprintf("Insufficient credits: %d required", c.Cost)
						http.Error(w, msg, http.StatusPaymentRequired)
					}
					return
				}

				config.Logger.Error("credit charge failed",
					gocredit.Field{Key: "user_id", Value: userID},
					gocredit.Field{Key: "error", Value: err},
				)
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			w.Header().Set("X-Credits-Charged", strconv.Itoa(c.Cost))
			w.Header().Set("X-Credits-Remaining", strconv.Itoa(c.BalanceAfter))

			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				if p := recover(); p != nil {
					_ = charge.Refund(ctx, config.Ledger, config.Logger, c)
					panic(p)
				}
			}()

			next.ServeHTTP(rec, r.WithContext(context.WithValue(ctx, chargeKey{}, c)))

			if rec.status() >= http.StatusInternalServerError {
				_ = charge.Refund(ctx, config.Ledger, config.Logger, c)
			}
		})
	}
}

// HandlerFunc creates an HTTP middleware that charges credits (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// statusRecorder captures the status code written by the next handler
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.code == 0 {
		s.code = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.code == 0 {
		s.code = http.StatusOK
	}
	return s.ResponseWriter.Write(p)
}

func (s *statusRecorder) status() int {
	if s.code == 0 {
		return http.StatusOK
	}
	return s.code
}

// Unwrap lets http.ResponseController reach the underlying writer
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Common extractors for convenience

// FixedPricing returns a PricingExtractor that always prices the same request
func FixedPricing(req gocredit.PricingRequest) PricingExtractor {
	return func(_ *http.Request) (gocredit.PricingRequest, error) {
		return req, nil
	}
}

// JSONBodyPricing returns a PricingExtractor that decodes the pricing fields from
// a JSON request body. The body is restored for the next handler.
func JSONBodyPricing(limit int64) PricingExtractor {
	return func(r *http.Request) (gocredit.PricingRequest, error) {
		var req gocredit.PricingRequest
		if r.Body == nil {
			return req, fmt.Errorf("empty body")
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		if err != nil {
			return req, err
		}
		if int64(len(body)) > limit {
			return req, fmt.Errorf("body exceeds %d bytes", limit)
		}

		// Restore body for next handler
		r.Body = io.NopCloser(bytes.NewReader(body))

		if err := json.Unmarshal(body, &req); err != nil {
			return req, err
		}
		return req, nil
	}
}

// QueryPricing returns a PricingExtractor that reads quality, size, edit and n
// query parameters. Missing values price as medium, square, not an edit, one image.
func QueryPricing() PricingExtractor {
	return func(r *http.Request) (gocredit.PricingRequest, error) {
		q := r.URL.Query()
		req := gocredit.PricingRequest{
			Quality:  gocredit.Quality(q.Get("quality")),
			Size:     gocredit.Size(q.Get("size")),
			Quantity: 1,
		}

		if v := q.Get("edit"); v != "" {
			edit, err := strconv.ParseBool(v)
			if err != nil {
				return req, fmt.Errorf("invalid edit parameter: %w", err)
			}
			req.IsEdit = edit
		}
		if v := q.Get("n"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > gocredit.MaxQuantity {
				return req, fmt.Errorf("invalid n parameter %q", v)
			}
			req.Quantity = n
		}
		return req, nil
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "credit:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
