package echo

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
	"github.com/mihaimyh/gocredit/storage/memory"
)

var mediumSquare = gocredit.PricingRequest{Quality: gocredit.QualityMedium, Size: gocredit.SizeSquare, Quantity: 1}

// errorLedger is a mock ledger that always fails on ApplyTransaction
type errorLedger struct {
	*memory.Storage
}

func (l *errorLedger) ApplyTransaction(_ context.Context, _ *gocredit.LedgerEntry) (*gocredit.AdjustmentResult, error) {
	return nil, errors.New("connection refused")
}

// Test helper to create a ledger with one funded user
func setupTestLedger(t *testing.T, balance int) *memory.Storage {
	t.Helper()

	ledger := memory.New()
	if err := ledger.UpsertUser(context.Background(), &gocredit.User{ID: "user1", Balance: balance}); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	return ledger
}

func balanceOf(t *testing.T, ledger *memory.Storage) int {
	t.Helper()

	u, err := ledger.GetUser(context.Background(), "user1")
	if err != nil {
		t.Fatalf("Failed to get user: %v", err)
	}
	return u.Balance
}

func serve(e *echo.Echo, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/generate", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	ledger := setupTestLedger(t, 50)
	e := echo.New()

	var seen Charge
	e.POST("/generate", func(c echo.Context) error {
		seen, _ = GetCharge(c)
		return c.String(http.StatusOK, "success")
	}, Middleware(Config{
		Ledger:     ledger,
		GetUserID:  FromHeader("X-User-ID"),
		GetPricing: FixedPricing(mediumSquare),
	}))

	rec := serve(e, "user1")

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Credits-Remaining") != "34" {
		t.Errorf("Expected X-Credits-Remaining 34, got %q", rec.Header().Get("X-Credits-Remaining"))
	}
	if seen.Cost != 16 {
		t.Errorf("Expected charge of 16, got %d", seen.Cost)
	}
	if got := balanceOf(t, ledger); got != 34 {
		t.Errorf("Expected balance 34, got %d", got)
	}
}

func TestMiddleware_InsufficientCredits(t *testing.T) {
	ledger := setupTestLedger(t, 5)
	e := echo.New()
	e.POST("/generate", func(c echo.Context) error {
		t.Error("Handler should not be called")
		return nil
	}, Middleware(Config{
		Ledger:     ledger,
		GetUserID:  FromHeader("X-User-ID"),
		GetPricing: FixedPricing(mediumSquare),
	}))

	rec := serve(e, "user1")

	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", rec.Code)
	}
	if got := balanceOf(t, ledger); got != 5 {
		t.Errorf("Balance should be unchanged, got %d", got)
	}
}

func TestMiddleware_HugeQuantityIsRejected(t *testing.T) {
	ledger := setupTestLedger(t, 0)
	e := echo.New()
	e.POST("/generate", func(c echo.Context) error {
		t.Error("Handler should not be called")
		return nil
	}, Middleware(Config{
		Ledger:    ledger,
		GetUserID: FromHeader("X-User-ID"),
		GetPricing: FixedPricing(gocredit.PricingRequest{
			Quality:  gocredit.QualityLow,
			Size:     gocredit.SizeSquare,
			Quantity: math.MaxInt,
		}),
	}))

	rec := serve(e, "user1")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
	if got := balanceOf(t, ledger); got != 0 {
		t.Errorf("Balance should be unchanged, got %d", got)
	}
}

func TestMiddleware_MissingAuth(t *testing.T) {
	e := echo.New()
	e.POST("/generate", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, Middleware(Config{
		Ledger:     setupTestLedger(t, 50),
		GetUserID:  FromHeader("X-User-ID"),
		GetPricing: FixedPricing(mediumSquare),
	}))

	rec := serve(e, "")

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	e := echo.New()
	e.POST("/generate", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, Middleware(Config{
		Ledger:     &errorLedger{Storage: memory.New()},
		GetUserID:  FromHeader("X-User-ID"),
		GetPricing: FixedPricing(mediumSquare),
	}))

	rec := serve(e, "user1")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
}

func TestMiddleware_RefundsOnReturnedError(t *testing.T) {
	tests := []struct {
		name       string
		handlerErr error
		wantStatus int
		wantRefund bool
	}{
		{"plain error", errors.New("model crashed"), http.StatusInternalServerError, true},
		{"http 503", echo.NewHTTPError(http.StatusServiceUnavailable, "busy"), http.StatusServiceUnavailable, true},
		{"http 400", echo.NewHTTPError(http.StatusBadRequest, "bad prompt"), http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := setupTestLedger(t, 50)
			e := echo.New()
			e.POST("/generate", func(c echo.Context) error {
				return tt.handlerErr
			}, Middleware(Config{
				Ledger:     ledger,
				GetUserID:  FromHeader("X-User-ID"),
				GetPricing: FixedPricing(mediumSquare),
			}))

			rec := serve(e, "user1")

			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			want := 34
			if tt.wantRefund {
				want = 50
			}
			if got := balanceOf(t, ledger); got != want {
				t.Errorf("Expected balance %d, got %d", want, got)
			}
		})
	}
}

func TestMiddleware_RefundsOnWrittenServerError(t *testing.T) {
	ledger := setupTestLedger(t, 50)
	e := echo.New()
	e.POST("/generate", func(c echo.Context) error {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "upstream"})
	}, Middleware(Config{
		Ledger:     ledger,
		GetUserID:  FromHeader("X-User-ID"),
		GetPricing: FixedPricing(mediumSquare),
	}))

	serve(e, "user1")

	if got := balanceOf(t, ledger); got != 50 {
		t.Errorf("Expected refunded balance 50, got %d", got)
	}
}

func TestMiddleware_FromContext(t *testing.T) {
	ledger := setupTestLedger(t, 50)
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("UserID", "user1")
			return next(c)
		}
	})
	e.POST("/generate", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, Middleware(Config{
		Ledger:     ledger,
		GetUserID:  FromContext("UserID"),
		GetPricing: FixedPricing(mediumSquare),
	}))

	rec := serve(e, "")

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	ledger := setupTestLedger(t, 0)
	e := echo.New()
	var gotCost int
	e.POST("/generate", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, Middleware(Config{
		Ledger:     ledger,
		GetUserID:  FromHeader("X-User-ID"),
		GetPricing: FixedPricing(mediumSquare),
		OnInsufficientCredits: func(c echo.Context, cost int) error {
			gotCost = cost
			return c.JSON(http.StatusForbidden, map[string]string{"error": "top up"})
		},
	}))

	rec := serve(e, "user1")

	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rec.Code)
	}
	if gotCost != 16 {
		t.Errorf("Expected cost 16, got %d", gotCost)
	}
}

func TestMiddleware_RequiresConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing ledger")
		}
	}()
	Middleware(Config{})
}
