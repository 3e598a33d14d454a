package fiber

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
	"github.com/mihaimyh/gocredit/storage/memory"
)

var mediumSquare = gocredit.PricingRequest{Quality: gocredit.QualityMedium, Size: gocredit.SizeSquare, Quantity: 1}

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

func newApp(cfg Config, handler fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Post("/generate", Middleware(cfg), handler)
	return app
}

func post(t *testing.T, app *fiber.App, userID, body string) int {
	t.Helper()

	req := httptest.NewRequest("POST", "/generate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestMiddleware_Success(t *testing.T) {
	ledger := setupTestLedger(t, 50)
	var seen Charge

	app := newApp(Config{
		Ledger:     ledger,
		GetUserID:  FromHeader("X-User-ID"),
		GetPricing: FixedPricing(mediumSquare),
	}, func(c *fiber.Ctx) error {
		seen, _ = GetCharge(c)
		return c.SendString("success")
	})

	if status := post(t, app, "user1", ""); status != fiber.StatusOK {
		t.Errorf("Expected status 200, got %d", status)
	}
	if seen.Cost != 16 || seen.BalanceAfter != 34 {
		t.Errorf("Unexpected charge: %+v", seen)
	}
	if got := balanceOf(t, ledger); got != 34 {
		t.Errorf("Expected balance 34, got %d", got)
	}
}

func TestMiddleware_InsufficientCredits(t *testing.T) {
	ledger := setupTestLedger(t, 10)
	called := false

	app := newApp(Config{
		Ledger:     ledger,
		GetUserID:  FromHeader("X-User-ID"),
		GetPricing: FixedPricing(mediumSquare),
	}, func(c *fiber.Ctx) error {
		called = true
		return nil
	})

	if status := post(t, app, "user1", ""); status != fiber.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", status)
	}
	if called {
		t.Error("Handler should not be called")
	}
}

func TestMiddleware_MissingAuth(t *testing.T) {
	app := newApp(Config{
		Ledger:     setupTestLedger(t, 50),
		GetUserID:  FromHeader("X-User-ID"),
		GetPricing: FixedPricing(mediumSquare),
	}, func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	if status := post(t, app, "", ""); status != fiber.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", status)
	}
}

func TestMiddleware_FromBody(t *testing.T) {
	ledger := setupTestLedger(t, 100)
	app := newApp(Config{
		Ledger:     ledger,
		GetUserID:  FromHeader("X-User-ID"),
		GetPricing: FromBody(),
	}, func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	status := post(t, app, "user1", `{"quality":"low","size":"landscape","is_edit":true,"quantity":3}`)
	if status != fiber.StatusOK {
		t.Fatalf("Expected status 200, got %d", status)
	}
	// (6 + 3) * 3
	if got := balanceOf(t, ledger); got != 73 {
		t.Errorf("Expected balance 73, got %d", got)
	}

	if status := post(t, app, "user1", `{`); status != fiber.StatusBadRequest {
		t.Errorf("Expected status 400 for invalid body, got %d", status)
	}
}

func TestMiddleware_Refunds(t *testing.T) {
	tests := []struct {
		name        string
		handler     fiber.Handler
		wantBalance int
	}{
		{
			name:        "returned error",
			handler:     func(c *fiber.Ctx) error { return errors.New("model crashed") },
			wantBalance: 50,
		},
		{
			name:        "fiber 503",
			handler:     func(c *fiber.Ctx) error { return fiber.NewError(fiber.StatusServiceUnavailable, "busy") },
			wantBalance: 50,
		},
		{
			name:        "written 500",
			handler:     func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusInternalServerError) },
			wantBalance: 50,
		},
		{
			name:        "client error keeps charge",
			handler:     func(c *fiber.Ctx) error { return fiber.NewError(fiber.StatusBadRequest, "bad prompt") },
			wantBalance: 34,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := setupTestLedger(t, 50)
			app := newApp(Config{
				Ledger:     ledger,
				GetUserID:  FromHeader("X-User-ID"),
				GetPricing: FixedPricing(mediumSquare),
			}, tt.handler)

			post(t, app, "user1", "")

			if got := balanceOf(t, ledger); got != tt.wantBalance {
				t.Errorf("Expected balance %d, got %d", tt.wantBalance, got)
			}
		})
	}
}

func TestMiddleware_FromLocals(t *testing.T) {
	ledger := setupTestLedger(t, 50)
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("UserID", "user1")
		return c.Next()
	})
	app.Post("/generate", Middleware(Config{
		Ledger:     ledger,
		GetUserID:  FromLocals("UserID"),
		GetPricing: FixedPricing(mediumSquare),
	}), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	if status := post(t, app, "", ""); status != fiber.StatusOK {
		t.Errorf("Expected status 200, got %d", status)
	}
	if got := balanceOf(t, ledger); got != 34 {
		t.Errorf("Expected balance 34, got %d", got)
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

func TestMiddleware_HugeQuantityIsRejected(t *testing.T) {
	ledger := setupTestLedger(t, 0)
	called := false
	app := newApp(Config{
		Ledger:     ledger,
		GetUserID:  FromHeader("X-User-ID"),
		GetPricing: FromBody(),
	}, func(c *fiber.Ctx) error {
		called = true
		return c.SendStatus(fiber.StatusOK)
	})

	status := post(t, app, "user1", `{"quality":"low","size":"square","quantity":4611686018427387904}`)

	if status != fiber.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", status)
	}
	if called {
		t.Error("Handler should not run for an oversized request")
	}
	if got := balanceOf(t, ledger); got != 0 {
		t.Errorf("Expected balance 0, got %d", got)
	}
}
