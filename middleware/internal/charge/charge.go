// Package charge holds the charge-then-refund logic shared by the framework middlewares.
package charge

import (
	"context"
	"errors"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// Charge describes the credits taken for one request
type Charge struct {
	UserID        string
	Cost          int
	Estimate      gocredit.CostEstimate
	Description   string
	TransactionID string
	BalanceAfter  int
}

// Describe returns the default transaction description for a pricing request
func Describe(req gocredit.PricingRequest) string {
	if req.IsEdit {
		return "Image edit"
	}
	return "Image generation"
}

// IsInsufficient reports whether a charge failed because the user cannot pay.
// A user the ledger does not know has no credits.
func IsInsufficient(err error) bool {
	return errors.Is(err, gocredit.ErrInsufficientCredits) || errors.Is(err, gocredit.ErrUserNotFound)
}

// Apply prices req with table and takes the cost from userID's balance.
// A free request charges nothing.
func Apply(
	ctx context.Context, ledger gocredit.Ledger, table *gocredit.PriceTable,
	userID string, req gocredit.PricingRequest, description string,
) (Charge, error) {
	estimate := table.Estimate(req)
	c := Charge{
		UserID:      userID,
		Cost:        estimate.Cost,
		Estimate:    estimate,
		Description: description,
	}
	if estimate.Cost <= 0 {
		return c, nil
	}

	result, err := ledger.ApplyTransaction(ctx, &gocredit.LedgerEntry{
		UserID:      userID,
		Amount:      -estimate.Cost,
		Description: description,
	})
	if err != nil {
		return c, err
	}

	c.BalanceAfter = result.NewBalance
	if result.Transaction != nil {
		c.TransactionID = result.Transaction.ID
	}
	return c, nil
}

// Refund credits the charge back. It outlives the request context and is keyed
// on the charge transaction so it applies at most once.
func Refund(ctx context.Context, ledger gocredit.Ledger, logger gocredit.Logger, c Charge) error {
	if c.Cost <= 0 {
		return nil
	}
	entry := &gocredit.LedgerEntry{
		UserID:      c.UserID,
		Amount:      c.Cost,
		Description: "Refund: " + c.Description,
	}
	if c.TransactionID != "" {
		entry.IdempotencyKey = "refund:" + c.TransactionID
	}

	if _, err := ledger.ApplyTransaction(context.WithoutCancel(ctx), entry); err != nil {
		logger.Error("credit refund failed",
			gocredit.Field{Key: "user_id", Value: c.UserID},
			gocredit.Field{Key: "amount", Value: c.Cost},
			gocredit.Field{Key: "error", Value: err},
		)
		return err
	}
	logger.Info("credits refunded",
		gocredit.Field{Key: "user_id", Value: c.UserID},
		gocredit.Field{Key: "amount", Value: c.Cost},
	)
	return nil
}
