package gocredit

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Report JSON names so messages match the API fields
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateAdjustment checks an adjustment request before it is sent.
// The reason is checked after trimming whitespace.
func ValidateAdjustment(req *CreditAdjustmentRequest) error {
	if req == nil {
		return &ValidationError{Field: "request", Message: "Adjustment is missing."}
	}

	trimmed := *req
	trimmed.UserID = strings.TrimSpace(req.UserID)
	trimmed.Reason = strings.TrimSpace(req.Reason)

	err := validate.Struct(&trimmed)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Field: "request", Message: "Please check the entered values."}
	}

	fe := fieldErrs[0]
	switch fe.Field() {
	case "user_id":
		if fe.Tag() == "required" {
			return &ValidationError{Field: "user_id", Message: "Select a user first."}
		}
		return &ValidationError{Field: "user_id", Message: "User ID is too long."}
	case "amount":
		return &ValidationError{Field: "amount", Message: "Amount must not be zero."}
	case "reason":
		if fe.Tag() == "required" {
			return &ValidationError{Field: "reason", Message: "Reason is required."}
		}
		return &ValidationError{Field: "reason", Message: "Reason is too long."}
	default:
		return &ValidationError{Field: fe.Field(), Message: "Please check the entered values."}
	}
}

// ValidateLedgerEntry checks an entry before a Ledger applies it
func ValidateLedgerEntry(entry *LedgerEntry) error {
	if entry == nil {
		return &ValidationError{Field: "entry", Message: "Ledger entry is missing."}
	}

	err := validate.Struct(entry)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Field: "entry", Message: err.Error()}
	}
	fe := fieldErrs[0]
	return &ValidationError{Field: fe.Field(), Message: fmt.Sprintf("failed %q check", fe.Tag())}
}

// ValidatePricingRequest rejects requests for more than MaxQuantity images
func ValidatePricingRequest(req PricingRequest) error {
	if err := validate.Struct(&req); err != nil {
		return &ValidationError{
			Field:   "quantity",
			Message: fmt.Sprintf("At most %d images can be requested at once.", MaxQuantity),
		}
	}
	return nil
}

// FilterAmountInput keeps only digits and a single leading minus sign,
// the same filtering the amount text field applies while typing.
func FilterAmountInput(input string) string {
	var b strings.Builder
	for _, r := range input {
		switch {
		case r == '-' && b.Len() == 0:
			b.WriteRune(r)
		case r <= unicode.MaxASCII && unicode.IsDigit(r):
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseAmount filters input and parses it as a signed, non-zero credit amount
func ParseAmount(input string) (int, error) {
	filtered := FilterAmountInput(input)
	if filtered == "" || filtered == "-" {
		return 0, &ValidationError{Field: "amount", Message: "Enter a valid amount."}
	}

	amount, err := strconv.Atoi(filtered)
	if err != nil {
		return 0, &ValidationError{Field: "amount", Message: "Amount is out of range."}
	}
	if amount == 0 {
		return 0, &ValidationError{Field: "amount", Message: "Amount must not be zero."}
	}
	return amount, nil
}
