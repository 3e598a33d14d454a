// Package api serves the credit REST API over a gocredit.Ledger.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

const (
	// IdempotencyKeyHeader carries the client's per-submission key on adjustments
	IdempotencyKeyHeader = "Idempotency-Key"

	maxQueryLen = 255
)

var (
	errRateLimited = errors.New("rate limit exceeded")
	errNotFound    = errors.New("not found")
	errInternal    = errors.New("internal server error")
	errUnavailable = errors.New("service unavailable")
)

// Handler serves the credit endpoints. It implements http.Handler.
type Handler struct {
	config  Config
	router  chi.Router
	limiter *clientLimiter
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, h.logRequests, middleware.Recoverer, h.rateLimit)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.handleError(w, r, errNotFound, http.StatusNotFound)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Get("/credits/balance", h.GetBalance)
		r.Get("/credits/transactions", h.ListTransactions)

		// Any authenticated caller may ask whether it is an admin
		r.Get("/admin/status", h.GetAdminStatus)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Get("/admin/users", h.SearchUsers)
			r.Post("/admin/credits/adjust", h.AdjustCredits)
		})
	})
	return r
}

// GetBalance returns the caller's balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	start := time.Now()
	user, err := h.config.Ledger.GetUser(r.Context(), claims.Subject)
	h.config.Metrics.RecordStorageOperation("get_user", time.Since(start), err)
	if err != nil {
		h.handleLedgerError(w, r, err)
		return
	}

	h.respond(w, r, http.StatusOK, BalanceResponse{Balance: user.Balance})
}

// ListTransactions returns a page of the caller's history, newest first
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	limit, err := intParam(r, "limit")
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	start := time.Now()
	page, err := h.config.Ledger.ListTransactions(r.Context(), claims.Subject,
		gocredit.PageRequest{Limit: limit, Offset: offset})
	h.config.Metrics.RecordStorageOperation("list_transactions", time.Since(start), err)
	if err != nil {
		h.handleLedgerError(w, r, err)
		return
	}
	if page.Transactions == nil {
		page.Transactions = []gocredit.CreditTransaction{}
	}

	h.respond(w, r, http.StatusOK, page)
}

// GetAdminStatus reports whether the caller's token carries the admin claim
func (h *Handler) GetAdminStatus(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	h.respond(w, r, http.StatusOK, AdminStatusResponse{IsAdmin: claims.Admin})
}

// SearchUsers finds users by id, email or name. A blank query matches nobody.
func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		h.respond(w, r, http.StatusOK, UsersResponse{Users: []gocredit.UserSummary{}})
		return
	}
	if len(query) > maxQueryLen {
		h.handleError(w, r, &gocredit.ValidationError{Field: "q", Message: "Search query is too long."},
			http.StatusBadRequest)
		return
	}

	start := time.Now()
	users, err := h.config.Ledger.SearchUsers(r.Context(), query, h.config.SearchLimit)
	h.config.Metrics.RecordStorageOperation("search_users", time.Since(start), err)
	if err != nil {
		h.handleLedgerError(w, r, err)
		return
	}

	summaries := make([]gocredit.UserSummary, 0, len(users))
	for i := range users {
		summaries = append(summaries, users[i].Summary())
	}
	h.respond(w, r, http.StatusOK, UsersResponse{Users: summaries})
}

// AdjustCredits applies an admin adjustment. Requests repeating an Idempotency-Key
// get the original result without a second ledger entry.
func (h *Handler) AdjustCredits(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var req gocredit.CreditAdjustmentRequest
	if err := readJSON(w, r, h.config.MaxBodyBytes, &req); err != nil {
		if errors.Is(err, errPayloadTooLarge) {
			h.handleError(w, r, err, http.StatusRequestEntityTooLarge)
			return
		}
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if err := gocredit.ValidateAdjustment(&req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	entry := &gocredit.LedgerEntry{
		UserID:            strings.TrimSpace(req.UserID),
		Amount:            req.Amount,
		Description:       strings.TrimSpace(req.Reason),
		IdempotencyKey:    strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)),
		IdempotencyKeyTTL: h.config.IdempotencyKeyTTL,
	}

	start := time.Now()
	result, err := h.config.Ledger.ApplyTransaction(r.Context(), entry)
	h.config.Metrics.RecordStorageOperation("apply_transaction", time.Since(start), err)
	if err != nil {
		h.handleLedgerError(w, r, err)
		return
	}

	h.config.Logger.Info("credits adjusted",
		gocredit.Field{Key: "admin_id", Value: claims.Subject},
		gocredit.Field{Key: "user_id", Value: entry.UserID},
		gocredit.Field{Key: "amount", Value: entry.Amount},
		gocredit.Field{Key: "new_balance", Value: result.NewBalance},
	)
	h.respond(w, r, http.StatusOK, result)
}

// statusForError maps ledger errors to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, gocredit.ErrValidationFailure):
		return http.StatusBadRequest
	case errors.Is(err, gocredit.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, gocredit.ErrInsufficientCredits):
		return http.StatusConflict
	case errors.Is(err, gocredit.ErrIdempotencyKeyExists):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gocredit.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	switch status {
	case http.StatusInternalServerError:
		h.config.Logger.Error("ledger operation failed", fieldError(err),
			gocredit.Field{Key: "path", Value: r.URL.Path})
		h.handleError(w, r, errInternal, status)
	case http.StatusServiceUnavailable:
		h.config.Logger.Warn("ledger unavailable", fieldError(err))
		h.handleError(w, r, errUnavailable, status)
	default:
		h.handleError(w, r, err, status)
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err, statusCode)
		return
	}

	message := err.Error()
	var validationErr *gocredit.ValidationError
	if errors.As(err, &validationErr) {
		message = validationErr.Message
	}
	h.respond(w, r, statusCode, ErrorResponse{Error: message})
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, code int, data interface{}) {
	if err := writeJSON(w, code, data); err != nil {
		h.config.Logger.Debug("failed to write response", fieldError(err),
			gocredit.Field{Key: "path", Value: r.URL.Path})
	}
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		h.config.Logger.Info("request",
			gocredit.Field{Key: "method", Value: r.Method},
			gocredit.Field{Key: "path", Value: r.URL.Path},
			gocredit.Field{Key: "status", Value: ww.Status()},
			gocredit.Field{Key: "duration_ms", Value: int(time.Since(start).Milliseconds())},
			gocredit.Field{Key: "request_id", Value: middleware.GetReqID(r.Context())},
		)
	})
}

// intParam parses an optional non-negative integer query parameter (0 when absent)
func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &gocredit.ValidationError{Field: name, Message: "Invalid " + name + " parameter."}
	}
	return n, nil
}

func fieldError(err error) gocredit.Field {
	return gocredit.Field{Key: "error", Value: err}
}
