package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
	"github.com/mihaimyh/gocredit/storage/memory"
)

var testSecret = []byte("test-secret")

const (
	testAdminID = "admin-1"
	testUserID  = "user-1"
)

// newTestHandler creates a handler over a memory ledger seeded with an admin and a user
func newTestHandler(t *testing.T, mutate ...func(*Config)) (*Handler, *memory.Storage) {
	t.Helper()
	ledger := memory.New()
	ctx := context.Background()
	require.NoError(t, ledger.UpsertUser(ctx, &gocredit.User{
		ID: testAdminID, Email: "admin@example.com", Name: "Admin", IsAdmin: true,
	}))
	require.NoError(t, ledger.UpsertUser(ctx, &gocredit.User{
		ID: testUserID, Email: "ada@example.com", Name: "Ada Lovelace", Balance: 50,
	}))

	config := Config{Ledger: ledger, Secret: testSecret}
	for _, m := range mutate {
		m(&config)
	}
	handler, err := NewHandler(config)
	require.NoError(t, err)
	return handler, ledger
}

func token(t *testing.T, userID string, admin bool) string {
	t.Helper()
	tok, err := IssueToken(testSecret, userID, admin, time.Hour)
	require.NoError(t, err)
	return tok
}

func doRequest(
	t *testing.T, h http.Handler, method, target, tok, body string, headers ...string,
) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	decode(t, rec, &resp)
	return resp.Error
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{Secret: testSecret})
	assert.Error(t, err)

	_, err = NewHandler(Config{Ledger: memory.New()})
	assert.Error(t, err)

	h, err := NewHandler(Config{Ledger: memory.New(), Secret: testSecret})
	require.NoError(t, err)
	assert.Equal(t, defaultSearchLimit, h.config.SearchLimit)
	assert.Equal(t, gocredit.DefaultIdempotencyKeyTTL, h.config.IdempotencyKeyTTL)
	assert.Nil(t, h.limiter)
}

func TestAuth(t *testing.T) {
	h, _ := newTestHandler(t)

	expired, err := IssueToken(testSecret, testUserID, false, -time.Minute)
	require.NoError(t, err)
	wrongKey, err := IssueToken([]byte("other"), testUserID, false, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
		{"expired token", "Bearer " + expired},
		{"wrong key", "Bearer " + wrongKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodGet, "/v1/credits/balance", "", "", "Authorization", tt.header)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.NotEmpty(t, errorBody(t, rec))
		})
	}
}

func TestParseToken_RejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   testUserID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testSecret)
	require.NoError(t, err)

	_, err = ParseToken(testSecret, tok)
	assert.Error(t, err)
}

func TestIssueToken_RoundTrip(t *testing.T) {
	tok, err := IssueToken(testSecret, testAdminID, true, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(testSecret, tok)
	require.NoError(t, err)
	assert.Equal(t, testAdminID, claims.Subject)
	assert.True(t, claims.Admin)

	_, err = IssueToken(testSecret, "", false, time.Hour)
	assert.Error(t, err)
}

func TestGetBalance(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodGet, "/v1/credits/balance", token(t, testUserID, false), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BalanceResponse
	decode(t, rec, &resp)
	assert.Equal(t, 50, resp.Balance)

	rec = doRequest(t, h, http.MethodGet, "/v1/credits/balance", token(t, "ghost", false), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "user not found", errorBody(t, rec))
}

func TestListTransactions(t *testing.T) {
	h, ledger := newTestHandler(t)
	ctx := context.Background()
	for _, amount := range []int{10, -5, 20} {
		_, err := ledger.ApplyTransaction(ctx, &gocredit.LedgerEntry{
			UserID: testUserID, Amount: amount, Description: "test",
		})
		require.NoError(t, err)
	}
	tok := token(t, testUserID, false)

	rec := doRequest(t, h, http.MethodGet, "/v1/credits/transactions?limit=2", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page gocredit.TransactionPage
	decode(t, rec, &page)
	require.Len(t, page.Transactions, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, 20, page.Transactions[0].Amount)
	assert.Equal(t, gocredit.TransactionTypeSpend, page.Transactions[1].Type)

	rec = doRequest(t, h, http.MethodGet, "/v1/credits/transactions?limit=2&offset=2", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	page = gocredit.TransactionPage{}
	decode(t, rec, &page)
	require.Len(t, page.Transactions, 1)
	assert.False(t, page.HasMore)

	rec = doRequest(t, h, http.MethodGet, "/v1/credits/transactions?limit=abc", tok, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid limit parameter.", errorBody(t, rec))

	rec = doRequest(t, h, http.MethodGet, "/v1/credits/transactions?offset=-1", tok, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTransactions_EmptyHistoryIsArray(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodGet, "/v1/credits/transactions", token(t, testUserID, false), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"transactions":[]`)
}

func TestAdminStatus(t *testing.T) {
	h, _ := newTestHandler(t)

	for _, admin := range []bool{true, false} {
		rec := doRequest(t, h, http.MethodGet, "/v1/admin/status", token(t, testUserID, admin), "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp AdminStatusResponse
		decode(t, rec, &resp)
		assert.Equal(t, admin, resp.IsAdmin)
	}
}

func TestAdminEndpoints_RequireAdmin(t *testing.T) {
	h, _ := newTestHandler(t)
	tok := token(t, testUserID, false)

	rec := doRequest(t, h, http.MethodGet, "/v1/admin/users?q=ada", tok, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "admin access required", errorBody(t, rec))

	rec = doRequest(t, h, http.MethodPost, "/v1/admin/credits/adjust", tok,
		`{"user_id":"user-1","amount":5,"reason":"x"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSearchUsers(t *testing.T) {
	h, _ := newTestHandler(t)
	tok := token(t, testAdminID, true)

	rec := doRequest(t, h, http.MethodGet, "/v1/admin/users?q=LOVELACE", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp UsersResponse
	decode(t, rec, &resp)
	require.Len(t, resp.Users, 1)
	assert.Equal(t, testUserID, resp.Users[0].ID)
	require.NotNil(t, resp.Users[0].Credits)
	assert.Equal(t, 50, *resp.Users[0].Credits)

	rec = doRequest(t, h, http.MethodGet, "/v1/admin/users?q=%20%20", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"users":[]`)

	rec = doRequest(t, h, http.MethodGet, "/v1/admin/users?q="+strings.Repeat("a", maxQueryLen+1), tok, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdjustCredits(t *testing.T) {
	h, ledger := newTestHandler(t)
	tok := token(t, testAdminID, true)

	rec := doRequest(t, h, http.MethodPost, "/v1/admin/credits/adjust", tok,
		`{"user_id":" user-1 ","amount":-20,"reason":" refund correction "}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result gocredit.AdjustmentResult
	decode(t, rec, &result)
	assert.Equal(t, testUserID, result.UserID)
	assert.Equal(t, 30, result.NewBalance)
	require.NotNil(t, result.Transaction)
	assert.Equal(t, "refund correction", result.Transaction.Description)
	assert.Equal(t, gocredit.TransactionTypeSpend, result.Transaction.Type)

	u, err := ledger.GetUser(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, 30, u.Balance)
}

func TestAdjustCredits_Errors(t *testing.T) {
	h, _ := newTestHandler(t, func(c *Config) { c.MaxBodyBytes = 256 })
	tok := token(t, testAdminID, true)

	tests := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{"empty body", "", http.StatusBadRequest, "Request body is required."},
		{"invalid json", "{", http.StatusBadRequest, "Request body is not valid JSON."},
		{"zero amount", `{"user_id":"user-1","amount":0,"reason":"x"}`, http.StatusBadRequest,
			"Amount must not be zero."},
		{"blank reason", `{"user_id":"user-1","amount":5,"reason":"  "}`, http.StatusBadRequest,
			"Reason is required."},
		{"unknown user", `{"user_id":"ghost","amount":5,"reason":"x"}`, http.StatusNotFound,
			"user not found"},
		{"negative result", `{"user_id":"user-1","amount":-51,"reason":"x"}`, http.StatusConflict,
			"insufficient credits"},
		{"too large", `{"user_id":"user-1","amount":5,"reason":"` + strings.Repeat("x", 300) + `"}`,
			http.StatusRequestEntityTooLarge, "payload too large (max 256 bytes)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodPost, "/v1/admin/credits/adjust", tok, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.message, errorBody(t, rec))
		})
	}
}

func TestAdjustCredits_IdempotencyKey(t *testing.T) {
	h, ledger := newTestHandler(t)
	tok := token(t, testAdminID, true)
	body := `{"user_id":"user-1","amount":15,"reason":"goodwill"}`

	first := doRequest(t, h, http.MethodPost, "/v1/admin/credits/adjust", tok, body,
		IdempotencyKeyHeader, "key-1")
	require.Equal(t, http.StatusOK, first.Code)
	second := doRequest(t, h, http.MethodPost, "/v1/admin/credits/adjust", tok, body,
		IdempotencyKeyHeader, "key-1")
	require.Equal(t, http.StatusOK, second.Code)

	var a, b gocredit.AdjustmentResult
	decode(t, first, &a)
	decode(t, second, &b)
	assert.Equal(t, 65, a.NewBalance)
	assert.Equal(t, a.NewBalance, b.NewBalance)
	assert.Equal(t, a.Transaction.ID, b.Transaction.ID)

	page, err := ledger.ListTransactions(context.Background(), testUserID, gocredit.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 1)

	conflict := doRequest(t, h, http.MethodPost, "/v1/admin/credits/adjust", tok,
		`{"user_id":"user-1","amount":99,"reason":"goodwill"}`, IdempotencyKeyHeader, "key-1")
	assert.Equal(t, http.StatusUnprocessableEntity, conflict.Code)
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusForError(&gocredit.ValidationError{Field: "a", Message: "b"}))
	assert.Equal(t, http.StatusNotFound, statusForError(gocredit.ErrUserNotFound))
	assert.Equal(t, http.StatusConflict, statusForError(gocredit.ErrInsufficientCredits))
	assert.Equal(t, http.StatusUnprocessableEntity, statusForError(gocredit.ErrIdempotencyKeyExists))
	assert.Equal(t, http.StatusServiceUnavailable, statusForError(gocredit.ErrStorageUnavailable))
	assert.Equal(t, http.StatusInternalServerError, statusForError(assert.AnError))
}

func TestOnError(t *testing.T) {
	var gotStatus int
	h, _ := newTestHandler(t, func(c *Config) {
		c.OnError = func(w http.ResponseWriter, _ *http.Request, _ error, statusCode int) {
			gotStatus = statusCode
			w.WriteHeader(http.StatusTeapot)
		}
	})

	rec := doRequest(t, h, http.MethodGet, "/v1/credits/balance", "", "")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, http.StatusUnauthorized, gotStatus)
}

func TestNotFound(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not found", errorBody(t, rec))
}

func TestRateLimit(t *testing.T) {
	h, _ := newTestHandler(t, func(c *Config) {
		c.ClientRateLimit = 1
		c.ClientBurst = 2
	})
	tok := token(t, testUserID, false)

	for i := 0; i < 2; i++ {
		rec := doRequest(t, h, http.MethodGet, "/v1/credits/balance", tok, "")
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec := doRequest(t, h, http.MethodGet, "/v1/credits/balance", tok, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Another client has its own bucket
	rec = doRequest(t, h, http.MethodGet, "/v1/credits/balance", tok, "", "X-Forwarded-For", "10.0.0.9")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientLimiter_EvictsIdleClients(t *testing.T) {
	now := time.Now()
	cl := newClientLimiter(1, 1, time.Minute)
	cl.now = func() time.Time { return now }
	cl.cleanupEvery = 2

	assert.True(t, cl.allow("a"))
	now = now.Add(2 * time.Minute)
	assert.True(t, cl.allow("b"))

	cl.mu.Lock()
	defer cl.mu.Unlock()
	assert.NotContains(t, cl.clients, "a")
	assert.Contains(t, cl.clients, "b")
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", clientIP(req))
}
