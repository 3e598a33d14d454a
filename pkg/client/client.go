// Package client implements gocredit.Backend over the credit REST API.
package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

const (
	maxResponseBytes = 1 << 20
	defaultUserAgent = "gocredit-client/1.0"

	// IdempotencyKeyHeader carries the per-submission key on adjustment requests
	IdempotencyKeyHeader = "Idempotency-Key"
)

// TokenSource supplies the bearer token for each request
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token
type StaticToken string

// Token implements TokenSource
func (t StaticToken) Token(_ context.Context) (string, error) {
	return string(t), nil
}

// TokenFunc adapts a function to TokenSource
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Config holds client configuration
type Config struct {
	// BaseURL is the API root, e.g. https://api.example.com (required)
	BaseURL string

	// TokenSource supplies bearer tokens (optional; requests are anonymous without it)
	TokenSource TokenSource

	// HTTPClient is used for requests (default: http.Client with Timeout)
	HTTPClient *http.Client

	// Timeout bounds each request when HTTPClient is not set (default: 10s)
	Timeout time.Duration

	// RateLimit is the maximum outbound requests per second (0 = unlimited)
	RateLimit rate.Limit

	// Burst is the rate limiter burst size (default: 1)
	Burst int

	// CircuitBreaker wraps every call when set (optional)
	CircuitBreaker gocredit.CircuitBreaker

	// Logger is used for structured logging (default: NoopLogger)
	Logger gocredit.Logger

	// Metrics is used for tracking API calls (default: NoopMetrics)
	Metrics gocredit.Metrics

	// UserAgent is sent with every request (default: gocredit-client/1.0)
	UserAgent string

	// NewIdempotencyKey generates adjustment keys (default: random UUID)
	NewIdempotencyKey func() string
}

// Client is the HTTP implementation of gocredit.Backend
type Client struct {
	baseURL *url.URL
	config  Config
	http    *http.Client
	limiter *rate.Limiter
	group   singleflight.Group
}

var _ gocredit.Backend = (*Client)(nil)

// New creates a client for the API at config.BaseURL
func New(config Config) (*Client, error) {
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	baseURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL scheme %q", baseURL.Scheme)
	}

	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.Logger == nil {
		config.Logger = &gocredit.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &gocredit.NoopMetrics{}
	}
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	if config.NewIdempotencyKey == nil {
		config.NewIdempotencyKey = uuid.NewString
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	c := &Client{
		baseURL: baseURL,
		config:  config,
		http:    httpClient,
	}
	if config.RateLimit > 0 {
		c.limiter = rate.NewLimiter(config.RateLimit, config.Burst)
	}
	return c, nil
}

type idempotencyKeyCtx struct{}

// WithIdempotencyKey makes AdjustCredits use key instead of generating one, so a
// caller can safely resend the same adjustment.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

type balanceResponse struct {
	Balance *int `json:"balance"`
}

type usersResponse struct {
	Users []gocredit.UserSummary `json:"users"`
}

type adminStatusResponse struct {
	IsAdmin bool `json:"is_admin"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// GetBalance implements gocredit.Backend. Concurrent calls share one request.
func (c *Client) GetBalance(ctx context.Context) (*gocredit.CreditBalance, error) {
	v, err := c.shared(ctx, "balance", func(ctx context.Context) (interface{}, error) {
		var resp balanceResponse
		if err := c.do(ctx, "get_balance", http.MethodGet, "/v1/credits/balance", nil, nil, nil, &resp); err != nil {
			return nil, err
		}
		if resp.Balance == nil {
			return nil, fmt.Errorf("%w: balance missing from response", gocredit.ErrDecodeFailure)
		}
		return &gocredit.CreditBalance{Balance: *resp.Balance}, nil
	})
	if err != nil {
		return nil, err
	}
	balance := *v.(*gocredit.CreditBalance)
	return &balance, nil
}

// ListTransactions implements gocredit.Backend
func (c *Client) ListTransactions(ctx context.Context, page gocredit.PageRequest) (*gocredit.TransactionPage, error) {
	page = gocredit.NormalizePage(page)
	query := url.Values{}
	query.Set("limit", strconv.Itoa(page.Limit))
	query.Set("offset", strconv.Itoa(page.Offset))

	var resp gocredit.TransactionPage
	if err := c.do(ctx, "list_transactions", http.MethodGet, "/v1/credits/transactions", query, nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Transactions == nil {
		resp.Transactions = []gocredit.CreditTransaction{}
	}
	return &resp, nil
}

// SearchUsers implements gocredit.Backend. A blank query returns no users without a request.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]gocredit.UserSummary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	var resp usersResponse
	params := url.Values{"q": []string{query}}
	if err := c.do(ctx, "search_users", http.MethodGet, "/v1/admin/users", params, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// AdjustCredits implements gocredit.Backend. Every call carries an idempotency key,
// fresh per call unless one is attached with WithIdempotencyKey.
func (c *Client) AdjustCredits(
	ctx context.Context, req *gocredit.CreditAdjustmentRequest,
) (*gocredit.AdjustmentResult, error) {
	if err := gocredit.ValidateAdjustment(req); err != nil {
		return nil, err
	}

	body := gocredit.CreditAdjustmentRequest{
		UserID: strings.TrimSpace(req.UserID),
		Amount: req.Amount,
		Reason: strings.TrimSpace(req.Reason),
	}

	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	if key == "" {
		key = c.config.NewIdempotencyKey()
	}
	headers := map[string]string{IdempotencyKeyHeader: key}

	var resp gocredit.AdjustmentResult
	if err := c.do(ctx, "adjust_credits", http.MethodPost, "/v1/admin/credits/adjust", nil, body, headers, &resp); err != nil {
		return nil, err
	}
	if resp.UserID == "" {
		return nil, fmt.Errorf("%w: user_id missing from response", gocredit.ErrDecodeFailure)
	}

	c.config.Logger.Info("credits adjusted",
		gocredit.Field{Key: "user_id", Value: resp.UserID},
		gocredit.Field{Key: "amount", Value: body.Amount},
		gocredit.Field{Key: "new_balance", Value: resp.NewBalance},
	)
	return &resp, nil
}

// IsAdmin implements gocredit.Backend. A 403 answer means not an admin.
func (c *Client) IsAdmin(ctx context.Context) (bool, error) {
	v, err := c.shared(ctx, "admin_status", func(ctx context.Context) (interface{}, error) {
		var resp adminStatusResponse
		err := c.do(ctx, "admin_status", http.MethodGet, "/v1/admin/status", nil, nil, nil, &resp)
		var apiErr *gocredit.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden {
			return false, nil
		}
		if err != nil {
			return nil, err
		}
		return resp.IsAdmin, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

type resolvedTokenKey struct{}

// shared coalesces identical in-flight reads made with the same bearer token, so
// callers with different identities never share an answer. The request itself is
// detached from the first caller's cancellation; each caller stops waiting when its
// own ctx ends.
func (c *Client) shared(
	ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error),
) (interface{}, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	if token != "" {
		sum := sha256.Sum256([]byte(token))
		key += ":" + hex.EncodeToString(sum[:])
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.Timeout)
		defer cancel()
		return fn(context.WithValue(reqCtx, resolvedTokenKey{}, token))
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", gocredit.ErrNetworkFailure, ctx.Err())
	}
}

// do runs one API call through the circuit breaker and records it
func (c *Client) do(
	ctx context.Context, operation, method, path string,
	query url.Values, body interface{}, headers map[string]string, out interface{},
) error {
	start := time.Now()
	call := func() error {
		return c.send(ctx, method, path, query, body, headers, out)
	}

	var err error
	if c.config.CircuitBreaker != nil {
		err = c.config.CircuitBreaker.Execute(ctx, call)
	} else {
		err = call()
	}

	c.config.Metrics.RecordAPICall(operation, time.Since(start), err)
	if err != nil {
		c.config.Logger.Warn("credit api call failed",
			gocredit.Field{Key: "operation", Value: operation},
			gocredit.Field{Key: "error", Value: err},
		)
	}
	return err
}

func (c *Client) send(
	ctx context.Context, method, path string,
	query url.Values, body interface{}, headers map[string]string, out interface{},
) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limiter: %w", gocredit.ErrNetworkFailure, err)
		}
	}

	endpoint := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var reqBody io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", gocredit.ErrNetworkFailure, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %w", gocredit.ErrNetworkFailure, err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &gocredit.APIError{StatusCode: res.StatusCode, Message: errorMessage(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", gocredit.ErrDecodeFailure, err)
	}
	return nil
}

// token returns the bearer token for ctx, preferring one already resolved by shared.
// An empty token means the request is anonymous.
func (c *Client) token(ctx context.Context) (string, error) {
	if token, ok := ctx.Value(resolvedTokenKey{}).(string); ok {
		return token, nil
	}
	if c.config.TokenSource == nil {
		return "", nil
	}
	token, err := c.config.TokenSource.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: token: %w", gocredit.ErrUnauthorized, err)
	}
	return token, nil
}

// errorMessage extracts {"error": "..."} from an error body, falling back to short plain text
func errorMessage(body []byte) string {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != "" {
		return resp.Error
	}

	text := strings.TrimSpace(string(body))
	if text == "" || strings.HasPrefix(text, "<") {
		return ""
	}
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
