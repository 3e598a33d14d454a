package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "gocredit"

var (
	errMissingToken = errors.New("missing authorization header")
	errInvalidToken = errors.New("invalid or expired token")
	errForbidden    = errors.New("admin access required")
)

// Claims are the bearer token claims. Subject is the user id.
type Claims struct {
	Admin bool `json:"admin"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for userID, valid for ttl
func IssueToken(secret []byte, userID string, admin bool, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user ID is required")
	}
	now := time.Now()
	claims := Claims{
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseToken verifies a token signed with secret and returns its claims
func ParseToken(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: subject is required", jwt.ErrTokenInvalidClaims)
	}
	return claims, nil
}

type claimsKey struct{}

// ClaimsFromContext returns the authenticated claims stored by the auth middleware
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			h.handleError(w, r, errMissingToken, http.StatusUnauthorized)
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			h.handleError(w, r, errInvalidToken, http.StatusUnauthorized)
			return
		}

		claims, err := ParseToken(h.config.Secret, strings.TrimSpace(token))
		if err != nil {
			h.config.Logger.Debug("token rejected", fieldError(err))
			h.handleError(w, r, errInvalidToken, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok || !claims.Admin {
			h.handleError(w, r, errForbidden, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
