package api

import "github.com/mihaimyh/gocredit/pkg/gocredit"

// BalanceResponse is returned by GET /v1/credits/balance
type BalanceResponse struct {
	Balance int `json:"balance"`
}

// UsersResponse is returned by GET /v1/admin/users
type UsersResponse struct {
	Users []gocredit.UserSummary `json:"users"`
}

// AdminStatusResponse is returned by GET /v1/admin/status
type AdminStatusResponse struct {
	IsAdmin bool `json:"is_admin"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}
