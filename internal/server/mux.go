// Package server exposes the account service over HTTP with JSON
// bodies and Bearer access tokens.
package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexjbarnes/authcore/internal/account"
	"github.com/alexjbarnes/authcore/internal/metrics"
	"github.com/alexjbarnes/authcore/internal/rbac"
)

// DefaultLoginRatePerMinute is the per-IP credential request budget.
const DefaultLoginRatePerMinute = 10

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Accounts *account.Service
	Logger   *slog.Logger
	// Gatherer backs /metrics. Nil leaves the endpoint out.
	Gatherer prometheus.Gatherer
	// LoginRatePerMinute bounds signup, login and password reset
	// requests per client IP.
	LoginRatePerMinute int
}

// NewMux builds the HTTP mux. Routes under Middleware need a valid
// access token; the /users routes also need manage:roles.
func NewMux(cfg MuxConfig) *http.ServeMux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rpm := cfg.LoginRatePerMinute
	if rpm <= 0 {
		rpm = DefaultLoginRatePerMinute
	}

	h := &handlers{
		accounts: cfg.Accounts,
		logger:   logger,
		limiter:  newCredentialLimiter(rpm),
	}

	authed := Middleware(cfg.Accounts, logger)
	admin := func(next http.HandlerFunc) http.Handler {
		return authed(RequirePermission(cfg.Accounts, logger, rbac.ManageRoles)(next))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/signup", h.signup)
	mux.HandleFunc("POST /auth/login", h.login)
	mux.HandleFunc("POST /auth/refresh", h.refresh)
	mux.HandleFunc("POST /auth/logout", h.logout)
	mux.Handle("POST /auth/logout-all", authed(http.HandlerFunc(h.logoutAll)))
	mux.Handle("GET /auth/sessions", authed(http.HandlerFunc(h.sessions)))
	mux.Handle("POST /auth/verification", authed(http.HandlerFunc(h.requestVerification)))
	mux.HandleFunc("POST /auth/verification/confirm", h.confirmVerification)
	mux.HandleFunc("POST /auth/password/forgot", h.forgotPassword)
	mux.HandleFunc("POST /auth/password/reset", h.resetPassword)
	mux.Handle("POST /auth/password/change", authed(http.HandlerFunc(h.changePassword)))
	mux.Handle("GET /me", authed(http.HandlerFunc(h.me)))

	mux.Handle("DELETE /users/{id}/sessions", admin(h.revokeUserSessions))
	mux.Handle("PUT /users/{id}/roles", admin(h.assignRoles))
	mux.Handle("POST /users/{id}/permissions", admin(h.grantPermission))
	mux.Handle("DELETE /users/{id}/permissions/{permission}", admin(h.revokePermission))

	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(cfg.Gatherer))
	}

	return mux
}
