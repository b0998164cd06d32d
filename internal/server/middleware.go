package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/alexjbarnes/authcore/internal/account"
	autherr "github.com/alexjbarnes/authcore/internal/errors"
	"github.com/alexjbarnes/authcore/internal/rbac"
)

type contextKey int

const (
	ctxPrincipal contextKey = iota
	ctxRemoteIP
)

const (
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken = `Bearer realm="authcore"`
	wwwAuthInvalid = `Bearer realm="authcore", error="invalid_token"`
)

// Authenticator is what the middleware needs from the account service.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (account.Principal, error)
	Authorize(p account.Principal, perm rbac.Permission) error
}

// RequestPrincipal returns the authenticated caller from the context.
func RequestPrincipal(ctx context.Context) (account.Principal, bool) {
	p, ok := ctx.Value(ctxPrincipal).(account.Principal)
	return p, ok
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// Middleware returns HTTP middleware that validates Bearer access
// tokens and puts the caller's Principal in the request context.
func Middleware(auth Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)
			authHeader := r.Header.Get("Authorization")

			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "bearer token required")

				return
			}

			p, err := auth.Authenticate(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				if !autherr.IsAuthFailure(err) {
					writeError(w, logger, err)
					return
				}

				logger.Debug("middleware: invalid bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
					slog.Bool("expired", errors.Is(err, autherr.ErrTokenExpired)),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				writeJSONError(w, http.StatusUnauthorized, "invalid_token", "invalid or expired token")

				return
			}

			logger.Debug("middleware: authenticated",
				slog.String("user_id", p.UserID),
				slog.String("ip", ip),
			)

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxPrincipal, p)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission rejects callers lacking perm with 403. It must run
// inside Middleware.
func RequirePermission(auth Authenticator, logger *slog.Logger, perm rbac.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := RequestPrincipal(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "bearer token required")
				return
			}

			if err := auth.Authorize(p, perm); err != nil {
				writeError(w, logger, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
