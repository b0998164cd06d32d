package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/authcore/internal/account"
	"github.com/alexjbarnes/authcore/internal/models"
	"github.com/alexjbarnes/authcore/internal/rbac"
	"github.com/alexjbarnes/authcore/internal/token"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type resetRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type rolesRequest struct {
	Roles []string `json:"roles"`
}

type permissionRequest struct {
	Permission string `json:"permission"`
}

// userView is the public projection of a user. Hashes, counters and
// action token state stay server side.
type userView struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions,omitempty"`
	Verified    bool      `json:"verified"`
	Provider    string    `json:"provider,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func viewOf(u *models.User) userView {
	return userView{
		ID:          u.ID,
		Email:       u.Email,
		Roles:       u.Roles,
		Permissions: u.Permissions,
		Verified:    u.Verified,
		Provider:    u.Provider,
		CreatedAt:   u.CreatedAt,
	}
}

type authResponse struct {
	User   userView   `json:"user"`
	Tokens token.Pair `json:"tokens"`
}

type revokedResponse struct {
	Revoked int `json:"revoked"`
}

type meResponse struct {
	account.Principal
	Effective []string `json:"effective_permissions"`
}

type handlers struct {
	accounts *account.Service
	logger   *slog.Logger
	limiter  *credentialLimiter
}

func deviceOf(r *http.Request) models.DeviceInfo {
	return models.DeviceInfo{Agent: r.UserAgent(), IP: remoteIP(r)}
}

// throttled applies the per-IP credential limit and writes the 429 when
// the caller is over it.
func (h *handlers) throttled(w http.ResponseWriter, r *http.Request) bool {
	ip := remoteIP(r)

	ok, wait := h.limiter.allow(ip)
	if ok {
		return false
	}

	h.logger.Warn("credential rate limit hit",
		slog.String("ip", ip),
		slog.String("path", r.URL.Path),
	)
	w.Header().Set("Retry-After", retryAfterSeconds(wait))
	writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts, try again later")

	return true
}

func principal(r *http.Request) account.Principal {
	p, _ := RequestPrincipal(r.Context())
	return p
}

func (h *handlers) signup(w http.ResponseWriter, r *http.Request) {
	if h.throttled(w, r) {
		return
	}

	var req credentialsRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.accounts.Signup(r.Context(), req.Email, req.Password, deviceOf(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, authResponse{User: viewOf(res.User), Tokens: res.Tokens})
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	if h.throttled(w, r) {
		return
	}

	var req credentialsRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.accounts.Login(r.Context(), req.Email, req.Password, deviceOf(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, authResponse{User: viewOf(res.User), Tokens: res.Tokens})
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decode(w, r, &req) {
		return
	}

	pair, err := h.accounts.Refresh(r.Context(), req.RefreshToken, deviceOf(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.accounts.Logout(r.Context(), req.RefreshToken); err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) logoutAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.accounts.LogoutAll(r.Context(), principal(r).UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, revokedResponse{Revoked: n})
}

func (h *handlers) sessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.accounts.Sessions(r.Context(), principal(r).UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, sessions)
}

func (h *handlers) requestVerification(w http.ResponseWriter, r *http.Request) {
	if err := h.accounts.RequestVerification(r.Context(), principal(r).UserID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) confirmVerification(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}

	u, err := h.accounts.Verify(r.Context(), req.Token)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, viewOf(u))
}

func (h *handlers) forgotPassword(w http.ResponseWriter, r *http.Request) {
	if h.throttled(w, r) {
		return
	}

	var req emailRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.accounts.RequestPasswordReset(r.Context(), req.Email); err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) resetPassword(w http.ResponseWriter, r *http.Request) {
	if h.throttled(w, r) {
		return
	}

	var req resetRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.accounts.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) changePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decode(w, r, &req) {
		return
	}

	err := h.accounts.ChangePassword(r.Context(), principal(r).UserID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) me(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	writeJSON(w, http.StatusOK, meResponse{Principal: p, Effective: h.accounts.Permissions(p)})
}

func (h *handlers) revokeUserSessions(w http.ResponseWriter, r *http.Request) {
	n, err := h.accounts.LogoutAll(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("sessions revoked by admin",
		slog.String("admin_id", principal(r).UserID),
		slog.String("user_id", r.PathValue("id")),
		slog.String("ip", RequestRemoteIP(r.Context())),
		slog.Int("count", n),
	)

	writeJSON(w, http.StatusOK, revokedResponse{Revoked: n})
}

func (h *handlers) assignRoles(w http.ResponseWriter, r *http.Request) {
	var req rolesRequest
	if !decode(w, r, &req) {
		return
	}

	u, err := h.accounts.AssignRoles(r.Context(), r.PathValue("id"), req.Roles)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, viewOf(u))
}

func (h *handlers) grantPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !decode(w, r, &req) {
		return
	}

	u, err := h.accounts.GrantPermission(r.Context(), r.PathValue("id"), rbac.Permission(req.Permission))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, viewOf(u))
}

func (h *handlers) revokePermission(w http.ResponseWriter, r *http.Request) {
	u, err := h.accounts.RevokePermission(r.Context(), r.PathValue("id"), rbac.Permission(r.PathValue("permission")))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, viewOf(u))
}
