// Package handler exposes the REST surface.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caasio/auth-core/internal/http/middleware"
	"github.com/caasio/auth-core/internal/mfa"
	"github.com/caasio/auth-core/internal/refresh"
	"github.com/caasio/auth-core/internal/service"
	"github.com/caasio/auth-core/internal/session"
	"github.com/caasio/auth-core/internal/token"
)

// AuthHandler serves the session and token endpoints.
type AuthHandler struct {
	Auth *service.AuthService
	Keys *token.Provider
}

// NewAuthHandler creates the handler set.
func NewAuthHandler(auth *service.AuthService, keys *token.Provider) *AuthHandler {
	return &AuthHandler{Auth: auth, Keys: keys}
}

type clientFields struct {
	DeviceID  string  `json:"device_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (h *AuthHandler) clientContext(c *gin.Context, fields clientFields) service.ClientContext {
	deviceID := fields.DeviceID
	if deviceID == "" {
		deviceID = c.GetHeader("X-Device-ID")
	}
	return service.ClientContext{
		IP:        c.ClientIP(),
		DeviceID:  deviceID,
		UserAgent: c.Request.UserAgent(),
		Latitude:  fields.Latitude,
		Longitude: fields.Longitude,
	}
}

type loginRequest struct {
	UserID   string   `json:"user_id" binding:"required"`
	TenantID string   `json:"tenant_id" binding:"required"`
	Scopes   []string `json:"scopes"`
	clientFields
}

// Login establishes a session for an upstream-authenticated principal.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	result, err := h.Auth.Login(c.Request.Context(), req.UserID, req.TenantID, req.Scopes, h.clientContext(c, req.clientFields))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Login failed."})
		return
	}
	resp := gin.H{
		"access_token":       result.Tokens.AccessToken,
		"refresh_token":      result.Tokens.RefreshToken,
		"token_type":         result.Tokens.TokenType,
		"expires_in":         result.Tokens.ExpiresIn,
		"refresh_expires_in": result.Tokens.RefreshExpiresIn,
		"session":            session.ViewOf(result.Session, result.Session.ID),
	}
	if len(result.Anomalies) > 0 {
		resp["security"] = gin.H{
			"events":     result.Anomalies,
			"risk_score": result.RiskScore,
		}
	}
	c.JSON(http.StatusOK, resp)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
	clientFields
}

// Refresh rotates the refresh token and slides the session.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	result, err := h.Auth.Refresh(c.Request.Context(), req.RefreshToken, h.clientContext(c, req.clientFields))
	if err != nil {
		switch {
		case errors.Is(err, refresh.ErrReuseDetected):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_grant", "error_description": "Refresh token reuse detected."})
		case errors.Is(err, refresh.ErrInvalidToken), errors.Is(err, refresh.ErrTokenExpired), errors.Is(err, session.ErrNotFound):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_grant", "error_description": "Refresh token is no longer valid."})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Refresh failed."})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":       result.Tokens.AccessToken,
		"refresh_token":      result.Tokens.RefreshToken,
		"token_type":         result.Tokens.TokenType,
		"expires_in":         result.Tokens.ExpiresIn,
		"refresh_expires_in": result.Tokens.RefreshExpiresIn,
		"session_renewed":    result.SessionRenewed,
	})
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Logout ends the caller's session and burns the refresh family.
func (h *AuthHandler) Logout(c *gin.Context) {
	var req logoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}
	if err := h.Auth.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, refresh.ErrInvalidToken) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_grant", "error_description": "Unknown refresh token."})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Logout failed."})
		return
	}
	c.Status(http.StatusNoContent)
}

// Sessions lists the caller's live sessions.
func (h *AuthHandler) Sessions(c *gin.Context) {
	claims, ok := middleware.GetAccessClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Missing claims."})
		return
	}
	views, err := h.Auth.Sessions(c.Request.Context(), claims.Subject, claims.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Listing sessions failed."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

// TerminateSession kills one of the caller's sessions.
func (h *AuthHandler) TerminateSession(c *gin.Context) {
	claims, ok := middleware.GetAccessClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Missing claims."})
		return
	}
	sessionID := c.Param("id")

	// Only the owner may terminate a session through this endpoint.
	views, err := h.Auth.Sessions(c.Request.Context(), claims.Subject, claims.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Lookup failed."})
		return
	}
	owned := false
	for _, v := range views {
		if v.ID == sessionID {
			owned = true
			break
		}
	}
	if !owned {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "Session not found."})
		return
	}

	if err := h.Auth.TerminateSession(c.Request.Context(), sessionID, "user_request"); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "Session not found."})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Termination failed."})
		return
	}
	c.Status(http.StatusNoContent)
}

// TerminateAllSessions kills every session of the caller except the
// current one.
func (h *AuthHandler) TerminateAllSessions(c *gin.Context) {
	claims, ok := middleware.GetAccessClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Missing claims."})
		return
	}
	removed, err := h.Auth.TerminateAllSessions(c.Request.Context(), claims.Subject, claims.TenantID, claims.SessionID, "user_request")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Termination failed."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"terminated": removed})
}

type activityRequest struct {
	clientFields
}

// ReportActivity runs anomaly and hijack checks for the caller's
// session against the presenting client.
func (h *AuthHandler) ReportActivity(c *gin.Context) {
	claims, ok := middleware.GetAccessClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Missing claims."})
		return
	}
	// The body is optional; device and geo hints may also come from
	// headers.
	var req activityRequest
	_ = c.ShouldBindJSON(&req)

	report, challenge, err := h.Auth.EvaluateActivity(c.Request.Context(), claims.SessionID, h.clientContext(c, req.clientFields))
	if err != nil {
		if errors.Is(err, service.ErrSessionTerminated) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":             "session_terminated",
				"error_description": "Session terminated due to suspected hijack.",
				"report":            report,
			})
			return
		}
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Session no longer exists."})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Activity evaluation failed."})
		return
	}

	resp := gin.H{"report": report}
	if challenge != nil {
		resp["challenge"] = gin.H{
			"id":         challenge.ID,
			"method":     challenge.Method,
			"expires_at": challenge.ExpiresAt,
		}
	}
	c.JSON(http.StatusOK, resp)
}

type mfaVerifyRequest struct {
	ChallengeID string `json:"challenge_id" binding:"required"`
	Code        string `json:"code" binding:"required"`
}

// VerifyChallenge answers a pending MFA challenge.
func (h *AuthHandler) VerifyChallenge(c *gin.Context) {
	var req mfaVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}
	ok, err := h.Auth.CompleteChallenge(c.Request.Context(), req.ChallengeID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, mfa.ErrChallengeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "Challenge not found or expired."})
		case errors.Is(err, mfa.ErrMaxAttempts):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "max_attempts", "error_description": "Maximum attempts exceeded."})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Verification failed."})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": ok})
}

type mfaSwitchRequest struct {
	ChallengeID string `json:"challenge_id" binding:"required"`
	Method      string `json:"method" binding:"required"`
}

// SwitchChallengeMethod changes the method on a pending challenge.
func (h *AuthHandler) SwitchChallengeMethod(c *gin.Context) {
	var req mfaSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}
	ch, err := h.Auth.SwitchChallengeMethod(c.Request.Context(), req.ChallengeID, req.Method)
	if err != nil {
		switch {
		case errors.Is(err, mfa.ErrChallengeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "Challenge not found or expired."})
		case errors.Is(err, mfa.ErrMaxSwitches):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "max_switches", "error_description": "Maximum method switches exceeded."})
		case errors.Is(err, mfa.ErrUnknownMethod):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Unknown method."})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Switch failed."})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       ch.ID,
		"method":   ch.Method,
		"attempts": ch.Attempts,
		"switches": ch.Switches,
	})
}

type serviceTokenRequest struct {
	Service string   `json:"service" binding:"required"`
	Scopes  []string `json:"scopes"`
}

// IssueServiceToken mints a token for an internal service caller.
func (h *AuthHandler) IssueServiceToken(c *gin.Context) {
	var req serviceTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}
	signed, claims, err := h.Auth.IssueServiceToken(c.Request.Context(), req.Service, req.Scopes)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Token issuance failed."})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": signed,
		"token_type":   "Bearer",
		"expires_at":   claims.ExpiresAt.Time,
	})
}

type tenantRevokeRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
	Reason   string `json:"reason"`
}

// RevokeTenant is the operator kill switch for a tenant.
func (h *AuthHandler) RevokeTenant(c *gin.Context) {
	var req tenantRevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}
	if err := h.Auth.RevokeTenant(c.Request.Context(), req.TenantID, req.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Revocation failed."})
		return
	}
	c.Status(http.StatusNoContent)
}

// RevocationStats reports stored revocation fact counts.
func (h *AuthHandler) RevocationStats(c *gin.Context) {
	stats, err := h.Auth.RevocationStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Stats unavailable."})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Health is the liveness endpoint.
func (h *AuthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
