package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/caasio/auth-core/internal/service"
	"github.com/caasio/auth-core/internal/telemetry"
	"github.com/caasio/auth-core/internal/token"
)

const accessClaimsKey = "accessClaims"

// Auth validates the Authorization header and attaches claims.
type Auth struct {
	Service *service.AuthService
	Metrics *telemetry.Metrics
}

// ValidateToken ensures the request carries a valid bearer token.
func (m *Auth) ValidateToken(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authorization header required."})
		return
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Bearer token required."})
		return
	}

	claims, err := m.Service.VerifyAccess(c.Request.Context(), parts[1])
	if err != nil {
		kind := token.KindOf(err)
		if m.Metrics != nil {
			m.Metrics.TokenValidationFailures.WithLabelValues(kind.String()).Inc()
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":             errorCode(kind),
			"error_description": "Invalid access token.",
		})
		return
	}
	c.Set(accessClaimsKey, claims)
	c.Next()
}

// GetAccessClaims exposes the validated claims to handlers.
func GetAccessClaims(c *gin.Context) (*token.AccessClaims, bool) {
	value, ok := c.Get(accessClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*token.AccessClaims)
	return claims, ok
}

func errorCode(kind token.ErrorKind) string {
	switch kind {
	case token.KindExpired:
		return "token_expired"
	case token.KindRevoked:
		return "token_revoked"
	default:
		return "invalid_token"
	}
}
