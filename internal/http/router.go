// Package http wires the Gin router.
package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/caasio/auth-core/internal/config"
	"github.com/caasio/auth-core/internal/http/handler"
	httpmiddleware "github.com/caasio/auth-core/internal/http/middleware"
	"github.com/caasio/auth-core/internal/telemetry"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, authHandler *handler.AuthHandler, authMiddleware *httpmiddleware.Auth, metrics *telemetry.Metrics, logger *zap.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	authGroup := r.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/refresh", authHandler.Refresh)
		authGroup.POST("/logout", authHandler.Logout)

		sessions := authGroup.Group("/sessions", authMiddleware.ValidateToken)
		{
			sessions.GET("", authHandler.Sessions)
			sessions.DELETE("/:id", authHandler.TerminateSession)
			sessions.POST("/terminate_all", authHandler.TerminateAllSessions)
		}

		authGroup.POST("/activity", authMiddleware.ValidateToken, authHandler.ReportActivity)

		mfaGroup := authGroup.Group("/mfa")
		{
			mfaGroup.POST("/verify", authHandler.VerifyChallenge)
			mfaGroup.POST("/switch", authHandler.SwitchChallengeMethod)
		}
	}

	admin := r.Group("/admin")
	{
		admin.POST("/tokens/service", authHandler.IssueServiceToken)
		admin.POST("/revoke/tenant", authHandler.RevokeTenant)
		admin.GET("/revocations/stats", authHandler.RevocationStats)
	}

	r.GET("/.well-known/jwks.json", authHandler.JWKS)
	r.GET("/healthz", authHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))

	return r
}
