package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"capital-pools/pool-engine/internal/auth"
	"capital-pools/pool-engine/internal/certificates"
	"capital-pools/pool-engine/internal/commodity"
	"capital-pools/pool-engine/internal/cycles"
	"capital-pools/pool-engine/internal/database"
	"capital-pools/pool-engine/internal/ledger"
	"capital-pools/pool-engine/internal/middleware"
	"capital-pools/pool-engine/internal/pools"
	"capital-pools/pool-engine/internal/settlement"
)

// Router mounts the public verification endpoint and the operator API
// under /api/v1.
func (a *App) Router() *gin.Engine {
	if a.Config.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.Recovery(a.Logger), middleware.RequestLogger(a.Logger.Named("http")))

	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := database.Ping(ctx, a.DB); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().UTC()})
	})

	api := r.Group("/api/v1")

	limiter := middleware.RateLimit(
		middleware.NewStore(a.Config.RateLimit, a.Config.Redis),
		a.Config.RateLimit.Requests,
		a.Config.RateLimit.Window,
		a.Logger,
	)
	certs := certificates.NewHandler(a.Certificates, a.Logger)
	certs.RegisterPublicRoutes(api, limiter)

	jwt := auth.JWT{Secret: []byte(a.Config.Auth.JWTSecret), Issuer: a.Config.Auth.Issuer}
	ops := api.Group("", auth.RequireRole(jwt, auth.RoleOperator))
	{
		pools.NewHandler(a.Pools, a.Logger).RegisterRoutes(ops)
		cycles.NewHandler(a.Cycles, a.Logger).RegisterRoutes(ops)
		settlement.NewHandler(a.Settlement, a.Logger).RegisterRoutes(ops)
		ledger.NewHandler(a.Ledger, a.Logger).RegisterRoutes(ops)
		commodity.NewHandler(a.Commodity, a.Logger).RegisterRoutes(ops)
		certs.RegisterRoutes(ops)
		ops.GET("/ws/events", a.streamEvents)
	}
	return r
}

func (a *App) streamEvents(c *gin.Context) {
	subject := "operator"
	if claims, ok := auth.ClaimsFrom(c); ok && claims.Subject != "" {
		subject = claims.Subject
	}
	if err := a.Hub.HandleConnection(c.Writer, c.Request, subject); err != nil {
		a.Logger.Warn("Websocket upgrade failed", zap.Error(err))
	}
}
