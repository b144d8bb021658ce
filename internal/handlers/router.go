package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	"github.com/mossy-p/consult-signaling/config"
	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/relay"
)

// NewRouter wires the HTTP API and the signaling endpoint onto a gin engine
func NewRouter(cfg *config.Config, r *relay.Relay, log logr.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "calls": r.Registry().Len()})
	})

	calls := NewCallsHandler(r)

	// Call management API
	apiGroup := router.Group("/api")
	if cfg.Signaling.APIRateLimit > 0 {
		apiGroup.Use(RateLimit(cfg.Signaling.APIRateLimit))
	}
	{
		if !cfg.IsProduction() {
			apiGroup.POST("/auth/token", IssueDevToken(cfg.JWTSecret))
		}

		// Get call info (public)
		apiGroup.GET("/calls/:callId", calls.GetCall)

		// End call (requires JWT, doctor only)
		apiGroup.DELETE("/calls/:callId",
			middleware.JWTAuth(cfg.JWTSecret),
			middleware.RequireRole(models.RoleDoctor),
			calls.EndCall)

		// Push a notification to a user's open connections (requires JWT)
		apiGroup.POST("/notifications/:userId", middleware.JWTAuth(cfg.JWTSecret), calls.Notify)
	}

	// WebSocket signaling endpoint
	signaling := NewSignalingHandler(r, cfg.AllowedOrigins, cfg.Signaling.SendBuffer, cfg.RequireAuth, log)
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal", middleware.OptionalJWTAuth(cfg.JWTSecret), signaling.Handle)
	}

	return router
}
