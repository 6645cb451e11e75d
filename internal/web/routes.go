package web

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/crmcalsync/internal/auth"
	"github.com/macjediwizard/crmcalsync/internal/websocket"
)

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, sm *auth.SessionManager) {
	// Health endpoints (no auth, no rate limit)
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.Liveness)
	r.GET("/ready", h.Readiness)

	// Login endpoints with rate limiting to prevent brute force attacks
	authRateLimiter := RateLimiter(5, 10) // 5 requests/sec, burst of 10
	authGroup := r.Group("/auth")
	authGroup.Use(authRateLimiter)
	{
		authGroup.GET("/login", h.Login)
		authGroup.GET("/callback", h.Callback)
		authGroup.POST("/logout", h.Logout)
	}

	// Provider OAuth redirects land here; the signed state identifies the owner.
	r.GET("/oauth/:provider/callback", authRateLimiter, h.OAuthCallback)

	rps, burst := 30.0, 60 // 30 requests/sec, burst of 60
	if h.cfg != nil && h.cfg.RateLimiting.RPS > 0 {
		rps, burst = h.cfg.RateLimiting.RPS, h.cfg.RateLimiting.Burst
	}
	apiRateLimiter := RateLimiter(rps, burst)
	r.GET("/api/auth/status", apiRateLimiter, h.APIAuthStatus)

	var origins []string
	if h.cfg != nil {
		origins = h.cfg.Server.AllowedOrigins
	}

	// Protected API routes with rate limiting, origin validation, CSRF and content-type checks
	protectedAPI := r.Group("/api")
	protectedAPI.Use(apiRateLimiter)
	protectedAPI.Use(auth.RequireAuth(sm))
	protectedAPI.Use(ValidateOrigin(origins))
	protectedAPI.Use(auth.ValidateCSRF())
	protectedAPI.Use(RequireJSONContentType())
	{
		protectedAPI.GET("/connections", h.APIListConnections)
		protectedAPI.DELETE("/connections/:connectionId", h.APIDisconnect)
		protectedAPI.PUT("/connections/:connectionId/settings", h.APIUpdateSettings)
		protectedAPI.GET("/sync/:connectionId/stats", h.APISyncStats)
		protectedAPI.GET("/sync/:connectionId/logs", h.APISyncLogs)
		protectedAPI.GET("/oauth/:provider/start", h.APIOAuthStart)
		protectedAPI.GET("/activity", h.APIActivity)
	}

	// Calendar round trips with stricter rate limiting
	expensiveRateLimiter := RateLimiter(2, 5) // 2 requests/sec, burst of 5
	expensiveAPI := r.Group("/api")
	expensiveAPI.Use(expensiveRateLimiter)
	expensiveAPI.Use(auth.RequireAuth(sm))
	expensiveAPI.Use(ValidateOrigin(origins))
	expensiveAPI.Use(auth.ValidateCSRF())
	expensiveAPI.Use(RequireJSONContentType())
	{
		expensiveAPI.POST("/sync/:connectionId", h.APISync)
		expensiveAPI.POST("/connections/apple", h.APIConnectApple)
		expensiveAPI.POST("/calendars/discover", h.APIDiscoverCalendars)
	}

	r.GET("/api/activity/ws", apiRateLimiter,
		gin.WrapF(websocket.HandleWebSocket(h.hub, sm.OwnerID, originHosts(origins))))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// originHosts turns allowed origins into websocket origin patterns.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
		}
	}
	return hosts
}
