package routes

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nps-dashboard-server/logger"
	"nps-dashboard-server/middleware"
	"nps-dashboard-server/services"
	ws "nps-dashboard-server/websocket"
)

// Handler carries the services behind the dashboard API.
type Handler struct {
	Store    *services.RecordStore
	Sync     *services.SyncEngine
	Progress *services.ProgressTracker
	Auth     *services.AuthService
	Exporter services.SnapshotExporter // nil when export is not configured
	Hub      *ws.Hub
	Upgrader *gws.Upgrader
	Metrics  *services.Metrics
	Log      *logger.Logger

	// BaseContext bounds work that outlives a request, such as an API-triggered backfill.
	BaseContext context.Context

	// Ready is closed once the persisted state is loaded. Writes are refused
	// until then. Nil means ready.
	Ready <-chan struct{}

	background sync.WaitGroup
}

// RegisterRoutes registers all API routes
func RegisterRoutes(router *gin.Engine, h *Handler, rl *middleware.RateLimiter) {
	router.GET("/health", h.health)

	if h.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	apiV1 := router.Group("/api/v1")
	{
		auth := apiV1.Group("/auth")
		auth.POST("/login", middleware.AuthRateLimitMiddleware(rl, h.Log), h.login)

		nps := apiV1.Group("/nps")
		nps.Use(middleware.AuthMiddleware(h.Auth))
		{
			nps.GET("/summary", h.getSummary)
			nps.GET("/records", h.getRecords)
			nps.POST("/records", h.requireReady, h.insertRecords)
			nps.GET("/filters", h.getFilters)
			nps.PUT("/filters", h.requireReady, h.applyFilters)
			nps.POST("/refresh", h.requireReady, h.refresh)
			nps.POST("/backfill", h.requireReady, h.backfill)
			nps.DELETE("/cache", h.requireReady, h.clearCache)
			nps.GET("/progress", h.getProgress)
			nps.POST("/export", h.export)
		}

		if h.Hub != nil {
			apiV1.GET("/ws/progress", middleware.WebSocketAuthMiddleware(h.Auth), h.serveWebSocket)
		}
	}
}

// Wait blocks until background work started by handlers has finished.
func (h *Handler) Wait() {
	h.background.Wait()
}

// requireReady answers 503 while the cached state is still being loaded
func (h *Handler) requireReady(c *gin.Context) {
	if h.Ready != nil {
		select {
		case <-h.Ready:
		default:
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"message": "Dashboard data is still loading, try again shortly",
			})
			return
		}
	}
	c.Next()
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "NPS dashboard server is running",
		"time":    time.Now().UTC(),
		"records": h.Store.TotalCount(),
	})
}

func (h *Handler) serveWebSocket(c *gin.Context) {
	ws.ServeWebSocket(h.Hub, h.Upgrader, c.Writer, c.Request, c.GetString(middleware.ContextUsername))
}
