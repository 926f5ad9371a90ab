// Package app binds the scheduling core to HTTP.
package app

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"clinic-scheduler/internal/availability"
	"clinic-scheduler/internal/booking"
	"clinic-scheduler/internal/calendar"
	"clinic-scheduler/internal/conflict"
	"clinic-scheduler/internal/metrics"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/notify"
	"clinic-scheduler/internal/settings"
	"clinic-scheduler/internal/store"
)

type App struct {
	Store     store.Store
	Calc      *availability.Calculator
	Arbiter   *booking.Arbiter
	Conflicts *conflict.Engine
	Hub       *notify.Hub
	Publisher model.Publisher
	Settings  settings.Store
	Calendar  *calendar.Linker
	Metrics   *metrics.Collector
	Log       *zap.Logger
}

type RouterConfig struct {
	JWTSecret      string
	StaticTokens   string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func (a *App) Router(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), CORS(cfg.CORSOrigins), RequestLogger(a.Log, a.Metrics))

	router.GET("/healthz", a.HealthHandler)
	router.GET("/metrics", gin.WrapH(a.Metrics.Handler()))
	// OAuth2 callback (must be before auth middleware)
	router.GET("/oauth2callback", a.CalendarCallbackHandler)

	api := router.Group("/api")
	api.Use(AuthMiddleware(cfg.JWTSecret, cfg.StaticTokens))
	{
		// Streams are long-lived and exempt from the rate limit.
		api.GET("/events", a.SSEHandler)
		api.GET("/ws", a.WebSocketHandler)

		limited := api.Group("")
		limited.Use(RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst, a.Log))

		providers := limited.Group("/providers")
		{
			providers.GET("/:id/availability", a.AvailabilityHandler)
			providers.GET("/:id/schedule", a.GetScheduleHandler)
			providers.PUT("/:id/schedule", a.PutScheduleHandler)
			providers.POST("/:id/appointments", a.ReserveHandler)
		}
		limited.GET("/users/:id/appointments", a.ListAppointmentsHandler)
		limited.GET("/appointments/:id", a.GetAppointmentHandler)
		limited.DELETE("/appointments/:id", a.CancelAppointmentHandler)

		limited.POST("/conflicts/check", a.CheckConflictHandler)
		limited.POST("/conflicts/:conflictId/resolve", a.ResolveConflictHandler)
		limited.PUT("/records/:type/:id", a.SaveRecordHandler)

		limited.GET("/admin/settings", a.GetSettingsHandler)
		limited.PUT("/admin/settings", a.PutSettingsHandler)

		limited.GET("/calendar/auth", a.CalendarAuthHandler)
	}
	return router
}

// GET /healthz
func (a *App) HealthHandler(c *gin.Context) {
	if err := a.Store.Ping(c.Request.Context()); err != nil {
		a.Log.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}
