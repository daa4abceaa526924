package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/orrn/printq/internal/api/handlers"
	"github.com/orrn/printq/internal/api/middleware"
	"github.com/orrn/printq/internal/archive"
	"github.com/orrn/printq/internal/config"
	"github.com/orrn/printq/internal/core"
	"github.com/orrn/printq/internal/webhook"
)

type Deps struct {
	Config   *config.Config
	Manager  *core.JobManager
	Devices  *core.DeviceRegistry
	Ingestor *core.Ingestor
	Metrics  *core.MetricsAggregator
	Archiver *archive.Archiver
	Webhooks *webhook.WebhookSender
	Logger   zerolog.Logger
}

// NewRouter wires every handler under /api/v1. Archive and webhook routes
// are only mounted when their component is supplied.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(d.Logger))

	auth := middleware.NewAuthMiddleware(middleware.AuthConfig{
		JWTSecret:       d.Config.Auth.JWTSecret,
		Issuer:          d.Config.Auth.Issuer,
		AdminRole:       d.Config.Auth.AdminRole,
		DeviceTokenHash: d.Config.Auth.DeviceTokenHash,
	})

	v1 := r.Group("/api/v1")
	v1.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	device := v1.Group("")
	device.Use(auth.DeviceAuth())
	handlers.RegisterTelemetryRoutes(device, handlers.NewTelemetryHandler(d.Ingestor))

	user := v1.Group("")
	user.Use(auth.RequireAuth())
	handlers.RegisterJobRoutes(user, handlers.NewJobHandler(d.Manager, d.Metrics))
	handlers.RegisterDeviceRoutes(user, handlers.NewDeviceHandler(d.Devices, d.Manager))
	handlers.RegisterMetricsRoutes(user, handlers.NewMetricsHandler(d.Metrics))

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAuth(), auth.RequireAdmin())
	handlers.RegisterSettingsRoutes(admin, handlers.NewSettingsHandler(d.Config))
	if d.Archiver != nil {
		handlers.RegisterArchiveRoutes(admin, handlers.NewArchiveHandler(d.Archiver))
	}
	if d.Webhooks != nil {
		handlers.RegisterWebhookRoutes(admin, handlers.NewWebhookHandler(d.Webhooks))
	}

	return r
}
