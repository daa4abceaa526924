package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printq/internal/config"
)

type SettingsHandler struct {
	config *config.Config
}

type ServerConfigResponse struct {
	Port              int                `json:"port"`
	DatabaseDriver    string             `json:"database_driver"`
	DatabasePath      string             `json:"database_path,omitempty"`
	ArchivePath       string             `json:"archive_path"`
	ArchiveDays       int                `json:"archive_days"`
	ArchiveInterval   string             `json:"archive_interval"`
	ArchiveEnabled    bool               `json:"archive_enabled"`
	Devices           []DeviceConfigView `json:"devices"`
	HeartbeatTimeout  string             `json:"heartbeat_timeout"`
	SchedulerInterval string             `json:"scheduler_interval"`
	MaxBackoff        string             `json:"max_backoff"`
	BatchSize         int                `json:"batch_size"`
	GraceWindow       string             `json:"grace_window"`
	MetricsCacheTTL   string             `json:"metrics_cache_ttl"`
	WebhookEndpoints  []string           `json:"webhook_endpoints"`
	LogLevel          string             `json:"log_level"`
	LogFormat         string             `json:"log_format"`
}

type DeviceConfigView struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func NewSettingsHandler(cfg *config.Config) *SettingsHandler {
	return &SettingsHandler{config: cfg}
}

// GetServerConfig reports the effective configuration. Secrets, the DSN
// and webhook URLs are left out.
func (h *SettingsHandler) GetServerConfig(c *gin.Context) {
	cfg := h.config

	devices := make([]DeviceConfigView, 0, len(cfg.Devices.Devices))
	for _, d := range cfg.Devices.Devices {
		devices = append(devices, DeviceConfigView{ID: d.ID, Name: d.Name})
	}
	endpoints := make([]string, 0, len(cfg.Webhooks.Endpoints))
	for _, ep := range cfg.Webhooks.Endpoints {
		endpoints = append(endpoints, ep.Name)
	}

	resp := ServerConfigResponse{
		Port:              cfg.Server.Port,
		DatabaseDriver:    cfg.Database.Driver,
		ArchivePath:       cfg.Database.ArchivePath,
		ArchiveDays:       cfg.Database.ArchiveDays,
		ArchiveInterval:   cfg.Database.ArchiveInterval.String(),
		ArchiveEnabled:    cfg.Database.ArchivePassphrase != "",
		Devices:           devices,
		HeartbeatTimeout:  cfg.Devices.HeartbeatTimeout.String(),
		SchedulerInterval: cfg.Scheduler.Interval.String(),
		MaxBackoff:        cfg.Scheduler.MaxBackoff.String(),
		BatchSize:         cfg.Scheduler.BatchSize,
		GraceWindow:       cfg.Scheduler.GraceWindow.String(),
		MetricsCacheTTL:   cfg.Metrics.CacheTTL.String(),
		WebhookEndpoints:  endpoints,
		LogLevel:          cfg.Logging.Level,
		LogFormat:         cfg.Logging.Format,
	}
	if cfg.Database.Driver == "sqlite" {
		resp.DatabasePath = cfg.Database.Path
	}

	c.JSON(http.StatusOK, resp)
}

func RegisterSettingsRoutes(r *gin.RouterGroup, h *SettingsHandler) {
	r.GET("/config", h.GetServerConfig)
}
