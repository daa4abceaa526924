package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printq/internal/core"
)

type DeviceStatusResponse struct {
	ID           string               `json:"id"`
	Name         string               `json:"name,omitempty"`
	State        core.DeviceState     `json:"state"`
	IsOnline     bool                 `json:"is_online"`
	CanPrint     bool                 `json:"can_print"`
	CurrentJobID string               `json:"current_job_id,omitempty"`
	Temperature  *core.Temperature    `json:"temperature,omitempty"`
	LastSeenAt   *time.Time           `json:"last_seen_at,omitempty"`
	Job          *JobProgressResponse `json:"job,omitempty"`
}

type DeviceHandler struct {
	devices *core.DeviceRegistry
	manager *core.JobManager
}

func NewDeviceHandler(devices *core.DeviceRegistry, manager *core.JobManager) *DeviceHandler {
	return &DeviceHandler{
		devices: devices,
		manager: manager,
	}
}

func (h *DeviceHandler) ListDevices(c *gin.Context) {
	devices := h.devices.List()
	out := make([]DeviceStatusResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceToResponse(d))
	}
	c.JSON(http.StatusOK, gin.H{"devices": out, "count": len(out)})
}

// GetDevice includes the bound job's progress when the device is printing.
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	d, err := h.devices.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := deviceToResponse(d)
	if d.CurrentJobID != "" {
		if job, err := h.manager.Get(c.Request.Context(), d.CurrentJobID); err == nil {
			resp.Job = &JobProgressResponse{
				JobID:            job.ID,
				Status:           job.Status,
				Progress:         job.Progress,
				PrintTimeElapsed: job.PrintTimeElapsed,
				PrintTimeLeft:    job.PrintTimeLeft,
				DeviceID:         job.DeviceID,
				LastUpdatedAt:    job.LastUpdatedAt,
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}

func deviceToResponse(d core.Device) DeviceStatusResponse {
	return DeviceStatusResponse{
		ID:           d.ID,
		Name:         d.Name,
		State:        d.State,
		IsOnline:     d.State != core.DeviceOffline,
		CanPrint:     d.State == core.DeviceIdle,
		CurrentJobID: d.CurrentJobID,
		Temperature:  d.Temperature,
		LastSeenAt:   d.LastSeenAt,
	}
}

func RegisterDeviceRoutes(r *gin.RouterGroup, h *DeviceHandler) {
	r.GET("/devices", h.ListDevices)
	r.GET("/devices/:id", h.GetDevice)
}
