package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printq/internal/core"
)

type TelemetryHandler struct {
	ingestor *core.Ingestor
}

func NewTelemetryHandler(ingestor *core.Ingestor) *TelemetryHandler {
	return &TelemetryHandler{ingestor: ingestor}
}

// Report accepts one device push. Stale and duplicate reports still
// answer 200 with their outcome so drivers do not resend them.
func (h *TelemetryHandler) Report(c *gin.Context) {
	var report core.Report
	if err := c.ShouldBindJSON(&report); err != nil {
		badRequest(c, err.Error())
		return
	}

	res, err := h.ingestor.Ingest(c.Request.Context(), report)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func RegisterTelemetryRoutes(r *gin.RouterGroup, h *TelemetryHandler) {
	r.POST("/telemetry", h.Report)
}
