package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printq/internal/core"
)

type MetricsHandler struct {
	metrics *core.MetricsAggregator
}

func NewMetricsHandler(metrics *core.MetricsAggregator) *MetricsHandler {
	return &MetricsHandler{metrics: metrics}
}

func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	m, err := h.metrics.Snapshot(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func RegisterMetricsRoutes(r *gin.RouterGroup, h *MetricsHandler) {
	r.GET("/metrics", h.GetMetrics)
}
