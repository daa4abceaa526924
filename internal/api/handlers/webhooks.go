package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printq/internal/core"
	"github.com/orrn/printq/internal/webhook"
)

type WebhookResponse struct {
	Name      string           `json:"name"`
	URL       string           `json:"url"`
	Events    []core.EventType `json:"events"`
	HasSecret bool             `json:"has_secret"`
}

type TestWebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type WebhookHandler struct {
	sender *webhook.WebhookSender
}

func NewWebhookHandler(sender *webhook.WebhookSender) *WebhookHandler {
	return &WebhookHandler{sender: sender}
}

func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	endpoints := h.sender.Endpoints()
	out := make([]WebhookResponse, 0, len(endpoints))
	for _, ep := range endpoints {
		events := ep.Events
		if events == nil {
			events = []core.EventType{}
		}
		out = append(out, WebhookResponse{
			Name:      ep.Name,
			URL:       ep.URL,
			Events:    events,
			HasSecret: ep.Secret != "",
		})
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": out, "count": len(out)})
}

// TestWebhook reports delivery failures in the body with a 200, as the
// request itself succeeded.
func (h *WebhookHandler) TestWebhook(c *gin.Context) {
	err := h.sender.Test(c.Param("name"))
	if errors.Is(err, webhook.ErrEndpointNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "webhook endpoint not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusOK, TestWebhookResponse{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, TestWebhookResponse{Success: true, Message: "webhook test delivered"})
}

func RegisterWebhookRoutes(r *gin.RouterGroup, h *WebhookHandler) {
	r.GET("/webhooks", h.ListWebhooks)
	r.POST("/webhooks/:name/test", h.TestWebhook)
}
