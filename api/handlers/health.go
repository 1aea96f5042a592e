// Package handlers provides HTTP API request handlers.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signature-relay/backend/internal/events"
	"github.com/signature-relay/backend/internal/session"
	"github.com/signature-relay/backend/internal/ws"
)

// HealthHandler reports server liveness and connection counts.
type HealthHandler struct {
	registry       *ws.Registry
	sessionManager *session.Manager
	publisher      *events.Publisher
	startedAt      time.Time
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(registry *ws.Registry, sessionManager *session.Manager, publisher *events.Publisher) *HealthHandler {
	return &HealthHandler{
		registry:       registry,
		sessionManager: sessionManager,
		publisher:      publisher,
		startedAt:      time.Now(),
	}
}

// HealthResponse is the /health response body.
type HealthResponse struct {
	Status         string                     `json:"status"`
	Uptime         string                     `json:"uptime"`
	Tablets        int                        `json:"tablets"`
	Workstations   int                        `json:"workstations"`
	ActiveSessions int                        `json:"activeSessions"`
	RecentEvents   []events.SignatureCaptured `json:"recentEvents,omitempty"`
}

// Check handles GET /health.
func (h *HealthHandler) Check(c *gin.Context) {
	resp := HealthResponse{
		Status:         "ok",
		Uptime:         time.Since(h.startedAt).Round(time.Second).String(),
		Tablets:        h.registry.TabletCount(),
		Workstations:   h.registry.WorkstationCount(),
		ActiveSessions: h.sessionManager.ActiveCount(),
	}
	if h.publisher != nil {
		resp.RecentEvents = h.publisher.Recent()
	}
	c.JSON(http.StatusOK, resp)
}
