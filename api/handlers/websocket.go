// Package handlers provides HTTP API request handlers.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/signature-relay/backend/internal/ws"
)

// WebSocketHandler handles WebSocket upgrade requests for tablets and
// workstations.
type WebSocketHandler struct {
	wsHandler *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{
		wsHandler: wsHandler,
	}
}

// tabletToken extracts the tablet credential: the X-Device-Token header,
// with a ?token= query fallback for clients that cannot set headers.
func tabletToken(c *gin.Context) string {
	if token := c.GetHeader("X-Device-Token"); token != "" {
		return token
	}
	return c.Query("token")
}

// workstationToken extracts the workstation credential: an Authorization
// bearer token, with a ?token= query fallback.
func workstationToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return token
		}
	}
	return c.Query("token")
}

// Tablet handles WS /ws/tablet/:deviceId - connects a signing tablet.
func (h *WebSocketHandler) Tablet(c *gin.Context) {
	deviceID := c.Param("deviceId")
	if deviceID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Device ID is required")
		return
	}

	if err := h.wsHandler.HandleTabletConnection(c.Writer, c.Request, deviceID, tabletToken(c)); err != nil {
		// Post-upgrade failures are reported over the socket itself.
		return
	}
}

// Workstation handles WS /ws/workstation/:workstationId - connects a staff
// workstation.
func (h *WebSocketHandler) Workstation(c *gin.Context) {
	workstationID := c.Param("workstationId")
	if workstationID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Workstation ID is required")
		return
	}

	if err := h.wsHandler.HandleWorkstationConnection(c.Writer, c.Request, workstationID, workstationToken(c)); err != nil {
		return
	}
}

// RegisterRoutes registers the WebSocket routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/tablet/:deviceId", h.Tablet)
	rg.GET("/workstation/:workstationId", h.Workstation)
}
