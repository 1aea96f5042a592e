// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signature-relay/backend/internal/model"
	"github.com/signature-relay/backend/internal/session"
)

// SignatureHandler handles HTTP requests for signature sessions.
type SignatureHandler struct {
	sessionManager *session.Manager
}

// NewSignatureHandler creates a new SignatureHandler.
func NewSignatureHandler(sessionManager *session.Manager) *SignatureHandler {
	return &SignatureHandler{
		sessionManager: sessionManager,
	}
}

// CreateSignatureRequest represents the request body for starting a
// signature session.
type CreateSignatureRequest struct {
	WorkstationID string            `json:"workstationId" binding:"required"`
	TabletID      string            `json:"tabletId" binding:"required"`
	CompanyID     string            `json:"companyId" binding:"required"`
	CustomerName  string            `json:"customerName"`
	Vehicle       model.VehicleInfo `json:"vehicle"`
	DocumentType  string            `json:"documentType"`
}

// SignatureResponse represents a signature session in API responses.
type SignatureResponse struct {
	ID                string            `json:"id"`
	WorkstationID     string            `json:"workstationId"`
	TabletID          string            `json:"tabletId"`
	CompanyID         string            `json:"companyId"`
	CustomerName      string            `json:"customerName,omitempty"`
	Vehicle           model.VehicleInfo `json:"vehicle"`
	DocumentType      string            `json:"documentType"`
	Status            string            `json:"status"`
	SignatureImageURL string            `json:"signatureImageUrl,omitempty"`
	SignedAt          string            `json:"signedAt,omitempty"`
	CreatedAt         string            `json:"createdAt"`
	ExpiresAt         string            `json:"expiresAt"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// toSignatureResponse converts a model.SignatureSession to SignatureResponse.
func toSignatureResponse(s *model.SignatureSession) *SignatureResponse {
	resp := &SignatureResponse{
		ID:                s.ID,
		WorkstationID:     s.WorkstationID,
		TabletID:          s.TabletID,
		CompanyID:         s.CompanyID,
		CustomerName:      s.CustomerName,
		Vehicle:           s.Vehicle,
		DocumentType:      string(s.DocumentType),
		Status:            string(s.Status),
		SignatureImageURL: s.SignatureImageURL,
		CreatedAt:         s.CreatedAt.Format(time.RFC3339),
		ExpiresAt:         s.ExpiresAt.Format(time.RFC3339),
	}
	if s.SignedAt != nil {
		resp.SignedAt = s.SignedAt.Format(time.RFC3339)
	}
	return resp
}

// Create handles POST /api/signatures - starts a signature session and
// dispatches it to the paired tablet.
func (h *SignatureHandler) Create(c *gin.Context) {
	var req CreateSignatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	createReq := &model.CreateSignatureRequest{
		WorkstationID: req.WorkstationID,
		TabletID:      req.TabletID,
		CompanyID:     req.CompanyID,
		CustomerName:  req.CustomerName,
		Vehicle:       req.Vehicle,
		DocumentType:  model.DocumentType(req.DocumentType),
	}

	sess, err := h.sessionManager.Request(c.Request.Context(), createReq)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrTargetRequired):
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		case errors.Is(err, model.ErrTabletNotConnected):
			sendError(c, http.StatusConflict, "TABLET_NOT_CONNECTED", "Tablet "+req.TabletID+" is not connected")
		default:
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start signature session: "+err.Error())
		}
		return
	}

	c.JSON(http.StatusCreated, toSignatureResponse(sess))
}

// Get handles GET /api/signatures/:id - gets a specific signature session.
func (h *SignatureHandler) Get(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Session ID is required")
		return
	}

	sess, err := h.sessionManager.Get(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, toSignatureResponse(sess))
}

// List handles GET /api/signatures?companyId=... - lists sessions for a company.
func (h *SignatureHandler) List(c *gin.Context) {
	companyID := c.Query("companyId")
	if companyID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "companyId query parameter is required")
		return
	}

	sessions, err := h.sessionManager.ListByCompany(c.Request.Context(), companyID)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}

	response := make([]*SignatureResponse, len(sessions))
	for i, sess := range sessions {
		response[i] = toSignatureResponse(sess)
	}
	c.JSON(http.StatusOK, response)
}

// Cancel handles POST /api/signatures/:id/cancel - cancels a pending session.
func (h *SignatureHandler) Cancel(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Session ID is required")
		return
	}

	if err := h.sessionManager.Cancel(c.Request.Context(), sessionID); err != nil {
		switch {
		case errors.Is(err, model.ErrSessionNotFound):
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
		case errors.Is(err, model.ErrSessionTerminal):
			sendError(c, http.StatusConflict, "SESSION_FINALIZED", "Session "+sessionID+" is already finalized")
		default:
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to cancel session: "+err.Error())
		}
		return
	}

	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers the signature API routes on a Gin router group.
func (h *SignatureHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/signatures", h.Create)
	rg.GET("/signatures", h.List)
	rg.GET("/signatures/:id", h.Get)
	rg.POST("/signatures/:id/cancel", h.Cancel)
}
