package model

import (
	"encoding/json"
	"time"
)

// SessionStatus represents the status of a signature session.
type SessionStatus string

const (
	SessionStatusPending      SessionStatus = "PENDING"
	SessionStatusSentToTablet SessionStatus = "SENT_TO_TABLET"
	SessionStatusInProgress   SessionStatus = "IN_PROGRESS"
	SessionStatusCompleted    SessionStatus = "COMPLETED"
	SessionStatusExpired      SessionStatus = "EXPIRED"
	SessionStatusCancelled    SessionStatus = "CANCELLED"
	SessionStatusError        SessionStatus = "ERROR"
)

// DocumentType distinguishes the paperwork a customer signs on the tablet.
type DocumentType string

const (
	DocumentTypeProtocol DocumentType = "protocol"
	DocumentTypeInvoice  DocumentType = "invoice"
	DocumentTypeDocument DocumentType = "document"
)

// transitions is the forward-only status graph. Terminal statuses have no
// outbound edges; a status change not listed here is rejected.
var transitions = map[SessionStatus][]SessionStatus{
	SessionStatusPending: {
		SessionStatusSentToTablet,
		SessionStatusExpired,
		SessionStatusCancelled,
		SessionStatusError,
	},
	SessionStatusSentToTablet: {
		SessionStatusInProgress,
		SessionStatusCompleted,
		SessionStatusExpired,
		SessionStatusCancelled,
		SessionStatusError,
	},
	SessionStatusInProgress: {
		SessionStatusCompleted,
		SessionStatusExpired,
		SessionStatusCancelled,
		SessionStatusError,
	},
}

// Terminal reports whether the status has no outbound transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusExpired, SessionStatusCancelled, SessionStatusError:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is on the graph.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// VehicleInfo is the snapshot of the vehicle a session relates to, shown on
// the tablet alongside the document.
type VehicleInfo struct {
	Make         string `json:"make,omitempty"`
	Model        string `json:"model,omitempty"`
	Year         int    `json:"year,omitempty"`
	LicensePlate string `json:"licensePlate,omitempty"`
	VIN          string `json:"vin,omitempty"`
}

// SignatureSession is one signature workflow instance, from request to
// completion, expiry, or cancellation. Sessions are never deleted; they are
// retired into a terminal status.
type SignatureSession struct {
	ID                string        `json:"id"`
	WorkstationID     string        `json:"workstationId"`
	TabletID          string        `json:"tabletId"`
	CompanyID         string        `json:"companyId"`
	CustomerName      string        `json:"customerName"`
	Vehicle           VehicleInfo   `json:"vehicle"`
	DocumentType      DocumentType  `json:"documentType"`
	Status            SessionStatus `json:"status"`
	CreatedAt         time.Time     `json:"createdAt"`
	ExpiresAt         time.Time     `json:"expiresAt"`
	SignedAt          *time.Time    `json:"signedAt,omitempty"`
	SignatureImageURL string        `json:"signatureImageUrl,omitempty"`
}

// Clone returns an independent copy of the session. SignedAt is copied by
// value so the caller cannot reach back into the original.
func (s *SignatureSession) Clone() *SignatureSession {
	cp := *s
	if s.SignedAt != nil {
		t := *s.SignedAt
		cp.SignedAt = &t
	}
	return &cp
}

// ExpiredAt reports whether the session deadline has passed at the given
// instant. This is independent of transport liveness: a live socket does not
// imply a non-expired session.
func (s *SignatureSession) ExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// VehicleToJSON serializes the vehicle snapshot for storage.
func (s *SignatureSession) VehicleToJSON() (string, error) {
	data, err := json.Marshal(s.Vehicle)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// VehicleFromJSON parses a stored vehicle snapshot.
func (s *SignatureSession) VehicleFromJSON(data string) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), &s.Vehicle)
}

// CreateSignatureRequest is a business-layer request to start a signature
// workflow on a specific tablet.
type CreateSignatureRequest struct {
	WorkstationID string       `json:"workstationId" binding:"required"`
	TabletID      string       `json:"tabletId" binding:"required"`
	CompanyID     string       `json:"companyId" binding:"required"`
	CustomerName  string       `json:"customerName" binding:"required"`
	Vehicle       VehicleInfo  `json:"vehicle"`
	DocumentType  DocumentType `json:"documentType"`
}

// Validate validates the request and defaults the document type.
func (r *CreateSignatureRequest) Validate() error {
	if r.TabletID == "" || r.WorkstationID == "" {
		return ErrTargetRequired
	}
	if r.DocumentType == "" {
		r.DocumentType = DocumentTypeDocument
	}
	return nil
}
