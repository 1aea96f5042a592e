package model

import "time"

// AuditAction identifies what a connection or session audit record describes.
type AuditAction string

const (
	AuditActionConnected            AuditAction = "CONNECTED"
	AuditActionDisconnected         AuditAction = "DISCONNECTED"
	AuditActionSentToTablet         AuditAction = "SENT_TO_TABLET"
	AuditActionDeliveredWorkstation AuditAction = "DELIVERED_TO_WORKSTATION"
	AuditActionSignatureCompleted   AuditAction = "SIGNATURE_COMPLETED"
	AuditActionSecurityViolation    AuditAction = "SECURITY_VIOLATION"
)

// AuditEntry is one append-only audit record keyed by device, tenant, and
// session. Entries are written best-effort and never updated.
type AuditEntry struct {
	ID            string      `json:"id"`
	Action        AuditAction `json:"action"`
	DeviceID      string      `json:"deviceId,omitempty"`
	WorkstationID string      `json:"workstationId,omitempty"`
	TenantID      string      `json:"tenantId,omitempty"`
	SessionID     string      `json:"sessionId,omitempty"`
	Detail        string      `json:"detail,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}
