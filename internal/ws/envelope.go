package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/signature-relay/backend/internal/model"
)

// MessageType tags a WebSocket envelope.
type MessageType string

const (
	// Inbound message types (device/workstation -> server)
	MessageTypeHeartbeat          MessageType = "heartbeat"
	MessageTypeSignatureCompleted MessageType = "signature_completed"
	MessageTypeTabletStatus       MessageType = "tablet_status"
	MessageTypeWorkstationStatus  MessageType = "workstation_status"
	MessageTypeDocumentSubmission MessageType = "document_signature_submission"

	// Outbound message types (server -> device/workstation)
	MessageTypeConnection            MessageType = "connection"
	MessageTypeError                 MessageType = "error"
	MessageTypeSignatureRequest      MessageType = "signature_request"
	MessageTypeProtocolSigRequest    MessageType = "protocol_signature_request"
	MessageTypeProtocolSigCompleted  MessageType = "protocol_signature_completed"
	MessageTypeProtocolSigStatus     MessageType = "protocol_signature_status"
	MessageTypeDocumentViewingStatus MessageType = "document_viewing_status"
	MessageTypeDocumentSignatureAck  MessageType = "document_signature_acknowledgment"
	MessageTypeInvoiceSignatureAck   MessageType = "invoice_signature_acknowledgment"
)

// inboundTypes is the closed set of message types accepted from a channel.
// Anything else is answered with an error envelope.
var inboundTypes = map[MessageType]bool{
	MessageTypeHeartbeat:          true,
	MessageTypeSignatureCompleted: true,
	MessageTypeTabletStatus:       true,
	MessageTypeWorkstationStatus:  true,
	MessageTypeDocumentSubmission: true,
}

// KnownInbound reports whether t is a recognized inbound message type.
func KnownInbound(t MessageType) bool {
	return inboundTypes[t]
}

// Envelope is the wire shape of every message in both directions.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with a serialized payload.
func NewEnvelope(t MessageType, payload any) (*Envelope, error) {
	if payload == nil {
		return &Envelope{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s payload: %w", t, err)
	}
	return &Envelope{Type: t, Payload: data}, nil
}

// Encode serializes the envelope for transmission.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload parses the envelope payload into v. A parse failure is a
// protocol fault; it never escapes the handler as a panic.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s payload is empty", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}

// HeartbeatPayload is carried by heartbeat envelopes in both directions.
type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload is returned to a channel on protocol faults.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectionPayload acknowledges a successful handshake.
type ConnectionPayload struct {
	Status    string    `json:"status"`
	Identity  string    `json:"identity"`
	Timestamp time.Time `json:"timestamp"`
}

// SignatureRequestPayload asks a tablet to collect a customer signature.
type SignatureRequestPayload struct {
	SessionID     string             `json:"sessionId"`
	WorkstationID string             `json:"workstationId"`
	TenantID      string             `json:"tenantId"`
	CustomerName  string             `json:"customerName"`
	Vehicle       model.VehicleInfo  `json:"vehicle"`
	DocumentType  model.DocumentType `json:"documentType"`
	ExpiresAt     time.Time          `json:"expiresAt"`
	Timestamp     time.Time          `json:"timestamp"`
}

// SignatureCompletedPayload reports the outcome of a signing flow. Inbound
// from tablets, and relayed outbound to the originating workstation.
type SignatureCompletedPayload struct {
	SessionID         string    `json:"sessionId"`
	Success           bool      `json:"success"`
	SignedAt          time.Time `json:"signedAt"`
	SignatureImageURL string    `json:"signatureImageUrl,omitempty"`
}

// TabletStatusPayload reports tablet-side progress for a session, e.g. the
// signing UI being displayed.
type TabletStatusPayload struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
}

// WorkstationStatusPayload reports workstation-side state; currently only
// used as an application-level liveness signal.
type WorkstationStatusPayload struct {
	State string `json:"state"`
}

// DocumentSubmissionPayload is a signed-document submission from a tablet.
type DocumentSubmissionPayload struct {
	SessionID         string    `json:"sessionId"`
	DocumentID        string    `json:"documentId,omitempty"`
	SignatureImageURL string    `json:"signatureImageUrl"`
	SignedAt          time.Time `json:"signedAt"`
}

// StatusUpdatePayload relays tablet progress to the originating workstation.
type StatusUpdatePayload struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
}
