package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/signature-relay/backend/internal/auth"
	"github.com/signature-relay/backend/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send transport pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Tablets and workstations connect from native clients; origin
		// enforcement happens at the edge proxy.
		return true
	},
}

// SubmissionHandler advances signature sessions on protocol events coming in
// from tablet channels. Implemented by the session manager.
type SubmissionHandler interface {
	HandleTabletStatus(ctx context.Context, tabletID string, p *TabletStatusPayload)
	HandleSignatureCompleted(ctx context.Context, tabletID string, p *SignatureCompletedPayload) error
	HandleDocumentSubmission(ctx context.Context, tabletID string, p *DocumentSubmissionPayload) (model.DocumentType, error)
	HandleTabletDisconnect(ctx context.Context, tabletID string)
}

// Handler owns the message dispatch protocol: it authenticates and registers
// channels, parses inbound envelopes, and exposes the outbound operations
// used by business collaborators.
type Handler struct {
	registry      *Registry
	authenticator *auth.Authenticator
	audit         AuditSink
	submissions   SubmissionHandler
	logger        zerolog.Logger
}

// NewHandler creates a new protocol handler.
func NewHandler(registry *Registry, authenticator *auth.Authenticator, audit AuditSink, logger zerolog.Logger) *Handler {
	return &Handler{
		registry:      registry,
		authenticator: authenticator,
		audit:         audit,
		logger:        logger.With().Str("component", "protocol").Logger(),
	}
}

// SetSubmissionHandler wires the session manager in after construction.
func (h *Handler) SetSubmissionHandler(s SubmissionHandler) {
	h.submissions = s
}

// Registry returns the connection registry.
func (h *Handler) Registry() *Registry {
	return h.registry
}

// HandleTabletConnection upgrades a tablet endpoint request, registers the
// channel, and runs the handshake. An empty device id is rejected before any
// registry entry is created.
func (h *Handler) HandleTabletConnection(w http.ResponseWriter, r *http.Request, deviceID, token string) error {
	if deviceID == "" {
		return model.ErrConnectionRejected
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	ctx := r.Context()
	peer := NewPeer(conn, deviceID)
	h.registry.RegisterTablet(ctx, peer, deviceID)

	claims, device, err := h.authenticator.AuthenticateTablet(ctx, token, deviceID)
	if err != nil {
		h.rejectHandshake(conn, peer, err)
		h.registry.UnregisterPeer(ctx, peer)
		h.auditSecurityViolation(ctx, &model.AuditEntry{DeviceID: deviceID}, err)
		return err
	}

	if !h.registry.MarkTabletAuthenticated(deviceID, peer, claims.TenantID, device.LocationID) {
		// Superseded during the handshake; the newer connection wins.
		peer.CloseWithReason("superseded by new connection")
		return nil
	}

	h.sendConnectionAck(peer, deviceID)
	h.logger.Info().Str("device_id", deviceID).Str("tenant_id", claims.TenantID).Msg("tablet connected")

	go h.writePump(peer)
	go h.readPump(peer, func(ctx context.Context, raw []byte) {
		h.handleTabletMessage(ctx, peer, deviceID, raw)
	}, func(ctx context.Context) {
		if h.submissions != nil {
			h.submissions.HandleTabletDisconnect(ctx, deviceID)
		}
	})

	return nil
}

// HandleWorkstationConnection upgrades a workstation endpoint request,
// registers the channel, and runs the handshake.
func (h *Handler) HandleWorkstationConnection(w http.ResponseWriter, r *http.Request, workstationID, token string) error {
	if workstationID == "" {
		return model.ErrConnectionRejected
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	ctx := r.Context()
	peer := NewPeer(conn, workstationID)
	h.registry.RegisterWorkstation(ctx, peer, workstationID)

	claims, err := h.authenticator.AuthenticateWorkstation(token)
	if err != nil {
		h.rejectHandshake(conn, peer, err)
		h.registry.UnregisterPeer(ctx, peer)
		h.auditSecurityViolation(ctx, &model.AuditEntry{WorkstationID: workstationID}, err)
		return err
	}

	if !h.registry.MarkWorkstationAuthenticated(workstationID, peer, claims.CompanyID, claims.Subject, claims.Username) {
		peer.CloseWithReason("superseded by new connection")
		return nil
	}

	h.sendConnectionAck(peer, workstationID)
	h.logger.Info().
		Str("workstation_id", workstationID).
		Str("company_id", claims.CompanyID).
		Str("username", claims.Username).
		Msg("workstation connected")

	go h.writePump(peer)
	go h.readPump(peer, func(ctx context.Context, raw []byte) {
		h.handleWorkstationMessage(ctx, peer, workstationID, raw)
	}, nil)

	return nil
}

// rejectHandshake writes an error envelope and a close frame directly on the
// connection; the pumps are not running yet.
func (h *Handler) rejectHandshake(conn *websocket.Conn, peer *Peer, authErr error) {
	reason := "authentication failed"
	var ae *auth.Error
	if errors.As(authErr, &ae) {
		reason = string(ae.Reason)
	}

	env, err := NewEnvelope(MessageTypeError, &ErrorPayload{
		Code:    "authentication_failed",
		Message: reason,
	})
	if err == nil {
		if data, err := env.Encode(); err == nil {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}
	peer.CloseWithReason(reason)
}

func (h *Handler) sendConnectionAck(peer *Peer, identity string) {
	env, err := NewEnvelope(MessageTypeConnection, &ConnectionPayload{
		Status:    "connected",
		Identity:  identity,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := peer.SendEnvelope(env); err != nil {
		h.logger.Debug().Err(err).Str("identity", identity).Msg("failed to queue connection ack")
	}
}

// handleTabletMessage dispatches one inbound envelope from a tablet channel.
// Malformed or unknown messages produce an error envelope; the channel stays
// open.
func (h *Handler) handleTabletMessage(ctx context.Context, peer *Peer, deviceID string, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.sendError(peer, "bad_envelope", "invalid message format")
		return
	}
	if !KnownInbound(env.Type) {
		h.sendError(peer, "unknown_type", "unrecognized message type: "+string(env.Type))
		return
	}

	switch env.Type {
	case MessageTypeHeartbeat:
		h.registry.TabletHeartbeat(deviceID, time.Now())

	case MessageTypeSignatureCompleted:
		var p SignatureCompletedPayload
		if err := env.DecodePayload(&p); err != nil {
			h.sendError(peer, "bad_payload", err.Error())
			return
		}
		if h.submissions == nil {
			return
		}
		if err := h.submissions.HandleSignatureCompleted(ctx, deviceID, &p); err != nil {
			h.sendSubmissionError(peer, p.SessionID, err)
		}

	case MessageTypeTabletStatus:
		var p TabletStatusPayload
		if err := env.DecodePayload(&p); err != nil {
			h.sendError(peer, "bad_payload", err.Error())
			return
		}
		if h.submissions != nil {
			h.submissions.HandleTabletStatus(ctx, deviceID, &p)
		}

	case MessageTypeDocumentSubmission:
		var p DocumentSubmissionPayload
		if err := env.DecodePayload(&p); err != nil {
			h.sendError(peer, "bad_payload", err.Error())
			return
		}
		if h.submissions == nil {
			return
		}
		docType, err := h.submissions.HandleDocumentSubmission(ctx, deviceID, &p)
		if err != nil {
			h.sendSubmissionError(peer, p.SessionID, err)
			return
		}
		ackType := MessageTypeDocumentSignatureAck
		if docType == model.DocumentTypeInvoice {
			ackType = MessageTypeInvoiceSignatureAck
		}
		ack, err := NewEnvelope(ackType, &StatusUpdatePayload{SessionID: p.SessionID, State: "accepted"})
		if err == nil {
			peer.SendEnvelope(ack)
		}

	default:
		h.sendError(peer, "unsupported_type", "message type not accepted on tablet channel: "+string(env.Type))
	}
}

// handleWorkstationMessage dispatches one inbound envelope from a
// workstation channel.
func (h *Handler) handleWorkstationMessage(ctx context.Context, peer *Peer, workstationID string, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.sendError(peer, "bad_envelope", "invalid message format")
		return
	}
	if !KnownInbound(env.Type) {
		h.sendError(peer, "unknown_type", "unrecognized message type: "+string(env.Type))
		return
	}

	switch env.Type {
	case MessageTypeHeartbeat:
		h.registry.WorkstationHeartbeat(workstationID, time.Now())

	case MessageTypeWorkstationStatus:
		var p WorkstationStatusPayload
		if err := env.DecodePayload(&p); err != nil {
			h.sendError(peer, "bad_payload", err.Error())
			return
		}
		// Status reports double as application-level liveness.
		h.registry.WorkstationHeartbeat(workstationID, time.Now())
		h.logger.Debug().Str("workstation_id", workstationID).Str("state", p.State).Msg("workstation status")

	default:
		h.sendError(peer, "unsupported_type", "message type not accepted on workstation channel: "+string(env.Type))
	}
}

// sendSubmissionError maps session faults to explicit rejections so a tablet
// submitting late or against an unknown session gets a definite answer.
func (h *Handler) sendSubmissionError(peer *Peer, sessionID string, err error) {
	switch {
	case errors.Is(err, model.ErrSessionExpired):
		h.sendError(peer, "session_expired", "session "+sessionID+" has expired")
	case errors.Is(err, model.ErrSessionTerminal):
		h.sendError(peer, "session_finalized", "session "+sessionID+" is already finalized")
	case errors.Is(err, model.ErrSessionNotFound):
		h.sendError(peer, "unknown_session", "session "+sessionID+" not found")
	case errors.Is(err, model.ErrSessionTabletMismatch):
		h.sendError(peer, "session_mismatch", "session "+sessionID+" belongs to another tablet")
	default:
		h.logger.Error().Err(err).Str("session_id", sessionID).Msg("submission handling failed")
		h.sendError(peer, "internal_error", "failed to process submission")
	}
}

func (h *Handler) sendError(peer *Peer, code, message string) {
	env, err := NewEnvelope(MessageTypeError, &ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	if err := peer.SendEnvelope(env); err != nil {
		h.logger.Debug().Err(err).Str("code", code).Msg("failed to queue error envelope")
	}
}

// SendSignatureRequest looks up the target tablet and transmits a signature
// request. Returns false, without raising, when the tablet is absent or its
// channel is closed.
func (h *Handler) SendSignatureRequest(tabletID string, req *SignatureRequestPayload) bool {
	entry, ok := h.registry.LookupTablet(tabletID)
	if !ok || entry.Peer.IsClosed() {
		return false
	}

	msgType := MessageTypeSignatureRequest
	if req.DocumentType == model.DocumentTypeProtocol {
		msgType = MessageTypeProtocolSigRequest
	}

	env, err := NewEnvelope(msgType, req)
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", req.SessionID).Msg("failed to build signature request")
		return false
	}
	if err := entry.Peer.SendEnvelope(env); err != nil {
		h.logger.Warn().Err(err).Str("tablet_id", tabletID).Str("session_id", req.SessionID).Msg("signature request send failed")
		return false
	}

	h.recordAudit(context.Background(), &model.AuditEntry{
		Action:    model.AuditActionSentToTablet,
		DeviceID:  tabletID,
		TenantID:  entry.TenantID,
		SessionID: req.SessionID,
	})
	return true
}

// NotifyWorkstation transmits a completion envelope to the originating
// workstation. A delivery miss is logged; there is no automatic retry.
func (h *Handler) NotifyWorkstation(workstationID, sessionID string, success bool, signedAt time.Time, docType model.DocumentType, imageURL string) {
	entry, ok := h.registry.LookupWorkstation(workstationID)
	if !ok || entry.Peer.IsClosed() {
		h.logger.Warn().
			Str("workstation_id", workstationID).
			Str("session_id", sessionID).
			Msg("completion notification missed: workstation not connected")
		return
	}

	msgType := MessageTypeSignatureCompleted
	if docType == model.DocumentTypeProtocol {
		msgType = MessageTypeProtocolSigCompleted
	}

	env, err := NewEnvelope(msgType, &SignatureCompletedPayload{
		SessionID:         sessionID,
		Success:           success,
		SignedAt:          signedAt,
		SignatureImageURL: imageURL,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to build completion envelope")
		return
	}
	if err := entry.Peer.SendEnvelope(env); err != nil {
		h.logger.Warn().Err(err).Str("workstation_id", workstationID).Str("session_id", sessionID).Msg("completion notification send failed")
		return
	}

	h.recordAudit(context.Background(), &model.AuditEntry{
		Action:        model.AuditActionDeliveredWorkstation,
		WorkstationID: workstationID,
		SessionID:     sessionID,
	})
}

// NotifyWorkstationStatus relays tablet-side progress for a session to the
// originating workstation.
func (h *Handler) NotifyWorkstationStatus(workstationID, sessionID, state string) {
	entry, ok := h.registry.LookupWorkstation(workstationID)
	if !ok || entry.Peer.IsClosed() {
		return
	}

	msgType := MessageTypeProtocolSigStatus
	if state == "viewing_document" {
		msgType = MessageTypeDocumentViewingStatus
	}

	env, err := NewEnvelope(msgType, &StatusUpdatePayload{SessionID: sessionID, State: state})
	if err != nil {
		return
	}
	if err := entry.Peer.SendEnvelope(env); err != nil {
		h.logger.Debug().Err(err).Str("workstation_id", workstationID).Msg("status relay send failed")
	}
}

// BroadcastToCompany transmits an envelope to every authenticated
// workstation in the company. A failing channel is skipped; returns the
// number of successful sends.
func (h *Handler) BroadcastToCompany(companyID string, env *Envelope) int {
	count := 0
	for _, entry := range h.registry.ListWorkstationsByCompany(companyID) {
		if err := entry.Peer.SendEnvelope(env); err != nil {
			h.logger.Debug().Err(err).Str("workstation_id", entry.WorkstationID).Msg("broadcast send failed")
			continue
		}
		count++
	}
	return count
}

// IsTabletConnected reports whether the device has a live channel.
func (h *Handler) IsTabletConnected(deviceID string) bool {
	return h.registry.IsTabletConnected(deviceID)
}

// readPump pumps messages from the WebSocket connection into the dispatcher.
func (h *Handler) readPump(peer *Peer, dispatch func(ctx context.Context, raw []byte), onDisconnect func(ctx context.Context)) {
	defer func() {
		ctx := context.Background()
		h.registry.UnregisterPeer(ctx, peer)
		peer.Close()
		peer.Conn().Close()
		if onDisconnect != nil {
			onDisconnect(ctx)
		}
	}()

	conn := peer.Conn()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("identity", peer.ID()).Msg("read error")
			}
			break
		}
		dispatch(context.Background(), message)
	}
}

// writePump pumps queued messages to the WebSocket connection and sends
// transport pings.
func (h *Handler) writePump(peer *Peer) {
	ticker := time.NewTicker(pingPeriod)
	conn := peer.Conn()
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-peer.SendChan():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) auditSecurityViolation(ctx context.Context, entry *model.AuditEntry, authErr error) {
	entry.Action = model.AuditActionSecurityViolation
	entry.Detail = authErr.Error()
	h.recordAudit(ctx, entry)
}

func (h *Handler) recordAudit(ctx context.Context, entry *model.AuditEntry) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Record(ctx, entry); err != nil {
		h.logger.Warn().Err(err).Str("action", string(entry.Action)).Msg("failed to record audit entry")
	}
}
