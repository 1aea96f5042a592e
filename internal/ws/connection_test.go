package ws

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/signature-relay/backend/internal/auth"
	"github.com/signature-relay/backend/internal/model"
)

// memDevices is an in-memory auth.DeviceDirectory. When armed with a gate,
// the next GetByID call signals entry and blocks until the gate is closed;
// later calls proceed normally.
type memDevices struct {
	mu      sync.Mutex
	devices map[string]*model.Device
	gate    chan struct{}
	entered chan struct{}
}

func (d *memDevices) arm() (gate, entered chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = make(chan struct{})
	d.entered = make(chan struct{})
	return d.gate, d.entered
}

func (d *memDevices) takeGate() (gate, entered chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	gate, entered = d.gate, d.entered
	d.gate, d.entered = nil, nil
	return gate, entered
}

func (d *memDevices) GetByID(_ context.Context, id string) (*model.Device, error) {
	if gate, entered := d.takeGate(); gate != nil {
		close(entered)
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	device, ok := d.devices[id]
	if !ok {
		return nil, model.ErrDeviceNotFound
	}
	return device, nil
}

// connTestEnv runs the protocol handler behind a real HTTP server so tests
// drive the genuine upgrade and handshake path.
type connTestEnv struct {
	private  *ecdsa.PrivateKey
	handler  *Handler
	registry *Registry
	audit    *memAudit
	devices  *memDevices
	server   *httptest.Server
}

func newConnTestEnv(t *testing.T) *connTestEnv {
	t.Helper()

	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	devices := &memDevices{devices: map[string]*model.Device{
		"tablet-1": {
			ID:         "tablet-1",
			TenantID:   "tenant-1",
			LocationID: "loc-1",
			Status:     model.DeviceStatusActive,
		},
	}}

	audit := &memAudit{}
	registry := NewRegistry(audit, zerolog.Nop())
	authenticator := auth.NewAuthenticator(&private.PublicKey, "signature-relay", devices)
	handler := NewHandler(registry, authenticator, audit, zerolog.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/tablet/", func(w http.ResponseWriter, r *http.Request) {
		deviceID := strings.TrimPrefix(r.URL.Path, "/ws/tablet/")
		handler.HandleTabletConnection(w, r, deviceID, r.URL.Query().Get("token"))
	})
	mux.HandleFunc("/ws/workstation/", func(w http.ResponseWriter, r *http.Request) {
		workstationID := strings.TrimPrefix(r.URL.Path, "/ws/workstation/")
		handler.HandleWorkstationConnection(w, r, workstationID, r.URL.Query().Get("token"))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	t.Cleanup(registry.CloseAll)

	return &connTestEnv{
		private:  private,
		handler:  handler,
		registry: registry,
		audit:    audit,
		devices:  devices,
		server:   server,
	}
}

func (e *connTestEnv) sign(t *testing.T, claims *auth.Claims) string {
	t.Helper()
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	}
	if claims.Issuer == "" {
		claims.Issuer = "signature-relay"
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(e.private)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return signed
}

func (e *connTestEnv) tabletToken(t *testing.T, deviceID, tenantID string) string {
	return e.sign(t, &auth.Claims{
		Kind:     auth.TokenKindTablet,
		DeviceID: deviceID,
		TenantID: tenantID,
	})
}

func (e *connTestEnv) userToken(t *testing.T, role string) string {
	return e.sign(t, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
		Kind:             auth.TokenKindUser,
		CompanyID:        "co-1",
		Username:         "advisor1",
		Role:             role,
	})
}

func (e *connTestEnv) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + path + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWireEnvelope(t *testing.T, conn *websocket.Conn) *Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal envelope: %v", err)
	}
	return &env
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHandler_TabletHandshake(t *testing.T) {
	t.Run("authenticates, delivers, and unregisters on abrupt close", func(t *testing.T) {
		env := newConnTestEnv(t)
		conn := env.dial(t, "/ws/tablet/tablet-1", env.tabletToken(t, "tablet-1", "tenant-1"))

		ack := readWireEnvelope(t, conn)
		if ack.Type != MessageTypeConnection {
			t.Fatalf("first envelope = %s, want connection", ack.Type)
		}
		var connected ConnectionPayload
		if err := ack.DecodePayload(&connected); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		if connected.Identity != "tablet-1" || connected.Status != "connected" {
			t.Errorf("ack payload = %+v", connected)
		}

		if !env.handler.IsTabletConnected("tablet-1") {
			t.Fatal("tablet should be connected after the ack")
		}
		entry, ok := env.registry.LookupTablet("tablet-1")
		if !ok || !entry.Authenticated || entry.TenantID != "tenant-1" {
			t.Fatalf("registry entry = %+v", entry)
		}

		if !env.handler.SendSignatureRequest("tablet-1", &SignatureRequestPayload{
			SessionID:     "sig-1",
			WorkstationID: "ws-1",
			TenantID:      "tenant-1",
			CustomerName:  "Jordan Meyer",
			DocumentType:  model.DocumentTypeProtocol,
			ExpiresAt:     time.Now().Add(5 * time.Minute),
			Timestamp:     time.Now(),
		}) {
			t.Fatal("SendSignatureRequest should reach the connected tablet")
		}
		req := readWireEnvelope(t, conn)
		if req.Type != MessageTypeProtocolSigRequest {
			t.Errorf("request envelope = %s, want protocol_signature_request", req.Type)
		}
		var payload SignatureRequestPayload
		if err := req.DecodePayload(&payload); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		if payload.SessionID != "sig-1" {
			t.Errorf("session id = %s", payload.SessionID)
		}

		// Abrupt close, no close frame. The read pump must unregister.
		conn.Close()
		waitFor(t, func() bool { return !env.handler.IsTabletConnected("tablet-1") },
			"tablet should be unregistered after an abrupt close")
	})

	t.Run("rejects a user token on the tablet endpoint", func(t *testing.T) {
		env := newConnTestEnv(t)
		conn := env.dial(t, "/ws/tablet/tablet-1", env.userToken(t, "advisor"))

		reject := readWireEnvelope(t, conn)
		if reject.Type != MessageTypeError {
			t.Fatalf("first envelope = %s, want error", reject.Type)
		}
		var errPayload ErrorPayload
		if err := reject.DecodePayload(&errPayload); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		if errPayload.Code != "authentication_failed" {
			t.Errorf("code = %s", errPayload.Code)
		}
		if errPayload.Message != string(auth.ReasonAudienceMismatch) {
			t.Errorf("message = %q, want %q", errPayload.Message, auth.ReasonAudienceMismatch)
		}

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := conn.ReadMessage(); err == nil {
			t.Error("channel should be closed after the rejection")
		}

		waitFor(t, func() bool { return env.registry.TabletCount() == 0 },
			"rejected handshake should leave no registry entry")
		waitFor(t, func() bool {
			for _, action := range env.audit.actions() {
				if action == model.AuditActionSecurityViolation {
					return true
				}
			}
			return false
		}, "rejection should be audited as a security violation")
	})

	t.Run("rejects a token for an unknown device", func(t *testing.T) {
		env := newConnTestEnv(t)
		conn := env.dial(t, "/ws/tablet/tablet-ghost", env.tabletToken(t, "tablet-ghost", "tenant-1"))

		reject := readWireEnvelope(t, conn)
		var errPayload ErrorPayload
		if err := reject.DecodePayload(&errPayload); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		if errPayload.Message != string(auth.ReasonDeviceMismatch) {
			t.Errorf("message = %q, want %q", errPayload.Message, auth.ReasonDeviceMismatch)
		}
	})

	t.Run("rejects an empty device id before the upgrade", func(t *testing.T) {
		env := newConnTestEnv(t)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ws/tablet/", nil)

		err := env.handler.HandleTabletConnection(rec, req, "", "irrelevant")
		if !errors.Is(err, model.ErrConnectionRejected) {
			t.Errorf("err = %v, want ErrConnectionRejected", err)
		}
		if env.registry.TabletCount() != 0 {
			t.Error("no registry entry should be created")
		}
	})
}

func TestHandler_TabletSupersededMidHandshake(t *testing.T) {
	env := newConnTestEnv(t)
	gate, entered := env.devices.arm()

	// The first connection parks inside the directory lookup.
	first := env.dial(t, "/ws/tablet/tablet-1", env.tabletToken(t, "tablet-1", "tenant-1"))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first handshake never reached the device directory")
	}

	// A second connection for the same device completes and supersedes it.
	second := env.dial(t, "/ws/tablet/tablet-1", env.tabletToken(t, "tablet-1", "tenant-1"))
	if ack := readWireEnvelope(t, second); ack.Type != MessageTypeConnection {
		t.Fatalf("second connection ack = %s, want connection", ack.Type)
	}

	close(gate)

	// The first connection loses: it is told it was superseded and closed.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("first connection read = %v, want a close frame", err)
	}
	if closeErr.Text != "superseded by new connection" {
		t.Errorf("close reason = %q", closeErr.Text)
	}

	// The surviving channel still carries traffic.
	if env.registry.TabletCount() != 1 {
		t.Errorf("TabletCount = %d, want 1", env.registry.TabletCount())
	}
	if !env.handler.SendSignatureRequest("tablet-1", &SignatureRequestPayload{
		SessionID:    "sig-2",
		TenantID:     "tenant-1",
		DocumentType: model.DocumentTypeDocument,
	}) {
		t.Fatal("SendSignatureRequest should reach the superseding connection")
	}
	if req := readWireEnvelope(t, second); req.Type != MessageTypeSignatureRequest {
		t.Errorf("request envelope = %s, want signature_request", req.Type)
	}
}

func TestHandler_WorkstationHandshake(t *testing.T) {
	t.Run("authenticates and registers under the company", func(t *testing.T) {
		env := newConnTestEnv(t)
		conn := env.dial(t, "/ws/workstation/ws-1", env.userToken(t, "advisor"))

		ack := readWireEnvelope(t, conn)
		if ack.Type != MessageTypeConnection {
			t.Fatalf("first envelope = %s, want connection", ack.Type)
		}

		entry, ok := env.registry.LookupWorkstation("ws-1")
		if !ok || !entry.Authenticated {
			t.Fatalf("registry entry = %+v", entry)
		}
		if entry.CompanyID != "co-1" || entry.Username != "advisor1" {
			t.Errorf("entry identity = %+v", entry)
		}

		// The live channel carries relayed status traffic.
		env.handler.NotifyWorkstationStatus("ws-1", "sig-1", "displayed")
		if status := readWireEnvelope(t, conn); status.Type != MessageTypeProtocolSigStatus {
			t.Errorf("status envelope = %s, want protocol_signature_status", status.Type)
		}
	})

	t.Run("rejects a role without workstation permission", func(t *testing.T) {
		env := newConnTestEnv(t)
		conn := env.dial(t, "/ws/workstation/ws-1", env.userToken(t, "viewer"))

		reject := readWireEnvelope(t, conn)
		if reject.Type != MessageTypeError {
			t.Fatalf("first envelope = %s, want error", reject.Type)
		}
		var errPayload ErrorPayload
		if err := reject.DecodePayload(&errPayload); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		if errPayload.Message != string(auth.ReasonInsufficientPermission) {
			t.Errorf("message = %q, want %q", errPayload.Message, auth.ReasonInsufficientPermission)
		}
		waitFor(t, func() bool { return env.registry.WorkstationCount() == 0 },
			"rejected handshake should leave no registry entry")
	})
}
