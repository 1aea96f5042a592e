package ws

import (
	"context"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/signature-relay/backend/internal/model"
)

// AuditSink receives append-only audit records for connection and session
// events. Writes are best-effort; the registry logs failures and moves on.
type AuditSink interface {
	Record(ctx context.Context, entry *model.AuditEntry) error
}

// TabletConn is a live tablet channel in the registry. Entries are treated
// as immutable: every update replaces the whole entry, so concurrent readers
// never observe a half-updated record.
type TabletConn struct {
	Peer          *Peer
	DeviceID      string
	TenantID      string
	LocationID    string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	Authenticated bool
}

// WithHeartbeat returns a copy of the entry with an updated heartbeat.
// LastHeartbeat is monotonically non-decreasing.
func (c *TabletConn) WithHeartbeat(at time.Time) *TabletConn {
	next := *c
	if at.After(next.LastHeartbeat) {
		next.LastHeartbeat = at
	}
	return &next
}

// WithAuthenticated returns a copy of the entry marked authenticated.
func (c *TabletConn) WithAuthenticated(tenantID, locationID string) *TabletConn {
	next := *c
	next.TenantID = tenantID
	next.LocationID = locationID
	next.Authenticated = true
	return &next
}

// WorkstationConn is a live workstation channel in the registry. Same
// replace-whole-entry discipline as TabletConn.
type WorkstationConn struct {
	Peer          *Peer
	WorkstationID string
	CompanyID     string
	UserID        string
	Username      string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	Authenticated bool
}

// WithHeartbeat returns a copy of the entry with an updated heartbeat.
func (c *WorkstationConn) WithHeartbeat(at time.Time) *WorkstationConn {
	next := *c
	if at.After(next.LastHeartbeat) {
		next.LastHeartbeat = at
	}
	return &next
}

// WithAuthenticated returns a copy of the entry marked authenticated.
func (c *WorkstationConn) WithAuthenticated(companyID, userID, username string) *WorkstationConn {
	next := *c
	next.CompanyID = companyID
	next.UserID = userID
	next.Username = username
	next.Authenticated = true
	return &next
}

// Registry holds the currently open tablet and workstation channels, keyed
// by identity, and enforces at-most-one live connection per identity.
type Registry struct {
	tablets      cmap.ConcurrentMap[string, *TabletConn]
	workstations cmap.ConcurrentMap[string, *WorkstationConn]
	audit        AuditSink
	logger       zerolog.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(audit AuditSink, logger zerolog.Logger) *Registry {
	return &Registry{
		tablets:      cmap.New[*TabletConn](),
		workstations: cmap.New[*WorkstationConn](),
		audit:        audit,
		logger:       logger.With().Str("component", "registry").Logger(),
	}
}

// RegisterTablet stores a new tablet channel. An existing entry for the same
// device is closed with a supersede reason before the new entry is inserted.
// The entry starts unauthenticated.
func (r *Registry) RegisterTablet(ctx context.Context, peer *Peer, deviceID string) *TabletConn {
	now := time.Now()
	entry := &TabletConn{
		Peer:          peer,
		DeviceID:      deviceID,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}

	if old, ok := r.tablets.Get(deviceID); ok {
		old.Peer.CloseWithReason("superseded by new connection")
		r.logger.Info().Str("device_id", deviceID).Msg("superseded existing tablet connection")
	}
	r.tablets.Set(deviceID, entry)

	r.recordAudit(ctx, &model.AuditEntry{
		Action:   model.AuditActionConnected,
		DeviceID: deviceID,
	})
	return entry
}

// RegisterWorkstation stores a new workstation channel with the same
// supersede semantics as RegisterTablet.
func (r *Registry) RegisterWorkstation(ctx context.Context, peer *Peer, workstationID string) *WorkstationConn {
	now := time.Now()
	entry := &WorkstationConn{
		Peer:          peer,
		WorkstationID: workstationID,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}

	if old, ok := r.workstations.Get(workstationID); ok {
		old.Peer.CloseWithReason("superseded by new connection")
		r.logger.Info().Str("workstation_id", workstationID).Msg("superseded existing workstation connection")
	}
	r.workstations.Set(workstationID, entry)

	r.recordAudit(ctx, &model.AuditEntry{
		Action:        model.AuditActionConnected,
		WorkstationID: workstationID,
	})
	return entry
}

// MarkTabletAuthenticated replaces the tablet entry with an authenticated
// copy once the handshake succeeds. Returns false if the entry is gone or
// was superseded by another peer.
func (r *Registry) MarkTabletAuthenticated(deviceID string, peer *Peer, tenantID, locationID string) bool {
	entry, ok := r.tablets.Get(deviceID)
	if !ok || entry.Peer != peer {
		return false
	}
	r.tablets.Set(deviceID, entry.WithAuthenticated(tenantID, locationID))
	return true
}

// MarkWorkstationAuthenticated replaces the workstation entry with an
// authenticated copy once the handshake succeeds.
func (r *Registry) MarkWorkstationAuthenticated(workstationID string, peer *Peer, companyID, userID, username string) bool {
	entry, ok := r.workstations.Get(workstationID)
	if !ok || entry.Peer != peer {
		return false
	}
	r.workstations.Set(workstationID, entry.WithAuthenticated(companyID, userID, username))
	return true
}

// UnregisterPeer removes the entry whose channel matches the given peer. A
// superseded peer does not remove its successor's entry.
func (r *Registry) UnregisterPeer(ctx context.Context, peer *Peer) {
	for item := range r.tablets.IterBuffered() {
		if item.Val.Peer == peer {
			r.tablets.Remove(item.Key)
			r.recordAudit(ctx, &model.AuditEntry{
				Action:   model.AuditActionDisconnected,
				DeviceID: item.Key,
				TenantID: item.Val.TenantID,
			})
			return
		}
	}
	for item := range r.workstations.IterBuffered() {
		if item.Val.Peer == peer {
			r.workstations.Remove(item.Key)
			r.recordAudit(ctx, &model.AuditEntry{
				Action:        model.AuditActionDisconnected,
				WorkstationID: item.Key,
			})
			return
		}
	}
}

// LookupTablet returns the live tablet entry for a device id.
func (r *Registry) LookupTablet(deviceID string) (*TabletConn, bool) {
	return r.tablets.Get(deviceID)
}

// LookupWorkstation returns the live workstation entry for a workstation id.
func (r *Registry) LookupWorkstation(workstationID string) (*WorkstationConn, bool) {
	return r.workstations.Get(workstationID)
}

// IsTabletConnected reports whether the device has a live, open channel.
func (r *Registry) IsTabletConnected(deviceID string) bool {
	entry, ok := r.tablets.Get(deviceID)
	return ok && !entry.Peer.IsClosed()
}

// ListWorkstationsByCompany returns the authenticated workstation entries
// scoped to a company, for broadcast routing.
func (r *Registry) ListWorkstationsByCompany(companyID string) []*WorkstationConn {
	var result []*WorkstationConn
	for item := range r.workstations.IterBuffered() {
		if item.Val.Authenticated && item.Val.CompanyID == companyID {
			result = append(result, item.Val)
		}
	}
	return result
}

// SnapshotTablets returns the current tablet entries.
func (r *Registry) SnapshotTablets() []*TabletConn {
	var result []*TabletConn
	for item := range r.tablets.IterBuffered() {
		result = append(result, item.Val)
	}
	return result
}

// SnapshotWorkstations returns the current workstation entries.
func (r *Registry) SnapshotWorkstations() []*WorkstationConn {
	var result []*WorkstationConn
	for item := range r.workstations.IterBuffered() {
		result = append(result, item.Val)
	}
	return result
}

// TabletHeartbeat records a heartbeat acknowledgment from a tablet channel
// by replacing its entry with an updated copy.
func (r *Registry) TabletHeartbeat(deviceID string, at time.Time) {
	if entry, ok := r.tablets.Get(deviceID); ok {
		r.tablets.Set(deviceID, entry.WithHeartbeat(at))
	}
}

// WorkstationHeartbeat records a heartbeat acknowledgment from a
// workstation channel.
func (r *Registry) WorkstationHeartbeat(workstationID string, at time.Time) {
	if entry, ok := r.workstations.Get(workstationID); ok {
		r.workstations.Set(workstationID, entry.WithHeartbeat(at))
	}
}

// EvictTablet force-closes and removes a tablet entry, e.g. on staleness.
// The stale entry's peer must still be current; a superseding connection is
// left alone.
func (r *Registry) EvictTablet(ctx context.Context, stale *TabletConn, reason string) {
	entry, ok := r.tablets.Get(stale.DeviceID)
	if !ok || entry.Peer != stale.Peer {
		return
	}
	entry.Peer.CloseWithReason(reason)
	r.tablets.Remove(stale.DeviceID)
	r.recordAudit(ctx, &model.AuditEntry{
		Action:   model.AuditActionDisconnected,
		DeviceID: stale.DeviceID,
		TenantID: entry.TenantID,
		Detail:   reason,
	})
}

// EvictWorkstation force-closes and removes a workstation entry.
func (r *Registry) EvictWorkstation(ctx context.Context, stale *WorkstationConn, reason string) {
	entry, ok := r.workstations.Get(stale.WorkstationID)
	if !ok || entry.Peer != stale.Peer {
		return
	}
	entry.Peer.CloseWithReason(reason)
	r.workstations.Remove(stale.WorkstationID)
	r.recordAudit(ctx, &model.AuditEntry{
		Action:        model.AuditActionDisconnected,
		WorkstationID: stale.WorkstationID,
		Detail:        reason,
	})
}

// TabletCount returns the number of live tablet channels.
func (r *Registry) TabletCount() int {
	return r.tablets.Count()
}

// WorkstationCount returns the number of live workstation channels.
func (r *Registry) WorkstationCount() int {
	return r.workstations.Count()
}

// CloseAll closes every channel in both registries.
func (r *Registry) CloseAll() {
	for item := range r.tablets.IterBuffered() {
		item.Val.Peer.CloseWithReason("server shutting down")
		r.tablets.Remove(item.Key)
	}
	for item := range r.workstations.IterBuffered() {
		item.Val.Peer.CloseWithReason("server shutting down")
		r.workstations.Remove(item.Key)
	}
}

func (r *Registry) recordAudit(ctx context.Context, entry *model.AuditEntry) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Record(ctx, entry); err != nil {
		r.logger.Warn().Err(err).Str("action", string(entry.Action)).Msg("failed to record audit entry")
	}
}
