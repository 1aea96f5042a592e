package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/signature-relay/backend/internal/model"
)

// memAudit is an in-memory AuditSink for tests.
type memAudit struct {
	mu      sync.Mutex
	entries []*model.AuditEntry
}

func (a *memAudit) Record(_ context.Context, entry *model.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *memAudit) actions() []model.AuditAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.AuditAction, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}

func newTestRegistry() (*Registry, *memAudit) {
	audit := &memAudit{}
	return NewRegistry(audit, zerolog.Nop()), audit
}

func TestRegistry_RegisterTablet(t *testing.T) {
	registry, audit := newTestRegistry()
	ctx := context.Background()

	t.Run("register and lookup", func(t *testing.T) {
		peer := NewPeer(nil, "tablet-1")
		entry := registry.RegisterTablet(ctx, peer, "tablet-1")
		if entry == nil {
			t.Fatal("RegisterTablet returned nil")
		}
		if entry.Authenticated {
			t.Error("new entry should start unauthenticated")
		}

		got, ok := registry.LookupTablet("tablet-1")
		if !ok {
			t.Fatal("LookupTablet should find the entry")
		}
		if got.Peer != peer {
			t.Error("looked-up entry has wrong peer")
		}
	})

	t.Run("connect is audited", func(t *testing.T) {
		found := false
		for _, a := range audit.actions() {
			if a == model.AuditActionConnected {
				found = true
			}
		}
		if !found {
			t.Error("expected a CONNECTED audit entry")
		}
	})
}

func TestRegistry_Supersede(t *testing.T) {
	registry, _ := newTestRegistry()
	ctx := context.Background()

	oldPeer := NewPeer(nil, "tablet-1")
	registry.RegisterTablet(ctx, oldPeer, "tablet-1")

	newPeer := NewPeer(nil, "tablet-1")
	registry.RegisterTablet(ctx, newPeer, "tablet-1")

	if !oldPeer.IsClosed() {
		t.Error("superseded peer should be closed")
	}
	if newPeer.IsClosed() {
		t.Error("superseding peer should stay open")
	}

	got, ok := registry.LookupTablet("tablet-1")
	if !ok || got.Peer != newPeer {
		t.Error("registry should hold the superseding connection")
	}
	if registry.TabletCount() != 1 {
		t.Errorf("TabletCount = %d, want 1", registry.TabletCount())
	}
}

func TestRegistry_UnregisterPeer(t *testing.T) {
	registry, _ := newTestRegistry()
	ctx := context.Background()

	peer := NewPeer(nil, "tablet-1")
	registry.RegisterTablet(ctx, peer, "tablet-1")

	t.Run("removes the matching peer", func(t *testing.T) {
		registry.UnregisterPeer(ctx, peer)
		if _, ok := registry.LookupTablet("tablet-1"); ok {
			t.Error("entry should be gone after unregister")
		}
	})

	t.Run("stale unregister leaves a superseding connection alone", func(t *testing.T) {
		oldPeer := NewPeer(nil, "tablet-2")
		registry.RegisterTablet(ctx, oldPeer, "tablet-2")
		newPeer := NewPeer(nil, "tablet-2")
		registry.RegisterTablet(ctx, newPeer, "tablet-2")

		// The superseded pump unregisters on its way out.
		registry.UnregisterPeer(ctx, oldPeer)

		got, ok := registry.LookupTablet("tablet-2")
		if !ok || got.Peer != newPeer {
			t.Error("superseding connection should survive the stale unregister")
		}
	})
}

func TestRegistry_MarkAuthenticated(t *testing.T) {
	registry, _ := newTestRegistry()
	ctx := context.Background()

	t.Run("marks the current peer", func(t *testing.T) {
		peer := NewPeer(nil, "tablet-1")
		registry.RegisterTablet(ctx, peer, "tablet-1")

		if !registry.MarkTabletAuthenticated("tablet-1", peer, "tenant-1", "loc-1") {
			t.Fatal("MarkTabletAuthenticated should succeed for the current peer")
		}

		got, _ := registry.LookupTablet("tablet-1")
		if !got.Authenticated || got.TenantID != "tenant-1" {
			t.Errorf("entry = %+v, want authenticated with tenant-1", got)
		}
	})

	t.Run("rejects a superseded peer", func(t *testing.T) {
		oldPeer := NewPeer(nil, "tablet-2")
		registry.RegisterTablet(ctx, oldPeer, "tablet-2")
		newPeer := NewPeer(nil, "tablet-2")
		registry.RegisterTablet(ctx, newPeer, "tablet-2")

		if registry.MarkTabletAuthenticated("tablet-2", oldPeer, "tenant-1", "") {
			t.Error("MarkTabletAuthenticated should fail for a superseded peer")
		}
	})
}

func TestRegistry_ListWorkstationsByCompany(t *testing.T) {
	registry, _ := newTestRegistry()
	ctx := context.Background()

	for _, ws := range []struct {
		id, company string
		auth        bool
	}{
		{"ws-1", "co-1", true},
		{"ws-2", "co-1", true},
		{"ws-3", "co-2", true},
		{"ws-4", "co-1", false},
	} {
		peer := NewPeer(nil, ws.id)
		registry.RegisterWorkstation(ctx, peer, ws.id)
		if ws.auth {
			registry.MarkWorkstationAuthenticated(ws.id, peer, ws.company, "user-"+ws.id, "u")
		}
	}

	got := registry.ListWorkstationsByCompany("co-1")
	if len(got) != 2 {
		t.Fatalf("ListWorkstationsByCompany(co-1) = %d entries, want 2", len(got))
	}
	for _, entry := range got {
		if entry.CompanyID != "co-1" || !entry.Authenticated {
			t.Errorf("unexpected entry %+v", entry)
		}
	}
}

func TestRegistry_Heartbeat(t *testing.T) {
	registry, _ := newTestRegistry()
	ctx := context.Background()

	peer := NewPeer(nil, "tablet-1")
	registry.RegisterTablet(ctx, peer, "tablet-1")
	entry, _ := registry.LookupTablet("tablet-1")
	initial := entry.LastHeartbeat

	later := initial.Add(10 * time.Second)
	registry.TabletHeartbeat("tablet-1", later)

	entry, _ = registry.LookupTablet("tablet-1")
	if !entry.LastHeartbeat.Equal(later) {
		t.Errorf("LastHeartbeat = %v, want %v", entry.LastHeartbeat, later)
	}

	// Heartbeats never move backwards.
	registry.TabletHeartbeat("tablet-1", initial)
	entry, _ = registry.LookupTablet("tablet-1")
	if !entry.LastHeartbeat.Equal(later) {
		t.Errorf("LastHeartbeat regressed to %v", entry.LastHeartbeat)
	}
}

func TestRegistry_EvictTablet(t *testing.T) {
	registry, _ := newTestRegistry()
	ctx := context.Background()

	t.Run("evicts the stale entry", func(t *testing.T) {
		peer := NewPeer(nil, "tablet-1")
		stale := registry.RegisterTablet(ctx, peer, "tablet-1")

		registry.EvictTablet(ctx, stale, "stale connection")
		if !peer.IsClosed() {
			t.Error("evicted peer should be closed")
		}
		if _, ok := registry.LookupTablet("tablet-1"); ok {
			t.Error("evicted entry should be removed")
		}
	})

	t.Run("leaves a superseding connection alone", func(t *testing.T) {
		oldPeer := NewPeer(nil, "tablet-2")
		stale := registry.RegisterTablet(ctx, oldPeer, "tablet-2")
		newPeer := NewPeer(nil, "tablet-2")
		registry.RegisterTablet(ctx, newPeer, "tablet-2")

		registry.EvictTablet(ctx, stale, "stale connection")
		if newPeer.IsClosed() {
			t.Error("superseding peer should not be closed by a stale eviction")
		}
		if _, ok := registry.LookupTablet("tablet-2"); !ok {
			t.Error("superseding entry should survive")
		}
	})
}

func TestRegistry_Counts(t *testing.T) {
	registry, _ := newTestRegistry()
	ctx := context.Background()

	for i, id := range []string{"t-1", "t-2", "t-3"} {
		registry.RegisterTablet(ctx, NewPeer(nil, id), id)
		if registry.TabletCount() != i+1 {
			t.Errorf("TabletCount = %d, want %d", registry.TabletCount(), i+1)
		}
	}
	registry.RegisterWorkstation(ctx, NewPeer(nil, "ws-1"), "ws-1")
	if registry.WorkstationCount() != 1 {
		t.Errorf("WorkstationCount = %d, want 1", registry.WorkstationCount())
	}

	registry.CloseAll()
	if registry.TabletCount() != 0 || registry.WorkstationCount() != 0 {
		t.Error("CloseAll should drain the registry")
	}
}
