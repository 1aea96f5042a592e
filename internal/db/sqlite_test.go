package db

import (
	"path/filepath"
	"testing"
)

func TestInitDB(t *testing.T) {
	ResetDB()
	t.Cleanup(ResetDB)

	path := filepath.Join(t.TempDir(), "signatures.db")
	database, err := InitDB(path)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}

	t.Run("returns the singleton on repeat calls", func(t *testing.T) {
		again, err := InitDB(filepath.Join(t.TempDir(), "other.db"))
		if err != nil {
			t.Fatalf("InitDB: %v", err)
		}
		if again != database {
			t.Error("InitDB should hand back the already-initialized connection")
		}
	})

	t.Run("migrations create a usable schema", func(t *testing.T) {
		if _, err := database.Exec(
			`INSERT INTO devices (id, tenant_id, location_id) VALUES ('tab-1', 'ten-1', 'loc-1')`,
		); err != nil {
			t.Fatalf("insert into devices: %v", err)
		}

		var status string
		if err := database.QueryRow(`SELECT status FROM devices WHERE id = 'tab-1'`).Scan(&status); err != nil {
			t.Fatalf("select device: %v", err)
		}
		if status != "active" {
			t.Errorf("status = %q, want default active", status)
		}
	})
}

func TestResetDBAllowsReinitialization(t *testing.T) {
	ResetDB()
	t.Cleanup(ResetDB)

	first, err := InitDB(filepath.Join(t.TempDir(), "first.db"))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	if _, err := first.Exec(`INSERT INTO devices (id, tenant_id, location_id) VALUES ('tab-1', 'ten-1', 'loc-1')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ResetDB()

	second, err := InitDB(filepath.Join(t.TempDir(), "second.db"))
	if err != nil {
		t.Fatalf("InitDB after reset: %v", err)
	}

	var count int
	if err := second.QueryRow(`SELECT COUNT(*) FROM devices`).Scan(&count); err != nil {
		t.Fatalf("count devices: %v", err)
	}
	if count != 0 {
		t.Errorf("devices = %d, want a fresh database after reset", count)
	}
}
