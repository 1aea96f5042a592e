package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signature-relay/backend/internal/model"
)

// AuditRepository is the append-only audit sink. Writes are best-effort at
// the call sites: a failed audit insert is logged there and never fails the
// operation being audited.
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record appends an audit entry. ID and CreatedAt are filled in when empty.
func (r *AuditRepository) Record(ctx context.Context, entry *model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_log (id, action, device_id, workstation_id, tenant_id, session_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.Action,
		nullableString(entry.DeviceID),
		nullableString(entry.WorkstationID),
		nullableString(entry.TenantID),
		nullableString(entry.SessionID),
		nullableString(entry.Detail),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}

	return nil
}

// ListBySession retrieves the audit trail for a session, oldest first.
func (r *AuditRepository) ListBySession(ctx context.Context, sessionID string) ([]*model.AuditEntry, error) {
	query := `
		SELECT id, action, device_id, workstation_id, tenant_id, session_id, detail, created_at
		FROM audit_log
		WHERE session_id = ?
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		entry := &model.AuditEntry{}
		var deviceID, workstationID, tenantID, sessID, detail sql.NullString
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&deviceID,
			&workstationID,
			&tenantID,
			&sessID,
			&detail,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.DeviceID = deviceID.String
		entry.WorkstationID = workstationID.String
		entry.TenantID = tenantID.String
		entry.SessionID = sessID.String
		entry.Detail = detail.String
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}
