// Package repository provides SQLite-backed data access for devices,
// signature sessions, and the append-only audit log.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/signature-relay/backend/internal/model"
)

// DeviceRepository is the device directory: deviceId to tenant, location,
// and active state. The authenticator consults it on every tablet handshake.
type DeviceRepository struct {
	db *sql.DB
}

// NewDeviceRepository creates a new DeviceRepository.
func NewDeviceRepository(db *sql.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Create inserts a new device record.
func (r *DeviceRepository) Create(ctx context.Context, device *model.Device) error {
	query := `
		INSERT INTO devices (id, tenant_id, location_id, name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		device.ID,
		device.TenantID,
		device.LocationID,
		device.Name,
		device.Status,
		device.CreatedAt,
		device.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}

	return nil
}

// GetByID retrieves a device by its ID.
func (r *DeviceRepository) GetByID(ctx context.Context, id string) (*model.Device, error) {
	query := `
		SELECT id, tenant_id, location_id, name, status, created_at, updated_at
		FROM devices
		WHERE id = ?
	`

	device := &model.Device{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&device.ID,
		&device.TenantID,
		&device.LocationID,
		&device.Name,
		&device.Status,
		&device.CreatedAt,
		&device.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, model.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	return device, nil
}

// ListByTenant retrieves all devices registered to a tenant.
func (r *DeviceRepository) ListByTenant(ctx context.Context, tenantID string) ([]*model.Device, error) {
	query := `
		SELECT id, tenant_id, location_id, name, status, created_at, updated_at
		FROM devices
		WHERE tenant_id = ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*model.Device
	for rows.Next() {
		device := &model.Device{}
		err := rows.Scan(
			&device.ID,
			&device.TenantID,
			&device.LocationID,
			&device.Name,
			&device.Status,
			&device.CreatedAt,
			&device.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}

// UpdateStatus changes a device's lifecycle status.
func (r *DeviceRepository) UpdateStatus(ctx context.Context, id string, status model.DeviceStatus) error {
	query := `
		UPDATE devices
		SET status = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrDeviceNotFound
	}

	return nil
}
