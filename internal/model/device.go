package model

import "time"

// DeviceStatus represents the lifecycle state of a registered tablet.
type DeviceStatus string

const (
	DeviceStatusActive   DeviceStatus = "active"
	DeviceStatusInactive DeviceStatus = "inactive"
	DeviceStatusRetired  DeviceStatus = "retired"
)

// Device is a signature tablet registered in the device directory.
// The directory is the source of truth for tenant and location pairing;
// connection-time authentication checks token claims against it.
type Device struct {
	ID         string       `json:"id"`
	TenantID   string       `json:"tenantId"`
	LocationID string       `json:"locationId"`
	Name       string       `json:"name"`
	Status     DeviceStatus `json:"status"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// IsActive reports whether the device may open connections.
func (d *Device) IsActive() bool {
	return d.Status == DeviceStatusActive
}
