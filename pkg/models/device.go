package models

import (
	"time"

	"github.com/google/uuid"
)

// DeviceStatus represents the current state of a managed device.
type DeviceStatus string

const (
	DeviceStatusActive  DeviceStatus = "active"
	DeviceStatusRetired DeviceStatus = "retired"
	DeviceStatusRepair  DeviceStatus = "repair"
	DeviceStatusUnknown DeviceStatus = "unknown"
)

// Device is a managed asset snapshot. Device data is restricted: plugins
// below verified trust never receive device events.
type Device struct {
	ID         int64        `json:"id"`
	UUID       uuid.UUID    `json:"uuid"`
	Name       string       `json:"name"`
	Kind       string       `json:"kind,omitempty"` // laptop, printer, server, ...
	Status     DeviceStatus `json:"status"`
	Serial     string       `json:"serial,omitempty"`
	AssignedTo string       `json:"assigned_to,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}
