package domain

import (
	"time"

	"github.com/google/uuid"
)

// AccessStatus is the outcome recorded on an access log row.
type AccessStatus string

const (
	AccessGranted AccessStatus = "success"
	AccessFailed  AccessStatus = "failed"
	AccessLocked  AccessStatus = "locked"
)

// AccessLog maps to the `access_logs` table. One row is written per terminal
// session outcome.
type AccessLog struct {
	ID              uuid.UUID    `json:"id"`
	KioskID         string       `json:"kiosk_id"`
	UserID          string       `json:"user_id"`
	CardUID         string       `json:"card_uid"`
	Status          AccessStatus `json:"status"`
	Method          string       `json:"method"`
	Distance        *float64     `json:"distance,omitempty"`
	CapturedPicture string       `json:"user_picture,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// DeviceLog maps to the `device_logs` table.
type DeviceLog struct {
	ID        uuid.UUID   `json:"id"`
	DeviceID  string      `json:"device_id"`
	UserID    string      `json:"user_id"`
	Action    string      `json:"action"`
	Outcome   DeviceState `json:"outcome"`
	CreatedAt time.Time   `json:"created_at"`
}

// KioskEvent is the payload published to the events exchange for every access
// decision and device activation.
type KioskEvent struct {
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	KioskID    string                 `json:"kiosk_id"`
	SessionID  string                 `json:"session_id,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	CardUID    string                 `json:"card_uid,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Distance   *float64               `json:"distance,omitempty"`
	Attempts   int                    `json:"attempts,omitempty"`
	Devices    map[string]DeviceState `json:"devices,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

const (
	EventAccessGranted   = "kiosk.access.granted"
	EventAccessFailed    = "kiosk.access.failed"
	EventAccessLocked    = "kiosk.access.locked"
	EventDeviceActivated = "kiosk.device.activated"
)
