package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionState enumerates the kiosk screens the session machine moves through.
type SessionState string

const (
	StateScanCard         SessionState = "ScanCard"
	StateEnterPin         SessionState = "EnterPin"
	StateFaceVerification SessionState = "FaceVerification"
	StateDeviceSelection  SessionState = "DeviceSelection"
	StateSuccess          SessionState = "Success"
	StateFailed           SessionState = "Failed"
	StateLocked           SessionState = "Locked"
)

// NoCardUID is shown while no card has been read in the current session.
const NoCardUID = "none"

// VerificationResult is the interpreted answer of the face verification service.
type VerificationResult struct {
	Matched   bool            `json:"matched"`
	Distance  float64         `json:"distance"`
	Threshold float64         `json:"threshold,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ActivationReport aggregates the outcome of one door + devices batch.
type ActivationReport struct {
	Door        DeviceState            `json:"door"`
	Devices     map[string]DeviceState `json:"devices"`
	CompletedAt time.Time              `json:"completed_at"`
}

// Failed reports whether any command in the batch failed.
func (r ActivationReport) Failed() bool {
	if r.Door == DeviceError {
		return true
	}
	for _, state := range r.Devices {
		if state == DeviceError {
			return true
		}
	}
	return false
}

// Session is one end-to-end kiosk interaction. It is owned by the session machine
// and handed out to the UI as a snapshot; it is never persisted.
type Session struct {
	ID                uuid.UUID              `json:"id"`
	State             SessionState           `json:"state"`
	CardUID           string                 `json:"card_uid"`
	User              *User                  `json:"user,omitempty"`
	SelectedDeviceIDs []string               `json:"selected_device_ids"`
	Verification      *VerificationResult    `json:"verification,omitempty"`
	Notice            string                 `json:"notice,omitempty"`
	AttemptsUsed      int                    `json:"attempts_used"`
	AttemptsRemaining int                    `json:"attempts_remaining"`
	PinRejections     int                    `json:"pin_rejections"`
	AvailableDevices  []Device               `json:"available_devices,omitempty"`
	DeviceStatus      map[string]DeviceState `json:"device_status,omitempty"`
	Activation        *ActivationReport      `json:"activation,omitempty"`
	CountdownEndsAt   *time.Time             `json:"countdown_ends_at,omitempty"`
	StartedAt         time.Time              `json:"started_at"`
}

// Clone returns a deep copy so callers can read it without holding the machine lock.
func (s Session) Clone() Session {
	out := s
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	out.SelectedDeviceIDs = append(make([]string, 0, len(s.SelectedDeviceIDs)), s.SelectedDeviceIDs...)
	if s.Verification != nil {
		v := *s.Verification
		v.Raw = append(json.RawMessage(nil), s.Verification.Raw...)
		out.Verification = &v
	}
	out.AvailableDevices = append([]Device(nil), s.AvailableDevices...)
	if s.DeviceStatus != nil {
		out.DeviceStatus = make(map[string]DeviceState, len(s.DeviceStatus))
		for k, v := range s.DeviceStatus {
			out.DeviceStatus[k] = v
		}
	}
	if s.Activation != nil {
		a := *s.Activation
		a.Devices = make(map[string]DeviceState, len(s.Activation.Devices))
		for k, v := range s.Activation.Devices {
			a.Devices[k] = v
		}
		out.Activation = &a
	}
	if s.CountdownEndsAt != nil {
		t := *s.CountdownEndsAt
		out.CountdownEndsAt = &t
	}
	return out
}
