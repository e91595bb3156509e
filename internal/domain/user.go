/**
 * @description
 * This file defines the people and hardware the kiosk works with. Users, roles and
 * devices are owned by the record store; the kiosk only reads them and patches a
 * user's status when an account is locked out or unlocked by an administrator.
 */

package domain

// UserStatus is the account state stored on the users table.
type UserStatus string

const (
	UserStatusActive   UserStatus = "Active"
	UserStatusInActive UserStatus = "InActive"
	UserStatusDisabled UserStatus = "Disabled"
)

// User maps to a row of the `users` table.
type User struct {
	ID        string     `json:"uid"`
	CardID    string     `json:"card_id"`
	PinSecret string     `json:"-"`
	Status    UserStatus `json:"status"`
	Picture   string     `json:"user_picture"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	RoleID    *string    `json:"role_id,omitempty"`
}

// IsDisabled reports whether the account was locked out.
func (u *User) IsDisabled() bool {
	return u != nil && u.Status == UserStatusDisabled
}

// UserPatch carries the user fields the kiosk is allowed to change.
type UserPatch struct {
	Status *UserStatus
}

// StatusPatch is a convenience constructor for a status-only patch.
func StatusPatch(status UserStatus) UserPatch {
	return UserPatch{Status: &status}
}

// DeviceState is the observed or commanded state of a device.
type DeviceState string

const (
	DeviceOn      DeviceState = "ON"
	DeviceOff     DeviceState = "OFF"
	DeviceUnknown DeviceState = "Unknown"
	DeviceError   DeviceState = "ERROR"
)

// Device maps to a row of the `devices` table. GatewayID is the identifier the
// actuation gateway (tinytuya) knows the device by.
type Device struct {
	ID        string `json:"device_id"`
	Name      string `json:"device_name"`
	GatewayID string `json:"gateway_id"`
}
