/**
 * @description
 * This file defines the `Repository` interface, the contract for every record-store
 * operation the kiosk needs: user lookups and status patches, failed-attempt
 * counters, role/device relations and the access/device audit tables.
 *
 * The store offers no cross-call transactions. Callers that need two writes (for
 * example incrementing an attempt counter and then disabling the user) issue two
 * sequential calls and handle a partial failure themselves.
 */

package store

import (
	"context"
	"errors"

	"github.com/securegate/kiosk-service/internal/domain"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrDeviceNotFound = errors.New("device not found")
)

// Repository defines the set of methods for interacting with the record store.
type Repository interface {
	// User methods
	GetUserByCardID(ctx context.Context, cardID string) (*domain.User, error)
	GetUserByID(ctx context.Context, userID string) (*domain.User, error)
	UpdateUser(ctx context.Context, userID string, patch domain.UserPatch) error

	// Failed attempt counters
	GetAttempts(ctx context.Context, userID string) (int, error)
	UpsertAttempts(ctx context.Context, userID string, count int) error
	IncrementAttempts(ctx context.Context, userID string, max int) (int, error)
	DeleteAttempts(ctx context.Context, userID string) error
	ListOverLimitActiveUsers(ctx context.Context, max int) ([]string, error)

	// Devices and roles
	GetDevicesByUser(ctx context.Context, userID string) ([]domain.Device, error)
	AssignDeviceToRole(ctx context.Context, roleID, deviceID string) error
	GetDevicesForRole(ctx context.Context, roleID string) ([]domain.Device, error)

	// Audit logs
	CreateAccessLog(ctx context.Context, entry *domain.AccessLog) error
	CreateDeviceLog(ctx context.Context, entry *domain.DeviceLog) error
}
