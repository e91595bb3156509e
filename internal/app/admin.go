package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/securegate/kiosk-service/internal/domain"
	"github.com/securegate/kiosk-service/internal/store"
)

// AdminStore is the record store surface used by administrative actions.
type AdminStore interface {
	GetUserByID(ctx context.Context, userID string) (*domain.User, error)
	AssignDeviceToRole(ctx context.Context, roleID, deviceID string) error
	GetDevicesForRole(ctx context.Context, roleID string) ([]domain.Device, error)
}

// lockoutWindows is implemented by the session machine.
type lockoutWindows interface {
	ForgetLockoutWindow(userID string)
}

// AdminService backs the administrator endpoints.
type AdminService struct {
	store   AdminStore
	ledger  *AttemptLedger
	windows lockoutWindows
	logger  *slog.Logger
}

func NewAdminService(s AdminStore, ledger *AttemptLedger, windows lockoutWindows, logger *slog.Logger) *AdminService {
	return &AdminService{store: s, ledger: ledger, windows: windows, logger: logger}
}

// AttemptSummary is the administrator's view of a user's failed attempts.
type AttemptSummary struct {
	UserID    string            `json:"user_id"`
	Failed    int               `json:"failed"`
	Max       int               `json:"max"`
	Status    domain.UserStatus `json:"status"`
	Pending   bool              `json:"pending_lockout"`
	Remaining int               `json:"remaining"`
}

func (s *AdminService) lookupUser(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return user, nil
}

// UnlockUser is the administrative reset of a locked out account.
func (s *AdminService) UnlockUser(ctx context.Context, userID string) error {
	if _, err := s.lookupUser(ctx, userID); err != nil {
		return err
	}
	if err := s.ledger.Unlock(ctx, userID); err != nil {
		return err
	}
	if s.windows != nil {
		s.windows.ForgetLockoutWindow(userID)
	}
	s.logger.Info("user unlocked", "user_id", userID)
	return nil
}

// Attempts returns the failed attempt summary of a user.
func (s *AdminService) Attempts(ctx context.Context, userID string) (*AttemptSummary, error) {
	user, err := s.lookupUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	failed, err := s.ledger.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	pending := false
	for _, id := range s.ledger.PendingLockouts() {
		if id == userID {
			pending = true
			break
		}
	}
	return &AttemptSummary{
		UserID:    userID,
		Failed:    failed,
		Max:       s.ledger.Max(),
		Status:    user.Status,
		Pending:   pending,
		Remaining: s.ledger.Remaining(failed),
	}, nil
}

// AssignDeviceToRole grants a role access to a device.
func (s *AdminService) AssignDeviceToRole(ctx context.Context, roleID, deviceID string) error {
	if err := s.store.AssignDeviceToRole(ctx, roleID, deviceID); err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			return ErrUnknownDevice
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// DevicesForRole lists the devices a role may activate.
func (s *AdminService) DevicesForRole(ctx context.Context, roleID string) ([]domain.Device, error) {
	devices, err := s.store.GetDevicesForRole(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if devices == nil {
		devices = []domain.Device{}
	}
	return devices, nil
}
