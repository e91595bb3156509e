package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/securegate/kiosk-service/internal/domain"
	"github.com/securegate/kiosk-service/pkg/actuator"
	"golang.org/x/sync/errgroup"
)

// Actuator drives the door and the smart devices.
type Actuator interface {
	Door(ctx context.Context, action string) error
	TurnOn(ctx context.Context, deviceID string) error
	DeviceStatus(ctx context.Context, deviceID string) (*actuator.StatusResponse, error)
}

// DeviceLogWriter appends device command outcomes.
type DeviceLogWriter interface {
	CreateDeviceLog(ctx context.Context, entry *domain.DeviceLog) error
}

// DeviceActivationCoordinator fans out the door toggle and the device power-on
// commands as one batch. Each command is tried once; one failure never cancels
// or rolls back the others.
type DeviceActivationCoordinator struct {
	actuator Actuator
	logs     DeviceLogWriter
	logger   *slog.Logger
	now      func() time.Time
}

func NewDeviceActivationCoordinator(act Actuator, logs DeviceLogWriter, logger *slog.Logger) *DeviceActivationCoordinator {
	return &DeviceActivationCoordinator{
		actuator: act,
		logs:     logs,
		logger:   logger,
		now:      time.Now,
	}
}

func gatewayID(d domain.Device) string {
	if d.GatewayID != "" {
		return d.GatewayID
	}
	return d.ID
}

func uniqueDevices(devices []domain.Device) []domain.Device {
	seen := make(map[string]bool, len(devices))
	out := make([]domain.Device, 0, len(devices))
	for _, d := range devices {
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	return out
}

// Activate toggles the door and powers on devices concurrently. The report has
// exactly one entry per requested device. ErrPartialActivation is returned
// alongside the full report when any command failed.
func (c *DeviceActivationCoordinator) Activate(ctx context.Context, userID string, devices []domain.Device) (domain.ActivationReport, error) {
	devices = uniqueDevices(devices)
	report := domain.ActivationReport{
		Door:    domain.DeviceError,
		Devices: make(map[string]domain.DeviceState, len(devices)),
	}
	for _, d := range devices {
		report.Devices[d.ID] = domain.DeviceError
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		state := domain.DeviceOn
		if err := c.actuator.Door(gctx, actuator.DoorToggle); err != nil {
			c.logger.Warn("door toggle failed", "user_id", userID, "error", err)
			state = domain.DeviceError
		}
		mu.Lock()
		report.Door = state
		mu.Unlock()
		return nil
	})

	for _, d := range devices {
		d := d
		g.Go(func() error {
			state := domain.DeviceOn
			if err := c.actuator.TurnOn(gctx, gatewayID(d)); err != nil {
				c.logger.Warn("device power on failed", "device_id", d.ID, "user_id", userID, "error", err)
				state = domain.DeviceError
			}
			mu.Lock()
			report.Devices[d.ID] = state
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	report.CompletedAt = c.now().UTC()

	c.writeLogs(ctx, userID, report)

	if report.Failed() {
		return report, fmt.Errorf("%w: %s", ErrPartialActivation, describeFailures(report))
	}
	return report, nil
}

func (c *DeviceActivationCoordinator) writeLogs(ctx context.Context, userID string, report domain.ActivationReport) {
	if c.logs == nil {
		return
	}
	entries := []*domain.DeviceLog{{DeviceID: "door", UserID: userID, Action: actuator.DoorToggle, Outcome: report.Door}}
	for id, state := range report.Devices {
		entries = append(entries, &domain.DeviceLog{DeviceID: id, UserID: userID, Action: "turnon", Outcome: state})
	}
	for _, entry := range entries {
		if err := c.logs.CreateDeviceLog(ctx, entry); err != nil {
			c.logger.Warn("failed to write device log", "device_id", entry.DeviceID, "error", err)
		}
	}
}

func describeFailures(report domain.ActivationReport) string {
	var failed []string
	if report.Door == domain.DeviceError {
		failed = append(failed, "door")
	}
	for id, state := range report.Devices {
		if state == domain.DeviceError {
			failed = append(failed, id)
		}
	}
	sort.Strings(failed)
	return fmt.Sprintf("failed=%v", failed)
}

// QueryStatus reads the power state of each device concurrently. Errors degrade
// to ERROR for that device only.
func (c *DeviceActivationCoordinator) QueryStatus(ctx context.Context, devices []domain.Device) map[string]domain.DeviceState {
	devices = uniqueDevices(devices)
	out := make(map[string]domain.DeviceState, len(devices))
	var mu sync.Mutex
	var g errgroup.Group

	for _, d := range devices {
		d := d
		g.Go(func() error {
			state := domain.DeviceError
			status, err := c.actuator.DeviceStatus(ctx, gatewayID(d))
			if err != nil {
				c.logger.Debug("device status query failed", "device_id", d.ID, "error", err)
			} else {
				state = interpretStatus(status)
			}
			mu.Lock()
			out[d.ID] = state
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func interpretStatus(status *actuator.StatusResponse) domain.DeviceState {
	if status == nil {
		return domain.DeviceUnknown
	}
	if status.Power != nil {
		if *status.Power {
			return domain.DeviceOn
		}
		return domain.DeviceOff
	}
	if on, ok := status.DPS["1"].(bool); ok {
		if on {
			return domain.DeviceOn
		}
		return domain.DeviceOff
	}
	return domain.DeviceUnknown
}
