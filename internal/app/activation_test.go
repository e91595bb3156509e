package app

import (
	"context"
	"errors"
	"testing"

	"github.com/securegate/kiosk-service/internal/domain"
	"github.com/securegate/kiosk-service/pkg/actuator"
)

func threeDevices() []domain.Device {
	return []domain.Device{
		{ID: "d1", Name: "Lights", GatewayID: "gw-d1"},
		{ID: "d2", Name: "Fan", GatewayID: "gw-d2"},
		{ID: "d3", Name: "Printer", GatewayID: "gw-d3"},
	}
}

func TestActivatePartialFailure(t *testing.T) {
	act := &stubActuator{failing: map[string]bool{"gw-d2": true}}
	logs := &memLogs{}
	coordinator := NewDeviceActivationCoordinator(act, logs, discardLogger())

	report, err := coordinator.Activate(context.Background(), "u-1", threeDevices())
	if !errors.Is(err, ErrPartialActivation) {
		t.Fatalf("expected ErrPartialActivation, got %v", err)
	}
	want := map[string]domain.DeviceState{"d1": domain.DeviceOn, "d2": domain.DeviceError, "d3": domain.DeviceOn}
	if len(report.Devices) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), report.Devices)
	}
	for id, state := range want {
		if report.Devices[id] != state {
			t.Fatalf("device %s: expected %s, got %s", id, state, report.Devices[id])
		}
	}
	if report.Door != domain.DeviceOn {
		t.Fatalf("door must not depend on device outcomes, got %s", report.Door)
	}
	if act.doors != 1 {
		t.Fatalf("expected a single door command, got %d", act.doors)
	}
	if len(logs.devices) != 4 {
		t.Fatalf("expected one device log per command, got %d", len(logs.devices))
	}
}

func TestActivateAllFailStillReportsEveryDevice(t *testing.T) {
	act := &stubActuator{
		doorErr: errStubDown,
		failing: map[string]bool{"gw-d1": true, "gw-d2": true, "gw-d3": true},
	}
	coordinator := NewDeviceActivationCoordinator(act, nil, discardLogger())

	devices := append(threeDevices(), threeDevices()[0])
	report, err := coordinator.Activate(context.Background(), "u-1", devices)
	if !errors.Is(err, ErrPartialActivation) {
		t.Fatalf("expected ErrPartialActivation, got %v", err)
	}
	if len(report.Devices) != 3 {
		t.Fatalf("expected exactly one entry per requested device, got %v", report.Devices)
	}
	for id, state := range report.Devices {
		if state != domain.DeviceError {
			t.Fatalf("device %s: expected ERROR, got %s", id, state)
		}
	}
	if report.Door != domain.DeviceError {
		t.Fatalf("expected door ERROR, got %s", report.Door)
	}
}

func TestActivateWithNoDevicesTogglesDoor(t *testing.T) {
	act := &stubActuator{}
	coordinator := NewDeviceActivationCoordinator(act, nil, discardLogger())

	report, err := coordinator.Activate(context.Background(), "u-1", nil)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if report.Door != domain.DeviceOn || len(report.Devices) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestQueryStatusInterpretsGatewayAnswers(t *testing.T) {
	on, off := true, false
	act := &stubActuator{
		failing: map[string]bool{"gw-d4": true},
		status: map[string]*actuator.StatusResponse{
			"gw-d1": {DPS: map[string]interface{}{"1": true}},
			"gw-d2": {Power: &off},
			"gw-d3": {DPS: map[string]interface{}{"20": 300}},
			"gw-d5": {Power: &on, DPS: map[string]interface{}{"1": false}},
		},
	}
	coordinator := NewDeviceActivationCoordinator(act, nil, discardLogger())

	devices := append(threeDevices(),
		domain.Device{ID: "d4", GatewayID: "gw-d4"},
		domain.Device{ID: "d5", GatewayID: "gw-d5"},
	)
	got := coordinator.QueryStatus(context.Background(), devices)

	want := map[string]domain.DeviceState{
		"d1": domain.DeviceOn,
		"d2": domain.DeviceOff,
		"d3": domain.DeviceUnknown,
		"d4": domain.DeviceError,
		"d5": domain.DeviceOn,
	}
	for id, state := range want {
		if got[id] != state {
			t.Fatalf("device %s: expected %s, got %s", id, state, got[id])
		}
	}
}
