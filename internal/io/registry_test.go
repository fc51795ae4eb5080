package io

import (
	"context"
	"errors"
	"testing"
	"time"

	"casunet/internal/model"
)

type testDevice struct {
	*SimDevice
}

func TestRegisterAndResolveDevice(t *testing.T) {
	resetRegistryForTests()
	t.Cleanup(resetRegistryForTests)

	if err := RegisterDevice("bench", func(unit string) (Device, error) {
		return testDevice{NewSimDevice("bench-"+unit, SimOptions{})}, nil
	}); err != nil {
		t.Fatalf("register device: %v", err)
	}
	d, err := ResolveDevice("bench", "casu-001", "peer")
	if err != nil {
		t.Fatalf("resolve device: %v", err)
	}
	if d.Name() != "bench-casu-001" {
		t.Fatalf("unexpected device: %s", d.Name())
	}
}

func TestRegistryValidationAndDuplicates(t *testing.T) {
	resetRegistryForTests()
	t.Cleanup(resetRegistryForTests)

	factory := func(unit string) (Device, error) { return NewSimDevice(unit, SimOptions{}), nil }
	if err := RegisterDevice("", factory); err == nil {
		t.Fatal("expected name validation")
	}
	if err := RegisterDevice("nofactory", nil); err == nil {
		t.Fatal("expected factory validation")
	}
	if err := RegisterDevice(SimBackendName, factory); !errors.Is(err, ErrDeviceExists) {
		t.Fatalf("expected ErrDeviceExists, got: %v", err)
	}
	if _, err := ResolveDevice("missing", "casu-001", "peer"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got: %v", err)
	}
	err := RegisterDeviceWithSpec(DeviceSpec{Name: "v2", Factory: factory, SchemaVersion: 2, CodecVersion: 1})
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got: %v", err)
	}
}

func TestRegistryCompatibilityChecks(t *testing.T) {
	resetRegistryForTests()
	t.Cleanup(resetRegistryForTests)

	err := RegisterDeviceWithSpec(DeviceSpec{
		Name:          "peer-only",
		Factory:       func(unit string) (Device, error) { return NewSimDevice(unit, SimOptions{}), nil },
		SchemaVersion: SupportedSchemaVersion,
		CodecVersion:  SupportedCodecVersion,
		Compatible: func(mode string) error {
			if mode != "peer" {
				return errors.New("no external network")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("register device: %v", err)
	}
	if !DeviceCompatibleWithMode("peer-only", "peer") {
		t.Fatal("expected peer mode compatible")
	}
	if _, err := ResolveDevice("peer-only", "casu-001", "dual"); !errors.Is(err, ErrIncompatible) {
		t.Fatalf("expected ErrIncompatible, got: %v", err)
	}
}

func TestBackendAliases(t *testing.T) {
	resetRegistryForTests()
	t.Cleanup(resetRegistryForTests)

	for _, alias := range []string{"simulated", " Fake ", SimBackendName} {
		d, err := ResolveDevice(alias, "casu-002", "dual")
		if err != nil {
			t.Fatalf("resolve %q: %v", alias, err)
		}
		if _, ok := d.(*SimDevice); !ok {
			t.Fatalf("expected sim device for %q, got %T", alias, d)
		}
	}
	if got := ListDevices(); len(got) != 1 || got[0] != SimBackendName {
		t.Fatalf("unexpected default devices: %v", got)
	}
}

func TestSimDeviceThermalResponse(t *testing.T) {
	ctx := context.Background()
	d := NewSimDevice("casu-001", SimOptions{Ambient: 26, HeatRate: 0.5})
	if err := d.SetTemp(ctx, 36); err != nil {
		t.Fatalf("set temp: %v", err)
	}
	d.Step(time.Second)
	got, err := d.ReadTemp(ctx, ProbeLeft)
	if err != nil {
		t.Fatalf("read temp: %v", err)
	}
	if got != 31 {
		t.Fatalf("expected half-way response, got %v", got)
	}
	if err := d.Standby(ctx); err != nil {
		t.Fatalf("standby: %v", err)
	}
	d.Step(10 * time.Second)
	if got, _ := d.ReadTemp(ctx, ProbeFront); got != 26 {
		t.Fatalf("expected relaxation to ambient, got %v", got)
	}
	if _, err := d.ReadTemp(ctx, Probe("top")); err == nil {
		t.Fatal("expected unknown probe error")
	}

	rgb := model.RGB{R: 0.3}
	_ = d.SetIndicator(ctx, rgb)
	if got, _ := d.Indicator(ctx); got != rgb {
		t.Fatalf("unexpected indicator: %+v", got)
	}
	_ = d.Close()
	if _, err := d.ReadIRArray(ctx); !errors.Is(err, ErrDeviceClosed) {
		t.Fatalf("expected closed device error, got %v", err)
	}
}
