package io

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"casunet/internal/model"
)

const SimBackendName = "sim"

const (
	defaultSimAmbient  = 27.0
	defaultSimHeatRate = 0.02
)

var ErrDeviceClosed = errors.New("device closed")

type SimOptions struct {
	// Ambient is the temperature probes relax to while the heater is idle.
	Ambient float64
	// HeatRate is the fraction of the gap to the target closed per second.
	HeatRate float64
}

// SimDevice is an in-process CASU. IR readings are set by the caller and the
// probes follow a first-order response to the heater when Step is called.
type SimDevice struct {
	mu        sync.Mutex
	name      string
	ir        [IRChannels]float64
	temps     map[Probe]float64
	setpoint  float64
	on        bool
	indicator model.RGB
	ambient   float64
	rate      float64
	commands  int
	closed    bool
}

func NewSimDevice(name string, opts SimOptions) *SimDevice {
	if opts.Ambient == 0 {
		opts.Ambient = defaultSimAmbient
	}
	if opts.HeatRate <= 0 {
		opts.HeatRate = defaultSimHeatRate
	}
	temps := make(map[Probe]float64, len(RingProbes)+1)
	for _, p := range append(append([]Probe(nil), RingProbes...), ProbeWax) {
		temps[p] = opts.Ambient
	}
	return &SimDevice{
		name:    name,
		temps:   temps,
		ambient: opts.Ambient,
		rate:    opts.HeatRate,
	}
}

func (d *SimDevice) Name() string {
	return d.name
}

func (d *SimDevice) ReadIRArray(_ context.Context) ([IRChannels]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return [IRChannels]float64{}, ErrDeviceClosed
	}
	return d.ir, nil
}

func (d *SimDevice) ReadTemp(_ context.Context, probe Probe) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrDeviceClosed
	}
	t, ok := d.temps[probe]
	if !ok {
		return 0, fmt.Errorf("unknown probe: %s", probe)
	}
	return t, nil
}

func (d *SimDevice) Setpoint(_ context.Context) (float64, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, false, ErrDeviceClosed
	}
	return d.setpoint, d.on, nil
}

func (d *SimDevice) SetTemp(_ context.Context, celsius float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	d.setpoint = celsius
	d.on = true
	d.commands++
	return nil
}

func (d *SimDevice) Standby(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	d.on = false
	return nil
}

func (d *SimDevice) SetIndicator(_ context.Context, rgb model.RGB) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	d.indicator = rgb
	return nil
}

func (d *SimDevice) Indicator(_ context.Context) (model.RGB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.indicator, nil
}

func (d *SimDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// SetIR replaces the proximity readings.
func (d *SimDevice) SetIR(values [IRChannels]float64) {
	d.mu.Lock()
	d.ir = values
	d.mu.Unlock()
}

func (d *SimDevice) SetTemperature(probe Probe, celsius float64) {
	d.mu.Lock()
	d.temps[probe] = celsius
	d.mu.Unlock()
}

// Commands is the number of SetTemp calls accepted so far.
func (d *SimDevice) Commands() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commands
}

// Step advances the thermal model by dt.
func (d *SimDevice) Step(dt time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	target := d.ambient
	if d.on {
		target = d.setpoint
	}
	k := d.rate * dt.Seconds()
	if k > 1 {
		k = 1
	}
	for p, t := range d.temps {
		d.temps[p] = t + (target-t)*k
	}
}

func init() {
	initializeDefaultDevices()
}

func initializeDefaultDevices() {
	err := RegisterDeviceWithSpec(DeviceSpec{
		Name: SimBackendName,
		Factory: func(unit string) (Device, error) {
			return NewSimDevice(unit, SimOptions{}), nil
		},
		SchemaVersion: SupportedSchemaVersion,
		CodecVersion:  SupportedCodecVersion,
	})
	if err != nil {
		panic(err)
	}
}
