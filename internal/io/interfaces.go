package io

import (
	"context"

	"casunet/internal/model"
	"casunet/internal/wire"
)

// IRChannels is the width of the proximity array.
const IRChannels = 7

// Probe names a temperature sensor on the unit.
type Probe string

const (
	ProbeLeft  Probe = "left"
	ProbeRight Probe = "right"
	ProbeBack  Probe = "back"
	ProbeFront Probe = "front"
	ProbeWax   Probe = "wax"
)

// RingProbes are the probes around the unit's rim.
var RingProbes = []Probe{ProbeLeft, ProbeRight, ProbeBack, ProbeFront}

type Sensors interface {
	ReadIRArray(ctx context.Context) ([IRChannels]float64, error)
	ReadTemp(ctx context.Context, probe Probe) (float64, error)
}

type Actuators interface {
	Setpoint(ctx context.Context) (float64, bool, error)
	SetTemp(ctx context.Context, celsius float64) error
	Standby(ctx context.Context) error
	SetIndicator(ctx context.Context, rgb model.RGB) error
}

// Device is one CASU: its sensors and actuators.
type Device interface {
	Name() string
	Sensors
	Actuators
}

// IndicatorReader is an optional device capability used to restore the
// indicator after a sync flash.
type IndicatorReader interface {
	Indicator(ctx context.Context) (model.RGB, error)
}

// Closer is an optional device capability released when a run ends.
type Closer interface {
	Close() error
}

// Messenger is the unit's message channel. TryReceive never blocks; ok is
// false when nothing is queued.
type Messenger interface {
	Send(ctx context.Context, to model.NodeID, payload string) error
	TryReceive(ctx context.Context) (msg wire.Message, ok bool, err error)
}
