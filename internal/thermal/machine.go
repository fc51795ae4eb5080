// Package thermal drives the heater setpoint and indicator light through
// time-phased states and a rate-limited change gate.
package thermal

import (
	"context"
	"fmt"
	"math"
	"time"

	"casunet/internal/diag"
	"casunet/internal/model"
)

type State int

const (
	StateFixedTemp State = iota + 1
	StateNoHeat
	StateProportionalHeat
)

func (s State) String() string {
	switch s {
	case StateFixedTemp:
		return "fixed_temp"
	case StateNoHeat:
		return "no_heat"
	case StateProportionalHeat:
		return "heat_propto"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// setpointDeadband is how far the device setpoint may drift from the
// accepted one before it is commanded again.
const setpointDeadband = 0.05

// Actuator is the part of the device the machine drives.
type Actuator interface {
	Setpoint(ctx context.Context) (float64, bool, error)
	SetTemp(ctx context.Context, celsius float64) error
	Standby(ctx context.Context) error
	SetIndicator(ctx context.Context, rgb model.RGB) error
}

type Config struct {
	MinTemp    float64
	MaxTemp    float64
	EnableTemp bool
	// Tolerance is how close the measured temperature must be to the active
	// setpoint before a new one is accepted.
	Tolerance         float64
	MinUpdateInterval time.Duration
	// MaxStep caps the setpoint offset; zero disables the cap.
	MaxStep         float64
	NoHeatPeriod    time.Duration
	FixedHeatPeriod time.Duration
	FixedHeatTemp   float64
	// CalibIndicator is how long the startup indicator stays on.
	CalibIndicator time.Duration
}

func (c Config) Span() float64 {
	return c.MaxTemp - c.MinTemp
}

// StepReport summarises one Update for logging.
type StepReport struct {
	Elapsed      time.Duration
	State        State
	StateChanged bool
	Activation   float64
	Magnitude    float64
	Target       float64
	Accepted     bool
	Commanded    bool
	Setpoint     float64
}

type Machine struct {
	cfg Config
	act Actuator
	now func() time.Time
	log *diag.Logger

	start            time.Time
	state            State
	setpoint         float64
	previousSetpoint float64
	lastChange       time.Time
	active           bool
	everChanged      bool
	calibShown       bool
}

// NewMachine starts the phase clock at now(). A nil now uses time.Now.
func NewMachine(cfg Config, act Actuator, now func() time.Time, logger *diag.Logger) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{
		cfg:   cfg,
		act:   act,
		now:   now,
		log:   logger,
		start: now(),
	}
}

func (m *Machine) State() State { return m.state }
func (m *Machine) Setpoint() float64 { return m.setpoint }
func (m *Machine) PreviousSetpoint() float64 { return m.previousSetpoint }
func (m *Machine) LastChange() time.Time { return m.lastChange }
func (m *Machine) Active() bool { return m.active }
func (m *Machine) EverChanged() bool { return m.everChanged }
func (m *Machine) Elapsed() time.Duration { return m.now().Sub(m.start) }
func (m *Machine) Config() Config { return m.cfg }
func (m *Machine) StartupIndicatorShown() bool { return m.calibShown }

// ShowStartupIndicator lights the calibration colour until CalibIndicator
// has elapsed.
func (m *Machine) ShowStartupIndicator(ctx context.Context) error {
	if err := m.act.SetIndicator(ctx, model.IndicatorCalib); err != nil {
		return err
	}
	m.calibShown = true
	return nil
}

// CheckChangeOK decides whether newTarget may replace the active setpoint.
// A change needs the measured temperature to be within tolerance of the
// active setpoint (unless the heater is idle) and the minimum interval to
// have passed; the first change ever is always allowed. An accepted target
// becomes the active setpoint immediately.
func (m *Machine) CheckChangeOK(newTarget, measured float64) bool {
	now := m.now()
	ok := true
	if math.Abs(m.setpoint-measured) > m.cfg.Tolerance && m.active {
		ok = false
	}
	if now.Sub(m.lastChange) < m.cfg.MinUpdateInterval {
		ok = false
	}
	if !m.everChanged {
		ok = true
	}
	if ok {
		m.previousSetpoint = m.setpoint
		m.setpoint = newTarget
		m.lastChange = now
		m.everChanged = true
	}
	return ok
}

// Magnitude is the setpoint offset for an activation level.
func (m *Machine) Magnitude(activation float64) float64 {
	mag := m.cfg.Span() * activation
	if m.cfg.MaxStep > 0 && mag > m.cfg.MaxStep {
		mag = m.cfg.MaxStep
	}
	return mag
}

// Update selects the phase for the elapsed time and actuates it.
func (m *Machine) Update(ctx context.Context, activation, measured float64) (StepReport, error) {
	elapsed := m.Elapsed()
	report := StepReport{Elapsed: elapsed, Activation: activation}

	if m.calibShown && elapsed > m.cfg.CalibIndicator {
		if err := m.act.SetIndicator(ctx, model.IndicatorOff); err != nil {
			return report, err
		}
		m.calibShown = false
	}

	var next State
	switch {
	case elapsed < m.cfg.FixedHeatPeriod:
		next = StateFixedTemp
		if m.cfg.EnableTemp {
			commanded, err := m.assertFixed(ctx, m.cfg.FixedHeatTemp)
			if err != nil {
				return report, err
			}
			report.Commanded = commanded
		}
	case elapsed >= m.cfg.NoHeatPeriod:
		next = StateProportionalHeat
		if err := m.act.SetIndicator(ctx, model.RGB{R: activation}); err != nil {
			return report, err
		}
		report.Magnitude = m.Magnitude(activation)
		// Heat-only unit: the offset is never negative, so the target never
		// drops below the measured temperature.
		report.Target = measured + report.Magnitude
		report.Accepted = m.CheckChangeOK(report.Target, measured)
		if m.cfg.EnableTemp && report.Accepted {
			commanded, err := m.applySetpoint(ctx)
			if err != nil {
				return report, err
			}
			report.Commanded = commanded
		}
	default:
		next = StateNoHeat
		if err := m.act.SetIndicator(ctx, model.IndicatorNeutral); err != nil {
			return report, err
		}
	}

	report.StateChanged = next != m.state
	if report.StateChanged {
		m.log.Info("state %s -> %s after %s", m.state, next, elapsed.Truncate(time.Millisecond))
	}
	m.state = next
	report.State = next
	report.Setpoint = m.setpoint
	return report, nil
}

// assertFixed holds target, commanding the device only when it is off or set
// elsewhere.
func (m *Machine) assertFixed(ctx context.Context, target float64) (bool, error) {
	sp, on, err := m.act.Setpoint(ctx)
	if err != nil {
		return false, err
	}
	if on && sp == target {
		return false, nil
	}
	if err := m.act.SetTemp(ctx, target); err != nil {
		return false, err
	}
	m.log.Info("fixed temp %.2f -> %.2f", m.setpoint, target)
	m.previousSetpoint = m.setpoint
	m.setpoint = target
	m.active = true
	return true, nil
}

func (m *Machine) applySetpoint(ctx context.Context) (bool, error) {
	sp, on, err := m.act.Setpoint(ctx)
	if err != nil {
		return false, err
	}
	commanded := false
	if !on || math.Abs(sp-m.setpoint) > setpointDeadband {
		if err := m.act.SetTemp(ctx, m.setpoint); err != nil {
			return false, err
		}
		commanded = true
	}
	m.active = true
	if math.Abs(m.previousSetpoint-m.setpoint) > 0.95*m.cfg.Tolerance {
		m.log.Info("new setpoint %.2f (was %.2f)", m.setpoint, m.previousSetpoint)
	}
	return commanded, nil
}

// Park leaves the unit idle: neutral indicator and heater in standby.
func (m *Machine) Park(ctx context.Context) error {
	if err := m.act.SetIndicator(ctx, model.IndicatorNeutral); err != nil {
		return err
	}
	if err := m.act.Standby(ctx); err != nil {
		return err
	}
	m.active = false
	return nil
}
