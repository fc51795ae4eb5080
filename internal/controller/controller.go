// Package controller drives one CASU: every cycle it senses, fuses the
// neighbourhood signal, actuates the heater and indicator, and emits its own
// value to its neighbours.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"casunet/internal/activation"
	"casunet/internal/config"
	"casunet/internal/diag"
	"casunet/internal/io"
	"casunet/internal/model"
	"casunet/internal/storage"
	"casunet/internal/thermal"
	"casunet/internal/topology"
	"casunet/internal/wire"
)

var (
	ErrNotStarted = errors.New("controller not started")
	ErrStopped    = errors.New("controller stopped")
)

// Deps are the collaborators of a controller. Store, Logger, Now and Sleep
// are optional.
type Deps struct {
	Device    io.Device
	Messenger io.Messenger
	Store     storage.Store
	Logger    *diag.Logger
	Now       func() time.Time
	Sleep     func(ctx context.Context, d time.Duration) error
}

// CycleReport is what one cycle sensed, decided and sent.
type CycleReport struct {
	Cycle      uint64
	Local      float64
	RingTemp   float64
	Receive    activation.ReceiveStats
	Activation float64
	Unclipped  float64
	Suppressed bool
	Thermal    thermal.StepReport
	Sent       int
	Synced     bool
}

type Controller struct {
	cfg        config.Config
	unit       model.NodeID
	thresholds [io.IRChannels]float64

	nm      topology.NeighbourMap
	engine  *activation.Engine
	machine *thermal.Machine
	dev     io.Device
	msgr    io.Messenger
	store   storage.Store
	log     *diag.Logger
	tracer  trace.Tracer
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	runID     string
	started   bool
	stopped   bool
	lastState thermal.State
	lastSync  time.Time
	syncCount int
	last      CycleReport
}

// New builds a controller for unit. cfg is validated here; the thermal phase
// clock starts when New returns.
func New(cfg config.Config, unit model.NodeID, nm topology.NeighbourMap, deps Deps) (*Controller, error) {
	if deps.Device == nil {
		return nil, errors.New("controller needs a device")
	}
	if deps.Messenger == nil {
		return nil, errors.New("controller needs a messenger")
	}
	for _, note := range cfg.Normalize() {
		deps.Logger.Warning("%s", note)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	logger := deps.Logger.With(string(unit))

	engine, err := activation.NewEngine(cfg.Activation(), nm, logger)
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:        cfg,
		unit:       unit,
		thresholds: cfg.Thresholds(),
		nm:         nm,
		engine:     engine,
		machine:    thermal.NewMachine(cfg.Thermal(), deps.Device, deps.Now, logger),
		dev:        deps.Device,
		msgr:       deps.Messenger,
		store:      deps.Store,
		log:        logger,
		tracer:     otel.Tracer("casunet/controller"),
		now:        deps.Now,
		sleep:      deps.Sleep,
		runID:      uuid.NewString(),
		lastSync:   deps.Now(),
	}, nil
}

func (c *Controller) RunID() string { return c.runID }
func (c *Controller) Unit() model.NodeID { return c.unit }
func (c *Controller) Engine() *activation.Engine { return c.engine }
func (c *Controller) Machine() *thermal.Machine { return c.machine }
func (c *Controller) LastReport() CycleReport { return c.last }
func (c *Controller) Config() config.Config { return c.cfg }
func (c *Controller) Messenger() io.Messenger { return c.msgr }

// Start records the run and lights the startup indicator.
func (c *Controller) Start(ctx context.Context) error {
	if c.started {
		return nil
	}
	if c.store != nil {
		if err := c.store.SaveRun(ctx, model.RunInfo{
			VersionedRecord: storage.CurrentVersion(),
			ID:              c.runID,
			Unit:            string(c.unit),
			Mode:            c.cfg.Mode,
			StartedAt:       c.now().UTC(),
		}); err != nil {
			return fmt.Errorf("save run: %w", err)
		}
	}
	if c.cfg.ShowCalibLED > 0 {
		if err := c.machine.ShowStartupIndicator(ctx); err != nil {
			return err
		}
	}
	c.started = true
	c.log.Info("run %s started in %s mode, %d inbound / %d outbound neighbours",
		c.runID, c.cfg.Mode, len(c.nm.Inbound), len(c.nm.Outbound))
	return nil
}

// Cycle runs one full control step. A device or transport error ends the
// cycle and is returned; the core never retries device calls.
func (c *Controller) Cycle(ctx context.Context) (report CycleReport, err error) {
	if !c.started {
		return CycleReport{}, ErrNotStarted
	}
	if c.stopped {
		return CycleReport{}, ErrStopped
	}
	cycle := c.engine.Advance()
	ctx, span := c.tracer.Start(ctx, "controller.cycle", trace.WithAttributes(
		attribute.String("casu.unit", string(c.unit)),
		attribute.Int64("casu.cycle", int64(cycle)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cycle failed")
		}
		span.End()
	}()
	report.Cycle = cycle

	ir, err := c.dev.ReadIRArray(ctx)
	if err != nil {
		return report, fmt.Errorf("read ir: %w", err)
	}
	ring, err := readRing(ctx, c.dev)
	if err != nil {
		return report, err
	}
	report.Local = IRCount(ir, c.thresholds, c.cfg.MaxSensors)
	report.RingTemp = ring.Estimate()

	msgs, err := c.drain(ctx)
	if err != nil {
		return report, fmt.Errorf("receive: %w", err)
	}
	report.Receive = c.engine.UpdateInteractions(msgs)
	c.engine.UpdateAverages(report.Local)
	c.engine.ComputeContributions()
	report.Activation = c.engine.ComputeActivationLevel()
	report.Unclipped = c.engine.Unclipped()
	report.Suppressed = c.engine.Suppressed()

	report.Thermal, err = c.machine.Update(ctx, report.Activation, report.RingTemp)
	if err != nil {
		return report, fmt.Errorf("update outputs: %w", err)
	}

	for _, tx := range c.engine.Outbox() {
		if err := c.msgr.Send(ctx, tx.To, tx.Payload); err != nil {
			return report, fmt.Errorf("send to %s: %w", tx.To, err)
		}
		report.Sent++
	}
	span.SetAttributes(
		attribute.Float64("casu.activation", report.Activation),
		attribute.String("casu.state", report.Thermal.State.String()),
		attribute.Int("casu.received", report.Receive.Messages),
		attribute.Int("casu.sent", report.Sent),
	)

	events, err := c.cycleEvents(ctx, ir, ring, report)
	if err != nil {
		return report, err
	}
	if c.syncDue(c.now()) {
		syncEvents, err := c.flash(ctx)
		events = append(events, syncEvents...)
		if err != nil {
			c.appendEvents(ctx, events)
			return report, fmt.Errorf("sync flash: %w", err)
		}
		report.Synced = true
	}
	c.appendEvents(ctx, events)

	if cycle%c.cfg.ReportEvery == 0 {
		c.log.Debug(diag.DebugCycle, "==== %4d ==== %.1f%% (%.1fC) tref %.1f (%s) ==> ring %.1fC [%s] rx=%d tx=%d",
			cycle, report.Activation*100, report.Thermal.Magnitude, c.machine.Setpoint(),
			c.now().Sub(c.machine.LastChange()).Truncate(time.Second), report.RingTemp,
			report.Thermal.State, report.Receive.Messages, report.Sent)
	}
	c.last = report
	return report, nil
}

// drain polls the messenger until more than RecvRetry polls came back empty
// or RecvMaxBatch messages were taken.
func (c *Controller) drain(ctx context.Context) ([]wire.Message, error) {
	var msgs []wire.Message
	misses := 0
	for len(msgs) < c.cfg.RecvMaxBatch {
		msg, ok, err := c.msgr.TryReceive(ctx)
		if err != nil {
			return msgs, err
		}
		if !ok {
			misses++
			if misses > c.cfg.RecvRetry {
				break
			}
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == c.cfg.RecvMaxBatch {
		c.log.Warning("receive batch limit %d reached, remaining messages wait a cycle", c.cfg.RecvMaxBatch)
	}
	return msgs, nil
}

// Run starts the controller and cycles every MainLoopInterval until ctx ends
// or a cycle fails. The unit is parked on the way out.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	var runErr error
	for {
		if _, err := c.Cycle(ctx); err != nil {
			if ctx.Err() == nil {
				runErr = err
				c.log.Error("cycle %d failed: %v", c.engine.Cycle(), err)
			}
			break
		}
		if err := c.sleep(ctx, c.cfg.MainLoopInterval); err != nil {
			break
		}
	}
	stopErr := c.Stop(context.WithoutCancel(ctx))
	return errors.Join(runErr, stopErr)
}

// Stop parks the unit and writes the finished event. Calling it again is a
// no-op.
func (c *Controller) Stop(ctx context.Context) error {
	if c.stopped {
		return nil
	}
	c.stopped = true
	err := c.machine.Park(ctx)
	if err != nil {
		c.log.Error("park failed: %v", err)
	}
	c.appendEvents(ctx, []model.Event{c.event(model.EventFinished, c.now(), c.now().UTC().Format(time.RFC3339))})
	c.log.Info("run %s finished after %d cycles", c.runID, c.engine.Cycle())
	return err
}

func (c *Controller) cycleEvents(ctx context.Context, ir [io.IRChannels]float64, ring RingReading, report CycleReport) ([]model.Event, error) {
	now := c.now()
	sp, on, err := c.dev.Setpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("read setpoint: %w", err)
	}
	onFlag := "0"
	if on {
		onFlag = "1"
	}

	irFields := make([]string, 0, irCountChannels)
	for i := 0; i < irCountChannels; i++ {
		irFields = append(irFields, formatFloat(ir[i]))
	}
	tempFields := make([]string, 0, len(ring.Probes)+2)
	for _, t := range ring.Probes {
		tempFields = append(tempFields, formatFloat(t))
	}
	tempFields = append(tempFields, formatFloat(sp), onFlag)

	breakdown := c.engine.Breakdown()
	nhFields := []string{strconv.Itoa(len(breakdown))}
	for _, contrib := range breakdown {
		nhFields = append(nhFields, string(contrib.ID), formatFloat(contrib.Weight),
			formatFloat(contrib.Smoothed), formatFloat(contrib.Value))
	}

	events := []model.Event{
		c.event(model.EventNeighbours, now, nhFields...),
		c.event(model.EventHeatCalcs, now, formatFloat(report.Activation),
			formatFloat(report.Thermal.Magnitude), formatFloat(report.Thermal.Target)),
		c.event(model.EventIRArray, now, irFields...),
		c.event(model.EventTemperatures, now, tempFields...),
	}
	if st := report.Thermal.State; st != c.lastState {
		events = append(events, c.event(model.EventState, now, strconv.Itoa(int(st)), st.String()))
		c.lastState = st
	}
	return events, nil
}

func (c *Controller) event(kind string, at time.Time, fields ...string) model.Event {
	return model.Event{
		VersionedRecord: storage.CurrentVersion(),
		RunID:           c.runID,
		Unit:            string(c.unit),
		Cycle:           c.engine.Cycle(),
		Time:            at.UTC(),
		Kind:            kind,
		Fields:          fields,
	}
}

// appendEvents writes to the store; a failing store is logged, not fatal.
func (c *Controller) appendEvents(ctx context.Context, events []model.Event) {
	if c.store == nil || len(events) == 0 {
		return
	}
	if err := c.store.AppendEvents(ctx, events); err != nil {
		c.log.Error("append %d events: %v", len(events), err)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
