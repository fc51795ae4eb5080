package controller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"casunet/internal/config"
	"casunet/internal/diag"
	"casunet/internal/io"
	"casunet/internal/model"
	"casunet/internal/storage"
	"casunet/internal/topology"
	"casunet/internal/transport"
	"casunet/internal/wire"
)

const defaultObserver model.NodeID = "observer"

// SimClock is a manual clock shared by every unit of a simulated network.
type SimClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewSimClock(start time.Time) *SimClock {
	return &SimClock{now: start}
}

func (c *SimClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *SimClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Sleep advances the clock instead of blocking.
func (c *SimClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

// NetworkOptions configures a simulated network.
type NetworkOptions struct {
	Start time.Time
	// Occupancy sets how many IR channels of a unit see something, from
	// the first cycle on.
	Occupancy map[model.NodeID]int
	Sim       io.SimOptions
	Store     storage.Store
	Logger    *diag.Logger
	// Observations are sent to every unit at the start of each step, as an
	// external-network payload. Dual mode only.
	Observations []wire.Observation
	// Observer is the sender id of the observations. It defaults to the
	// external route tag.
	Observer model.NodeID
}

// Network runs one controller per graph node over an in-memory bus with
// simulated devices and a shared simulated clock.
type Network struct {
	cfg         config.Config
	clock       *SimClock
	bus         *transport.Bus
	units       []model.NodeID
	controllers map[model.NodeID]*Controller
	devices     map[model.NodeID]*io.SimDevice

	observer     model.NodeID
	observations string
	// outputs answers for the external output ids that are not units.
	outputs  *transport.BusPort
	observed []transport.Envelope
}

// NewNetwork builds a controller for every node of g, which must already be
// flattened.
func NewNetwork(cfg config.Config, g *topology.Graph, opts NetworkOptions) (*Network, error) {
	if opts.Start.IsZero() {
		opts.Start = time.Unix(0, 0).UTC()
	}
	if len(opts.Observations) > 0 && cfg.Mode != config.ModeDual {
		return nil, fmt.Errorf("observations need %s mode, got %s", config.ModeDual, cfg.Mode)
	}
	n := &Network{
		cfg:         cfg,
		clock:       NewSimClock(opts.Start),
		bus:         transport.NewBus(transport.DefaultQueueCapacity),
		units:       g.Nodes(),
		controllers: make(map[model.NodeID]*Controller),
		devices:     make(map[model.NodeID]*io.SimDevice),
	}
	thresholds := cfg.Thresholds()
	for _, unit := range n.units {
		nm, err := topology.Resolve(g, unit, cfg.DefaultEdgeWeight, opts.Logger)
		if err != nil {
			return nil, err
		}
		dev := io.NewSimDevice(string(unit), opts.Sim)
		if k := opts.Occupancy[unit]; k > 0 {
			var ir [io.IRChannels]float64
			for i := 0; i < k && i < irCountChannels; i++ {
				ir[i] = thresholds[i] + 1
			}
			dev.SetIR(ir)
		}
		ctrl, err := New(cfg, unit, nm, Deps{
			Device:    dev,
			Messenger: n.bus.Endpoint(unit),
			Store:     opts.Store,
			Logger:    opts.Logger,
			Now:       n.clock.Now,
			Sleep:     n.clock.Sleep,
		})
		if err != nil {
			return nil, fmt.Errorf("unit %s: %w", unit, err)
		}
		n.controllers[unit] = ctrl
		n.devices[unit] = dev
	}
	if cfg.Mode == config.ModeDual {
		if err := n.attachObserver(g, opts); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (n *Network) attachObserver(g *topology.Graph, opts NetworkOptions) error {
	n.observer = opts.Observer
	if n.observer == "" {
		n.observer = model.NodeID(n.cfg.ExternalRouteTag)
	}
	if n.observer == "" {
		n.observer = defaultObserver
	}
	if g.HasNode(n.observer) {
		return fmt.Errorf("observer id %s is a unit", n.observer)
	}
	if len(opts.Observations) > 0 {
		n.observations = wire.EncodeObservations(opts.Observations)
	}
	var ids []model.NodeID
	for id, on := range n.cfg.ExternalOutputs {
		if on && !g.HasNode(model.NodeID(id)) {
			ids = append(ids, model.NodeID(id))
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > 0 {
		n.outputs = n.bus.Port(ids...)
	}
	return nil
}

func (n *Network) Units() []model.NodeID {
	return append([]model.NodeID(nil), n.units...)
}

func (n *Network) Controller(unit model.NodeID) (*Controller, bool) {
	c, ok := n.controllers[unit]
	return c, ok
}

func (n *Network) Device(unit model.NodeID) (*io.SimDevice, bool) {
	d, ok := n.devices[unit]
	return d, ok
}

func (n *Network) Clock() *SimClock {
	return n.clock
}

func (n *Network) Bus() *transport.Bus {
	return n.bus
}

// Observer is the sender id of broadcast observations; empty outside dual
// mode.
func (n *Network) Observer() model.NodeID {
	return n.observer
}

// Observed returns the external transmissions collected during the last Step,
// in arrival order.
func (n *Network) Observed() []transport.Envelope {
	return append([]transport.Envelope(nil), n.observed...)
}

func (n *Network) Start(ctx context.Context) error {
	for _, unit := range n.units {
		if err := n.controllers[unit].Start(ctx); err != nil {
			return fmt.Errorf("unit %s: %w", unit, err)
		}
	}
	return nil
}

// Step sends the observations, cycles every unit once in node order, collects
// the external transmissions, then advances the clock and the device thermal
// models by one loop interval.
func (n *Network) Step(ctx context.Context) (map[model.NodeID]CycleReport, error) {
	reports := make(map[model.NodeID]CycleReport, len(n.units))
	if n.observations != "" {
		for _, unit := range n.units {
			n.bus.Deliver(transport.Envelope{From: n.observer, To: unit, Payload: n.observations})
		}
	}
	for _, unit := range n.units {
		report, err := n.controllers[unit].Cycle(ctx)
		if err != nil {
			return reports, fmt.Errorf("unit %s: %w", unit, err)
		}
		reports[unit] = report
	}
	if err := n.collectObserved(ctx); err != nil {
		return reports, err
	}
	n.clock.Advance(n.cfg.MainLoopInterval)
	for _, unit := range n.units {
		n.devices[unit].Step(n.cfg.MainLoopInterval)
	}
	return reports, nil
}

func (n *Network) collectObserved(ctx context.Context) error {
	n.observed = n.observed[:0]
	if n.outputs == nil {
		return nil
	}
	for {
		env, ok, err := n.outputs.ReceiveEnvelope(ctx)
		if err != nil {
			return fmt.Errorf("collect external outputs: %w", err)
		}
		if !ok {
			return nil
		}
		n.observed = append(n.observed, env)
	}
}

// Stop parks every unit and returns the first park error.
func (n *Network) Stop(ctx context.Context) error {
	var first error
	for _, unit := range n.units {
		if err := n.controllers[unit].Stop(ctx); err != nil && first == nil {
			first = fmt.Errorf("unit %s: %w", unit, err)
		}
	}
	return first
}
