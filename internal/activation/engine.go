// Package activation fuses the smoothed self and neighbour signals of one
// unit into a bounded activation level.
package activation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"casunet/internal/diag"
	"casunet/internal/model"
	"casunet/internal/topology"
	"casunet/internal/wire"
)

var ErrKeyCollision = errors.New("signal source key collision")

type Mode string

const (
	ModePeer Mode = "peer"
	ModeDual Mode = "dual"
)

type Config struct {
	Mode       Mode
	SelfWeight float64
	Peer       StreamSize
	External   StreamSize
	// ExternalInputs holds the static weights of the external network.
	ExternalInputs map[model.NodeID]float64
	// ExternalOutputs enables raw transmissions to external destinations.
	ExternalOutputs map[model.NodeID]bool
	// ExogBias is added before clipping in dual mode.
	ExogBias          float64
	SuppressLow       bool
	SuppressThreshold float64
	// RouteTag marks outbound labels that belong to the external network.
	RouteTag string
}

// Contribution is one entry of the per-cycle breakdown.
type Contribution struct {
	ID       model.NodeID
	Source   wire.Source
	Weight   float64
	Smoothed float64
	Value    float64
}

// Breakdown lists contributions peer network first (self leading), then the
// external network, each in id order.
type Breakdown []Contribution

func (b Breakdown) Sum() float64 {
	var total float64
	for _, c := range b {
		total += c.Value
	}
	return total
}

func (b Breakdown) Lookup(id model.NodeID) (Contribution, bool) {
	for _, c := range b {
		if c.ID == id {
			return c, true
		}
	}
	return Contribution{}, false
}

// Transmission is one outbound payload produced at the end of a cycle.
type Transmission struct {
	To      model.NodeID
	Payload string
	Source  wire.Source
}

// ReceiveStats counts what happened to one cycle's inbound batch.
type ReceiveStats struct {
	Messages int
	Accepted int
	Unknown  int
	Rejected int
}

type Engine struct {
	cfg      Config
	log      *diag.Logger
	outbound map[model.NodeID]*string
	peer     *SignalSource
	external *SignalSource

	cycle     uint64
	breakdown Breakdown
	unclipped float64
	clipped   float64
}

// NewEngine wires the signal sources for nm. In dual mode an identifier that
// appears in both the peer network (self included) and the external weight
// table is rejected.
func NewEngine(cfg Config, nm topology.NeighbourMap, logger *diag.Logger) (*Engine, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModePeer
	}
	if cfg.Mode != ModePeer && cfg.Mode != ModeDual {
		return nil, fmt.Errorf("unsupported activation mode: %s", cfg.Mode)
	}
	e := &Engine{
		cfg:      cfg,
		log:      logger,
		outbound: nm.Outbound,
		peer:     NewPeerSource(nm, cfg.SelfWeight, cfg.Peer),
	}
	if cfg.Mode == ModeDual {
		for id := range cfg.ExternalInputs {
			if _, clash := e.peer.Weight(id); clash {
				return nil, fmt.Errorf("%w: %s is both a peer and an external input", ErrKeyCollision, id)
			}
		}
		e.external = NewExternalSource(cfg.ExternalInputs, cfg.External)
	}
	return e, nil
}

func (e *Engine) Mode() Mode {
	return e.cfg.Mode
}

// Advance starts a new cycle and returns its number. The first cycle is 1.
func (e *Engine) Advance() uint64 {
	e.cycle++
	return e.cycle
}

func (e *Engine) Cycle() uint64 {
	return e.cycle
}

func (e *Engine) Peer() *SignalSource {
	return e.peer
}

// External is nil in single-network mode.
func (e *Engine) External() *SignalSource {
	return e.external
}

func (e *Engine) framing() wire.Framing {
	if e.cfg.Mode == ModeDual {
		return wire.FramingMarked
	}
	return wire.FramingPlain
}

// UpdateInteractions records every message delivered this cycle. Unknown
// senders and malformed items are logged and dropped.
func (e *Engine) UpdateInteractions(msgs []wire.Message) ReceiveStats {
	stats := ReceiveStats{Messages: len(msgs)}
	for _, msg := range msgs {
		updates, problems := wire.Demux(e.framing(), msg)
		for _, p := range problems {
			stats.Rejected++
			e.log.Warning("dropped inbound item: %v", p)
		}
		for _, u := range updates {
			src := e.peer
			if u.Source == wire.SourceExternal {
				src = e.external
			}
			if src == nil || !src.stream.Receive(u.From, e.cycle, u.Value, u.Token) {
				stats.Unknown++
				e.log.Warning("%s message from unknown sender %s (via %s), dropped", u.Source, u.From, msg.Sender)
				continue
			}
			stats.Accepted++
		}
	}
	return stats
}

// UpdateAverages feeds fresh neighbour values and the local sample into the
// history buffers and refreshes every smoothed value.
func (e *Engine) UpdateAverages(local float64) {
	for _, src := range e.sources() {
		for _, st := range src.stream.Consume(e.cycle) {
			if !st.Received {
				e.log.Warning("%s network: no data received from %s yet", src.kind, st.ID)
				continue
			}
			e.log.Warning("%s network: data from %s is stale (%d cycles old), not used", src.kind, st.ID, st.Age)
		}
	}
	e.peer.stream.PushSelf(local)
	for _, src := range e.sources() {
		src.stream.Smooth(e.cycle)
	}
}

// ComputeContributions rebuilds the breakdown from the current smoothed
// values.
func (e *Engine) ComputeContributions() Breakdown {
	b := e.peer.contributions()
	if e.external != nil {
		b = append(b, e.external.contributions()...)
	}
	e.breakdown = b
	return b
}

// ComputeActivationLevel sums the breakdown (plus the exogenous bias in dual
// mode) and clips it to [0, 1]. The unclipped sum stays available through
// Unclipped.
func (e *Engine) ComputeActivationLevel() float64 {
	total := e.breakdown.Sum()
	if e.cfg.Mode == ModeDual {
		total += e.cfg.ExogBias
	}
	e.unclipped = total
	e.clipped = Clip(total)

	if e.log.DebugEnabled(diag.DebugDetail) {
		parts := make([]string, 0, len(e.breakdown))
		for _, c := range e.breakdown {
			parts = append(parts, fmt.Sprintf("%s:%s w=%.3f x=%.3f c=%.3f", c.Source, c.ID, c.Weight, c.Smoothed, c.Value))
		}
		e.log.Debug(diag.DebugDetail, "cycle %d nh_data [%s] unclipped=%.3f activation=%.3f",
			e.cycle, strings.Join(parts, "; "), e.unclipped, e.clipped)
	}
	return e.clipped
}

func (e *Engine) Breakdown() Breakdown {
	return append(Breakdown(nil), e.breakdown...)
}

func (e *Engine) Activation() float64 {
	return e.clipped
}

func (e *Engine) Unclipped() float64 {
	return e.unclipped
}

// SelfSmoothed is the unit's own smoothed peer-network value.
func (e *Engine) SelfSmoothed() float64 {
	return e.peer.stream.Smoothed(model.SelfID)
}

// Suppressed reports whether low activity forces the peer transmission to 0.
func (e *Engine) Suppressed() bool {
	return e.cfg.SuppressLow && e.unclipped < e.cfg.SuppressThreshold
}

// Outbox lists this cycle's transmissions. Peer destinations are the outbound
// edge labels (falling back to the node id); labels carrying the external
// route tag are skipped. External outputs get the raw value and are never
// suppressed.
func (e *Engine) Outbox() []Transmission {
	value := e.SelfSmoothed()
	peerValue := value
	if e.Suppressed() {
		peerValue = 0
	}
	payload := wire.EncodePeer(peerValue)
	if e.cfg.Mode == ModeDual {
		payload = wire.EncodeMarkedPeer(peerValue)
	}

	var out []Transmission
	for _, id := range sortedKeys(e.outbound) {
		dest := id
		if label := e.outbound[id]; label != nil && *label != "" {
			if e.cfg.RouteTag != "" && strings.Contains(*label, e.cfg.RouteTag) {
				continue
			}
			dest = model.NodeID(*label)
		}
		out = append(out, Transmission{To: dest, Payload: payload, Source: wire.SourcePeer})
	}
	if e.cfg.Mode == ModeDual {
		raw := wire.EncodeExternal(value)
		for _, id := range sortedKeys(e.cfg.ExternalOutputs) {
			if !e.cfg.ExternalOutputs[id] {
				continue
			}
			out = append(out, Transmission{To: id, Payload: raw, Source: wire.SourceExternal})
		}
	}
	return out
}

func (e *Engine) sources() []*SignalSource {
	if e.external == nil {
		return []*SignalSource{e.peer}
	}
	return []*SignalSource{e.peer, e.external}
}

// Clip bounds v to [0, 1]; NaN maps to 0.
func Clip(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sortedKeys[V any](m map[model.NodeID]V) []model.NodeID {
	keys := make([]model.NodeID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
