// Package relay forwards payloads between two message networks, renaming
// senders and destinations on the way and logging every forwarded payload.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"casunet/internal/diag"
	"casunet/internal/model"
	"casunet/internal/platform"
	"casunet/internal/storage"
	"casunet/internal/transport"
)

const (
	DefaultPollInterval = 50 * time.Millisecond
	RunMode             = "relay"
)

var ErrNoRoutes = errors.New("relay needs at least one route")

// Port is one side of a route: it receives envelopes addressed to the ids it
// answers for and delivers envelopes with their sender kept.
type Port interface {
	ReceiveEnvelope(ctx context.Context) (transport.Envelope, bool, error)
	Deliver(ctx context.Context, env transport.Envelope) error
}

// Route is one forwarding direction.
type Route struct {
	Name string
	From Port
	To   Port
	// Senders renames the sender; unknown senders pass unchanged.
	Senders map[model.NodeID]model.NodeID
	// Destinations fans a destination out to one or more ids; unknown
	// destinations pass unchanged.
	Destinations map[model.NodeID][]model.NodeID
}

func (r Route) rewrite(env transport.Envelope) []transport.Envelope {
	from := env.From
	if renamed, ok := r.Senders[from]; ok {
		from = renamed
	}
	targets := []model.NodeID{env.To}
	if fanout, ok := r.Destinations[env.To]; ok && len(fanout) > 0 {
		targets = fanout
	}
	out := make([]transport.Envelope, 0, len(targets))
	for _, to := range targets {
		out = append(out, transport.Envelope{From: from, To: to, Payload: env.Payload})
	}
	return out
}

type Config struct {
	Name   string
	Routes []Route
	// PollInterval is the idle wait between empty receives.
	PollInterval time.Duration
	Policy       platform.Policy
}

type RouteStats struct {
	Route     string `json:"route"`
	Received  int64  `json:"received"`
	Forwarded int64  `json:"forwarded"`
	Failed    int64  `json:"failed"`
}

type routeCounters struct {
	received  atomic.Int64
	forwarded atomic.Int64
	failed    atomic.Int64
}

// Relay runs one supervised worker per route. The workers share nothing but
// the stop signal carried by the context and the append-only log.
type Relay struct {
	cfg    Config
	store  storage.Store
	log    *diag.Logger
	tracer trace.Tracer
	now    func() time.Time

	runID    string
	seq      atomic.Uint64
	counters map[string]*routeCounters
	logMu    sync.Mutex
}

func New(cfg Config, store storage.Store, logger *diag.Logger) (*Relay, error) {
	if len(cfg.Routes) == 0 {
		return nil, ErrNoRoutes
	}
	if cfg.Name == "" {
		cfg.Name = RunMode
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	counters := make(map[string]*routeCounters, len(cfg.Routes))
	for i, route := range cfg.Routes {
		if route.Name == "" {
			route.Name = fmt.Sprintf("route-%d", i+1)
			cfg.Routes[i] = route
		}
		if route.From == nil || route.To == nil {
			return nil, fmt.Errorf("route %s: both ports are required", route.Name)
		}
		if _, dup := counters[route.Name]; dup {
			return nil, fmt.Errorf("duplicate route name %s", route.Name)
		}
		counters[route.Name] = &routeCounters{}
	}
	return &Relay{
		cfg:      cfg,
		store:    store,
		log:      logger.With(cfg.Name),
		tracer:   otel.Tracer("casunet/relay"),
		now:      time.Now,
		runID:    uuid.NewString(),
		counters: counters,
	}, nil
}

func (r *Relay) RunID() string {
	return r.runID
}

// Run forwards until ctx ends, then writes a finished event.
func (r *Relay) Run(ctx context.Context) error {
	if r.store != nil {
		if err := r.store.SaveRun(ctx, model.RunInfo{
			VersionedRecord: storage.CurrentVersion(),
			ID:              r.runID,
			Unit:            r.cfg.Name,
			Mode:            RunMode,
			StartedAt:       r.now().UTC(),
		}); err != nil {
			return fmt.Errorf("save relay run: %w", err)
		}
	}

	sup := platform.NewSupervisor(r.cfg.Policy, platform.Hooks{}, r.log)
	for _, route := range r.cfg.Routes {
		route := route
		if err := sup.Start(ctx, platform.WorkerSpec{
			Name: route.Name,
			Run:  func(ctx context.Context) error { return r.forward(ctx, route) },
		}); err != nil {
			sup.StopAll()
			return err
		}
	}
	r.log.Info("relay %s running with %d routes", r.runID, len(r.cfg.Routes))

	<-ctx.Done()
	sup.StopAll()

	var fields []string
	for _, st := range r.Stats() {
		fields = append(fields, fmt.Sprintf("%s=%d/%d/%d", st.Route, st.Received, st.Forwarded, st.Failed))
	}
	r.append(context.WithoutCancel(ctx), model.EventFinished, r.cfg.Name, fields)
	return nil
}

// forward is one route worker. It returns only on a receive error, which the
// supervisor treats as a restartable failure.
func (r *Relay) forward(ctx context.Context, route Route) error {
	counters := r.counters[route.Name]
	for {
		env, ok, err := route.From.ReceiveEnvelope(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("route %s receive: %w", route.Name, err)
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}
		counters.received.Add(1)
		r.relay(ctx, route, env, counters)
	}
}

func (r *Relay) relay(ctx context.Context, route Route, env transport.Envelope, counters *routeCounters) {
	ctx, span := r.tracer.Start(ctx, "relay.forward", trace.WithAttributes(
		attribute.String("relay.route", route.Name),
		attribute.String("relay.from", string(env.From)),
		attribute.String("relay.to", string(env.To)),
	))
	defer span.End()

	for _, out := range route.rewrite(env) {
		if err := route.To.Deliver(ctx, out); err != nil {
			counters.failed.Add(1)
			span.RecordError(err)
			span.SetStatus(codes.Error, "deliver failed")
			r.log.Warning("route %s: deliver %s -> %s failed: %v", route.Name, out.From, out.To, err)
			continue
		}
		counters.forwarded.Add(1)
		r.log.Debug(diag.DebugCycle, "route %s: %s;%s;%s", route.Name, out.To, out.From, out.Payload)
		r.append(ctx, model.EventRelay, route.Name, []string{string(env.From), string(env.To), string(out.From), string(out.To), out.Payload})
	}
}

func (r *Relay) append(ctx context.Context, kind, unit string, fields []string) {
	if r.store == nil {
		return
	}
	r.logMu.Lock()
	defer r.logMu.Unlock()
	event := model.Event{
		VersionedRecord: storage.CurrentVersion(),
		RunID:           r.runID,
		Unit:            unit,
		Cycle:           r.seq.Add(1),
		Time:            r.now().UTC(),
		Kind:            kind,
		Fields:          fields,
	}
	if err := r.store.AppendEvents(ctx, []model.Event{event}); err != nil {
		r.log.Error("append %s event: %v", kind, err)
	}
}

func (r *Relay) Stats() []RouteStats {
	out := make([]RouteStats, 0, len(r.counters))
	for name, c := range r.counters {
		out = append(out, RouteStats{
			Route:     name,
			Received:  c.received.Load(),
			Forwarded: c.forwarded.Load(),
			Failed:    c.failed.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}
