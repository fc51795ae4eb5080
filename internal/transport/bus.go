// Package transport carries unit payloads: an in-process bus for simulation
// and tests, and a websocket hub with its client for networked units.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"casunet/internal/model"
	"casunet/internal/wire"
)

const DefaultQueueCapacity = 1024

var ErrClosed = errors.New("endpoint closed")

// Envelope is one routed payload.
type Envelope struct {
	From    model.NodeID `json:"from"`
	To      model.NodeID `json:"to"`
	Payload string       `json:"payload"`
}

func (e Envelope) message() wire.Message {
	return wire.Message{Sender: e.From, Payload: e.Payload}
}

// inbox is a bounded FIFO; a full inbox drops new messages.
type inbox struct {
	mu     sync.Mutex
	items  []Envelope
	limit  int
	closed bool
}

func newInbox(limit int) *inbox {
	if limit <= 0 {
		limit = DefaultQueueCapacity
	}
	return &inbox{limit: limit}
}

func (q *inbox) push(env Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) >= q.limit {
		return false
	}
	q.items = append(q.items, env)
	return true
}

func (q *inbox) pop() (Envelope, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		if q.closed {
			return Envelope{}, false, ErrClosed
		}
		return Envelope{}, false, nil
	}
	env := q.items[0]
	q.items[0] = Envelope{}
	q.items = q.items[1:]
	return env, true, nil
}

func (q *inbox) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Bus routes payloads between endpoints in the same process. Payloads to ids
// without an endpoint are dropped and counted.
type Bus struct {
	mu        sync.RWMutex
	capacity  int
	endpoints map[model.NodeID]*Endpoint
	dropped   atomic.Int64
}

func NewBus(capacity int) *Bus {
	return &Bus{
		capacity:  capacity,
		endpoints: make(map[model.NodeID]*Endpoint),
	}
}

// Endpoint returns the endpoint for id, creating it on first use.
func (b *Bus) Endpoint(id model.NodeID) *Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ep, ok := b.endpoints[id]; ok {
		return ep
	}
	ep := &Endpoint{id: id, bus: b, inbox: newInbox(b.capacity)}
	b.endpoints[id] = ep
	return ep
}

func (b *Bus) Deliver(env Envelope) bool {
	b.mu.RLock()
	ep, ok := b.endpoints[env.To]
	b.mu.RUnlock()
	if !ok || !ep.inbox.push(env) {
		b.dropped.Add(1)
		return false
	}
	return true
}

// Dropped counts payloads that found no endpoint or a full inbox.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Endpoint is one unit's view of the bus. It implements io.Messenger.
type Endpoint struct {
	id    model.NodeID
	bus   *Bus
	inbox *inbox
}

func (e *Endpoint) ID() model.NodeID {
	return e.id
}

func (e *Endpoint) Send(ctx context.Context, to model.NodeID, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.bus.Deliver(Envelope{From: e.id, To: to, Payload: payload})
	return nil
}

func (e *Endpoint) TryReceive(ctx context.Context) (wire.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return wire.Message{}, false, err
	}
	env, ok, err := e.inbox.pop()
	return env.message(), ok, err
}

// Close stops delivery to this endpoint; queued messages can still be read.
func (e *Endpoint) Close() error {
	e.inbox.close()
	return nil
}

// Port returns a relay-side view of the bus answering for every id in ids.
func (b *Bus) Port(ids ...model.NodeID) *BusPort {
	p := &BusPort{bus: b}
	for _, id := range ids {
		p.endpoints = append(p.endpoints, b.Endpoint(id))
	}
	return p
}

// BusPort receives for a set of ids and delivers with the sender it is given.
type BusPort struct {
	bus       *Bus
	endpoints []*Endpoint
	next      int
}

// ReceiveEnvelope polls the endpoints round-robin and returns the first
// queued envelope.
func (p *BusPort) ReceiveEnvelope(ctx context.Context) (Envelope, bool, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, false, err
	}
	closed := 0
	for range p.endpoints {
		ep := p.endpoints[p.next]
		p.next = (p.next + 1) % len(p.endpoints)
		env, ok, err := ep.inbox.pop()
		if errors.Is(err, ErrClosed) {
			closed++
			continue
		}
		if ok {
			return env, true, nil
		}
	}
	if len(p.endpoints) > 0 && closed == len(p.endpoints) {
		return Envelope{}, false, ErrClosed
	}
	return Envelope{}, false, nil
}

func (p *BusPort) Deliver(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.bus.Deliver(env)
	return nil
}
