package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"casunet/internal/diag"
	"casunet/internal/model"
	"casunet/internal/wire"
)

const writeTimeout = 5 * time.Second

// Hub routes envelopes between websocket clients. Clients connect with
// "?id=<node id>" and the hub stamps From with that id. A connection that also
// claims "alias" ids is a relay: it receives for each alias and may set From
// itself.
type Hub struct {
	upgrader websocket.Upgrader
	log      *diag.Logger

	mu      sync.RWMutex
	clients map[model.NodeID]*hubConn
	routed  atomic.Int64
	dropped atomic.Int64
}

type hubConn struct {
	id      model.NodeID
	aliases []model.NodeID
	conn    *websocket.Conn
	wmu     sync.Mutex
}

func (c *hubConn) ids() []model.NodeID {
	return append([]model.NodeID{c.id}, c.aliases...)
}

func (c *hubConn) write(env Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(env)
}

func NewHub(logger *diag.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:     logger,
		clients: make(map[model.NodeID]*hubConn),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	id := model.NodeID(query.Get("id"))
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	var aliases []model.NodeID
	for _, alias := range query["alias"] {
		if alias != "" && model.NodeID(alias) != id {
			aliases = append(aliases, model.NodeID(alias))
		}
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warning("upgrade for %s failed: %v", id, err)
		return
	}
	client := &hubConn{id: id, aliases: aliases, conn: conn}
	h.register(client)
	defer h.unregister(client)

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Info("client %s disconnected: %v", id, err)
			}
			return
		}
		if len(aliases) == 0 || env.From == "" {
			env.From = id
		}
		h.route(env)
	}
}

// register claims every id of c; an earlier connection holding one of them is
// closed.
func (h *Hub) register(c *hubConn) {
	var replaced []*hubConn
	h.mu.Lock()
	for _, id := range c.ids() {
		if old, ok := h.clients[id]; ok && old != c {
			replaced = append(replaced, old)
		}
		h.clients[id] = c
	}
	h.mu.Unlock()
	for _, old := range replaced {
		h.log.Warning("client %s replaced by new connection from %s", old.id, c.id)
		_ = old.conn.Close()
	}
	h.log.Info("client %s connected (aliases %v)", c.id, c.aliases)
}

func (h *Hub) unregister(c *hubConn) {
	h.mu.Lock()
	for _, id := range c.ids() {
		if h.clients[id] == c {
			delete(h.clients, id)
		}
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

func (h *Hub) route(env Envelope) {
	h.mu.RLock()
	dst, ok := h.clients[env.To]
	h.mu.RUnlock()
	if !ok {
		h.dropped.Add(1)
		h.log.Debug(diag.DebugDetail, "no client %s, dropping payload from %s", env.To, env.From)
		return
	}
	if err := dst.write(env); err != nil {
		h.dropped.Add(1)
		h.log.Warning("write to %s failed: %v", env.To, err)
		return
	}
	h.routed.Add(1)
}

// Connected lists the ids currently routable, aliases included.
func (h *Hub) Connected() []model.NodeID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]model.NodeID, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (h *Hub) Stats() (routed, dropped int64) {
	return h.routed.Load(), h.dropped.Load()
}

// Client is a websocket connection to a Hub. It implements io.Messenger.
type Client struct {
	id    model.NodeID
	conn  *websocket.Conn
	inbox *inbox
	wmu   sync.Mutex

	done    chan struct{}
	readErr atomic.Value
}

// Dial connects to the hub at addr (ws:// or wss://) as id. Passing aliases
// makes the connection a relay.
func Dial(ctx context.Context, addr string, id model.NodeID, capacity int, aliases ...model.NodeID) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse hub address %q: %w", addr, err)
	}
	query := u.Query()
	query.Set("id", string(id))
	for _, alias := range aliases {
		query.Add("alias", string(alias))
	}
	u.RawQuery = query.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", addr, err)
	}
	c := &Client{
		id:    id,
		conn:  conn,
		inbox: newInbox(capacity),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.inbox.close()
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.readErr.Store(err)
			return
		}
		c.inbox.push(env)
	}
}

func (c *Client) ID() model.NodeID {
	return c.id
}

func (c *Client) Send(ctx context.Context, to model.NodeID, payload string) error {
	return c.Deliver(ctx, Envelope{From: c.id, To: to, Payload: payload})
}

// Deliver writes env as is. The hub keeps From only for relay connections.
func (c *Client) Deliver(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(env)
}

func (c *Client) TryReceive(ctx context.Context) (wire.Message, bool, error) {
	env, ok, err := c.ReceiveEnvelope(ctx)
	return env.message(), ok, err
}

// ReceiveEnvelope returns queued envelopes first; once the connection has
// failed and the queue is empty it reports the read error.
func (c *Client) ReceiveEnvelope(ctx context.Context) (Envelope, bool, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, false, err
	}
	env, ok, err := c.inbox.pop()
	if errors.Is(err, ErrClosed) {
		if readErr, _ := c.readErr.Load().(error); readErr != nil {
			return Envelope{}, false, fmt.Errorf("%w: %v", ErrClosed, readErr)
		}
	}
	return env, ok, err
}

func (c *Client) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
