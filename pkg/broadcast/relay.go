package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/surrealdb/surrealshop/internal/logger"
)

const writeTimeout = 5 * time.Second

// Relay is a websocket fan-out server for tabs in separate processes. Each
// connection joins the channel named by its "channel" query parameter; the
// serving process joins with Open. Frames are decoded, reduced to the known
// fields and forwarded to every other member of the same channel.
type Relay struct {
	upgrader websocket.Upgrader
	log      logger.Logger

	mu      sync.RWMutex
	clients map[*relayClient]struct{}
	locals  map[*LocalEndpoint]struct{}
	closed  bool
}

type relayClient struct {
	conn    *websocket.Conn
	channel string
	writeMu sync.Mutex
}

func (c *relayClient) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func NewRelay(log logger.Logger) *Relay {
	return &Relay{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:     logger.OrNop(log),
		clients: make(map[*relayClient]struct{}),
		locals:  make(map[*LocalEndpoint]struct{}),
	}
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	channel := req.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("broadcast relay upgrade failed", "error", err)
		return
	}
	client := &relayClient{conn: conn, channel: channel}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	r.clients[client] = struct{}{}
	r.mu.Unlock()
	r.log.Debug("broadcast relay client connected", "channel", channel)

	defer r.remove(client)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m, err := Decode(data)
		if err != nil {
			r.log.Debug("broadcast relay dropped frame", "channel", channel, "error", err)
			continue
		}
		m.Channel = channel
		if m.SentAt.IsZero() {
			m.SentAt = time.Now()
		}
		r.fanout(m, client, nil)
	}
}

// fanout sends m to every member of its channel except the sender, which is
// either fromClient or fromLocal.
func (r *Relay) fanout(m Message, fromClient *relayClient, fromLocal *LocalEndpoint) {
	frame, err := Encode(m)
	if err != nil {
		r.log.Warn("broadcast relay encode failed", "error", err)
		return
	}

	r.mu.RLock()
	var clients []*relayClient
	for c := range r.clients {
		if c != fromClient && c.channel == m.Channel {
			clients = append(clients, c)
		}
	}
	var locals []*LocalEndpoint
	for e := range r.locals {
		if e != fromLocal && e.name == m.Channel {
			locals = append(locals, e)
		}
	}
	r.mu.RUnlock()

	for _, e := range locals {
		e.inbox.push(m)
	}
	for _, c := range clients {
		if err := c.write(frame); err != nil {
			r.log.Warn("broadcast relay send failed", "channel", c.channel, "error", err)
			r.remove(c)
		}
	}
}

// Open joins channel name from the process serving the relay. The endpoint
// hears every connected tab and is heard by them.
func (r *Relay) Open(name string) *LocalEndpoint {
	e := &LocalEndpoint{relay: r, name: name, origin: uuid.NewString()}
	e.inbox = newInbox(e.deliver)
	r.mu.Lock()
	r.locals[e] = struct{}{}
	r.mu.Unlock()
	return e
}

func (r *Relay) leave(e *LocalEndpoint) {
	r.mu.Lock()
	delete(r.locals, e)
	r.mu.Unlock()
}

// LocalEndpoint is a Channel on a Relay for the process serving it.
type LocalEndpoint struct {
	handlers
	relay  *Relay
	name   string
	origin string
	inbox  *inbox

	mu     sync.Mutex
	closed bool
}

func (e *LocalEndpoint) Origin() string { return e.origin }

func (e *LocalEndpoint) Broadcast(id string, version int64) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.relay.fanout(Message{
		Channel: e.name,
		ID:      id,
		Version: version,
		Origin:  e.origin,
		SentAt:  time.Now(),
	}, nil, e)
	return nil
}

func (e *LocalEndpoint) OnUpdate(fn func(Message)) func() {
	return e.add(fn)
}

func (e *LocalEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.relay.leave(e)
	e.inbox.close()
	return nil
}

func (r *Relay) remove(c *relayClient) {
	r.mu.Lock()
	_, ok := r.clients[c]
	delete(r.clients, c)
	r.mu.Unlock()
	if ok {
		_ = c.conn.Close()
		r.log.Debug("broadcast relay client disconnected", "channel", c.channel)
	}
}

// Clients counts connections on channel.
func (r *Relay) Clients(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for c := range r.clients {
		if c.channel == channel {
			n++
		}
	}
	return n
}

// Close disconnects every client and refuses new ones. Local endpoints keep
// working among themselves until they are closed.
func (r *Relay) Close() error {
	r.mu.Lock()
	r.closed = true
	clients := r.clients
	r.clients = make(map[*relayClient]struct{})
	r.mu.Unlock()

	for c := range clients {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	}
	return nil
}
