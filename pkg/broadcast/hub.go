package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Hub connects endpoints living in the same process, the way a browser
// connects tabs of one origin.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]map[*Endpoint]struct{}
	now       func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[string]map[*Endpoint]struct{}),
		now:       time.Now,
	}
}

// Open joins the channel called name with a fresh endpoint.
func (h *Hub) Open(name string) *Endpoint {
	e := &Endpoint{hub: h, name: name, origin: uuid.NewString()}
	e.inbox = newInbox(e.deliver)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endpoints[name] == nil {
		h.endpoints[name] = make(map[*Endpoint]struct{})
	}
	h.endpoints[name][e] = struct{}{}
	return e
}

// Peers counts open endpoints on name.
func (h *Hub) Peers(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.endpoints[name])
}

func (h *Hub) publish(from *Endpoint, m Message) {
	h.mu.Lock()
	targets := make([]*Endpoint, 0, len(h.endpoints[from.name]))
	for e := range h.endpoints[from.name] {
		if e != from {
			targets = append(targets, e)
		}
	}
	h.mu.Unlock()

	for _, e := range targets {
		e.inbox.push(m)
	}
}

func (h *Hub) leave(e *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints[e.name], e)
	if len(h.endpoints[e.name]) == 0 {
		delete(h.endpoints, e.name)
	}
}

// Endpoint is one tab's handle on a hub channel.
type Endpoint struct {
	handlers
	hub    *Hub
	name   string
	origin string
	inbox  *inbox

	mu     sync.Mutex
	closed bool
}

// Origin identifies this endpoint in the messages it sends.
func (e *Endpoint) Origin() string { return e.origin }

func (e *Endpoint) Broadcast(id string, version int64) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.hub.publish(e, Message{
		Channel: e.name,
		ID:      id,
		Version: version,
		Origin:  e.origin,
		SentAt:  e.hub.now(),
	})
	return nil
}

func (e *Endpoint) OnUpdate(fn func(Message)) func() {
	return e.add(fn)
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.hub.leave(e)
	e.inbox.close()
	return nil
}
