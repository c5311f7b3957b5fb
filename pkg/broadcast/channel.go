// Package broadcast propagates compact change hints between tabs.
//
// A Message names an entity id and version and nothing else. Receivers treat
// it as a cue to re-read the entity from the cache or the remote store; any
// extra field a sender puts on the wire is dropped while decoding.
package broadcast

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"
)

var ErrClosed = errors.New("broadcast channel is closed")

type Message struct {
	Channel string    `json:"channel"`
	ID      string    `json:"id"`
	Version int64     `json:"version"`
	Origin  string    `json:"origin,omitempty"`
	SentAt  time.Time `json:"sentAt"`
}

// Channel is one tab's endpoint on a named broadcast channel. Messages are
// never delivered back to the endpoint that sent them.
type Channel interface {
	Broadcast(id string, version int64) error
	OnUpdate(fn func(Message)) (unsubscribe func())
	Close() error
}

// Encode renders m as a wire frame.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode broadcast message: %w", err)
	}
	return data, nil
}

// Decode reads the known fields of a wire frame and ignores everything else.
func Decode(data []byte) (Message, error) {
	var m Message
	id, err := jsonparser.GetString(data, "id")
	if err != nil || id == "" {
		return Message{}, fmt.Errorf("decode broadcast message: missing id")
	}
	m.ID = id
	if v, err := jsonparser.GetInt(data, "version"); err == nil {
		m.Version = v
	} else if !errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return Message{}, fmt.Errorf("decode broadcast message: version: %w", err)
	}
	m.Channel, _ = jsonparser.GetString(data, "channel")
	m.Origin, _ = jsonparser.GetString(data, "origin")
	if s, err := jsonparser.GetString(data, "sentAt"); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			m.SentAt = t
		}
	}
	return m, nil
}

// Open returns an endpoint on hub, or a no-op channel when there is no hub.
func Open(hub *Hub, name string) Channel {
	if hub == nil {
		return Noop()
	}
	return hub.Open(name)
}

// handlers is the registration list shared by every Channel implementation.
type handlers struct {
	mu   sync.Mutex
	next int
	byID map[int]func(Message)
}

func (h *handlers) add(fn func(Message)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byID == nil {
		h.byID = make(map[int]func(Message))
	}
	id := h.next
	h.next++
	h.byID[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.byID, id)
		h.mu.Unlock()
	}
}

func (h *handlers) snapshot() []func(Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]func(Message), 0, len(h.byID))
	for i := 0; i < h.next; i++ {
		if fn, ok := h.byID[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (h *handlers) deliver(m Message) {
	for _, fn := range h.snapshot() {
		fn(m)
	}
}

type noop struct {
	handlers
}

// Noop is used when no broadcast primitive is available. Registration works
// and Broadcast succeeds, but nothing is ever delivered.
func Noop() Channel {
	return &noop{}
}

func (n *noop) Broadcast(string, int64) error { return nil }

func (n *noop) OnUpdate(fn func(Message)) func() { return n.add(fn) }

func (n *noop) Close() error { return nil }

// inbox delivers queued messages in order on its own goroutine so that a slow
// handler never blocks the sender.
type inbox struct {
	mu     sync.Mutex
	queue  []Message
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newInbox(deliver func(Message)) *inbox {
	in := &inbox{signal: make(chan struct{}, 1), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-in.done:
				return
			case <-in.signal:
			}
			for {
				in.mu.Lock()
				if len(in.queue) == 0 {
					in.mu.Unlock()
					break
				}
				m := in.queue[0]
				in.queue = in.queue[1:]
				in.mu.Unlock()
				deliver(m)
			}
		}
	}()
	return in
}

func (in *inbox) push(m Message) {
	in.mu.Lock()
	in.queue = append(in.queue, m)
	in.mu.Unlock()
	select {
	case in.signal <- struct{}{}:
	default:
	}
}

// close stops delivery. Messages still queued are dropped.
func (in *inbox) close() {
	in.once.Do(func() { close(in.done) })
}
