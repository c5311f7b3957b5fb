// Package eventbus is the in-process publish/subscribe used to tell every
// consumer in a tab that data changed.
//
// Emit delivers synchronously to the subscribers registered at the time of the
// call. EmitDebounced and EmitThrottled deliver later from a timer goroutine.
// A panicking handler is recovered and logged so it cannot starve the others.
package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/surrealdb/surrealshop/internal/logger"
)

const (
	EventEntityUpdated  = "entity-updated"
	EventForceReload    = "force-reload"
	EventBannersReload  = "banners-reload"
	EventStorageChanged = "storage-changed"
	EventAdminNotice    = "admin-notice"
)

// minimumThrottle guards reload events that can retrigger themselves.
var minimumThrottle = map[string]time.Duration{
	EventForceReload:   time.Second,
	EventBannersReload: 500 * time.Millisecond,
}

// MinimumThrottle returns the floor applied to EmitThrottled for name.
func MinimumThrottle(name string) time.Duration {
	return minimumThrottle[name]
}

type Handler func(data any)

// Subscription identifies one registered handler.
type Subscription struct {
	bus  *Bus
	name string
	id   uint64
}

// Unsubscribe removes the handler. It is safe to call more than once.
func (s Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.Unsubscribe(s.name, s)
	}
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type throttleState struct {
	last    time.Time
	timer   *time.Timer
	pending any
}

type Bus struct {
	mu       sync.Mutex
	handlers map[string][]handlerEntry
	nextID   uint64
	debounce map[string]*time.Timer
	throttle map[string]*throttleState
	closed   bool

	log logger.Logger
	now func() time.Time
}

type Option func(*Bus)

func WithLogger(l logger.Logger) Option {
	return func(b *Bus) { b.log = logger.OrNop(l) }
}

func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]handlerEntry),
		debounce: make(map[string]*time.Timer),
		throttle: make(map[string]*throttleState),
		log:      logger.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Subscribe(name string, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[name] = append(b.handlers[name], handlerEntry{id: b.nextID, fn: fn})
	return Subscription{bus: b, name: name, id: b.nextID}
}

func (b *Bus) Unsubscribe(name string, sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[name]
	for i, h := range list {
		if h.id == sub.id {
			next := make([]handlerEntry, 0, len(list)-1)
			next = append(next, list[:i]...)
			b.handlers[name] = append(next, list[i+1:]...)
			break
		}
	}
	if len(b.handlers[name]) == 0 {
		delete(b.handlers, name)
	}
}

// Emit calls every current subscriber of name, in subscription order.
func (b *Bus) Emit(name string, data any) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	list := b.handlers[name]
	b.mu.Unlock()

	for _, h := range list {
		b.call(name, h, data)
	}
}

func (b *Bus) call(name string, h handlerEntry, data any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "event", name, "error", fmt.Sprint(r))
		}
	}()
	h.fn(data)
}

// EmitDebounced restarts the per-name timer; only the last call inside the
// window is delivered.
func (b *Bus) EmitDebounced(name string, data any, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if t, ok := b.debounce[name]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		b.mu.Lock()
		if b.debounce[name] != t {
			b.mu.Unlock()
			return
		}
		delete(b.debounce, name)
		b.mu.Unlock()
		b.Emit(name, data)
	})
	b.debounce[name] = t
}

// EmitThrottled delivers at once when the interval since the last delivery of
// name has elapsed. Otherwise it schedules a single trailing delivery that
// carries the most recent data. The interval never drops below the name's
// minimum.
func (b *Bus) EmitThrottled(name string, data any, interval time.Duration) {
	if floor := minimumThrottle[name]; interval < floor {
		interval = floor
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	st, ok := b.throttle[name]
	if !ok {
		st = &throttleState{}
		b.throttle[name] = st
	}
	now := b.now()
	if st.timer == nil && (st.last.IsZero() || now.Sub(st.last) >= interval) {
		st.last = now
		b.mu.Unlock()
		b.Emit(name, data)
		return
	}

	st.pending = data
	if st.timer == nil {
		wait := interval - now.Sub(st.last)
		st.timer = time.AfterFunc(wait, func() {
			b.mu.Lock()
			if b.closed {
				b.mu.Unlock()
				return
			}
			latest := st.pending
			st.pending = nil
			st.timer = nil
			st.last = b.now()
			b.mu.Unlock()
			b.Emit(name, latest)
		})
	}
	b.mu.Unlock()
}

// Close stops pending timers. Later emits are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for name, t := range b.debounce {
		t.Stop()
		delete(b.debounce, name)
	}
	for _, st := range b.throttle {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
}

// Notice is the payload of EventAdminNotice, shown to the operator as a toast.
type Notice struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}
