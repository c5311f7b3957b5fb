package localcache

import (
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	value    []byte
	modified time.Time
}

// MemoryBackend keeps entries in process memory. A non-zero capacity turns it
// into a hard-limited store that fails writes the way a browser store does
// when its quota is hit.
type MemoryBackend struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	capacity  int64
	used      int64
	closed    bool
	listeners map[int]func(string)
	nextID    int
	now       func() time.Time
}

type MemoryOption func(*MemoryBackend)

// WithCapacity makes Put fail with ErrQuotaExceeded once the stored bytes
// would exceed n.
func WithCapacity(n int64) MemoryOption {
	return func(m *MemoryBackend) { m.capacity = n }
}

// WithClock overrides the modification clock.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryBackend) { m.now = now }
}

func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		entries:   make(map[string]memoryEntry),
		listeners: make(map[int]func(string)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryBackend) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *MemoryBackend) Put(key string, value []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var old int64
	if e, ok := m.entries[key]; ok {
		old = entrySize(key, e.value)
	}
	next := m.used - old + entrySize(key, value)
	if m.capacity > 0 && next > m.capacity {
		m.mu.Unlock()
		return ErrQuotaExceeded
	}
	m.entries[key] = memoryEntry{value: append([]byte(nil), value...), modified: m.now()}
	m.used = next
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(key)
	}
	return nil
}

func (m *MemoryBackend) Delete(key string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if e, ok := m.entries[key]; ok {
		delete(m.entries, key)
		m.used -= entrySize(key, e.value)
	}
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(key)
	}
	return nil
}

func (m *MemoryBackend) Entries() ([]EntryInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]EntryInfo, 0, len(m.entries))
	for k, e := range m.entries {
		out = append(out, EntryInfo{Key: k, Size: entrySize(k, e.value), Modified: e.modified})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Notify registers fn for every Put and Delete, including deletes of absent
// keys. fn runs on the writer's goroutine, after the write is visible.
func (m *MemoryBackend) Notify(fn func(key string)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.listeners = map[int]func(string){}
	return nil
}

func (m *MemoryBackend) snapshotListeners() []func(string) {
	out := make([]func(string), 0, len(m.listeners))
	for _, fn := range m.listeners {
		out = append(out, fn)
	}
	return out
}

// entrySize counts key and value bytes, matching how browser stores charge quota.
func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}
