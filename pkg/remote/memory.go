package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type MemoryOptions struct {
	// MaxDocumentBytes makes Put reject larger documents the way a hosted
	// store would. Zero disables the check.
	MaxDocumentBytes int
	// Latency delays every Put, which widens the window for overlapping writes.
	Latency time.Duration
}

// MemoryStore is an in-process Store with live changes and fault injection.
// Documents are copied through the wire encoding on the way in and out.
type MemoryStore struct {
	opts MemoryOptions

	mu       sync.Mutex
	docs     map[string]map[string]Document
	watchers map[*memoryWatch]struct{}
	offline  bool
	failures []error
	closed   bool

	puts        int
	gets        int
	inFlight    map[listenerKey]int
	maxInFlight int
	maxWatchers int
}

type memoryWatch struct {
	collection string
	id         string
	ch         chan Change
}

func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	return &MemoryStore{
		opts:     opts,
		docs:     make(map[string]map[string]Document),
		watchers: make(map[*memoryWatch]struct{}),
		inFlight: make(map[listenerKey]int),
	}
}

// SetOffline makes Available report false and every call fail with
// ErrUnavailable.
func (s *MemoryStore) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailNext queues errors returned by the next calls, one per call.
func (s *MemoryStore) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

func (s *MemoryStore) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.offline && !s.closed
}

// Puts counts successful writes.
func (s *MemoryStore) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// Gets counts single-document reads that reached the store.
func (s *MemoryStore) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

// MaxConcurrentPuts is the highest number of overlapping writes seen for a
// single document.
func (s *MemoryStore) MaxConcurrentPuts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// check must be called with s.mu held.
func (s *MemoryStore) check() error {
	if s.closed {
		return ErrClosed
	}
	if s.offline {
		return ErrUnavailable
	}
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return err
	}
	return nil
}

func (s *MemoryStore) Put(ctx context.Context, collection, id string, doc Document) error {
	key := listenerKey{collection: collection, id: id}
	s.mu.Lock()
	if err := s.check(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.inFlight[key]++
	if s.inFlight[key] > s.maxInFlight {
		s.maxInFlight = s.inFlight[key]
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight[key]--
		s.mu.Unlock()
	}()

	if s.opts.Latency > 0 {
		t := time.NewTimer(s.opts.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	if s.opts.MaxDocumentBytes > 0 {
		size, err := DocumentSize(doc)
		if err != nil {
			return err
		}
		if size > s.opts.MaxDocumentBytes {
			return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, size)
		}
	}
	stored, err := cloneDocument(withID(doc, id))
	if err != nil {
		return fmt.Errorf("store %s/%s: %w", collection, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	table := s.docs[collection]
	if table == nil {
		table = make(map[string]Document)
		s.docs[collection] = table
	}
	action := ActionCreate
	if _, ok := table[id]; ok {
		action = ActionUpdate
	}
	table[id] = stored
	s.puts++
	notified, err := cloneDocument(stored)
	if err != nil {
		return fmt.Errorf("store %s/%s: %w", collection, id, err)
	}
	s.notify(Change{Collection: collection, ID: id, Action: action, Doc: notified})
	return nil
}

func (s *MemoryStore) Get(_ context.Context, collection, id string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	s.gets++
	doc, ok := s.docs[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(doc)
}

func (s *MemoryStore) List(_ context.Context, collection string) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(s.docs[collection]))
	for id := range s.docs[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		doc, err := cloneDocument(s.docs[collection][id])
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, ok := s.docs[collection][id]; !ok {
		return nil
	}
	delete(s.docs[collection], id)
	s.notify(Change{Collection: collection, ID: id, Action: ActionDelete})
	return nil
}

func (s *MemoryStore) Watch(_ context.Context, collection, id string) (<-chan Change, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, nil, err
	}
	w := &memoryWatch{collection: collection, id: id, ch: make(chan Change, 64)}
	s.watchers[w] = struct{}{}
	if len(s.watchers) > s.maxWatchers {
		s.maxWatchers = len(s.watchers)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.watchers[w]; ok {
				delete(s.watchers, w)
				close(w.ch)
			}
		})
	}
	return w.ch, stop, nil
}

// Watchers counts open change streams.
func (s *MemoryStore) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// MaxWatchers is the highest number of change streams open at once.
func (s *MemoryStore) MaxWatchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxWatchers
}

// notify must be called with s.mu held. Slow watchers lose changes rather
// than stall writers.
func (s *MemoryStore) notify(change Change) {
	for w := range s.watchers {
		if w.collection != change.Collection || (w.id != "" && w.id != change.ID) {
			continue
		}
		select {
		case w.ch <- change:
		default:
		}
	}
}

func (s *MemoryStore) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for w := range s.watchers {
		close(w.ch)
	}
	s.watchers = make(map[*memoryWatch]struct{})
	return nil
}
