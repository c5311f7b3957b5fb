package remote

import (
	"sync"

	"github.com/surrealdb/surrealshop/internal/logger"
)

type listenerKey struct {
	collection string
	id         string
}

// listener forwards one live change stream to one callback.
type listener struct {
	key       listenerKey
	changes   <-chan Change
	stopWatch func()
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func (r *listener) stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.stopWatch != nil {
			r.stopWatch()
		}
	})
}

func (r *listener) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// Listeners keeps at most one live listener per (collection, id). Attaching a
// new listener for a key stops the previous one first, so repeated
// subscriptions never stack up live queries.
type Listeners struct {
	mu     sync.Mutex
	routes map[listenerKey]*listener
	log    logger.Logger
}

func NewListeners(log logger.Logger) *Listeners {
	return &Listeners{
		routes: make(map[listenerKey]*listener),
		log:    logger.OrNop(log),
	}
}

// Attach routes changes to fn until the returned detach is called or another
// listener is attached for the same key. stopWatch releases the underlying
// change stream.
func (l *Listeners) Attach(collection, id string, changes <-chan Change, stopWatch func(), fn func(Change)) (detach func()) {
	key := listenerKey{collection: collection, id: id}
	r := &listener{
		key:       key,
		changes:   changes,
		stopWatch: stopWatch,
		stopCh:    make(chan struct{}),
	}

	l.mu.Lock()
	old := l.routes[key]
	l.routes[key] = r
	l.mu.Unlock()

	if old != nil {
		l.log.Debug("replacing remote listener", "collection", collection, "id", id)
		old.stop()
	}
	if changes != nil {
		go l.route(r, fn)
	}

	return func() {
		l.mu.Lock()
		if l.routes[key] == r {
			delete(l.routes, key)
		}
		l.mu.Unlock()
		r.stop()
	}
}

// Stop detaches the listener for collection/id, if any, and waits for its
// change stream to be released.
func (l *Listeners) Stop(collection, id string) {
	key := listenerKey{collection: collection, id: id}
	l.mu.Lock()
	old := l.routes[key]
	delete(l.routes, key)
	l.mu.Unlock()
	if old != nil {
		l.log.Debug("replacing remote listener", "collection", collection, "id", id)
		old.stop()
	}
}

func (l *Listeners) route(r *listener, fn func(Change)) {
	for {
		select {
		case change, ok := <-r.changes:
			if !ok {
				l.log.Debug("remote change stream closed", "collection", r.key.collection, "id", r.key.id)
				return
			}
			if r.stopped() {
				return
			}
			fn(change)
		case <-r.stopCh:
			return
		}
	}
}

// Len counts attached listeners.
func (l *Listeners) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.routes)
}

// Close stops every listener.
func (l *Listeners) Close() {
	l.mu.Lock()
	routes := l.routes
	l.routes = make(map[listenerKey]*listener)
	l.mu.Unlock()

	for _, r := range routes {
		r.stop()
	}
}
