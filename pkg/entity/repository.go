package entity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/surrealdb/surrealshop/internal/logger"
	"github.com/surrealdb/surrealshop/pkg/broadcast"
	"github.com/surrealdb/surrealshop/pkg/eventbus"
	"github.com/surrealdb/surrealshop/pkg/localcache"
	"github.com/surrealdb/surrealshop/pkg/models"
	"github.com/surrealdb/surrealshop/pkg/remote"
)

// resyncWorkers bounds the entities one Resync pass writes at once.
const resyncWorkers = 4

// hooks keep denormalized copies in step with the primary list. They run with
// Repository.mu held.
type hooks[E models.Entity] struct {
	written func(prev E, hadPrev bool, next E)
	removed func(id string)
}

// Repository stores one entity kind as a JSON list under the kind's cache key
// and mirrors it to the remote collection of the same name.
type Repository[E models.Entity] struct {
	kind     models.Kind
	key      string
	newE     func() E
	defaults func() []E
	hooks    hooks[E]

	cache   *localcache.Cache
	bus     *eventbus.Bus
	channel broadcast.Channel
	adapter *remote.Adapter
	log     logger.Logger
	tab     string
	poll    time.Duration

	resyncTimeout time.Duration

	// mu serializes this tab's read-modify-write cycles on cached lists.
	// Other tabs are not coordinated with; they re-read before overwriting.
	mu sync.Mutex

	statusMu sync.Mutex
	status   map[string]SyncStatus
	// pending is the version whose sync outcome decides the status.
	pending map[string]int64

	wg sync.WaitGroup

	subMu   sync.Mutex
	subs    map[uint64]func(Change[E])
	nextSub uint64
	stop    func()

	knownMu sync.Mutex
	known   map[string]models.Meta
}

func newRepository[E models.Entity](kind models.Kind, newE func() E, defaults func() []E, deps Deps) *Repository[E] {
	deps = deps.withDefaults()
	return &Repository[E]{
		kind:     kind,
		key:      string(kind),
		newE:     newE,
		defaults: defaults,
		cache:    deps.Cache,
		bus:      deps.Bus,
		channel:  deps.Channel,
		adapter:  deps.Adapter,
		log:      deps.Logger,
		tab:      deps.TabID,
		poll:     deps.PollInterval,
		status:   make(map[string]SyncStatus),
		pending:  make(map[string]int64),
		subs:     make(map[uint64]func(Change[E])),
		known:    make(map[string]models.Meta),

		resyncTimeout: deps.ResyncTimeout,
	}
}

func (r *Repository[E]) Kind() models.Kind { return r.kind }

// Key is the local cache key of the primary list.
func (r *Repository[E]) Key() string { return r.key }

func (r *Repository[E]) TabID() string { return r.tab }

// read returns the cached list. ok is false when nothing is cached.
func (r *Repository[E]) read() (list []E, ok bool, err error) {
	raw, ok := r.cache.Get(r.key)
	if !ok {
		return nil, false, nil
	}
	list, err = models.DecodeEntities[E]([]byte(raw))
	return list, true, err
}

// LoadAll returns the cached list. An empty cache is seeded with the default
// set once; a malformed cache yields the defaults and is left for the next
// successful write to replace.
func (r *Repository[E]) LoadAll() []E {
	list, ok, err := r.read()
	if ok && err == nil {
		return list
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *Repository[E]) loadLocked() []E {
	list, ok, err := r.read()
	switch {
	case ok && err == nil:
		return list
	case ok:
		r.log.Warn("cached list is malformed, using defaults", "key", r.key, "error", err)
		return r.defaults()
	}

	seed := r.defaults()
	if err := r.cache.SetJSON(r.key, seed); err != nil {
		r.log.Warn("seeding local cache failed", "key", r.key, "error", err)
		return seed
	}
	if r.hooks.written != nil {
		var zero E
		for _, e := range seed {
			r.hooks.written(zero, false, e)
		}
	}
	r.log.Debug("seeded local cache with defaults", "key", r.key, "count", len(seed))
	return seed
}

func indexOf[E models.Entity](list []E, id string) int {
	for i, e := range list {
		if e.EntityID() == id {
			return i
		}
	}
	return -1
}

func (r *Repository[E]) Get(id string) (E, bool) {
	list := r.LoadAll()
	if i := indexOf(list, id); i >= 0 {
		return list[i], true
	}
	var zero E
	return zero, false
}

// Save writes e locally, tells this tab and the others, and syncs it to the
// remote store in the background. Only local failures are returned; they are
// also published as an admin notice. The version, update time and origin of
// e are stamped here.
func (r *Repository[E]) Save(ctx context.Context, e E) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("save %s: %w", r.kind, err)
	}
	id := e.EntityID()

	r.mu.Lock()
	list := r.loadLocked()
	i := indexOf(list, id)

	var prev E
	meta := e.Metadata()
	base := meta.Version
	if i >= 0 {
		prev = list[i]
		if v := prev.Metadata().Version; v > base {
			base = v
		}
	}
	meta.Version = base + 1
	meta.UpdatedAt = time.Now().UTC()
	meta.Origin = r.tab

	next := make([]E, 0, len(list)+1)
	next = append(next, list...)
	if i >= 0 {
		next[i] = e
	} else {
		next = append(next, e)
	}
	if err := r.cache.SetJSON(r.key, next); err != nil {
		r.mu.Unlock()
		r.notice("error", fmt.Sprintf("Could not save %s %q locally: %v", r.kind, id, err))
		return fmt.Errorf("save %s %q: %w", r.kind, id, err)
	}
	if r.hooks.written != nil {
		r.hooks.written(prev, i >= 0, e)
	}
	r.mu.Unlock()

	version := meta.Version
	r.publish(Updated{Kind: r.kind, ID: id, Version: version, Origin: r.tab, Source: SourceLocal})
	if err := r.channel.Broadcast(id, version); err != nil {
		r.log.Warn("broadcast failed", "kind", r.kind, "id", id, "error", err)
	}
	r.syncAsync(ctx, r.clone(e), version)
	return nil
}

// clone detaches the value handed to the background sync from the caller's.
func (r *Repository[E]) clone(e E) E {
	data, err := models.Encode(e)
	if err != nil {
		return e
	}
	out := r.newE()
	if err := models.Decode(data, out); err != nil {
		return e
	}
	return out
}

func (r *Repository[E]) publish(u Updated) {
	r.bus.Emit(eventbus.EventEntityUpdated, u)
	if r.kind == models.KindBanner {
		r.bus.EmitThrottled(eventbus.EventBannersReload, u.ID, 0)
	}
}

func (r *Repository[E]) notice(level, msg string) {
	r.bus.Emit(eventbus.EventAdminNotice, eventbus.Notice{Level: level, Message: msg})
}

func (r *Repository[E]) syncAsync(ctx context.Context, e E, version int64) {
	id := e.EntityID()
	if !r.adapter.Available() {
		r.setStatus(id, Unsynced, version)
		return
	}
	r.setStatus(id, Syncing, version)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.sync(context.WithoutCancel(ctx), e, version)
	}()
}

func (r *Repository[E]) sync(ctx context.Context, e E, version int64) error {
	id := e.EntityID()
	status, err := r.adapter.SyncEntity(ctx, e)
	switch status {
	case remote.StatusWritten, remote.StatusQueued:
		if err == nil {
			r.finish(id, version, Synced)
			return nil
		}
	case remote.StatusRejected:
		r.notice("warning", fmt.Sprintf("%s %q is too large to sync and is kept on this device only", r.kind, id))
	}
	r.finish(id, version, Unsynced)
	r.log.Warn("remote sync failed, keeping local value",
		"kind", r.kind, "id", id, "version", version, "status", status.String(), "error", err)
	return err
}

func (r *Repository[E]) setStatus(id string, s SyncStatus, version int64) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.status[id] = s
	r.pending[id] = version
}

// finish records the outcome of syncing version, unless a newer save has
// taken over the status since.
func (r *Repository[E]) finish(id string, version int64, s SyncStatus) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	if r.pending[id] == version {
		r.status[id] = s
	}
}

// markSynced records that version came from the remote store.
func (r *Repository[E]) markSynced(id string, version int64) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	if r.pending[id] <= version {
		r.status[id] = Synced
		r.pending[id] = version
	}
}

func (r *Repository[E]) tracked(id string) bool {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	_, ok := r.status[id]
	return ok
}

// claimUnsynced marks id unsynced unless a save or sync tracked it meanwhile.
func (r *Repository[E]) claimUnsynced(id string, version int64) bool {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	if _, ok := r.status[id]; ok {
		return false
	}
	r.status[id] = Unsynced
	r.pending[id] = version
	return true
}

func (r *Repository[E]) forgetStatus(id string) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	delete(r.status, id)
	delete(r.pending, id)
}

// Status is Unsynced for entities this tab never synced.
func (r *Repository[E]) Status(id string) SyncStatus {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	return r.status[id]
}

// Statuses returns the status of every entity this tab has tracked.
func (r *Repository[E]) Statuses() map[string]SyncStatus {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	out := make(map[string]SyncStatus, len(r.status))
	for id, s := range r.status {
		out[id] = s
	}
	return out
}

func (r *Repository[E]) unsynced() []string {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	var ids []string
	for id, s := range r.status {
		if s == Unsynced {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until background syncs started by Save have finished.
func (r *Repository[E]) Wait() {
	r.wg.Wait()
}

// Resync retries every entity whose last sync failed, a few at a time and
// paced by the adapter's retryer. A pass ends after the resync timeout; what
// is left stays unsynced for the next one.
func (r *Repository[E]) Resync(ctx context.Context) error {
	ids := r.unsynced()
	if len(ids) == 0 {
		return nil
	}
	if !r.adapter.Available() {
		return remote.ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, r.resyncTimeout)
	defer cancel()

	var (
		mu   sync.Mutex
		errs []error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(resyncWorkers)
	for _, id := range ids {
		e, ok := r.Get(id)
		if !ok {
			r.forgetStatus(id)
			continue
		}
		g.Go(func() error {
			version := e.Metadata().Version
			r.setStatus(id, Syncing, version)
			err := remote.Retry(ctx, r.adapter.Retryer(), func(ctx context.Context) error {
				_, err := r.adapter.SyncEntity(ctx, e)
				return err
			})
			if err != nil {
				r.finish(id, version, Unsynced)
				mu.Lock()
				errs = append(errs, fmt.Errorf("resync %s %q: %w", r.kind, id, err))
				mu.Unlock()
				return nil
			}
			r.finish(id, version, Synced)
			r.log.Info("resynced entity", "kind", r.kind, "id", id, "version", version)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Reconcile checks every locally edited entity this tab holds no sync status
// for against its remote copy. Entities missing remotely or older there are
// marked unsynced for the next Resync and identical ones synced. It returns
// how many were marked unsynced.
//
// Remote deletes leave no tombstone, so an edited entity another tab cleared
// is written back.
func (r *Repository[E]) Reconcile(ctx context.Context) (int, error) {
	if !r.adapter.Available() {
		return 0, remote.ErrUnavailable
	}
	var marked int
	var errs []error
	for _, e := range r.LoadAll() {
		id := e.EntityID()
		meta := *e.Metadata()
		if meta.Version == 0 || r.tracked(id) {
			continue
		}
		doc, err := r.adapter.Fetch(ctx, string(r.kind), id)
		switch {
		case errors.Is(err, remote.ErrNotFound):
		case err != nil:
			errs = append(errs, fmt.Errorf("reconcile %s %q: %w", r.kind, id, err))
			continue
		default:
			if theirs, ok := r.decode(doc); ok {
				if meta.Same(*theirs.Metadata()) {
					r.markSynced(id, meta.Version)
					continue
				}
				if !meta.Newer(*theirs.Metadata()) {
					// Refresh pulls it.
					continue
				}
			}
		}
		if r.claimUnsynced(id, meta.Version) {
			marked++
		}
	}
	return marked, errors.Join(errs...)
}

// Refresh pulls the remote collection and keeps every remote entity that is
// newer than the local one. It returns how many entities changed.
func (r *Repository[E]) Refresh(ctx context.Context) (int, error) {
	if !r.adapter.Available() {
		return 0, remote.ErrUnavailable
	}
	docs := r.adapter.LoadEntities(ctx, string(r.kind))
	incoming := make([]E, 0, len(docs))
	for _, doc := range docs {
		if e, ok := r.decode(doc); ok {
			incoming = append(incoming, e)
		}
	}

	changed := r.mergeRemote(incoming)
	for _, e := range changed {
		meta := e.Metadata()
		r.markSynced(e.EntityID(), meta.Version)
		r.publish(Updated{Kind: r.kind, ID: e.EntityID(), Version: meta.Version, Origin: meta.Origin, Source: SourceRemote})
	}
	if len(changed) > 0 {
		r.bus.EmitThrottled(eventbus.EventForceReload, string(r.kind), 0)
	}
	return len(changed), nil
}

func (r *Repository[E]) decode(doc remote.Document) (E, bool) {
	e := r.newE()
	if err := models.FromDocument(doc, e); err != nil {
		r.log.Warn("ignoring malformed remote document", "kind", r.kind, "id", doc["id"], "error", err)
		var zero E
		return zero, false
	}
	return e, true
}

// mergeRemote stores every incoming entity that wins over the cached one and
// returns those.
func (r *Repository[E]) mergeRemote(incoming []E) []E {
	if len(incoming) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	list := append([]E(nil), r.loadLocked()...)
	type write struct {
		prev    E
		hadPrev bool
		next    E
	}
	var writes []write
	for _, in := range incoming {
		meta := *in.Metadata()
		if i := indexOf(list, in.EntityID()); i >= 0 {
			if !meta.Newer(*list[i].Metadata()) {
				continue
			}
			writes = append(writes, write{prev: list[i], hadPrev: true, next: in})
			list[i] = in
			continue
		}
		var zero E
		writes = append(writes, write{prev: zero, next: in})
		list = append(list, in)
	}
	if len(writes) == 0 {
		return nil
	}
	if err := r.cache.SetJSON(r.key, list); err != nil {
		r.log.Warn("storing remote changes locally failed", "kind", r.kind, "error", err)
		return nil
	}

	changed := make([]E, 0, len(writes))
	for _, w := range writes {
		if r.hooks.written != nil {
			r.hooks.written(w.prev, w.hadPrev, w.next)
		}
		changed = append(changed, w.next)
	}
	return changed
}

// removeLocal drops id from every cached location and reports whether the
// primary list held it.
func (r *Repository[E]) removeLocal(id string) (removed bool, version int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.loadLocked()
	if i := indexOf(list, id); i >= 0 {
		version = list[i].Metadata().Version
		next := make([]E, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if err := r.cache.SetJSON(r.key, next); err != nil {
			return false, version, err
		}
		removed = true
	}
	if r.hooks.removed != nil {
		r.hooks.removed(id)
	}
	return removed, version, nil
}

// Clear removes id from every location that may hold a copy: the cached
// primary list, denormalized lists and the remote document. Other tabs are
// told through the broadcast channel.
func (r *Repository[E]) Clear(ctx context.Context, id string) error {
	_, version, err := r.removeLocal(id)
	if err != nil {
		r.notice("error", fmt.Sprintf("Could not clear %s %q locally: %v", r.kind, id, err))
		return fmt.Errorf("clear %s %q: %w", r.kind, id, err)
	}
	r.forgetStatus(id)

	r.publish(Updated{Kind: r.kind, ID: id, Version: version + 1, Origin: r.tab, Removed: true, Source: SourceLocal})
	if err := r.channel.Broadcast(id, version+1); err != nil {
		r.log.Warn("broadcast failed", "kind", r.kind, "id", id, "error", err)
	}

	if !r.adapter.Available() {
		return nil
	}
	if err := r.adapter.Delete(ctx, string(r.kind), id); err != nil {
		return fmt.Errorf("clear %s %q remotely: %w", r.kind, id, err)
	}
	return nil
}

// updateList rewrites a secondary list after re-reading it. Empty lists are
// removed. Must be called with r.mu held.
func (r *Repository[E]) updateList(key string, fn func([]E) []E) {
	var list []E
	if raw, ok := r.cache.Get(key); ok {
		decoded, err := models.DecodeEntities[E]([]byte(raw))
		if err != nil {
			r.log.Warn("rebuilding malformed cached list", "key", key, "error", err)
		} else {
			list = decoded
		}
	}
	next := fn(list)
	if len(next) == 0 {
		r.cache.Remove(key)
		return
	}
	if err := r.cache.SetJSON(key, next); err != nil {
		r.log.Warn("updating cached list failed", "key", key, "error", err)
	}
}
