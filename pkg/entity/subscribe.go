package entity

import (
	"context"
	"errors"

	"github.com/surrealdb/surrealshop/pkg/broadcast"
	"github.com/surrealdb/surrealshop/pkg/eventbus"
	"github.com/surrealdb/surrealshop/pkg/localcache"
	"github.com/surrealdb/surrealshop/pkg/models"
	"github.com/surrealdb/surrealshop/pkg/remote"
)

// Subscribe calls fn for every change of this kind seen by the tab, whatever
// its source: local saves, writes by tabs sharing the cache, broadcast hints
// and remote pushes. A change is delivered once even when several sources
// report it, and changes that lose against the value already delivered are
// dropped. The returned function unsubscribes; sources are released with the
// last subscriber.
func (r *Repository[E]) Subscribe(fn func(Change[E])) func() {
	r.subMu.Lock()
	r.nextSub++
	id := r.nextSub
	r.subs[id] = fn
	first := len(r.subs) == 1
	r.subMu.Unlock()

	if first {
		stop := r.startSources()
		r.subMu.Lock()
		if len(r.subs) == 0 {
			// Everyone left while the sources were starting.
			r.subMu.Unlock()
			stop()
			return func() {}
		}
		r.stop = stop
		r.subMu.Unlock()
	}

	var done bool
	return func() {
		r.subMu.Lock()
		if done {
			r.subMu.Unlock()
			return
		}
		done = true
		delete(r.subs, id)
		var stop func()
		if len(r.subs) == 0 {
			stop, r.stop = r.stop, nil
		}
		r.subMu.Unlock()
		if stop != nil {
			stop()
		}
	}
}

func (r *Repository[E]) startSources() func() {
	r.knownMu.Lock()
	r.known = make(map[string]models.Meta)
	r.knownMu.Unlock()
	for _, e := range r.LoadAll() {
		r.remember(e.EntityID(), *e.Metadata())
	}

	sub := r.bus.Subscribe(eventbus.EventEntityUpdated, r.onLocal)
	offBroadcast := r.channel.OnUpdate(r.onBroadcast)
	offRemote := r.adapter.ListenChanges(string(r.kind), "", r.onRemote)

	ctx, cancel := context.WithCancel(context.Background())
	changes, err := r.cache.Watch(ctx, localcache.WatchOptions{Interval: r.poll})
	if err != nil {
		r.log.Warn("local cache watch failed, other tabs' writes will arrive by broadcast only",
			"kind", r.kind, "error", err)
	} else {
		go func() {
			for c := range changes {
				r.onStorage(c)
			}
		}()
	}

	return func() {
		cancel()
		offRemote()
		offBroadcast()
		sub.Unsubscribe()
	}
}

func (r *Repository[E]) remember(id string, meta models.Meta) {
	r.knownMu.Lock()
	r.known[id] = meta
	r.knownMu.Unlock()
}

// onLocal handles bus events, which also carry what the other sources merged.
func (r *Repository[E]) onLocal(data any) {
	u, ok := data.(Updated)
	if !ok || u.Kind != r.kind {
		return
	}
	if u.Removed {
		r.deliverRemoved(u.ID, sourceOr(u.Source))
		return
	}
	e, ok := r.Get(u.ID)
	if !ok {
		return
	}
	r.deliver(e, sourceOr(u.Source))
}

func sourceOr(s Source) Source {
	if s == "" {
		return SourceLocal
	}
	return s
}

// onStorage handles writes by another tab to the shared cache.
func (r *Repository[E]) onStorage(c localcache.Change) {
	if c.Key != r.key {
		return
	}
	r.bus.Emit(eventbus.EventStorageChanged, c.Key)

	list, _, err := r.read()
	if err != nil {
		r.log.Warn("ignoring malformed list written by another tab", "key", r.key, "error", err)
		return
	}
	present := make(map[string]struct{}, len(list))
	for _, e := range list {
		present[e.EntityID()] = struct{}{}
		r.deliver(e, SourceStorage)
	}

	r.knownMu.Lock()
	var gone []string
	for id := range r.known {
		if _, ok := present[id]; !ok {
			gone = append(gone, id)
		}
	}
	r.knownMu.Unlock()
	for _, id := range gone {
		r.deliverRemoved(id, SourceStorage)
	}
}

// onBroadcast re-reads an entity announced by another tab: from the cache
// when it already holds that version, from the remote store otherwise.
func (r *Repository[E]) onBroadcast(m broadcast.Message) {
	r.knownMu.Lock()
	known, seen := r.known[m.ID]
	r.knownMu.Unlock()
	if seen && m.Version <= known.Version {
		return
	}

	cached, ok := r.Get(m.ID)
	if ok && cached.Metadata().Version >= m.Version {
		r.deliver(cached, SourceBroadcast)
		return
	}

	doc, err := r.adapter.Fetch(context.Background(), string(r.kind), m.ID)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		if !ok {
			r.deliverRemoved(m.ID, SourceBroadcast)
		}
		return
	case err != nil:
		r.log.Debug("broadcast hint not resolved", "kind", r.kind, "id", m.ID, "version", m.Version, "error", err)
		return
	}
	e, valid := r.decode(doc)
	if !valid {
		return
	}
	for _, changed := range r.mergeRemote([]E{e}) {
		meta := changed.Metadata()
		r.markSynced(changed.EntityID(), meta.Version)
		r.publish(Updated{Kind: r.kind, ID: changed.EntityID(), Version: meta.Version, Origin: meta.Origin, Source: SourceBroadcast})
	}
}

// onRemote merges documents pushed by the remote store. Echoes of this tab's
// own writes are not newer than the cached value and stop here.
func (r *Repository[E]) onRemote(c remote.Change) {
	if c.Action == remote.ActionDelete {
		removed, version, err := r.removeLocal(c.ID)
		if err != nil {
			r.log.Warn("applying remote delete failed", "kind", r.kind, "id", c.ID, "error", err)
			return
		}
		if removed {
			r.forgetStatus(c.ID)
			r.publish(Updated{Kind: r.kind, ID: c.ID, Version: version + 1, Removed: true, Source: SourceRemote})
		}
		return
	}
	if c.Doc == nil {
		return
	}
	e, ok := r.decode(c.Doc)
	if !ok {
		return
	}
	for _, changed := range r.mergeRemote([]E{e}) {
		meta := changed.Metadata()
		r.markSynced(changed.EntityID(), meta.Version)
		r.publish(Updated{Kind: r.kind, ID: changed.EntityID(), Version: meta.Version, Origin: meta.Origin, Source: SourceRemote})
	}
}

func (r *Repository[E]) deliver(e E, src Source) {
	id := e.EntityID()
	meta := *e.Metadata()
	r.knownMu.Lock()
	if prev, ok := r.known[id]; ok && !meta.Newer(prev) {
		r.knownMu.Unlock()
		return
	}
	r.known[id] = meta
	r.knownMu.Unlock()

	r.dispatch(Change[E]{ID: id, Entity: e, Source: src})
}

func (r *Repository[E]) deliverRemoved(id string, src Source) {
	r.knownMu.Lock()
	if _, ok := r.known[id]; !ok {
		r.knownMu.Unlock()
		return
	}
	delete(r.known, id)
	r.knownMu.Unlock()

	r.dispatch(Change[E]{ID: id, Removed: true, Source: src})
}

func (r *Repository[E]) dispatch(c Change[E]) {
	r.subMu.Lock()
	fns := make([]func(Change[E]), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
