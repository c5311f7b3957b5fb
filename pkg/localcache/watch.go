package localcache

import (
	"context"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval matches the re-check period of the polling fallback.
const DefaultPollInterval = time.Second

// Change reports that another writer touched a key of this namespace.
type Change struct {
	Key     string
	Removed bool
}

type WatchOptions struct {
	// Interval is the polling period when neither push notifications nor
	// file events are available.
	Interval time.Duration
	// ForcePoll skips push and file events.
	ForcePoll bool
}

type watcher struct {
	// own counts writes issued through this Cache that the watcher must not
	// report back, and last holds what the latest of them left in the key.
	// Both are guarded by Cache.ownMu.
	own  map[string]int
	last map[string]fingerprint

	mu      sync.Mutex
	pending map[string]struct{}
	signal  chan struct{}
}

func (w *watcher) mark(key string) {
	w.mu.Lock()
	w.pending[key] = struct{}{}
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]string, 0, len(w.pending))
	for k := range w.pending {
		keys = append(keys, k)
	}
	w.pending = make(map[string]struct{})
	sort.Strings(keys)
	return keys
}

// Watch reports changes made to this namespace by other Cache handles or other
// processes. Writes made through c itself are not reported. Backends that
// push notifications are used directly; file backends are watched with
// fsnotify; everything else, or a failed fsnotify setup, falls back to polling.
// The channel closes when ctx is done.
func (c *Cache) Watch(ctx context.Context, opts WatchOptions) (<-chan Change, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	w := &watcher{
		own:     make(map[string]int),
		last:    make(map[string]fingerprint),
		pending: make(map[string]struct{}),
		signal:  make(chan struct{}, 1),
	}

	c.ownMu.Lock()
	c.watchers[w] = struct{}{}
	c.ownMu.Unlock()
	unregister := func() {
		c.ownMu.Lock()
		delete(c.watchers, w)
		c.ownMu.Unlock()
	}

	var stop func()
	notifier, canNotify := c.backend.(Notifier)
	filer, isFile := c.backend.(Filer)
	switch {
	case canNotify && !opts.ForcePoll:
		stop = notifier.Notify(func(full string) {
			if !strings.HasPrefix(full, c.ns) || c.takeOwn(w, full, false) {
				return
			}
			w.mark(full)
		})
	case isFile && !opts.ForcePoll:
		var err error
		if stop, err = c.watchFile(ctx, w, filer.Path()); err != nil {
			c.log.Warn("file watch unavailable, polling instead", "path", filer.Path(), "error", err)
			stop, err = c.poll(ctx, w, opts.Interval)
			if err != nil {
				unregister()
				return nil, err
			}
		}
	default:
		var err error
		if stop, err = c.poll(ctx, w, opts.Interval); err != nil {
			unregister()
			return nil, err
		}
	}

	out := make(chan Change, 16)
	go func() {
		defer close(out)
		defer func() {
			stop()
			unregister()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.signal:
			}
			for _, full := range w.drain() {
				_, ok, err := c.backend.Get(full)
				if err != nil {
					c.log.Warn("local cache watch read failed", "key", c.shortKey(full), "error", err)
					continue
				}
				select {
				case out <- Change{Key: c.shortKey(full), Removed: !ok}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// poll diffs entry stamps on a fixed interval.
func (c *Cache) poll(ctx context.Context, w *watcher, interval time.Duration) (func(), error) {
	snap, err := c.snapshot()
	if err != nil {
		return nil, fmt.Errorf("watch snapshot: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap = c.diff(w, snap)
			}
		}
	}()
	return cancel, nil
}

// watchFile diffs entry stamps whenever the backing file or its journal changes.
func (c *Cache) watchFile(ctx context.Context, w *watcher, path string) (func(), error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	snap, err := c.snapshot()
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch snapshot: %w", err)
	}

	base := filepath.Base(path)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if !strings.HasPrefix(filepath.Base(ev.Name), base) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				snap = c.diff(w, snap)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				c.log.Warn("file watch error", "path", path, "error", err)
			}
		}
	}()
	return func() {
		cancel()
		_ = fw.Close()
		<-done
	}, nil
}

type stamp struct {
	size     int64
	modified time.Time
}

func (c *Cache) snapshot() (map[string]stamp, error) {
	entries, err := c.entries()
	if err != nil {
		return nil, err
	}
	snap := make(map[string]stamp, len(entries))
	for _, e := range entries {
		snap[e.Key] = stamp{size: e.Size, modified: e.Modified}
	}
	return snap, nil
}

func (c *Cache) diff(w *watcher, prev map[string]stamp) map[string]stamp {
	next, err := c.snapshot()
	if err != nil {
		c.log.Warn("local cache watch snapshot failed", "error", err)
		return prev
	}
	for k, s := range next {
		if p, ok := prev[k]; ok && p.size == s.size && p.modified.Equal(s.modified) {
			continue
		}
		if !c.settled(w, k) {
			w.mark(k)
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok && !c.settled(w, k) {
			w.mark(k)
		}
	}
	return next
}

// fingerprint identifies a stored value, or its absence.
type fingerprint struct {
	present bool
	sum     uint64
}

func fingerprintOf(value []byte, present bool) fingerprint {
	if !present {
		return fingerprint{}
	}
	h := fnv.New64a()
	_, _ = h.Write(value)
	return fingerprint{present: true, sum: h.Sum64()}
}

// settled consumes the own writes a snapshot diff folded into one change and
// reports whether full still holds what this handle wrote last. When another
// writer touched the key within the same interval its value is found instead
// and the change is reported.
func (c *Cache) settled(w *watcher, full string) bool {
	c.ownMu.Lock()
	last, ok := w.last[full]
	c.ownMu.Unlock()
	if !c.takeOwn(w, full, true) {
		return false
	}
	if !ok {
		return true
	}
	value, present, err := c.backend.Get(full)
	if err != nil {
		return true
	}
	return fingerprintOf(value, present) == last
}

// expectOwn tells every watcher that the next change to full is ours and
// leaves value behind; a nil value is a delete.
func (c *Cache) expectOwn(full string, value []byte) {
	fp := fingerprintOf(value, value != nil)
	c.ownMu.Lock()
	defer c.ownMu.Unlock()
	for w := range c.watchers {
		w.own[full]++
		w.last[full] = fp
	}
}

func (c *Cache) forgetOwn(full string) {
	c.ownMu.Lock()
	defer c.ownMu.Unlock()
	for w := range c.watchers {
		if w.own[full] > 1 {
			w.own[full]--
		} else {
			delete(w.own, full)
			delete(w.last, full)
		}
	}
}

// takeOwn consumes an expected own change. Snapshot diffs may fold several
// writes into one change, so they clear the whole count.
func (c *Cache) takeOwn(w *watcher, full string, all bool) bool {
	c.ownMu.Lock()
	defer c.ownMu.Unlock()
	n := w.own[full]
	switch {
	case n == 0:
		return false
	case all || n == 1:
		delete(w.own, full)
		delete(w.last, full)
	default:
		w.own[full] = n - 1
	}
	return true
}
