// Package localcache is a namespaced, quota-aware key-value cache over a
// pluggable persistent backend.
//
// Writes that would push the namespace over its soft quota, or that the
// backend refuses, trigger one eviction pass over non-essential keys and a
// single retry. Failures never panic: Set reports false and Put returns an
// error wrapping ErrQuotaExceeded, and both log a diagnostic.
//
// Updates spanning several keys are not transactional. A caller that rewrites
// two denormalized lists can leave them inconsistent if the second write fails.
package localcache

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/surrealdb/surrealshop/internal/logger"
)

const (
	DefaultNamespace = "surrealshop"
	// DefaultQuota mirrors the common browser storage budget.
	DefaultQuota int64 = 5 << 20
)

// Policy selects which entries an eviction pass removes first.
type Policy int

const (
	OldestFirst Policy = iota
	LargestFirst
)

func (p Policy) String() string {
	switch p {
	case OldestFirst:
		return "oldest"
	case LargestFirst:
		return "largest"
	default:
		return "unknown"
	}
}

// ParsePolicy accepts "oldest" and "largest".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "oldest":
		return OldestFirst, nil
	case "largest":
		return LargestFirst, nil
	default:
		return 0, fmt.Errorf("unknown eviction policy %q", s)
	}
}

type Options struct {
	Namespace string
	Quota     int64
	Policy    Policy
	// Essential keys are never evicted.
	Essential []string
	Logger    logger.Logger
}

type Cache struct {
	backend   Backend
	ns        string
	quota     int64
	policy    Policy
	essential map[string]bool
	log       logger.Logger

	// mu serializes the check-evict-write sequence of this handle. Other
	// handles on the same backend are not coordinated with.
	mu sync.Mutex

	ownMu    sync.Mutex
	watchers map[*watcher]struct{}
}

// New wraps backend. Several caches, one per tab, may share a backend; the
// caller owns it and closes it.
func New(backend Backend, opts Options) *Cache {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.Quota <= 0 {
		opts.Quota = DefaultQuota
	}
	c := &Cache{
		backend:   backend,
		ns:        opts.Namespace + ":",
		quota:     opts.Quota,
		policy:    opts.Policy,
		essential: make(map[string]bool, len(opts.Essential)),
		log:       logger.OrNop(opts.Logger),
		watchers:  make(map[*watcher]struct{}),
	}
	for _, k := range opts.Essential {
		c.essential[k] = true
	}
	return c
}

func (c *Cache) Quota() int64 { return c.quota }

// Get returns the stored value. Backend errors are logged and read as absent.
func (c *Cache) Get(key string) (string, bool) {
	v, ok, err := c.backend.Get(c.fullKey(key))
	if err != nil {
		c.log.Warn("local cache read failed", "key", key, "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	return string(v), true
}

// GetJSON decodes the stored value into v.
func (c *Cache) GetJSON(key string, v any) error {
	raw, ok := c.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return nil
}

// Set is Put reduced to a success flag.
func (c *Cache) Set(key, value string) bool {
	return c.Put(key, value) == nil
}

// SetJSON encodes v and stores it. When encoding fails the stored value is
// left untouched.
func (c *Cache) SetJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("local cache encode failed", "key", key, "error", err)
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Put(key, string(data))
}

// Put writes value under key, evicting and retrying once when needed.
func (c *Cache) Put(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	full := c.fullKey(key)
	size := entrySize(full, []byte(value))
	if size > c.quota {
		c.log.Error("local cache value larger than quota", "key", key, "size", size, "quota", c.quota)
		return fmt.Errorf("%w: %s is %d bytes, quota is %d", ErrQuotaExceeded, key, size, c.quota)
	}

	entries, err := c.entries()
	if err != nil {
		c.log.Warn("local cache size check failed", "key", key, "error", err)
	}
	var writeErr error
	if err == nil && projected(entries, full, size) <= c.quota {
		if writeErr = c.write(full, value); writeErr == nil {
			return nil
		}
		c.log.Warn("local cache write failed, evicting", "key", key, "error", writeErr)
	}

	evicted := c.evict(entries, full, size, writeErr != nil)
	c.log.Info("local cache eviction pass", "key", key, "evicted", len(evicted), "policy", c.policy.String())

	if entries, err = c.entries(); err == nil && projected(entries, full, size) > c.quota {
		c.log.Error("local cache quota exceeded after eviction", "key", key, "size", size)
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, key)
	}
	if err := c.write(full, value); err != nil {
		c.log.Error("local cache write failed after eviction", "key", key, "error", err)
		return fmt.Errorf("%w: %s: %v", ErrQuotaExceeded, key, err)
	}
	return nil
}

// Remove deletes key. It reports false only when the backend fails.
func (c *Cache) Remove(key string) bool {
	full := c.fullKey(key)
	if _, ok, err := c.backend.Get(full); err == nil && !ok {
		return true
	}
	c.expectOwn(full, nil)
	if err := c.backend.Delete(full); err != nil {
		c.forgetOwn(full)
		c.log.Warn("local cache remove failed", "key", key, "error", err)
		return false
	}
	return true
}

// Size is the number of bytes charged to this namespace.
func (c *Cache) Size() int64 {
	entries, err := c.entries()
	if err != nil {
		c.log.Warn("local cache size failed", "error", err)
		return 0
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total
}

// Keys lists the keys of this namespace, without the namespace prefix.
func (c *Cache) Keys() []string {
	entries, err := c.entries()
	if err != nil {
		c.log.Warn("local cache keys failed", "error", err)
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, c.shortKey(e.Key))
	}
	sort.Strings(out)
	return out
}

func (c *Cache) write(full, value string) error {
	data := []byte(value)
	c.expectOwn(full, data)
	if err := c.backend.Put(full, data); err != nil {
		c.forgetOwn(full)
		return err
	}
	return nil
}

// evict removes candidates in policy order until the pending write fits. When
// the backend itself refused the write, at least size bytes are freed as well.
func (c *Cache) evict(entries []EntryInfo, full string, size int64, backendFull bool) []string {
	if entries == nil {
		var err error
		if entries, err = c.entries(); err != nil {
			c.log.Warn("local cache eviction listing failed", "error", err)
			return nil
		}
	}
	total := projected(entries, full, size)

	candidates := make([]EntryInfo, 0, len(entries))
	for _, e := range entries {
		if e.Key == full || c.essential[c.shortKey(e.Key)] {
			continue
		}
		candidates = append(candidates, e)
	}
	switch c.policy {
	case LargestFirst:
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Size > candidates[j].Size })
	default:
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Modified.Before(candidates[j].Modified) })
	}

	var (
		evicted []string
		freed   int64
	)
	for _, e := range candidates {
		if total <= c.quota && (!backendFull || freed >= size) {
			break
		}
		c.expectOwn(e.Key, nil)
		if err := c.backend.Delete(e.Key); err != nil {
			c.forgetOwn(e.Key)
			c.log.Warn("local cache evict failed", "key", c.shortKey(e.Key), "error", err)
			continue
		}
		total -= e.Size
		freed += e.Size
		evicted = append(evicted, c.shortKey(e.Key))
		c.log.Debug("local cache evicted", "key", c.shortKey(e.Key), "size", e.Size)
	}
	return evicted
}

func (c *Cache) entries() ([]EntryInfo, error) {
	all, err := c.backend.Entries()
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, e := range all {
		if strings.HasPrefix(e.Key, c.ns) {
			out = append(out, e)
		}
	}
	return out, nil
}

// projected is the namespace size after replacing full with size bytes.
func projected(entries []EntryInfo, full string, size int64) int64 {
	total := size
	for _, e := range entries {
		if e.Key != full {
			total += e.Size
		}
	}
	return total
}

func (c *Cache) fullKey(key string) string { return c.ns + key }

func (c *Cache) shortKey(full string) string { return strings.TrimPrefix(full, c.ns) }
