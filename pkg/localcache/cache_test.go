package localcache

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tickingClock returns strictly increasing times so eviction order is stable.
func tickingClock() func() time.Time {
	var (
		mu  sync.Mutex
		now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

// value returns a string that makes the namespaced entry exactly n bytes.
func value(c *Cache, key string, n int) string {
	return strings.Repeat("x", n-len(c.fullKey(key)))
}

func TestGetSetRemove(t *testing.T) {
	c := New(NewMemoryBackend(), Options{})

	_, ok := c.Get("banners")
	assert.False(t, ok)

	require.True(t, c.Set("banners", `[]`))
	v, ok := c.Get("banners")
	require.True(t, ok)
	assert.Equal(t, `[]`, v)

	assert.Equal(t, []string{"banners"}, c.Keys())
	assert.Equal(t, int64(len("surrealshop:banners")+2), c.Size())

	assert.True(t, c.Remove("banners"))
	assert.True(t, c.Remove("banners"))
	_, ok = c.Get("banners")
	assert.False(t, ok)
}

func TestNamespaceIsolation(t *testing.T) {
	backend := NewMemoryBackend()
	a := New(backend, Options{Namespace: "a"})
	b := New(backend, Options{Namespace: "b"})

	require.True(t, a.Set("k", "1"))
	_, ok := b.Get("k")
	assert.False(t, ok)
	assert.Empty(t, b.Keys())
}

func TestGetJSON(t *testing.T) {
	c := New(NewMemoryBackend(), Options{})

	var out []string
	require.ErrorIs(t, c.GetJSON("missing", &out), ErrNotFound)

	require.True(t, c.Set("broken", `[{"id":`))
	require.ErrorIs(t, c.GetJSON("broken", &out), ErrMalformed)

	require.NoError(t, c.SetJSON("ok", []string{"a", "b"}))
	require.NoError(t, c.GetJSON("ok", &out))
	assert.Equal(t, []string{"a", "b"}, out)
}

func TestSetJSONKeepsPreviousValueOnEncodeFailure(t *testing.T) {
	c := New(NewMemoryBackend(), Options{})
	require.NoError(t, c.SetJSON("settings", map[string]int{"interval": 5}))

	err := c.SetJSON("settings", map[string]any{"bad": make(chan int)})
	require.Error(t, err)

	v, ok := c.Get("settings")
	require.True(t, ok)
	assert.Equal(t, `{"interval":5}`, v)
}

func TestEvictionKeepsSizeUnderQuota(t *testing.T) {
	for _, policy := range []Policy{OldestFirst, LargestFirst} {
		t.Run(policy.String(), func(t *testing.T) {
			c := New(NewMemoryBackend(WithClock(tickingClock())), Options{Quota: 1000, Policy: policy})
			for i := 0; i < 10; i++ {
				key := fmt.Sprintf("k%d", i)
				require.True(t, c.Set(key, value(c, key, 100)))
			}
			require.Equal(t, int64(1000), c.Size())

			require.True(t, c.Set("new", value(c, "new", 150)))

			assert.LessOrEqual(t, c.Size(), int64(1000))
			v, ok := c.Get("new")
			require.True(t, ok)
			assert.Equal(t, value(c, "new", 150), v)
		})
	}
}

func TestEvictionOldestFirstOrder(t *testing.T) {
	c := New(NewMemoryBackend(WithClock(tickingClock())), Options{Quota: 300})
	for _, key := range []string{"first", "second", "third"} {
		require.True(t, c.Set(key, value(c, key, 100)))
	}

	require.True(t, c.Set("fourth", value(c, "fourth", 100)))

	assert.Equal(t, []string{"fourth", "second", "third"}, c.Keys())
}

func TestEvictionLargestFirstOrder(t *testing.T) {
	c := New(NewMemoryBackend(), Options{Quota: 300, Policy: LargestFirst})
	require.True(t, c.Set("small", value(c, "small", 50)))
	require.True(t, c.Set("big", value(c, "big", 150)))
	require.True(t, c.Set("medium", value(c, "medium", 100)))

	require.True(t, c.Set("next", value(c, "next", 60)))

	assert.Equal(t, []string{"medium", "next", "small"}, c.Keys())
}

func TestEssentialKeysAreNeverEvicted(t *testing.T) {
	c := New(NewMemoryBackend(WithClock(tickingClock())), Options{Quota: 300, Essential: []string{"settings"}})
	require.True(t, c.Set("settings", value(c, "settings", 200)))
	require.True(t, c.Set("old", value(c, "old", 100)))

	require.True(t, c.Set("new", value(c, "new", 100)))
	assert.Equal(t, []string{"new", "settings"}, c.Keys())

	err := c.Put("huge", value(c, "huge", 250))
	require.ErrorIs(t, err, ErrQuotaExceeded)
	_, ok := c.Get("settings")
	assert.True(t, ok)
}

func TestOversizedValueFailsWithoutEviction(t *testing.T) {
	c := New(NewMemoryBackend(), Options{Quota: 100})
	require.True(t, c.Set("keep", "1"))

	assert.False(t, c.Set("huge", strings.Repeat("x", 200)))
	assert.Equal(t, []string{"keep"}, c.Keys())
}

func TestBackendQuotaTriggersEviction(t *testing.T) {
	backend := NewMemoryBackend(WithCapacity(250), WithClock(tickingClock()))
	c := New(backend, Options{Quota: 10_000})

	require.True(t, c.Set("a", value(c, "a", 100)))
	require.True(t, c.Set("b", value(c, "b", 100)))

	require.True(t, c.Set("c", value(c, "c", 100)))
	assert.Equal(t, []string{"b", "c"}, c.Keys())
}

type failingBackend struct {
	*MemoryBackend
	err error
}

func (f *failingBackend) Put(string, []byte) error { return f.err }

func TestPersistentBackendFailureReportsFalse(t *testing.T) {
	c := New(&failingBackend{MemoryBackend: NewMemoryBackend(), err: errors.New("disk full")}, Options{})

	assert.False(t, c.Set("k", "v"))
	err := c.Put("k", "v")
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Contains(t, err.Error(), "disk full")
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("largest")
	require.NoError(t, err)
	assert.Equal(t, LargestFirst, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, OldestFirst, p)

	_, err = ParsePolicy("random")
	require.Error(t, err)
}
