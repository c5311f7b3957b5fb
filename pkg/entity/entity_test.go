package entity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/surrealshop/pkg/broadcast"
	"github.com/surrealdb/surrealshop/pkg/eventbus"
	"github.com/surrealdb/surrealshop/pkg/localcache"
	"github.com/surrealdb/surrealshop/pkg/models"
	"github.com/surrealdb/surrealshop/pkg/remote"
)

const waitFor = 2 * time.Second

// tab bundles what one browser tab would hold.
type tab struct {
	cache    *localcache.Cache
	bus      *eventbus.Bus
	adapter  *remote.Adapter
	banners  *Banners
	products *Products
	contents *ContentBlocks
	contacts *Contacts
}

type tabOptions struct {
	backend localcache.Backend
	store   remote.Store
	hub     *broadcast.Hub
	quota   int64
	remote  remote.Config

	resyncTimeout time.Duration
}

func newTab(t *testing.T, opts tabOptions) *tab {
	t.Helper()
	if opts.backend == nil {
		opts.backend = localcache.NewMemoryBackend()
	}
	cache := localcache.New(opts.backend, localcache.Options{Quota: opts.quota})
	bus := eventbus.New()
	adapter := remote.NewAdapter(opts.store, opts.remote)
	t.Cleanup(func() {
		adapter.Close()
		bus.Close()
	})

	deps := func(kind models.Kind) Deps {
		ch := broadcast.Open(opts.hub, string(kind))
		t.Cleanup(func() { _ = ch.Close() })
		return Deps{
			Cache:        cache,
			Bus:          bus,
			Channel:      ch,
			Adapter:      adapter,
			PollInterval: 20 * time.Millisecond,

			ResyncTimeout: opts.resyncTimeout,
		}
	}
	return &tab{
		cache:    cache,
		bus:      bus,
		adapter:  adapter,
		banners:  NewBanners(deps(models.KindBanner)),
		products: NewProducts(deps(models.KindProduct)),
		contents: NewContentBlocks(deps(models.KindContentBlock)),
		contacts: NewContacts(deps(models.KindContact)),
	}
}

// recorder collects changes delivered to a subscriber.
type recorder[E models.Entity] struct {
	mu      sync.Mutex
	changes []Change[E]
}

func (r *recorder[E]) add(c Change[E]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder[E]) all() []Change[E] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change[E](nil), r.changes...)
}

func (r *recorder[E]) find(pred func(Change[E]) bool) (Change[E], bool) {
	for _, c := range r.all() {
		if pred(c) {
			return c, true
		}
	}
	return Change[E]{}, false
}

func subscribe[E models.Entity](t *testing.T, repo *Repository[E]) *recorder[E] {
	t.Helper()
	rec := &recorder[E]{}
	t.Cleanup(repo.Subscribe(rec.add))
	return rec
}

func notices(bus *eventbus.Bus) func() []eventbus.Notice {
	var mu sync.Mutex
	var got []eventbus.Notice
	bus.Subscribe(eventbus.EventAdminNotice, func(data any) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, data.(eventbus.Notice))
	})
	return func() []eventbus.Notice {
		mu.Lock()
		defer mu.Unlock()
		return append([]eventbus.Notice(nil), got...)
	}
}

func TestLoadAllSeedsDefaultsOnce(t *testing.T) {
	tb := newTab(t, tabOptions{})

	first := tb.banners.LoadAll()
	second := tb.banners.LoadAll()
	require.Len(t, first, len(models.DefaultBanners()))
	assert.Equal(t, first, second)

	count := 0
	for _, k := range tb.cache.Keys() {
		if k == string(models.KindBanner) {
			count++
		}
	}
	assert.Equal(t, 1, count)

	tb.products.LoadAll()
	assert.Contains(t, tb.cache.Keys(), CategoryKey("dresses"))
}

func TestLoadAllMalformedFallsBackToDefaults(t *testing.T) {
	tb := newTab(t, tabOptions{})
	require.True(t, tb.cache.Set(string(models.KindContact), `[{"platform":`))

	got := tb.contacts.LoadAll()
	assert.Len(t, got, len(models.DefaultContacts()))

	raw, ok := tb.cache.Get(string(models.KindContact))
	require.True(t, ok)
	assert.Equal(t, `[{"platform":`, raw)

	c, ok := tb.contacts.Get("instagram")
	require.True(t, ok)
	c.URL = "https://instagram.com/surrealshop.store"
	require.NoError(t, tb.contacts.Save(context.Background(), c))
	saved, ok := tb.contacts.Get("instagram")
	require.True(t, ok)
	assert.Equal(t, "https://instagram.com/surrealshop.store", saved.URL)
}

func TestSaveStampsMetaAndPublishes(t *testing.T) {
	tb := newTab(t, tabOptions{})
	var events []Updated
	tb.bus.Subscribe(eventbus.EventEntityUpdated, func(data any) {
		events = append(events, data.(Updated))
	})

	hero, ok := tb.banners.Get("hero")
	require.True(t, ok)
	hero.Name = "Summer"
	require.NoError(t, tb.banners.Save(context.Background(), hero))
	hero.Name = "Autumn"
	require.NoError(t, tb.banners.Save(context.Background(), hero))

	got, ok := tb.banners.Get("hero")
	require.True(t, ok)
	assert.Equal(t, "Autumn", got.Name)
	assert.EqualValues(t, 2, got.Version)
	assert.Equal(t, tb.banners.TabID(), got.Origin)
	assert.False(t, got.UpdatedAt.IsZero())

	require.Len(t, events, 2)
	assert.Equal(t, Updated{Kind: models.KindBanner, ID: "hero", Version: 2, Origin: tb.banners.TabID(), Source: SourceLocal}, events[1])

	// No remote store: the change stays local.
	assert.Equal(t, Unsynced, tb.banners.Status("hero"))
}

func TestSaveValidates(t *testing.T) {
	tb := newTab(t, tabOptions{})
	err := tb.products.Save(context.Background(), &models.Product{ID: "p", Price: -1})
	require.ErrorIs(t, err, models.ErrInvalid)
}

func TestSaveLocalFailurePublishesNotice(t *testing.T) {
	tb := newTab(t, tabOptions{quota: 64})
	got := notices(tb.bus)

	err := tb.banners.Save(context.Background(), &models.Banner{ID: "hero", Name: "Hero", Media: "/a.jpg"})
	require.ErrorIs(t, err, localcache.ErrQuotaExceeded)
	require.Len(t, got(), 1)
	assert.Equal(t, "error", got()[0].Level)
	assert.Contains(t, got()[0].Message, "hero")
}

func TestSaveSyncsInBackground(t *testing.T) {
	store := remote.NewMemoryStore(remote.MemoryOptions{})
	tb := newTab(t, tabOptions{store: store})

	c, ok := tb.contents.Get("home-headline")
	require.True(t, ok)
	c.Content = "New arrivals"
	require.NoError(t, tb.contents.Save(context.Background(), c))
	tb.contents.Wait()

	assert.Equal(t, Synced, tb.contents.Status("home-headline"))
	doc, err := store.Get(context.Background(), string(models.KindContentBlock), "home-headline")
	require.NoError(t, err)
	assert.Equal(t, "New arrivals", doc["content"])
	assert.EqualValues(t, 1, doc["version"])
}

func TestSaveOversizedStaysLocal(t *testing.T) {
	store := remote.NewMemoryStore(remote.MemoryOptions{})
	tb := newTab(t, tabOptions{store: store, remote: remote.Config{MaxDocumentBytes: 64}})
	got := notices(tb.bus)

	hero, _ := tb.banners.Get("hero")
	require.NoError(t, tb.banners.Save(context.Background(), hero))
	tb.banners.Wait()

	assert.Equal(t, Unsynced, tb.banners.Status("hero"))
	assert.Zero(t, store.Puts())
	require.NotEmpty(t, got())
	assert.Equal(t, "warning", got()[0].Level)

	local, ok := tb.banners.Get("hero")
	require.True(t, ok)
	assert.EqualValues(t, 1, local.Version)
}

func TestResyncRetriesUnsynced(t *testing.T) {
	store := remote.NewMemoryStore(remote.MemoryOptions{})
	tb := newTab(t, tabOptions{
		store:  store,
		remote: remote.Config{Retryer: remote.ConstantBackoff(time.Millisecond, 3)},
	})

	store.FailNext(errors.New("connection reset"))
	p, _ := tb.products.Get("dress-linen-sand")
	require.NotNil(t, p)
	require.NoError(t, tb.products.Save(context.Background(), p))
	tb.products.Wait()
	require.Equal(t, Unsynced, tb.products.Status("dress-linen-sand"))

	store.FailNext(errors.New("connection reset"))
	require.NoError(t, tb.products.Resync(context.Background()))
	assert.Equal(t, Synced, tb.products.Status("dress-linen-sand"))
	assert.Equal(t, 1, store.Puts())

	assert.NoError(t, tb.products.Resync(context.Background()))
}

func TestResyncOffline(t *testing.T) {
	store := remote.NewMemoryStore(remote.MemoryOptions{})
	store.SetOffline(true)
	tb := newTab(t, tabOptions{store: store})

	c, _ := tb.contacts.Get("instagram")
	require.NoError(t, tb.contacts.Save(context.Background(), c))
	assert.Equal(t, Unsynced, tb.contacts.Status("instagram"))
	assert.ErrorIs(t, tb.contacts.Resync(context.Background()), remote.ErrUnavailable)
	assert.Equal(t, map[string]SyncStatus{"instagram": Unsynced}, tb.contacts.Statuses())
}

func TestResyncPassIsBounded(t *testing.T) {
	store := remote.NewMemoryStore(remote.MemoryOptions{})
	store.SetOffline(true)
	tb := newTab(t, tabOptions{
		store:         store,
		remote:        remote.Config{Retryer: remote.ConstantBackoff(time.Hour, 0)},
		resyncTimeout: 100 * time.Millisecond,
	})

	ids := []string{"tee-basic-black", "jacket-denim", "dress-linen-sand"}
	for _, id := range ids {
		p, ok := tb.products.Get(id)
		require.True(t, ok)
		require.NoError(t, tb.products.Save(context.Background(), p))
	}
	tb.products.Wait()
	store.SetOffline(false)
	for range ids {
		store.FailNext(errors.New("i/o timeout"))
	}

	started := time.Now()
	err := tb.products.Resync(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(started), waitFor)
	for _, id := range ids {
		assert.Equal(t, Unsynced, tb.products.Status(id), id)
	}
	assert.Zero(t, store.Puts())
}

func TestReconcileFindsEditsMadeOffline(t *testing.T) {
	backend := localcache.NewMemoryBackend()
	store := remote.NewMemoryStore(remote.MemoryOptions{})
	ctx := context.Background()

	store.SetOffline(true)
	before := newTab(t, tabOptions{backend: backend, store: store})
	for _, id := range []string{"instagram", "whatsapp"} {
		c, ok := before.contacts.Get(id)
		require.True(t, ok)
		require.NoError(t, before.contacts.Save(ctx, c))
	}
	before.contacts.Wait()
	store.SetOffline(false)

	whatsapp, _ := before.contacts.Get("whatsapp")
	doc, err := models.ToDocument(whatsapp)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, string(models.KindContact), "whatsapp", doc))

	// A restarted tab knows nothing about the failed writes.
	after := newTab(t, tabOptions{backend: backend, store: store})
	assert.Empty(t, after.contacts.Statuses())

	n, err := after.contacts.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, map[string]SyncStatus{"instagram": Unsynced, "whatsapp": Synced}, after.contacts.Statuses())

	require.NoError(t, after.contacts.Resync(ctx))
	_, err = store.Get(ctx, string(models.KindContact), "instagram")
	assert.NoError(t, err)

	n, err = after.contacts.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProductCategoryLists(t *testing.T) {
	tb := newTab(t, tabOptions{})
	ctx := context.Background()

	p := &models.Product{ID: "scarf", Name: "Silk scarf", Price: 39, Categories: []string{"accessories", "sale"}}
	require.NoError(t, tb.products.Save(ctx, p))
	ids := func(list []*models.Product) []string {
		var out []string
		for _, e := range list {
			out = append(out, e.ID)
		}
		return out
	}
	assert.Contains(t, ids(tb.products.ByCategory("accessories")), "scarf")
	assert.Contains(t, ids(tb.products.ByCategory("sale")), "scarf")

	p.Categories = []string{"accessories", "gifts"}
	require.NoError(t, tb.products.Save(ctx, p))
	assert.NotContains(t, ids(tb.products.ByCategory("sale")), "scarf")
	assert.Equal(t, []string{"scarf"}, ids(tb.products.ByCategory("gifts")))
	_, ok := tb.cache.Get(CategoryKey("gifts"))
	assert.True(t, ok)

	require.NoError(t, tb.products.Clear(ctx, "scarf"))
	_, ok = tb.cache.Get(CategoryKey("gifts"))
	assert.False(t, ok, "empty category list is removed")
	assert.NotContains(t, ids(tb.products.ByCategory("accessories")), "scarf")
	_, ok = tb.products.Get("scarf")
	assert.False(t, ok)

	// A missing copy is rebuilt from the primary list.
	require.True(t, tb.cache.Remove(CategoryKey("dresses")))
	assert.NotEmpty(t, tb.products.ByCategory("dresses"))
	assert.Contains(t, tb.products.Categories(), "dresses")
}

func TestClearRemovesRemoteDocument(t *testing.T) {
	store := remote.NewMemoryStore(remote.MemoryOptions{})
	tb := newTab(t, tabOptions{store: store})
	ctx := context.Background()

	promo, _ := tb.banners.Get("promo")
	require.NoError(t, tb.banners.Save(ctx, promo))
	tb.banners.Wait()
	_, err := store.Get(ctx, string(models.KindBanner), "promo")
	require.NoError(t, err)

	require.NoError(t, tb.banners.Clear(ctx, "promo"))
	_, err = store.Get(ctx, string(models.KindBanner), "promo")
	assert.ErrorIs(t, err, remote.ErrNotFound)
	_, ok := tb.banners.Get("promo")
	assert.False(t, ok)
	assert.NotContains(t, tb.banners.Statuses(), "promo")
}

func TestSubscribeDeliversOncePerVersion(t *testing.T) {
	store := remote.NewMemoryStore(remote.MemoryOptions{})
	tb := newTab(t, tabOptions{store: store})
	rec := subscribe(t, tb.banners.Repository)

	hero, _ := tb.banners.Get("hero")
	hero.Position = "home-bottom"
	require.NoError(t, tb.banners.Save(context.Background(), hero))

	// The bus delivers synchronously.
	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, SourceLocal, got[0].Source)
	assert.Equal(t, "home-bottom", got[0].Entity.Position)

	// The remote echo of the same version is not delivered again.
	tb.banners.Wait()
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.all(), 1)
}

func TestStaleRemoteChangeIgnored(t *testing.T) {
	store := remote.NewMemoryStore(remote.MemoryOptions{})
	tb := newTab(t, tabOptions{store: store})
	ctx := context.Background()

	hero, _ := tb.banners.Get("hero")
	hero.Name = "Local"
	require.NoError(t, tb.banners.Save(ctx, hero))
	require.NoError(t, tb.banners.Save(ctx, hero))
	tb.banners.Wait()
	rec := subscribe(t, tb.banners.Repository)

	require.NoError(t, store.Put(ctx, string(models.KindBanner), "hero", remote.Document{
		"id": "hero", "name": "Stale", "media": "/old.jpg", "mediaKind": "image", "version": 1,
	}))
	time.Sleep(50 * time.Millisecond)

	got, _ := tb.banners.Get("hero")
	assert.Equal(t, "Local", got.Name)
	assert.Empty(t, rec.all())

	require.NoError(t, store.Put(ctx, string(models.KindBanner), "hero", remote.Document{
		"id": "hero", "name": "Remote", "media": "/new.jpg", "mediaKind": "image", "version": 7,
	}))
	require.Eventually(t, func() bool {
		_, ok := rec.find(func(c Change[*models.Banner]) bool { return c.Entity != nil && c.Entity.Name == "Remote" })
		return ok
	}, waitFor, 10*time.Millisecond)
	c, _ := rec.find(func(c Change[*models.Banner]) bool { return c.Entity != nil })
	assert.Equal(t, SourceRemote, c.Source)
	got, _ = tb.banners.Get("hero")
	assert.EqualValues(t, 7, got.Version)
	assert.Equal(t, Synced, tb.banners.Status("hero"))
}

func TestRemoteDeleteRemovesLocally(t *testing.T) {
	store := remote.NewMemoryStore(remote.MemoryOptions{})
	tb := newTab(t, tabOptions{store: store})
	ctx := context.Background()

	c, _ := tb.contacts.Get("whatsapp")
	require.NoError(t, tb.contacts.Save(ctx, c))
	tb.contacts.Wait()
	rec := subscribe(t, tb.contacts.Repository)

	require.NoError(t, store.Delete(ctx, string(models.KindContact), "whatsapp"))
	require.Eventually(t, func() bool {
		_, ok := rec.find(func(c Change[*models.Contact]) bool { return c.Removed && c.ID == "whatsapp" })
		return ok
	}, waitFor, 10*time.Millisecond)
	_, ok := tb.contacts.Get("whatsapp")
	assert.False(t, ok)
}

func TestRefreshPullsNewerDocuments(t *testing.T) {
	store := remote.NewMemoryStore(remote.MemoryOptions{})
	tb := newTab(t, tabOptions{store: store})
	ctx := context.Background()
	reloads := make(chan any, 4)
	tb.bus.Subscribe(eventbus.EventForceReload, func(data any) { reloads <- data })

	tb.contents.LoadAll()
	require.NoError(t, store.Put(ctx, string(models.KindContentBlock), "home-headline", remote.Document{
		"id": "home-headline", "content": "From the admin", "version": 3,
	}))
	require.NoError(t, store.Put(ctx, string(models.KindContentBlock), "footer-note", remote.Document{
		"id": "footer-note", "content": "Free shipping", "version": 1,
	}))
	require.NoError(t, store.Put(ctx, string(models.KindContentBlock), "broken", remote.Document{"content": 12}))

	n, err := tb.contents.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	text, ok := tb.contents.Get("home-headline")
	require.True(t, ok)
	assert.Equal(t, "From the admin", text.Content)
	assert.Equal(t, Synced, tb.contents.Status("footer-note"))

	select {
	case <-reloads:
	case <-time.After(waitFor):
		t.Fatal("no force reload")
	}

	n, err = tb.contents.Refresh(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestContentRemoteFirst(t *testing.T) {
	store := remote.NewMemoryStore(remote.MemoryOptions{})
	tb := newTab(t, tabOptions{store: store})
	ctx := context.Background()

	text, ok := tb.contents.Content(ctx, "home-headline")
	require.True(t, ok)
	local, _ := tb.contents.Get("home-headline")
	assert.Equal(t, local.Content, text)

	require.NoError(t, store.Put(ctx, string(models.KindContentBlock), "home-headline", remote.Document{
		"id": "home-headline", "content": "Edited elsewhere",
	}))
	text, ok = tb.contents.Content(ctx, "home-headline")
	require.True(t, ok)
	assert.Equal(t, "Edited elsewhere", text)

	store.SetOffline(true)
	text, ok = tb.contents.Content(ctx, "home-headline")
	require.True(t, ok)
	assert.Equal(t, local.Content, text)

	_, ok = tb.contents.Content(ctx, "missing")
	assert.False(t, ok)

	block, err := tb.contents.SetContent(ctx, "about-title", "About us")
	require.NoError(t, err)
	assert.EqualValues(t, 1, block.Version)
}

func TestSetMediaInlinesWithoutUploader(t *testing.T) {
	tb := newTab(t, tabOptions{})
	b, err := tb.banners.SetMedia(context.Background(), "hero", "spin.gif", "image/gif", []byte("GIF89a"))
	require.NoError(t, err)
	assert.True(t, models.IsInline(b.Media))
	assert.Equal(t, models.MediaGIF, b.MediaKind)

	_, err = tb.banners.SetMedia(context.Background(), "nope", "a.png", "image/png", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorageChangesFromOtherTab(t *testing.T) {
	backend := localcache.NewMemoryBackend()
	a := newTab(t, tabOptions{backend: backend})
	b := newTab(t, tabOptions{backend: backend})
	ctx := context.Background()

	a.banners.LoadAll()
	storage := make(chan any, 8)
	b.bus.Subscribe(eventbus.EventStorageChanged, func(data any) { storage <- data })
	rec := subscribe(t, b.banners.Repository)

	hero, _ := a.banners.Get("hero")
	hero.Name = "Written by A"
	require.NoError(t, a.banners.Save(ctx, hero))

	require.Eventually(t, func() bool {
		c, ok := rec.find(func(c Change[*models.Banner]) bool { return c.ID == "hero" })
		return ok && c.Source == SourceStorage && c.Entity.Name == "Written by A"
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, string(models.KindBanner), <-storage)

	require.NoError(t, a.banners.Clear(ctx, "promo"))
	require.Eventually(t, func() bool {
		_, ok := rec.find(func(c Change[*models.Banner]) bool { return c.Removed && c.ID == "promo" })
		return ok
	}, waitFor, 10*time.Millisecond)
}

func TestBroadcastHintRefetches(t *testing.T) {
	store := remote.NewMemoryStore(remote.MemoryOptions{})
	hub := broadcast.NewHub()
	b := newTab(t, tabOptions{store: store, hub: hub})
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, string(models.KindBanner), "hero", remote.Document{
		"id": "hero", "name": "Hero", "media": "https://cdn.example.com/hero-v99.jpg", "mediaKind": "image",
		"version": 99, "origin": "tab-a",
	}))
	rec := subscribe(t, b.banners.Repository)
	gets := store.Gets()

	sender := hub.Open(string(models.KindBanner))
	defer sender.Close()
	require.NoError(t, sender.Broadcast("hero", 99))

	require.Eventually(t, func() bool {
		_, ok := rec.find(func(c Change[*models.Banner]) bool { return c.ID == "hero" })
		return ok
	}, waitFor, 10*time.Millisecond)
	c, _ := rec.find(func(c Change[*models.Banner]) bool { return c.ID == "hero" })
	assert.Equal(t, SourceBroadcast, c.Source)
	assert.Equal(t, "https://cdn.example.com/hero-v99.jpg", c.Entity.Media)
	assert.Equal(t, gets+1, store.Gets())

	// A hint for a version already seen triggers no read.
	require.NoError(t, sender.Broadcast("hero", 99))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, gets+1, store.Gets())
	assert.Len(t, rec.all(), 1)
}

func TestOfflineEditReachesOtherTabAfterResync(t *testing.T) {
	store := remote.NewMemoryStore(remote.MemoryOptions{})
	store.SetOffline(true)
	hub := broadcast.NewHub()
	ctx := context.Background()

	a := newTab(t, tabOptions{store: store, hub: hub})
	recA := subscribe(t, a.banners.Repository)

	edited, err := a.banners.SetMedia(ctx, "hero", "hero.webp", "image/webp", []byte("RIFF....WEBP"))
	require.NoError(t, err)

	// Local state and local subscribers see the edit at once.
	got := recA.all()
	require.Len(t, got, 1)
	assert.Equal(t, SourceLocal, got[0].Source)
	assert.Equal(t, edited.Media, got[0].Entity.Media)
	cached, _ := a.banners.Get("hero")
	assert.Equal(t, edited.Media, cached.Media)
	assert.Equal(t, Unsynced, a.banners.Status("hero"))

	store.SetOffline(false)
	b := newTab(t, tabOptions{store: store})
	recB := subscribe(t, b.banners.Repository)

	require.NoError(t, a.banners.Resync(ctx))
	assert.Equal(t, Synced, a.banners.Status("hero"))

	require.Eventually(t, func() bool {
		c, ok := recB.find(func(c Change[*models.Banner]) bool { return c.ID == "hero" })
		return ok && c.Source == SourceRemote && c.Entity.Media == edited.Media
	}, waitFor, 10*time.Millisecond)
	fromB, _ := b.banners.Get("hero")
	assert.Equal(t, edited.Media, fromB.Media)
}

func TestUnsubscribeReleasesSources(t *testing.T) {
	store := remote.NewMemoryStore(remote.MemoryOptions{})
	tb := newTab(t, tabOptions{store: store})

	first := tb.contacts.Subscribe(func(Change[*models.Contact]) {})
	second := tb.contacts.Subscribe(func(Change[*models.Contact]) {})
	assert.Equal(t, 1, tb.adapter.Listening())
	assert.Equal(t, 1, store.Watchers())

	first()
	first()
	assert.Equal(t, 1, tb.adapter.Listening())
	second()
	assert.Zero(t, tb.adapter.Listening())
	assert.Zero(t, store.Watchers())
}

func TestDemoBannerSettings(t *testing.T) {
	tb := newTab(t, tabOptions{})
	assert.Equal(t, models.DefaultDemoBannerSettings(), LoadDemoBannerSettings(tb.cache))

	reloads := make(chan any, 1)
	tb.bus.Subscribe(eventbus.EventBannersReload, func(data any) { reloads <- data })
	s := models.DemoBannerSettings{IntervalMS: 3000, Visible: []string{"hero"}}
	require.NoError(t, SaveDemoBannerSettings(tb.cache, tb.bus, s))
	assert.Equal(t, s, LoadDemoBannerSettings(tb.cache))
	assert.Equal(t, DemoBannerSettingsKey, <-reloads)

	assert.Error(t, SaveDemoBannerSettings(tb.cache, tb.bus, models.DemoBannerSettings{}))

	require.True(t, tb.cache.Set(DemoBannerSettingsKey, "nope"))
	assert.Equal(t, models.DefaultDemoBannerSettings(), LoadDemoBannerSettings(tb.cache))
}

func TestSyncStatusText(t *testing.T) {
	text, err := Synced.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "synced", string(text))
	assert.Equal(t, "unsynced", Unsynced.String())
	assert.Equal(t, "SyncStatus(9)", SyncStatus(9).String())
}
