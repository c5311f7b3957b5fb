package surrealshop

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/surrealdb/surrealshop/internal/logger"
	"github.com/surrealdb/surrealshop/pkg/broadcast"
	"github.com/surrealdb/surrealshop/pkg/entity"
	"github.com/surrealdb/surrealshop/pkg/eventbus"
	"github.com/surrealdb/surrealshop/pkg/localcache"
	"github.com/surrealdb/surrealshop/pkg/media"
	"github.com/surrealdb/surrealshop/pkg/models"
	"github.com/surrealdb/surrealshop/pkg/remote"
)

// App is one tab: a local cache handle, an event bus, a broadcast endpoint
// per kind and the repositories composing them.
type App struct {
	config *Config
	log    logger.Logger
	tab    string

	backend localcache.Backend
	cache   *localcache.Cache
	bus     *eventbus.Bus
	store   remote.Store
	adapter *remote.Adapter
	hub     *broadcast.Hub
	relay   *broadcast.Relay

	// ownStore is false for injected stores, which the caller closes.
	ownStore bool

	channels []broadcast.Channel

	Banners  *entity.Banners
	Products *entity.Products
	Contents *entity.ContentBlocks
	Contacts *entity.Contacts

	collections map[models.Kind]Collection

	stopTracing func(context.Context) error
}

// Option customizes New. Tests use it to inject a backend or a store.
type Option func(*options)

type options struct {
	log     logger.Logger
	backend localcache.Backend
	store   remote.Store
	hub     *broadcast.Hub
}

func WithLogger(l logger.Logger) Option { return func(o *options) { o.log = l } }

// WithBackend shares a cache backend between apps, the way tabs share storage.
func WithBackend(b localcache.Backend) Option { return func(o *options) { o.backend = b } }

func WithStore(s remote.Store) Option { return func(o *options) { o.store = s } }

// WithHub connects the app to in-process peers instead of a relay.
func WithHub(h *broadcast.Hub) Option { return func(o *options) { o.hub = h } }

func New(ctx context.Context, config *Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	tab := uuid.NewString()
	log := o.log
	if log == nil {
		build := logger.New().Level(config.LogLevel).With("tab", tab)
		if config.LogFile != "" {
			build = build.FromPath(config.LogFile)
		}
		zl, err := build.Make()
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		log = zl
	}

	a := &App{
		config:      config,
		log:         log,
		tab:         tab,
		bus:         eventbus.New(eventbus.WithLogger(log)),
		hub:         o.hub,
		relay:       broadcast.NewRelay(log),
		collections: make(map[models.Kind]Collection),
		stopTracing: func(context.Context) error { return nil },
	}

	stop, err := setupTracing(ctx, config.OTelEndpoint, tab)
	if err != nil {
		log.Warn("tracing disabled", "endpoint", config.OTelEndpoint, "error", err)
	} else {
		a.stopTracing = stop
	}

	if err := a.openCache(o.backend); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.openStore(ctx, o.store); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.adapter = remote.NewAdapter(a.store, remote.Config{
		MaxDocumentBytes: config.MaxDocumentBytes,
		Logger:           log,
	})

	var uploader media.Uploader
	if config.UploadURL != "" {
		uploader = media.NewClient(config.UploadURL)
	}
	deps := func(kind models.Kind) entity.Deps {
		return entity.Deps{
			Cache:        a.cache,
			Bus:          a.bus,
			Channel:      a.openChannel(ctx, kind),
			Adapter:      a.adapter,
			Uploader:     uploader,
			Logger:       log,
			TabID:        tab,
			PollInterval: config.PollInterval,
		}
	}
	a.Banners = entity.NewBanners(deps(models.KindBanner))
	a.Products = entity.NewProducts(deps(models.KindProduct))
	a.Contents = entity.NewContentBlocks(deps(models.KindContentBlock))
	a.Contacts = entity.NewContacts(deps(models.KindContact))

	a.collections[models.KindBanner] = newCollection(a.Banners.Repository, "id", func() *models.Banner { return &models.Banner{} })
	a.collections[models.KindProduct] = newCollection(a.Products.Repository, "id", func() *models.Product { return &models.Product{} })
	a.collections[models.KindContentBlock] = newCollection(a.Contents.Repository, "id", func() *models.ContentBlock { return &models.ContentBlock{} })
	a.collections[models.KindContact] = newCollection(a.Contacts.Repository, "platform", func() *models.Contact { return &models.Contact{} })

	log.Info("tab ready",
		"cache", config.CacheBackend, "remote", config.Remote, "remote_available", a.adapter.Available())
	return a, nil
}

func (a *App) openCache(backend localcache.Backend) error {
	if backend == nil {
		var err error
		switch a.config.CacheBackend {
		case CacheBolt:
			backend, err = localcache.OpenBolt(a.config.CachePath)
		case CacheSQLite:
			backend, err = localcache.OpenSQLite(a.config.CachePath)
		default:
			backend = localcache.NewMemoryBackend()
		}
		if err != nil {
			return fmt.Errorf("failed to open local cache: %w", err)
		}
		a.backend = backend
	}

	policy, err := localcache.ParsePolicy(a.config.CachePolicy)
	if err != nil {
		return err
	}
	essential := []string{entity.DemoBannerSettingsKey}
	for _, k := range models.Kinds() {
		essential = append(essential, string(k))
	}
	a.cache = localcache.New(backend, localcache.Options{
		Quota:     a.config.CacheQuota,
		Policy:    policy,
		Essential: essential,
		Logger:    a.log,
	})
	return nil
}

func (a *App) openStore(ctx context.Context, store remote.Store) error {
	if store != nil {
		a.store = store
		return nil
	}
	a.ownStore = true
	switch a.config.Remote {
	case RemoteSurreal:
		s, err := remote.NewSurrealStore(ctx, a.config.surreal(), a.log)
		if err != nil {
			// The tab keeps working locally; writes stay unsynced until restart.
			a.log.Warn("remote store unavailable, running offline", "url", a.config.SurrealDBURL, "error", err)
			a.store = remote.Offline()
			return nil
		}
		a.store = s
	case RemoteMemory:
		a.store = remote.NewMemoryStore(remote.MemoryOptions{MaxDocumentBytes: a.config.MaxDocumentBytes})
	default:
		a.store = remote.Offline()
	}
	return nil
}

// openChannel joins the external relay when one is configured. Otherwise the
// tab talks to in-process peers through the hub, or, without a hub, joins its
// own relay so the tabs connected to it while serving hear its writes and it
// hears theirs.
func (a *App) openChannel(ctx context.Context, kind models.Kind) broadcast.Channel {
	var ch broadcast.Channel
	if a.config.RelayURL != "" {
		remoteCh, err := broadcast.Dial(ctx, a.config.RelayURL, string(kind), a.log)
		if err == nil {
			ch = remoteCh
		} else {
			a.log.Warn("broadcast relay unavailable", "url", a.config.RelayURL, "channel", kind, "error", err)
		}
	}
	if ch == nil {
		if a.hub != nil {
			ch = a.hub.Open(string(kind))
		} else {
			ch = a.relay.Open(string(kind))
		}
	}
	a.channels = append(a.channels, ch)
	return ch
}

// Relay is the broadcast relay served at /ws/broadcast.
func (a *App) Relay() *broadcast.Relay { return a.relay }

func (a *App) Config() *Config { return a.config }

func (a *App) Logger() logger.Logger { return a.log }

func (a *App) TabID() string { return a.tab }

func (a *App) Cache() *localcache.Cache { return a.cache }

func (a *App) Bus() *eventbus.Bus { return a.bus }

func (a *App) Adapter() *remote.Adapter { return a.adapter }

// Collection returns the repository for kind behind a kind-agnostic view.
func (a *App) Collection(kind models.Kind) (Collection, bool) {
	c, ok := a.collections[kind]
	return c, ok
}

// Wait blocks until every background remote write has finished.
func (a *App) Wait() {
	for _, c := range a.collections {
		c.wait()
	}
}

// Close waits for pending remote writes and releases everything the tab
// opened.
func (a *App) Close() error {
	a.Wait()

	var errs []error
	if a.adapter != nil {
		a.adapter.Close()
	}
	for _, ch := range a.channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil && a.ownStore {
		if err := a.store.Close(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.stopTracing(context.Background()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
