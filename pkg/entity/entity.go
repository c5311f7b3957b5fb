// Package entity keeps banners, products, content blocks and contacts
// consistent between the local cache, the tab's subscribers, other tabs and
// the remote store.
//
// A [Repository] writes locally first and syncs to the remote store in the
// background; the local value stays authoritative until a newer remote value
// arrives. Conflicts are settled by last-writer-wins on [models.Meta]: the
// higher version wins, then the later update time, then the larger origin.
package entity

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/surrealdb/surrealshop/internal/logger"
	"github.com/surrealdb/surrealshop/pkg/broadcast"
	"github.com/surrealdb/surrealshop/pkg/eventbus"
	"github.com/surrealdb/surrealshop/pkg/localcache"
	"github.com/surrealdb/surrealshop/pkg/media"
	"github.com/surrealdb/surrealshop/pkg/models"
	"github.com/surrealdb/surrealshop/pkg/remote"
)

var ErrNotFound = errors.New("entity not found")

// SyncStatus tracks one entity's local value against the remote store.
type SyncStatus int

const (
	// Unsynced means the local value is not known to be in the remote store.
	Unsynced SyncStatus = iota
	// Syncing means a remote write is in flight.
	Syncing
	// Synced means the remote store acknowledged the local value.
	Synced
)

func (s SyncStatus) String() string {
	switch s {
	case Unsynced:
		return "unsynced"
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	default:
		return fmt.Sprintf("SyncStatus(%d)", int(s))
	}
}

func (s SyncStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Source says where a change was observed.
type Source string

const (
	// SourceLocal is a write made in this tab.
	SourceLocal Source = "local"
	// SourceStorage is a write made by another tab sharing the local cache.
	SourceStorage Source = "storage"
	// SourceBroadcast is a change announced by another tab and re-read here.
	SourceBroadcast Source = "broadcast"
	// SourceRemote is a change pushed by the remote store.
	SourceRemote Source = "remote"
)

// Change is one notification delivered to subscribers. Entity is the zero
// value when Removed is set.
type Change[E models.Entity] struct {
	ID      string
	Entity  E
	Removed bool
	Source  Source
}

// Updated is the payload of eventbus.EventEntityUpdated.
type Updated struct {
	Kind    models.Kind `json:"kind"`
	ID      string      `json:"id"`
	Version int64       `json:"version"`
	Origin  string      `json:"origin,omitempty"`
	Removed bool        `json:"removed,omitempty"`
	Source  Source      `json:"source,omitempty"`
}

// Deps are the per-tab services a repository composes. Zero fields get
// working local-only defaults.
type Deps struct {
	Cache *localcache.Cache
	Bus   *eventbus.Bus
	// Channel carries hints for one kind only; messages hold no kind.
	Channel  broadcast.Channel
	Adapter  *remote.Adapter
	Uploader media.Uploader
	Logger   logger.Logger
	// TabID identifies this tab as the origin of its writes.
	TabID string
	// PollInterval is used when the cache backend cannot push changes.
	PollInterval time.Duration
	// ResyncTimeout bounds one Resync pass. It defaults to
	// DefaultResyncTimeout.
	ResyncTimeout time.Duration
}

const DefaultResyncTimeout = 15 * time.Second

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	if d.Cache == nil {
		d.Cache = localcache.New(localcache.NewMemoryBackend(), localcache.Options{Logger: d.Logger})
	}
	if d.Bus == nil {
		d.Bus = eventbus.New(eventbus.WithLogger(d.Logger))
	}
	if d.Channel == nil {
		d.Channel = broadcast.Noop()
	}
	if d.Adapter == nil {
		d.Adapter = remote.NewAdapter(remote.Offline(), remote.Config{Logger: d.Logger})
	}
	if d.TabID == "" {
		d.TabID = uuid.NewString()
	}
	if d.PollInterval <= 0 {
		d.PollInterval = localcache.DefaultPollInterval
	}
	if d.ResyncTimeout <= 0 {
		d.ResyncTimeout = DefaultResyncTimeout
	}
	return d
}
