package localcache

import (
	"errors"
	"time"
)

var (
	// ErrQuotaExceeded is returned when a write does not fit even after eviction.
	ErrQuotaExceeded = errors.New("local cache quota exceeded")
	// ErrNotFound is returned by GetJSON when the key is absent.
	ErrNotFound = errors.New("local cache key not found")
	// ErrMalformed is returned by GetJSON when the stored value cannot be parsed.
	ErrMalformed = errors.New("local cache value is malformed")
	// ErrClosed is returned by backends after Close.
	ErrClosed = errors.New("local cache is closed")
)

// EntryInfo describes one stored key without its value.
type EntryInfo struct {
	Key      string
	Size     int64
	Modified time.Time
}

// Backend is the persistent key-value store under a Cache. Keys are full keys,
// namespace included. Implementations must be safe for concurrent use.
type Backend interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Entries() ([]EntryInfo, error)
	Close() error
}

// Notifier is implemented by backends that can push key changes directly,
// which lets a watcher skip polling.
type Notifier interface {
	Notify(fn func(key string)) (cancel func())
}

// Filer is implemented by backends persisted in a single file that other
// processes may share.
type Filer interface {
	Path() string
}
