// Package models defines the storefront records kept in sync between the
// local cache and the remote document store.
//
// Records are loosely shaped by nature (admin tooling adds optional fields over
// time), so every type carries explicit optional fields and is validated at the
// storage boundary by [Decode] and [FromDocument] rather than trusted as-is.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind names an entity kind. It doubles as the remote collection name.
type Kind string

const (
	KindBanner       Kind = "banners"
	KindProduct      Kind = "products"
	KindContentBlock Kind = "editable_contents"
	KindContact      Kind = "contacts"
)

// Kinds lists every synchronized kind.
func Kinds() []Kind {
	return []Kind{KindBanner, KindProduct, KindContentBlock, KindContact}
}

// ParseKind accepts the collection name or its short alias ("banner", "content", ...).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "banners", "banner":
		return KindBanner, nil
	case "products", "product":
		return KindProduct, nil
	case "editable_contents", "content", "contents", "content_blocks":
		return KindContentBlock, nil
	case "contacts", "contact":
		return KindContact, nil
	default:
		return "", fmt.Errorf("unknown entity kind: %q", s)
	}
}

var (
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("invalid entity")
	// ErrMalformed wraps decode failures of stored or received payloads.
	ErrMalformed = errors.New("malformed payload")
)

// Meta is the synchronization metadata carried by every entity.
type Meta struct {
	Version   int64     `json:"version,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
	// Origin is the tab that produced this version.
	Origin string `json:"origin,omitempty"`
}

// Newer reports whether m should replace other under last-writer-wins:
// higher version first, then later UpdatedAt, then the larger origin id.
func (m Meta) Newer(other Meta) bool {
	if m.Version != other.Version {
		return m.Version > other.Version
	}
	if !m.UpdatedAt.Equal(other.UpdatedAt) {
		return m.UpdatedAt.After(other.UpdatedAt)
	}
	return m.Origin > other.Origin
}

// Same reports whether both describe the same logical write.
func (m Meta) Same(other Meta) bool {
	return m.Version == other.Version && m.UpdatedAt.Equal(other.UpdatedAt) && m.Origin == other.Origin
}

// Entity is implemented by pointers to every record type.
type Entity interface {
	EntityID() string
	Kind() Kind
	Metadata() *Meta
	Validate() error
}

func invalid(kind Kind, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, kind, fmt.Sprintf(format, args...))
}

func requireID(kind Kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid(kind, "id is required")
	}
	return nil
}
