// Package remote reads and writes storefront documents in the remote store
// and tolerates that store being slow, misconfigured or gone.
//
// [Store] is the document-store contract, implemented for SurrealDB and in
// memory. [Adapter] sits on top of it: it enforces the per-document size
// ceiling, keeps at most one write in flight per document, turns read failures
// into empty results and keeps one live listener per document.
package remote

import (
	"context"
	"errors"

	"github.com/surrealdb/surrealshop/pkg/models"
)

type Document = models.Document

var (
	ErrNotFound        = errors.New("remote document not found")
	ErrUnavailable     = errors.New("remote store unavailable")
	ErrPayloadTooLarge = errors.New("remote document exceeds size limit")
	ErrClosed          = errors.New("remote store closed")
)

type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Change is one live notification. Doc is nil for deletes.
type Change struct {
	Collection string
	ID         string
	Action     Action
	Doc        Document
}

// Store is a collection/id keyed document store. Documents carry their id
// under the "id" key as a plain string.
type Store interface {
	Put(ctx context.Context, collection, id string, doc Document) error
	Get(ctx context.Context, collection, id string) (Document, error)
	List(ctx context.Context, collection string) ([]Document, error)
	Delete(ctx context.Context, collection, id string) error
	// Watch streams changes to one document, or to the whole collection when
	// id is empty, until stop is called.
	Watch(ctx context.Context, collection, id string) (changes <-chan Change, stop func(), err error)
	Close(ctx context.Context) error
}

// Availability is implemented by stores that can tell up front that calling
// them is pointless.
type Availability interface {
	Available() bool
}

// Available reports whether s should be called at all.
func Available(s Store) bool {
	if s == nil {
		return false
	}
	if a, ok := s.(Availability); ok {
		return a.Available()
	}
	return true
}

type offline struct{}

// Offline is the store used when no remote is configured. It reports itself
// unavailable and fails every call with ErrUnavailable.
func Offline() Store { return offline{} }

func (offline) Available() bool { return false }

func (offline) Put(context.Context, string, string, Document) error { return ErrUnavailable }

func (offline) Get(context.Context, string, string) (Document, error) { return nil, ErrUnavailable }

func (offline) List(context.Context, string) ([]Document, error) { return nil, ErrUnavailable }

func (offline) Delete(context.Context, string, string) error { return ErrUnavailable }

func (offline) Watch(context.Context, string, string) (<-chan Change, func(), error) {
	return nil, nil, ErrUnavailable
}

func (offline) Close(context.Context) error { return nil }

func withID(doc Document, id string) Document {
	out := make(Document, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out["id"] = id
	return out
}

func withoutID(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		if k != "id" {
			out[k] = v
		}
	}
	return out
}
