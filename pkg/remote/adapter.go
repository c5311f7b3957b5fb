package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/surrealdb/surrealshop/internal/logger"
	"github.com/surrealdb/surrealshop/pkg/models"
)

const tracerName = "github.com/surrealdb/surrealshop/pkg/remote"

// Status is the outcome of a sync request.
type Status int

const (
	// StatusWritten means the document was written by this call.
	StatusWritten Status = iota
	// StatusQueued means the call waited behind an in-flight write of the same
	// document and was written as part of the coalesced follow-up write,
	// possibly superseded by a newer value.
	StatusQueued
	// StatusSkipped means the remote store is not available.
	StatusSkipped
	// StatusRejected means the document exceeds the size ceiling.
	StatusRejected
	// StatusFailed means the store returned an error.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusWritten:
		return "written"
	case StatusQueued:
		return "queued"
	case StatusSkipped:
		return "skipped"
	case StatusRejected:
		return "rejected"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

type Config struct {
	// MaxDocumentBytes defaults to DefaultMaxDocumentBytes.
	MaxDocumentBytes int
	// Retryer defaults to DefaultBackoff.
	Retryer        Retryer
	TracerProvider trace.TracerProvider
	Logger         logger.Logger
}

// Adapter is the only path from the repositories to the remote store.
type Adapter struct {
	store     Store
	max       int
	retryer   Retryer
	tracer    trace.Tracer
	log       logger.Logger
	listeners *Listeners
	fetches   singleflight.Group

	mu     sync.Mutex
	queues map[listenerKey]*writeQueue
}

// writeQueue holds the value waiting behind the in-flight write of one
// document. Only the latest pending value is kept.
type writeQueue struct {
	pending    Document
	hasPending bool
	waiters    []chan error
}

func NewAdapter(store Store, cfg Config) *Adapter {
	if store == nil {
		store = Offline()
	}
	if cfg.MaxDocumentBytes <= 0 {
		cfg.MaxDocumentBytes = DefaultMaxDocumentBytes
	}
	if cfg.Retryer == nil {
		cfg.Retryer = DefaultBackoff()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	log := logger.OrNop(cfg.Logger)
	return &Adapter{
		store:     store,
		max:       cfg.MaxDocumentBytes,
		retryer:   cfg.Retryer,
		tracer:    cfg.TracerProvider.Tracer(tracerName),
		log:       log,
		listeners: NewListeners(log),
		queues:    make(map[listenerKey]*writeQueue),
	}
}

func (a *Adapter) Store() Store { return a.store }

func (a *Adapter) Retryer() Retryer { return a.retryer }

func (a *Adapter) MaxDocumentBytes() int { return a.max }

// Available reports whether remote calls are attempted at all.
func (a *Adapter) Available() bool { return Available(a.store) }

// SyncEntity writes e to the collection named by its kind.
func (a *Adapter) SyncEntity(ctx context.Context, e models.Entity) (Status, error) {
	if !a.Available() {
		return StatusSkipped, ErrUnavailable
	}
	doc, err := models.ToDocument(e)
	if err != nil {
		return StatusFailed, err
	}
	return a.SyncDocument(ctx, string(e.Kind()), e.EntityID(), doc)
}

// SyncDocument writes doc under collection/id. While a write of the same
// document is in flight, later calls wait and only the latest of them is
// written once the in-flight write completes.
func (a *Adapter) SyncDocument(ctx context.Context, collection, id string, doc Document) (Status, error) {
	if !a.Available() {
		return StatusSkipped, ErrUnavailable
	}
	size, err := DocumentSize(doc)
	if err != nil {
		return StatusFailed, err
	}
	if size > a.max {
		a.log.Warn("remote document too large, not syncing",
			"collection", collection, "id", id, "bytes", size, "limit", a.max)
		return StatusRejected, fmt.Errorf("%w: %s/%s is %d bytes, limit %d", ErrPayloadTooLarge, collection, id, size, a.max)
	}

	key := listenerKey{collection: collection, id: id}
	a.mu.Lock()
	if q, busy := a.queues[key]; busy {
		q.pending = doc
		q.hasPending = true
		done := make(chan error, 1)
		q.waiters = append(q.waiters, done)
		a.mu.Unlock()

		select {
		case err := <-done:
			if err != nil {
				return failure(err), err
			}
			return StatusQueued, nil
		case <-ctx.Done():
			return StatusQueued, ctx.Err()
		}
	}
	a.queues[key] = &writeQueue{}
	a.mu.Unlock()

	err = a.put(ctx, collection, id, doc)
	a.drain(context.WithoutCancel(ctx), key)
	if err != nil {
		return failure(err), err
	}
	return StatusWritten, nil
}

func failure(err error) Status {
	if errors.Is(err, ErrPayloadTooLarge) {
		return StatusRejected
	}
	return StatusFailed
}

func (a *Adapter) drain(ctx context.Context, key listenerKey) {
	for {
		a.mu.Lock()
		q := a.queues[key]
		if !q.hasPending {
			delete(a.queues, key)
			a.mu.Unlock()
			return
		}
		doc, waiters := q.pending, q.waiters
		q.pending, q.hasPending, q.waiters = nil, false, nil
		a.mu.Unlock()

		err := a.put(ctx, key.collection, key.id, doc)
		for _, w := range waiters {
			w <- err
		}
	}
}

func (a *Adapter) put(ctx context.Context, collection, id string, doc Document) error {
	ctx, span := a.start(ctx, "remote.put", collection, id)
	defer span.End()

	if err := a.store.Put(ctx, collection, id, doc); err != nil {
		a.fail(span, "remote write failed", err, collection, id)
		return err
	}
	return nil
}

// LoadEntities lists a collection. Any failure yields an empty result.
func (a *Adapter) LoadEntities(ctx context.Context, collection string) []Document {
	if !a.Available() {
		return nil
	}
	ctx, span := a.start(ctx, "remote.list", collection, "")
	defer span.End()

	docs, err := a.store.List(ctx, collection)
	if err != nil {
		a.fail(span, "remote list failed", err, collection, "")
		return nil
	}
	span.SetAttributes(attribute.Int("surrealshop.documents", len(docs)))
	return docs
}

// GetContent reads the text of one content block.
func (a *Adapter) GetContent(ctx context.Context, id string) (string, bool) {
	doc, err := a.Fetch(ctx, string(models.KindContentBlock), id)
	if err != nil {
		return "", false
	}
	content, ok := doc["content"].(string)
	return content, ok
}

// Fetch reads one document. Concurrent fetches of the same document share a
// single remote call.
func (a *Adapter) Fetch(ctx context.Context, collection, id string) (Document, error) {
	if !a.Available() {
		return nil, ErrUnavailable
	}
	v, err, _ := a.fetches.Do(collection+"/"+id, func() (any, error) {
		ctx, span := a.start(ctx, "remote.get", collection, id)
		defer span.End()

		doc, err := a.store.Get(ctx, collection, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				a.fail(span, "remote read failed", err, collection, id)
			}
			return nil, err
		}
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	shared := v.(Document)
	doc := make(Document, len(shared))
	for k, val := range shared {
		doc[k] = val
	}
	return doc, nil
}

// Listen calls fn with every remote change to collection/id, and with nil
// when the document is deleted. A second Listen for the same document
// replaces the first.
func (a *Adapter) Listen(collection, id string, fn func(Document)) func() {
	return a.ListenChanges(collection, id, func(c Change) {
		fn(c.Doc)
	})
}

// ListenChanges is Listen with the full change, which also identifies the
// document when id is empty and the whole collection is watched. The live
// query of a replaced listener is torn down before the new one is opened.
func (a *Adapter) ListenChanges(collection, id string, fn func(Change)) func() {
	if !a.Available() {
		return func() {}
	}
	a.listeners.Stop(collection, id)
	changes, stop, err := a.store.Watch(context.Background(), collection, id)
	if err != nil {
		a.logFailure("remote listen failed", err, collection, id)
		return func() {}
	}
	return a.listeners.Attach(collection, id, changes, stop, fn)
}

// Listening counts active remote listeners.
func (a *Adapter) Listening() int { return a.listeners.Len() }

func (a *Adapter) Delete(ctx context.Context, collection, id string) error {
	if !a.Available() {
		return ErrUnavailable
	}
	ctx, span := a.start(ctx, "remote.delete", collection, id)
	defer span.End()

	if err := a.store.Delete(ctx, collection, id); err != nil {
		a.fail(span, "remote delete failed", err, collection, id)
		return err
	}
	return nil
}

// Close detaches every listener. The store is left open.
func (a *Adapter) Close() {
	a.listeners.Close()
}

func (a *Adapter) start(ctx context.Context, name, collection, id string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("surrealshop.collection", collection)}
	if id != "" {
		attrs = append(attrs, attribute.String("surrealshop.id", id))
	}
	return a.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (a *Adapter) fail(span trace.Span, msg string, err error, collection, id string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	a.logFailure(msg, err, collection, id)
}

// logFailure keeps quota and timeout failures at warn level so they can be
// told apart from misconfiguration.
func (a *Adapter) logFailure(msg string, err error, collection, id string) {
	if IsQuotaOrTimeout(err) {
		a.log.Warn(msg+": quota or timeout", "collection", collection, "id", id, "error", err)
		return
	}
	a.log.Error(msg, "collection", collection, "id", id, "error", err)
}
