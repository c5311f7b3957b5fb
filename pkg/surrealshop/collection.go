package surrealshop

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealshop/pkg/entity"
	"github.com/surrealdb/surrealshop/pkg/models"
)

// Collection is a repository seen without its entity type, for the HTTP and
// command layers that pick the kind at run time.
type Collection interface {
	Kind() models.Kind
	List() []models.Entity
	Get(id string) (models.Entity, bool)
	// Save decodes a JSON entity and stores it under id.
	Save(ctx context.Context, id string, body []byte) (models.Entity, error)
	Clear(ctx context.Context, id string) error
	Status(id string) entity.SyncStatus
	Statuses() map[string]entity.SyncStatus
	Resync(ctx context.Context) error
	Refresh(ctx context.Context) (int, error)
	Reconcile(ctx context.Context) (int, error)
	// Subscribe reports every change of this kind with its source.
	Subscribe(fn func(id string, removed bool, source entity.Source)) func()
	wait()
}

type repoCollection[E models.Entity] struct {
	repo    *entity.Repository[E]
	idField string
	newE    func() E
}

func newCollection[E models.Entity](repo *entity.Repository[E], idField string, newE func() E) *repoCollection[E] {
	return &repoCollection[E]{repo: repo, idField: idField, newE: newE}
}

func (c *repoCollection[E]) Kind() models.Kind { return c.repo.Kind() }

func (c *repoCollection[E]) List() []models.Entity {
	list := c.repo.LoadAll()
	out := make([]models.Entity, len(list))
	for i, e := range list {
		out[i] = e
	}
	return out
}

func (c *repoCollection[E]) Get(id string) (models.Entity, bool) {
	e, ok := c.repo.Get(id)
	if !ok {
		return nil, false
	}
	return e, true
}

func (c *repoCollection[E]) Save(ctx context.Context, id string, body []byte) (models.Entity, error) {
	var doc models.Document
	if err := models.Decode(body, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: body is not an object", models.ErrMalformed)
	}
	if other, ok := doc[c.idField].(string); ok && other != "" && other != id {
		return nil, fmt.Errorf("%w: body %s %q does not match %q", models.ErrInvalid, c.idField, other, id)
	}
	doc[c.idField] = id

	e := c.newE()
	if err := models.FromDocument(doc, e); err != nil {
		return nil, err
	}
	if err := c.repo.Save(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (c *repoCollection[E]) Clear(ctx context.Context, id string) error {
	return c.repo.Clear(ctx, id)
}

func (c *repoCollection[E]) Status(id string) entity.SyncStatus { return c.repo.Status(id) }

func (c *repoCollection[E]) Statuses() map[string]entity.SyncStatus { return c.repo.Statuses() }

func (c *repoCollection[E]) Resync(ctx context.Context) error { return c.repo.Resync(ctx) }

func (c *repoCollection[E]) Refresh(ctx context.Context) (int, error) { return c.repo.Refresh(ctx) }

func (c *repoCollection[E]) Reconcile(ctx context.Context) (int, error) {
	return c.repo.Reconcile(ctx)
}

func (c *repoCollection[E]) Subscribe(fn func(id string, removed bool, source entity.Source)) func() {
	return c.repo.Subscribe(func(ch entity.Change[E]) {
		fn(ch.ID, ch.Removed, ch.Source)
	})
}

func (c *repoCollection[E]) wait() { c.repo.Wait() }
