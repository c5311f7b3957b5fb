package entity

import (
	"sort"
	"strings"

	"github.com/surrealdb/surrealshop/pkg/models"
)

const categoryPrefix = "products:category:"

// CategoryKey is the cache key of the denormalized list of products tagged
// with tag.
func CategoryKey(tag string) string { return categoryPrefix + tag }

type Products struct {
	*Repository[*models.Product]
}

// NewProducts keeps a per-category copy of every product next to the primary
// list. The copies are rewritten after re-reading them and are not updated
// atomically with the primary list.
func NewProducts(deps Deps) *Products {
	r := newRepository(models.KindProduct, func() *models.Product { return &models.Product{} }, models.DefaultProducts, deps)
	p := &Products{Repository: r}
	r.hooks = hooks[*models.Product]{
		written: p.categoriesWritten,
		removed: p.categoriesRemoved,
	}
	return p
}

func (p *Products) categoriesWritten(prev *models.Product, hadPrev bool, next *models.Product) {
	tags := make(map[string]struct{})
	if hadPrev {
		for _, t := range prev.Categories {
			tags[t] = struct{}{}
		}
	}
	for _, t := range next.Categories {
		tags[t] = struct{}{}
	}
	for t := range tags {
		keep := next.HasCategory(t)
		p.updateList(CategoryKey(t), func(list []*models.Product) []*models.Product {
			out := make([]*models.Product, 0, len(list)+1)
			for _, e := range list {
				if e.ID != next.ID {
					out = append(out, e)
				}
			}
			if keep {
				out = append(out, next)
			}
			return out
		})
	}
}

func (p *Products) categoriesRemoved(id string) {
	for _, key := range p.cache.Keys() {
		if !strings.HasPrefix(key, categoryPrefix) {
			continue
		}
		p.updateList(key, func(list []*models.Product) []*models.Product {
			out := make([]*models.Product, 0, len(list))
			for _, e := range list {
				if e.ID != id {
					out = append(out, e)
				}
			}
			return out
		})
	}
}

// ByCategory reads the denormalized list for tag, falling back to filtering
// the primary list when the copy is missing or malformed.
func (p *Products) ByCategory(tag string) []*models.Product {
	if raw, ok := p.cache.Get(CategoryKey(tag)); ok {
		if list, err := models.DecodeEntities[*models.Product]([]byte(raw)); err == nil {
			return list
		}
	}
	var out []*models.Product
	for _, e := range p.LoadAll() {
		if e.HasCategory(tag) {
			out = append(out, e)
		}
	}
	return out
}

// Categories lists every tag used by a cached product.
func (p *Products) Categories() []string {
	seen := make(map[string]struct{})
	for _, e := range p.LoadAll() {
		for _, t := range e.Categories {
			seen[t] = struct{}{}
		}
	}
	tags := make([]string, 0, len(seen))
	for t := range seen {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Active lists products a shopper can see.
func (p *Products) Active() []*models.Product {
	var out []*models.Product
	for _, e := range p.LoadAll() {
		if e.Status == models.StatusActive {
			out = append(out, e)
		}
	}
	return out
}
