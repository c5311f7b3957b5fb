package entity

import (
	"context"

	"github.com/surrealdb/surrealshop/pkg/models"
)

type ContentBlocks struct {
	*Repository[*models.ContentBlock]
}

func NewContentBlocks(deps Deps) *ContentBlocks {
	r := newRepository(models.KindContentBlock, func() *models.ContentBlock { return &models.ContentBlock{} }, models.DefaultContentBlocks, deps)
	return &ContentBlocks{Repository: r}
}

// Content returns the remote text of block id when the remote store has it,
// and the cached text otherwise.
func (c *ContentBlocks) Content(ctx context.Context, id string) (string, bool) {
	if text, ok := c.adapter.GetContent(ctx, id); ok {
		return text, true
	}
	block, ok := c.Get(id)
	if !ok {
		return "", false
	}
	return block.Content, true
}

// SetContent updates the text of block id, creating the block when needed.
func (c *ContentBlocks) SetContent(ctx context.Context, id, text string) (*models.ContentBlock, error) {
	block, ok := c.Get(id)
	if !ok {
		block = &models.ContentBlock{ID: id}
	}
	block.Content = text
	if err := c.Save(ctx, block); err != nil {
		return nil, err
	}
	return block, nil
}

// ForPage lists the blocks of page.
func (c *ContentBlocks) ForPage(page string) []*models.ContentBlock {
	var out []*models.ContentBlock
	for _, e := range c.LoadAll() {
		if e.Page == page {
			out = append(out, e)
		}
	}
	return out
}

type Contacts struct {
	*Repository[*models.Contact]
}

func NewContacts(deps Deps) *Contacts {
	r := newRepository(models.KindContact, func() *models.Contact { return &models.Contact{} }, models.DefaultContacts, deps)
	return &Contacts{Repository: r}
}

func (c *Contacts) Active() []*models.Contact {
	var out []*models.Contact
	for _, e := range c.LoadAll() {
		if e.Active {
			out = append(out, e)
		}
	}
	return out
}
