package entity

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealshop/pkg/media"
	"github.com/surrealdb/surrealshop/pkg/models"
)

type Banners struct {
	*Repository[*models.Banner]
	uploader media.Uploader
}

func NewBanners(deps Deps) *Banners {
	r := newRepository(models.KindBanner, func() *models.Banner { return &models.Banner{} }, models.DefaultBanners, deps)
	return &Banners{Repository: r, uploader: deps.Uploader}
}

// SetMedia replaces the media of banner id with data. The payload is uploaded
// when an uploader is configured and inlined as a data URI otherwise; inline
// payloads that are too large for the remote store stay on this device.
func (b *Banners) SetMedia(ctx context.Context, id, name, mimeType string, data []byte) (*models.Banner, error) {
	banner, ok := b.Get(id)
	if !ok {
		return nil, fmt.Errorf("set media of banner %q: %w", id, ErrNotFound)
	}
	res := media.Resolve(ctx, b.uploader, name, mimeType, data, b.log)
	banner.Media = res.Ref
	banner.MediaKind = res.Kind
	if res.Width > 0 && res.Height > 0 {
		banner.Width, banner.Height = res.Width, res.Height
	}
	if err := b.Save(ctx, banner); err != nil {
		return nil, err
	}
	return banner, nil
}

// AtPosition lists the banners placed at position, in list order.
func (b *Banners) AtPosition(position string) []*models.Banner {
	var out []*models.Banner
	for _, e := range b.LoadAll() {
		if e.Position == position {
			out = append(out, e)
		}
	}
	return out
}
