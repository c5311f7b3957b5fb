package models

import "strings"

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaGIF   MediaKind = "gif"
)

// Crop describes the visible window of the banner media.
type Crop struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Zoom   float64 `json:"zoom,omitempty"`
}

type Overlay struct {
	Text    string  `json:"text,omitempty"`
	Color   string  `json:"color,omitempty"`
	Opacity float64 `json:"opacity,omitempty"`
}

// DeviceMedia overrides the banner media per device class.
type DeviceMedia struct {
	Mobile  string `json:"mobile,omitempty"`
	Desktop string `json:"desktop,omitempty"`
}

type Banner struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Media is a URL or an inline data URI.
	Media       string       `json:"media"`
	MediaKind   MediaKind    `json:"mediaKind"`
	Width       int          `json:"width,omitempty"`
	Height      int          `json:"height,omitempty"`
	Position    string       `json:"position,omitempty"`
	Crop        *Crop        `json:"crop,omitempty"`
	Overlay     *Overlay     `json:"overlay,omitempty"`
	DeviceMedia *DeviceMedia `json:"deviceMedia,omitempty"`
	Meta
}

func (b *Banner) EntityID() string { return b.ID }
func (b *Banner) Kind() Kind       { return KindBanner }
func (b *Banner) Metadata() *Meta  { return &b.Meta }

func (b *Banner) Validate() error {
	if err := requireID(KindBanner, b.ID); err != nil {
		return err
	}
	switch b.MediaKind {
	case MediaImage, MediaVideo, MediaGIF:
	case "":
		b.MediaKind = MediaImage
	default:
		return invalid(KindBanner, "unknown media kind %q", b.MediaKind)
	}
	if b.Width < 0 || b.Height < 0 {
		return invalid(KindBanner, "negative dimensions %dx%d", b.Width, b.Height)
	}
	return nil
}

// MediaFor returns the device override when present, the default media otherwise.
func (b *Banner) MediaFor(mobile bool) string {
	if b.DeviceMedia != nil {
		if mobile && b.DeviceMedia.Mobile != "" {
			return b.DeviceMedia.Mobile
		}
		if !mobile && b.DeviceMedia.Desktop != "" {
			return b.DeviceMedia.Desktop
		}
	}
	return b.Media
}

// IsInline reports whether ref embeds its payload instead of pointing to it.
func IsInline(ref string) bool {
	return strings.HasPrefix(ref, "data:")
}

// DemoBannerSettings drives the demo carousel. It is kept locally only.
type DemoBannerSettings struct {
	IntervalMS int      `json:"intervalMs"`
	Autoplay   bool     `json:"autoplay"`
	Visible    []string `json:"visible,omitempty"`
}
