package models

type ProductStatus string

const (
	StatusActive   ProductStatus = "active"
	StatusInactive ProductStatus = "inactive"
)

type Product struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Price         float64        `json:"price"`
	OriginalPrice *float64       `json:"originalPrice,omitempty"`
	Image         string         `json:"image,omitempty"`
	Color         string         `json:"color,omitempty"`
	Categories    []string       `json:"categories,omitempty"`
	Sizes         []string       `json:"sizes,omitempty"`
	Stock         map[string]int `json:"stock,omitempty"`
	Status        ProductStatus  `json:"status"`
	Promo         bool           `json:"promo,omitempty"`
	New           bool           `json:"new,omitempty"`
	Meta
}

func (p *Product) EntityID() string { return p.ID }
func (p *Product) Kind() Kind       { return KindProduct }
func (p *Product) Metadata() *Meta  { return &p.Meta }

func (p *Product) Validate() error {
	if err := requireID(KindProduct, p.ID); err != nil {
		return err
	}
	if p.Price < 0 {
		return invalid(KindProduct, "negative price %v", p.Price)
	}
	if p.OriginalPrice != nil && *p.OriginalPrice < 0 {
		return invalid(KindProduct, "negative original price %v", *p.OriginalPrice)
	}
	switch p.Status {
	case StatusActive, StatusInactive:
	case "":
		p.Status = StatusActive
	default:
		return invalid(KindProduct, "unknown status %q", p.Status)
	}
	for size, n := range p.Stock {
		if n < 0 {
			return invalid(KindProduct, "negative stock %d for size %q", n, size)
		}
	}
	return nil
}

// Discounted reports whether the product shows a struck-through original price.
func (p *Product) Discounted() bool {
	return p.OriginalPrice != nil && *p.OriginalPrice > p.Price
}

// InStock reports availability for size. Products without per-size stock
// are available in every listed size.
func (p *Product) InStock(size string) bool {
	if p.Stock == nil {
		for _, s := range p.Sizes {
			if s == size {
				return true
			}
		}
		return false
	}
	return p.Stock[size] > 0
}

func (p *Product) HasCategory(tag string) bool {
	for _, c := range p.Categories {
		if c == tag {
			return true
		}
	}
	return false
}
