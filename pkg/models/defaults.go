package models

// Seed sets written on first run when the local cache holds nothing for a kind.
// Ids are stable so that re-seeding in two tabs converges on the same records.

func DefaultBanners() []*Banner {
	return []*Banner{
		{
			ID:          "hero",
			Name:        "Hero",
			Description: "Main landing banner",
			Media:       "/static/banners/hero.jpg",
			MediaKind:   MediaImage,
			Width:       1920,
			Height:      720,
			Position:    "home-top",
		},
		{
			ID:          "promo",
			Name:        "Promotion",
			Description: "Seasonal promotion strip",
			Media:       "/static/banners/promo.gif",
			MediaKind:   MediaGIF,
			Width:       1200,
			Height:      300,
			Position:    "home-middle",
		},
		{
			ID:        "lookbook",
			Name:      "Lookbook",
			Media:     "/static/banners/lookbook.mp4",
			MediaKind: MediaVideo,
			Width:     1280,
			Height:    720,
			Position:  "collections",
			DeviceMedia: &DeviceMedia{
				Mobile: "/static/banners/lookbook-mobile.jpg",
			},
		},
	}
}

func DefaultProducts() []*Product {
	full := 129.9
	return []*Product{
		{
			ID:         "tee-basic-black",
			Name:       "Basic Tee",
			Price:      59.9,
			Image:      "/static/products/tee-basic-black.jpg",
			Color:      "black",
			Categories: []string{"tops", "basics"},
			Sizes:      []string{"S", "M", "L"},
			Status:     StatusActive,
		},
		{
			ID:            "dress-linen-sand",
			Name:          "Linen Dress",
			Price:         99.9,
			OriginalPrice: &full,
			Image:         "/static/products/dress-linen-sand.jpg",
			Color:         "sand",
			Categories:    []string{"dresses"},
			Sizes:         []string{"S", "M"},
			Stock:         map[string]int{"S": 3, "M": 0},
			Status:        StatusActive,
			Promo:         true,
		},
		{
			ID:         "jacket-denim",
			Name:       "Denim Jacket",
			Price:      189.0,
			Image:      "/static/products/jacket-denim.jpg",
			Color:      "blue",
			Categories: []string{"outerwear"},
			Sizes:      []string{"M", "L", "XL"},
			Status:     StatusActive,
			New:        true,
		},
	}
}

func DefaultContentBlocks() []*ContentBlock {
	return []*ContentBlock{
		{ID: "home-headline", Content: "New season, new looks", Page: "home", Element: "h1"},
		{ID: "home-subtitle", Content: "Free shipping on orders over 200", Page: "home", Element: "p"},
		{ID: "about-body", Content: "Independent label since 2015.", Page: "about", Element: "section"},
	}
}

func DefaultContacts() []*Contact {
	return []*Contact{
		{Platform: "instagram", URL: "https://instagram.com/surrealshop", Active: true},
		{Platform: "whatsapp", URL: "https://wa.me/0000000000", Active: true},
		{Platform: "email", URL: "mailto:hello@surrealshop.example", Active: false},
	}
}

func DefaultDemoBannerSettings() DemoBannerSettings {
	return DemoBannerSettings{IntervalMS: 5000, Autoplay: true}
}
