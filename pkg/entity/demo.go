package entity

import (
	"errors"

	"github.com/surrealdb/surrealshop/pkg/eventbus"
	"github.com/surrealdb/surrealshop/pkg/localcache"
	"github.com/surrealdb/surrealshop/pkg/models"
)

// DemoBannerSettingsKey holds the demo carousel settings. They never leave
// the device.
const DemoBannerSettingsKey = "demo_banner_settings"

// LoadDemoBannerSettings returns the stored settings, or the defaults when
// none are stored or the stored value is malformed.
func LoadDemoBannerSettings(cache *localcache.Cache) models.DemoBannerSettings {
	var s models.DemoBannerSettings
	if err := cache.GetJSON(DemoBannerSettingsKey, &s); err != nil {
		return models.DefaultDemoBannerSettings()
	}
	return s
}

// SaveDemoBannerSettings stores s and asks banner consumers to reload.
func SaveDemoBannerSettings(cache *localcache.Cache, bus *eventbus.Bus, s models.DemoBannerSettings) error {
	if s.IntervalMS <= 0 {
		return errors.New("demo banner interval must be positive")
	}
	if err := cache.SetJSON(DemoBannerSettingsKey, s); err != nil {
		return err
	}
	bus.EmitThrottled(eventbus.EventBannersReload, DemoBannerSettingsKey, 0)
	return nil
}
