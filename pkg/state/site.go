package state

import "time"

// SitePower is the live power document for an energy site, as returned by the
// site's live_status endpoint. All power figures are watts.
type SitePower struct {
	SolarPower        float64 `json:"solar_power"`
	LoadPower         float64 `json:"load_power"`
	GridPower         float64 `json:"grid_power"`
	BatteryPower      float64 `json:"battery_power"`
	GeneratorPower    float64 `json:"generator_power"`
	PercentageCharged float64 `json:"percentage_charged"`
	EnergyLeft        float64 `json:"energy_left"`
	TotalPackEnergy   float64 `json:"total_pack_energy"`
	GridStatus        string  `json:"grid_status"`
	IslandStatus      string  `json:"island_status"`
	Timestamp         string  `json:"timestamp"`
}

// SiteSnapshot is the cache's view of a single energy site. Sites have no
// presence to track; a snapshot is just the last document and its age.
type SiteSnapshot struct {
	Power      *SitePower
	FetchedAt  time.Time
	Generation uint64
}

// PutSite overwrites the power snapshot for the given site id.
func (c *Cache) PutSite(siteID int64, power *SitePower) SiteSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := c.sites[siteID]
	snapshot.Power = power
	now := c.now()
	if now.After(snapshot.FetchedAt) {
		snapshot.FetchedAt = now
	}
	snapshot.Generation++
	c.sites[siteID] = snapshot
	return snapshot
}

// GetSite returns the latest power snapshot for the given site id; ok is
// false if the site has never been polled.
func (c *Cache) GetSite(siteID int64) (SiteSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot, ok := c.sites[siteID]
	return snapshot, ok
}
