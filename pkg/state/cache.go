package state

import (
	"sync"
	"time"
)

// Snapshot is the cache's view of a single vehicle: the last successfully
// fetched document plus presence bookkeeping. Snapshots are returned by value
// and the Data pointer is never mutated after publication, so holders may
// read it without locking.
type Snapshot struct {
	// Data is the last successfully fetched document, or nil before the
	// first fetch.
	Data *VehicleData
	// FetchedAt is when Data was fetched. Monotonically non-decreasing;
	// stream merges do not advance it.
	FetchedAt time.Time
	// Online and Asleep track the last observed presence. A failed fetch
	// leaves them untouched.
	Online bool
	Asleep bool
	// LastParkedAt is when the vehicle was last seen entering park.
	LastParkedAt time.Time
	// LastWokenAt is when the client last issued a wake for this vehicle.
	LastWokenAt time.Time
	// Generation increments on every mutation, letting callers detect
	// changes without comparing documents.
	Generation uint64
}

// Cache stores one Snapshot per vehicle. All methods are safe for concurrent
// use; writes replace the snapshot atomically so readers never observe a
// half-written document.
type Cache struct {
	mu        sync.Mutex
	snapshots map[int64]Snapshot
	sites     map[int64]SiteSnapshot
	now       func() time.Time
}

func NewCache() *Cache {
	return &Cache{
		snapshots: make(map[int64]Snapshot),
		sites:     make(map[int64]SiteSnapshot),
		now:       time.Now,
	}
}

// Get returns the latest snapshot for id. It never blocks on a fetch; ok is
// false if the vehicle has never been seen.
func (c *Cache) Get(id int64) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot, ok := c.snapshots[id]
	return snapshot, ok
}

// Put overwrites the snapshot for id with a freshly fetched document. The
// staleness clock resets, presence follows the document's state field, and
// the park timestamp updates on a driving-to-parked transition.
func (c *Cache) Put(id int64, data *VehicleData) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous := c.snapshots[id]
	snapshot := previous
	snapshot.Data = data
	now := c.now()
	if now.After(snapshot.FetchedAt) {
		snapshot.FetchedAt = now
	}
	snapshot.Online = data.Online()
	snapshot.Asleep = !snapshot.Online
	if data.Parked() && (previous.Data == nil || !previous.Data.Parked()) {
		snapshot.LastParkedAt = now
	}
	snapshot.Generation++
	c.snapshots[id] = snapshot
	return snapshot
}

// SetPresence records the vehicle's reachability without touching the cached
// document or the staleness clock. Used when a fetch attempt learns only that
// the vehicle is asleep.
func (c *Cache) SetPresence(id int64, online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := c.snapshots[id]
	snapshot.Online = online
	snapshot.Asleep = !online
	snapshot.Generation++
	c.snapshots[id] = snapshot
}

// MarkWoken records that a wake request was just issued for id.
func (c *Cache) MarkWoken(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := c.snapshots[id]
	snapshot.LastWokenAt = c.now()
	snapshot.Generation++
	c.snapshots[id] = snapshot
}

// StreamUpdate is a partial, push-delivered state change. Pointer fields are
// nil when the frame did not carry that column.
type StreamUpdate struct {
	VehicleID  int64
	Time       time.Time
	Speed      *float64
	Odometer   *float64
	SOC        *int
	Elevation  *int
	Heading    *int
	Latitude   *float64
	Longitude  *float64
	Power      *float64
	ShiftState *string
	Range      *float64
	EstRange   *float64
}

// ApplyStream merges a pushed update into the snapshot for update.VehicleID.
// The cached document is cloned and only the affected sections are replaced,
// so readers holding earlier snapshots are unaffected. FetchedAt does not
// advance: pushed frames update individual fields but are not a full
// document fetch. Updates for vehicles with no cached document are dropped.
func (c *Cache) ApplyStream(update StreamUpdate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot, ok := c.snapshots[update.VehicleID]
	if !ok || snapshot.Data == nil {
		return false
	}
	data := snapshot.Data.Clone()

	drive := DriveState{}
	if data.DriveState != nil {
		drive = *data.DriveState
	}
	if update.Speed != nil {
		drive.Speed = *update.Speed
	}
	if update.Heading != nil {
		drive.Heading = *update.Heading
	}
	if update.Latitude != nil {
		drive.Latitude = *update.Latitude
	}
	if update.Longitude != nil {
		drive.Longitude = *update.Longitude
	}
	if update.Power != nil {
		drive.Power = *update.Power
	}
	if update.ShiftState != nil {
		wasParked := data.Parked()
		drive.ShiftState = *update.ShiftState
		if !wasParked && (drive.ShiftState == "" || drive.ShiftState == "P") {
			snapshot.LastParkedAt = c.now()
		}
	}
	if !update.Time.IsZero() {
		drive.Timestamp = update.Time.UnixMilli()
	}
	data.DriveState = &drive

	if update.SOC != nil || update.Range != nil || update.EstRange != nil {
		charge := ChargeState{}
		if data.ChargeState != nil {
			charge = *data.ChargeState
		}
		if update.SOC != nil {
			charge.BatteryLevel = *update.SOC
			charge.UsableBatteryLevel = *update.SOC
		}
		if update.Range != nil {
			charge.BatteryRange = *update.Range
		}
		if update.EstRange != nil {
			charge.EstBatteryRange = *update.EstRange
		}
		data.ChargeState = &charge
	}

	if update.Odometer != nil {
		status := VehicleStatus{}
		if data.VehicleState != nil {
			status = *data.VehicleState
		}
		status.Odometer = *update.Odometer
		data.VehicleState = &status
	}

	// A vehicle pushing telemetry is necessarily online.
	snapshot.Online = true
	snapshot.Asleep = false
	snapshot.Data = data
	snapshot.Generation++
	c.snapshots[update.VehicleID] = snapshot
	return true
}

// IDs returns the vehicles that have a cache entry.
func (c *Cache) IDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.snapshots))
	for id := range c.snapshots {
		ids = append(ids, id)
	}
	return ids
}
