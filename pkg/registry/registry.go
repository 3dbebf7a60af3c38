// Package registry tracks the account's fleet: which vehicles and energy
// sites exist, and the mapping between external VINs and the numeric ids used
// by the API.
package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/homefleet/teslasync/internal/log"
	"github.com/homefleet/teslasync/pkg/connector/rest"
	"github.com/homefleet/teslasync/pkg/protocol"
)

// ProductType distinguishes the two kinds of products an account can own.
type ProductType string

const (
	ProductVehicle    ProductType = "vehicle"
	ProductEnergySite ProductType = "energy_site"
)

// Vehicle identity as reported by the product listing. Immutable after
// discovery except DisplayName, which owners can rename at any time.
type Vehicle struct {
	// ID is the account-scoped identifier used in API paths.
	ID int64
	// VehicleID is the identifier used by the streaming service.
	VehicleID int64
	// VIN is the stable external key.
	VIN         string
	DisplayName string
	State       string
	ProductType ProductType
	// EnergySiteID is set only for energy sites.
	EnergySiteID int64
}

// EnergySite identity as reported by the product listing. SiteID (the
// "energy_site_id") addresses the site in API paths; ID is the account-scoped
// product id.
type EnergySite struct {
	ID           int64
	SiteID       int64
	Name         string
	ResourceType string
	SolarType    string
	// SolarPower is the instantaneous generation reported with the product
	// listing; live readings come from the site's power snapshot.
	SolarPower float64
}

type productRecord struct {
	ID           int64           `json:"id"`
	VehicleID    int64           `json:"vehicle_id"`
	VIN          string          `json:"vin"`
	DisplayName  string          `json:"display_name"`
	State        string          `json:"state"`
	EnergySiteID int64           `json:"energy_site_id"`
	SiteName     string          `json:"site_name"`
	ResourceType string          `json:"resource_type"`
	SolarType    string          `json:"solar_type"`
	SolarPower   float64         `json:"solar_power"`
	Tokens       json.RawMessage `json:"tokens"`
}

// Registry caches the account's product list for the process lifetime.
// Discovery runs once; Refresh forces a re-listing when the fleet changed
// externally. All methods are safe for concurrent use.
type Registry struct {
	conn *rest.Connection

	mu          sync.Mutex
	vehicles    []Vehicle
	sites       []EnergySite
	byVIN       map[string]int64
	byID        map[int64]Vehicle
	byVehicleID map[int64]string
	discovered  bool
}

func New(conn *rest.Connection) *Registry {
	return &Registry{conn: conn}
}

// Discover returns the account's products, fetching the list from the server
// on the first call and serving the cached copy afterwards.
func (r *Registry) Discover(ctx context.Context) ([]Vehicle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.discovered {
		return r.listLocked(), nil
	}
	if err := r.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return r.listLocked(), nil
}

// Refresh re-lists the account's products, replacing the cached fleet. Only
// for external triggers (a vehicle was added or removed); the registry never
// refreshes on its own.
func (r *Registry) Refresh(ctx context.Context) ([]Vehicle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return r.listLocked(), nil
}

func (r *Registry) refreshLocked(ctx context.Context) error {
	body, err := r.conn.Get(ctx, "api/1/products")
	if err != nil {
		return err
	}
	var records []productRecord
	if err := rest.UnmarshalResponse(body, &records); err != nil {
		return err
	}
	vehicles := make([]Vehicle, 0, len(records))
	sites := make([]EnergySite, 0)
	byVIN := make(map[string]int64, len(records))
	byID := make(map[int64]Vehicle, len(records))
	byVehicleID := make(map[int64]string, len(records))
	for _, record := range records {
		vehicle := Vehicle{
			ID:          record.ID,
			VehicleID:   record.VehicleID,
			VIN:         record.VIN,
			DisplayName: record.DisplayName,
			State:       record.State,
			ProductType: ProductVehicle,
		}
		if record.EnergySiteID != 0 {
			vehicle.ProductType = ProductEnergySite
			vehicle.EnergySiteID = record.EnergySiteID
			if vehicle.DisplayName == "" {
				vehicle.DisplayName = record.SiteName
			}
			sites = append(sites, EnergySite{
				ID:           record.ID,
				SiteID:       record.EnergySiteID,
				Name:         record.SiteName,
				ResourceType: record.ResourceType,
				SolarType:    record.SolarType,
				SolarPower:   record.SolarPower,
			})
		}
		vehicles = append(vehicles, vehicle)
		if vehicle.VIN != "" {
			byVIN[vehicle.VIN] = vehicle.ID
		}
		if vehicle.VehicleID != 0 {
			byVehicleID[vehicle.VehicleID] = vehicle.VIN
		}
		byID[vehicle.ID] = vehicle
	}
	log.Info("Discovered %d products (%d with a VIN, %d energy sites)", len(vehicles), len(byVIN), len(sites))
	r.vehicles = vehicles
	r.sites = sites
	r.byVIN = byVIN
	r.byID = byID
	r.byVehicleID = byVehicleID
	r.discovered = true
	return nil
}

func (r *Registry) listLocked() []Vehicle {
	out := make([]Vehicle, len(r.vehicles))
	copy(out, r.vehicles)
	return out
}

// VINToID resolves a VIN to the numeric id used in API paths. Fails with
// protocol.ErrUnknownVehicle for VINs outside the discovered fleet.
func (r *Registry) VINToID(vin string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byVIN[vin]
	if !ok {
		return 0, protocol.ErrUnknownVehicle
	}
	return id, nil
}

// Lookup returns the vehicle with the given numeric id.
func (r *Registry) Lookup(id int64) (Vehicle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vehicle, ok := r.byID[id]
	if !ok {
		return Vehicle{}, protocol.ErrUnknownVehicle
	}
	return vehicle, nil
}

// IDToVIN is the inverse of VINToID.
func (r *Registry) IDToVIN(id int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vehicle, ok := r.byID[id]
	if !ok || vehicle.VIN == "" {
		return "", protocol.ErrUnknownVehicle
	}
	return vehicle.VIN, nil
}

// VehicleIDToVIN resolves the separate vehicle_id used by the streaming
// endpoint back to a VIN.
func (r *Registry) VehicleIDToVIN(vehicleID int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vin, ok := r.byVehicleID[vehicleID]
	if !ok || vin == "" {
		return "", protocol.ErrUnknownVehicle
	}
	return vin, nil
}

// EnergySites lists the discovered energy products.
func (r *Registry) EnergySites() []EnergySite {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EnergySite, len(r.sites))
	copy(out, r.sites)
	return out
}
