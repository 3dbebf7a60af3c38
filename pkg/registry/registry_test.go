package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/jarcoal/httpmock"

	"github.com/homefleet/teslasync/pkg/connector"
	"github.com/homefleet/teslasync/pkg/connector/rest"
	"github.com/homefleet/teslasync/pkg/protocol"
)

const productsURL = "https://owner-api.teslamotors.com/api/1/products"

const productsBody = `{
	"response": [
		{
			"id": 1001,
			"vehicle_id": 2001,
			"vin": "5YJ3E1EA1NF000001",
			"display_name": "Garage Car",
			"state": "online"
		},
		{
			"id": 1002,
			"vehicle_id": 2002,
			"vin": "5YJ3E1EA1NF000002",
			"display_name": "Street Car",
			"state": "asleep"
		},
		{
			"id": 3001,
			"energy_site_id": 4001,
			"site_name": "Home Powerwall",
			"resource_type": "solar",
			"solar_type": "pv_panel",
			"solar_power": 3250.5
		}
	],
	"count": 3
}`

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	conn := rest.NewConnection(connector.StaticToken("t"), "", "test-agent")
	httpmock.ActivateNonDefault(conn.Client())
	t.Cleanup(httpmock.DeactivateAndReset)
	return New(conn)
}

func TestDiscoverListsFleetOnce(t *testing.T) {
	reg := newTestRegistry(t)
	httpmock.RegisterResponder("GET", productsURL, httpmock.NewStringResponder(200, productsBody))

	vehicles, err := reg.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(vehicles) != 3 {
		t.Fatalf("discovered %d products, want 3", len(vehicles))
	}
	if vehicles[0].ProductType != ProductVehicle || vehicles[2].ProductType != ProductEnergySite {
		t.Error("product types not classified")
	}
	if vehicles[2].DisplayName != "Home Powerwall" {
		t.Errorf("energy site should take its site_name, got %q", vehicles[2].DisplayName)
	}

	// Second call must come from the cache.
	if _, err := reg.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls := httpmock.GetTotalCallCount(); calls != 1 {
		t.Errorf("discovery listed the fleet %d times, want 1", calls)
	}
}

func TestVINToID(t *testing.T) {
	reg := newTestRegistry(t)
	httpmock.RegisterResponder("GET", productsURL, httpmock.NewStringResponder(200, productsBody))
	if _, err := reg.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}

	id, err := reg.VINToID("5YJ3E1EA1NF000002")
	if err != nil {
		t.Fatal(err)
	}
	if id != 1002 {
		t.Errorf("id = %d, want 1002", id)
	}

	_, err = reg.VINToID("5YJ3E1EA1NF999999")
	if !errors.Is(err, protocol.ErrUnknownVehicle) {
		t.Errorf("unknown VIN should fail explicitly, got %v", err)
	}
}

func TestReverseLookups(t *testing.T) {
	reg := newTestRegistry(t)
	httpmock.RegisterResponder("GET", productsURL, httpmock.NewStringResponder(200, productsBody))
	if _, err := reg.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}

	vin, err := reg.IDToVIN(1001)
	if err != nil {
		t.Fatal(err)
	}
	if vin != "5YJ3E1EA1NF000001" {
		t.Errorf("IDToVIN(1001) = %q", vin)
	}
	if _, err := reg.IDToVIN(3001); !errors.Is(err, protocol.ErrUnknownVehicle) {
		t.Errorf("energy site has no VIN, got %v", err)
	}

	vin, err = reg.VehicleIDToVIN(2002)
	if err != nil {
		t.Fatal(err)
	}
	if vin != "5YJ3E1EA1NF000002" {
		t.Errorf("VehicleIDToVIN(2002) = %q", vin)
	}
	if _, err := reg.VehicleIDToVIN(9999); !errors.Is(err, protocol.ErrUnknownVehicle) {
		t.Errorf("unknown vehicle_id should fail explicitly, got %v", err)
	}
}

func TestEnergySites(t *testing.T) {
	reg := newTestRegistry(t)
	httpmock.RegisterResponder("GET", productsURL, httpmock.NewStringResponder(200, productsBody))
	if _, err := reg.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}

	sites := reg.EnergySites()
	if len(sites) != 1 {
		t.Fatalf("discovered %d energy sites, want 1", len(sites))
	}
	site := sites[0]
	if site.SiteID != 4001 || site.Name != "Home Powerwall" {
		t.Errorf("site = %+v", site)
	}
	if site.ResourceType != "solar" || site.SolarType != "pv_panel" {
		t.Errorf("solar metadata not parsed: %+v", site)
	}
	if site.SolarPower != 3250.5 {
		t.Errorf("solar_power = %v, want 3250.5", site.SolarPower)
	}
}

func TestRefreshReplacesFleet(t *testing.T) {
	reg := newTestRegistry(t)
	httpmock.RegisterResponder("GET", productsURL, httpmock.NewStringResponder(200, productsBody))
	if _, err := reg.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}

	httpmock.Reset()
	httpmock.RegisterResponder("GET", productsURL, httpmock.NewStringResponder(200,
		`{"response":[{"id":1001,"vehicle_id":2001,"vin":"5YJ3E1EA1NF000001","display_name":"Garage Car","state":"online"}],"count":1}`))

	vehicles, err := reg.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(vehicles) != 1 {
		t.Fatalf("refresh kept %d products, want 1", len(vehicles))
	}
	if _, err := reg.VINToID("5YJ3E1EA1NF000002"); !errors.Is(err, protocol.ErrUnknownVehicle) {
		t.Error("removed vehicle still resolvable after refresh")
	}
}

func TestDiscoverSurfacesServerError(t *testing.T) {
	reg := newTestRegistry(t)
	httpmock.RegisterResponder("GET", productsURL, httpmock.NewStringResponder(500, "boom"))
	if _, err := reg.Discover(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
