package state

import (
	"encoding/json"
	"testing"
)

const sampleVehicleData = `{
	"id": 12345,
	"user_id": 42,
	"vehicle_id": 98765,
	"vin": "5YJ3E1EA1NF000001",
	"display_name": "Garage Car",
	"state": "online",
	"in_service": false,
	"api_version": 67,
	"charge_state": {
		"battery_level": 72,
		"usable_battery_level": 71,
		"battery_range": 212.4,
		"charging_state": "Charging",
		"charge_limit_soc": 80,
		"charger_power": 11,
		"minutes_to_full_charge": 35,
		"timestamp": 1724800000000
	},
	"drive_state": {
		"shift_state": "D",
		"speed": 35.0,
		"power": 14,
		"latitude": 37.4924,
		"longitude": -121.9443,
		"heading": 194,
		"timestamp": 1724800000000
	},
	"vehicle_state": {
		"locked": true,
		"odometer": 12345.6,
		"car_version": "2024.26.3"
	},
	"some_future_field": {"nested": [1, 2, 3]},
	"another_flag": true
}`

func TestUnmarshalPreservesUnknownFields(t *testing.T) {
	var data VehicleData
	if err := json.Unmarshal([]byte(sampleVehicleData), &data); err != nil {
		t.Fatal(err)
	}
	if data.VIN != "5YJ3E1EA1NF000001" {
		t.Errorf("vin = %q", data.VIN)
	}
	if data.ChargeState == nil || data.ChargeState.BatteryLevel != 72 {
		t.Fatalf("charge_state not decoded: %+v", data.ChargeState)
	}
	if !data.Charging() {
		t.Error("Charging() should be true while charging_state is Charging")
	}
	if data.Parked() {
		t.Error("Parked() should be false with shift_state D")
	}
	if _, ok := data.Extra["some_future_field"]; !ok {
		t.Error("unmodeled field missing from Extra")
	}
	if _, ok := data.Extra["another_flag"]; !ok {
		t.Error("unmodeled field missing from Extra")
	}
	if _, ok := data.Extra["charge_state"]; ok {
		t.Error("modeled field leaked into Extra")
	}
}

func TestMarshalRoundTripKeepsExtras(t *testing.T) {
	var data VehicleData
	if err := json.Unmarshal([]byte(sampleVehicleData), &data); err != nil {
		t.Fatal(err)
	}
	encoded, err := json.Marshal(&data)
	if err != nil {
		t.Fatal(err)
	}
	var again VehicleData
	if err := json.Unmarshal(encoded, &again); err != nil {
		t.Fatal(err)
	}
	if again.VIN != data.VIN || again.ChargeState.BatteryLevel != 72 {
		t.Error("typed fields lost in round trip")
	}
	raw, ok := again.Extra["some_future_field"]
	if !ok {
		t.Fatal("unknown field lost in round trip")
	}
	var nested struct {
		Nested []int `json:"nested"`
	}
	if err := json.Unmarshal(raw, &nested); err != nil || len(nested.Nested) != 3 {
		t.Errorf("unknown field corrupted in round trip: %s", raw)
	}
}

func TestParkedTreatsMissingDriveStateAsParked(t *testing.T) {
	data := &VehicleData{State: "online"}
	if !data.Parked() {
		t.Error("no drive_state section should count as parked")
	}
	data.DriveState = &DriveState{ShiftState: "P"}
	if !data.Parked() {
		t.Error("shift_state P is parked")
	}
	data.DriveState = &DriveState{ShiftState: "R"}
	if data.Parked() {
		t.Error("shift_state R is not parked")
	}
}

func TestCloneSharesSections(t *testing.T) {
	var data VehicleData
	if err := json.Unmarshal([]byte(sampleVehicleData), &data); err != nil {
		t.Fatal(err)
	}
	clone := data.Clone()
	if clone.DriveState != data.DriveState {
		t.Error("Clone should share section pointers")
	}
	clone.DriveState = &DriveState{ShiftState: "P"}
	if data.DriveState.ShiftState != "D" {
		t.Error("replacing a section on the clone must not affect the original")
	}
}
