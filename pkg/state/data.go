// Package state holds the last-known snapshot of each vehicle. The
// [VehicleData] document mirrors the API's vehicle_data payload with typed
// sections, and the [Cache] stores one atomically replaced snapshot per
// vehicle.
package state

import (
	"encoding/json"
)

// VehicleData is the decoded vehicle_data document. Fields the client does
// not model are preserved in Extra and survive re-serialization, so newly
// introduced API fields pass through unharmed.
type VehicleData struct {
	ID          int64  `json:"id"`
	UserID      int64  `json:"user_id"`
	VehicleID   int64  `json:"vehicle_id"`
	VIN         string `json:"vin"`
	DisplayName string `json:"display_name"`
	State       string `json:"state"`
	InService   bool   `json:"in_service"`
	APIVersion  int    `json:"api_version"`

	ChargeState   *ChargeState   `json:"charge_state,omitempty"`
	ClimateState  *ClimateState  `json:"climate_state,omitempty"`
	DriveState    *DriveState    `json:"drive_state,omitempty"`
	GUISettings   *GUISettings   `json:"gui_settings,omitempty"`
	VehicleConfig *VehicleConfig `json:"vehicle_config,omitempty"`
	VehicleState  *VehicleStatus `json:"vehicle_state,omitempty"`

	// Extra holds top-level keys the struct does not model.
	Extra map[string]json.RawMessage `json:"-"`
}

type ChargeState struct {
	BatteryLevel            int     `json:"battery_level"`
	UsableBatteryLevel      int     `json:"usable_battery_level"`
	BatteryRange            float64 `json:"battery_range"`
	EstBatteryRange         float64 `json:"est_battery_range"`
	IdealBatteryRange       float64 `json:"ideal_battery_range"`
	ChargeLimitSoc          int     `json:"charge_limit_soc"`
	ChargeLimitSocMin       int     `json:"charge_limit_soc_min"`
	ChargeLimitSocMax       int     `json:"charge_limit_soc_max"`
	ChargingState           string  `json:"charging_state"`
	ChargeRate              float64 `json:"charge_rate"`
	ChargerPower            int     `json:"charger_power"`
	ChargerVoltage          int     `json:"charger_voltage"`
	ChargerActualCurrent    int     `json:"charger_actual_current"`
	ChargeCurrentRequest    int     `json:"charge_current_request"`
	ChargeCurrentRequestMax int     `json:"charge_current_request_max"`
	ChargeEnergyAdded       float64 `json:"charge_energy_added"`
	ChargePortDoorOpen      bool    `json:"charge_port_door_open"`
	ChargePortLatch         string  `json:"charge_port_latch"`
	ScheduledChargingMode   string  `json:"scheduled_charging_mode"`
	MinutesToFullCharge     int     `json:"minutes_to_full_charge"`
	TimeToFullCharge        float64 `json:"time_to_full_charge"`
	Timestamp               int64   `json:"timestamp"`
}

type ClimateState struct {
	InsideTemp              float64 `json:"inside_temp"`
	OutsideTemp             float64 `json:"outside_temp"`
	DriverTempSetting       float64 `json:"driver_temp_setting"`
	PassengerTempSetting    float64 `json:"passenger_temp_setting"`
	IsClimateOn             bool    `json:"is_climate_on"`
	IsAutoConditioningOn    bool    `json:"is_auto_conditioning_on"`
	IsPreconditioning       bool    `json:"is_preconditioning"`
	BatteryHeater           bool    `json:"battery_heater"`
	CabinOverheatProtection string  `json:"cabin_overheat_protection"`
	DefrostMode             int     `json:"defrost_mode"`
	FanStatus               int     `json:"fan_status"`
	SeatHeaterLeft          int     `json:"seat_heater_left"`
	SeatHeaterRight         int     `json:"seat_heater_right"`
	MinAvailTemp            float64 `json:"min_avail_temp"`
	MaxAvailTemp            float64 `json:"max_avail_temp"`
	Timestamp               int64   `json:"timestamp"`
}

type DriveState struct {
	ShiftState              string  `json:"shift_state"`
	Speed                   float64 `json:"speed"`
	Power                   float64 `json:"power"`
	Latitude                float64 `json:"latitude"`
	Longitude               float64 `json:"longitude"`
	Heading                 int     `json:"heading"`
	NativeLatitude          float64 `json:"native_latitude"`
	NativeLongitude         float64 `json:"native_longitude"`
	NativeLocationSupported int     `json:"native_location_supported"`
	GpsAsOf                 int64   `json:"gps_as_of"`
	Timestamp               int64   `json:"timestamp"`
}

type GUISettings struct {
	GUIDistanceUnits    string `json:"gui_distance_units"`
	GUITemperatureUnits string `json:"gui_temperature_units"`
	GUIChargeRateUnits  string `json:"gui_charge_rate_units"`
	GUIRangeDisplay     string `json:"gui_range_display"`
	GUI24HourTime       bool   `json:"gui_24_hour_time"`
	Timestamp           int64  `json:"timestamp"`
}

type VehicleConfig struct {
	CarType              string `json:"car_type"`
	ExteriorColor        string `json:"exterior_color"`
	WheelType            string `json:"wheel_type"`
	SpoilerType          string `json:"spoiler_type"`
	ThirdRowSeats        string `json:"third_row_seats"`
	TrimBadging          string `json:"trim_badging"`
	CanActuateTrunks     bool   `json:"can_actuate_trunks"`
	EuVehicle            bool   `json:"eu_vehicle"`
	MotorizedChargePort  bool   `json:"motorized_charge_port"`
	PlgSupported         bool   `json:"plg"`
	RearSeatHeaters      int    `json:"rear_seat_heaters"`
	SunRoofInstalled     int    `json:"sun_roof_installed"`
	UseRangeBadging      bool   `json:"use_range_badging"`
	DefaultChargeToMax   bool   `json:"default_charge_to_max"`
	Timestamp            int64  `json:"timestamp"`
}

type VehicleStatus struct {
	Locked                  bool    `json:"locked"`
	SentryMode              bool    `json:"sentry_mode"`
	SentryModeAvailable     bool    `json:"sentry_mode_available"`
	Odometer                float64 `json:"odometer"`
	CarVersion              string  `json:"car_version"`
	VehicleName             string  `json:"vehicle_name"`
	IsUserPresent           bool    `json:"is_user_present"`
	ValetMode               bool    `json:"valet_mode"`
	DriverFrontDoor         int     `json:"df"`
	DriverRearDoor          int     `json:"dr"`
	PassengerFrontDoor      int     `json:"pf"`
	PassengerRearDoor       int     `json:"pr"`
	FrontTrunk              int     `json:"ft"`
	RearTrunk               int     `json:"rt"`
	FrontDriverWindow       int     `json:"fd_window"`
	FrontPassengerWindow    int     `json:"fp_window"`
	RearDriverWindow        int     `json:"rd_window"`
	RearPassengerWindow     int     `json:"rp_window"`
	HomelinkNearby          bool    `json:"homelink_nearby"`
	SoftwareUpdate          *struct {
		Status              string `json:"status"`
		Version             string `json:"version"`
		DownloadPercent     int    `json:"download_perc"`
		InstallPercent      int    `json:"install_perc"`
		ExpectedDurationSec int    `json:"expected_duration_sec"`
	} `json:"software_update,omitempty"`
	Timestamp int64 `json:"timestamp"`
}

// vehicleDataAlias avoids recursing into the custom JSON methods.
type vehicleDataAlias VehicleData

func (v *VehicleData) UnmarshalJSON(data []byte) error {
	var typed vehicleDataAlias
	if err := json.Unmarshal(data, &typed); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	// Keys the typed struct serializes are modeled; everything else is
	// carried in Extra.
	knownJSON, err := json.Marshal(&typed)
	if err != nil {
		return err
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(knownJSON, &known); err != nil {
		return err
	}
	for key := range known {
		delete(all, key)
	}
	if len(all) == 0 {
		all = nil
	}
	typed.Extra = all
	*v = VehicleData(typed)
	return nil
}

func (v VehicleData) MarshalJSON() ([]byte, error) {
	typed, err := json.Marshal(vehicleDataAlias(v))
	if err != nil {
		return nil, err
	}
	if len(v.Extra) == 0 {
		return typed, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(typed, &merged); err != nil {
		return nil, err
	}
	for key, value := range v.Extra {
		if _, modeled := merged[key]; !modeled {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// Clone returns a copy of v that shares section pointers with the original.
// Callers that modify a section must replace it with a fresh allocation so
// holders of earlier snapshots are unaffected.
func (v *VehicleData) Clone() *VehicleData {
	if v == nil {
		return nil
	}
	clone := *v
	return &clone
}

// Online reports whether the document's state field says the vehicle is
// reachable.
func (v *VehicleData) Online() bool {
	return v != nil && v.State == "online"
}

// Parked reports whether the vehicle is in park or has no gear selected. A
// missing drive_state section counts as parked.
func (v *VehicleData) Parked() bool {
	if v == nil || v.DriveState == nil {
		return true
	}
	return v.DriveState.ShiftState == "" || v.DriveState.ShiftState == "P"
}

// Charging reports whether a charge session is in progress.
func (v *VehicleData) Charging() bool {
	return v != nil && v.ChargeState != nil && v.ChargeState.ChargingState == "Charging"
}

// InGear reports whether the vehicle has a gear other than park selected.
func (v *VehicleData) InGear() bool {
	return !v.Parked()
}

// IsClimateOn reports whether climate control is running.
func (v *VehicleData) IsClimateOn() bool {
	return v != nil && v.ClimateState != nil && v.ClimateState.IsClimateOn
}

// SentryMode reports whether sentry mode is active. A vehicle on sentry duty
// stays awake, so it never earns the slow polling cadence.
func (v *VehicleData) SentryMode() bool {
	return v != nil && v.VehicleState != nil && v.VehicleState.SentryMode
}
