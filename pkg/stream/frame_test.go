package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/homefleet/teslasync/pkg/protocol"
)

func TestParseUpdate(t *testing.T) {
	// timestamp,speed,odometer,soc,elevation,est_heading,est_lat,est_lng,power,shift_state,range,est_range,heading
	update, err := parseUpdate("2001", "1724800000000,35,12345.6,72,110,194,37.4924,-121.9443,14,D,212,198,194")
	if err != nil {
		t.Fatal(err)
	}
	if update.VehicleID != 2001 {
		t.Errorf("vehicle id = %d", update.VehicleID)
	}
	if !update.Time.Equal(time.UnixMilli(1724800000000)) {
		t.Errorf("time = %s", update.Time)
	}
	if update.Speed == nil || *update.Speed != 35 {
		t.Errorf("speed = %v", update.Speed)
	}
	if update.SOC == nil || *update.SOC != 72 {
		t.Errorf("soc = %v", update.SOC)
	}
	if update.ShiftState == nil || *update.ShiftState != "D" {
		t.Errorf("shift = %v", update.ShiftState)
	}
	if update.Latitude == nil || *update.Latitude != 37.4924 {
		t.Errorf("lat = %v", update.Latitude)
	}
	if update.Heading == nil || *update.Heading != 194 {
		t.Errorf("heading = %v", update.Heading)
	}
}

func TestParseUpdateEmptyColumns(t *testing.T) {
	update, err := parseUpdate("2001", "1724800000000,,12345.6,,,,,,,,,,")
	if err != nil {
		t.Fatal(err)
	}
	if update.Speed != nil {
		t.Error("empty speed column should stay nil")
	}
	if update.Odometer == nil || *update.Odometer != 12345.6 {
		t.Errorf("odometer = %v", update.Odometer)
	}
	// An empty shift_state is a real observation: the car has no gear
	// selected.
	if update.ShiftState == nil || *update.ShiftState != "" {
		t.Errorf("shift = %v, want empty string", update.ShiftState)
	}
}

func TestParseUpdateMalformed(t *testing.T) {
	cases := []struct {
		name  string
		tag   string
		value string
	}{
		{"bad tag", "not-a-number", "1724800000000,,,,,,,,,,,,"},
		{"short row", "2001", "1724800000000,35"},
		{"bad timestamp", "2001", "soon,,,,,,,,,,,,"},
		{"bad number", "2001", "1724800000000,fast,,,,,,,,,,,"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseUpdate(tc.tag, tc.value)
			var malErr *protocol.MalformedResponseError
			if !errors.As(err, &malErr) {
				t.Errorf("got %v, want MalformedResponseError", err)
			}
		})
	}
}
