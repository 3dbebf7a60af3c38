package stream

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/homefleet/teslasync/pkg/protocol"
	"github.com/homefleet/teslasync/pkg/state"
)

// Columns requested at subscription time. Every data:update frame carries a
// leading millisecond timestamp followed by these columns, comma-separated,
// with empty slots for columns the vehicle did not report.
const Columns = "speed,odometer,soc,elevation,est_heading,est_lat,est_lng,power,shift_state,range,est_range,heading"

// message is the envelope for every frame in both directions.
type message struct {
	MessageType string `json:"msg_type"`
	Token       string `json:"token,omitempty"`
	Value       string `json:"value,omitempty"`
	Tag         string `json:"tag,omitempty"`
	ErrorType   string `json:"error_type,omitempty"`
}

// parseUpdate decodes a data:update frame's value field into a partial state
// change. Empty columns stay nil.
func parseUpdate(tag, value string) (state.StreamUpdate, error) {
	var update state.StreamUpdate
	vehicleID, err := strconv.ParseInt(tag, 10, 64)
	if err != nil {
		return update, &protocol.MalformedResponseError{Details: fmt.Errorf("bad frame tag %q: %w", tag, err)}
	}
	update.VehicleID = vehicleID

	fields := strings.Split(value, ",")
	columns := strings.Split(Columns, ",")
	if len(fields) != len(columns)+1 {
		return update, &protocol.MalformedResponseError{Details: fmt.Errorf("frame has %d fields, want %d", len(fields), len(columns)+1)}
	}
	millis, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return update, &protocol.MalformedResponseError{Details: fmt.Errorf("bad frame timestamp %q: %w", fields[0], err)}
	}
	update.Time = time.UnixMilli(millis)

	for i, column := range columns {
		field := fields[i+1]
		if field == "" {
			if column == "shift_state" {
				// An empty shift state means no gear selected, which
				// is itself a state change (the car parked).
				empty := ""
				update.ShiftState = &empty
			}
			continue
		}
		switch column {
		case "speed":
			update.Speed, err = parseFloat(field)
		case "odometer":
			update.Odometer, err = parseFloat(field)
		case "soc":
			update.SOC, err = parseInt(field)
		case "elevation":
			update.Elevation, err = parseInt(field)
		case "est_heading", "heading":
			update.Heading, err = parseInt(field)
		case "est_lat":
			update.Latitude, err = parseFloat(field)
		case "est_lng":
			update.Longitude, err = parseFloat(field)
		case "power":
			update.Power, err = parseFloat(field)
		case "shift_state":
			shift := field
			update.ShiftState = &shift
		case "range":
			update.Range, err = parseFloat(field)
		case "est_range":
			update.EstRange, err = parseFloat(field)
		}
		if err != nil {
			return update, &protocol.MalformedResponseError{Details: fmt.Errorf("bad %s value %q: %w", column, field, err)}
		}
	}
	return update, nil
}

func parseFloat(s string) (*float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func parseInt(s string) (*int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
