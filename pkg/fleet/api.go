package fleet

import (
	"context"
	"fmt"

	"github.com/homefleet/teslasync/pkg/connector/rest"
	"github.com/homefleet/teslasync/pkg/protocol"
	"github.com/homefleet/teslasync/pkg/state"
)

// apiClient adapts the REST transport to the fetch, wake, and command
// surfaces the scheduler and dispatcher drive.
type apiClient struct {
	conn *rest.Connection
}

func (a *apiClient) FetchState(ctx context.Context, id int64) (*state.VehicleData, error) {
	body, err := a.conn.Get(ctx, fmt.Sprintf("api/1/vehicles/%d/vehicle_data", id))
	if err != nil {
		return nil, err
	}
	var data state.VehicleData
	if err := rest.UnmarshalResponse(body, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

func (a *apiClient) FetchSiteData(ctx context.Context, siteID int64) (*state.SitePower, error) {
	body, err := a.conn.Get(ctx, fmt.Sprintf("api/1/energy_sites/%d/live_status", siteID))
	if err != nil {
		return nil, err
	}
	var power state.SitePower
	if err := rest.UnmarshalResponse(body, &power); err != nil {
		return nil, err
	}
	return &power, nil
}

func (a *apiClient) Wake(ctx context.Context, id int64) (bool, error) {
	body, err := a.conn.Post(ctx, fmt.Sprintf("api/1/vehicles/%d/wake_up", id), nil)
	if err != nil {
		return false, err
	}
	var reply struct {
		State string `json:"state"`
	}
	if err := rest.UnmarshalResponse(body, &reply); err != nil {
		return false, err
	}
	return reply.State == "online", nil
}

// could_not_wake_buses means the vehicle acknowledged the command while its
// internal systems were still starting up; the command is safe to retry.
const reasonCouldNotWakeBuses = "could_not_wake_buses"

func (a *apiClient) Execute(ctx context.Context, id int64, operation string, payload interface{}) error {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	body, err := a.conn.Post(ctx, fmt.Sprintf("api/1/vehicles/%d/command/%s", id, operation), payload)
	if err != nil {
		return err
	}
	var reply struct {
		Result bool   `json:"result"`
		Reason string `json:"reason"`
	}
	if err := rest.UnmarshalResponse(body, &reply); err != nil {
		return err
	}
	if reply.Result {
		return nil
	}
	if reply.Reason == reasonCouldNotWakeBuses {
		return protocol.ErrBusy
	}
	return &protocol.CommandRejectedError{Reason: reply.Reason}
}
