package fleet

import (
	"context"
)

// Operation names as they appear in command endpoint paths.
const (
	OpDoorLock        = "door_lock"
	OpDoorUnlock      = "door_unlock"
	OpClimateOn       = "auto_conditioning_start"
	OpClimateOff      = "auto_conditioning_stop"
	OpSetTemps        = "set_temps"
	OpChargeStart     = "charge_start"
	OpChargeStop      = "charge_stop"
	OpSetChargeLimit  = "set_charge_limit"
	OpChargePortOpen  = "charge_port_door_open"
	OpChargePortClose = "charge_port_door_close"
	OpFlashLights     = "flash_lights"
	OpHonkHorn        = "honk_horn"
	OpActuateTrunk    = "actuate_trunk"
	OpSetSentryMode   = "set_sentry_mode"
	OpSeatHeater      = "remote_seat_heater_request"
)

// Every command endpoint requires the car online; the backend queues
// nothing for sleeping vehicles. Kept as a function so operations that stop
// needing a wake can opt out in one place.
func operationRequiresWake(operation string) bool {
	return true
}

// Lock locks the vehicle's doors.
func (c *Controller) Lock(ctx context.Context, id int64) error {
	return c.SubmitCommand(ctx, id, OpDoorLock, nil)
}

// Unlock unlocks the vehicle's doors.
func (c *Controller) Unlock(ctx context.Context, id int64) error {
	return c.SubmitCommand(ctx, id, OpDoorUnlock, nil)
}

// ClimateOn starts climate preconditioning.
func (c *Controller) ClimateOn(ctx context.Context, id int64) error {
	return c.SubmitCommand(ctx, id, OpClimateOn, nil)
}

// ClimateOff stops climate preconditioning.
func (c *Controller) ClimateOff(ctx context.Context, id int64) error {
	return c.SubmitCommand(ctx, id, OpClimateOff, nil)
}

// SetTemps sets the driver and passenger temperature targets, in Celsius.
func (c *Controller) SetTemps(ctx context.Context, id int64, driver, passenger float64) error {
	return c.SubmitCommand(ctx, id, OpSetTemps, map[string]interface{}{
		"driver_temp":    driver,
		"passenger_temp": passenger,
	})
}

// ChargeStart begins charging if a charger is connected.
func (c *Controller) ChargeStart(ctx context.Context, id int64) error {
	return c.SubmitCommand(ctx, id, OpChargeStart, nil)
}

// ChargeStop halts an in-progress charge session.
func (c *Controller) ChargeStop(ctx context.Context, id int64) error {
	return c.SubmitCommand(ctx, id, OpChargeStop, nil)
}

// SetChargeLimit sets the charge limit as a percentage.
func (c *Controller) SetChargeLimit(ctx context.Context, id int64, percent int) error {
	return c.SubmitCommand(ctx, id, OpSetChargeLimit, map[string]interface{}{
		"percent": percent,
	})
}

// OpenChargePort opens the charge port door.
func (c *Controller) OpenChargePort(ctx context.Context, id int64) error {
	return c.SubmitCommand(ctx, id, OpChargePortOpen, nil)
}

// CloseChargePort closes the charge port door.
func (c *Controller) CloseChargePort(ctx context.Context, id int64) error {
	return c.SubmitCommand(ctx, id, OpChargePortClose, nil)
}

// FlashLights flashes the headlights.
func (c *Controller) FlashLights(ctx context.Context, id int64) error {
	return c.SubmitCommand(ctx, id, OpFlashLights, nil)
}

// HonkHorn honks the horn.
func (c *Controller) HonkHorn(ctx context.Context, id int64) error {
	return c.SubmitCommand(ctx, id, OpHonkHorn, nil)
}

// SetSentryMode enables or disables sentry mode.
func (c *Controller) SetSentryMode(ctx context.Context, id int64, on bool) error {
	return c.SubmitCommand(ctx, id, OpSetSentryMode, map[string]interface{}{
		"on": on,
	})
}

// SetSeatHeater sets a seat heater level (0-3). Seat numbering follows the
// API: 0 driver, 1 passenger, 2 rear left, 4 rear center, 5 rear right.
func (c *Controller) SetSeatHeater(ctx context.Context, id int64, seat, level int) error {
	return c.SubmitCommand(ctx, id, OpSeatHeater, map[string]interface{}{
		"heater": seat,
		"level":  level,
	})
}
