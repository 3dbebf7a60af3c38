package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// MayHaveSucceeded returns true if the Error was triggered by a command that might have been
	// executed. For example, if a client times out while waiting for a response, then the client
	// cannot tell if the command was received. (Not all timeouts mean the command MayHaveSucceeded,
	// so the common Timeout() error interface is not appropriate here).
	MayHaveSucceeded() bool

	// Temporary returns true if the Error might be the result of a transient condition. For
	// example, it's not unusual for the car to return Busy errors if it's in the process of waking
	// from sleep and the services responsible for executing the command are not yet running.
	Temporary() bool
}

var (
	// ErrBusy indicates a resource is temporarily unavailable.
	ErrBusy = NewError("vehicle busy or finishing wake-up", false, true)
	// ErrUnknown indicates the client received an unrecognized error code. Check for package
	// updates.
	ErrUnknown = NewError("vehicle responded with an unrecognized status code", false, false)
	// ErrVehicleAsleep indicates the vehicle is offline or asleep and cannot serve live data
	// until it is woken.
	ErrVehicleAsleep = NewError("vehicle is offline or asleep", false, true)
	// ErrVehicleUnavailable indicates the vehicle did not come online within the allotted wake
	// window.
	ErrVehicleUnavailable = NewError("vehicle did not wake up within the allotted time", false, true)
	// ErrUnknownVehicle indicates the caller referenced a vehicle identifier that is not present
	// in the account's fleet.
	ErrUnknownVehicle = errors.New("vehicle is not in the account's fleet")
	// ErrBadResponse indicates the server's reply could not be decoded.
	ErrBadResponse = errors.New("invalid response")
	// ErrNotStarted indicates an operation was attempted on a component before Start was called
	// or after Stop.
	ErrNotStarted = errors.New("not running")
)

type CommandError struct {
	Err               error
	PossibleSuccess   bool
	PossibleTemporary bool
}

func NewError(message string, mayHaveSucceeded bool, temporary bool) error {
	return &CommandError{Err: errors.New(message), PossibleSuccess: mayHaveSucceeded, PossibleTemporary: temporary}
}

func (e *CommandError) Error() string {
	return e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) MayHaveSucceeded() bool {
	return e.PossibleSuccess
}

func (e *CommandError) Temporary() bool {
	return e.PossibleTemporary
}

// AuthError indicates a request was rejected because the client's access token is missing,
// expired, or revoked. Clients should refresh credentials before retrying.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "authentication failed"
	}
	return "authentication failed: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) MayHaveSucceeded() bool {
	return false
}

// Not transient in itself; the caller must obtain fresh credentials first.
func (e *AuthError) Temporary() bool {
	return false
}

// RateLimitError indicates the server throttled a request. RetryAfter is the server's suggested
// wait, or zero if the server did not provide one.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitError) MayHaveSucceeded() bool {
	return false
}

func (e *RateLimitError) Temporary() bool {
	return true
}

// CommandRejectedError indicates the vehicle received a command, understood it, and refused it.
// Reason carries the vehicle's explanation, e.g. "cabin overheat protection is on".
type CommandRejectedError struct {
	Reason string
}

func (e *CommandRejectedError) Error() string {
	if e.Reason == "" {
		return "vehicle rejected command"
	}
	return "vehicle rejected command: " + e.Reason
}

func (e *CommandRejectedError) MayHaveSucceeded() bool {
	return false
}

func (e *CommandRejectedError) Temporary() bool {
	return false
}

// MalformedResponseError indicates the server returned a 2xx status but the body could not be
// parsed into the expected shape.
type MalformedResponseError struct {
	Details error
}

func (e *MalformedResponseError) Error() string {
	if e.Details == nil {
		return "malformed response body"
	}
	return "malformed response body: " + e.Details.Error()
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Details
}

func (e *MalformedResponseError) MayHaveSucceeded() bool {
	// A 2xx status means the server accepted the request even if we couldn't read the reply.
	return true
}

func (e *MalformedResponseError) Temporary() bool {
	return false
}

// MayHaveSucceeded returns true if err indicates the command may have been executed but the
// client did not receive a confirmation.
func MayHaveSucceeded(err error) bool {
	var commErr Error
	if errors.As(err, &commErr) && commErr.MayHaveSucceeded() {
		return true
	}
	return false
}

// Temporary returns true if err indicates the command failed due to possibly transient
// conditions that do not require user action to resolve.
func Temporary(err error) bool {
	var commErr Error
	if errors.As(err, &commErr) && commErr.Temporary() {
		return true
	}
	return false
}

// ShouldRetry returns true if the client should retry to issue the command that triggered an error.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var e Error
	if errors.As(err, &e) {
		if e.MayHaveSucceeded() {
			return false
		}
		if e.Temporary() {
			return true
		}
	}
	return false
}
