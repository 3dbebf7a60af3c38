package poller

import (
	"github.com/looplab/fsm"
)

// Per-vehicle scheduling states. A vehicle is Idle between attempts,
// Fetching while a state refresh is in flight, and Waking while a command is
// actively waking it. The machine is the single-inflight guard: a tick that
// cannot transition a vehicle out of Idle leaves it alone.
const (
	StateIdle     = "idle"
	StateFetching = "fetching"
	StateWaking   = "waking"
)

const (
	// EventFetch claims the vehicle for a state refresh.
	EventFetch = "fetch"
	// EventFetched releases the vehicle after a refresh attempt, successful
	// or not.
	EventFetched = "fetched"
	// EventWake claims the vehicle for a wake-and-retry sequence.
	EventWake = "wake"
	// EventWoke releases the vehicle after the wake sequence ends.
	EventWoke = "woke"
)

func newVehicleFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: EventFetch, Src: []string{StateIdle}, Dst: StateFetching},
			{Name: EventFetched, Src: []string{StateFetching}, Dst: StateIdle},
			{Name: EventWake, Src: []string{StateIdle}, Dst: StateWaking},
			{Name: EventWoke, Src: []string{StateWaking}, Dst: StateIdle},
		},
		fsm.Callbacks{},
	)
}
