package acquire

import (
	"fmt"
	"time"
)

// State is the session/engine state.
type State int32

const (
	Idle State = iota
	Waiting
	Recording
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Recording:
		return "recording"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Reason tells why a state transition happened.
type Reason int

const (
	ReasonStarted   Reason = iota // Idle -> Waiting
	ReasonTriggered               // Waiting -> Recording
	ReasonCancelled               // -> Stopped on request
	ReasonStalled                 // Recording -> Stopped, an instrument stopped answering
	ReasonFault                   // -> Stopped on a transport failure
)

func (r Reason) String() string {
	switch r {
	case ReasonStarted:
		return "started"
	case ReasonTriggered:
		return "triggered"
	case ReasonCancelled:
		return "cancelled"
	case ReasonStalled:
		return "recording ended"
	case ReasonFault:
		return "fault"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Status is an asynchronous state transition report.
type Status struct {
	State     State
	Reason    Reason
	At        time.Time
	StartTime time.Time // Trigger instant, zero before the trigger
	Baseline  float64   // Raw displacement at the trigger
	Samples   int       // Samples recorded so far
	Err       error     // Cause of a stall or fault
}

func (s Status) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s (%s): %v", s.State, s.Reason, s.Err)
	}
	return fmt.Sprintf("%s (%s)", s.State, s.Reason)
}
