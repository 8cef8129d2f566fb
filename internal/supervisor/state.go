package supervisor

import (
	"fmt"

	"github.com/pkg/errors"
)

// State is the lifecycle position of a tenant worker.
type State int

const (
	StateProvisioning State = iota
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

var stateNames = [...]string{"provisioning", "running", "stopping", "stopped", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is the coarse status reported to the admin surface.
func (s State) Status() string {
	switch s {
	case StateProvisioning:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "stopped"
	}
}

// Live states hold a port and possibly a process.
func (s State) Live() bool {
	return s == StateProvisioning || s == StateRunning
}

var transitions = map[State][]State{
	StateProvisioning: {StateRunning, StateStopping, StateFailed},
	StateRunning:      {StateStopping, StateFailed},
	StateStopping:     {StateStopped, StateFailed},
	StateFailed:       {StateProvisioning, StateStopping},
	StateStopped:      {StateProvisioning},
}

var ErrInvalidTransition = errors.New("invalid worker state transition")

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
