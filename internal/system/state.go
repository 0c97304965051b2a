package system

import "fmt"

// SystemState is the state of the measurement process as a whole. The
// acquisition state (running/stopped) is tracked separately by the machine
// controller and survives neither startup nor shutdown.
type SystemState int

const (
	StateInitializing SystemState = iota
	StateRunning
	StateStopping
	StateStopped
	StateError
)

var stateNames = [...]string{
	StateInitializing: "INITIALIZING",
	StateRunning:      "RUNNING",
	StateStopping:     "STOPPING",
	StateStopped:      "STOPPED",
	StateError:        "ERROR",
}

func (s SystemState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s SystemState) Terminal() bool {
	return s == StateStopped
}

// ValidateTransition allows the startup path Initializing -> Running, the
// shutdown path via Stopping, and Error from any live state. A failed start
// goes Error -> Stopping -> Stopped so the lockfile is released on that path
// too.
func ValidateTransition(from, to SystemState) error {
	if from.Terminal() {
		return fmt.Errorf("invalid state transition: %s is terminal", from)
	}

	ok := false
	switch to {
	case StateRunning:
		ok = from == StateInitializing
	case StateStopping:
		ok = from == StateInitializing || from == StateRunning || from == StateError
	case StateStopped:
		ok = from == StateStopping || from == StateError
	case StateError:
		ok = from != StateError
	}
	if !ok {
		return fmt.Errorf("invalid state transition: %s -> %s", from, to)
	}
	return nil
}
