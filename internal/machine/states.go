package machine

import "time"

type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

type Command string

const (
	CommandStart Command = "start"
	CommandStop  Command = "stop"
)

type MachineStatus struct {
	State           State     `json:"state"`
	Runs            int       `json:"runs"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	LastStateChange time.Time `json:"last_state_change"`
}
