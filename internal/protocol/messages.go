package protocol

import "time"

// MessageType defines the type of a server-initiated message
type MessageType string

const (
	// Liveness
	MessageTypeKeepAlive MessageType = "keepalive"
	MessageTypeHello     MessageType = "hello"

	// Acquisition
	MessageTypeTelemetry     MessageType = "telemetry"
	MessageTypeChannelStatus MessageType = "channel_status"

	// Machine state messages
	MessageTypeMachineState MessageType = "machine_state"

	// Free text for the operator console
	MessageTypeConsole MessageType = "console"
)

// Message is pushed to clients independently of requests
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// MachineStateData represents machine state change data
type MachineStateData struct {
	State    string `json:"state"`
	Previous string `json:"previous_state"`
}

// HelloData greets a freshly connected client
type HelloData struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewMachineStateMessage(newState, previousState string) Message {
	return NewMessage(MessageTypeMachineState, MachineStateData{
		State:    newState,
		Previous: previousState,
	})
}

func NewConsoleMessage(text string) Message {
	return NewMessage(MessageTypeConsole, text)
}
