package machine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenMeasurementCore/internal/protocol"
	"go.uber.org/zap"
)

// Acquirer is the acquisition engine driven by START and STOP.
type Acquirer interface {
	Start() error
	Stop(ctx context.Context) error
	Running() bool
}

// Broadcaster receives state change notifications.
type Broadcaster interface {
	Broadcast(msg protocol.Message)
}

type Controller struct {
	logger   *zap.Logger
	acquirer Acquirer
	hub      Broadcaster

	// cmdMu serializes commands so START and STOP never interleave.
	cmdMu sync.Mutex

	mu              sync.RWMutex
	currentState    State
	runs            int
	startedAt       time.Time
	errorMessage    string
	lastStateChange time.Time
}

func NewController(logger *zap.Logger, acquirer Acquirer, hub Broadcaster) *Controller {
	return &Controller{
		logger:          logger,
		acquirer:        acquirer,
		hub:             hub,
		currentState:    StateStopped,
		lastStateChange: time.Now(),
	}
}

// ExecuteCommand handles machine commands. changed is false when the
// machine already was in the requested state.
func (c *Controller) ExecuteCommand(ctx context.Context, cmd Command) (changed bool, err error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.RLock()
	currentState := c.currentState
	c.mu.RUnlock()

	c.logger.Info("Machine command received",
		zap.String("command", string(cmd)),
		zap.String("current_state", string(currentState)))

	switch cmd {
	case CommandStart:
		return c.executeStart(currentState)
	case CommandStop:
		return c.executeStop(ctx, currentState)
	default:
		return false, fmt.Errorf("unknown command: %s", cmd)
	}
}

func (c *Controller) executeStart(current State) (bool, error) {
	if current == StateRunning {
		return false, nil
	}

	if err := c.acquirer.Start(); err != nil {
		c.mu.Lock()
		c.errorMessage = err.Error()
		c.mu.Unlock()
		c.console("START failed: " + err.Error())
		return false, fmt.Errorf("failed to start acquisition: %w", err)
	}

	c.mu.Lock()
	c.runs++
	c.startedAt = time.Now()
	c.errorMessage = ""
	c.mu.Unlock()

	c.setState(StateRunning)
	return true, nil
}

func (c *Controller) executeStop(ctx context.Context, current State) (bool, error) {
	if current != StateRunning {
		return false, nil
	}

	err := c.acquirer.Stop(ctx)

	// The sampler is halted even if flushing the sinks failed.
	c.setState(StateStopped)

	if err != nil {
		c.mu.Lock()
		c.errorMessage = err.Error()
		c.mu.Unlock()
		c.console("STOP: " + err.Error())
		return true, fmt.Errorf("failed to stop acquisition: %w", err)
	}
	return true, nil
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	previousState := c.currentState
	c.currentState = state
	c.lastStateChange = time.Now()
	c.mu.Unlock()

	c.logger.Info("Machine state changed",
		zap.String("state", string(state)),
		zap.String("previous", string(previousState)))

	if c.hub != nil {
		c.hub.Broadcast(protocol.NewMachineStateMessage(
			string(state),
			string(previousState),
		))
	}
}

// console reports an operator-visible problem to all connected clients.
func (c *Controller) console(text string) {
	if c.hub != nil {
		c.hub.Broadcast(protocol.NewConsoleMessage(text))
	}
}

// State returns the current acquisition state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentState
}

func (c *Controller) GetStatus() MachineStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return MachineStatus{
		State:           c.currentState,
		Runs:            c.runs,
		StartedAt:       c.startedAt,
		ErrorMessage:    c.errorMessage,
		LastStateChange: c.lastStateChange,
	}
}
