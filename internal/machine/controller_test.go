package machine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/KevinKickass/OpenMeasurementCore/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAcquirer struct {
	running bool
	starts  int
	stops   int
	stopErr error
}

func (f *fakeAcquirer) Start() error {
	f.starts++
	f.running = true
	return nil
}

func (f *fakeAcquirer) Stop(context.Context) error {
	f.stops++
	f.running = false
	return f.stopErr
}

func (f *fakeAcquirer) Running() bool { return f.running }

type recordingHub struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (h *recordingHub) Broadcast(msg protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func TestStartStopTransitions(t *testing.T) {
	acq := &fakeAcquirer{}
	hub := &recordingHub{}
	c := NewController(zap.NewNop(), acq, hub)
	ctx := context.Background()

	changed, err := c.ExecuteCommand(ctx, CommandStart)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateRunning, c.State())

	changed, err = c.ExecuteCommand(ctx, CommandStart)
	require.NoError(t, err)
	assert.False(t, changed, "second START is a no-op")
	assert.Equal(t, 1, acq.starts)

	changed, err = c.ExecuteCommand(ctx, CommandStop)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateStopped, c.State())

	changed, err = c.ExecuteCommand(ctx, CommandStop)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, acq.stops)

	require.Len(t, hub.msgs, 2)
	data := hub.msgs[1].Data.(protocol.MachineStateData)
	assert.Equal(t, "stopped", data.State)
	assert.Equal(t, "running", data.Previous)
	assert.Equal(t, 1, c.GetStatus().Runs)
}

func TestStopFlushFailureStillStops(t *testing.T) {
	acq := &fakeAcquirer{stopErr: errors.New("disk full")}
	hub := &recordingHub{}
	c := NewController(zap.NewNop(), acq, hub)

	_, err := c.ExecuteCommand(context.Background(), CommandStart)
	require.NoError(t, err)

	changed, err := c.ExecuteCommand(context.Background(), CommandStop)
	require.Error(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, "disk full", c.GetStatus().ErrorMessage)

	require.Len(t, hub.msgs, 3)
	assert.Equal(t, protocol.MessageTypeConsole, hub.msgs[2].Type)
	assert.Equal(t, "STOP: disk full", hub.msgs[2].Data)
}

func TestUnknownCommand(t *testing.T) {
	c := NewController(zap.NewNop(), &fakeAcquirer{}, nil)
	_, err := c.ExecuteCommand(context.Background(), Command("home"))
	assert.Error(t, err)
}
