package interfaces

import (
	"context"
	"time"

	"github.com/KevinKickass/OpenMeasurementCore/internal/config"
	"github.com/KevinKickass/OpenMeasurementCore/internal/devices"
	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"github.com/KevinKickass/OpenMeasurementCore/internal/session"
	"github.com/KevinKickass/OpenMeasurementCore/internal/telemetry"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State        string               `json:"state"`
	Layout       string               `json:"layout"`
	Acquisition  string               `json:"acquisition"`
	EntityCount  int                  `json:"entity_count"`
	ChannelCount int                  `json:"channel_count"`
	Sessions     []session.Info       `json:"sessions"`
	Drivers      []devices.DriverInfo `json:"drivers"`
	Sinks        int                  `json:"sinks"`
	StartedAt    time.Time            `json:"started_at"`
	Error        string               `json:"error,omitempty"`
}

// SampleHistory reads persisted samples. It is nil when no database is
// configured.
type SampleHistory interface {
	QuerySamples(ctx context.Context, path string, from, to time.Time, limit int) ([]telemetry.Sample, error)
}

type LifecycleManager interface {
	Config() *config.Config
	Graph() *hardware.Graph
	Dispatcher() *session.Dispatcher
	SessionManager() *session.Manager
	History() SampleHistory
	// Context is cancelled when the system shuts down. Long-lived
	// connections must run under it instead of their request context.
	Context() context.Context
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
