package system

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenMeasurementCore/internal/api/rest"
	"github.com/KevinKickass/OpenMeasurementCore/internal/comvisu"
	"github.com/KevinKickass/OpenMeasurementCore/internal/config"
	"github.com/KevinKickass/OpenMeasurementCore/internal/configstore"
	"github.com/KevinKickass/OpenMeasurementCore/internal/devices"
	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"github.com/KevinKickass/OpenMeasurementCore/internal/instance"
	"github.com/KevinKickass/OpenMeasurementCore/internal/interfaces"
	"github.com/KevinKickass/OpenMeasurementCore/internal/machine"
	"github.com/KevinKickass/OpenMeasurementCore/internal/protocol"
	"github.com/KevinKickass/OpenMeasurementCore/internal/sampler"
	"github.com/KevinKickass/OpenMeasurementCore/internal/session"
	"github.com/KevinKickass/OpenMeasurementCore/internal/storage"
	"github.com/KevinKickass/OpenMeasurementCore/internal/telemetry"
	"github.com/KevinKickass/OpenMeasurementCore/internal/types"
	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// AcquisitionService is the gRPC health service name that reports SERVING
// while the sampler runs.
const AcquisitionService = "acquisition"

type LifecycleManager struct {
	config *config.Config
	clock  clock.Clock
	logger *zap.Logger

	guard             *instance.Guard
	deviceManager     *devices.Manager
	layout            *types.Layout
	graph             *hardware.Graph
	store             *configstore.Store
	hub               *session.Hub
	fanout            *telemetry.Fanout
	storage           *storage.PostgresClient
	sampler           *sampler.Sampler
	machineController *machine.Controller
	dispatcher        *session.Dispatcher
	sessions          *session.Manager

	comvisuServer *comvisu.Server
	restServer    *rest.Server
	grpcServer    *grpc.Server
	health        *health.Server

	// ctx outlives every session; it is cancelled on shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    string
	startedAt    time.Time

	shutdownOnce sync.Once
	shutdownErr  error
}

func NewLifecycleManager(cfg *config.Config, logger *zap.Logger) *LifecycleManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &LifecycleManager{
		config:       cfg,
		clock:        clock.New(),
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		currentState: StateInitializing,
	}
}

// Start brings the system up. A failure unwinds everything started so far,
// including the instance lock.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenMeasurementCore")

	if err := lm.start(ctx); err != nil {
		lm.setError(err)
		if serr := lm.Shutdown(context.Background()); serr != nil {
			lm.logger.Warn("Cleanup after failed start incomplete", zap.Error(serr))
		}
		return err
	}

	lm.stateMu.Lock()
	lm.startedAt = time.Now()
	lm.stateMu.Unlock()
	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.String("layout", lm.layout.Name),
		zap.Int("channels", len(lm.graph.Channels())),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("comvisu_port", lm.config.Server.ComVisuPort),
		zap.Int("sinks", lm.fanout.Len()))
	return nil
}

func (lm *LifecycleManager) start(ctx context.Context) error {
	cfg := lm.config

	guard := instance.NewGuard(instance.Options{
		Path:         cfg.Instance.Lockfile,
		KillExisting: cfg.Instance.KillExisting,
		KillTimeout:  cfg.Instance.KillTimeout,
	}, lm.logger)
	if err := guard.Acquire(ctx); err != nil {
		return fmt.Errorf("failed to acquire instance lock: %w", err)
	}
	lm.guard = guard

	if err := lm.buildGraph(ctx); err != nil {
		return err
	}
	if err := lm.initConfigStore(ctx); err != nil {
		return err
	}

	lm.hub = session.NewHub(lm.logger)
	go lm.hub.Run(lm.ctx)

	lm.fanout = telemetry.NewFanout(lm.logger, lm.hub)
	lm.openExportSinks(ctx)

	lm.sampler = sampler.New(lm.graph, lm.fanout, lm.clock, sampler.Config{
		DefaultSampleRate: cfg.Sampler.DefaultSampleRate,
		MaxRetries:        cfg.Sampler.MaxReadRetries,
		RetryDelay:        cfg.Sampler.RetryDelay,
		ReadTimeout:       cfg.Sampler.ReadTimeout,
	}, lm.logger)

	lm.health = health.NewServer()
	lm.health.SetServingStatus(AcquisitionService, healthpb.HealthCheckResponse_NOT_SERVING)
	lm.machineController = machine.NewController(lm.logger, lm.sampler, &stateBroadcaster{hub: lm.hub, health: lm.health})

	lm.dispatcher = session.NewDispatcher(lm.graph, lm.store, lm.machineController, lm.sampler, lm.logger)
	if path := cfg.Session.KeepAliveLED; path != "" {
		if err := lm.dispatcher.SetKeepAliveOutput(path); err != nil {
			lm.logger.Warn("Keep-alive output not available", zap.String("path", path), zap.Error(err))
		}
	}

	lm.sessions = session.NewManager(lm.hub, lm.dispatcher, lm.clock, session.Config{
		KeepAliveInterval: cfg.Session.KeepAliveInterval,
		KeepAliveTimeout:  cfg.Session.KeepAliveTimeout,
		MaxFramingErrors:  cfg.Session.MaxFramingErrors,
		SendBuffer:        cfg.Session.SendBuffer,
	}, lm.logger)

	if cfg.Server.ComVisuPort > 0 {
		srv := comvisu.NewServer(cfg.Server.ComVisuPort, lm.sessions, comvisu.GraphCharts(lm.graph), lm.logger)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start ComVisu server: %w", err)
		}
		lm.comvisuServer = srv
	}

	if cfg.Server.HTTPPort > 0 {
		srv := rest.NewServer(cfg, lm, lm.logger)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start REST API: %w", err)
		}
		lm.restServer = srv
	}

	if cfg.Server.GRPCPort > 0 {
		if err := lm.startGRPCServer(); err != nil {
			return fmt.Errorf("failed to start gRPC: %w", err)
		}
	}
	return nil
}

func (lm *LifecycleManager) buildGraph(ctx context.Context) error {
	dm, err := devices.NewManager(lm.config.Devices.SearchPaths, lm.config.Devices.Simulate, lm.logger)
	if err != nil {
		return fmt.Errorf("failed to create device manager: %w", err)
	}

	layout, err := dm.LoadLayout(lm.config.Devices.Layout)
	if err != nil {
		return fmt.Errorf("failed to load layout: %w", err)
	}

	graph, err := dm.Build(ctx, layout)
	if err != nil {
		return fmt.Errorf("failed to build hardware graph: %w", err)
	}

	lm.deviceManager = dm
	lm.layout = layout
	lm.graph = graph
	return nil
}

// initConfigStore seeds the default tier files from the freshly built graph
// and then overlays the user variant. A missing or broken user configuration
// is not fatal; the layout values stay in effect.
func (lm *LifecycleManager) initConfigStore(ctx context.Context) error {
	store, err := configstore.New(lm.config.Persistence.ConfigDir, lm.graph, lm.logger)
	if err != nil {
		return fmt.Errorf("failed to create config store: %w", err)
	}
	lm.store = store

	if lm.config.Persistence.SeedDefaults {
		if _, err := store.EnsureDefaults(ctx); err != nil {
			return fmt.Errorf("failed to seed default configuration: %w", err)
		}
	}

	if !lm.config.Persistence.LoadUserOnStart {
		return nil
	}
	_, err = store.LoadUser(ctx)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		lm.logger.Info("No user configuration found, using layout values",
			zap.String("dir", store.Dir()))
	case err != nil:
		lm.logger.Warn("User configuration not loaded", zap.Error(err))
	}
	return nil
}

// openExportSinks attaches the optional export sinks. An unreachable broker
// or database disables that export only.
func (lm *LifecycleManager) openExportSinks(ctx context.Context) {
	export := lm.config.Export

	if export.MQTT.Enabled {
		sink, err := telemetry.NewMQTTSink(telemetry.MQTTConfig{
			Server:      export.MQTT.Server,
			ClientID:    export.MQTT.ClientID,
			Username:    export.MQTT.Username,
			Password:    export.MQTT.Password,
			TopicPrefix: export.MQTT.TopicPrefix,
			QoS:         byte(export.MQTT.QoS),
			QueueSize:   export.MQTT.QueueSize,
		}, lm.logger)
		if err != nil {
			lm.logger.Error("MQTT export disabled", zap.Error(err))
		} else {
			lm.fanout.Add(sink)
		}
	}

	if export.CSV.Enabled {
		lm.fanout.Add(telemetry.NewCSVSink(export.CSV.Dir, export.CSV.Prefix, lm.logger))
	}

	if export.Postgres.Enabled {
		client, err := storage.NewPostgresClient(ctx, export.Postgres)
		if err != nil {
			lm.logger.Error("Database export disabled", zap.Error(err))
			return
		}
		if err := client.EnsureSchema(ctx); err != nil {
			lm.logger.Error("Database export disabled", zap.Error(err))
			client.Close()
			return
		}
		lm.storage = client
		lm.fanout.Add(storage.NewSampleWriter(client, storage.WriterConfig{
			BatchSize:     export.Postgres.BatchSize,
			FlushInterval: export.Postgres.FlushInterval,
			QueueSize:     export.Postgres.QueueSize,
		}, lm.clock, lm.logger))
	}
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(lm.grpcServer, lm.health)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the system in reverse start order. The
// instance lock is released last.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		lm.shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
	})
	return lm.shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	errs := lm.stopListeners(ctx)

	// Ends the remaining websocket sessions and the hub.
	lm.cancel()

	// Acquisition is halted explicitly so the sinks get their final flush.
	if lm.machineController != nil && lm.machineController.State() == machine.StateRunning {
		if _, err := lm.machineController.ExecuteCommand(ctx, machine.CommandStop); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if lm.fanout != nil {
		if err := lm.fanout.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("telemetry close failed: %w", err))
		}
	}
	if lm.storage != nil {
		lm.storage.Close()
	}
	if lm.deviceManager != nil {
		if err := lm.deviceManager.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("device close failed: %w", err))
		}
	}

	if lm.guard != nil {
		if err := lm.guard.Release(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("lock release failed: %w", err))
		}
	}

	if errs == nil {
		lm.logger.Info("Graceful shutdown completed")
	}
	return errs
}

// stopListeners stops all network servers in parallel.
func (lm *LifecycleManager) stopListeners(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	if lm.comvisuServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lm.comvisuServer.Shutdown(ctx); err != nil {
				errChan <- fmt.Errorf("comvisu shutdown failed: %w", err)
			}
		}()
	}

	if lm.health != nil {
		lm.health.Shutdown()
	}
	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.grpcServer.GracefulStop()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var errs error
	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		errs = fmt.Errorf("shutdown timeout exceeded")
	}

	for {
		select {
		case err := <-errChan:
			errs = multierr.Append(errs, err)
		default:
			return errs
		}
	}
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Ignoring system state change", zap.Error(err))
		return
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System start failed", zap.Error(err))
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastError = err.Error()
}

// State returns the lifecycle state.
func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	status := interfaces.SystemStatus{
		State:     lm.currentState.String(),
		StartedAt: lm.startedAt,
		Error:     lm.lastError,
	}
	lm.stateMu.RUnlock()

	if lm.layout != nil {
		status.Layout = lm.layout.Name
	}
	if lm.graph != nil {
		status.EntityCount = lm.graph.Len()
		status.ChannelCount = len(lm.graph.Channels())
	}
	if lm.machineController != nil {
		status.Acquisition = string(lm.machineController.State())
	}
	if lm.hub != nil {
		status.Sessions = lm.hub.Sessions()
	}
	if lm.deviceManager != nil {
		status.Drivers = lm.deviceManager.Drivers()
	}
	if lm.fanout != nil {
		status.Sinks = lm.fanout.Len()
	}
	return status
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Graph() *hardware.Graph {
	return lm.graph
}

func (lm *LifecycleManager) Dispatcher() *session.Dispatcher {
	return lm.dispatcher
}

func (lm *LifecycleManager) SessionManager() *session.Manager {
	return lm.sessions
}

// MachineController returns the machine controller
func (lm *LifecycleManager) MachineController() *machine.Controller {
	return lm.machineController
}

// History returns the sample database, or nil when the export is disabled.
func (lm *LifecycleManager) History() interfaces.SampleHistory {
	if lm.storage == nil {
		return nil
	}
	return lm.storage
}

func (lm *LifecycleManager) Context() context.Context {
	return lm.ctx
}

// stateBroadcaster forwards machine state changes to the sessions and
// mirrors them into the gRPC health service.
type stateBroadcaster struct {
	hub    *session.Hub
	health *health.Server
}

func (b *stateBroadcaster) Broadcast(msg protocol.Message) {
	b.hub.Broadcast(msg)

	data, ok := msg.Data.(protocol.MachineStateData)
	if !ok {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if data.State == string(machine.StateRunning) {
		status = healthpb.HealthCheckResponse_SERVING
	}
	b.health.SetServingStatus(AcquisitionService, status)
}
