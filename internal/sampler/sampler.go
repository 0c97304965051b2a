// Package sampler runs the periodic acquisition loops. Each standalone
// channel and each multi-channel group gets its own loop and interval.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"github.com/KevinKickass/OpenMeasurementCore/internal/model"
	"github.com/KevinKickass/OpenMeasurementCore/internal/telemetry"
	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// State of a channel within the acquisition state machine.
type State string

const (
	StateIdle     State = "idle"
	StateArmed    State = "armed"
	StateSampling State = "sampling"
)

var (
	ErrAlreadyRunning = errors.New("sampler already running")
	ErrNotRunning     = errors.New("sampler not running")
)

// Config tunes acquisition.
type Config struct {
	// DefaultSampleRate applies when neither a channel nor an ancestor
	// configures sample_rate.
	DefaultSampleRate float64
	MaxRetries        int
	RetryDelay        time.Duration
	ReadTimeout       time.Duration
}

// ChannelStatus is the observable state of one channel.
type ChannelStatus struct {
	ID         hardware.ID `json:"id"`
	Path       string      `json:"path"`
	State      State       `json:"state"`
	Error      string      `json:"error,omitempty"`
	Retries    int         `json:"retries"`
	HighLoad   bool        `json:"high_load,omitempty"`
	LastSample time.Time   `json:"last_sample,omitempty"`
}

type channelState struct {
	id         hardware.ID
	path       string
	unit       string
	state      atomic.String
	reported   atomic.String
	err        atomic.String
	retries    atomic.Int32
	highLoad   atomic.Bool
	failed     atomic.Bool
	lastSample atomic.Time
}

// task is one scheduling unit: a standalone channel or a group sampled in
// one tick.
type task struct {
	id       hardware.ID
	path     string
	members  []*channelState
	highLoad atomic.Bool
}

type Sampler struct {
	graph  *hardware.Graph
	sink   telemetry.Sink
	clock  clock.Clock
	cfg    Config
	logger *zap.Logger

	states map[hardware.ID]*channelState
	order  []*channelState
	tasks  []*task

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New plans tasks for every input channel of g. Output channels are never
// sampled.
func New(g *hardware.Graph, sink telemetry.Sink, clk clock.Clock, cfg Config, logger *zap.Logger) *Sampler {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.DefaultSampleRate <= 0 {
		cfg.DefaultSampleRate = 1
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	s := &Sampler{
		graph:  g,
		sink:   sink,
		clock:  clk,
		cfg:    cfg,
		logger: logger,
		states: make(map[hardware.ID]*channelState),
	}

	grouped := make(map[hardware.ID]bool)
	for _, gid := range g.MultiChannels() {
		t := &task{id: gid, path: g.Path(gid)}
		for _, child := range g.Children(gid) {
			if st := s.track(child); st != nil {
				t.members = append(t.members, st)
				grouped[child] = true
			}
		}
		if len(t.members) > 0 {
			s.tasks = append(s.tasks, t)
		}
	}
	for _, id := range g.Channels() {
		if grouped[id] {
			continue
		}
		if st := s.track(id); st != nil {
			s.tasks = append(s.tasks, &task{id: id, path: st.path, members: []*channelState{st}})
		}
	}
	return s
}

func (s *Sampler) track(id hardware.ID) *channelState {
	ent, ok := s.graph.Entity(id)
	if !ok || ent.Kind != hardware.KindChannel || ent.Direction != hardware.DirectionInput {
		return nil
	}
	st := &channelState{id: id, path: ent.Path, unit: ent.Unit}
	st.state.Store(string(StateIdle))
	st.reported.Store(string(StateIdle))
	s.states[id] = st
	s.order = append(s.order, st)
	return st
}

// Start arms every active channel and launches the loops. The first tick of
// each loop happens immediately.
func (s *Sampler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	for _, st := range s.order {
		st.failed.Store(false)
		st.err.Store("")
		st.retries.Store(0)
		if s.graph.Active(st.id) {
			s.setState(st, StateArmed)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}

	s.logger.Info("Sampler started", zap.Int("tasks", len(s.tasks)), zap.Int("channels", len(s.order)))
	return nil
}

// Stop cancels every loop, waits for them to exit and returns all channels
// to idle before flushing the sink. No hardware read is issued after Stop
// returns.
func (s *Sampler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()

	for _, st := range s.order {
		s.setState(st, StateIdle)
	}

	s.logger.Info("Sampler stopped")

	if fl, ok := s.sink.(telemetry.Flusher); ok {
		if err := fl.Flush(ctx); err != nil {
			return fmt.Errorf("flush telemetry: %w", err)
		}
	}
	return nil
}

// Running reports whether an acquisition session is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns the state of one channel.
func (s *Sampler) Status(id hardware.ID) (ChannelStatus, bool) {
	st, ok := s.states[id]
	if !ok {
		return ChannelStatus{}, false
	}
	return st.snapshot(), true
}

// Statuses returns the state of every sampled channel in construction order.
func (s *Sampler) Statuses() []ChannelStatus {
	out := make([]ChannelStatus, 0, len(s.order))
	for _, st := range s.order {
		out = append(out, st.snapshot())
	}
	return out
}

func (st *channelState) snapshot() ChannelStatus {
	return ChannelStatus{
		ID:         st.id,
		Path:       st.path,
		State:      State(st.state.Load()),
		Error:      st.err.Load(),
		Retries:    int(st.retries.Load()),
		HighLoad:   st.highLoad.Load(),
		LastSample: st.lastSample.Load(),
	}
}

// interval derives the tick period from the nearest sample_rate. A rate of
// zero or below means no pause between ticks. Positive rates below
// hardware.MinSampleRate, which only a layout can carry, tick at that rate.
func (s *Sampler) interval(id hardware.ID) (time.Duration, bool) {
	rate, ok := s.graph.EffectiveSampleRate(id)
	if !ok {
		rate = s.cfg.DefaultSampleRate
	}
	if rate <= 0 {
		return 0, true
	}
	rate = math.Max(rate, hardware.MinSampleRate)
	return time.Duration(float64(time.Second) / rate), false
}

func (s *Sampler) loop(ctx context.Context, t *task) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		start := s.clock.Now()
		s.tick(ctx, t)

		interval, highLoad := s.interval(t.id)
		s.markHighLoad(t, highLoad)
		if highLoad {
			runtime.Gosched()
			continue
		}

		wait := interval - s.clock.Since(start)
		if wait < 0 {
			wait = 0
		}
		timer := s.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Sampler) markHighLoad(t *task, highLoad bool) {
	if t.highLoad.Swap(highLoad) == highLoad {
		return
	}
	if highLoad {
		s.logger.Warn("Sample rate <= 0, sampling at full speed (high load)", zap.String("path", t.path))
	}
	for _, st := range t.members {
		st.highLoad.Store(highLoad)
		s.notify(st)
	}
}

func (s *Sampler) tick(ctx context.Context, t *task) {
	for _, st := range t.members {
		if ctx.Err() != nil {
			return
		}
		if st.failed.Load() || !s.graph.Active(st.id) {
			s.setState(st, StateIdle)
			continue
		}
		s.sampleChannel(ctx, st)
	}
}

func (s *Sampler) sampleChannel(ctx context.Context, st *channelState) {
	s.setState(st, StateSampling)

	raw, err := s.readWithRetry(ctx, st)
	if err != nil {
		if ctx.Err() != nil {
			s.setState(st, StateIdle)
			return
		}
		st.failed.Store(true)
		st.err.Store(err.Error())
		s.logger.Error("Channel read failed, channel idle until next start",
			zap.String("path", st.path),
			zap.Int("retries", int(st.retries.Load())),
			zap.Error(err))
		s.setState(st, StateIdle)
		return
	}

	m, err := s.graph.Model(st.id)
	if err != nil {
		m = model.Identity()
	}
	value, err := m.Apply(raw)
	if err != nil {
		s.logger.Warn("Sample skipped",
			zap.String("path", st.path),
			zap.Float64("raw", raw),
			zap.Error(err))
		s.setState(st, StateArmed)
		return
	}

	now := s.clock.Now()
	sample := telemetry.Sample{
		Path:      st.path,
		ChannelID: int(st.id),
		Value:     value,
		Raw:       raw,
		Unit:      st.unit,
		Timestamp: now,
	}
	if cfg, err := s.graph.Config(st.id); err == nil {
		if chart, ok := cfg.ChartNumber(); ok {
			sample.ChartNumber = chart
		}
	}
	st.lastSample.Store(now)

	if s.sink != nil {
		if err := s.sink.Write(sample); err != nil {
			s.logger.Warn("Telemetry write failed", zap.String("path", st.path), zap.Error(err))
		}
	}
	s.setState(st, StateArmed)
}

// readWithRetry retries a failed read up to MaxRetries times. The delay
// between attempts is interruptible by Stop.
func (s *Sampler) readWithRetry(ctx context.Context, st *channelState) (float64, error) {
	for attempt := 0; ; attempt++ {
		rctx, cancel := s.clock.WithTimeout(ctx, s.cfg.ReadTimeout)
		raw, err := s.graph.ReadRaw(rctx, st.id)
		cancel()
		if err == nil {
			st.retries.Store(0)
			return raw, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if attempt >= s.cfg.MaxRetries {
			return 0, err
		}

		st.retries.Store(int32(attempt + 1))
		s.logger.Warn("Channel read failed, retrying",
			zap.String("path", st.path),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", s.cfg.MaxRetries),
			zap.Error(err))

		timer := s.clock.Timer(s.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Sampler) setState(st *channelState, state State) {
	st.state.Store(string(state))
	// Sampling and Armed alternate on every tick; only edges between Armed
	// and Idle are reported.
	if state == StateSampling {
		return
	}
	if State(st.reported.Swap(string(state))) == state {
		return
	}
	s.notify(st)
}

func (s *Sampler) notify(st *channelState) {
	ss, ok := s.sink.(telemetry.StatusSink)
	if !ok {
		return
	}
	if err := ss.WriteStatus(telemetry.Status{
		Path:      st.path,
		ChannelID: int(st.id),
		State:     st.state.Load(),
		Error:     st.err.Load(),
		HighLoad:  st.highLoad.Load(),
		Timestamp: s.clock.Now(),
	}); err != nil {
		s.logger.Debug("Status write failed", zap.String("path", st.path), zap.Error(err))
	}
}
