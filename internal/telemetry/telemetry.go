// Package telemetry carries acquired samples from the sampler to its sinks.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Sample is one timestamped engineering value.
type Sample struct {
	Path        string    `json:"path"`
	ChannelID   int       `json:"channel_id"`
	Value       float64   `json:"value"`
	Raw         float64   `json:"raw"`
	Unit        string    `json:"unit,omitempty"`
	ChartNumber int       `json:"chart_number,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Status reports a channel state change.
type Status struct {
	Path      string    `json:"path"`
	ChannelID int       `json:"channel_id"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	HighLoad  bool      `json:"high_load,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink accepts samples. Write must not block on network or disk for long;
// implementations queue internally.
type Sink interface {
	Write(s Sample) error
}

// StatusSink is implemented by sinks that also want channel state changes.
type StatusSink interface {
	WriteStatus(st Status) error
}

// Flusher is implemented by sinks buffering samples.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Closer is implemented by sinks holding connections or files.
type Closer interface {
	Close() error
}

// Fanout forwards to every registered sink. A failing sink does not prevent
// delivery to the others.
type Fanout struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *zap.Logger
}

func NewFanout(logger *zap.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: logger}
}

// Add registers another sink.
func (f *Fanout) Add(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Len returns the number of registered sinks.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}

func (f *Fanout) snapshot() []Sink {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Sink(nil), f.sinks...)
}

func (f *Fanout) Write(s Sample) error {
	var errs error
	for _, sink := range f.snapshot() {
		errs = multierr.Append(errs, sink.Write(s))
	}
	return errs
}

func (f *Fanout) WriteStatus(st Status) error {
	var errs error
	for _, sink := range f.snapshot() {
		if ss, ok := sink.(StatusSink); ok {
			errs = multierr.Append(errs, ss.WriteStatus(st))
		}
	}
	return errs
}

func (f *Fanout) Flush(ctx context.Context) error {
	var errs error
	for _, sink := range f.snapshot() {
		if fl, ok := sink.(Flusher); ok {
			errs = multierr.Append(errs, fl.Flush(ctx))
		}
	}
	return errs
}

func (f *Fanout) Close() error {
	var errs error
	for _, sink := range f.snapshot() {
		if c, ok := sink.(Closer); ok {
			errs = multierr.Append(errs, c.Close())
		}
	}
	return errs
}
