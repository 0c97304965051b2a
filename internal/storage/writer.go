package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenMeasurementCore/internal/telemetry"
	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var ErrWriterClosed = errors.New("sample writer closed")

// SampleStore persists a batch of samples.
type SampleStore interface {
	InsertSamples(ctx context.Context, samples []telemetry.Sample) error
}

type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
}

// SampleWriter is a telemetry sink that batches samples into a store from a
// single goroutine. Write never blocks; samples are dropped while the queue
// is full.
type SampleWriter struct {
	store  SampleStore
	cfg    WriterConfig
	clock  clock.Clock
	logger *zap.Logger

	queue    chan telemetry.Sample
	flushReq chan chan error
	done     chan struct{}
	wg       sync.WaitGroup

	closeOnce sync.Once
	dropped   atomic.Int64
	written   atomic.Int64
}

func NewSampleWriter(store SampleStore, cfg WriterConfig, clk clock.Clock, logger *zap.Logger) *SampleWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10 * cfg.BatchSize
	}
	if clk == nil {
		clk = clock.New()
	}

	w := &SampleWriter{
		store:    store,
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
		queue:    make(chan telemetry.Sample, cfg.QueueSize),
		flushReq: make(chan chan error),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *SampleWriter) Write(s telemetry.Sample) error {
	select {
	case <-w.done:
		return ErrWriterClosed
	default:
	}

	select {
	case w.queue <- s:
	default:
		if w.dropped.Inc() == 1 {
			w.logger.Warn("Sample queue full, dropping samples", zap.Int("queue_size", w.cfg.QueueSize))
		}
	}
	return nil
}

// Flush stores everything written before the call.
func (w *SampleWriter) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case w.flushReq <- reply:
	case <-w.done:
		return ErrWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stores the remaining samples and stops the writer.
func (w *SampleWriter) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	return nil
}

// Dropped returns the number of samples lost to a full queue.
func (w *SampleWriter) Dropped() int64 { return w.dropped.Load() }

// Written returns the number of samples stored.
func (w *SampleWriter) Written() int64 { return w.written.Load() }

func (w *SampleWriter) run() {
	defer w.wg.Done()

	ticker := w.clock.Ticker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]telemetry.Sample, 0, w.cfg.BatchSize)
	store := func() error {
		if len(batch) == 0 {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := w.store.InsertSamples(ctx, batch)
		if err != nil {
			w.logger.Error("Failed to store samples", zap.Int("count", len(batch)), zap.Error(err))
		} else {
			w.written.Add(int64(len(batch)))
		}
		batch = batch[:0]
		return err
	}
	drain := func() error {
		var err error
		for {
			select {
			case s := <-w.queue:
				batch = append(batch, s)
				if len(batch) >= w.cfg.BatchSize {
					if serr := store(); serr != nil {
						err = serr
					}
				}
			default:
				if serr := store(); serr != nil {
					err = serr
				}
				return err
			}
		}
	}

	for {
		select {
		case s := <-w.queue:
			batch = append(batch, s)
			if len(batch) >= w.cfg.BatchSize {
				store()
			}
		case <-ticker.C:
			store()
		case reply := <-w.flushReq:
			err := drain()
			if err != nil {
				err = fmt.Errorf("flush samples: %w", err)
			}
			reply <- err
		case <-w.done:
			drain()
			return
		}
	}
}
