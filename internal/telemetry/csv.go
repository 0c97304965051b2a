package telemetry

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

var csvHeader = []string{"timestamp", "path", "value", "raw", "unit"}

// CSVSink appends samples to a file in an export directory (typically a
// mounted USB drive). Each Flush closes the current file so the next
// acquisition run starts a new one.
type CSVSink struct {
	dir    string
	prefix string
	now    func() time.Time
	logger *zap.Logger

	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	w    *csv.Writer
}

func NewCSVSink(dir, prefix string, logger *zap.Logger) *CSVSink {
	if prefix == "" {
		prefix = "samples"
	}
	return &CSVSink{dir: dir, prefix: prefix, now: time.Now, logger: logger}
}

func (s *CSVSink) open() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.csv", s.prefix, s.now().UTC().Format("20060102T150405.000"))
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open export file: %w", err)
	}
	s.file = f
	s.buf = bufio.NewWriter(f)
	s.w = csv.NewWriter(s.buf)
	if err := s.w.Write(csvHeader); err != nil {
		return err
	}
	s.logger.Info("CSV export started", zap.String("file", f.Name()))
	return nil
}

func (s *CSVSink) Write(sample Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		if err := s.open(); err != nil {
			return err
		}
	}
	return s.w.Write([]string{
		sample.Timestamp.UTC().Format(time.RFC3339Nano),
		sample.Path,
		strconv.FormatFloat(sample.Value, 'g', -1, 64),
		strconv.FormatFloat(sample.Raw, 'g', -1, 64),
		sample.Unit,
	})
}

// Flush writes buffered rows and closes the current file.
func (s *CSVSink) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *CSVSink) Close() error {
	return s.Flush(context.Background())
}

func (s *CSVSink) closeLocked() error {
	if s.file == nil {
		return nil
	}
	s.w.Flush()
	err := s.w.Error()
	if ferr := s.buf.Flush(); err == nil {
		err = ferr
	}
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file, s.buf, s.w = nil, nil, nil
	if err != nil {
		return fmt.Errorf("close export file: %w", err)
	}
	return nil
}
