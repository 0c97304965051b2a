// Package instance keeps a single server process per host by holding a
// lockfile that records the owner's PID.
package instance

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// LockConflictError reports a lock that could not be taken over.
type LockConflictError struct {
	Path string
	PID  int
	Err  error
}

func (e *LockConflictError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("lockfile %s held by pid %d: %v", e.Path, e.PID, e.Err)
	}
	return fmt.Sprintf("lockfile %s: %v", e.Path, e.Err)
}

func (e *LockConflictError) Unwrap() error { return e.Err }

// Processes inspects and signals other processes.
type Processes interface {
	Exists(pid int) (bool, error)
	Name(pid int) (string, error)
	Terminate(pid int) error
	Kill(pid int) error
}

type Options struct {
	Path string
	// KillExisting terminates a live holder instead of failing.
	KillExisting bool
	// KillTimeout bounds the wait after each signal.
	KillTimeout time.Duration
}

type Guard struct {
	opts   Options
	pid    int
	name   string
	procs  Processes
	clock  clock.Clock
	logger *zap.Logger

	mu   sync.Mutex
	held bool
}

// NewGuard returns a guard backed by the host's process table.
func NewGuard(opts Options, logger *zap.Logger) *Guard {
	return newGuard(opts, os.Getpid(), selfName(), SystemProcesses(), clock.New(), logger)
}

func newGuard(opts Options, pid int, name string, procs Processes, clk clock.Clock, logger *zap.Logger) *Guard {
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = 5 * time.Second
	}
	return &Guard{
		opts:   opts,
		pid:    pid,
		name:   name,
		procs:  procs,
		clock:  clk,
		logger: logger.With(zap.String("lockfile", opts.Path)),
	}
}

func selfName() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Base(os.Args[0])
	}
	return filepath.Base(exe)
}

// Path returns the lockfile location.
func (g *Guard) Path() string { return g.opts.Path }

// Acquire takes the lock, clearing a stale lockfile or evicting a live
// holder of the same program first.
func (g *Guard) Acquire(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.held {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(g.opts.Path), 0o755); err != nil {
		return &LockConflictError{Path: g.opts.Path, Err: err}
	}

	holder := 0
	for attempt := 0; attempt < 3; attempt++ {
		err := g.create()
		if err == nil {
			g.held = true
			g.logger.Info("Instance lock acquired", zap.Int("pid", g.pid))
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return &LockConflictError{Path: g.opts.Path, Err: err}
		}

		holder, err = readPID(g.opts.Path)
		if err != nil {
			g.logger.Warn("Removing unreadable lockfile", zap.Error(err))
			if err := g.remove(); err != nil {
				return err
			}
			continue
		}

		if err := g.clear(ctx, holder); err != nil {
			return err
		}
	}
	return &LockConflictError{Path: g.opts.Path, PID: holder, Err: errors.New("lockfile keeps reappearing")}
}

func (g *Guard) create() error {
	f, err := os.OpenFile(g.opts.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(strconv.Itoa(g.pid) + "\n")
	serr := f.Sync()
	cerr := f.Close()
	if err := multierr.Combine(werr, serr, cerr); err != nil {
		os.Remove(g.opts.Path)
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	return nil
}

func (g *Guard) remove() error {
	if err := os.Remove(g.opts.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &LockConflictError{Path: g.opts.Path, Err: err}
	}
	return nil
}

// clear makes room for a new lockfile held by pid.
func (g *Guard) clear(ctx context.Context, pid int) error {
	if pid == g.pid {
		g.logger.Warn("Lockfile carries our own pid, replacing it")
		return g.remove()
	}

	alive, err := g.procs.Exists(pid)
	if err != nil {
		return &LockConflictError{Path: g.opts.Path, PID: pid, Err: err}
	}
	if !alive {
		g.logger.Warn("Removing stale lockfile", zap.Int("holder_pid", pid))
		return g.remove()
	}

	// The PID may have been recycled by an unrelated program.
	if name, err := g.procs.Name(pid); err == nil && !sameProgram(name, g.name) {
		g.logger.Warn("Lockfile holder is a different program, treating lock as stale",
			zap.Int("holder_pid", pid),
			zap.String("holder_name", name))
		return g.remove()
	}

	if !g.opts.KillExisting {
		return &LockConflictError{Path: g.opts.Path, PID: pid, Err: errors.New("another instance is running")}
	}

	if err := g.evict(ctx, pid); err != nil {
		return &LockConflictError{Path: g.opts.Path, PID: pid, Err: err}
	}
	return g.remove()
}

// commLen is the length Linux truncates process names to.
const commLen = 15

func sameProgram(name, self string) bool {
	if self == "" || name == self {
		return true
	}
	return len(name) == commLen && strings.HasPrefix(self, name)
}

// evict asks pid to terminate and kills it if it does not exit in time.
func (g *Guard) evict(ctx context.Context, pid int) error {
	g.logger.Warn("Terminating running instance", zap.Int("holder_pid", pid))
	if err := g.procs.Terminate(pid); err != nil {
		return fmt.Errorf("failed to terminate: %w", err)
	}
	if g.waitExit(ctx, pid) {
		return nil
	}

	g.logger.Warn("Instance ignored termination, killing it", zap.Int("holder_pid", pid))
	if err := g.procs.Kill(pid); err != nil {
		return fmt.Errorf("failed to kill: %w", err)
	}
	if g.waitExit(ctx, pid) {
		return nil
	}
	return fmt.Errorf("process did not exit within %s", g.opts.KillTimeout)
}

func (g *Guard) waitExit(ctx context.Context, pid int) bool {
	ctx, cancel := g.clock.WithTimeout(ctx, g.opts.KillTimeout)
	defer cancel()

	ticker := g.clock.Ticker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if alive, err := g.procs.Exists(pid); err == nil && !alive {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Release removes the lockfile if it still names this process.
func (g *Guard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.held {
		return nil
	}
	g.held = false

	holder, err := readPID(g.opts.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read lockfile: %w", err)
	}
	if holder != g.pid {
		g.logger.Warn("Lockfile was taken over, leaving it in place", zap.Int("holder_pid", holder))
		return nil
	}
	if err := os.Remove(g.opts.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lockfile: %w", err)
	}
	g.logger.Info("Instance lock released")
	return nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q", strings.TrimSpace(string(data)))
	}
	return pid, nil
}
