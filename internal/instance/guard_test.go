package instance

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const selfPID = 4242

type fakeProcesses struct {
	mu         sync.Mutex
	alive      map[int]bool
	names      map[int]string
	stubborn   map[int]bool
	terminated []int
	killed     []int
}

func newFakeProcesses() *fakeProcesses {
	return &fakeProcesses{alive: map[int]bool{}, names: map[int]string{}, stubborn: map[int]bool{}}
}

func (f *fakeProcesses) Exists(pid int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid], nil
}

func (f *fakeProcesses) Name(pid int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names[pid], nil
}

func (f *fakeProcesses) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, pid)
	if !f.stubborn[pid] {
		f.alive[pid] = false
	}
	return nil
}

func (f *fakeProcesses) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	if !f.stubborn[pid] {
		f.alive[pid] = false
	}
	return nil
}

func newTestGuard(t *testing.T, procs *fakeProcesses, kill bool) *Guard {
	t.Helper()
	opts := Options{
		Path:         filepath.Join(t.TempDir(), "run", "measurement_server.lock"),
		KillExisting: kill,
		KillTimeout:  100 * time.Millisecond,
	}
	return newGuard(opts, selfPID, "measurement-server", procs, clock.New(), zap.NewNop())
}

func writeLock(t *testing.T, g *Guard, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(g.Path()), 0o755))
	require.NoError(t, os.WriteFile(g.Path(), []byte(content), 0o644))
}

func lockPID(t *testing.T, g *Guard) int {
	t.Helper()
	data, err := os.ReadFile(g.Path())
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data[:len(data)-1]))
	require.NoError(t, err)
	return pid
}

func TestAcquireAndRelease(t *testing.T) {
	g := newTestGuard(t, newFakeProcesses(), true)

	require.NoError(t, g.Acquire(context.Background()))
	assert.Equal(t, selfPID, lockPID(t, g))

	require.NoError(t, g.Release())
	assert.NoFileExists(t, g.Path())
	require.NoError(t, g.Release(), "release is idempotent")
}

func TestDeadHolderIsRecovered(t *testing.T) {
	procs := newFakeProcesses()
	g := newTestGuard(t, procs, true)
	writeLock(t, g, "999\n")

	require.NoError(t, g.Acquire(context.Background()))
	assert.Equal(t, selfPID, lockPID(t, g))
	assert.Empty(t, procs.terminated)
}

func TestUnreadableLockfileIsReplaced(t *testing.T) {
	g := newTestGuard(t, newFakeProcesses(), true)
	writeLock(t, g, "not a pid")

	require.NoError(t, g.Acquire(context.Background()))
	assert.Equal(t, selfPID, lockPID(t, g))
}

func TestLiveHolderIsTerminated(t *testing.T) {
	procs := newFakeProcesses()
	procs.alive[1000] = true
	procs.names[1000] = "measurement-server"
	g := newTestGuard(t, procs, true)
	writeLock(t, g, "1000\n")

	require.NoError(t, g.Acquire(context.Background()))
	assert.Equal(t, []int{1000}, procs.terminated)
	assert.Empty(t, procs.killed)
	assert.Equal(t, selfPID, lockPID(t, g))
}

func TestLiveHolderWithoutKillIsConflict(t *testing.T) {
	procs := newFakeProcesses()
	procs.alive[1000] = true
	procs.names[1000] = "measurement-server"
	g := newTestGuard(t, procs, false)
	writeLock(t, g, "1000\n")

	err := g.Acquire(context.Background())
	var conflict *LockConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 1000, conflict.PID)
	assert.Equal(t, 1000, lockPID(t, g), "the foreign lockfile is left alone")
}

func TestRecycledPIDIsNotKilled(t *testing.T) {
	procs := newFakeProcesses()
	procs.alive[1000] = true
	procs.names[1000] = "sshd"
	g := newTestGuard(t, procs, true)
	writeLock(t, g, "1000\n")

	require.NoError(t, g.Acquire(context.Background()))
	assert.Empty(t, procs.terminated)
}

func TestStubbornHolderIsKilledThenReported(t *testing.T) {
	procs := newFakeProcesses()
	procs.alive[1000] = true
	procs.names[1000] = "measurement-serv"[:15]
	procs.stubborn[1000] = true
	g := newTestGuard(t, procs, true)
	writeLock(t, g, "1000\n")

	err := g.Acquire(context.Background())
	var conflict *LockConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []int{1000}, procs.terminated)
	assert.Equal(t, []int{1000}, procs.killed)
}

func TestReleaseKeepsForeignLock(t *testing.T) {
	g := newTestGuard(t, newFakeProcesses(), true)
	require.NoError(t, g.Acquire(context.Background()))

	require.NoError(t, os.WriteFile(g.Path(), []byte("77\n"), 0o644))
	require.NoError(t, g.Release())
	assert.FileExists(t, g.Path())
}
