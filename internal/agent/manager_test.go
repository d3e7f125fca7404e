package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/models"
)

type fakeProc struct {
	pid int

	mu         sync.Mutex
	terminated bool
	killed     bool

	doneCh    chan struct{}
	closeOnce sync.Once

	// exitOnTerminate makes SIGTERM exit the process promptly, the
	// well-behaved case. Clear it to force the SIGKILL escalation.
	exitOnTerminate bool
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	exit := p.exitOnTerminate
	p.mu.Unlock()
	if exit {
		p.exit()
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProc) Done() <-chan struct{} { return p.doneCh }

func (p *fakeProc) exit() { p.closeOnce.Do(func() { close(p.doneCh) }) }

func (p *fakeProc) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *fakeProc) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type spawnRecord struct {
	bin  string
	args []string
	proc *fakeProc
}

type fakeRunner struct {
	mu              sync.Mutex
	err             error
	ignoreTerminate bool
	nextPID         int
	started         []spawnRecord
}

func (r *fakeRunner) Start(bin string, args []string) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.nextPID++
	p := &fakeProc{
		pid:             r.nextPID,
		doneCh:          make(chan struct{}),
		exitOnTerminate: !r.ignoreTerminate,
	}
	r.started = append(r.started, spawnRecord{bin: bin, args: args, proc: p})
	return p, nil
}

func (r *fakeRunner) last() spawnRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started[len(r.started)-1]
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

func newTestManager(t *testing.T, maxServers int) (*Manager, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{}
	cfg := &Config{
		HostID:          "host-a",
		ControlPlaneURL: "http://203.0.113.10:8080",
		AccessKey:       "secret",
		GameServerBin:   "/opt/vmhub/bin/server.x86_64",
		MaxServers:      maxServers,
		PortBase:        9000,
		ListenPort:      DefaultListenPort,
	}
	m := NewManager(cfg, runner, zap.NewNop())
	m.warmup = 5 * time.Millisecond
	m.grace = 20 * time.Millisecond
	m.drainWait = 100 * time.Millisecond
	m.reapDelay = 10 * time.Millisecond
	return m, runner
}

func Test_Spawn_AllocatesLowestPortAndDerivesUID(t *testing.T) {
	m, runner := newTestManager(t, 6)

	resp, err := m.Spawn(models.SpawnRequest{})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "host-a-9000", resp.ServerUID)
	assert.Equal(t, 9000, resp.Port)

	rec := runner.last()
	assert.Equal(t, "/opt/vmhub/bin/server.x86_64", rec.bin)
	assert.Equal(t, []string{
		"--server",
		"--port", "9000",
		"--master", "http://203.0.113.10:8080",
		"--uid", "host-a-9000",
	}, rec.args)

	resp, err = m.Spawn(models.SpawnRequest{})
	require.NoError(t, err)
	assert.Equal(t, 9001, resp.Port)
	assert.Equal(t, "host-a-9001", resp.ServerUID)
}

func Test_Spawn_PrivateCarriesOwnerFlags(t *testing.T) {
	m, runner := newTestManager(t, 6)

	owner := int64(42)
	resp, err := m.Spawn(models.SpawnRequest{
		UID:     "private_42_host-a",
		OwnerID: &owner,
		Private: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "private_42_host-a", resp.ServerUID)

	rec := runner.last()
	assert.Contains(t, rec.args, "--private")
	assert.Contains(t, rec.args, "--owner")
	assert.Contains(t, rec.args, "42")

	servers, _ := m.Report()
	require.Len(t, servers, 1)
	assert.True(t, servers[0].Private)
	require.NotNil(t, servers[0].OwnerID)
	assert.Equal(t, owner, *servers[0].OwnerID)
}

func Test_Spawn_ExplicitPortConflict(t *testing.T) {
	m, _ := newTestManager(t, 6)

	_, err := m.Spawn(models.SpawnRequest{Port: 9002})
	require.NoError(t, err)

	_, err = m.Spawn(models.SpawnRequest{Port: 9002})
	assert.ErrorIs(t, err, ErrPortInUse)

	// Out of range ports are refused outright.
	_, err = m.Spawn(models.SpawnRequest{Port: 9100})
	assert.ErrorIs(t, err, ErrPortInUse)
}

func Test_Spawn_DuplicateUIDReleasesPort(t *testing.T) {
	m, _ := newTestManager(t, 6)

	_, err := m.Spawn(models.SpawnRequest{UID: "fixed"})
	require.NoError(t, err)

	_, err = m.Spawn(models.SpawnRequest{UID: "fixed"})
	assert.ErrorIs(t, err, ErrDuplicateUID)

	// The port grabbed for the failed spawn must be free again.
	resp, err := m.Spawn(models.SpawnRequest{})
	require.NoError(t, err)
	assert.Equal(t, 9001, resp.Port)
}

func Test_Spawn_CapacityExhausted(t *testing.T) {
	m, _ := newTestManager(t, 2)

	_, err := m.Spawn(models.SpawnRequest{})
	require.NoError(t, err)
	_, err = m.Spawn(models.SpawnRequest{})
	require.NoError(t, err)

	_, err = m.Spawn(models.SpawnRequest{})
	assert.ErrorIs(t, err, ErrMaxServers)
}

func Test_Spawn_RunnerFailureReleasesPort(t *testing.T) {
	m, runner := newTestManager(t, 6)

	runner.mu.Lock()
	runner.err = assert.AnError
	runner.mu.Unlock()

	_, err := m.Spawn(models.SpawnRequest{})
	require.Error(t, err)

	runner.mu.Lock()
	runner.err = nil
	runner.mu.Unlock()

	resp, err := m.Spawn(models.SpawnRequest{})
	require.NoError(t, err)
	assert.Equal(t, 9000, resp.Port)
}

func Test_Warmup_MovesStartingToRunning(t *testing.T) {
	m, _ := newTestManager(t, 6)

	_, err := m.Spawn(models.SpawnRequest{})
	require.NoError(t, err)

	servers, _ := m.Report()
	require.Len(t, servers, 1)
	assert.Equal(t, models.ServerStatusStarting, servers[0].Status)

	require.Eventually(t, func() bool {
		servers, _ := m.Report()
		return len(servers) == 1 && servers[0].Status == models.ServerStatusRunning
	}, time.Second, 2*time.Millisecond)
}

func Test_StopServer_GracefulFreesPort(t *testing.T) {
	m, runner := newTestManager(t, 6)

	resp, err := m.Spawn(models.SpawnRequest{})
	require.NoError(t, err)
	proc := runner.last().proc

	require.NoError(t, m.StopServer(resp.ServerUID, true))
	assert.True(t, proc.wasTerminated())
	assert.False(t, proc.wasKilled())

	servers, _ := m.Report()
	assert.Empty(t, servers)

	resp, err = m.Spawn(models.SpawnRequest{})
	require.NoError(t, err)
	assert.Equal(t, 9000, resp.Port)
}

func Test_StopServer_EscalatesToKill(t *testing.T) {
	m, runner := newTestManager(t, 6)
	runner.ignoreTerminate = true

	resp, err := m.Spawn(models.SpawnRequest{})
	require.NoError(t, err)
	proc := runner.last().proc

	require.NoError(t, m.StopServer(resp.ServerUID, true))
	assert.True(t, proc.wasTerminated())
	assert.True(t, proc.wasKilled())
}

func Test_StopServer_ForceKillsImmediately(t *testing.T) {
	m, runner := newTestManager(t, 6)

	resp, err := m.Spawn(models.SpawnRequest{})
	require.NoError(t, err)
	proc := runner.last().proc

	require.NoError(t, m.StopServer(resp.ServerUID, false))
	assert.True(t, proc.wasKilled())
	assert.False(t, proc.wasTerminated())
}

func Test_StopServer_UnknownUID(t *testing.T) {
	m, _ := newTestManager(t, 6)
	assert.ErrorIs(t, m.StopServer("nope", true), ErrServerNotFound)
}

func Test_UpdatePlayers_DeduplicatesAndCounts(t *testing.T) {
	m, _ := newTestManager(t, 6)

	resp, err := m.Spawn(models.SpawnRequest{})
	require.NoError(t, err)

	require.NoError(t, m.UpdatePlayers(resp.ServerUID, []int64{1, 2, 2, 3}))

	servers, total := m.Report()
	require.Len(t, servers, 1)
	assert.Equal(t, 3, servers[0].PlayerCount)
	assert.Equal(t, 3, total)

	assert.ErrorIs(t, m.UpdatePlayers("nope", []int64{1}), ErrServerNotFound)
}

func Test_WatchExit_MarksDeadThenReaps(t *testing.T) {
	m, runner := newTestManager(t, 6)

	_, err := m.Spawn(models.SpawnRequest{})
	require.NoError(t, err)

	// Crash outside StopServer.
	runner.last().proc.exit()

	require.Eventually(t, func() bool {
		servers, _ := m.Report()
		return len(servers) == 1 && servers[0].Status == models.ServerStatusDead
	}, time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool {
		servers, _ := m.Report()
		return len(servers) == 0
	}, time.Second, 2*time.Millisecond)

	// Slot is reusable after the reap.
	resp, err := m.Spawn(models.SpawnRequest{})
	require.NoError(t, err)
	assert.Equal(t, 9000, resp.Port)
}

func Test_Drain_WaitsForPendingSaves(t *testing.T) {
	m, runner := newTestManager(t, 6)

	_, err := m.Spawn(models.SpawnRequest{})
	require.NoError(t, err)
	proc := runner.last().proc

	m.TrackSave("save-1", SaveStatusStart)

	done := make(chan struct{})
	go func() {
		m.Drain(context.Background())
		close(done)
	}()

	// The save holds the barrier: nothing may be stopped yet.
	time.Sleep(20 * time.Millisecond)
	assert.False(t, proc.wasTerminated())

	m.TrackSave("save-1", SaveStatusComplete)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain did not finish")
	}

	assert.True(t, proc.wasTerminated())
	assert.True(t, m.Draining())

	_, err = m.Spawn(models.SpawnRequest{})
	assert.ErrorIs(t, err, ErrDraining)
}

func Test_Drain_TimesOutOnStuckSave(t *testing.T) {
	m, runner := newTestManager(t, 6)

	_, err := m.Spawn(models.SpawnRequest{})
	require.NoError(t, err)

	m.TrackSave("save-stuck", SaveStatusStart)

	done := make(chan struct{})
	go func() {
		m.Drain(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain did not time out")
	}
	assert.True(t, runner.last().proc.wasTerminated())
}

func Test_ForceStop_SkipsSaveBarrier(t *testing.T) {
	m, runner := newTestManager(t, 6)

	_, err := m.Spawn(models.SpawnRequest{})
	require.NoError(t, err)

	m.TrackSave("save-1", SaveStatusStart)
	m.ForceStop()

	proc := runner.last().proc
	assert.True(t, proc.wasKilled())
	assert.False(t, proc.wasTerminated())
}

func Test_Status_ReportsSavesAndCapacity(t *testing.T) {
	m, _ := newTestManager(t, 3)

	_, err := m.Spawn(models.SpawnRequest{})
	require.NoError(t, err)
	m.TrackSave("b-save", SaveStatusStart)
	m.TrackSave("a-save", SaveStatusStart)

	st := m.Status()
	assert.Equal(t, "host-a", st.HostID)
	assert.Equal(t, 1, st.ServerCount)
	assert.Equal(t, 3, st.MaxServers)
	assert.Equal(t, []string{"a-save", "b-save"}, st.PendingSaves)
}

func Test_Report_SortedByUID(t *testing.T) {
	m, _ := newTestManager(t, 6)

	_, err := m.Spawn(models.SpawnRequest{UID: "zed"})
	require.NoError(t, err)
	_, err = m.Spawn(models.SpawnRequest{UID: "alpha"})
	require.NoError(t, err)

	servers, _ := m.Report()
	require.Len(t, servers, 2)
	assert.Equal(t, "alpha", servers[0].UID)
	assert.Equal(t, "zed", servers[1].UID)
}
