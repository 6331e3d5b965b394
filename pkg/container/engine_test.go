package container

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/shorii/youki/pkg/cgroups"
	"github.com/shorii/youki/pkg/process"
	"github.com/shorii/youki/pkg/state"
	"github.com/shorii/youki/pkg/types"
)

type duplex struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (d duplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d duplex) Write(p []byte) (int, error) { return d.w.Write(p) }
func (d duplex) Close() error {
	d.w.Close()
	return d.r.Close()
}

func connPair() (*process.Conn, *process.Conn) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return process.NewConn(duplex{r: ar, w: aw}), process.NewConn(duplex{r: br, w: bw})
}

type fakeProcess struct {
	pid     int
	signals []os.Signal
	waited  bool
}

func (p *fakeProcess) Pid() int { return p.pid }
func (p *fakeProcess) Signal(sig os.Signal) error {
	p.signals = append(p.signals, sig)
	return nil
}
func (p *fakeProcess) Wait() error {
	p.waited = true
	return nil
}

// fakeRunner plays the init side of the handshake in a goroutine, failing
// at failPhase when set.
type fakeRunner struct {
	pid       int
	nsPid     int // pid init sees for itself; 1 under a fresh pid namespace
	failPhase process.Phase
	dieEarly  bool

	lastOpts process.RunOpts
	proc     *fakeProcess
}

func (r *fakeRunner) Run(opts process.RunOpts) (process.Process, *process.Conn, error) {
	r.lastOpts = opts
	ctrl, initConn := connPair()
	r.proc = &fakeProcess{pid: r.pid}
	go r.playInit(initConn)
	return r.proc, ctrl, nil
}

func (r *fakeRunner) playInit(conn *process.Conn) {
	reported := r.pid
	if r.nsPid != 0 {
		reported = r.nsPid
	}
	for _, phase := range process.Phases {
		if r.dieEarly {
			conn.Close()
			return
		}
		if phase == r.failPhase {
			_ = conn.Send(process.Message{
				Type:    process.TypeError,
				Phase:   phase,
				Code:    "internal",
				Message: "injected failure",
			})
			return
		}
		if err := conn.Send(process.Message{Type: process.TypeReady, Phase: phase, Pid: reported}); err != nil {
			return
		}
		if _, err := conn.RecvType(process.TypeProceed); err != nil {
			return
		}
	}
	_ = conn.Send(process.Message{Type: process.TypeExecRequest, Pid: reported})
}

type fakeCgroup struct {
	frozen   bool
	added    []int
	freezes  int
	thaws    int
	destroys int
}

func (f *fakeCgroup) Add(pid int) error                  { f.added = append(f.added, pid); return nil }
func (f *fakeCgroup) Apply(*specs.LinuxResources) error  { return nil }
func (f *fakeCgroup) Freeze() error                      { f.frozen = true; f.freezes++; return nil }
func (f *fakeCgroup) Thaw() error                        { f.frozen = false; f.thaws++; return nil }
func (f *fakeCgroup) Destroy() error                     { f.destroys++; return nil }
func (f *fakeCgroup) Path(string) string                 { return "" }
func (f *fakeCgroup) FreezerState() (cgroups.FreezerState, error) {
	if f.frozen {
		return cgroups.Frozen, nil
	}
	return cgroups.Thawed, nil
}
func (f *fakeCgroup) Stats() (*cgroups.Stats, error) {
	return &cgroups.Stats{MemoryUsageBytes: 4096, PidsCurrent: 1}, nil
}

type fixture struct {
	engine *Engine
	store  *state.DirStore
	runner *fakeRunner
	cgroup *fakeCgroup
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := state.NewDirStore(t.TempDir())
	require.NoError(t, err)

	runner := &fakeRunner{pid: os.Getpid()}
	cg := &fakeCgroup{}
	engine, err := NewEngine(Options{
		Store:       store,
		Runner:      runner,
		Cgroups:     func(string) cgroups.Manager { return cg },
		SyncTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return &fixture{engine: engine, store: store, runner: runner, cgroup: cg}
}

func testSpec() *specs.Spec {
	return &specs.Spec{
		Process: &specs.Process{
			Args: []string{"/bin/sh"},
			Cwd:  "/",
		},
		Root:     &specs.Root{Path: "rootfs"},
		Hostname: "box",
		Linux: &specs.Linux{
			Namespaces: []specs.LinuxNamespace{
				{Type: specs.PIDNamespace},
				{Type: specs.MountNamespace},
				{Type: specs.UTSNamespace},
			},
		},
	}
}

func TestCreateCommitsCreatedRecord(t *testing.T) {
	f := newFixture(t)

	c, err := f.engine.Create(context.Background(), "box1", "/tmp/bundle", testSpec())
	require.NoError(t, err)
	assert.Equal(t, types.StatusCreated, c.Status)
	assert.Equal(t, os.Getpid(), c.Pid)
	assert.Equal(t, "/tmp/bundle/rootfs", c.Rootfs)

	got, err := f.store.Get("box1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCreated, got.Status)

	// the fifo must be in place for start
	dir, err := f.store.Dir("box1")
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(dir, process.ExecFIFO))
	require.NoError(t, err)
	assert.Equal(t, os.ModeNamedPipe, info.Mode()&os.ModeNamedPipe)
}

func TestCreateRecordsHostViewPid(t *testing.T) {
	f := newFixture(t)
	// inside its fresh pid namespace init reports itself as pid 1; the
	// record must carry the pid the clone returned on the host side
	f.runner.nsPid = 1

	c, err := f.engine.Create(context.Background(), "box1", "/tmp/bundle", testSpec())
	require.NoError(t, err)
	assert.Equal(t, f.runner.pid, c.Pid)

	got, err := f.store.Get("box1")
	require.NoError(t, err)
	assert.Equal(t, f.runner.pid, got.Pid)
}

func TestCreateGeneratesID(t *testing.T) {
	f := newFixture(t)

	c, err := f.engine.Create(context.Background(), "", "/tmp/bundle", testSpec())
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Create(context.Background(), "dup", "/tmp/bundle", testSpec())
	require.NoError(t, err)

	_, err = f.engine.Create(context.Background(), "dup", "/tmp/bundle", testSpec())
	require.ErrorIs(t, err, types.ErrExists)
}

func TestCreateRejectsInvalidSpec(t *testing.T) {
	f := newFixture(t)

	spec := testSpec()
	spec.Process.Args = nil
	_, err := f.engine.Create(context.Background(), "bad", "/tmp/bundle", spec)
	require.Error(t, err)

	spec = testSpec()
	spec.Linux.Namespaces = []specs.LinuxNamespace{{Type: specs.PIDNamespace}}
	_, err = f.engine.Create(context.Background(), "bad", "/tmp/bundle", spec)
	require.Error(t, err, "pivot without a mount namespace must be rejected")

	// validation failures must not leave a record behind
	_, err = f.store.Get("bad")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestCreatePhaseFailureRollsBack(t *testing.T) {
	for _, phase := range process.Phases {
		t.Run(string(phase), func(t *testing.T) {
			f := newFixture(t)
			f.runner.failPhase = phase

			_, err := f.engine.Create(context.Background(), "doomed", "/tmp/bundle", testSpec())
			var serr *process.SyncError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, phase, serr.Phase)

			_, err = f.store.Get("doomed")
			require.ErrorIs(t, err, types.ErrNotFound, "failed create must leave no record")

			assert.Contains(t, f.runner.proc.signals, os.Signal(unix.SIGKILL))
			assert.True(t, f.runner.proc.waited, "init must be reaped")
			assert.NotZero(t, f.cgroup.destroys, "cgroup must be torn down")
		})
	}
}

func TestCreateInitDeathRollsBack(t *testing.T) {
	f := newFixture(t)
	f.runner.dieEarly = true

	_, err := f.engine.Create(context.Background(), "gone", "/tmp/bundle", testSpec())
	require.Error(t, err)

	_, err = f.store.Get("gone")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestStartReleasesGate(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Create(context.Background(), "box1", "/tmp/bundle", testSpec())
	require.NoError(t, err)

	dir, err := f.store.Dir("box1")
	require.NoError(t, err)

	// stand in for the init process blocked at its gate
	gate := make(chan process.Message, 1)
	go func() {
		fifo, err := os.Open(filepath.Join(dir, process.ExecFIFO))
		if err != nil {
			close(gate)
			return
		}
		defer fifo.Close()
		conn := process.NewConn(fifo)
		m, err := conn.Recv()
		if err != nil {
			close(gate)
			return
		}
		gate <- m
	}()

	require.NoError(t, f.engine.Start("box1"))

	select {
	case m := <-gate:
		assert.Equal(t, process.TypeExecGranted, m.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("exec grant never arrived")
	}

	got, err := f.store.Get("box1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
}

func TestStartRequiresCreatedState(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.store.Put(&types.Container{
		ID: "running", Status: types.StatusRunning, Pid: os.Getpid(),
	}))
	require.ErrorIs(t, f.engine.Start("running"), types.ErrInvalidState)

	require.ErrorIs(t, f.engine.Start("missing"), types.ErrNotFound)
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.store.Put(&types.Container{
		ID: "box1", Status: types.StatusRunning, Pid: os.Getpid(),
	}))

	require.NoError(t, f.engine.Pause("box1"))
	got, err := f.store.Get("box1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, got.Status)
	assert.Equal(t, 1, f.cgroup.freezes)

	// pausing a paused container is an invalid transition
	require.ErrorIs(t, f.engine.Pause("box1"), types.ErrInvalidState)

	require.NoError(t, f.engine.Resume("box1"))
	got, err = f.store.Get("box1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
	assert.Equal(t, 1, f.cgroup.thaws)

	require.ErrorIs(t, f.engine.Resume("box1"), types.ErrInvalidState)
}

func TestKillDeliversSignal(t *testing.T) {
	f := newFixture(t)

	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())

	require.NoError(t, f.store.Put(&types.Container{
		ID: "box1", Status: types.StatusRunning, Pid: cmd.Process.Pid,
	}))

	require.NoError(t, f.engine.Kill("box1", unix.SIGTERM))
	err := cmd.Wait()
	require.Error(t, err, "sleep should have died from the signal")
}

func TestKillRequiresLiveProcess(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.store.Put(&types.Container{
		ID: "stopped", Status: types.StatusStopped,
	}))
	require.ErrorIs(t, f.engine.Kill("stopped", unix.SIGTERM), types.ErrInvalidState)

	require.ErrorIs(t, f.engine.Kill("missing", unix.SIGTERM), types.ErrNotFound)
}

func TestDeleteStoppedContainer(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.store.Put(&types.Container{
		ID: "box1", Status: types.StatusStopped,
	}))

	require.NoError(t, f.engine.Delete("box1", false))
	_, err := f.store.Get("box1")
	require.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, 1, f.cgroup.destroys)

	require.ErrorIs(t, f.engine.Delete("box1", false), types.ErrNotFound)
}

func TestDeleteRunningNeedsForce(t *testing.T) {
	f := newFixture(t)

	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	defer cmd.Wait()

	require.NoError(t, f.store.Put(&types.Container{
		ID: "box1", Status: types.StatusRunning, Pid: cmd.Process.Pid,
	}))

	require.ErrorIs(t, f.engine.Delete("box1", false), types.ErrRunning)

	require.NoError(t, f.engine.Delete("box1", true))
	_, err := f.store.Get("box1")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestStateReturnsOCIDocument(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Create(context.Background(), "box1", "/tmp/bundle", testSpec())
	require.NoError(t, err)

	st, err := f.engine.State("box1")
	require.NoError(t, err)
	assert.Equal(t, "box1", st.ID)
	assert.Equal(t, specs.StateCreated, st.Status)
	assert.Equal(t, "/tmp/bundle", st.Bundle)
}

func TestListContainers(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Create(context.Background(), "a", "/tmp/bundle", testSpec())
	require.NoError(t, err)
	_, err = f.engine.Create(context.Background(), "b", "/tmp/bundle", testSpec())
	require.NoError(t, err)

	list, err := f.engine.List()
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestStatsRequiresLiveProcess(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.store.Put(&types.Container{
		ID: "box1", Status: types.StatusRunning, Pid: os.Getpid(),
	}))
	st, err := f.engine.Stats("box1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), st.MemoryUsageBytes)

	require.NoError(t, f.store.Put(&types.Container{
		ID: "dead", Status: types.StatusStopped,
	}))
	_, err = f.engine.Stats("dead")
	require.ErrorIs(t, err, types.ErrInvalidState)
}

func TestLifecycleEventsPublished(t *testing.T) {
	f := newFixture(t)
	sub := f.engine.Events()
	defer f.engine.Unsubscribe(sub)

	_, err := f.engine.Create(context.Background(), "box1", "/tmp/bundle", testSpec())
	require.NoError(t, err)

	select {
	case ev := <-sub:
		assert.Equal(t, EventContainerCreated, ev.Type)
		assert.Equal(t, "box1", ev.Container)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}
