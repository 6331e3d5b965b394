package container

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/shorii/youki/pkg/capabilities"
	"github.com/shorii/youki/pkg/cgroups"
	"github.com/shorii/youki/pkg/log"
	"github.com/shorii/youki/pkg/namespaces"
	"github.com/shorii/youki/pkg/process"
	"github.com/shorii/youki/pkg/seccomp"
	"github.com/shorii/youki/pkg/state"
	"github.com/shorii/youki/pkg/types"
)

const defaultSyncTimeout = 10 * time.Second

// CgroupFactory builds the cgroup manager for a container id. Swappable so
// the lifecycle tests can observe freeze/thaw/destroy without a cgroupfs.
type CgroupFactory func(id string) cgroups.Manager

// Options configures an Engine. Zero values get sane defaults.
type Options struct {
	Store       state.Store
	Runner      process.Runner
	Cgroups     CgroupFactory
	CgroupRoot  string
	SyncTimeout time.Duration
	LogLevel    string
}

// Engine drives the container lifecycle: it owns the control side of the
// sync handshake, the durable state transitions and the event stream.
type Engine struct {
	store       state.Store
	runner      process.Runner
	cgroups     CgroupFactory
	cgroupRoot  string
	syncTimeout time.Duration
	logLevel    string
	broker      *Broker
	logger      zerolog.Logger
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine requires a state store")
	}
	e := &Engine{
		store:       opts.Store,
		runner:      opts.Runner,
		cgroups:     opts.Cgroups,
		cgroupRoot:  opts.CgroupRoot,
		syncTimeout: opts.SyncTimeout,
		logLevel:    opts.LogLevel,
		broker:      NewBroker(),
		logger:      log.WithComponent("engine"),
	}
	if e.runner == nil {
		e.runner = &process.OSRunner{}
	}
	if e.cgroups == nil {
		root := e.cgroupRoot
		e.cgroups = func(id string) cgroups.Manager {
			return cgroups.New(root, id)
		}
	}
	if e.syncTimeout == 0 {
		e.syncTimeout = defaultSyncTimeout
	}
	e.broker.Start()
	return e, nil
}

// Close stops the event broker. Pending operations are unaffected.
func (e *Engine) Close() {
	e.broker.Stop()
}

// Events returns a subscription to the lifecycle event stream.
func (e *Engine) Events() Subscriber {
	return e.broker.Subscribe()
}

func (e *Engine) Unsubscribe(sub Subscriber) {
	e.broker.Unsubscribe(sub)
}

func (e *Engine) publish(typ EventType, id, msg string) {
	e.broker.Publish(&Event{Type: typ, Container: id, Message: msg})
}

// validateSpec rejects bad configuration before any resource is created.
func validateSpec(spec *specs.Spec) (*namespaces.Namespaces, error) {
	if spec == nil {
		return nil, fmt.Errorf("nil runtime spec")
	}
	if spec.Process == nil || len(spec.Process.Args) == 0 {
		return nil, fmt.Errorf("spec has no process args")
	}
	if spec.Root == nil || spec.Root.Path == "" {
		return nil, fmt.Errorf("spec has no root path")
	}
	var nsList []specs.LinuxNamespace
	if spec.Linux != nil {
		nsList = spec.Linux.Namespaces
	}
	ns, err := namespaces.New(nsList)
	if err != nil {
		return nil, err
	}
	// pivoting without a private mount namespace would rewrite the host's
	// root
	if !ns.Contains(specs.MountNamespace) {
		return nil, fmt.Errorf("spec must request a mount namespace")
	}
	if spec.Process.Capabilities != nil {
		if err := capabilities.Validate(spec.Process.Capabilities); err != nil {
			return nil, err
		}
	}
	if spec.Linux != nil && spec.Linux.Seccomp != nil {
		// compile once up front so a bad profile fails create, not init
		if _, err := seccomp.Compile(spec.Linux.Seccomp); err != nil {
			return nil, err
		}
	}
	return ns, nil
}

// Create launches the init process and drives the alternating handshake to
// the exec request, then commits the created record. Any failure along the
// way tears everything down again: no record, no cgroup, no process.
func (e *Engine) Create(ctx context.Context, id, bundle string, spec *specs.Spec) (*types.Container, error) {
	if id == "" {
		id = uuid.NewString()
	}
	ns, err := validateSpec(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid spec for %s: %w", id, err)
	}

	unlock, err := e.store.Lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := e.store.Get(id); err == nil {
		return nil, fmt.Errorf("%s: %w", id, types.ErrExists)
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	stateDir, err := e.store.Dir(id)
	if err != nil {
		return nil, err
	}
	fifo := filepath.Join(stateDir, process.ExecFIFO)
	if err := unix.Mkfifo(fifo, 0o600); err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, fmt.Errorf("failed to create exec fifo for %s: %w", id, err)
	}

	rootfs := spec.Root.Path
	if !filepath.IsAbs(rootfs) {
		rootfs = filepath.Join(bundle, rootfs)
	}
	c := &types.Container{
		ID:          id,
		Status:      types.StatusCreating,
		Bundle:      bundle,
		Rootfs:      rootfs,
		CreatedAt:   time.Now().UTC(),
		Annotations: spec.Annotations,
		Spec:        spec,
	}
	if err := e.store.Put(c); err != nil {
		return nil, err
	}

	proc, conn, err := e.runner.Run(process.RunOpts{
		ID:         id,
		Bundle:     bundle,
		StateDir:   stateDir,
		CgroupRoot: e.cgroupRoot,
		LogLevel:   e.logLevel,
		CloneFlags: ns.CloneFlags(),
	})
	if err != nil {
		e.rollback(id, nil, nil)
		return nil, fmt.Errorf("failed to launch init for %s: %w", id, err)
	}

	if err := e.handshake(ctx, conn, proc.Pid(), ns, spec); err != nil {
		e.rollback(id, proc, conn)
		return nil, fmt.Errorf("failed to create %s: %w", id, err)
	}

	c.Status = types.StatusCreated
	c.Pid = proc.Pid()
	if err := e.store.Put(c); err != nil {
		e.rollback(id, proc, conn)
		return nil, err
	}

	e.logger.Info().Str("container_id", id).Int("pid", c.Pid).Msg("container created")
	e.publish(EventContainerCreated, id, "container created")
	return c, nil
}

// handshake runs the control side of the sync protocol: acknowledge every
// phase in order, writing the id mappings while init waits in the userns
// phase, and confirm init reached its exec gate.
func (e *Engine) handshake(ctx context.Context, conn *process.Conn, pid int, ns *namespaces.Namespaces, spec *specs.Spec) error {
	deadline := time.Now().Add(e.syncTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}

	userNS := ns.Get(specs.UserNamespace)
	freshUserns := userNS != nil && userNS.Path == ""

	for _, phase := range process.Phases {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := conn.RecvType(process.TypeReady)
		if err != nil {
			return err
		}
		if m.Phase != phase {
			return fmt.Errorf("handshake out of order: got phase %q, want %q", m.Phase, phase)
		}
		if phase == process.PhaseUserns && freshUserns {
			if err := namespaces.WriteIDMappings(pid, spec.Linux.UIDMappings, spec.Linux.GIDMappings); err != nil {
				return err
			}
		}
		if err := conn.Send(process.Message{Type: process.TypeProceed}); err != nil {
			return err
		}
	}

	// the Pid init reports is namespace-local (1 inside a fresh PID
	// namespace); only the clone-time host view identifies the process
	if _, err := conn.RecvType(process.TypeExecRequest); err != nil {
		return err
	}
	return nil
}

// rollback undoes a failed create. Failures here are logged and swallowed:
// the caller already has the real error.
func (e *Engine) rollback(id string, proc process.Process, conn *process.Conn) {
	if conn != nil {
		conn.Close()
	}
	if proc != nil {
		if err := proc.Signal(unix.SIGKILL); err == nil {
			_ = proc.Wait()
		}
	}
	if err := e.cgroups(id).Destroy(); err != nil {
		e.logger.Warn().Err(err).Str("container_id", id).Msg("rollback: cgroup cleanup failed")
	}
	if err := e.store.Remove(id); err != nil && !errors.Is(err, types.ErrNotFound) {
		e.logger.Warn().Err(err).Str("container_id", id).Msg("rollback: state cleanup failed")
	}
}

// Start releases the exec gate of a created container.
func (e *Engine) Start(id string) error {
	unlock, err := e.store.Lock(id)
	if err != nil {
		return err
	}
	defer unlock()

	c, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if c.Status != types.StatusCreated {
		return fmt.Errorf("cannot start %s in state %s: %w", id, c.Status, types.ErrInvalidState)
	}

	stateDir, err := e.store.Dir(id)
	if err != nil {
		return err
	}
	if err := process.WriteExecGranted(filepath.Join(stateDir, process.ExecFIFO)); err != nil {
		return fmt.Errorf("failed to start %s: %w", id, err)
	}

	c.Status = types.StatusRunning
	if err := e.store.Put(c); err != nil {
		return err
	}
	e.logger.Info().Str("container_id", id).Msg("container started")
	e.publish(EventContainerStarted, id, "container started")
	return nil
}

// Kill delivers a signal to the init process. Valid from any state with a
// live process; the state transition to stopped happens lazily once the
// store notices the pid is gone.
func (e *Engine) Kill(id string, sig unix.Signal) error {
	unlock, err := e.store.Lock(id)
	if err != nil {
		return err
	}
	defer unlock()

	c, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if !c.Status.HasProcess() {
		return fmt.Errorf("cannot signal %s in state %s: %w", id, c.Status, types.ErrInvalidState)
	}
	if err := unix.Kill(c.Pid, sig); err != nil {
		return fmt.Errorf("failed to signal %s (pid %d): %w", id, c.Pid, err)
	}
	e.logger.Debug().Str("container_id", id).Int("pid", c.Pid).
		Str("signal", unix.SignalName(sig)).Msg("signal delivered")
	e.publish(EventContainerKilled, id, fmt.Sprintf("signal %s delivered", unix.SignalName(sig)))
	return nil
}

// Pause freezes the container's cgroup.
func (e *Engine) Pause(id string) error {
	unlock, err := e.store.Lock(id)
	if err != nil {
		return err
	}
	defer unlock()

	c, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if c.Status != types.StatusRunning {
		return fmt.Errorf("cannot pause %s in state %s: %w", id, c.Status, types.ErrInvalidState)
	}
	if err := e.cgroups(id).Freeze(); err != nil {
		return fmt.Errorf("failed to pause %s: %w", id, err)
	}
	c.Status = types.StatusPaused
	if err := e.store.Put(c); err != nil {
		return err
	}
	e.publish(EventContainerPaused, id, "container paused")
	return nil
}

// Resume thaws a paused container.
func (e *Engine) Resume(id string) error {
	unlock, err := e.store.Lock(id)
	if err != nil {
		return err
	}
	defer unlock()

	c, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if c.Status != types.StatusPaused {
		return fmt.Errorf("cannot resume %s in state %s: %w", id, c.Status, types.ErrInvalidState)
	}
	if err := e.cgroups(id).Thaw(); err != nil {
		return fmt.Errorf("failed to resume %s: %w", id, err)
	}
	c.Status = types.StatusRunning
	if err := e.store.Put(c); err != nil {
		return err
	}
	e.publish(EventContainerResumed, id, "container resumed")
	return nil
}

// Delete removes a stopped container's cgroup and state. With force, a live
// init process is SIGKILLed first.
func (e *Engine) Delete(id string, force bool) error {
	unlock, err := e.store.Lock(id)
	if err != nil {
		return err
	}
	defer unlock()

	c, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if c.Status != types.StatusStopped {
		if !force {
			return fmt.Errorf("cannot delete %s in state %s: %w", id, c.Status, types.ErrRunning)
		}
		if c.Status.HasProcess() {
			if err := unix.Kill(c.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				return fmt.Errorf("failed to kill %s during delete: %w", id, err)
			}
		}
	}
	if err := e.cgroups(id).Destroy(); err != nil {
		return fmt.Errorf("failed to remove cgroup for %s: %w", id, err)
	}
	if err := e.store.Remove(id); err != nil {
		return err
	}
	e.logger.Info().Str("container_id", id).Msg("container deleted")
	e.publish(EventContainerDeleted, id, "container deleted")
	return nil
}

// State returns the OCI state document for id.
func (e *Engine) State(id string) (*specs.State, error) {
	c, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	return c.OCIState(), nil
}

// List returns every known container.
func (e *Engine) List() ([]*types.Container, error) {
	return e.store.List()
}

// Stats reads resource usage from the container's cgroup.
func (e *Engine) Stats(id string) (*cgroups.Stats, error) {
	c, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !c.Status.HasProcess() {
		return nil, fmt.Errorf("no stats for %s in state %s: %w", id, c.Status, types.ErrInvalidState)
	}
	return e.cgroups(id).Stats()
}
