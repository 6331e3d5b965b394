package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moby/sys/userns"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/shorii/youki/pkg/capabilities"
	"github.com/shorii/youki/pkg/cgroups"
	"github.com/shorii/youki/pkg/log"
	"github.com/shorii/youki/pkg/namespaces"
	"github.com/shorii/youki/pkg/seccomp"
)

// syncFD is the socketpair end inherited by the re-exec'd init process.
const syncFD = 3

var rlimitMap = map[string]int{
	"RLIMIT_AS":         unix.RLIMIT_AS,
	"RLIMIT_CORE":       unix.RLIMIT_CORE,
	"RLIMIT_CPU":        unix.RLIMIT_CPU,
	"RLIMIT_DATA":       unix.RLIMIT_DATA,
	"RLIMIT_FSIZE":      unix.RLIMIT_FSIZE,
	"RLIMIT_LOCKS":      unix.RLIMIT_LOCKS,
	"RLIMIT_MEMLOCK":    unix.RLIMIT_MEMLOCK,
	"RLIMIT_MSGQUEUE":   unix.RLIMIT_MSGQUEUE,
	"RLIMIT_NICE":       unix.RLIMIT_NICE,
	"RLIMIT_NOFILE":     unix.RLIMIT_NOFILE,
	"RLIMIT_NPROC":      unix.RLIMIT_NPROC,
	"RLIMIT_RSS":        unix.RLIMIT_RSS,
	"RLIMIT_RTPRIO":     unix.RLIMIT_RTPRIO,
	"RLIMIT_RTTIME":     unix.RLIMIT_RTTIME,
	"RLIMIT_SIGPENDING": unix.RLIMIT_SIGPENDING,
	"RLIMIT_STACK":      unix.RLIMIT_STACK,
}

// InitOpts carries everything the init side needs. The bundle's config has
// already been parsed by the CLI entry point.
type InitOpts struct {
	ID         string
	Bundle     string
	StateDir   string
	CgroupRoot string
	Spec       *specs.Spec
}

// initStep is one handshake phase. run executes before the ready message,
// commit after the control side's proceed. Either may be nil.
type initStep struct {
	phase  Phase
	run    func() error
	commit func() error
}

// runPhases drives the init side of the strict alternating handshake: for
// every phase, run, announce ready, block for proceed, commit. The first
// failure is reported to the control side as an error frame and ends the
// handshake.
func runPhases(conn *Conn, steps []initStep) error {
	for _, s := range steps {
		if s.run != nil {
			if err := s.run(); err != nil {
				return sendFailure(conn, s.phase, err)
			}
		}
		if err := conn.Send(Message{Type: TypeReady, Phase: s.phase, Pid: os.Getpid()}); err != nil {
			return err
		}
		if _, err := conn.RecvType(TypeProceed); err != nil {
			return err
		}
		if s.commit != nil {
			if err := s.commit(); err != nil {
				return sendFailure(conn, s.phase, err)
			}
		}
	}
	return nil
}

func sendFailure(conn *Conn, phase Phase, err error) error {
	msg := Message{
		Type:    TypeError,
		Phase:   phase,
		Code:    errorCode(err),
		Message: err.Error(),
	}
	if serr := conn.Send(msg); serr != nil {
		logger := log.WithComponent("init")
		logger.Warn().Err(serr).Msg("failed to report init error on sync channel")
	}
	return err
}

func errorCode(err error) string {
	var unsupported *cgroups.UnsupportedControllerError
	if errors.As(err, &unsupported) {
		return "unsupported-controller"
	}
	var unknownCap *capabilities.UnknownCapabilityError
	if errors.As(err, &unknownCap) {
		return "unknown-capability"
	}
	var unknownSys *seccomp.UnknownSyscallError
	if errors.As(err, &unknownSys) {
		return "unknown-syscall"
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return "syscall"
	}
	return "internal"
}

// initDriver holds the state threaded through the phases.
type initDriver struct {
	opts   InitOpts
	ns     *namespaces.Namespaces
	rootfs string
	fifoFd int
}

// RunInit is the entry point of the re-exec'd init process. On success it
// never returns: the final step replaces the process image with the
// container payload.
func RunInit(opts InitOpts) error {
	if opts.Spec == nil || opts.Spec.Process == nil || opts.Spec.Root == nil {
		return fmt.Errorf("incomplete runtime spec for container %s", opts.ID)
	}

	conn := NewConn(os.NewFile(syncFD, "sync"))
	defer conn.Close()

	var nsList []specs.LinuxNamespace
	if opts.Spec.Linux != nil {
		nsList = opts.Spec.Linux.Namespaces
	}
	ns, err := namespaces.New(nsList)
	if err != nil {
		return sendFailure(conn, PhaseNamespaces, err)
	}

	rootfs := opts.Spec.Root.Path
	if !filepath.IsAbs(rootfs) {
		rootfs = filepath.Join(opts.Bundle, rootfs)
	}

	d := &initDriver{opts: opts, ns: ns, rootfs: rootfs, fifoFd: -1}
	steps := []initStep{
		{phase: PhaseUserns, run: d.prepareUserns, commit: d.becomeRoot},
		{phase: PhaseNamespaces, run: d.enterNamespaces},
		{phase: PhaseCgroup, run: d.enterCgroup},
		{phase: PhaseRootfs, run: d.setupRootfs},
	}
	if err := runPhases(conn, steps); err != nil {
		return err
	}

	if err := d.finalize(); err != nil {
		return sendFailure(conn, "", err)
	}
	if err := conn.Send(Message{Type: TypeExecRequest, Pid: os.Getpid()}); err != nil {
		return err
	}
	if err := d.waitExecGranted(); err != nil {
		return err
	}
	return d.exec()
}

// freshUserns reports whether a user namespace is being created (rather
// than joined); only then does the control side need to write id mappings.
func (d *initDriver) freshUserns() bool {
	u := d.ns.Get(specs.UserNamespace)
	return u != nil && u.Path == ""
}

// prepareUserns makes the process dumpable so the control side, which is in
// the parent user namespace, may write the uid/gid map files.
func (d *initDriver) prepareUserns() error {
	if !d.freshUserns() {
		return nil
	}
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("failed to set dumpable before id mapping: %w", err)
	}
	return nil
}

// becomeRoot runs after the mappings are in place: drop dumpable again and
// assume uid/gid 0 of the new user namespace so the remaining setup has the
// namespace's full privileges.
func (d *initDriver) becomeRoot() error {
	if !d.freshUserns() {
		return nil
	}
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("failed to clear dumpable after id mapping: %w", err)
	}
	if err := unix.Setresgid(0, 0, 0); err != nil {
		return fmt.Errorf("failed to become root in user namespace: %w", err)
	}
	if err := unix.Setresuid(0, 0, 0); err != nil {
		return fmt.Errorf("failed to become root in user namespace: %w", err)
	}
	return nil
}

func (d *initDriver) enterNamespaces() error {
	if err := d.ns.Join(); err != nil {
		return err
	}
	return d.setRlimits()
}

func (d *initDriver) setRlimits() error {
	for _, rl := range d.opts.Spec.Process.Rlimits {
		res, ok := rlimitMap[rl.Type]
		if !ok {
			return fmt.Errorf("unknown rlimit type %q", rl.Type)
		}
		lim := unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}
		if err := unix.Setrlimit(res, &lim); err != nil {
			return fmt.Errorf("failed to set %s: %w", rl.Type, err)
		}
	}
	return nil
}

// enterCgroup puts the init process into its cgroup and applies resource
// limits. Rootless runs skip this: without delegation the cgroupfs is not
// writable from inside a user namespace.
func (d *initDriver) enterCgroup() error {
	if userns.RunningInUserNS() {
		logger := log.WithContainerID(d.opts.ID)
		logger.Debug().Msg("rootless: skipping cgroup setup")
		return nil
	}
	mgr := cgroups.New(d.opts.CgroupRoot, d.opts.ID)
	if err := mgr.Add(os.Getpid()); err != nil {
		return err
	}
	if d.opts.Spec.Linux != nil && d.opts.Spec.Linux.Resources != nil {
		if err := mgr.Apply(d.opts.Spec.Linux.Resources); err != nil {
			return err
		}
	}
	return nil
}

// setupRootfs pivots into the container root. The exec fifo is opened
// O_PATH first because the state directory becomes unreachable after the
// pivot; the gate reopens it through /proc/self/fd.
func (d *initDriver) setupRootfs() error {
	if !d.ns.Contains(specs.MountNamespace) {
		return fmt.Errorf("cannot pivot root without a mount namespace")
	}
	fifo := filepath.Join(d.opts.StateDir, ExecFIFO)
	fd, err := unix.Open(fifo, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("failed to open exec fifo %s: %w", fifo, err)
	}
	d.fifoFd = fd

	spec := d.opts.Spec
	if err := namespaces.PrepareRootfs(d.rootfs, spec.Mounts); err != nil {
		return err
	}
	if err := namespaces.PivotRoot(d.rootfs); err != nil {
		return err
	}
	if spec.Linux != nil {
		if err := namespaces.MaskPaths(spec.Linux.MaskedPaths); err != nil {
			return err
		}
		if err := namespaces.ReadonlyPaths(spec.Linux.ReadonlyPaths); err != nil {
			return err
		}
	}
	if spec.Hostname != "" && d.ns.Contains(specs.UTSNamespace) {
		if err := unix.Sethostname([]byte(spec.Hostname)); err != nil {
			return fmt.Errorf("failed to set hostname: %w", err)
		}
	}
	cwd := spec.Process.Cwd
	if cwd == "" {
		cwd = "/"
	}
	if err := unix.Chdir(cwd); err != nil {
		return fmt.Errorf("failed to enter working directory %s: %w", cwd, err)
	}
	return nil
}

// finalize drops to the payload's identity and locks down privileges. This
// runs last before the exec request: after the seccomp filter is installed
// the process can do little else.
func (d *initDriver) finalize() error {
	spec := d.opts.Spec
	user := spec.Process.User

	// keep capabilities across the uid change so Apply can still shape
	// the final sets
	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("failed to set keepcaps: %w", err)
	}
	gids := make([]int, len(user.AdditionalGids))
	for i, g := range user.AdditionalGids {
		gids[i] = int(g)
	}
	if len(gids) > 0 {
		if err := unix.Setgroups(gids); err != nil {
			return fmt.Errorf("failed to set additional groups: %w", err)
		}
	}
	if err := unix.Setgid(int(user.GID)); err != nil {
		return fmt.Errorf("failed to set gid %d: %w", user.GID, err)
	}
	if err := unix.Setuid(int(user.UID)); err != nil {
		return fmt.Errorf("failed to set uid %d: %w", user.UID, err)
	}

	if spec.Process.Capabilities != nil {
		if err := capabilities.Validate(spec.Process.Capabilities); err != nil {
			return err
		}
		if err := capabilities.Apply(spec.Process.Capabilities); err != nil {
			return err
		}
	}
	if spec.Linux != nil && spec.Linux.Seccomp != nil {
		prog, err := seccomp.Compile(spec.Linux.Seccomp)
		if err != nil {
			return err
		}
		if err := prog.Install(); err != nil {
			return err
		}
	}
	return nil
}

// waitExecGranted blocks on the fifo until the start operation writes the
// go-ahead. The O_PATH fd taken before the pivot is reopened read-only
// through /proc/self/fd, which blocks until a writer appears.
func (d *initDriver) waitExecGranted() error {
	if d.fifoFd < 0 {
		return fmt.Errorf("exec fifo was never opened")
	}
	path := fmt.Sprintf("/proc/self/fd/%d", d.fifoFd)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to reopen exec fifo: %w", err)
	}
	defer f.Close()
	unix.Close(d.fifoFd)
	d.fifoFd = -1

	var m Message
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return fmt.Errorf("failed to read exec grant: %w", err)
	}
	if m.Type != TypeExecGranted {
		return fmt.Errorf("unexpected message %q on exec fifo", m.Type)
	}
	return nil
}

func (d *initDriver) exec() error {
	args := d.opts.Spec.Process.Args
	if len(args) == 0 {
		return fmt.Errorf("empty process args")
	}
	env := d.opts.Spec.Process.Env
	path, err := lookPath(args[0], env)
	if err != nil {
		return err
	}
	logger := log.WithContainerID(d.opts.ID)
	logger.Debug().Msg("executing container payload")
	if err := unix.Exec(path, args, env); err != nil {
		return fmt.Errorf("failed to exec %s: %w", path, err)
	}
	return nil
}

// lookPath resolves the payload binary against the PATH of the payload's
// own environment, not the runtime's.
func lookPath(name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	var pathVar string
	for _, e := range env {
		if v, ok := strings.CutPrefix(e, "PATH="); ok {
			pathVar = v
			break
		}
	}
	for _, dir := range filepath.SplitList(pathVar) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("executable %q not found in container PATH", name)
}

// WriteExecGranted delivers the start gate message. The fifo has a reader
// only once init reaches its gate; ENXIO from the non-blocking open means
// init is still between the exec request and the gate, so retry briefly.
func WriteExecGranted(fifoPath string) error {
	var f *os.File
	var err error
	for i := 0; i < 50; i++ {
		f, err = os.OpenFile(fifoPath, os.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.ENXIO) {
			return fmt.Errorf("failed to open exec fifo %s: %w", fifoPath, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("no reader on exec fifo %s: %w", fifoPath, err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(Message{Type: TypeExecGranted}); err != nil {
		return fmt.Errorf("failed to write exec grant: %w", err)
	}
	return nil
}
