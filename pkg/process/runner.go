package process

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Process is a handle on a launched init process.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	Wait() error
}

// Runner launches the container init process and returns the control end
// of its sync channel. The lifecycle driver depends on this interface so
// its handshake logic can be tested with an in-memory implementation.
type Runner interface {
	Run(opts RunOpts) (Process, *Conn, error)
}

// RunOpts parametrizes one init launch.
type RunOpts struct {
	ID         string
	Bundle     string
	StateDir   string
	CgroupRoot string
	LogLevel   string

	// CloneFlags selects the namespaces created at clone time; namespaces
	// joined by path are entered later by the init process itself.
	CloneFlags uintptr
}

// OSRunner re-executes the runtime binary as the hidden init subcommand.
// Go cannot fork without exec, so new namespaces are created by cloning the
// re-exec'd child, with the sync socketpair inherited as fd 3.
type OSRunner struct {
	// Exe overrides the binary to re-exec, for tests. Empty means
	// /proc/self/exe.
	Exe string
}

func (r *OSRunner) Run(opts RunOpts) (Process, *Conn, error) {
	exe := r.Exe
	if exe == "" {
		exe = "/proc/self/exe"
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create sync socketpair: %w", err)
	}
	// nonblocking so the parent end supports read deadlines
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("failed to prepare sync socket: %w", err)
	}
	parent := os.NewFile(uintptr(fds[0]), "sync-parent")
	child := os.NewFile(uintptr(fds[1]), "sync-child")

	cmd := exec.Command(exe, "init",
		"--id", opts.ID,
		"--bundle", opts.Bundle,
		"--state-dir", opts.StateDir,
		"--cgroup-root", opts.CgroupRoot,
		"--log-level", opts.LogLevel,
	)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{child}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: opts.CloneFlags,
	}

	if err := cmd.Start(); err != nil {
		parent.Close()
		child.Close()
		return nil, nil, fmt.Errorf("failed to start init process: %w", err)
	}
	child.Close()
	return &osProcess{cmd: cmd}, NewConn(parent), nil
}

type osProcess struct {
	cmd *exec.Cmd
}

func (p *osProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *osProcess) Wait() error {
	return p.cmd.Wait()
}
