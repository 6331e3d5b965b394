package seccomp

import (
	"fmt"
	"unsafe"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// Install loads the filter into the kernel for the calling process. This is
// a one-way door: an installed filter can never be removed or loosened,
// only stacked under a stricter one, which is why the lifecycle driver
// invokes it strictly after the capability drop and strictly before exec.
//
// no_new_privs is set first; without it the kernel refuses filters from
// unprivileged processes, and with it a setuid payload cannot re-escalate
// around the filter.
func (p *Program) Install() error {
	raw, err := bpf.Assemble(p.insns)
	if err != nil {
		return fmt.Errorf("failed to assemble seccomp program: %w", err)
	}

	filter := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filter[i] = unix.SockFilter{
			Code: ins.Op,
			Jt:   ins.Jt,
			Jf:   ins.Jf,
			K:    ins.K,
		}
	}
	prog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("failed to set no_new_privs: %w", err)
	}

	// TSYNC applies the filter to every thread of the Go runtime, not
	// just the calling one
	_, _, errno := unix.Syscall(
		unix.SYS_SECCOMP,
		uintptr(unix.SECCOMP_SET_MODE_FILTER),
		uintptr(unix.SECCOMP_FILTER_FLAG_TSYNC),
		uintptr(unsafe.Pointer(&prog)),
	)
	if errno != 0 {
		return fmt.Errorf("failed to install seccomp filter: %w", errno)
	}
	return nil
}
