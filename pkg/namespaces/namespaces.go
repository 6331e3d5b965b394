package namespaces

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// cloneFlags maps namespace kinds to their clone(2) flags.
var cloneFlags = map[specs.LinuxNamespaceType]uintptr{
	specs.UserNamespace:    unix.CLONE_NEWUSER,
	specs.MountNamespace:   unix.CLONE_NEWNS,
	specs.PIDNamespace:     unix.CLONE_NEWPID,
	specs.UTSNamespace:     unix.CLONE_NEWUTS,
	specs.IPCNamespace:     unix.CLONE_NEWIPC,
	specs.NetworkNamespace: unix.CLONE_NEWNET,
	specs.CgroupNamespace:  unix.CLONE_NEWCGROUP,
}

// Namespaces is the ordered namespace configuration for one container.
type Namespaces struct {
	list []specs.LinuxNamespace
}

// New wraps and validates the ordered namespace list from the runtime
// configuration.
func New(list []specs.LinuxNamespace) (*Namespaces, error) {
	n := &Namespaces{list: list}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// Validate enforces the structural rules the rest of the engine depends on:
// every kind is known, no kind appears twice, and the user namespace (when
// requested) comes first so uid/gid mapping is in place before any later
// namespace operation depends on it.
func (n *Namespaces) Validate() error {
	seen := make(map[specs.LinuxNamespaceType]bool, len(n.list))
	for i, ns := range n.list {
		if _, ok := cloneFlags[ns.Type]; !ok {
			return fmt.Errorf("unknown namespace type %q", ns.Type)
		}
		if seen[ns.Type] {
			return fmt.Errorf("duplicate namespace type %q", ns.Type)
		}
		seen[ns.Type] = true
		if ns.Type == specs.UserNamespace && i != 0 {
			return fmt.Errorf("user namespace must be first in the namespace list")
		}
	}
	return nil
}

// Get returns the entry for a namespace kind, or nil.
func (n *Namespaces) Get(t specs.LinuxNamespaceType) *specs.LinuxNamespace {
	for i := range n.list {
		if n.list[i].Type == t {
			return &n.list[i]
		}
	}
	return nil
}

// Contains reports whether the kind is requested at all.
func (n *Namespaces) Contains(t specs.LinuxNamespaceType) bool {
	return n.Get(t) != nil
}

// CloneFlags returns the combined clone(2) flags for every namespace that is
// to be created fresh. Namespaces with a path are joined instead, see Join.
func (n *Namespaces) CloneFlags() uintptr {
	var flags uintptr
	for _, ns := range n.list {
		if ns.Path == "" {
			flags |= cloneFlags[ns.Type]
		}
	}
	return flags
}

// JoinPaths returns the entries that name an existing namespace to enter.
func (n *Namespaces) JoinPaths() []specs.LinuxNamespace {
	var out []specs.LinuxNamespace
	for _, ns := range n.list {
		if ns.Path != "" {
			out = append(out, ns)
		}
	}
	return out
}

// Join enters every path-named namespace in configuration order. The calling
// goroutine is pinned to its thread: setns changes per-thread state and the
// scheduler must not migrate us mid-sequence.
func (n *Namespaces) Join() error {
	joins := n.JoinPaths()
	if len(joins) == 0 {
		return nil
	}
	runtime.LockOSThread()
	for _, ns := range joins {
		fd, err := unix.Open(ns.Path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("failed to open namespace %s at %s: %w", ns.Type, ns.Path, err)
		}
		err = unix.Setns(fd, int(cloneFlags[ns.Type]))
		unix.Close(fd)
		if err != nil {
			return fmt.Errorf("failed to enter namespace %s at %s: %w", ns.Type, ns.Path, err)
		}
	}
	return nil
}
