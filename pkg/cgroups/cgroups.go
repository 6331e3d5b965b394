package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// defaultParent is the directory under the cgroup root (or under each v1
// subsystem root) that holds per-container groups.
const defaultParent = "youki"

// Mode identifies the cgroup hierarchy flavor mounted on a host.
type Mode int

const (
	// Legacy is the v1 layout: one hierarchy per subsystem.
	Legacy Mode = iota
	// Unified is the v2 layout: a single hierarchy with per-file controllers.
	Unified
)

// FreezerState reports whether a group's processes are suspended.
type FreezerState string

const (
	Undefined FreezerState = ""
	Frozen    FreezerState = "frozen"
	Thawed    FreezerState = "thawed"
)

// Stats is the uniform usage view over both hierarchy flavors.
type Stats struct {
	MemoryUsageBytes uint64
	MemoryLimitBytes uint64
	CPUUsageUsec     uint64
	CPUThrottledUsec uint64
	PidsCurrent      uint64
}

// UnsupportedControllerError reports an explicit resource limit whose
// controller is not available on this host. Unset limits never trigger it.
type UnsupportedControllerError struct {
	Controller string
}

func (e *UnsupportedControllerError) Error() string {
	return fmt.Sprintf("cgroup controller %q is not available", e.Controller)
}

// Manager is the uniform interface over the v1 and v2 backends. One Manager
// owns exactly one container's group; the shared kernel hierarchy is only
// ever touched through per-container subpaths.
type Manager interface {
	// Add creates the group if needed and moves pid into it.
	Add(pid int) error

	// Apply writes the resource limits. Nil or unset fields are skipped;
	// an explicit limit for a missing controller is an
	// UnsupportedControllerError.
	Apply(res *specs.LinuxResources) error

	// Freeze suspends every process in the group. Idempotent.
	Freeze() error

	// Thaw resumes the group. Idempotent, a no-op on a thawed group.
	Thaw() error

	// FreezerState reports the current freezer state.
	FreezerState() (FreezerState, error)

	// Stats reads current usage.
	Stats() (*Stats, error)

	// Destroy removes the group. An absent group is success.
	Destroy() error

	// Path returns the group directory; subsystem selects the hierarchy on
	// v1 and is ignored on v2.
	Path(subsystem string) string
}

// DetectMode probes the filesystem mounted at root. A cgroup2 statfs magic
// wins outright; otherwise the mount table is consulted so unified roots
// mounted below a tmpfs still resolve correctly.
func DetectMode(root string) Mode {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err == nil && st.Type == unix.CGROUP2_SUPER_MAGIC {
		return Unified
	}
	mounts, err := mountinfo.GetMounts(mountinfo.FSTypeFilter("cgroup2"))
	if err == nil {
		for _, m := range mounts {
			if m.Mountpoint == root {
				return Unified
			}
		}
	}
	return Legacy
}

// New returns the backend matching the hierarchy mounted at root.
func New(root, id string) Manager {
	if DetectMode(root) == Unified {
		return NewV2(root, id)
	}
	return NewV1(root, id)
}

func writeFile(dir, name, data string) error {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("failed to write %q to %s: %w", data, path, err)
	}
	return nil
}

func readFile(dir, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readUint(dir, name string) uint64 {
	s, err := readFile(dir, name)
	if err != nil {
		return 0
	}
	if s == "max" {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// removeDir removes a group directory, tolerating an already absent group
// and retrying briefly on EBUSY (the kernel releases the directory a moment
// after the last task exits). Nested groups are removed first; unlink
// failures on the interface files are ignored since cgroupfs rmdir succeeds
// with them in place.
func removeDir(path string) error {
	for i := 0; i < 10; i++ {
		err := unix.Rmdir(path)
		switch {
		case err == nil, err == unix.ENOENT:
			return nil
		case err == unix.ENOTEMPTY, err == unix.EEXIST:
			entries, rerr := os.ReadDir(path)
			if rerr != nil {
				return fmt.Errorf("failed to remove cgroup %s: %w", path, err)
			}
			for _, e := range entries {
				child := filepath.Join(path, e.Name())
				if e.IsDir() {
					if cerr := removeDir(child); cerr != nil {
						return cerr
					}
				} else {
					_ = os.Remove(child)
				}
			}
		case err == unix.EBUSY:
			unix.Nanosleep(&unix.Timespec{Nsec: 10_000_000}, nil)
		default:
			return fmt.Errorf("failed to remove cgroup %s: %w", path, err)
		}
	}
	return fmt.Errorf("cgroup %s still busy", path)
}
