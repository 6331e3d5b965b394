package namespaces

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// mountFlags maps the option strings understood here onto mount(2) flags.
// Unknown options are passed to the filesystem as data.
var mountFlags = map[string]uintptr{
	"bind":        unix.MS_BIND,
	"rbind":       unix.MS_BIND | unix.MS_REC,
	"ro":          unix.MS_RDONLY,
	"rw":          0,
	"nosuid":      unix.MS_NOSUID,
	"nodev":       unix.MS_NODEV,
	"noexec":      unix.MS_NOEXEC,
	"noatime":     unix.MS_NOATIME,
	"nodiratime":  unix.MS_NODIRATIME,
	"relatime":    unix.MS_RELATIME,
	"strictatime": unix.MS_STRICTATIME,
	"private":     unix.MS_PRIVATE,
	"rprivate":    unix.MS_PRIVATE | unix.MS_REC,
	"slave":       unix.MS_SLAVE,
	"rslave":      unix.MS_SLAVE | unix.MS_REC,
	"shared":      unix.MS_SHARED,
	"rshared":     unix.MS_SHARED | unix.MS_REC,
}

func parseMountOptions(options []string) (uintptr, string) {
	var flags uintptr
	var data []string
	for _, opt := range options {
		if f, ok := mountFlags[opt]; ok {
			flags |= f
		} else {
			data = append(data, opt)
		}
	}
	return flags, strings.Join(data, ",")
}

// PrepareRootfs stages the container root filesystem inside the new mount
// namespace: makes the inherited mount tree slave so nothing propagates back
// to the host, binds the rootfs onto itself (pivot_root requires a mount
// point), and applies the configured mounts.
func PrepareRootfs(rootfs string, mounts []specs.Mount) error {
	if err := unix.Mount("", "/", "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("failed to make mount tree slave: %w", err)
	}
	if err := unix.Mount(rootfs, rootfs, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("failed to bind rootfs %s: %w", rootfs, err)
	}

	for _, m := range mounts {
		if err := mountOne(rootfs, m); err != nil {
			return err
		}
	}
	return nil
}

func mountOne(rootfs string, m specs.Mount) error {
	dest := filepath.Join(rootfs, m.Destination)
	if !strings.HasPrefix(dest, rootfs) {
		return fmt.Errorf("mount destination %s escapes rootfs", m.Destination)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", dest, err)
	}

	flags, data := parseMountOptions(m.Options)
	if err := unix.Mount(m.Source, dest, m.Type, flags, data); err != nil {
		return fmt.Errorf("failed to mount %s (%s) on %s: %w", m.Source, m.Type, dest, err)
	}

	// a read-only bind mount needs a second pass: the kernel ignores
	// MS_RDONLY on the initial bind
	if flags&unix.MS_BIND != 0 && flags&unix.MS_RDONLY != 0 {
		if err := unix.Mount("", dest, "", flags|unix.MS_REMOUNT, ""); err != nil {
			return fmt.Errorf("failed to remount %s read-only: %w", dest, err)
		}
	}
	return nil
}

// PivotRoot swaps the process's root to rootfs and drops the old root
// without leaving it visible anywhere in the tree. Stacking new root over
// old root at the same mount point avoids needing a writable put_old
// directory.
func PivotRoot(rootfs string) error {
	oldroot, err := unix.Open("/", unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("failed to open old root: %w", err)
	}
	defer unix.Close(oldroot)

	newroot, err := unix.Open(rootfs, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("failed to open new root %s: %w", rootfs, err)
	}
	defer unix.Close(newroot)

	if err := unix.Fchdir(newroot); err != nil {
		return fmt.Errorf("failed to enter new root: %w", err)
	}
	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("pivot_root failed: %w", err)
	}

	// the old root is now stacked underneath; detach it from there
	if err := unix.Fchdir(oldroot); err != nil {
		return fmt.Errorf("failed to re-enter old root: %w", err)
	}
	if err := unix.Mount("", ".", "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("failed to quiesce old root propagation: %w", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("failed to detach old root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("failed to chdir into new root: %w", err)
	}
	return nil
}

// MaskPaths hides the given paths from the container: files are shadowed by
// a bind of /dev/null, directories by an empty read-only tmpfs.
func MaskPaths(paths []string) error {
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to stat masked path %s: %w", p, err)
		}
		if fi.IsDir() {
			err = unix.Mount("tmpfs", p, "tmpfs", unix.MS_RDONLY, "")
		} else {
			err = unix.Mount("/dev/null", p, "", unix.MS_BIND, "")
		}
		if err != nil {
			return fmt.Errorf("failed to mask %s: %w", p, err)
		}
	}
	return nil
}

// ReadonlyPaths remounts the given paths read-only in place.
func ReadonlyPaths(paths []string) error {
	for _, p := range paths {
		if err := unix.Mount(p, p, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to bind readonly path %s: %w", p, err)
		}
		flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
		if err := unix.Mount("", p, "", flags, ""); err != nil {
			return fmt.Errorf("failed to remount %s read-only: %w", p, err)
		}
	}
	return nil
}
