package namespaces

import (
	"fmt"
	"os"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// formatIDMap renders id mappings in the /proc uid_map format.
func formatIDMap(mappings []specs.LinuxIDMapping) string {
	var b strings.Builder
	for _, m := range mappings {
		fmt.Fprintf(&b, "%d %d %d\n", m.ContainerID, m.HostID, m.Size)
	}
	return b.String()
}

// WriteIDMappings writes the uid and gid maps for a freshly created user
// namespace from outside it. Only the parent (or a privileged helper) may
// write these files, which is why the init process parks on the sync channel
// until the control process confirms the maps are in place.
func WriteIDMappings(pid int, uidMappings, gidMappings []specs.LinuxIDMapping) error {
	proc := fmt.Sprintf("/proc/%d", pid)

	if len(gidMappings) > 0 {
		// setgroups must be denied before an unprivileged writer may
		// set the gid map
		if err := os.WriteFile(proc+"/setgroups", []byte("deny"), 0o644); err != nil {
			return fmt.Errorf("failed to deny setgroups for %d: %w", pid, err)
		}
		if err := os.WriteFile(proc+"/gid_map", []byte(formatIDMap(gidMappings)), 0o644); err != nil {
			return fmt.Errorf("failed to write gid map for %d: %w", pid, err)
		}
	}
	if len(uidMappings) > 0 {
		if err := os.WriteFile(proc+"/uid_map", []byte(formatIDMap(uidMappings)), 0o644); err != nil {
			return fmt.Errorf("failed to write uid map for %d: %w", pid, err)
		}
	}
	return nil
}
