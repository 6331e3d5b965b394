package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/shorii/youki/pkg/log"
)

// V2Manager drives the unified hierarchy: one directory per container with
// per-file controllers.
type V2Manager struct {
	root   string
	id     string
	logger zerolog.Logger
}

func NewV2(root, id string) *V2Manager {
	return &V2Manager{
		root:   root,
		id:     id,
		logger: log.WithComponent("cgroups.v2"),
	}
}

// Path returns the container's group directory. The subsystem argument is
// part of the Manager interface and has no meaning on the unified hierarchy.
func (m *V2Manager) Path(string) string {
	return filepath.Join(m.root, defaultParent, m.id)
}

// controllers returns the set available for delegation at the root.
func (m *V2Manager) controllers() map[string]bool {
	out := make(map[string]bool)
	s, err := readFile(m.root, "cgroup.controllers")
	if err != nil {
		return out
	}
	for _, c := range strings.Fields(s) {
		out[c] = true
	}
	return out
}

// require returns an UnsupportedControllerError when an explicitly
// requested controller is not delegatable on this host.
func (m *V2Manager) require(controller string) error {
	if !m.controllers()[controller] {
		return &UnsupportedControllerError{Controller: controller}
	}
	return nil
}

func (m *V2Manager) ensure() (string, error) {
	dir := m.Path("")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cgroup %s: %w", dir, err)
	}
	// enable delegation down to the container group; best effort, the
	// kernel rejects it while the parent has member processes
	enable := ""
	for c := range m.controllers() {
		enable += "+" + c + " "
	}
	if enable != "" {
		parent := filepath.Join(m.root, defaultParent)
		_ = writeFile(m.root, "cgroup.subtree_control", strings.TrimSpace(enable))
		_ = writeFile(parent, "cgroup.subtree_control", strings.TrimSpace(enable))
	}
	return dir, nil
}

// Add creates the group and moves pid into it.
func (m *V2Manager) Add(pid int) error {
	dir, err := m.ensure()
	if err != nil {
		return err
	}
	return writeFile(dir, "cgroup.procs", strconv.Itoa(pid))
}

// Apply writes the requested limits to the unified files.
func (m *V2Manager) Apply(res *specs.LinuxResources) error {
	if res == nil {
		return nil
	}
	dir, err := m.ensure()
	if err != nil {
		return err
	}
	if err := m.applyMemory(dir, res.Memory); err != nil {
		return err
	}
	if err := m.applyCPU(dir, res.CPU); err != nil {
		return err
	}
	if err := m.applyPids(dir, res.Pids); err != nil {
		return err
	}
	if err := m.applyIO(dir, res.BlockIO); err != nil {
		return err
	}
	return m.applyHugetlb(dir, res.HugepageLimits)
}

func (m *V2Manager) applyMemory(dir string, mem *specs.LinuxMemory) error {
	if mem == nil || (mem.Limit == nil && mem.Swap == nil && mem.Reservation == nil) {
		return nil
	}
	if err := m.require("memory"); err != nil {
		return err
	}
	if mem.Limit != nil {
		if err := writeFile(dir, "memory.max", strconv.FormatInt(*mem.Limit, 10)); err != nil {
			return err
		}
	}
	if mem.Reservation != nil {
		if err := writeFile(dir, "memory.low", strconv.FormatInt(*mem.Reservation, 10)); err != nil {
			return err
		}
	}
	if mem.Swap != nil {
		// OCI swap is memory+swap combined; the unified file takes swap alone
		if mem.Limit == nil {
			return fmt.Errorf("swap limit requires a memory limit on the unified hierarchy")
		}
		swap := *mem.Swap - *mem.Limit
		if swap < 0 {
			return fmt.Errorf("swap limit %d is below the memory limit", *mem.Swap)
		}
		if err := writeFile(dir, "memory.swap.max", strconv.FormatInt(swap, 10)); err != nil {
			return err
		}
	}
	return nil
}

// convertShares maps v1 cpu.shares [2..262144] onto cpu.weight [1..10000].
func convertShares(shares uint64) uint64 {
	if shares == 0 {
		return 100
	}
	return 1 + ((shares-2)*9999)/262142
}

func (m *V2Manager) applyCPU(dir string, cpu *specs.LinuxCPU) error {
	if cpu == nil {
		return nil
	}
	if cpu.Shares != nil || cpu.Quota != nil || cpu.Period != nil {
		if err := m.require("cpu"); err != nil {
			return err
		}
	}
	if cpu.Shares != nil {
		if err := writeFile(dir, "cpu.weight", strconv.FormatUint(convertShares(*cpu.Shares), 10)); err != nil {
			return err
		}
	}
	if cpu.Quota != nil || cpu.Period != nil {
		quota := "max"
		if cpu.Quota != nil && *cpu.Quota > 0 {
			quota = strconv.FormatInt(*cpu.Quota, 10)
		}
		period := uint64(100000)
		if cpu.Period != nil && *cpu.Period > 0 {
			period = *cpu.Period
		}
		if err := writeFile(dir, "cpu.max", fmt.Sprintf("%s %d", quota, period)); err != nil {
			return err
		}
	}
	if cpu.Cpus != "" || cpu.Mems != "" {
		if err := m.require("cpuset"); err != nil {
			return err
		}
		if cpu.Cpus != "" {
			if err := writeFile(dir, "cpuset.cpus", cpu.Cpus); err != nil {
				return err
			}
		}
		if cpu.Mems != "" {
			if err := writeFile(dir, "cpuset.mems", cpu.Mems); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *V2Manager) applyPids(dir string, pids *specs.LinuxPids) error {
	if pids == nil {
		return nil
	}
	if err := m.require("pids"); err != nil {
		return err
	}
	limit := "max"
	if pids.Limit > 0 {
		limit = strconv.FormatInt(pids.Limit, 10)
	}
	return writeFile(dir, "pids.max", limit)
}

// convertBlkioWeight maps v1 blkio.weight [10..1000] onto io.weight
// [1..10000].
func convertBlkioWeight(weight uint16) uint64 {
	if weight == 0 {
		return 100
	}
	return 1 + (uint64(weight)-10)*9999/990
}

func (m *V2Manager) applyIO(dir string, blkio *specs.LinuxBlockIO) error {
	if blkio == nil {
		return nil
	}
	requested := blkio.Weight != nil ||
		len(blkio.ThrottleReadBpsDevice) > 0 || len(blkio.ThrottleWriteBpsDevice) > 0
	if !requested {
		return nil
	}
	if err := m.require("io"); err != nil {
		return err
	}
	if blkio.Weight != nil {
		if err := writeFile(dir, "io.weight", strconv.FormatUint(convertBlkioWeight(*blkio.Weight), 10)); err != nil {
			return err
		}
	}
	for _, dev := range blkio.ThrottleReadBpsDevice {
		line := fmt.Sprintf("%d:%d rbps=%d", dev.Major, dev.Minor, dev.Rate)
		if err := writeFile(dir, "io.max", line); err != nil {
			return err
		}
	}
	for _, dev := range blkio.ThrottleWriteBpsDevice {
		line := fmt.Sprintf("%d:%d wbps=%d", dev.Major, dev.Minor, dev.Rate)
		if err := writeFile(dir, "io.max", line); err != nil {
			return err
		}
	}
	return nil
}

func (m *V2Manager) applyHugetlb(dir string, limits []specs.LinuxHugepageLimit) error {
	if len(limits) == 0 {
		return nil
	}
	if err := m.require("hugetlb"); err != nil {
		return err
	}
	for _, l := range limits {
		name := fmt.Sprintf("hugetlb.%s.max", l.Pagesize)
		if err := writeFile(dir, name, strconv.FormatUint(l.Limit, 10)); err != nil {
			return err
		}
	}
	return nil
}

// Freeze suspends the group via cgroup.freeze, waiting for the kernel to
// confirm through cgroup.events.
func (m *V2Manager) Freeze() error {
	return m.setFreezer(true)
}

// Thaw resumes the group.
func (m *V2Manager) Thaw() error {
	return m.setFreezer(false)
}

func (m *V2Manager) setFreezer(freeze bool) error {
	dir, err := m.ensure()
	if err != nil {
		return err
	}
	val := "0"
	if freeze {
		val = "1"
	}
	if err := writeFile(dir, "cgroup.freeze", val); err != nil {
		return err
	}
	for i := 0; i < freezerRetries; i++ {
		frozen, ok := m.eventsFrozen(dir)
		if !ok || frozen == freeze {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("freezer did not settle on frozen=%v", freeze)
}

// eventsFrozen parses the frozen line from cgroup.events. ok is false when
// the file is absent (empty group on an older kernel).
func (m *V2Manager) eventsFrozen(dir string) (frozen, ok bool) {
	s, err := readFile(dir, "cgroup.events")
	if err != nil {
		return false, false
	}
	for _, line := range strings.Split(s, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "frozen" {
			return fields[1] == "1", true
		}
	}
	return false, false
}

// FreezerState reads back cgroup.freeze.
func (m *V2Manager) FreezerState() (FreezerState, error) {
	s, err := readFile(m.Path(""), "cgroup.freeze")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Undefined, nil
		}
		return Undefined, err
	}
	if s == "1" {
		return Frozen, nil
	}
	return Thawed, nil
}

// Stats reads usage from the unified files. Absent files read as zero.
func (m *V2Manager) Stats() (*Stats, error) {
	dir := m.Path("")
	s := &Stats{
		MemoryUsageBytes: readUint(dir, "memory.current"),
		MemoryLimitBytes: readUint(dir, "memory.max"),
		PidsCurrent:      readUint(dir, "pids.current"),
	}
	if raw, err := readFile(dir, "cpu.stat"); err == nil {
		for _, line := range strings.Split(raw, "\n") {
			fields := strings.Fields(line)
			if len(fields) != 2 {
				continue
			}
			v, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				continue
			}
			switch fields[0] {
			case "usage_usec":
				s.CPUUsageUsec = v
			case "throttled_usec":
				s.CPUThrottledUsec = v
			}
		}
	}
	return s, nil
}

// Destroy removes the group directory. Absent is success.
func (m *V2Manager) Destroy() error {
	dir := m.Path("")
	if dirExists(dir) {
		if err := m.Thaw(); err != nil {
			m.logger.Warn().Err(err).Str("container_id", m.id).
				Msg("failed to thaw before removal")
		}
	}
	return removeDir(dir)
}
