package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/shorii/youki/pkg/log"
)

// v1 subsystems this backend manages. cpu doubles as the cpuacct mount on
// hosts where the two are co-mounted.
const (
	subsysMemory  = "memory"
	subsysCPU     = "cpu"
	subsysCpuset  = "cpuset"
	subsysPids    = "pids"
	subsysBlkio   = "blkio"
	subsysHugetlb = "hugetlb"
	subsysFreezer = "freezer"
)

var v1Subsystems = []string{
	subsysMemory, subsysCPU, subsysCpuset, subsysPids,
	subsysBlkio, subsysHugetlb, subsysFreezer,
}

// v1 freezer.state values.
const (
	v1StateFrozen   = "FROZEN"
	v1StateFreezing = "FREEZING"
	v1StateThawed   = "THAWED"
)

const freezerRetries = 32

// V1Manager drives the legacy split-hierarchy layout: each subsystem has its
// own tree and the container group exists once per subsystem.
type V1Manager struct {
	root   string
	id     string
	logger zerolog.Logger
}

func NewV1(root, id string) *V1Manager {
	return &V1Manager{
		root:   root,
		id:     id,
		logger: log.WithComponent("cgroups.v1"),
	}
}

// Path returns the container's group directory in the given subsystem tree.
func (m *V1Manager) Path(subsystem string) string {
	return filepath.Join(m.root, subsystem, defaultParent, m.id)
}

func (m *V1Manager) subsystemRoot(subsystem string) string {
	return filepath.Join(m.root, subsystem)
}

// ensure creates the group directory for a subsystem, initializing cpuset
// files from the parent since the kernel refuses task placement into an
// uninitialized cpuset.
func (m *V1Manager) ensure(subsystem string) (string, error) {
	if !dirExists(m.subsystemRoot(subsystem)) {
		return "", &UnsupportedControllerError{Controller: subsystem}
	}
	dir := m.Path(subsystem)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cgroup %s: %w", dir, err)
	}
	if subsystem == subsysCpuset {
		if err := m.initCpuset(dir); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func (m *V1Manager) initCpuset(dir string) error {
	for _, name := range []string{"cpuset.cpus", "cpuset.mems"} {
		cur, err := readFile(dir, name)
		if err == nil && cur != "" {
			continue
		}
		parent, err := readFile(filepath.Dir(dir), name)
		if err != nil || parent == "" {
			parent, err = readFile(m.subsystemRoot(subsysCpuset), name)
			if err != nil {
				continue
			}
		}
		if err := writeFile(dir, name, parent); err != nil {
			return err
		}
	}
	return nil
}

// Add joins pid to the container group in every available subsystem.
func (m *V1Manager) Add(pid int) error {
	for _, subsystem := range v1Subsystems {
		if !dirExists(m.subsystemRoot(subsystem)) {
			// joining is best effort per subsystem; only an explicit
			// limit makes a missing controller an error
			continue
		}
		dir, err := m.ensure(subsystem)
		if err != nil {
			return err
		}
		if err := writeFile(dir, "cgroup.procs", strconv.Itoa(pid)); err != nil {
			return err
		}
	}
	return nil
}

// Apply writes the requested limits subsystem by subsystem.
func (m *V1Manager) Apply(res *specs.LinuxResources) error {
	if res == nil {
		return nil
	}
	if err := m.applyMemory(res.Memory); err != nil {
		return err
	}
	if err := m.applyCPU(res.CPU); err != nil {
		return err
	}
	if err := m.applyPids(res.Pids); err != nil {
		return err
	}
	if err := m.applyBlkio(res.BlockIO); err != nil {
		return err
	}
	return m.applyHugetlb(res.HugepageLimits)
}

func (m *V1Manager) applyMemory(mem *specs.LinuxMemory) error {
	if mem == nil || (mem.Limit == nil && mem.Swap == nil && mem.Reservation == nil) {
		return nil
	}
	dir, err := m.ensure(subsysMemory)
	if err != nil {
		return err
	}
	if mem.Limit != nil {
		if err := writeFile(dir, "memory.limit_in_bytes", strconv.FormatInt(*mem.Limit, 10)); err != nil {
			return err
		}
	}
	if mem.Reservation != nil {
		if err := writeFile(dir, "memory.soft_limit_in_bytes", strconv.FormatInt(*mem.Reservation, 10)); err != nil {
			return err
		}
	}
	if mem.Swap != nil {
		// memsw accounting is compiled out or disabled on some kernels
		if err := writeFile(dir, "memory.memsw.limit_in_bytes", strconv.FormatInt(*mem.Swap, 10)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return &UnsupportedControllerError{Controller: "memory.swap"}
			}
			return err
		}
	}
	return nil
}

func (m *V1Manager) applyCPU(cpu *specs.LinuxCPU) error {
	if cpu == nil {
		return nil
	}
	if cpu.Shares != nil || cpu.Quota != nil || cpu.Period != nil {
		dir, err := m.ensure(subsysCPU)
		if err != nil {
			return err
		}
		if cpu.Shares != nil {
			if err := writeFile(dir, "cpu.shares", strconv.FormatUint(*cpu.Shares, 10)); err != nil {
				return err
			}
		}
		if cpu.Quota != nil {
			if err := writeFile(dir, "cpu.cfs_quota_us", strconv.FormatInt(*cpu.Quota, 10)); err != nil {
				return err
			}
		}
		if cpu.Period != nil {
			if err := writeFile(dir, "cpu.cfs_period_us", strconv.FormatUint(*cpu.Period, 10)); err != nil {
				return err
			}
		}
	}
	if cpu.Cpus != "" || cpu.Mems != "" {
		dir, err := m.ensure(subsysCpuset)
		if err != nil {
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

func (m *V1Manager) applyPids(pids *specs.LinuxPids) error {
	if pids == nil {
		return nil
	}
	dir, err := m.ensure(subsysPids)
	if err != nil {
		return err
	}
	limit := "max"
	if pids.Limit > 0 {
		limit = strconv.FormatInt(pids.Limit, 10)
	}
	return writeFile(dir, "pids.max", limit)
}

func (m *V1Manager) applyBlkio(blkio *specs.LinuxBlockIO) error {
	if blkio == nil {
		return nil
	}
	requested := blkio.Weight != nil ||
		len(blkio.ThrottleReadBpsDevice) > 0 || len(blkio.ThrottleWriteBpsDevice) > 0
	if !requested {
		return nil
	}
	dir, err := m.ensure(subsysBlkio)
	if err != nil {
		return err
	}
	if blkio.Weight != nil {
		if err := writeFile(dir, "blkio.weight", strconv.FormatUint(uint64(*blkio.Weight), 10)); err != nil {
			return err
		}
	}
	for _, dev := range blkio.ThrottleReadBpsDevice {
		line := fmt.Sprintf("%d:%d %d", dev.Major, dev.Minor, dev.Rate)
		if err := writeFile(dir, "blkio.throttle.read_bps_device", line); err != nil {
			return err
		}
	}
	for _, dev := range blkio.ThrottleWriteBpsDevice {
		line := fmt.Sprintf("%d:%d %d", dev.Major, dev.Minor, dev.Rate)
		if err := writeFile(dir, "blkio.throttle.write_bps_device", line); err != nil {
			return err
		}
	}
	return nil
}

func (m *V1Manager) applyHugetlb(limits []specs.LinuxHugepageLimit) error {
	if len(limits) == 0 {
		return nil
	}
	dir, err := m.ensure(subsysHugetlb)
	if err != nil {
		return err
	}
	for _, l := range limits {
		name := fmt.Sprintf("hugetlb.%s.limit_in_bytes", l.Pagesize)
		if err := writeFile(dir, name, strconv.FormatUint(l.Limit, 10)); err != nil {
			return err
		}
	}
	return nil
}

// Freeze suspends the group. The v1 freezer is asynchronous: the state file
// reports FREEZING until every task is stopped, so the write is reissued
// until FROZEN reads back.
func (m *V1Manager) Freeze() error {
	return m.setFreezer(v1StateFrozen)
}

// Thaw resumes the group.
func (m *V1Manager) Thaw() error {
	return m.setFreezer(v1StateThawed)
}

func (m *V1Manager) setFreezer(want string) error {
	dir, err := m.ensure(subsysFreezer)
	if err != nil {
		return err
	}
	for i := 0; i < freezerRetries; i++ {
		if err := writeFile(dir, "freezer.state", want); err != nil {
			return err
		}
		got, err := readFile(dir, "freezer.state")
		if err != nil {
			return fmt.Errorf("failed to read freezer state: %w", err)
		}
		if got == want {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("freezer did not settle on %s", want)
}

// FreezerState reads the current state. FREEZING counts as frozen for the
// caller's purposes: tasks are already stopping.
func (m *V1Manager) FreezerState() (FreezerState, error) {
	got, err := readFile(m.Path(subsysFreezer), "freezer.state")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Undefined, nil
		}
		return Undefined, err
	}
	if got == v1StateFrozen || got == v1StateFreezing {
		return Frozen, nil
	}
	return Thawed, nil
}

// v1 reports "no limit" as the largest page-aligned int64 instead of "max"
const v1UnlimitedMemory = 9223372036854771712

// Stats aggregates usage across the subsystem trees. Absent files read as
// zero rather than failing the whole call.
func (m *V1Manager) Stats() (*Stats, error) {
	s := &Stats{
		MemoryUsageBytes: readUint(m.Path(subsysMemory), "memory.usage_in_bytes"),
		MemoryLimitBytes: readUint(m.Path(subsysMemory), "memory.limit_in_bytes"),
		PidsCurrent:      readUint(m.Path(subsysPids), "pids.current"),
	}
	if s.MemoryLimitBytes >= v1UnlimitedMemory {
		s.MemoryLimitBytes = 0
	}
	// cpuacct reports nanoseconds
	s.CPUUsageUsec = readUint(m.Path(subsysCPU), "cpuacct.usage") / 1000
	return s, nil
}

// Destroy removes the group from every subsystem tree. Groups that were
// never created, or that a previous delete already removed, are success.
func (m *V1Manager) Destroy() error {
	if dirExists(m.Path(subsysFreezer)) {
		if err := m.Thaw(); err != nil {
			m.logger.Warn().Err(err).Str("container_id", m.id).
				Msg("failed to thaw before removal")
		}
	}
	for _, subsystem := range v1Subsystems {
		if err := removeDir(m.Path(subsystem)); err != nil {
			return err
		}
	}
	return nil
}
