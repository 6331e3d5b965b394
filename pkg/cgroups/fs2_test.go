package cgroups

import (
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixtureV2 builds a fake unified root advertising the given controllers.
func fixtureV2(t *testing.T, controllers string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, writeFile(root, "cgroup.controllers", controllers))
	return root
}

func TestV2MemoryLimitReadback(t *testing.T) {
	root := fixtureV2(t, "cpu cpuset io memory pids hugetlb")
	m := NewV2(root, "box1")

	limit := int64(100 * 1024 * 1024)
	err := m.Apply(&specs.LinuxResources{
		Memory: &specs.LinuxMemory{Limit: int64p(limit)},
	})
	require.NoError(t, err)

	got, err := readFile(m.Path(""), "memory.max")
	require.NoError(t, err)
	assert.Equal(t, "104857600", got)
}

func TestV2SwapConversion(t *testing.T) {
	root := fixtureV2(t, "memory")
	m := NewV2(root, "box1")

	// OCI swap is memory+swap combined; the unified file takes swap alone
	err := m.Apply(&specs.LinuxResources{
		Memory: &specs.LinuxMemory{
			Limit: int64p(100 << 20),
			Swap:  int64p(150 << 20),
		},
	})
	require.NoError(t, err)

	got, err := readFile(m.Path(""), "memory.swap.max")
	require.NoError(t, err)
	assert.Equal(t, "52428800", got)
}

func TestV2SwapBelowLimitRejected(t *testing.T) {
	root := fixtureV2(t, "memory")
	m := NewV2(root, "box1")

	err := m.Apply(&specs.LinuxResources{
		Memory: &specs.LinuxMemory{
			Limit: int64p(100 << 20),
			Swap:  int64p(50 << 20),
		},
	})
	assert.Error(t, err)
}

func TestV2CPUMax(t *testing.T) {
	root := fixtureV2(t, "cpu")
	m := NewV2(root, "box1")

	quota := int64(50000)
	err := m.Apply(&specs.LinuxResources{
		CPU: &specs.LinuxCPU{Quota: &quota, Period: uint64p(100000)},
	})
	require.NoError(t, err)

	got, err := readFile(m.Path(""), "cpu.max")
	require.NoError(t, err)
	assert.Equal(t, "50000 100000", got)
}

func TestV2SharesToWeight(t *testing.T) {
	tests := []struct {
		shares uint64
		weight uint64
	}{
		{0, 100},
		{2, 1},
		{1024, 39},
		{262144, 10000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.weight, convertShares(tt.shares), "shares=%d", tt.shares)
	}
}

func TestV2PidsLimit(t *testing.T) {
	root := fixtureV2(t, "pids")
	m := NewV2(root, "box1")

	err := m.Apply(&specs.LinuxResources{Pids: &specs.LinuxPids{Limit: 0}})
	require.NoError(t, err)

	got, err := readFile(m.Path(""), "pids.max")
	require.NoError(t, err)
	assert.Equal(t, "max", got)
}

func TestV2UnsupportedController(t *testing.T) {
	root := fixtureV2(t, "cpu pids")
	m := NewV2(root, "box1")

	err := m.Apply(&specs.LinuxResources{
		Memory: &specs.LinuxMemory{Limit: int64p(1 << 20)},
	})

	var unsupported *UnsupportedControllerError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "memory", unsupported.Controller)
}

func TestV2FreezeThawIdempotent(t *testing.T) {
	root := fixtureV2(t, "memory pids")
	m := NewV2(root, "box1")

	// no cgroup.events in the fixture: the write itself is the signal
	require.NoError(t, m.Freeze())
	require.NoError(t, m.Freeze())

	st, err := m.FreezerState()
	require.NoError(t, err)
	assert.Equal(t, Frozen, st)

	require.NoError(t, m.Thaw())
	require.NoError(t, m.Thaw())

	st, err = m.FreezerState()
	require.NoError(t, err)
	assert.Equal(t, Thawed, st)
}

func TestV2FreezeConfirmedByEvents(t *testing.T) {
	root := fixtureV2(t, "memory")
	m := NewV2(root, "box1")
	_, err := m.ensure()
	require.NoError(t, err)
	require.NoError(t, writeFile(m.Path(""), "cgroup.events", "populated 1\nfrozen 1"))

	require.NoError(t, m.Freeze())

	got, err := readFile(m.Path(""), "cgroup.freeze")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
}

func TestV2Stats(t *testing.T) {
	root := fixtureV2(t, "cpu memory pids")
	m := NewV2(root, "box1")
	_, err := m.ensure()
	require.NoError(t, err)

	dir := m.Path("")
	require.NoError(t, writeFile(dir, "memory.current", "8192"))
	require.NoError(t, writeFile(dir, "memory.max", "max"))
	require.NoError(t, writeFile(dir, "pids.current", "3"))
	require.NoError(t, writeFile(dir, "cpu.stat", "usage_usec 1500\nuser_usec 1000\nthrottled_usec 20"))

	s, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(8192), s.MemoryUsageBytes)
	assert.Zero(t, s.MemoryLimitBytes) // "max" reads as unlimited
	assert.Equal(t, uint64(1500), s.CPUUsageUsec)
	assert.Equal(t, uint64(20), s.CPUThrottledUsec)
	assert.Equal(t, uint64(3), s.PidsCurrent)
}

func TestV2DestroyIdempotent(t *testing.T) {
	root := fixtureV2(t, "memory")
	m := NewV2(root, "box1")

	require.NoError(t, m.Add(1))
	require.NoError(t, m.Destroy())
	require.NoError(t, m.Destroy())
}
