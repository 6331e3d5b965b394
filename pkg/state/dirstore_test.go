package state

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shorii/youki/pkg/types"
)

func newTestStore(t *testing.T) *DirStore {
	t.Helper()
	s, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPutGetRoundtrip(t *testing.T) {
	s := newTestStore(t)

	c := &types.Container{
		ID:        "alpha",
		Status:    types.StatusCreating,
		Bundle:    "/tmp/bundle",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Put(c))

	got, err := s.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.ID)
	assert.Equal(t, types.StatusCreating, got.Status)
	assert.Equal(t, "/tmp/bundle", got.Bundle)
}

func TestGetUnknownID(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("ghost")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestPutIsUpsert(t *testing.T) {
	s := newTestStore(t)

	c := &types.Container{ID: "alpha", Status: types.StatusCreating}
	require.NoError(t, s.Put(c))
	c.Status = types.StatusStopped
	require.NoError(t, s.Put(c))

	got, err := s.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, got.Status)
}

func TestList(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put(&types.Container{ID: "a", Status: types.StatusStopped}))
	require.NoError(t, s.Put(&types.Container{ID: "b", Status: types.StatusStopped}))

	// a directory without a record must not break list
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "half-created"), 0o700))

	all, err := s.List()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put(&types.Container{ID: "a", Status: types.StatusStopped}))
	require.NoError(t, s.Remove("a"))

	_, err := s.Get("a")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// idempotent: a second remove reports not found, never crashes
	assert.ErrorIs(t, s.Remove("a"), types.ErrNotFound)
	assert.ErrorIs(t, s.Remove("never-existed"), types.ErrNotFound)
}

func TestStalePidReportsStopped(t *testing.T) {
	s := newTestStore(t)

	// obtain a pid that is certainly dead by reaping a short-lived child
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	deadPid := cmd.Process.Pid
	require.NoError(t, cmd.Wait())

	require.NoError(t, s.Put(&types.Container{
		ID:     "stale",
		Status: types.StatusRunning,
		Pid:    deadPid,
	}))

	got, err := s.Get("stale")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, got.Status)
	assert.Zero(t, got.Pid)

	// the implicit stop is persisted for later readers
	again, err := s.Get("stale")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, again.Status)
}

func TestLivePidKeepsStatus(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put(&types.Container{
		ID:     "live",
		Status: types.StatusRunning,
		Pid:    os.Getpid(),
	}))

	got, err := s.Get("live")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
}

func TestLockPerID(t *testing.T) {
	s := newTestStore(t)

	unlockA, err := s.Lock("a")
	require.NoError(t, err)

	// a different id must not contend
	done := make(chan struct{})
	go func() {
		unlockB, err := s.Lock("b")
		assert.NoError(t, err)
		assert.NoError(t, unlockB())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on a different id blocked")
	}

	require.NoError(t, unlockA())
}
