package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/shorii/youki/pkg/log"
	"github.com/shorii/youki/pkg/types"
)

const (
	stateFile = "state.json"
	lockFile  = "lock"
)

// DirStore implements Store with one directory per container id under a
// runtime state root, holding state.json, the lock file and the exec fifo.
type DirStore struct {
	root   string
	logger zerolog.Logger
}

// NewDirStore creates a directory-backed store rooted at root.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state root: %w", err)
	}
	return &DirStore{
		root:   root,
		logger: log.WithComponent("state"),
	}, nil
}

// Root returns the state root directory.
func (s *DirStore) Root() string {
	return s.root
}

// Dir returns (and creates) the per-container state directory.
func (s *DirStore) Dir(id string) (string, error) {
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create state dir for %s: %w", id, err)
	}
	return dir, nil
}

// Put writes the record atomically: temp file in the same directory, fsync,
// rename over state.json.
func (s *DirStore) Put(c *types.Container) error {
	dir, err := s.Dir(c.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state for %s: %w", c.ID, err)
	}

	tmp, err := os.CreateTemp(dir, "."+stateFile+".tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state for %s: %w", c.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state for %s: %w", c.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(dir, stateFile)); err != nil {
		return fmt.Errorf("failed to commit state for %s: %w", c.ID, err)
	}
	return nil
}

// Get loads the record for id. A record claiming a live process whose pid no
// longer exists is returned as stopped; the durable copy is refreshed best
// effort so later reads agree.
func (s *DirStore) Get(id string) (*types.Container, error) {
	data, err := os.ReadFile(filepath.Join(s.root, id, stateFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read state for %s: %w", id, err)
	}

	var c types.Container
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("corrupt state record for %s: %w", id, err)
	}

	if c.Status.HasProcess() && !pidAlive(c.Pid) {
		s.logger.Debug().Str("container_id", id).Int("pid", c.Pid).
			Msg("init process gone, reporting stopped")
		c.Status = types.StatusStopped
		c.Pid = 0
		if err := s.Put(&c); err != nil {
			s.logger.Warn().Err(err).Str("container_id", id).
				Msg("failed to persist implicit stop")
		}
	}
	return &c, nil
}

// List loads every record under the root. Entries without a state.json (a
// crashed create that only made the directory) are skipped.
func (s *DirStore) List() ([]*types.Container, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read state root: %w", err)
	}

	var out []*types.Container
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		c, err := s.Get(e.Name())
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Remove deletes the container's state directory.
func (s *DirStore) Remove(id string) error {
	dir := filepath.Join(s.root, id)
	if _, err := os.Stat(filepath.Join(dir, stateFile)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", id, types.ErrNotFound)
		}
		return fmt.Errorf("failed to stat state for %s: %w", id, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove state for %s: %w", id, err)
	}
	return nil
}

// Lock takes an exclusive flock on the container's lock file. The lock is
// advisory and scoped to the id, so independent invocations operating on
// different ids proceed in parallel.
func (s *DirStore) Lock(id string) (Unlocker, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(dir, lockFile), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock for %s: %w", id, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", id, err)
	}

	return func() error {
		defer f.Close()
		return unix.Flock(int(f.Fd()), unix.LOCK_UN)
	}, nil
}

// pidAlive probes the process with signal 0. EPERM means the process exists
// but belongs to someone else, which still counts as alive.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
