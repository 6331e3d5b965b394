package state

import (
	"github.com/shorii/youki/pkg/types"
)

// Unlocker releases a per-container lock acquired from Lock.
type Unlocker func() error

// Store defines the interface for durable container state.
// Implemented by the directory-backed store in this package; the lifecycle
// driver never touches the filesystem layout directly.
type Store interface {
	// Put writes or replaces the record for the container's id (upsert).
	Put(c *types.Container) error

	// Get returns the record for id, or types.ErrNotFound. Records whose
	// status implies a live process but whose pid is gone are surfaced
	// with status stopped.
	Get(id string) (*types.Container, error)

	// List returns every record under the state root.
	List() ([]*types.Container, error)

	// Remove deletes the record and the container's state directory.
	// Removing an unknown id returns types.ErrNotFound.
	Remove(id string) error

	// Lock takes the exclusive per-id lock guarding mutating operations.
	// Locks for different ids never contend.
	Lock(id string) (Unlocker, error)

	// Dir returns the container's state directory, creating it if needed.
	// Per-container runtime artifacts (the exec fifo) live there.
	Dir(id string) (string, error)
}
