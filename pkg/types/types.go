package types

import (
	"errors"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Sentinel errors shared across the operation surface. Callers are expected
// to test with errors.Is; everything else is wrapped context.
var (
	// ErrNotFound indicates an operation referenced an unknown container id.
	ErrNotFound = errors.New("container not found")

	// ErrExists indicates a create collided with an existing container id.
	ErrExists = errors.New("container already exists")

	// ErrInvalidState indicates the requested transition is not permitted
	// from the container's current status.
	ErrInvalidState = errors.New("invalid container state transition")

	// ErrRunning indicates a delete was attempted on a live container
	// without force.
	ErrRunning = errors.New("container is not stopped")
)

// Status represents the lifecycle state of a container
type Status string

const (
	StatusCreating Status = "creating"
	StatusCreated  Status = "created"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
)

// HasProcess reports whether a container in this status is backed by a live
// init process, and therefore must carry a pid.
func (s Status) HasProcess() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusPaused:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle state machine permits moving
// from s to target. Transitions are monotonic except running<->paused.
func (s Status) CanTransition(target Status) bool {
	switch s {
	case StatusCreating:
		return target == StatusCreated || target == StatusStopped
	case StatusCreated:
		return target == StatusRunning || target == StatusStopped
	case StatusRunning:
		return target == StatusPaused || target == StatusStopped
	case StatusPaused:
		return target == StatusRunning || target == StatusStopped
	case StatusStopped:
		return false
	}
	return false
}

// Container is the persisted record for a single container. The state store
// owns the durable copy; the lifecycle driver owns the in-memory view for
// the duration of one operation.
type Container struct {
	ID          string            `json:"id"`
	Status      Status            `json:"status"`
	Pid         int               `json:"pid,omitempty"`
	Bundle      string            `json:"bundle"`
	Rootfs      string            `json:"rootfs,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Annotations map[string]string `json:"annotations,omitempty"`

	// Spec is the resolved runtime configuration snapshot taken at create
	// time. Later operations act on this copy, never on the bundle.
	Spec *specs.Spec `json:"config,omitempty"`
}

// OCIState renders the record in the OCI runtime state format consumed by
// hooks and external tooling.
func (c *Container) OCIState() *specs.State {
	st := &specs.State{
		Version:     specs.Version,
		ID:          c.ID,
		Status:      specs.ContainerState(c.Status),
		Bundle:      c.Bundle,
		Annotations: c.Annotations,
	}
	if c.Status.HasProcess() {
		st.Pid = c.Pid
	}
	return st
}
