/*
Package types defines the container data model shared by every runtime
component.

A Container record carries identity, lifecycle status, the init pid while one
exists, the bundle reference and a snapshot of the resolved runtime
configuration. Status transitions form a small monotonic state machine:

	creating ──> created ──> running <──> paused
	    │            │           │            │
	    └────────────┴───────────┴────────────┴──> stopped

Only running<->paused is reversible. The pid field is meaningful exactly
while status is created, running or paused.

The package also defines the sentinel errors (ErrNotFound, ErrExists,
ErrInvalidState, ErrRunning) that cross the operation surface; component
specific failures carry their own typed errors in their own packages.
*/
package types
