/*
Package state provides durable per-container state records.

# Layout

One directory per container id under the runtime state root:

	<root>/<id>/state.json   the Container record (forward-compatible JSON)
	<root>/<id>/lock         flock target guarding mutating operations
	<root>/<id>/exec.fifo    exec gate, created by the lifecycle driver

Writes are atomic (temp file + rename), so a reader never observes a torn
record. Locking is flock-based and scoped to a single id: a list running
while another invocation creates a different container never blocks and
never corrupts either record.

# Stale records

A record whose status implies a live init process (created, running, paused)
but whose pid no longer exists is surfaced as stopped rather than as an
error, and the durable copy is refreshed best effort. This is what makes
delete after a host reboot behave.

Design patterns follow the storage layer conventions used elsewhere in the
codebase: upsert Put, idempotent semantics surfaced through sentinel errors,
and an interface/backend split so the lifecycle driver can be tested against
a throwaway root.
*/
package state
