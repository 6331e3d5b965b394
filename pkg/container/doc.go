/*
Package container is the lifecycle driver: the control-side half of the
runtime that creates, starts, signals, pauses, resumes and deletes
containers.

Every mutating operation takes the per-container lock from the state store,
re-reads the record, checks the transition and commits the new status, so
concurrent invocations on the same id serialize while different ids never
contend. Create is the involved one: it launches the init process through a
Runner, plays the control side of the sync handshake, and only commits the
created record once init has reached its exec gate. A failure at any phase
rolls everything back, leaving no record, no cgroup and no process behind.

Lifecycle transitions are published on an in-memory broker; the events CLI
command streams them.
*/
package container
