/*
Package process implements the sync protocol between the lifecycle driver
and the container init process, plus the init side itself.

The control process launches init by re-executing the runtime binary with a
socketpair inherited as fd 3 (Go cannot fork without exec, so namespace
creation happens via clone flags on the re-exec). Over that socket the two
sides run a strict alternating handshake through the fixed phase order
userns, namespaces, cgroup, rootfs:

	init                     control
	ready{userns}    ->
	                 <-      proceed        (id mappings written in between)
	ready{namespaces} ->
	                 <-      proceed
	...
	exec-request     ->

After exec-request the init process blocks on the exec fifo in the state
directory; the start operation writes exec-granted there and init execs the
payload. Failures on either side travel as error frames and surface as
*SyncError.
*/
package process
