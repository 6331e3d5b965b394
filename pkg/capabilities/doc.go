/*
Package capabilities applies Linux capability sets to the container init
process.

The five sets (bounding, effective, permitted, inheritable, ambient) are
taken verbatim from the runtime configuration. Validate enforces the one
structural invariant up front: a capability absent from the bounding set
cannot appear in any other set. Apply is invoked inside the container
process as the final isolation step before the seccomp filter is installed,
because the earlier steps (mounting, pivoting, writing id maps) rely on
capabilities that must not survive into the user payload.
*/
package capabilities
