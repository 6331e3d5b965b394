/*
Package namespaces is the namespace half of the isolation layer: it
validates the ordered namespace list from the runtime configuration, splits
it into namespaces to create (clone flags on the init process) and
namespaces to join (setns on existing paths), and performs the mount-side
isolation steps that depend on the new mount namespace.

# Ordering

The order constraints are structural, enforced by Validate rather than
discovered at runtime:

  - the user namespace, when present, comes first; uid/gid maps are written
    by the control process before anything that depends on the mapping runs
  - a mount namespace must exist before PivotRoot
  - PivotRoot happens before any mount operation that assumes the new root

PivotRoot uses the stacked-mount variant (new root pivoted onto itself, old
root detached from underneath), which works on read-only roots and leaves no
trace of the host tree. MaskPaths and ReadonlyPaths apply the usual
/proc-hygiene after the pivot.
*/
package namespaces
