/*
Package cgroups applies and tracks resource-control limits for one container
across both kernel cgroup layouts.

# Backends

The Manager interface has two implementations selected once, at startup, by
probing the mount hierarchy (DetectMode):

  - V1Manager for the legacy layout, one tree per subsystem
    (<root>/memory/youki/<id>, <root>/pids/youki/<id>, ...)
  - V2Manager for the unified layout, one tree with per-file controllers
    (<root>/youki/<id>/memory.max, cpu.max, pids.max, ...)

Call sites never branch on the hierarchy version; the interface carries the
whole contract: Add, Apply, Freeze/Thaw, FreezerState, Stats, Destroy.

# Semantics

An unset limit is skipped; an explicit limit whose controller is missing is
an UnsupportedControllerError, never a silent drop. Freeze and Thaw are
idempotent and poll the kernel until the state settles (the v1 freezer
reports FREEZING while tasks stop; v2 confirms through cgroup.events).
Destroy treats an absent group as success so delete stays idempotent.

Both backends take an explicit root path, which is how the tests drive them
against fixture directories instead of a mounted cgroupfs.
*/
package cgroups
