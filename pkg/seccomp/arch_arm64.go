package seccomp

import (
	"golang.org/x/sys/unix"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const nativeAuditArch = unix.AUDIT_ARCH_AARCH64

// NativeArch is the seccomp architecture token for this build.
const NativeArch = specs.ArchAARCH64
