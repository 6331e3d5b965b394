/*
Package seccomp compiles declarative syscall rules into a classic-BPF
seccomp filter and installs it in the container init process.

# Compilation

Compile resolves syscall names against the native architecture's table
(per-GOARCH source files) and emits a linear decision program:

	check architecture (mismatch kills the process)
	rule 0: match syscall number and argument conditions -> action
	rule 1: ...
	return default action

Rules are evaluated in declaration order and the first match wins, so a
deny rule listed before an allow rule for the same syscall denies it.
Argument conditions compare full 64-bit values as high/low 32-bit word
pairs (classic BPF has no 64-bit loads). Names that only exist on another
supported architecture are skipped; names that exist nowhere fail
compilation with UnknownSyscallError.

# Installation

Install sets no_new_privs and loads the program with the TSYNC flag so
every runtime thread is covered. Installation is irreversible by design;
the caller sequences it after the capability drop and immediately before
exec.
*/
package seccomp
