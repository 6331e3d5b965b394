package seccomp

// crossArchNames lists syscall names that are real on some supported
// architecture but may be absent from the native table. A shared rule set
// referencing them compiles everywhere; the rules simply cannot match on an
// architecture that never dispatches those numbers. Names appearing in
// neither the native table nor this set are rejected as unknown.
var crossArchNames = map[string]struct{}{
	// x86_64 legacy calls absent from the asm-generic (aarch64) table
	"access":       {},
	"alarm":        {},
	"arch_prctl":   {},
	"chmod":        {},
	"chown":        {},
	"creat":        {},
	"dup2":         {},
	"epoll_create": {},
	"epoll_wait":   {},
	"eventfd":      {},
	"fork":         {},
	"futimesat":    {},
	"getdents":     {},
	"getpgrp":      {},
	"inotify_init": {},
	"ioperm":       {},
	"iopl":         {},
	"lchown":       {},
	"link":         {},
	"lstat":        {},
	"mkdir":        {},
	"mknod":        {},
	"modify_ldt":   {},
	"newfstatat":   {},
	"open":         {},
	"pause":        {},
	"pipe":         {},
	"poll":         {},
	"readlink":     {},
	"rename":       {},
	"rmdir":        {},
	"select":       {},
	"signalfd":     {},
	"stat":         {},
	"symlink":      {},
	"time":         {},
	"unlink":       {},
	"uselib":       {},
	"ustat":        {},
	"utime":        {},
	"utimes":       {},
	"vfork":        {},

	// aarch64 names x86_64 lacks
	"fstatat": {},

	// 32-bit arm names that show up in shared distro profiles
	"arm_fadvise64_64":   {},
	"arm_sync_file_area": {},
	"breakpoint":         {},
	"cacheflush":         {},
	"fadvise64_64":       {},
	"fchown32":           {},
	"fcntl64":            {},
	"fstat64":            {},
	"fstatat64":          {},
	"fstatfs64":          {},
	"ftruncate64":        {},
	"getegid32":          {},
	"geteuid32":          {},
	"getgid32":           {},
	"getgroups32":        {},
	"getresgid32":        {},
	"getresuid32":        {},
	"getuid32":           {},
	"ipc":                {},
	"lchown32":           {},
	"_llseek":            {},
	"lstat64":            {},
	"mmap2":              {},
	"_newselect":         {},
	"send":               {},
	"sendfile64":         {},
	"set_tls":            {},
	"setfsgid32":         {},
	"setfsuid32":         {},
	"setgid32":           {},
	"setgroups32":        {},
	"setregid32":         {},
	"setresgid32":        {},
	"setresuid32":        {},
	"setreuid32":         {},
	"setuid32":           {},
	"sigaction":          {},
	"signal":             {},
	"sigpending":         {},
	"sigprocmask":        {},
	"sigreturn":          {},
	"sigsuspend":         {},
	"socketcall":         {},
	"stat64":             {},
	"statfs64":           {},
	"truncate64":         {},
	"ugetrlimit":         {},
	"waitpid":            {},
}
