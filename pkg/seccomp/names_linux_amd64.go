package seccomp

import "golang.org/x/sys/unix"

// syscalls resolves rule names to x86_64 syscall numbers.
var syscalls = map[string]uint32{
	"accept4":                 unix.SYS_ACCEPT4,
	"accept":                  unix.SYS_ACCEPT,
	"access":                  unix.SYS_ACCESS,
	"acct":                    unix.SYS_ACCT,
	"add_key":                 unix.SYS_ADD_KEY,
	"adjtimex":                unix.SYS_ADJTIMEX,
	"alarm":                   unix.SYS_ALARM,
	"arch_prctl":              unix.SYS_ARCH_PRCTL,
	"bind":                    unix.SYS_BIND,
	"bpf":                     unix.SYS_BPF,
	"brk":                     unix.SYS_BRK,
	"capget":                  unix.SYS_CAPGET,
	"capset":                  unix.SYS_CAPSET,
	"chdir":                   unix.SYS_CHDIR,
	"chmod":                   unix.SYS_CHMOD,
	"chown":                   unix.SYS_CHOWN,
	"chroot":                  unix.SYS_CHROOT,
	"clock_adjtime":           unix.SYS_CLOCK_ADJTIME,
	"clock_getres":            unix.SYS_CLOCK_GETRES,
	"clock_gettime":           unix.SYS_CLOCK_GETTIME,
	"clock_nanosleep":         unix.SYS_CLOCK_NANOSLEEP,
	"clock_settime":           unix.SYS_CLOCK_SETTIME,
	"clone3":                  unix.SYS_CLONE3,
	"clone":                   unix.SYS_CLONE,
	"close":                   unix.SYS_CLOSE,
	"close_range":             unix.SYS_CLOSE_RANGE,
	"connect":                 unix.SYS_CONNECT,
	"copy_file_range":         unix.SYS_COPY_FILE_RANGE,
	"creat":                   unix.SYS_CREAT,
	"delete_module":           unix.SYS_DELETE_MODULE,
	"dup2":                    unix.SYS_DUP2,
	"dup3":                    unix.SYS_DUP3,
	"dup":                     unix.SYS_DUP,
	"epoll_create1":           unix.SYS_EPOLL_CREATE1,
	"epoll_create":            unix.SYS_EPOLL_CREATE,
	"epoll_ctl":               unix.SYS_EPOLL_CTL,
	"epoll_pwait2":            unix.SYS_EPOLL_PWAIT2,
	"epoll_pwait":             unix.SYS_EPOLL_PWAIT,
	"epoll_wait":              unix.SYS_EPOLL_WAIT,
	"eventfd2":                unix.SYS_EVENTFD2,
	"eventfd":                 unix.SYS_EVENTFD,
	"execve":                  unix.SYS_EXECVE,
	"execveat":                unix.SYS_EXECVEAT,
	"exit":                    unix.SYS_EXIT,
	"exit_group":              unix.SYS_EXIT_GROUP,
	"faccessat2":              unix.SYS_FACCESSAT2,
	"faccessat":               unix.SYS_FACCESSAT,
	"fadvise64":               unix.SYS_FADVISE64,
	"fallocate":               unix.SYS_FALLOCATE,
	"fanotify_init":           unix.SYS_FANOTIFY_INIT,
	"fanotify_mark":           unix.SYS_FANOTIFY_MARK,
	"fchdir":                  unix.SYS_FCHDIR,
	"fchmod":                  unix.SYS_FCHMOD,
	"fchmodat":                unix.SYS_FCHMODAT,
	"fchown":                  unix.SYS_FCHOWN,
	"fchownat":                unix.SYS_FCHOWNAT,
	"fcntl":                   unix.SYS_FCNTL,
	"fdatasync":               unix.SYS_FDATASYNC,
	"fgetxattr":               unix.SYS_FGETXATTR,
	"finit_module":            unix.SYS_FINIT_MODULE,
	"flistxattr":              unix.SYS_FLISTXATTR,
	"flock":                   unix.SYS_FLOCK,
	"fork":                    unix.SYS_FORK,
	"fremovexattr":            unix.SYS_FREMOVEXATTR,
	"fsconfig":                unix.SYS_FSCONFIG,
	"fsetxattr":               unix.SYS_FSETXATTR,
	"fsmount":                 unix.SYS_FSMOUNT,
	"fsopen":                  unix.SYS_FSOPEN,
	"fspick":                  unix.SYS_FSPICK,
	"fstat":                   unix.SYS_FSTAT,
	"fstatfs":                 unix.SYS_FSTATFS,
	"fsync":                   unix.SYS_FSYNC,
	"ftruncate":               unix.SYS_FTRUNCATE,
	"futex":                   unix.SYS_FUTEX,
	"futimesat":               unix.SYS_FUTIMESAT,
	"get_mempolicy":           unix.SYS_GET_MEMPOLICY,
	"get_robust_list":         unix.SYS_GET_ROBUST_LIST,
	"getcpu":                  unix.SYS_GETCPU,
	"getcwd":                  unix.SYS_GETCWD,
	"getdents64":              unix.SYS_GETDENTS64,
	"getdents":                unix.SYS_GETDENTS,
	"getegid":                 unix.SYS_GETEGID,
	"geteuid":                 unix.SYS_GETEUID,
	"getgid":                  unix.SYS_GETGID,
	"getgroups":               unix.SYS_GETGROUPS,
	"getitimer":               unix.SYS_GETITIMER,
	"getpeername":             unix.SYS_GETPEERNAME,
	"getpgid":                 unix.SYS_GETPGID,
	"getpgrp":                 unix.SYS_GETPGRP,
	"getpid":                  unix.SYS_GETPID,
	"getppid":                 unix.SYS_GETPPID,
	"getpriority":             unix.SYS_GETPRIORITY,
	"getrandom":               unix.SYS_GETRANDOM,
	"getresgid":               unix.SYS_GETRESGID,
	"getresuid":               unix.SYS_GETRESUID,
	"getrlimit":               unix.SYS_GETRLIMIT,
	"getrusage":               unix.SYS_GETRUSAGE,
	"getsid":                  unix.SYS_GETSID,
	"getsockname":             unix.SYS_GETSOCKNAME,
	"getsockopt":              unix.SYS_GETSOCKOPT,
	"gettid":                  unix.SYS_GETTID,
	"gettimeofday":            unix.SYS_GETTIMEOFDAY,
	"getuid":                  unix.SYS_GETUID,
	"getxattr":                unix.SYS_GETXATTR,
	"init_module":             unix.SYS_INIT_MODULE,
	"inotify_add_watch":       unix.SYS_INOTIFY_ADD_WATCH,
	"inotify_init1":           unix.SYS_INOTIFY_INIT1,
	"inotify_init":            unix.SYS_INOTIFY_INIT,
	"inotify_rm_watch":        unix.SYS_INOTIFY_RM_WATCH,
	"io_cancel":               unix.SYS_IO_CANCEL,
	"io_destroy":              unix.SYS_IO_DESTROY,
	"io_getevents":            unix.SYS_IO_GETEVENTS,
	"io_setup":                unix.SYS_IO_SETUP,
	"io_submit":               unix.SYS_IO_SUBMIT,
	"io_uring_enter":          unix.SYS_IO_URING_ENTER,
	"io_uring_register":       unix.SYS_IO_URING_REGISTER,
	"io_uring_setup":          unix.SYS_IO_URING_SETUP,
	"ioctl":                   unix.SYS_IOCTL,
	"ioprio_get":              unix.SYS_IOPRIO_GET,
	"ioprio_set":              unix.SYS_IOPRIO_SET,
	"kcmp":                    unix.SYS_KCMP,
	"keyctl":                  unix.SYS_KEYCTL,
	"kill":                    unix.SYS_KILL,
	"landlock_add_rule":       unix.SYS_LANDLOCK_ADD_RULE,
	"landlock_create_ruleset": unix.SYS_LANDLOCK_CREATE_RULESET,
	"landlock_restrict_self":  unix.SYS_LANDLOCK_RESTRICT_SELF,
	"lchown":                  unix.SYS_LCHOWN,
	"lgetxattr":               unix.SYS_LGETXATTR,
	"link":                    unix.SYS_LINK,
	"linkat":                  unix.SYS_LINKAT,
	"listen":                  unix.SYS_LISTEN,
	"listxattr":               unix.SYS_LISTXATTR,
	"llistxattr":              unix.SYS_LLISTXATTR,
	"lremovexattr":            unix.SYS_LREMOVEXATTR,
	"lseek":                   unix.SYS_LSEEK,
	"lsetxattr":               unix.SYS_LSETXATTR,
	"lstat":                   unix.SYS_LSTAT,
	"madvise":                 unix.SYS_MADVISE,
	"mbind":                   unix.SYS_MBIND,
	"membarrier":              unix.SYS_MEMBARRIER,
	"memfd_create":            unix.SYS_MEMFD_CREATE,
	"migrate_pages":           unix.SYS_MIGRATE_PAGES,
	"mincore":                 unix.SYS_MINCORE,
	"mkdir":                   unix.SYS_MKDIR,
	"mkdirat":                 unix.SYS_MKDIRAT,
	"mknod":                   unix.SYS_MKNOD,
	"mknodat":                 unix.SYS_MKNODAT,
	"mlock2":                  unix.SYS_MLOCK2,
	"mlock":                   unix.SYS_MLOCK,
	"mlockall":                unix.SYS_MLOCKALL,
	"mmap":                    unix.SYS_MMAP,
	"mount":                   unix.SYS_MOUNT,
	"mount_setattr":           unix.SYS_MOUNT_SETATTR,
	"move_mount":              unix.SYS_MOVE_MOUNT,
	"move_pages":              unix.SYS_MOVE_PAGES,
	"mprotect":                unix.SYS_MPROTECT,
	"mq_getsetattr":           unix.SYS_MQ_GETSETATTR,
	"mq_notify":               unix.SYS_MQ_NOTIFY,
	"mq_open":                 unix.SYS_MQ_OPEN,
	"mq_timedreceive":         unix.SYS_MQ_TIMEDRECEIVE,
	"mq_timedsend":            unix.SYS_MQ_TIMEDSEND,
	"mq_unlink":               unix.SYS_MQ_UNLINK,
	"mremap":                  unix.SYS_MREMAP,
	"msgctl":                  unix.SYS_MSGCTL,
	"msgget":                  unix.SYS_MSGGET,
	"msgrcv":                  unix.SYS_MSGRCV,
	"msgsnd":                  unix.SYS_MSGSND,
	"msync":                   unix.SYS_MSYNC,
	"munlock":                 unix.SYS_MUNLOCK,
	"munlockall":              unix.SYS_MUNLOCKALL,
	"munmap":                  unix.SYS_MUNMAP,
	"name_to_handle_at":       unix.SYS_NAME_TO_HANDLE_AT,
	"nanosleep":               unix.SYS_NANOSLEEP,
	"newfstatat":              unix.SYS_NEWFSTATAT,
	"open":                    unix.SYS_OPEN,
	"open_by_handle_at":       unix.SYS_OPEN_BY_HANDLE_AT,
	"open_tree":               unix.SYS_OPEN_TREE,
	"openat2":                 unix.SYS_OPENAT2,
	"openat":                  unix.SYS_OPENAT,
	"pause":                   unix.SYS_PAUSE,
	"perf_event_open":         unix.SYS_PERF_EVENT_OPEN,
	"personality":             unix.SYS_PERSONALITY,
	"pidfd_getfd":             unix.SYS_PIDFD_GETFD,
	"pidfd_open":              unix.SYS_PIDFD_OPEN,
	"pidfd_send_signal":       unix.SYS_PIDFD_SEND_SIGNAL,
	"pipe2":                   unix.SYS_PIPE2,
	"pipe":                    unix.SYS_PIPE,
	"pivot_root":              unix.SYS_PIVOT_ROOT,
	"pkey_alloc":              unix.SYS_PKEY_ALLOC,
	"pkey_free":               unix.SYS_PKEY_FREE,
	"pkey_mprotect":           unix.SYS_PKEY_MPROTECT,
	"poll":                    unix.SYS_POLL,
	"ppoll":                   unix.SYS_PPOLL,
	"prctl":                   unix.SYS_PRCTL,
	"pread64":                 unix.SYS_PREAD64,
	"preadv2":                 unix.SYS_PREADV2,
	"preadv":                  unix.SYS_PREADV,
	"prlimit64":               unix.SYS_PRLIMIT64,
	"process_madvise":         unix.SYS_PROCESS_MADVISE,
	"process_vm_readv":        unix.SYS_PROCESS_VM_READV,
	"process_vm_writev":       unix.SYS_PROCESS_VM_WRITEV,
	"pselect6":                unix.SYS_PSELECT6,
	"ptrace":                  unix.SYS_PTRACE,
	"pwrite64":                unix.SYS_PWRITE64,
	"pwritev2":                unix.SYS_PWRITEV2,
	"pwritev":                 unix.SYS_PWRITEV,
	"quotactl":                unix.SYS_QUOTACTL,
	"read":                    unix.SYS_READ,
	"readahead":               unix.SYS_READAHEAD,
	"readlink":                unix.SYS_READLINK,
	"readlinkat":              unix.SYS_READLINKAT,
	"readv":                   unix.SYS_READV,
	"reboot":                  unix.SYS_REBOOT,
	"recvfrom":                unix.SYS_RECVFROM,
	"recvmmsg":                unix.SYS_RECVMMSG,
	"recvmsg":                 unix.SYS_RECVMSG,
	"remap_file_pages":        unix.SYS_REMAP_FILE_PAGES,
	"removexattr":             unix.SYS_REMOVEXATTR,
	"rename":                  unix.SYS_RENAME,
	"renameat2":               unix.SYS_RENAMEAT2,
	"renameat":                unix.SYS_RENAMEAT,
	"request_key":             unix.SYS_REQUEST_KEY,
	"restart_syscall":         unix.SYS_RESTART_SYSCALL,
	"rmdir":                   unix.SYS_RMDIR,
	"rseq":                    unix.SYS_RSEQ,
	"rt_sigaction":            unix.SYS_RT_SIGACTION,
	"rt_sigpending":           unix.SYS_RT_SIGPENDING,
	"rt_sigprocmask":          unix.SYS_RT_SIGPROCMASK,
	"rt_sigqueueinfo":         unix.SYS_RT_SIGQUEUEINFO,
	"rt_sigreturn":            unix.SYS_RT_SIGRETURN,
	"rt_sigsuspend":           unix.SYS_RT_SIGSUSPEND,
	"rt_sigtimedwait":         unix.SYS_RT_SIGTIMEDWAIT,
	"rt_tgsigqueueinfo":       unix.SYS_RT_TGSIGQUEUEINFO,
	"sched_get_priority_max":  unix.SYS_SCHED_GET_PRIORITY_MAX,
	"sched_get_priority_min":  unix.SYS_SCHED_GET_PRIORITY_MIN,
	"sched_getaffinity":       unix.SYS_SCHED_GETAFFINITY,
	"sched_getattr":           unix.SYS_SCHED_GETATTR,
	"sched_getparam":          unix.SYS_SCHED_GETPARAM,
	"sched_getscheduler":      unix.SYS_SCHED_GETSCHEDULER,
	"sched_rr_get_interval":   unix.SYS_SCHED_RR_GET_INTERVAL,
	"sched_setaffinity":       unix.SYS_SCHED_SETAFFINITY,
	"sched_setattr":           unix.SYS_SCHED_SETATTR,
	"sched_setparam":          unix.SYS_SCHED_SETPARAM,
	"sched_setscheduler":      unix.SYS_SCHED_SETSCHEDULER,
	"sched_yield":             unix.SYS_SCHED_YIELD,
	"seccomp":                 unix.SYS_SECCOMP,
	"select":                  unix.SYS_SELECT,
	"semctl":                  unix.SYS_SEMCTL,
	"semget":                  unix.SYS_SEMGET,
	"semop":                   unix.SYS_SEMOP,
	"semtimedop":              unix.SYS_SEMTIMEDOP,
	"sendfile":                unix.SYS_SENDFILE,
	"sendmmsg":                unix.SYS_SENDMMSG,
	"sendmsg":                 unix.SYS_SENDMSG,
	"sendto":                  unix.SYS_SENDTO,
	"set_mempolicy":           unix.SYS_SET_MEMPOLICY,
	"set_robust_list":         unix.SYS_SET_ROBUST_LIST,
	"set_tid_address":         unix.SYS_SET_TID_ADDRESS,
	"setdomainname":           unix.SYS_SETDOMAINNAME,
	"setfsgid":                unix.SYS_SETFSGID,
	"setfsuid":                unix.SYS_SETFSUID,
	"setgid":                  unix.SYS_SETGID,
	"setgroups":               unix.SYS_SETGROUPS,
	"sethostname":             unix.SYS_SETHOSTNAME,
	"setitimer":               unix.SYS_SETITIMER,
	"setns":                   unix.SYS_SETNS,
	"setpgid":                 unix.SYS_SETPGID,
	"setpriority":             unix.SYS_SETPRIORITY,
	"setregid":                unix.SYS_SETREGID,
	"setresgid":               unix.SYS_SETRESGID,
	"setresuid":               unix.SYS_SETRESUID,
	"setreuid":                unix.SYS_SETREUID,
	"setrlimit":               unix.SYS_SETRLIMIT,
	"setsid":                  unix.SYS_SETSID,
	"setsockopt":              unix.SYS_SETSOCKOPT,
	"settimeofday":            unix.SYS_SETTIMEOFDAY,
	"setuid":                  unix.SYS_SETUID,
	"setxattr":                unix.SYS_SETXATTR,
	"shmat":                   unix.SYS_SHMAT,
	"shmctl":                  unix.SYS_SHMCTL,
	"shmdt":                   unix.SYS_SHMDT,
	"shmget":                  unix.SYS_SHMGET,
	"shutdown":                unix.SYS_SHUTDOWN,
	"sigaltstack":             unix.SYS_SIGALTSTACK,
	"signalfd4":               unix.SYS_SIGNALFD4,
	"signalfd":                unix.SYS_SIGNALFD,
	"socket":                  unix.SYS_SOCKET,
	"socketpair":              unix.SYS_SOCKETPAIR,
	"splice":                  unix.SYS_SPLICE,
	"stat":                    unix.SYS_STAT,
	"statfs":                  unix.SYS_STATFS,
	"statx":                   unix.SYS_STATX,
	"swapoff":                 unix.SYS_SWAPOFF,
	"swapon":                  unix.SYS_SWAPON,
	"symlink":                 unix.SYS_SYMLINK,
	"symlinkat":               unix.SYS_SYMLINKAT,
	"sync":                    unix.SYS_SYNC,
	"sync_file_range":         unix.SYS_SYNC_FILE_RANGE,
	"syncfs":                  unix.SYS_SYNCFS,
	"sysinfo":                 unix.SYS_SYSINFO,
	"syslog":                  unix.SYS_SYSLOG,
	"tee":                     unix.SYS_TEE,
	"tgkill":                  unix.SYS_TGKILL,
	"time":                    unix.SYS_TIME,
	"timer_create":            unix.SYS_TIMER_CREATE,
	"timer_delete":            unix.SYS_TIMER_DELETE,
	"timer_getoverrun":        unix.SYS_TIMER_GETOVERRUN,
	"timer_gettime":           unix.SYS_TIMER_GETTIME,
	"timer_settime":           unix.SYS_TIMER_SETTIME,
	"timerfd_create":          unix.SYS_TIMERFD_CREATE,
	"timerfd_gettime":         unix.SYS_TIMERFD_GETTIME,
	"timerfd_settime":         unix.SYS_TIMERFD_SETTIME,
	"times":                   unix.SYS_TIMES,
	"tkill":                   unix.SYS_TKILL,
	"truncate":                unix.SYS_TRUNCATE,
	"umask":                   unix.SYS_UMASK,
	"umount2":                 unix.SYS_UMOUNT2,
	"uname":                   unix.SYS_UNAME,
	"unlink":                  unix.SYS_UNLINK,
	"unlinkat":                unix.SYS_UNLINKAT,
	"unshare":                 unix.SYS_UNSHARE,
	"userfaultfd":             unix.SYS_USERFAULTFD,
	"utime":                   unix.SYS_UTIME,
	"utimensat":               unix.SYS_UTIMENSAT,
	"utimes":                  unix.SYS_UTIMES,
	"vfork":                   unix.SYS_VFORK,
	"vhangup":                 unix.SYS_VHANGUP,
	"vmsplice":                unix.SYS_VMSPLICE,
	"wait4":                   unix.SYS_WAIT4,
	"waitid":                  unix.SYS_WAITID,
	"write":                   unix.SYS_WRITE,
	"writev":                  unix.SYS_WRITEV,
}
