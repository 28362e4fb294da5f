package forkexec

import (
	"fmt"
	"syscall"
)

// ErrorLocation 标记子进程设置流程中失败的位置
type ErrorLocation int

const (
	LocClone ErrorLocation = iota + 1
	LocCloseWrite
	LocSetPGID
	LocDup3
	LocSetRlimit
	LocChdir
	LocPtraceMe
	LocSeccomp
	LocSyncRead
	LocExecve
)

var locString = []string{
	"unknown",
	"clone",
	"close_write",
	"setpgid",
	"dup3",
	"setrlimit",
	"chdir",
	"ptrace_traceme",
	"seccomp",
	"sync_read",
	"execve",
}

func (e ErrorLocation) String() string {
	i := int(e)
	if i >= 1 && i < len(locString) {
		return locString[i]
	}
	return locString[0]
}

// ChildError 是子进程在 execve 之前的失败
// 通过同步管道回传给父进程
type ChildError struct {
	Err      syscall.Errno
	Location ErrorLocation
}

func (e ChildError) Error() string {
	return fmt.Sprintf("child failed at %s: %v", e.Location, e.Err)
}
