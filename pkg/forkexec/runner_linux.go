// Package forkexec 创建可被 ptrace 跟踪的被监督进程。
// 子进程在 execve 之前完成自我设置：文件描述符映射、资源限制、
// 工作目录、PTRACE_TRACEME 和系统调用过滤器的安装。这保证了
// 监督器在目标执行任何用户代码之前就已经附加、过滤器已经生效
package forkexec

import (
	"syscall"

	"github.com/zqzqsb/determ/pkg/rlimit"
)

// Runner 是启动被监督进程的配置
type Runner struct {
	// Args 和 Env 用于子进程的 execve 系统调用
	// Args[0] 是要执行的程序路径
	Args []string
	Env  []string

	// ExecFile 如果非零，通过 execveat(fd, "", ..., AT_EMPTY_PATH)
	// 执行这个文件描述符指向的程序
	ExecFile uintptr

	// Files 定义了新进程的文件描述符映射
	// 索引对应新进程中的文件描述符编号（从 0 开始）
	Files []uintptr

	// RLimits 定义了子进程在 execve 之前应用的资源限制
	RLimits []rlimit.RLimit

	// WorkDir 设置子进程的工作目录，空字符串表示继承
	WorkDir string

	// Seccomp 是要在 execve 之前安装的系统调用过滤器
	Seccomp *syscall.SockFprog

	// Ptrace 为真时子进程执行 PTRACE_TRACEME，
	// execve 会让它停在 SIGTRAP 等待跟踪器
	Ptrace bool

	// SyncFunc 在子进程 execve 之前、双方同步时由父进程调用，
	// 传入子进程的 pid。返回错误会中止启动
	SyncFunc func(pid int) error
}
