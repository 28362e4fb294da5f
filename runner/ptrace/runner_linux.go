// Package ptrace 提供了确定性执行的运行配置。
// 它把处理器注册表、内核过滤器、进程启动器和监督器装配在一起
package ptrace

import (
	"github.com/zqzqsb/determ/handler"
	"github.com/zqzqsb/determ/pkg/rlimit"
)

// Runner 定义了确定性运行一个程序的规范
type Runner struct {
	// Args 定义子进程的命令行参数
	// 格式：[程序名, 参数1, 参数2, ...]
	Args []string

	// Env 定义子进程的环境变量
	// 确定性运行通常传入固定的环境
	Env []string

	// WorkDir 定义子进程的工作目录
	// 如果为空，则继承当前目录
	WorkDir string

	// ExecFile 是要执行的文件的文件描述符
	// 非零时通过 execveat 执行，不暴露文件路径
	ExecFile uintptr

	// Files 定义了子进程的文件描述符映射
	// 例如：Files[0] 对应标准输入，Files[1] 对应标准输出
	Files []uintptr

	// RLimits 定义了通过 setrlimit 设置的资源限制
	RLimits []rlimit.RLimit

	// Registry 是系统调用处理器注册表
	// 为空时使用默认的确定性策略；内核过滤器的拦截列表
	// 由注册表导出，两者始终同步
	Registry *handler.Registry

	// ShowDetails 控制是否显示详细的调试信息
	ShowDetails bool

	// Verbosity 传给监督器的详细程度
	// 达到 ptracer.VerboseReturns 时每个调用都会进入 post-hook
	Verbosity int

	// SyncFunc 在子进程 execve 之前调用，参数是子进程的 PID
	SyncFunc func(pid int) error
}
