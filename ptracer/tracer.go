//go:build linux
// +build linux

// Package ptracer 实现了确定性执行监督器的核心事件循环。
// 它通过 ptrace 附加到目标进程及其所有后代，消费内核级系统调用
// 过滤器产生的通知，并在系统调用执行前后把控制权交给处理器，
// 由处理器改写参数或返回值来消除不确定性来源。
package ptracer

// Verbosity 级别
const (
	// VerboseQuiet 不输出任何调试信息
	VerboseQuiet = 0
	// VerboseEvent 输出事件级别的调试信息
	VerboseEvent = 1
	// VerboseReturns 强制每个系统调用都进入 post-hook，
	// 以便在调试输出中看到返回值
	VerboseReturns = 4
)

// Tracer 定义了一个确定性执行监督器实例
type Tracer struct {
	Handler
	Runner
	Registry

	// Verbosity 控制调试输出的详细程度
	// 达到 VerboseReturns 时所有系统调用都会进入 post-hook
	Verbosity int
}

// Runner 表示进程运行器
type Runner interface {
	// Start 启动子进程并返回 pid 和错误（如果失败）
	// 子进程应该启用 ptrace 并在 execve 处于停止状态，
	// 且在 execve 之前已经安装好系统调用过滤器
	Start() (int, error)
}

// Handler 定义了监督器的调试输出接口
type Handler interface {
	// Debug 在调试模式下打印调试信息
	Debug(v ...interface{})
}

// Registry 把系统调用号映射到两阶段处理器。
// 过滤器和注册表必须保持同步：过滤器只通知注册表里有的调用，
// 注册表缺失的调用号是配置错误
type Registry interface {
	// Lookup 返回系统调用号对应的处理器
	// 未注册的调用号返回 ConfigError
	Lookup(sysno uint) (Syscall, error)

	// Name 返回系统调用号的可读名称，仅用于日志
	Name(sysno uint) string
}

// Syscall 是单个被拦截系统调用的两阶段处理器。
// Pre 在内核执行调用之前运行，Post 在内核完成调用之后运行。
// 处理器自身不保存跨调用状态，每个被跟踪进程的状态通过 State 传入
type Syscall interface {
	// Pre 在系统调用执行前检查或改写寄存器
	// 返回 true 表示还需要 post-hook
	Pre(s *State, ctx *Context) (bool, error)

	// Post 在系统调用完成后检查或改写返回值和输出内存
	Post(s *State, ctx *Context) error
}
