package ptracer

import (
	"errors"
	"fmt"

	"github.com/zqzqsb/determ/runner"
)

// 监督器的错误分类。所有错误都是致命的：一旦某个不变量被破坏，
// 被跟踪进程的状态机没有安全的恢复方式，监督器直接中止整个会话

// OsError 表示 ptrace 或 wait 系统调用失败
type OsError struct {
	Op  string // 失败的操作，如 "ptrace_cont"、"wait4"
	Pid int    // 相关的进程号
	Err error  // 底层错误
}

func (e *OsError) Error() string {
	return fmt.Sprintf("os error: %s: pid %d: %v", e.Op, e.Pid, e.Err)
}

func (e *OsError) Unwrap() error {
	return e.Err
}

// ProtocolError 表示内核事件不符合预期的协议：
// 未预期的停止类型，或 wait 返回了无法对账的进程号
type ProtocolError struct {
	Pid int
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: pid %d: %s", e.Pid, e.Msg)
}

// ConfigError 表示过滤器和处理器注册表不一致：
// 系统调用号没有对应的处理器，或过滤器用哨兵值报告缺失规则
type ConfigError struct {
	Pid   int
	Sysno uint
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: pid %d: syscall %d: %s", e.Pid, e.Sysno, e.Msg)
}

// BugError 表示运行时检测到内部不变量被破坏
type BugError struct {
	Pid int
	Msg string
}

func (e *BugError) Error() string {
	return fmt.Sprintf("bug: pid %d: %s", e.Pid, e.Msg)
}

// statusOf 把监督器错误映射为结果状态
func statusOf(err error) runner.Status {
	var (
		pe *ProtocolError
		ce *ConfigError
	)
	switch {
	case errors.As(err, &pe):
		return runner.StatusProtocolError
	case errors.As(err, &ce):
		return runner.StatusConfigError
	default:
		// OsError、BugError 和其他一切都算运行器错误
		return runner.StatusRunnerError
	}
}
