package ptracer

import (
	"syscall"

	unix "golang.org/x/sys/unix"
)

// resumeMode 是恢复被跟踪进程的方式
type resumeMode int

const (
	// modeCont 恢复运行直到下一个过滤器通知或其他停止
	// 对应 PTRACE_CONT
	modeCont resumeMode = iota
	// modeSyscall 恢复运行直到下一个系统调用边界停止
	// 对应 PTRACE_SYSCALL，用于拿到 post-hook 机会
	modeSyscall
)

/*
	kernel 是对内核跟踪原语的薄抽象。

监督器循环只通过这个接口驱动 ptrace 和 wait，这样事件循环本身
可以用脚本化的假实现来测试（模拟任意事件顺序，包括 spawn 竞争）。

所有方法的失败都是致命的：ptrace 错误没有可恢复的情形。
*/
type kernel interface {
	// Resume 恢复一个处于停止状态的被跟踪进程，
	// 同时向它投递 sig 信号（0 表示不投递）
	Resume(pid int, mode resumeMode, sig int) error

	// GetRegs 读取被跟踪进程的寄存器
	GetRegs(pid int, regs *syscall.PtraceRegs) error

	// SetRegs 写回被跟踪进程的寄存器
	SetRegs(pid int, regs *syscall.PtraceRegs) error

	// EventMsg 读取 ptrace 事件消息：
	// fork/vfork/clone 事件时是新子进程的 pid，
	// 过滤器通知时是过滤器记录的真实系统调用号
	EventMsg(pid int) (uint64, error)

	// SetOptions 为被跟踪进程启用 clone/fork/vfork/exec
	// 和过滤器驱动的停止事件。必须在首次附加后立刻调用一次。
	// 这些选项会被后代进程自动继承
	SetOptions(pid int) error

	// Wait 阻塞等待进程状态变化。pid 为 -1 时等待任意子进程，
	// 返回实际停止的进程号和等待状态
	Wait(pid int) (int, unix.WaitStatus, error)
}

// linuxKernel 是 kernel 的唯一生产实现
type linuxKernel struct{}

func (linuxKernel) Resume(pid int, mode resumeMode, sig int) error {
	var err error
	if mode == modeSyscall {
		err = unix.PtraceSyscall(pid, sig)
	} else {
		err = unix.PtraceCont(pid, sig)
	}
	if err != nil {
		return &OsError{Op: "ptrace_resume", Pid: pid, Err: err}
	}
	return nil
}

func (linuxKernel) GetRegs(pid int, regs *syscall.PtraceRegs) error {
	if err := syscall.PtraceGetRegs(pid, regs); err != nil {
		return &OsError{Op: "ptrace_getregs", Pid: pid, Err: err}
	}
	return nil
}

func (linuxKernel) SetRegs(pid int, regs *syscall.PtraceRegs) error {
	if err := syscall.PtraceSetRegs(pid, regs); err != nil {
		return &OsError{Op: "ptrace_setregs", Pid: pid, Err: err}
	}
	return nil
}

func (linuxKernel) EventMsg(pid int) (uint64, error) {
	msg, err := unix.PtraceGetEventMsg(pid)
	if err != nil {
		return 0, &OsError{Op: "ptrace_geteventmsg", Pid: pid, Err: err}
	}
	return uint64(msg), nil
}

// SetOptions 设置 ptrace 选项
// 注意没有 PTRACE_O_TRACEEXIT：退出通过 wait 状态观察，
// ptrace-event-exit 停止不在预期的事件集合内。
// TRACESYSGOOD 让系统调用停止的信号值带上 0x80 高位（见 syscallStopSig）
func (linuxKernel) SetOptions(pid int) error {
	if err := unix.PtraceSetOptions(pid, unix.PTRACE_O_EXITKILL|
		unix.PTRACE_O_TRACECLONE|unix.PTRACE_O_TRACEFORK|unix.PTRACE_O_TRACEVFORK|
		unix.PTRACE_O_TRACEEXEC|unix.PTRACE_O_TRACESECCOMP|unix.PTRACE_O_TRACESYSGOOD); err != nil {
		return &OsError{Op: "ptrace_setoptions", Pid: pid, Err: err}
	}
	return nil
}

func (linuxKernel) Wait(pid int) (int, unix.WaitStatus, error) {
	var wstatus unix.WaitStatus
	for {
		wpid, err := unix.Wait4(pid, &wstatus, unix.WALL, nil)
		if err == unix.EINTR {
			// 等待被信号中断，继续等待
			continue
		}
		if err != nil {
			return 0, wstatus, &OsError{Op: "wait4", Pid: pid, Err: err}
		}
		return wpid, wstatus, nil
	}
}
