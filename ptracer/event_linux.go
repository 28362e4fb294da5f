package ptracer

import (
	unix "golang.org/x/sys/unix"
)

// ptraceEvent 是等待状态分类后的封闭事件集合
type ptraceEvent int

const (
	// eventExited 被跟踪进程正常退出
	eventExited ptraceEvent = iota
	// eventExec 进程执行了新程序
	eventExec
	// eventClone 进程执行了 clone（线程式克隆）
	eventClone
	// eventVfork 进程执行了 vfork
	eventVfork
	// eventFork 进程执行了 fork（带 SIGCHLD 的 clone 也报告为 fork）
	eventFork
	// eventSeccomp 内核过滤器拦截了一个系统调用（pre-hook 时机）
	eventSeccomp
	// eventSyscall 常规的系统调用入口/出口停止（post-hook 时机）
	eventSyscall
	// eventSignal 进程因信号停止
	eventSignal
	// eventTerminated 进程被信号杀死
	eventTerminated
)

var eventString = []string{
	"exited",
	"exec",
	"clone",
	"vfork",
	"fork",
	"seccomp",
	"syscall",
	"signal",
	"terminated",
}

func (e ptraceEvent) String() string {
	i := int(e)
	if i >= 0 && i < len(eventString) {
		return eventString[i]
	}
	return "unknown"
}

// syscallStopSig 是系统调用停止的信号值：SIGTRAP 的高位被
// PTRACE_O_TRACESYSGOOD 风格的约定置位（见 ptrace(2)）
const syscallStopSig = int(unix.SIGTRAP) | 0x80

/*
	classify 把一个等待状态归入封闭的事件集合。

判定按固定顺序进行：
 1. 正常退出
 2. SIGTRAP 携带的 ptrace 事件停止（exec/clone/vfork/fork/过滤器通知）
 3. 系统调用入口/出口停止
 4. 其他信号停止
 5. 被信号终止

配置的选项之外的停止类型（ptrace-event-stop、ptrace-event-exit）
说明协议已经乱了，视为致命错误
*/
func classify(pid int, wstatus unix.WaitStatus) (ptraceEvent, error) {
	switch {
	case wstatus.Exited():
		return eventExited, nil

	case wstatus.Stopped():
		// 停止原因里的 ptrace 事件编码在状态的第三个字节
		event := int(wstatus) >> 16 & 0xff
		switch event {
		case unix.PTRACE_EVENT_EXEC:
			return eventExec, nil
		case unix.PTRACE_EVENT_CLONE:
			return eventClone, nil
		case unix.PTRACE_EVENT_VFORK:
			return eventVfork, nil
		case unix.PTRACE_EVENT_FORK:
			return eventFork, nil
		case unix.PTRACE_EVENT_SECCOMP:
			return eventSeccomp, nil
		case unix.PTRACE_EVENT_STOP:
			return 0, &ProtocolError{Pid: pid, Msg: "unexpected ptrace event stop"}
		case unix.PTRACE_EVENT_EXIT:
			return 0, &ProtocolError{Pid: pid, Msg: "unexpected ptrace event exit"}
		}
		if int(wstatus.StopSignal()) == syscallStopSig {
			return eventSyscall, nil
		}
		return eventSignal, nil

	case wstatus.Signaled():
		return eventTerminated, nil
	}
	return 0, &ProtocolError{Pid: pid, Msg: "unknown wait status"}
}

// eventSource 把恢复运行和等待下一次内核通知组合成
// 系统里唯一的阻塞调用
type eventSource struct {
	k kernel
}

/*
	next 恢复 resumePid 并阻塞等待任意被跟踪进程的下一个事件。

如果 wantPostHook 为真，以系统调用边界模式恢复（这样才能拿到
post-hook 停止），否则以普通模式恢复；sig 随恢复投递给进程。

返回实际停止的进程号（不一定是 resumePid）、分类后的事件
和原始等待状态
*/
func (s *eventSource) next(resumePid int, wantPostHook bool, sig int) (int, ptraceEvent, unix.WaitStatus, error) {
	mode := modeCont
	if wantPostHook {
		mode = modeSyscall
	}
	if err := s.k.Resume(resumePid, mode, sig); err != nil {
		return 0, 0, 0, err
	}
	return s.wait()
}

// wait 只等待不恢复，用于 spawn 对账时收割已经自行停下的事件
func (s *eventSource) wait() (int, ptraceEvent, unix.WaitStatus, error) {
	pid, wstatus, err := s.k.Wait(-1)
	if err != nil {
		return 0, 0, 0, err
	}
	event, err := classify(pid, wstatus)
	if err != nil {
		return pid, 0, wstatus, err
	}
	return pid, event, wstatus, nil
}
