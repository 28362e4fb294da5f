package ptracer

import (
	"context"
	"fmt"
	"runtime"
	"syscall"
	"time"

	unix "golang.org/x/sys/unix"

	"github.com/zqzqsb/determ/pkg/seccomp"
	"github.com/zqzqsb/determ/runner"
)

/*
	Trace 启动目标进程并对它和所有后代做确定性监督

Trace 在当前 goroutine 中启动一个被跟踪进程并进入事件循环。
过滤器通知驱动 pre-hook，系统调用出口停止驱动 post-hook，
处理器在这两个时机改写参数和返回值。

实现细节：
 1. 锁定当前线程以确保 ptrace 操作的稳定性
 2. 通过 Runner 接口启动目标进程（已安装过滤器、已 TRACEME）
 3. 等待初始停止并设置跟踪选项
 4. 进入监督循环直到进程树全部结束

注意事项：
 1. ptrace 以线程为单位，整个跟踪过程必须保持线程锁定
 2. 结果里的 ExitStatus 是初始进程的退出状态
*/
func (t *Tracer) Trace(c context.Context) (result runner.Result) {
	// ptrace 是基于线程的（内核进程）
	// Goroutine 1 -----> OS Thread 1  -----> Child Process
	//                   (locked)            (being traced)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// 启动运行器(子进程)
	pgid, err := t.Runner.Start()
	t.Handler.Debug("tracer started:", pgid, err)
	if err != nil {
		t.Handler.Debug("failed to start traced process:", err)
		result.Status = runner.StatusRunnerError
		result.Error = err.Error()
		return
	}
	return t.trace(c, pgid)
}

func (t *Tracer) trace(c context.Context, pgid int) (result runner.Result) {
	// 创建可取消的子上下文，当上下文被取消时终止整个进程组
	cc, cancel := context.WithCancel(c)
	defer cancel()
	go func() {
		<-cc.Done()
		killAll(pgid)
	}()

	// 记录开始时间，用于计算设置时间和运行时间
	sTime := time.Now()
	ph := newPtraceHandle(t, linuxKernel{}, pgid, oldSyscallProtocol())

	defer func() {
		if err := recover(); err != nil {
			t.Handler.Debug("panic occurred:", err)
			result.Status = runner.StatusRunnerError
			result.Error = fmt.Sprintf("%v", err)
		}
		// 清理所有进程并回收僵尸
		killAll(pgid)
		collectZombie(pgid)
		if !ph.fTime.IsZero() {
			result.SetUpTime = ph.fTime.Sub(sTime)
			result.RunningTime = time.Since(ph.fTime)
		}
	}()

	// 等待初始进程到达第一次停止并完成附加
	if err := ph.attachInitial(); err != nil {
		t.Handler.Debug("failed to attach initial process:", err)
		result.Status = statusOf(err)
		result.Error = err.Error()
		return
	}
	ph.fTime = time.Now()

	if err := ph.run(); err != nil {
		t.Handler.Debug("supervision aborted:", err)
		result.Status = statusOf(err)
		result.Error = err.Error()
		return
	}
	return ph.result()
}

/*
字段说明：
  *Tracer: 嵌入的监督器对象，继承其调试输出和处理器注册表
  k / src: 内核跟踪原语和阻塞事件源
  pgid: 初始进程号，同时是进程组 ID
  states: 被跟踪进程表，每个存活的进程恰好一条记录
  processHier: 父进程号栈，编码"子进程先运行到结束"的调度策略
  nextPid / currentPid: 下一轮要恢复的进程和上一轮停止的进程
  wantPostHook: 下一次恢复是否要在系统调用边界停下
  exitLoop: 循环终止标志
  oldKernel: 旧内核（< 4.8）的系统调用入口协议标志
*/
type ptraceHandle struct {
	*Tracer
	k   kernel
	src *eventSource

	pgid   int
	states map[int]*State

	processHier  []int
	nextPid      int
	currentPid   int
	wantPostHook bool
	exitLoop     bool
	oldKernel    bool

	// 初始进程的结束方式
	exited     bool
	signaled   bool
	exitStatus int

	fTime time.Time
}

func newPtraceHandle(t *Tracer, k kernel, pgid int, oldKernel bool) *ptraceHandle {
	return &ptraceHandle{
		Tracer:     t,
		k:          k,
		src:        &eventSource{k: k},
		pgid:       pgid,
		states:     make(map[int]*State),
		nextPid:    pgid,
		currentPid: pgid,
		oldKernel:  oldKernel,
	}
}

// attachInitial 等待初始进程的第一次停止并设置跟踪选项。
// 选项只需要在这里设置一次：后代进程通过 TRACECLONE/TRACEFORK/
// TRACEVFORK 自动继承
func (ph *ptraceHandle) attachInitial() error {
	wpid, wstatus, err := ph.k.Wait(ph.pgid)
	if err != nil {
		return err
	}
	if wpid != ph.pgid {
		return &ProtocolError{Pid: wpid, Msg: "initial wait returned unexpected pid"}
	}
	if !wstatus.Stopped() {
		return &ProtocolError{Pid: wpid, Msg: "initial process did not stop"}
	}
	if err := ph.k.SetOptions(ph.pgid); err != nil {
		return err
	}
	ph.states[ph.pgid] = NewState(ph.pgid)
	ph.Debug("start tracing process:", ph.pgid, "old kernel protocol:", ph.oldKernel)
	return nil
}

// run 是监督器的主循环：恢复 nextPid，等待任意进程的下一个事件，
// 按事件种类分发，直到进程层级清空
func (ph *ptraceHandle) run() error {
	for !ph.exitLoop {
		st, ok := ph.states[ph.nextPid]
		if !ok {
			return &BugError{Pid: ph.nextPid, Msg: "resume target has no tracee record"}
		}
		// 取出并清空待投递的信号，随本次恢复交给进程
		sig := st.signalToDeliver
		st.signalToDeliver = 0

		pid, event, wstatus, err := ph.src.next(ph.nextPid, ph.wantPostHook, sig)
		if err != nil {
			return err
		}
		ph.currentPid = pid
		ph.nextPid = pid
		ph.Debug("------ process:", pid, "event:", event, "------")

		switch event {
		case eventSeccomp:
			// 过滤器通知：pre-hook 的时机
			callPostHook, err := ph.handleSeccomp()
			if err != nil {
				return err
			}
			ph.wantPostHook = callPostHook

		case eventSyscall:
			if err := ph.handleSyscallStop(); err != nil {
				return err
			}

		case eventFork, eventVfork:
			// spawn 已经在父进程的 pre-hook 里对账完毕，这里无事可做
			ph.Debug("process fork/vfork event:", pid)

		case eventClone:
			// 不经过被拦截的 clone 调用的克隆（如 clone3）：
			// 新任务在它的第一个事件里由 stateOf 建档
			ph.Debug("process clone event:", pid)

		case eventExec:
			ph.Debug("process exec event:", pid)

		case eventSignal:
			// 记下信号，下一次恢复该进程时投递
			ph.handleSignal(pid, int(wstatus.StopSignal()))

		case eventExited:
			ph.Debug("process exited:", pid, "status:", wstatus.ExitStatus())
			if pid == ph.pgid {
				ph.exited = true
				ph.exitStatus = wstatus.ExitStatus()
			}
			ph.handleExit()

		case eventTerminated:
			ph.Debug("process terminated by signal:", pid, "signal:", int(wstatus.Signal()))
			if pid == ph.pgid {
				ph.signaled = true
				ph.exitStatus = int(wstatus.Signal())
			}
			ph.handleExit()

		default:
			return &ProtocolError{Pid: pid, Msg: "unhandled event kind"}
		}
	}
	return nil
}

// stateOf 返回进程的记录，首次见到的进程（线程式克隆的新任务）
// 在这里惰性建档
func (ph *ptraceHandle) stateOf(pid int) *State {
	st, ok := ph.states[pid]
	if !ok {
		st = NewState(pid)
		ph.states[pid] = st
		ph.Debug("start tracing process:", pid)
	}
	return st
}

/*
	handleSeccomp 处理过滤器通知

事件消息里是过滤器记录的真实系统调用号。哨兵值表示过滤器
对这个调用没有规则——过滤器和注册表失配，这是配置错误。
否则读取寄存器进入 pre-hook。

返回值表示接下来是否要以系统调用边界模式恢复（post-hook）
*/
func (ph *ptraceHandle) handleSeccomp() (bool, error) {
	pid := ph.currentPid
	msg, err := ph.k.EventMsg(pid)
	if err != nil {
		return false, err
	}

	ctx, err := ph.readContext(pid)
	if err != nil {
		return false, err
	}

	if msg == seccomp.MsgNoRule {
		// 取真实的系统调用号放进报错信息
		return false, &ConfigError{Pid: pid, Sysno: ctx.SyscallNo(),
			Msg: "no filter rule for system call"}
	}

	return ph.handlePreSystemCall(ph.stateOf(pid), ctx, uint(msg))
}

/*
	handlePreSystemCall 运行一次 pre-hook

流程：
 1. 推进该进程的逻辑时钟
 2. 查注册表得到处理器并存入进程记录
 3. 调用处理器的 Pre，记住它是否还要 post-hook
 4. spawn 系统调用（fork/vfork/clone）特殊处理：内核的 fork
    事件停止马上就要到了，绝不能进入 post-hook 模式，否则事件
    会被误读。立刻做 spawn 对账，并强制不要 post-hook
 5. 旧内核上过滤器通知之后还会多出一次系统调用入口停止，
    标记 isPreExit 以便识别丢弃，并且总是请求 post-hook 模式，
    这样后续的系统调用停止才会被投递
*/
func (ph *ptraceHandle) handlePreSystemCall(st *State, ctx *Context, sysno uint) (bool, error) {
	t := st.AdvanceTime()
	name := ph.Registry.Name(sysno)
	ph.Debug(fmt.Sprintf("[time %d][pid %d] intercepted %s (#%d)", t, st.pid, name, sysno))

	if st.syscall != nil {
		return false, &BugError{Pid: st.pid, Msg: "pre-hook while already mid-syscall"}
	}
	h, err := ph.Registry.Lookup(sysno)
	if err != nil {
		return false, err
	}
	st.syscall = h

	callPostHook, err := h.Pre(st, ctx)
	if err != nil {
		return false, err
	}
	if err := ph.flushRegs(ctx); err != nil {
		return false, err
	}

	if ph.oldKernel {
		// 下一个事件会是多余的系统调用入口停止
		st.isPreExit = true
	}

	if sysno == unix.SYS_FORK || sysno == unix.SYS_VFORK || sysno == unix.SYS_CLONE {
		if err := ph.handleFork(st); err != nil {
			return false, err
		}
		// spawn 不进入 post-hook
		st.syscall = nil
		return false, nil
	}

	if ph.oldKernel {
		return true, nil
	}
	if ph.Verbosity >= VerboseReturns {
		return true, nil
	}
	if !callPostHook {
		st.syscall = nil
	}
	return callPostHook, nil
}

// handleSyscallStop 处理系统调用边界停止。
// 旧内核上第一次是多余的入口停止，识别后直接丢弃；
// 否则这就是 post-hook 的时机
func (ph *ptraceHandle) handleSyscallStop() error {
	pid := ph.currentPid
	st, ok := ph.states[pid]
	if !ok {
		return &ProtocolError{Pid: pid, Msg: "syscall stop from unknown tracee"}
	}

	if st.isPreExit {
		// 多余的入口停止：pre-hook 的工作在过滤器通知时已经做完。
		// 保持系统调用边界模式，真正的出口停止才会被投递
		st.isPreExit = false
		ph.wantPostHook = true
		return nil
	}

	if st.syscall == nil {
		return &BugError{Pid: pid, Msg: "post-hook without matching pre-hook"}
	}
	ctx, err := ph.readContext(pid)
	if err != nil {
		return err
	}
	ph.Debug("[pid", pid, "] return value before post-hook:", ctx.ReturnValue())

	if err := st.syscall.Post(st, ctx); err != nil {
		return err
	}
	if err := ph.flushRegs(ctx); err != nil {
		return err
	}
	ph.Debug("[pid", pid, "] return value after post-hook:", ctx.ReturnValue())

	st.syscall = nil
	ph.wantPostHook = false
	return nil
}

/*
	handleFork 做 spawn 对账

内核不保证父进程的 fork 事件和子进程的首次信号停止谁先到达，
两种顺序都必须接受：

 1. fork 事件先到：读事件消息得到子进程号，建档入栈，然后显式
    等待子进程到达初始停止，并校验等到的确实是它
 2. 子进程的信号停止先到：先消费掉这个停止，再等待父进程的
    fork 事件，之后同上（子进程已经停着，无需再等）

对账之后把 nextPid 切到子进程：子进程先运行到结束
*/
func (ph *ptraceHandle) handleFork(parent *State) error {
	ppid := parent.pid

	if ph.oldKernel {
		// 先消费 spawn 系统调用自己的入口停止
		pid, event, _, err := ph.src.next(ppid, true, 0)
		if err != nil {
			return err
		}
		if pid != ppid || event != eventSyscall {
			return &ProtocolError{Pid: pid, Msg: "expected redundant entry stop before fork event"}
		}
		parent.isPreExit = false
	}

	pid, event, _, err := ph.src.next(ppid, false, 0)
	if err != nil {
		return err
	}

	var child int
	switch {
	case (event == eventFork || event == eventVfork) && pid == ppid:
		// fork 事件先到
		ph.Debug("[pid", ppid, "] fork event came before child stop")
		child, err = ph.handleForkEvent(ppid)
		if err != nil {
			return err
		}
		// 等待子进程准备好被跟踪
		wpid, _, werr := ph.k.Wait(child)
		if werr != nil {
			return werr
		}
		if wpid != child {
			return &ProtocolError{Pid: wpid, Msg: "wait returned unexpected pid for new child"}
		}
		ph.Debug("child ready:", child)

	case event == eventSignal:
		// 子进程的首次信号停止先到
		ph.Debug("[pid", pid, "] child stop came before fork event")
		child, err = ph.handleForkSignal()
		if err != nil {
			return err
		}

	default:
		return &ProtocolError{Pid: pid, Msg: "expected fork event or child stop after spawn"}
	}

	// 调度策略：让子进程先运行到结束
	ph.nextPid = child
	return nil
}

// handleForkEvent 读取事件消息得到新子进程号，把父进程压入
// 层级栈并为子进程建档
func (ph *ptraceHandle) handleForkEvent(ppid int) (int, error) {
	msg, err := ph.k.EventMsg(ppid)
	if err != nil {
		return 0, err
	}
	child := int(msg)
	ph.processHier = append(ph.processHier, ppid)
	ph.states[child] = NewState(child)
	ph.Debug("added process", child, "to tracee table")
	return child, nil
}

// handleForkSignal 在子进程停止先到的顺序里，继续等待父进程的
// fork 事件再完成建档
func (ph *ptraceHandle) handleForkSignal() (int, error) {
	wpid, event, _, err := ph.src.wait()
	if err != nil {
		return 0, err
	}
	if event != eventFork && event != eventVfork {
		return 0, &ProtocolError{Pid: wpid, Msg: "expected fork or vfork event after child stop"}
	}
	return ph.handleForkEvent(wpid)
}

// handleSignal 记录要转发的信号。监督器收到的信号总是重新排队，
// 在该进程下一次恢复时投递，且至多投递一次
func (ph *ptraceHandle) handleSignal(pid int, sig int) {
	st := ph.stateOf(pid)
	st.signalToDeliver = sig
	ph.Debug("[pid", pid, "] received signal:", sig, "- forwarding on next resume")
}

// handleExit 处理一个进程的终结事件：销档，然后从层级栈弹出
// 父进程作为下一个恢复对象；栈空则整个进程树都结束了
func (ph *ptraceHandle) handleExit() {
	delete(ph.states, ph.currentPid)
	if len(ph.processHier) == 0 {
		// 所有进程都已结束
		ph.exitLoop = true
		return
	}
	ph.nextPid = ph.processHier[len(ph.processHier)-1]
	ph.processHier = ph.processHier[:len(ph.processHier)-1]
}

// readContext 读取进程当前的寄存器上下文
func (ph *ptraceHandle) readContext(pid int) (*Context, error) {
	var regs syscall.PtraceRegs
	if err := ph.k.GetRegs(pid, &regs); err != nil {
		return nil, err
	}
	return &Context{Pid: pid, regs: regs}, nil
}

// flushRegs 把处理器改写过的寄存器写回进程
func (ph *ptraceHandle) flushRegs(ctx *Context) error {
	if !ctx.dirty {
		return nil
	}
	ctx.dirty = false
	return ph.k.SetRegs(ctx.Pid, &ctx.regs)
}

// result 把初始进程的结束方式映射为运行结果
func (ph *ptraceHandle) result() (result runner.Result) {
	switch {
	case ph.signaled:
		result.Status = runner.StatusSignalled
		result.ExitStatus = ph.exitStatus
		result.Error = fmt.Sprintf("process killed by signal %d", ph.exitStatus)
	case ph.exited && ph.exitStatus != 0:
		result.Status = runner.StatusNonzeroExitStatus
		result.ExitStatus = ph.exitStatus
	default:
		result.Status = runner.StatusNormal
	}
	return
}

// oldSyscallProtocol 判断运行中的内核是否使用旧的入口协议：
// 4.8 之前的内核在过滤器通知之后还会产生一次多余的系统调用
// 入口停止
func oldSyscallProtocol() bool {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return false
	}
	var major, minor int
	release := uts.Release[:]
	// Release 是以零结尾的字节数组，形如 "5.15.0-91-generic"
	end := 0
	for end < len(release) && release[end] != 0 {
		end++
	}
	fmt.Sscanf(string(release[:end]), "%d.%d", &major, &minor)
	return major < 4 || (major == 4 && minor < 8)
}

// killAll 根据进程组 ID 终止所有被跟踪的进程
func killAll(pgid int) {
	unix.Kill(-pgid, unix.SIGKILL)
}

// collectZombie 收集已终止的子进程
func collectZombie(pgid int) {
	var wstatus unix.WaitStatus
	for {
		// 等待进程组 pgid 内的任何子进程，不阻塞
		pid, err := unix.Wait4(-pgid, &wstatus, unix.WALL|unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
	}
}
