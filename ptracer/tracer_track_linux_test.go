package ptracer

import (
	"errors"
	"syscall"
	"testing"

	unix "golang.org/x/sys/unix"

	"github.com/zqzqsb/determ/runner"
)

// 构造各种等待状态，布局见 wait(2)：
// 正常退出：code << 8
// 被信号杀死：sig
// 信号停止：sig<<8 | 0x7f
// ptrace 事件停止：event<<16 | SIGTRAP<<8 | 0x7f

func wsExited(code int) unix.WaitStatus {
	return unix.WaitStatus(code << 8)
}

func wsSignaled(sig int) unix.WaitStatus {
	return unix.WaitStatus(sig)
}

func wsStopped(sig int) unix.WaitStatus {
	return unix.WaitStatus(sig<<8 | 0x7f)
}

func wsSyscall() unix.WaitStatus {
	return wsStopped(syscallStopSig)
}

func wsEvent(event int) unix.WaitStatus {
	return unix.WaitStatus(event<<16 | int(unix.SIGTRAP)<<8 | 0x7f)
}

// resumeRecord 记录一次恢复：进程号、模式和投递的信号
type resumeRecord struct {
	pid  int
	mode resumeMode
	sig  int
}

// waitStep 是脚本化等待队列中的一项
type waitStep struct {
	pid    int
	status unix.WaitStatus
}

// fakeKernel 按脚本回放内核事件，驱动监督循环的测试
type fakeKernel struct {
	t *testing.T

	waits []waitStep // Wait 依次返回的事件
	msgs  []uint64   // EventMsg 依次返回的消息

	resumes []resumeRecord // 记录下的恢复调用
	regs    syscall.PtraceRegs
}

func (k *fakeKernel) Resume(pid int, mode resumeMode, sig int) error {
	k.resumes = append(k.resumes, resumeRecord{pid: pid, mode: mode, sig: sig})
	return nil
}

func (k *fakeKernel) GetRegs(pid int, regs *syscall.PtraceRegs) error {
	*regs = k.regs
	return nil
}

func (k *fakeKernel) SetRegs(pid int, regs *syscall.PtraceRegs) error {
	return nil
}

func (k *fakeKernel) EventMsg(pid int) (uint64, error) {
	if len(k.msgs) == 0 {
		k.t.Fatalf("EventMsg called with empty message queue")
	}
	msg := k.msgs[0]
	k.msgs = k.msgs[1:]
	return msg, nil
}

func (k *fakeKernel) SetOptions(pid int) error {
	return nil
}

func (k *fakeKernel) Wait(pid int) (int, unix.WaitStatus, error) {
	if len(k.waits) == 0 {
		k.t.Fatalf("Wait called with empty event queue")
	}
	step := k.waits[0]
	k.waits = k.waits[1:]
	return step.pid, step.status, nil
}

// recHandler 记录 pre/post 调用和每次 pre 观察到的逻辑时间
type recHandler struct {
	wantPost bool
	pre      int
	post     int
	times    []uint64
}

func (h *recHandler) Pre(s *State, ctx *Context) (bool, error) {
	h.pre++
	h.times = append(h.times, s.LogicalTime())
	return h.wantPost, nil
}

func (h *recHandler) Post(s *State, ctx *Context) error {
	h.post++
	return nil
}

// fakeRegistry 把调用号映射到固定的记录处理器
type fakeRegistry struct {
	handlers map[uint]*recHandler
}

func (r *fakeRegistry) Lookup(sysno uint) (Syscall, error) {
	h, ok := r.handlers[sysno]
	if !ok {
		return nil, &ConfigError{Sysno: sysno, Msg: "missing case for system call"}
	}
	return h, nil
}

func (r *fakeRegistry) Name(sysno uint) string {
	return "syscall"
}

type testDebug struct {
	t *testing.T
}

func (d testDebug) Debug(v ...interface{}) {
	d.t.Log(v...)
}

// newTestHandle 构造由假内核驱动的监督句柄，初始进程已建档
func newTestHandle(t *testing.T, k *fakeKernel, reg Registry, pgid int, oldKernel bool) *ptraceHandle {
	tracer := &Tracer{
		Handler:  testDebug{t: t},
		Registry: reg,
	}
	ph := newPtraceHandle(tracer, k, pgid, oldKernel)
	ph.states[pgid] = NewState(pgid)
	return ph
}

// TestSingleProcess 单进程：一次拦截的系统调用，正常退出
func TestSingleProcess(t *testing.T) {
	h := &recHandler{wantPost: true}
	reg := &fakeRegistry{handlers: map[uint]*recHandler{unix.SYS_GETPID: h}}
	k := &fakeKernel{
		t: t,
		waits: []waitStep{
			{100, wsEvent(unix.PTRACE_EVENT_SECCOMP)},
			{100, wsSyscall()},
			{100, wsExited(0)},
		},
		msgs: []uint64{unix.SYS_GETPID},
	}
	ph := newTestHandle(t, k, reg, 100, false)

	if err := ph.run(); err != nil {
		t.Fatalf("run() failed: %v", err)
	}
	if h.pre != 1 || h.post != 1 {
		t.Errorf("hooks = %d pre %d post, want 1 pre 1 post", h.pre, h.post)
	}
	if !ph.exitLoop {
		t.Error("loop did not request exit")
	}
	if len(ph.states) != 0 {
		t.Errorf("tracee table not empty after exit: %v", ph.states)
	}
	if got := ph.result(); got.Status != runner.StatusNormal {
		t.Errorf("result status = %v, want StatusNormal", got.Status)
	}
}

// TestForkChildFirstPolicy 父进程 fork 子进程：
// 子进程先运行到结束，结束后进程表和层级栈都为空
func TestForkChildFirstPolicy(t *testing.T) {
	spawn := &recHandler{}
	getpid := &recHandler{wantPost: true}
	reg := &fakeRegistry{handlers: map[uint]*recHandler{
		unix.SYS_FORK:   spawn,
		unix.SYS_GETPID: getpid,
	}}
	k := &fakeKernel{
		t: t,
		waits: []waitStep{
			{100, wsEvent(unix.PTRACE_EVENT_SECCOMP)}, // fork 的 pre-hook
			{100, wsEvent(unix.PTRACE_EVENT_FORK)},    // fork 事件先到
			{42, wsStopped(int(unix.SIGSTOP))},        // 子进程初始停止
			{42, wsEvent(unix.PTRACE_EVENT_SECCOMP)},  // 子进程 getpid
			{42, wsSyscall()},
			{42, wsExited(0)},
			{100, wsExited(0)},
		},
		msgs: []uint64{unix.SYS_FORK, 42, unix.SYS_GETPID},
	}
	ph := newTestHandle(t, k, reg, 100, false)

	if err := ph.run(); err != nil {
		t.Fatalf("run() failed: %v", err)
	}
	if spawn.pre != 1 || spawn.post != 0 {
		t.Errorf("spawn hooks = %d pre %d post, want 1 pre 0 post", spawn.pre, spawn.post)
	}
	if getpid.pre != 1 || getpid.post != 1 {
		t.Errorf("getpid hooks = %d pre %d post, want 1 pre 1 post", getpid.pre, getpid.post)
	}
	if len(ph.states) != 0 {
		t.Errorf("tracee table not empty after exit: %v", ph.states)
	}
	if len(ph.processHier) != 0 {
		t.Errorf("hierarchy stack not empty after exit: %v", ph.processHier)
	}

	// 子进程的全部恢复都必须发生在父进程退出之前（子先于父）
	lastChild, firstParentAfterSpawn := -1, -1
	for i, r := range k.resumes {
		if r.pid == 42 {
			lastChild = i
		}
		if r.pid == 100 && lastChild >= 0 && firstParentAfterSpawn < 0 {
			firstParentAfterSpawn = i
		}
	}
	if firstParentAfterSpawn >= 0 && firstParentAfterSpawn < lastChild {
		t.Error("parent resumed before child ran to completion")
	}
}

// TestSpawnReconciliation spawn 对账必须接受两种事件顺序
func TestSpawnReconciliation(t *testing.T) {
	tests := []struct {
		name  string
		waits []waitStep
		msgs  []uint64
	}{
		{
			// fork 事件先于子进程的信号停止
			name: "fork_event_first",
			waits: []waitStep{
				{10, wsEvent(unix.PTRACE_EVENT_SECCOMP)},
				{10, wsEvent(unix.PTRACE_EVENT_FORK)},
				{11, wsStopped(int(unix.SIGSTOP))},
				{11, wsEvent(unix.PTRACE_EVENT_SECCOMP)},
				{11, wsSyscall()},
				{11, wsExited(0)},
				{10, wsExited(0)},
			},
			msgs: []uint64{unix.SYS_CLONE, 11, unix.SYS_GETPID},
		},
		{
			// 子进程的信号停止先于 fork 事件
			name: "child_stop_first",
			waits: []waitStep{
				{10, wsEvent(unix.PTRACE_EVENT_SECCOMP)},
				{11, wsStopped(int(unix.SIGSTOP))},
				{10, wsEvent(unix.PTRACE_EVENT_FORK)},
				{11, wsEvent(unix.PTRACE_EVENT_SECCOMP)},
				{11, wsSyscall()},
				{11, wsExited(0)},
				{10, wsExited(0)},
			},
			msgs: []uint64{unix.SYS_CLONE, 11, unix.SYS_GETPID},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spawn := &recHandler{}
			getpid := &recHandler{wantPost: true}
			reg := &fakeRegistry{handlers: map[uint]*recHandler{
				unix.SYS_CLONE:  spawn,
				unix.SYS_GETPID: getpid,
			}}
			k := &fakeKernel{t: t, waits: tt.waits, msgs: tt.msgs}
			ph := newTestHandle(t, k, reg, 10, false)

			if err := ph.run(); err != nil {
				t.Fatalf("run() failed: %v", err)
			}
			if getpid.pre != 1 || getpid.post != 1 {
				t.Errorf("child hooks = %d pre %d post, want 1 pre 1 post",
					getpid.pre, getpid.post)
			}
			if len(ph.states) != 0 {
				t.Errorf("tracee table not empty: %v", ph.states)
			}

			// spawn 之后第一个被恢复的必须是子进程
			// 前两次恢复属于父进程（seccomp 停止和 spawn 对账）
			childResumed := false
			for _, r := range k.resumes[2:] {
				if r.pid == 11 {
					childResumed = true
					break
				}
				if r.pid == 10 && !childResumed {
					t.Error("parent resumed before new child")
					break
				}
			}
		})
	}
}

// TestSpawnWrongChildPid spawn 对账等到的不是新子进程是协议错误
func TestSpawnWrongChildPid(t *testing.T) {
	spawn := &recHandler{}
	reg := &fakeRegistry{handlers: map[uint]*recHandler{unix.SYS_FORK: spawn}}
	k := &fakeKernel{
		t: t,
		waits: []waitStep{
			{100, wsEvent(unix.PTRACE_EVENT_SECCOMP)},
			{100, wsEvent(unix.PTRACE_EVENT_FORK)},
			{43, wsStopped(int(unix.SIGSTOP))}, // 等到了错误的进程
		},
		msgs: []uint64{unix.SYS_FORK, 42},
	}
	ph := newTestHandle(t, k, reg, 100, false)

	err := ph.run()
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("run() = %v, want ProtocolError", err)
	}
}

// TestSignalDelivery 信号在下一次恢复时投递，且只投递一次
func TestSignalDelivery(t *testing.T) {
	read := &recHandler{wantPost: true}
	write := &recHandler{wantPost: true}
	reg := &fakeRegistry{handlers: map[uint]*recHandler{
		unix.SYS_READ:  read,
		unix.SYS_WRITE: write,
	}}
	k := &fakeKernel{
		t: t,
		waits: []waitStep{
			{100, wsEvent(unix.PTRACE_EVENT_SECCOMP)},
			{100, wsSyscall()},
			{100, wsStopped(int(unix.SIGUSR1))},
			{100, wsEvent(unix.PTRACE_EVENT_SECCOMP)},
			{100, wsSyscall()},
			{100, wsExited(0)},
		},
		msgs: []uint64{unix.SYS_READ, unix.SYS_WRITE},
	}
	ph := newTestHandle(t, k, reg, 100, false)

	if err := ph.run(); err != nil {
		t.Fatalf("run() failed: %v", err)
	}

	// 信号事件之后的那一次恢复携带 SIGUSR1，其余恢复不带信号
	var carried []int
	for i, r := range k.resumes {
		if r.sig != 0 {
			carried = append(carried, i)
			if r.sig != int(unix.SIGUSR1) {
				t.Errorf("resume %d carried signal %d, want SIGUSR1", i, r.sig)
			}
		}
	}
	if len(carried) != 1 || carried[0] != 3 {
		t.Errorf("signal carried on resumes %v, want only resume 3", carried)
	}

	// 逻辑时间严格单调递增
	times := append(append([]uint64{}, read.times...), write.times...)
	for i := 1; i < len(times); i++ {
		if times[i] <= times[i-1] {
			t.Errorf("logical time not strictly increasing: %v", times)
		}
	}
}

// TestTerminatedBySignal 进程被信号杀死：直接走退出处理，
// 不会再有 post-hook
func TestTerminatedBySignal(t *testing.T) {
	nano := &recHandler{wantPost: true}
	reg := &fakeRegistry{handlers: map[uint]*recHandler{unix.SYS_NANOSLEEP: nano}}
	k := &fakeKernel{
		t: t,
		waits: []waitStep{
			{100, wsEvent(unix.PTRACE_EVENT_SECCOMP)},
			{100, wsSignaled(int(unix.SIGKILL))},
		},
		msgs: []uint64{unix.SYS_NANOSLEEP},
	}
	ph := newTestHandle(t, k, reg, 100, false)

	if err := ph.run(); err != nil {
		t.Fatalf("run() failed: %v", err)
	}
	if nano.pre != 1 || nano.post != 0 {
		t.Errorf("hooks = %d pre %d post, want 1 pre 0 post", nano.pre, nano.post)
	}
	if len(ph.states) != 0 {
		t.Errorf("tracee table not empty: %v", ph.states)
	}
	result := ph.result()
	if result.ExitStatus != int(unix.SIGKILL) {
		t.Errorf("exit status = %d, want SIGKILL", result.ExitStatus)
	}
}

// TestFilterSentinel 过滤器对没有规则的调用返回哨兵消息，
// 这是配置错误
func TestFilterSentinel(t *testing.T) {
	reg := &fakeRegistry{handlers: map[uint]*recHandler{}}
	k := &fakeKernel{
		t: t,
		waits: []waitStep{
			{100, wsEvent(unix.PTRACE_EVENT_SECCOMP)},
		},
		msgs: []uint64{0x7fff},
	}
	ph := newTestHandle(t, k, reg, 100, false)

	err := ph.run()
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("run() = %v, want ConfigError", err)
	}
}

// TestUnknownSyscall 注册表缺失的调用号是配置错误
func TestUnknownSyscall(t *testing.T) {
	reg := &fakeRegistry{handlers: map[uint]*recHandler{}}
	k := &fakeKernel{
		t: t,
		waits: []waitStep{
			{100, wsEvent(unix.PTRACE_EVENT_SECCOMP)},
		},
		msgs: []uint64{unix.SYS_GETPID},
	}
	ph := newTestHandle(t, k, reg, 100, false)

	err := ph.run()
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("run() = %v, want ConfigError", err)
	}
}

// TestUnexpectedPtraceEvent 配置之外的 ptrace 事件是协议错误
func TestUnexpectedPtraceEvent(t *testing.T) {
	reg := &fakeRegistry{handlers: map[uint]*recHandler{}}
	k := &fakeKernel{
		t: t,
		waits: []waitStep{
			{100, wsEvent(unix.PTRACE_EVENT_EXIT)},
		},
	}
	ph := newTestHandle(t, k, reg, 100, false)

	err := ph.run()
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("run() = %v, want ProtocolError", err)
	}
}

// TestPreHookWhileMidSyscall pre-hook 撞上未完成的系统调用
// 说明状态机内部出了问题
func TestPreHookWhileMidSyscall(t *testing.T) {
	h := &recHandler{wantPost: true}
	reg := &fakeRegistry{handlers: map[uint]*recHandler{unix.SYS_GETPID: h}}
	k := &fakeKernel{
		t: t,
		waits: []waitStep{
			{100, wsEvent(unix.PTRACE_EVENT_SECCOMP)},
			{100, wsEvent(unix.PTRACE_EVENT_SECCOMP)}, // 没有 post-hook 就再次 pre
		},
		msgs: []uint64{unix.SYS_GETPID, unix.SYS_GETPID},
	}
	ph := newTestHandle(t, k, reg, 100, false)

	err := ph.run()
	var be *BugError
	if !errors.As(err, &be) {
		t.Fatalf("run() = %v, want BugError", err)
	}
}

// TestOldKernelProtocol 旧内核：过滤器通知之后的多余入口停止
// 被识别并丢弃，post-hook 照常运行
func TestOldKernelProtocol(t *testing.T) {
	h := &recHandler{wantPost: false} // 处理器不要 post，旧内核协议仍然强制
	reg := &fakeRegistry{handlers: map[uint]*recHandler{unix.SYS_GETPID: h}}
	k := &fakeKernel{
		t: t,
		waits: []waitStep{
			{100, wsEvent(unix.PTRACE_EVENT_SECCOMP)},
			{100, wsSyscall()}, // 多余的入口停止
			{100, wsSyscall()}, // 真正的出口停止
			{100, wsExited(0)},
		},
		msgs: []uint64{unix.SYS_GETPID},
	}
	ph := newTestHandle(t, k, reg, 100, true)

	if err := ph.run(); err != nil {
		t.Fatalf("run() failed: %v", err)
	}
	if h.pre != 1 || h.post != 1 {
		t.Errorf("hooks = %d pre %d post, want 1 pre 1 post", h.pre, h.post)
	}
	// 丢弃多余入口停止之后必须以系统调用边界模式恢复
	if k.resumes[1].mode != modeSyscall || k.resumes[2].mode != modeSyscall {
		t.Errorf("resume modes after seccomp = %v, want syscall mode", k.resumes)
	}
}

// TestOldKernelSpawn 旧内核上 spawn 对账要先消费 spawn 调用
// 自己的入口停止，再等 fork 事件
func TestOldKernelSpawn(t *testing.T) {
	spawn := &recHandler{}
	reg := &fakeRegistry{handlers: map[uint]*recHandler{unix.SYS_FORK: spawn}}
	k := &fakeKernel{
		t: t,
		waits: []waitStep{
			{100, wsEvent(unix.PTRACE_EVENT_SECCOMP)},
			{100, wsSyscall()}, // spawn 自己的入口停止
			{100, wsEvent(unix.PTRACE_EVENT_FORK)},
			{42, wsStopped(int(unix.SIGSTOP))},
			{42, wsExited(0)},
			{100, wsExited(0)},
		},
		msgs: []uint64{unix.SYS_FORK, 42},
	}
	ph := newTestHandle(t, k, reg, 100, true)

	if err := ph.run(); err != nil {
		t.Fatalf("run() failed: %v", err)
	}
	if len(ph.states) != 0 {
		t.Errorf("tracee table not empty: %v", ph.states)
	}
}

// TestAttachInitial 初始附加：等到初始停止、设置选项、建档
func TestAttachInitial(t *testing.T) {
	tests := []struct {
		name    string
		waits   []waitStep
		wantErr bool
	}{
		{
			name:  "execve_trap_stop",
			waits: []waitStep{{100, wsStopped(int(unix.SIGTRAP))}},
		},
		{
			name:    "wrong_pid",
			waits:   []waitStep{{101, wsStopped(int(unix.SIGTRAP))}},
			wantErr: true,
		},
		{
			name:    "exited_before_stop",
			waits:   []waitStep{{100, wsExited(1)}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := &fakeRegistry{handlers: map[uint]*recHandler{}}
			k := &fakeKernel{t: t, waits: tt.waits}
			tracer := &Tracer{Handler: testDebug{t: t}, Registry: reg}
			ph := newPtraceHandle(tracer, k, 100, false)

			err := ph.attachInitial()
			if tt.wantErr {
				var pe *ProtocolError
				if !errors.As(err, &pe) {
					t.Fatalf("attachInitial() = %v, want ProtocolError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("attachInitial() failed: %v", err)
			}
			if _, ok := ph.states[100]; !ok {
				t.Error("initial tracee not in table")
			}
		})
	}
}

// TestResultMapping 初始进程的结束方式映射为结果状态
func TestResultMapping(t *testing.T) {
	tests := []struct {
		name       string
		waits      []waitStep
		wantStatus runner.Status
		wantExit   int
	}{
		{
			name:       "normal_exit",
			waits:      []waitStep{{100, wsExited(0)}},
			wantStatus: runner.StatusNormal,
			wantExit:   0,
		},
		{
			name:       "nonzero_exit",
			waits:      []waitStep{{100, wsExited(3)}},
			wantStatus: runner.StatusNonzeroExitStatus,
			wantExit:   3,
		},
		{
			name:       "signalled",
			waits:      []waitStep{{100, wsSignaled(int(unix.SIGSEGV))}},
			wantStatus: runner.StatusSignalled,
			wantExit:   int(unix.SIGSEGV),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := &fakeRegistry{handlers: map[uint]*recHandler{}}
			k := &fakeKernel{t: t, waits: tt.waits}
			ph := newTestHandle(t, k, reg, 100, false)

			if err := ph.run(); err != nil {
				t.Fatalf("run() failed: %v", err)
			}
			result := ph.result()
			if result.Status != tt.wantStatus {
				t.Errorf("status = %v, want %v", result.Status, tt.wantStatus)
			}
			if result.ExitStatus != tt.wantExit {
				t.Errorf("exit status = %d, want %d", result.ExitStatus, tt.wantExit)
			}
		})
	}
}
