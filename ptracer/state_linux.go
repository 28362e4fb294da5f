package ptracer

// State 是单个被跟踪进程的记录。
// 纯数据：syscall 字段由监督器在 pre-hook 时设置、post-hook 后清空，
// pending 信号和旧内核标志也只有监督器会修改
type State struct {
	pid int

	// logicalTime 是每次 pre-hook 递增一次的逻辑时钟，
	// 需要返回确定性时间值的处理器以它为准
	logicalTime uint64

	// signalToDeliver 是下次恢复时要投递的信号，0 表示没有。
	// 观察到信号停止时设置，下一次恢复消费并清零
	signalToDeliver int

	// syscall 是 pre-hook 和 post-hook 之间生效的处理器，
	// 其余时刻为 nil
	syscall Syscall

	// isPreExit 只在旧内核上使用：过滤器通知先于常规的
	// 系统调用入口停止到达时，用它识别并丢弃多余的入口停止
	isPreExit bool
}

// NewState 创建一个新的进程记录
func NewState(pid int) *State {
	return &State{pid: pid}
}

// Pid 返回进程号
func (s *State) Pid() int {
	return s.pid
}

// AdvanceTime 把逻辑时钟向前推进一格并返回新值。
// 监督器在每次 pre-hook 调用一次，因此每个进程的时钟严格单调递增
func (s *State) AdvanceTime() uint64 {
	s.logicalTime++
	return s.logicalTime
}

// LogicalTime 返回当前逻辑时钟值
func (s *State) LogicalTime() uint64 {
	return s.logicalTime
}
