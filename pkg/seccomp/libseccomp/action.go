package libseccomp

// Action 定义了过滤器对一个系统调用的处理动作
// 常量从 1 开始递增（iota + 1），确保 0 值无效
type Action uint32

const (
	// ActionAllow 允许系统调用直接执行，监督器不会看到它
	ActionAllow Action = iota + 1
	// ActionTrace 产生一次过滤器通知，交给监督器做 pre/post 改写
	// 事件消息里携带系统调用号
	ActionTrace
	// ActionKill 杀死发起调用的进程
	ActionKill
)
