package runner

// Status 是结果状态
type Status int

// 确定性运行器的结果状态
const (
	StatusInvalid Status = iota // 0 未初始化

	// 正常
	StatusNormal // 1 正常退出且退出码为 0

	// 被监督程序自身的结束方式
	StatusNonzeroExitStatus // 2 非零退出状态
	StatusSignalled         // 3 被信号终止

	// 监督器一侧的致命错误（见 ptracer 包的错误分类）
	StatusProtocolError // 4 内核事件协议错误
	StatusConfigError   // 5 过滤器与处理器表不一致
	StatusRunnerError   // 6 运行器错误
)

var (
	statusString = []string{
		"无效",
		"",
		"非零退出状态",
		"被信号终止",
		"事件协议错误",
		"过滤器配置错误",
		"运行器错误",
	}
)

func (t Status) String() string {
	i := int(t)
	if i >= 0 && i < len(statusString) {
		return statusString[i]
	}
	return statusString[0]
}

func (t Status) Error() string {
	return t.String()
}
