package runner

import (
	"fmt"
	"time"
)

// Result 是确定性运行的结果
type Result struct {
	Status            // 结果状态
	ExitStatus int    // 初始被跟踪进程的退出状态（如果被信号终止则为信号编号）
	Error      string // 潜在的详细错误信息（用于监督器一侧的致命错误）

	// 监督器的度量指标
	SetUpTime   time.Duration // 设置时间：从启动到初始进程第一次停止
	RunningTime time.Duration // 运行时间：从第一次停止到所有进程结束
}

func (r Result) String() string {
	switch r.Status {
	case StatusNormal:
		return fmt.Sprintf("Result[Exited(0)][%v %v]", r.SetUpTime, r.RunningTime)

	case StatusNonzeroExitStatus:
		return fmt.Sprintf("Result[Exited(%d)][%v %v]", r.ExitStatus, r.SetUpTime, r.RunningTime)

	case StatusSignalled:
		return fmt.Sprintf("Result[Signalled(%d)][%v %v]", r.ExitStatus, r.SetUpTime, r.RunningTime)

	default:
		return fmt.Sprintf("Result[%v(%s)][%v %v]", r.Status, r.Error, r.SetUpTime, r.RunningTime)
	}
}
