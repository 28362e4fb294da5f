package ptrace

import (
	"fmt"
	"os"
)

// tracerHandler 实现监督器的调试输出
type tracerHandler struct {
	ShowDetails bool // 是否显示详细的调试信息
}

// Debug 输出调试信息到标准错误输出
// 只有在 ShowDetails 为 true 时才会输出
func (h *tracerHandler) Debug(v ...interface{}) {
	if h.ShowDetails {
		fmt.Fprintln(os.Stderr, v...)
	}
}
