package ptracer

import (
	"os"
	"syscall"
)

// Context 是当前停止点的寄存器上下文
// pre-hook 在过滤器通知时拿到它，post-hook 在系统调用出口拿到它
type Context struct {
	// Pid 是当前上下文进程的 pid
	Pid int
	// 当前寄存器上下文（平台相关）
	regs syscall.PtraceRegs
	// 处理器改写过寄存器后置位，监督器负责写回
	dirty bool
}

var (
	// UseVMReadv 决定是否使用 process_vm_readv 来读取内存
	// 初始为 true，如果尝试失败并返回 ENOSYS 则变为 false
	UseVMReadv = true
	// UseVMWritev 同上，控制 process_vm_writev 的使用
	UseVMWritev = true
	pageSize    = 4 << 10
)

func init() {
	pageSize = os.Getpagesize()
}

// NewContext 从给定的寄存器组构造上下文，主要供处理器测试使用
func NewContext(pid int, regs syscall.PtraceRegs) *Context {
	return &Context{Pid: pid, regs: regs}
}

// GetString 从进程内存中读取以 null 结尾的字符串
// 首先尝试更高效的 process_vm_readv，系统不支持时回退到 ptrace 读取
func (c *Context) GetString(addr uintptr) string {
	buff := make([]byte, syscall.PathMax)

	if UseVMReadv {
		if err := vmReadStr(c.Pid, addr, buff); err != nil {
			// 如果系统不支持 process_vm_readv（返回 ENOSYS）
			// 则禁用此功能，后续使用 ptrace 读取
			if no, ok := err.(syscall.Errno); ok {
				if no == syscall.ENOSYS {
					UseVMReadv = false
				}
			}
		} else {
			return cString(buff)
		}
	}

	if err := ptraceReadStr(c.Pid, addr, buff); err != nil {
		return ""
	}
	return cString(buff)
}

// ReadBytes 从进程内存读取定长数据
func (c *Context) ReadBytes(addr uintptr, buff []byte) error {
	if UseVMReadv {
		if _, err := vmRead(c.Pid, addr, buff); err == nil {
			return nil
		} else if no, ok := err.(syscall.Errno); ok && no == syscall.ENOSYS {
			UseVMReadv = false
		}
	}
	return ptraceReadBytes(c.Pid, addr, buff)
}

// WriteBytes 把数据写入进程内存
// post-hook 用它改写系统调用的输出缓冲区
func (c *Context) WriteBytes(addr uintptr, data []byte) error {
	if UseVMWritev {
		if err := vmWrite(c.Pid, addr, data); err == nil {
			return nil
		} else if no, ok := err.(syscall.Errno); ok && no == syscall.ENOSYS {
			UseVMWritev = false
		}
	}
	return ptraceWriteBytes(c.Pid, addr, data)
}

// cString 截断到第一个 null 字节
func cString(buff []byte) string {
	for i, v := range buff {
		if v == 0 {
			return string(buff[:i])
		}
	}
	return string(buff)
}
