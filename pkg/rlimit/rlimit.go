// Package rlimit 提供了通过 setrlimit 系统调用设置 Linux 资源限制的数据结构。
// 确定性构建希望被监督的进程是有界的：限制在 execve 之前由
// 子进程自己应用
package rlimit

import (
	"fmt"
	"syscall"
)

// RLimits 定义了应用到被跟踪进程的资源限制
type RLimits struct {
	CPU          uint64 // CPU 时间限制（秒）
	CPUHard      uint64 // 硬性 CPU 时间限制（秒）
	FileSize     uint64 // 文件大小限制（字节）
	Stack        uint64 // 栈大小限制（字节）
	AddressSpace uint64 // 地址空间限制（字节）
	DisableCore  bool   // 是否禁用 core dump
}

// RLimit 是 Linux setrlimit 定义的单条资源限制
type RLimit struct {
	// Res 是资源类型（例如 syscall.RLIMIT_CPU）
	Res int
	// Rlim 是应用到该资源的限制
	Rlim syscall.Rlimit
}

func getRlimit(cur, max uint64) syscall.Rlimit {
	return syscall.Rlimit{Cur: cur, Max: max}
}

// PrepareRLimit 把配置展开为 setrlimit 调用序列
func (r *RLimits) PrepareRLimit() []RLimit {
	var ret []RLimit

	if r.CPU > 0 {
		cpuHard := r.CPUHard
		if cpuHard < r.CPU {
			cpuHard = r.CPU
		}
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_CPU,
			Rlim: getRlimit(r.CPU, cpuHard),
		})
	}
	if r.FileSize > 0 {
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_FSIZE,
			Rlim: getRlimit(r.FileSize, r.FileSize),
		})
	}
	if r.Stack > 0 {
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_STACK,
			Rlim: getRlimit(r.Stack, r.Stack),
		})
	}
	if r.AddressSpace > 0 {
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_AS,
			Rlim: getRlimit(r.AddressSpace, r.AddressSpace),
		})
	}
	if r.DisableCore {
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_CORE,
			Rlim: getRlimit(0, 0),
		})
	}
	return ret
}

// String 返回单条限制的字符串表示
func (r RLimit) String() string {
	var t string
	switch r.Res {
	case syscall.RLIMIT_CPU:
		return fmt.Sprintf("CPU[%d s:%d s]", r.Rlim.Cur, r.Rlim.Max)
	case syscall.RLIMIT_FSIZE:
		t = "File"
	case syscall.RLIMIT_STACK:
		t = "Stack"
	case syscall.RLIMIT_AS:
		t = "AddressSpace"
	case syscall.RLIMIT_CORE:
		t = "Core"
	default:
		t = fmt.Sprintf("Resource(%d)", r.Res)
	}
	return fmt.Sprintf("%s[%d]", t, r.Rlim.Cur)
}
