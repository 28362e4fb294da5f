// Package seccomp 提供了 seccomp 过滤器的内核表示。
// 确定性监督依赖一个内核级系统调用过滤器：每个需要拦截的调用
// 触发一次 ptrace 过滤器通知，事件消息里带着系统调用号
package seccomp

import "syscall"

// MsgNoRule 是过滤器对没有规则的系统调用按约定返回的哨兵事件
// 消息。监督器把它当作配置错误：过滤器和处理器注册表失配了
const MsgNoRule = 0x7fff

// Filter 是 BPF 格式的 seccomp 过滤器。
// 每个 SockFilter 结构体是一条在内核中执行的 BPF 指令
type Filter []syscall.SockFilter

// SockFprog 把 Filter 转换为 prctl(PR_SET_SECCOMP, ...) 需要的
// 程序格式。Filter 指针必须指向连续内存，因此取切片底层数组的指针
func (f Filter) SockFprog() *syscall.SockFprog {
	b := []syscall.SockFilter(f)
	return &syscall.SockFprog{
		Len:    uint16(len(b)),
		Filter: &b[0],
	}
}
