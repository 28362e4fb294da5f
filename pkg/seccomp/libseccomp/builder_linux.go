package libseccomp

import (
	"fmt"
	"sort"
	"syscall"

	"golang.org/x/net/bpf"
	unix "golang.org/x/sys/unix"

	"github.com/zqzqsb/determ/pkg/seccomp"
)

// Builder 用于构建确定性监督的 seccomp 过滤器。
// 过滤器必须和处理器注册表保持同步：Trace 列表直接来自注册表，
// 每个被拦截的调用以自己的调用号作为事件消息返回
type Builder struct {
	// Trace 是需要产生过滤器通知的系统调用列表
	Trace []string
	// Allow 是直接放行的系统调用列表
	Allow []string
	// Default 是不在上述列表中的调用的动作。
	// ActionAllow 直接放行；ActionTrace 产生带哨兵事件消息的
	// 通知（监督器把它报告为配置错误）
	Default Action
}

// seccomp_data 的字段偏移（见 seccomp(2)）
const (
	dataOffsetNr   = 0
	dataOffsetArch = 4
)

/*
	Build 构建过滤器

过滤器程序的结构：
 1. 检查架构字段，防止通过异构调用号绕过过滤
 2. 对 Trace 列表里的每个调用号返回 SECCOMP_RET_TRACE，
    RET_DATA 携带该调用号本身
 3. 对 Allow 列表里的每个调用号返回 SECCOMP_RET_ALLOW
 4. 默认动作：放行，或带哨兵值的 TRACE
*/
func (b *Builder) Build() (seccomp.Filter, error) {
	program, err := b.program()
	if err != nil {
		return nil, err
	}
	return ExportBPF(program)
}

// program 生成未汇编的指令序列
func (b *Builder) program() ([]bpf.Instruction, error) {
	var program []bpf.Instruction

	// 架构检查：不匹配直接杀死进程
	program = append(program,
		bpf.LoadAbsolute{Off: dataOffsetArch, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: auditArch, SkipTrue: 1},
		bpf.RetConstant{Val: unix.SECCOMP_RET_KILL_PROCESS},
		bpf.LoadAbsolute{Off: dataOffsetNr, Size: 4},
	)

	trace, err := resolveSyscalls(b.Trace)
	if err != nil {
		return nil, err
	}
	for _, no := range trace {
		program = append(program,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: no, SkipFalse: 1},
			bpf.RetConstant{Val: unix.SECCOMP_RET_TRACE | (no & unix.SECCOMP_RET_DATA)},
		)
	}

	allow, err := resolveSyscalls(b.Allow)
	if err != nil {
		return nil, err
	}
	for _, no := range allow {
		program = append(program,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: no, SkipFalse: 1},
			bpf.RetConstant{Val: unix.SECCOMP_RET_ALLOW},
		)
	}

	switch b.Default {
	case ActionAllow:
		program = append(program, bpf.RetConstant{Val: unix.SECCOMP_RET_ALLOW})
	case ActionTrace:
		// 哨兵事件消息：监督器把它当作缺失规则的配置错误
		program = append(program,
			bpf.RetConstant{Val: unix.SECCOMP_RET_TRACE | seccomp.MsgNoRule})
	case ActionKill:
		program = append(program, bpf.RetConstant{Val: unix.SECCOMP_RET_KILL_PROCESS})
	default:
		return nil, fmt.Errorf("invalid default action: %d", b.Default)
	}

	return program, nil
}

// resolveSyscalls 把系统调用名称解析为排序后的调用号
// 排序让生成的过滤器在每次构建时字节一致
func resolveSyscalls(names []string) ([]uint32, error) {
	ret := make([]uint32, 0, len(names))
	for _, name := range names {
		no, err := ToSyscallNo(name)
		if err != nil {
			return nil, err
		}
		ret = append(ret, uint32(no))
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret, nil
}

// ExportBPF 将 BPF 指令序列汇编为内核可读的过滤器
func ExportBPF(filter []bpf.Instruction) (seccomp.Filter, error) {
	raw, err := bpf.Assemble(filter)
	if err != nil {
		return nil, err
	}
	return sockFilter(raw), nil
}

// sockFilter 把原始 BPF 指令转换为内核使用的 SockFilter 格式
func sockFilter(raw []bpf.RawInstruction) []syscall.SockFilter {
	filter := make([]syscall.SockFilter, 0, len(raw))
	for _, instruction := range raw {
		filter = append(filter, syscall.SockFilter{
			Code: instruction.Op,
			Jt:   instruction.Jt,
			Jf:   instruction.Jf,
			K:    instruction.K,
		})
	}
	return filter
}
