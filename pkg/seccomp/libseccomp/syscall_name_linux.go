package libseccomp

import (
	"fmt"

	"github.com/elastic/go-seccomp-bpf/arch"
)

// info 是当前系统架构的系统调用映射表
// arch.GetInfo("") 返回本机架构（如 x86_64）的号码和名称映射
var info, errInfo = arch.GetInfo("")

// nameToNo 是按名称查号的反向映射，启动时构建一次
var nameToNo = func() map[string]int {
	if errInfo != nil {
		return nil
	}
	m := make(map[string]int, len(info.SyscallNumbers))
	for no, name := range info.SyscallNumbers {
		m[name] = no
	}
	return m
}()

// ToSyscallName 把系统调用号转换为名称
func ToSyscallName(sysno uint) (string, error) {
	if errInfo != nil {
		return "", errInfo
	}
	n, ok := info.SyscallNumbers[int(sysno)]
	if !ok {
		return "", fmt.Errorf("syscall no %d does not exist", sysno)
	}
	return n, nil
}

// ToSyscallNo 把系统调用名称转换为号码
func ToSyscallNo(name string) (uint, error) {
	if errInfo != nil {
		return 0, errInfo
	}
	no, ok := nameToNo[name]
	if !ok {
		return 0, fmt.Errorf("syscall %q does not exist", name)
	}
	return uint(no), nil
}
