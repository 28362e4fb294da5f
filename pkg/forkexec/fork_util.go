package forkexec

import (
	"syscall"
	_ "unsafe" // go:linkname 需要
)

// fork 前后必须执行运行时的钩子：
// 停住所有线程的信号处理，fork 之后在父子两侧分别恢复。
// 这些函数由 syscall 包实现，这里通过 linkname 引用

//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()

// prepareExec 把参数和环境变量转换为 execve 需要的以 nil 结尾的
// 指针数组。必须在 fork 之前完成：fork 之后不允许分配内存
func prepareExec(args, env []string) (*byte, []*byte, []*byte, error) {
	if len(args) == 0 {
		return nil, nil, nil, syscall.EINVAL
	}
	argv0, err := syscall.BytePtrFromString(args[0])
	if err != nil {
		return nil, nil, nil, err
	}
	argv, err := syscall.SlicePtrFromStrings(args)
	if err != nil {
		return nil, nil, nil, err
	}
	envv, err := syscall.SlicePtrFromStrings(env)
	if err != nil {
		return nil, nil, nil, err
	}
	return argv0, argv, envv, nil
}

// syscallStringFromString 把非空字符串转换为以零结尾的字节指针
func syscallStringFromString(str string) (*byte, error) {
	if str == "" {
		return nil, nil
	}
	return syscall.BytePtrFromString(str)
}
