package forkexec

import (
	"syscall"

	unix "golang.org/x/sys/unix"
)

// Start 启动被监督的子进程：
//  1. fork 创建子进程
//  2. 子进程自我设置（fd 映射、rlimit、TRACEME、过滤器）
//  3. 与父进程同步后执行 execve
//
// 返回子进程的 pid。启用 Ptrace 时调用方必须已锁定当前 OS 线程，
// 之后对子进程的第一次 wait 会看到 execve 的 SIGTRAP 停止
func (r *Runner) Start() (int, error) {
	argv0, argv, env, err := prepareExec(r.Args, r.Env)
	if err != nil {
		return 0, err
	}
	workdir, err := syscallStringFromString(r.WorkDir)
	if err != nil {
		return 0, err
	}

	// 创建一对 socket 用于父子进程同步
	// p[0] 由父进程使用，p[1] 由子进程使用；CLOEXEC 保证
	// execve 成功后子进程一侧自动关闭，父进程读到 EOF
	p, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}

	// fork 并在子进程中完成设置
	pid, err1 := forkAndExecInChild(r, argv0, argv, env, workdir, p)

	// 恢复父进程一侧的信号处理
	afterFork()
	syscall.ForkLock.Unlock()

	return syncWithChild(r, p, int(pid), err1)
}

/*
	syncWithChild 是启动协议的父进程一侧

协议：
 1. 子进程完成设置后写出一个零字节表示就绪；失败则写出
    ChildError 编码（位置 + errno）
 2. 父进程执行 SyncFunc，然后写回一个应答字节放行
 3. 子进程 execve；CLOEXEC 让父进程看到 EOF

任何一步失败都回收子进程并返回错误
*/
func syncWithChild(r *Runner, p [2]int, pid int, err1 syscall.Errno) (int, error) {
	unix.Close(p[1])

	if err1 != 0 {
		unix.Close(p[0])
		return 0, ChildError{Err: err1, Location: LocClone}
	}

	buf := make([]byte, 8)
	n, err := readFull(p[0], buf[:5])
	switch {
	case err != nil:
		unix.Close(p[0])
		collectChild(pid)
		return 0, err
	case n == 0:
		// 子进程没有写出就绪字节就退出了
		unix.Close(p[0])
		collectChild(pid)
		return 0, ChildError{Err: syscall.EPIPE, Location: LocSyncRead}
	case buf[0] != 0:
		// 子进程报告了设置失败
		unix.Close(p[0])
		collectChild(pid)
		return 0, ChildError{
			Location: ErrorLocation(buf[0]),
			Err: syscall.Errno(uint32(buf[1]) | uint32(buf[2])<<8 |
				uint32(buf[3])<<16 | uint32(buf[4])<<24),
		}
	}

	// 子进程就绪，执行用户定义的同步函数
	if r.SyncFunc != nil {
		if err := r.SyncFunc(pid); err != nil {
			unix.Close(p[0])
			unix.Kill(pid, unix.SIGKILL)
			collectChild(pid)
			return 0, err
		}
	}

	// 放行子进程
	if _, err := unix.Write(p[0], []byte{0}); err != nil {
		unix.Close(p[0])
		unix.Kill(pid, unix.SIGKILL)
		collectChild(pid)
		return 0, err
	}

	// 放行之后再读一次：execve 成功时 CLOEXEC 关闭子进程一侧，这里读到 EOF；
	// 读到数据说明子进程在过滤器安装或 execve 时失败
	n, err = readFull(p[0], buf[:5])
	unix.Close(p[0])
	if err != nil || n != 0 {
		unix.Kill(pid, unix.SIGKILL)
		collectChild(pid)
		if err != nil {
			return 0, err
		}
		return 0, ChildError{Location: ErrorLocation(buf[0]), Err: syscall.Errno(uint32(buf[1]) |
			uint32(buf[2])<<8 | uint32(buf[3])<<16 | uint32(buf[4])<<24)}
	}
	return pid, nil
}

// readFull 从同步 socket 读满 len(buf) 字节或读到 EOF
// 就绪的零字节之后是 EOF，所以短读不是错误
func readFull(fd int, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Read(fd, buf[total:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
		// 就绪字节（0）只有一个，后面不会再有数据
		if buf[0] == 0 {
			return total, nil
		}
	}
	return total, nil
}

// collectChild 回收启动失败的子进程，避免留下僵尸
func collectChild(pid int) {
	var wstatus unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &wstatus, 0, nil)
		if err != unix.EINTR {
			return
		}
	}
}
