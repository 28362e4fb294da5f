package forkexec

import (
	"syscall"
	"unsafe"

	unix "golang.org/x/sys/unix"
)

/*
	forkAndExecInChild 执行 fork 并在子进程里完成 execve 前的全部设置

fork 之后、execve 之前的窗口里只允许原始系统调用：
不能分配内存，不能调用可能加锁的运行时功能。所有参数都在
fork 之前准备好，子进程只做 RawSyscall。

子进程的设置顺序：
 1. 关闭父进程一侧的同步 socket，必要时把自己这侧挪出 fd 映射区
 2. setpgid 建立独立进程组（监督器按进程组清理）
 3. 按 Files 重排文件描述符
 4. 应用资源限制
 5. 切换工作目录
 6. PTRACE_TRACEME
 7. 与父进程同步（写就绪字节，等应答）
 8. no_new_privs + 安装系统调用过滤器
 9. execve，带着 SIGTRAP 停在入口等待跟踪器
*/
//go:norace
func forkAndExecInChild(r *Runner, argv0 *byte, argv, env []*byte,
	workdir *byte, p [2]int) (uintptr, syscall.Errno) {
	syscall.ForkLock.Lock()
	beforeFork()

	pid, _, err1 := syscall.RawSyscall6(syscall.SYS_CLONE,
		uintptr(syscall.SIGCHLD), 0, 0, 0, 0, 0)
	if err1 != 0 || pid != 0 {
		// 父进程路径：调用方负责 afterFork 和解锁
		return pid, err1
	}

	// 以下全部是子进程路径
	afterForkInChild()

	pipefd := uintptr(p[1])
	if _, _, err := syscall.RawSyscall(syscall.SYS_CLOSE, uintptr(p[0]), 0, 0); err != 0 {
		childFail(pipefd, LocCloseWrite, err)
	}

	// 独立进程组
	if _, _, err := syscall.RawSyscall(syscall.SYS_SETPGID, 0, 0, 0); err != 0 {
		childFail(pipefd, LocSetPGID, err)
	}

	// 同步 socket 不能被 Files 映射覆盖
	if int(pipefd) < len(r.Files) {
		newfd := uintptr(len(r.Files))
		if _, _, err := syscall.RawSyscall(unix.SYS_DUP3, pipefd, newfd,
			uintptr(syscall.O_CLOEXEC)); err != 0 {
			childFail(pipefd, LocDup3, err)
		}
		pipefd = newfd
	}

	// 文件描述符映射：Files[i] 成为新进程的 fd i
	for i, fd := range r.Files {
		if fd == 0 {
			continue
		}
		if int(fd) == i {
			// 目标位置已经正确，只需要去掉 CLOEXEC
			if _, _, err := syscall.RawSyscall(syscall.SYS_FCNTL, fd,
				syscall.F_SETFD, 0); err != 0 {
				childFail(pipefd, LocDup3, err)
			}
			continue
		}
		if _, _, err := syscall.RawSyscall(unix.SYS_DUP3, fd, uintptr(i), 0); err != 0 {
			childFail(pipefd, LocDup3, err)
		}
	}

	// 资源限制
	for i := range r.RLimits {
		if _, _, err := syscall.RawSyscall(syscall.SYS_SETRLIMIT,
			uintptr(r.RLimits[i].Res),
			uintptr(unsafe.Pointer(&r.RLimits[i].Rlim)), 0); err != 0 {
			childFail(pipefd, LocSetRlimit, err)
		}
	}

	// 工作目录
	if workdir != nil {
		if _, _, err := syscall.RawSyscall(syscall.SYS_CHDIR,
			uintptr(unsafe.Pointer(workdir)), 0, 0); err != 0 {
			childFail(pipefd, LocChdir, err)
		}
	}

	// 在 execve 之前让自己可被跟踪
	if r.Ptrace {
		if _, _, err := syscall.RawSyscall(syscall.SYS_PTRACE,
			uintptr(unix.PTRACE_TRACEME), 0, 0); err != 0 {
			childFail(pipefd, LocPtraceMe, err)
		}
	}

	// 同步：写就绪字节，等父进程应答
	var sync [1]byte
	if _, _, err := syscall.RawSyscall(syscall.SYS_WRITE, pipefd,
		uintptr(unsafe.Pointer(&sync[0])), 1); err != 0 {
		childFail(pipefd, LocSyncRead, err)
	}
	if n, _, err := syscall.RawSyscall(syscall.SYS_READ, pipefd,
		uintptr(unsafe.Pointer(&sync[0])), 1); err != 0 || n == 0 {
		childFail(pipefd, LocSyncRead, err)
	}

	// 过滤器安装：先 no_new_privs，非特权进程才能安装过滤器
	if r.Seccomp != nil {
		if _, _, err := syscall.RawSyscall6(syscall.SYS_PRCTL,
			unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0, 0); err != 0 {
			childFail(pipefd, LocSeccomp, err)
		}
		if _, _, err := syscall.RawSyscall(syscall.SYS_PRCTL,
			unix.PR_SET_SECCOMP, uintptr(unix.SECCOMP_MODE_FILTER),
			uintptr(unsafe.Pointer(r.Seccomp))); err != 0 {
			childFail(pipefd, LocSeccomp, err)
		}
	}

	// 执行目标程序
	var err syscall.Errno
	if r.ExecFile != 0 {
		var empty [1]byte
		_, _, err = syscall.RawSyscall6(unix.SYS_EXECVEAT, r.ExecFile,
			uintptr(unsafe.Pointer(&empty[0])),
			uintptr(unsafe.Pointer(&argv[0])),
			uintptr(unsafe.Pointer(&env[0])),
			uintptr(unix.AT_EMPTY_PATH), 0)
	} else {
		_, _, err = syscall.RawSyscall(syscall.SYS_EXECVE,
			uintptr(unsafe.Pointer(argv0)),
			uintptr(unsafe.Pointer(&argv[0])),
			uintptr(unsafe.Pointer(&env[0])))
	}
	childFail(pipefd, LocExecve, err)
	return 0, 0 // 不可达
}

// childFail 把失败位置和 errno 回传给父进程并退出
// 只使用栈内存和原始系统调用
//
//go:norace
func childFail(pipefd uintptr, loc ErrorLocation, err syscall.Errno) {
	var buf [5]byte
	buf[0] = byte(loc)
	buf[1] = byte(err)
	buf[2] = byte(err >> 8)
	buf[3] = byte(err >> 16)
	buf[4] = byte(err >> 24)
	syscall.RawSyscall(syscall.SYS_WRITE, pipefd,
		uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	for {
		syscall.RawSyscall(syscall.SYS_EXIT_GROUP, 127, 0, 0)
	}
}
