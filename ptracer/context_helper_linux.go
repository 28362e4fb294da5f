package ptracer

import (
	"syscall"
	"unsafe"

	unix "golang.org/x/sys/unix"
)

// ptraceReadStr 使用 PTRACE_PEEKDATA 从目标进程内存中读取字符串
// 目标进程必须处于 ptrace 停止状态，buff 的大小决定最大读取长度
func ptraceReadStr(pid int, addr uintptr, buff []byte) error {
	_, err := syscall.PtracePeekData(pid, addr, buff)
	return err
}

// ptraceReadBytes 使用 PTRACE_PEEKDATA 读取定长数据
func ptraceReadBytes(pid int, addr uintptr, buff []byte) error {
	n, err := syscall.PtracePeekData(pid, addr, buff)
	if err != nil {
		return err
	}
	if n < len(buff) {
		return syscall.EFAULT
	}
	return nil
}

// ptraceWriteBytes 使用 PTRACE_POKEDATA 把数据写入目标进程内存
func ptraceWriteBytes(pid int, addr uintptr, data []byte) error {
	n, err := syscall.PtracePokeData(pid, addr, data)
	if err != nil {
		return err
	}
	if n < len(data) {
		return syscall.EFAULT
	}
	return nil
}

/*
	processVMReadv / processVMWritev 封装进程间内存传输系统调用

	ssize_t process_vm_readv(pid_t pid,
	                        const struct iovec *local_iov,
	                        unsigned long liovcnt,
	                        const struct iovec *remote_iov,
	                        unsigned long riovcnt,
	                        unsigned long flags);

相比 ptrace 逐字读取，一次系统调用可以传输整段内存，
也不要求目标进程处于 ptrace 停止状态。需要 Linux 3.2+。
*/
func processVMReadv(pid int, localIov, remoteIov []unix.Iovec,
	flags uintptr) (r1, r2 uintptr, err syscall.Errno) {
	return syscall.Syscall6(unix.SYS_PROCESS_VM_READV, uintptr(pid),
		uintptr(unsafe.Pointer(&localIov[0])), uintptr(len(localIov)),
		uintptr(unsafe.Pointer(&remoteIov[0])), uintptr(len(remoteIov)),
		flags)
}

func processVMWritev(pid int, localIov, remoteIov []unix.Iovec,
	flags uintptr) (r1, r2 uintptr, err syscall.Errno) {
	return syscall.Syscall6(unix.SYS_PROCESS_VM_WRITEV, uintptr(pid),
		uintptr(unsafe.Pointer(&localIov[0])), uintptr(len(localIov)),
		uintptr(unsafe.Pointer(&remoteIov[0])), uintptr(len(remoteIov)),
		flags)
}

// vmRead 使用 process_vm_readv 从目标进程内存中读取数据
// 返回实际读取的字节数
func vmRead(pid int, addr uintptr, buff []byte) (int, error) {
	l := len(buff)
	localIov := getIovecs(&buff[0], l)
	remoteIov := getIovecs((*byte)(unsafe.Pointer(addr)), l)
	n, _, err := processVMReadv(pid, localIov, remoteIov, uintptr(0))
	if err == 0 {
		return int(n), nil
	}
	return int(n), err
}

// vmWrite 使用 process_vm_writev 把数据写入目标进程内存
// 写入量不足视为失败
func vmWrite(pid int, addr uintptr, data []byte) error {
	l := len(data)
	localIov := getIovecs(&data[0], l)
	remoteIov := getIovecs((*byte)(unsafe.Pointer(addr)), l)
	n, _, err := processVMWritev(pid, localIov, remoteIov, uintptr(0))
	if err != 0 {
		return err
	}
	if int(n) != l {
		return syscall.EFAULT
	}
	return nil
}

// getIovecs 创建单元素的 iovec 数组
func getIovecs(base *byte, l int) []unix.Iovec {
	return []unix.Iovec{{Base: base, Len: uint64(l)}}
}

/*
	vmReadStr 使用 process_vm_readv 读取以 null 结尾的字符串

按页分块读取：跨页的一次性读取可能因为下一页未映射而整体失败，
所以每次最多读到页边界，遇到 null 字节或读空为止
*/
func vmReadStr(pid int, addr uintptr, buff []byte) error {
	totalRead := 0
	// 第一块读到页边界为止，处理未对齐的起始地址
	nextRead := pageSize - int(addr%uintptr(pageSize))
	if nextRead == 0 {
		nextRead = pageSize
	}

	for len(buff) > 0 {
		if restToRead := len(buff); restToRead < nextRead {
			nextRead = restToRead
		}

		curRead, err := vmRead(pid, addr+uintptr(totalRead), buff[:nextRead])
		if err != nil {
			return err
		}
		if curRead == 0 {
			break
		}
		if hasNull(buff[:curRead]) {
			break
		}

		totalRead += curRead
		buff = buff[curRead:]
		nextRead = pageSize
	}
	return nil
}

// hasNull 检查缓冲区中是否包含 null 字节
func hasNull(buff []byte) bool {
	for _, v := range buff {
		if v == 0 {
			return true
		}
	}
	return false
}
