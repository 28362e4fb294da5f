package ptracer

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"testing"
)

// TestHasNull 测试 hasNull 函数
func TestHasNull(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{
			name: "empty buffer",
			data: []byte{},
			want: false,
		},
		{
			name: "no null",
			data: []byte("hello"),
			want: false,
		},
		{
			name: "has null at start",
			data: []byte{0, 1, 2, 3},
			want: true,
		},
		{
			name: "has null at end",
			data: []byte{1, 2, 3, 0},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasNull(tt.data); got != tt.want {
				t.Errorf("hasNull() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCString 测试 null 截断
func TestCString(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{
			name: "terminated",
			data: []byte{'a', 'b', 0, 'c'},
			want: "ab",
		},
		{
			name: "unterminated",
			data: []byte("abc"),
			want: "abc",
		},
		{
			name: "empty",
			data: []byte{0},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cString(tt.data); got != tt.want {
				t.Errorf("cString() = %q, want %q", got, tt.want)
			}
		})
	}
}

// 辅助函数：创建一个子进程并返回其 PID
func createTestProcess(t *testing.T) (int, func()) {
	cmd := exec.Command("sleep", "10")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start test process: %v", err)
	}

	cleanup := func() {
		cmd.Process.Kill()
		cmd.Wait()
	}

	return cmd.Process.Pid, cleanup
}

// readableAddr 从 /proc/<pid>/maps 找一个可读段的起始地址
func readableAddr(t *testing.T, pid int) uintptr {
	maps, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		t.Fatalf("Failed to read process maps: %v", err)
	}

	for _, line := range bytes.Split(maps, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		if bytes.Contains(line, []byte("r-x")) {
			var start uint64
			fmt.Sscanf(string(line), "%x-", &start)
			return uintptr(start)
		}
	}
	t.Fatal("Failed to find readable memory region")
	return 0
}

// TestVmRead 测试 vmRead 函数
func TestVmRead(t *testing.T) {
	pid, cleanup := createTestProcess(t)
	defer cleanup()

	addr := readableAddr(t, pid)
	buff := make([]byte, 16)

	n, err := vmRead(pid, addr, buff)
	if err != nil {
		t.Fatalf("vmRead failed: %v", err)
	}
	if n == 0 {
		t.Error("vmRead returned 0 bytes")
	}
}

// TestVmReadStr 测试分页读取字符串的各种对齐情况
func TestVmReadStr(t *testing.T) {
	pid, cleanup := createTestProcess(t)
	defer cleanup()

	baseAddr := readableAddr(t, pid)

	testCases := []struct {
		name      string
		buffSize  int
		addrAlign uintptr // 地址偏移，用于测试不同的对齐情况
	}{
		{
			name:      "small_buffer_aligned",
			buffSize:  10,
			addrAlign: 0,
		},
		{
			name:      "small_buffer_unaligned",
			buffSize:  10,
			addrAlign: 1,
		},
		{
			name:      "exact_page_size",
			buffSize:  pageSize,
			addrAlign: 0,
		},
		{
			name:      "cross_page_boundary",
			buffSize:  pageSize + 100,
			addrAlign: uintptr(pageSize - 50),
		},
		{
			name:      "buffer_smaller_than_to_boundary",
			buffSize:  10,
			addrAlign: uintptr(pageSize - 100),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buff := make([]byte, tc.buffSize)
			if err := vmReadStr(pid, baseAddr+tc.addrAlign, buff); err != nil {
				t.Errorf("vmReadStr() error = %v", err)
			}
		})
	}
}

// TestContextRegisters 寄存器上下文的读写和脏标记
func TestContextRegisters(t *testing.T) {
	var regs syscall.PtraceRegs
	regs.Orig_rax = 39 // getpid
	regs.Rdi = 1
	regs.Rsi = 2
	regs.Rax = 0xffffffffffffffda // -ENOSYS

	ctx := NewContext(100, regs)
	if ctx.SyscallNo() != 39 {
		t.Errorf("SyscallNo() = %d, want 39", ctx.SyscallNo())
	}
	if ctx.Arg0() != 1 || ctx.Arg1() != 2 {
		t.Errorf("args = %d %d, want 1 2", ctx.Arg0(), ctx.Arg1())
	}
	if ctx.dirty {
		t.Error("fresh context is dirty")
	}

	ctx.SetReturnValue(-2)
	if !ctx.dirty {
		t.Error("SetReturnValue did not mark context dirty")
	}
	if ctx.ReturnValue() != -2 {
		t.Errorf("ReturnValue() = %d, want -2", ctx.ReturnValue())
	}

	ctx.SkipSyscall()
	if ctx.SyscallNo() != uint(^uint64(0)) {
		t.Error("SkipSyscall did not rewrite syscall number to -1")
	}
}
