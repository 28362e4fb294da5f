package ptracer

/*
	; x86_64 系统调用参数顺序
	syscall_number -> rax    ; 系统调用号
	arg0 -> rdi             ; 第1个参数
	arg1 -> rsi             ; 第2个参数
	arg2 -> rdx             ; 第3个参数
	arg3 -> r10            ; 第4个参数（注意：不是 rcx）
	arg4 -> r8             ; 第5个参数
	arg5 -> r9             ; 第6个参数
*/

// SyscallNo 获取当前系统调用号
// 使用 Orig_rax 而不是 rax，因为 rax 会被返回值覆盖
func (c *Context) SyscallNo() uint {
	return uint(c.regs.Orig_rax)
}

// Arg0 获取当前系统调用的 arg0
func (c *Context) Arg0() uint {
	return uint(c.regs.Rdi)
}

// Arg1 获取当前系统调用的 arg1
func (c *Context) Arg1() uint {
	return uint(c.regs.Rsi)
}

// Arg2 获取当前系统调用的 arg2
func (c *Context) Arg2() uint {
	return uint(c.regs.Rdx)
}

// Arg3 获取当前系统调用的 arg3
func (c *Context) Arg3() uint {
	return uint(c.regs.R10)
}

// Arg4 获取当前系统调用的 arg4
func (c *Context) Arg4() uint {
	return uint(c.regs.R8)
}

// Arg5 获取当前系统调用的 arg5
func (c *Context) Arg5() uint {
	return uint(c.regs.R9)
}

// ReturnValue 获取系统调用的返回值（post-hook 时有效）
func (c *Context) ReturnValue() int {
	return int(int64(c.regs.Rax))
}

// SetReturnValue 改写系统调用的返回值
func (c *Context) SetReturnValue(retval int) {
	c.regs.Rax = uint64(retval)
	c.dirty = true
}

// SetArg0 改写系统调用的 arg0
func (c *Context) SetArg0(v uint) {
	c.regs.Rdi = uint64(v)
	c.dirty = true
}

// SetArg1 改写系统调用的 arg1
func (c *Context) SetArg1(v uint) {
	c.regs.Rsi = uint64(v)
	c.dirty = true
}

// SkipSyscall 跳过当前系统调用
// 把系统调用号设置为 -1，内核会返回 ENOSYS 而不执行任何操作
// 配合 SetReturnValue 可以在 post-hook 里伪造任意返回值
func (c *Context) SkipSyscall() {
	c.regs.Orig_rax = ^uint64(0)
	c.dirty = true
}
