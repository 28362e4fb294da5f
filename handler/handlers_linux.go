package handler

import (
	"encoding/binary"

	unix "golang.org/x/sys/unix"

	"github.com/zqzqsb/determ/ptracer"
)

// logicalEpoch 是逻辑时钟映射到墙钟秒数的固定基准。
// 处理器返回 logicalEpoch + logicalTime，每次拦截前进一秒，
// 同一程序的每次运行看到完全相同的时间序列
const logicalEpoch = 744847200

// defaultTable 构造默认的描述符表
// 时间、随机数和机器标识被改写；spawn 调用必须被拦截（监督器在
// pre-hook 做 spawn 对账）；其余是占位的直通项，为后续策略留位
func defaultTable() map[uint]entry {
	return map[uint]entry{
		// 时间来源
		unix.SYS_TIME:         {"time", func() ptracer.Syscall { return timeSyscall{} }},
		unix.SYS_GETTIMEOFDAY: {"gettimeofday", func() ptracer.Syscall { return gettimeofdaySyscall{} }},
		unix.SYS_CLOCK_GETTIME: {"clock_gettime", func() ptracer.Syscall {
			return clockGettimeSyscall{}
		}},
		unix.SYS_NANOSLEEP: {"nanosleep", func() ptracer.Syscall { return nanosleepSyscall{} }},
		unix.SYS_UTIMENSAT: {"utimensat", func() ptracer.Syscall { return utimensatSyscall{} }},

		// 随机数来源
		unix.SYS_GETRANDOM: {"getrandom", func() ptracer.Syscall { return getrandomSyscall{} }},

		// 机器标识
		unix.SYS_UNAME: {"uname", func() ptracer.Syscall { return unameSyscall{} }},

		// spawn：pre-hook 之后监督器立刻做 spawn 对账
		unix.SYS_FORK:  {"fork", func() ptracer.Syscall { return spawnSyscall{} }},
		unix.SYS_VFORK: {"vfork", func() ptracer.Syscall { return spawnSyscall{} }},
		unix.SYS_CLONE: {"clone", func() ptracer.Syscall { return spawnSyscall{} }},

		// 直通项
		unix.SYS_READ:      {"read", passthroughEntry},
		unix.SYS_WRITE:     {"write", passthroughEntry},
		unix.SYS_OPEN:      {"open", passthroughEntry},
		unix.SYS_OPENAT:    {"openat", passthroughEntry},
		unix.SYS_ACCESS:    {"access", passthroughEntry},
		unix.SYS_STAT:      {"stat", passthroughEntry},
		unix.SYS_FSTAT:     {"fstat", passthroughEntry},
		unix.SYS_LSTAT:     {"lstat", passthroughEntry},
		unix.SYS_GETCWD:    {"getcwd", passthroughEntry},
		unix.SYS_CHDIR:     {"chdir", passthroughEntry},
		unix.SYS_PIPE:      {"pipe", passthroughEntry},
		unix.SYS_GETPID:    {"getpid", passthroughEntry},
		unix.SYS_GETPPID:   {"getppid", passthroughEntry},
		unix.SYS_SYSINFO:   {"sysinfo", passthroughEntry},
		unix.SYS_GETRUSAGE: {"getrusage", passthroughEntry},
	}
}

var passthroughEntry = func() ptracer.Syscall { return passthroughSyscall{} }

// passthroughSyscall 不做任何改写，也不要求 post-hook
type passthroughSyscall struct{}

func (passthroughSyscall) Pre(s *ptracer.State, ctx *ptracer.Context) (bool, error) {
	return false, nil
}

func (passthroughSyscall) Post(s *ptracer.State, ctx *ptracer.Context) error {
	return nil
}

// spawnSyscall 标记 fork/vfork/clone。
// 改写都不需要；监督器在 pre-hook 之后立刻接管 spawn 对账，
// 并且无论返回什么都不会进入 post-hook
type spawnSyscall struct{}

func (spawnSyscall) Pre(s *ptracer.State, ctx *ptracer.Context) (bool, error) {
	return false, nil
}

func (spawnSyscall) Post(s *ptracer.State, ctx *ptracer.Context) error {
	return nil
}

// timeSyscall 确定性化 time(2)
// 返回值改写为逻辑时刻；tloc 指针非空时同步改写
type timeSyscall struct{}

func (timeSyscall) Pre(s *ptracer.State, ctx *ptracer.Context) (bool, error) {
	return true, nil
}

func (timeSyscall) Post(s *ptracer.State, ctx *ptracer.Context) error {
	sec := deterministicSeconds(s)
	if tloc := ctx.Arg0(); tloc != 0 {
		buff := make([]byte, 8)
		binary.LittleEndian.PutUint64(buff, uint64(sec))
		if err := ctx.WriteBytes(uintptr(tloc), buff); err != nil {
			return err
		}
	}
	ctx.SetReturnValue(int(sec))
	return nil
}

// gettimeofday 确定性化 gettimeofday(2)
// timeval 的秒数改写为逻辑时刻，微秒归零；时区参数不动
type gettimeofdaySyscall struct{}

func (gettimeofdaySyscall) Pre(s *ptracer.State, ctx *ptracer.Context) (bool, error) {
	return true, nil
}

func (gettimeofdaySyscall) Post(s *ptracer.State, ctx *ptracer.Context) error {
	tv := ctx.Arg0()
	if tv == 0 {
		return nil
	}
	// struct timeval { time_t tv_sec; suseconds_t tv_usec; }
	buff := make([]byte, 16)
	binary.LittleEndian.PutUint64(buff, uint64(deterministicSeconds(s)))
	return ctx.WriteBytes(uintptr(tv), buff)
}

// clockGettimeSyscall 确定性化 clock_gettime(2)
// 所有时钟 ID 都返回同一个逻辑时刻
type clockGettimeSyscall struct{}

func (clockGettimeSyscall) Pre(s *ptracer.State, ctx *ptracer.Context) (bool, error) {
	return true, nil
}

func (clockGettimeSyscall) Post(s *ptracer.State, ctx *ptracer.Context) error {
	tp := ctx.Arg1()
	if tp == 0 {
		return nil
	}
	// struct timespec { time_t tv_sec; long tv_nsec; }
	buff := make([]byte, 16)
	binary.LittleEndian.PutUint64(buff, uint64(deterministicSeconds(s)))
	return ctx.WriteBytes(uintptr(tp), buff)
}

// nanosleepSyscall 消除睡眠：调用被跳过，返回值伪造为成功。
// 睡眠时长是调度噪声的来源，逻辑时钟照常前进一格
type nanosleepSyscall struct{}

func (nanosleepSyscall) Pre(s *ptracer.State, ctx *ptracer.Context) (bool, error) {
	ctx.SkipSyscall()
	return true, nil
}

func (nanosleepSyscall) Post(s *ptracer.State, ctx *ptracer.Context) error {
	ctx.SetReturnValue(0)
	return nil
}

// utimensatSyscall 确定性化 utimensat(2)
// 调用方提供的时间戳在内核读取之前改写为逻辑时刻；
// times 为空指针（"现在"语义）时无处改写，文件得到内核的当前时间
type utimensatSyscall struct{}

func (utimensatSyscall) Pre(s *ptracer.State, ctx *ptracer.Context) (bool, error) {
	times := ctx.Arg2()
	if times == 0 {
		return false, nil
	}
	// struct timespec[2]：atime 和 mtime
	buff := make([]byte, 32)
	sec := uint64(deterministicSeconds(s))
	binary.LittleEndian.PutUint64(buff[0:], sec)
	binary.LittleEndian.PutUint64(buff[16:], sec)
	return false, ctx.WriteBytes(uintptr(times), buff)
}

func (utimensatSyscall) Post(s *ptracer.State, ctx *ptracer.Context) error {
	return nil
}

// getrandomSyscall 用确定性字节流替换内核的随机字节
// 流由逻辑时刻播种，同一逻辑时刻的重放得到相同的字节
type getrandomSyscall struct{}

func (getrandomSyscall) Pre(s *ptracer.State, ctx *ptracer.Context) (bool, error) {
	return true, nil
}

func (getrandomSyscall) Post(s *ptracer.State, ctx *ptracer.Context) error {
	buf := ctx.Arg0()
	n := int(ctx.Arg1())
	if buf == 0 || n <= 0 {
		return nil
	}
	if err := ctx.WriteBytes(uintptr(buf), deterministicBytes(s.LogicalTime(), n)); err != nil {
		return err
	}
	ctx.SetReturnValue(n)
	return nil
}

// unameSyscall 把机器标识改写为固定值
type unameSyscall struct{}

func (unameSyscall) Pre(s *ptracer.State, ctx *ptracer.Context) (bool, error) {
	return true, nil
}

// utsname 的每个字段是 65 字节的零结尾字符串，共 6 个字段
const utsFieldLen = 65

func (unameSyscall) Post(s *ptracer.State, ctx *ptracer.Context) error {
	buf := ctx.Arg0()
	if buf == 0 {
		return nil
	}
	fields := []string{
		"Linux",              // sysname
		"determ",             // nodename
		"4.8.0-determ",       // release
		"#1 SMP Thu Jan 1 00:00:00 UTC 1970", // version
		"x86_64",             // machine
		"(none)",             // domainname
	}
	out := make([]byte, utsFieldLen*len(fields))
	for i, f := range fields {
		copy(out[i*utsFieldLen:(i+1)*utsFieldLen-1], f)
	}
	return ctx.WriteBytes(uintptr(buf), out)
}

// deterministicSeconds 把进程的逻辑时钟换算为墙钟秒数
func deterministicSeconds(s *ptracer.State) int64 {
	return logicalEpoch + int64(s.LogicalTime())
}

// deterministicBytes 生成由 seed 播种的伪随机字节流
// 线性同余生成器，参数来自 Numerical Recipes
func deterministicBytes(seed uint64, n int) []byte {
	out := make([]byte, n)
	x := seed*6364136223846793005 + 1442695040888963407
	for i := range out {
		x = x*6364136223846793005 + 1442695040888963407
		out[i] = byte(x >> 33)
	}
	return out
}
