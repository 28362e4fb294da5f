package libseccomp

import unix "golang.org/x/sys/unix"

// auditArch 是过滤器里架构检查使用的 AUDIT_ARCH 值
const auditArch = unix.AUDIT_ARCH_X86_64
