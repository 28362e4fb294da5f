// Package handler 提供系统调用描述符表和确定性改写处理器。
// 表在启动时填充，之后只读；内核过滤器的拦截列表直接由这张表
// 导出，保证过滤器和注册表不会失配
package handler

import (
	"fmt"
	"sort"

	"github.com/zqzqsb/determ/ptracer"
)

// constructor 为一次被拦截的系统调用生成处理器。
// 处理器不保存跨调用状态，进程状态通过 ptracer.State 传入
type constructor func() ptracer.Syscall

// entry 是描述符表的一项：可读名称加处理器构造函数
type entry struct {
	name string
	make constructor
}

// Registry 把系统调用号映射到两阶段处理器，实现 ptracer.Registry
type Registry struct {
	table map[uint]entry
}

// NewRegistry 创建带默认确定性策略的注册表
func NewRegistry() *Registry {
	return &Registry{table: defaultTable()}
}

// Lookup 返回系统调用号对应的处理器
// 表里没有的调用号说明过滤器和注册表失配，这是配置错误
func (r *Registry) Lookup(sysno uint) (ptracer.Syscall, error) {
	e, ok := r.table[sysno]
	if !ok {
		return nil, &ptracer.ConfigError{Sysno: sysno,
			Msg: "missing case for system call"}
	}
	return e.make(), nil
}

// Name 返回系统调用号的可读名称，仅用于日志
func (r *Registry) Name(sysno uint) string {
	if e, ok := r.table[sysno]; ok {
		return e.name
	}
	return fmt.Sprintf("#%d", sysno)
}

// Syscalls 导出表里全部系统调用的名称，
// 作为内核过滤器的拦截列表
func (r *Registry) Syscalls() []string {
	names := make([]string, 0, len(r.table))
	for _, e := range r.table {
		names = append(names, e.name)
	}
	sort.Strings(names)
	return names
}
