package ptrace

import (
	"context"

	"github.com/zqzqsb/determ/handler"
	"github.com/zqzqsb/determ/pkg/forkexec"
	"github.com/zqzqsb/determ/pkg/seccomp/libseccomp"
	"github.com/zqzqsb/determ/ptracer"
	"github.com/zqzqsb/determ/runner"
)

// Run 确定性地运行目标程序
// 流程：
//  1. 从注册表导出拦截列表并构建内核过滤器
//  2. 启动子进程（TRACEME + 过滤器先于 execve 生效）
//  3. 进入监督循环，处理器在 pre/post hook 改写不确定性来源
func (r *Runner) Run(c context.Context) runner.Result {
	registry := r.Registry
	if registry == nil {
		registry = handler.NewRegistry()
	}

	// 过滤器的拦截列表直接来自注册表，保证两者不会失配；
	// 列表之外的系统调用直接放行
	b := libseccomp.Builder{
		Trace:   registry.Syscalls(),
		Default: libseccomp.ActionAllow,
	}
	filter, err := b.Build()
	if err != nil {
		return runner.Result{
			Status: runner.StatusConfigError,
			Error:  err.Error(),
		}
	}

	ch := &forkexec.Runner{
		Args:     r.Args,
		Env:      r.Env,
		ExecFile: r.ExecFile,
		RLimits:  r.RLimits,
		Files:    r.Files,
		WorkDir:  r.WorkDir,
		Seccomp:  filter.SockFprog(),
		Ptrace:   true,
		SyncFunc: r.SyncFunc,
	}

	tracer := ptracer.Tracer{
		Handler:   &tracerHandler{ShowDetails: r.ShowDetails},
		Runner:    ch,
		Registry:  registry,
		Verbosity: r.Verbosity,
	}

	return tracer.Trace(c)
}
