package health

import (
	"context"
	"sync/atomic"
)

// Readiness 启动阶段的就绪标记：适配器打开成功、存储（如启用）连接成功
type Readiness struct {
	adapterReady atomic.Bool
	storeReady   atomic.Bool
}

// New 创建就绪标记；未启用存储时调用方应直接 SetStoreReady(true)
func New() *Readiness { return &Readiness{} }

func (r *Readiness) SetAdapterReady(v bool) { r.adapterReady.Store(v) }
func (r *Readiness) SetStoreReady(v bool)   { r.storeReady.Store(v) }

// Ready 总体就绪：各子系统均为 true
func (r *Readiness) Ready() bool {
	return r.adapterReady.Load() && r.storeReady.Load()
}

// Checker 以检查器形式暴露就绪标记
func (r *Readiness) Checker() Checker {
	return CheckerFunc{ID: "startup", Fn: func(_ context.Context) CheckResult {
		if r.Ready() {
			return CheckResult{Status: StatusHealthy, Message: "ok"}
		}
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "starting",
			Details: map[string]any{
				"adapter": r.adapterReady.Load(),
				"store":   r.storeReady.Load(),
			},
		}
	}}
}
