package health

import (
	"context"
	"fmt"
	"time"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
	"github.com/taoyao-code/ble-gateway/internal/recorder"
	"github.com/taoyao-code/ble-gateway/internal/tracker"
)

// AdapterChecker 蓝牙适配器健康检查
type AdapterChecker struct {
	adapter *bluetooth.Adapter
}

func NewAdapterChecker(a *bluetooth.Adapter) *AdapterChecker {
	return &AdapterChecker{adapter: a}
}

func (c *AdapterChecker) Name() string { return "adapter" }

// Check 适配器已关闭为 Unhealthy；工作池队列接近满为 Degraded
func (c *AdapterChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	info := c.adapter.Info()
	details := map[string]any{
		"address":  info.Address.String(),
		"scanning": info.Scanning,
		"devices":  info.Devices,
		"queued":   info.Pool.Queued,
		"panics":   info.Pool.Panics,
	}
	if info.Closed {
		return CheckResult{Status: StatusUnhealthy, Message: "adapter closed", Details: details, Latency: time.Since(start)}
	}

	status, message := StatusHealthy, "ok"
	if info.Pool.Capacity > 0 {
		utilization := float64(info.Pool.Queued) / float64(info.Pool.Capacity)
		details["utilization"] = fmt.Sprintf("%.1f%%", utilization*100)
		if utilization > 0.8 {
			status, message = StatusDegraded, "operation queue near limit"
		}
	}
	return CheckResult{Status: status, Message: message, Details: details, Latency: time.Since(start)}
}

// TrackerChecker 跟踪设备连接情况；有熔断中的设备时降级
type TrackerChecker struct {
	tracker *tracker.Tracker
}

func NewTrackerChecker(t *tracker.Tracker) *TrackerChecker {
	return &TrackerChecker{tracker: t}
}

func (c *TrackerChecker) Name() string { return "tracker" }

func (c *TrackerChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	snaps := c.tracker.Snapshots()
	online, open := 0, 0
	for _, s := range snaps {
		if s.Online {
			online++
		}
		if s.Breaker.State == tracker.BreakerOpen.String() {
			open++
		}
	}
	status, message := StatusHealthy, "ok"
	if open > 0 {
		status, message = StatusDegraded, fmt.Sprintf("%d device(s) with open reconnect breaker", open)
	}
	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"tracked":       len(snaps),
			"online":        online,
			"breakers_open": open,
		},
		Latency: time.Since(start),
	}
}

// RecorderChecker 记录器；出现丢弃或写失败时降级
type RecorderChecker struct {
	recorder *recorder.Recorder
}

func NewRecorderChecker(r *recorder.Recorder) *RecorderChecker {
	return &RecorderChecker{recorder: r}
}

func (c *RecorderChecker) Name() string { return "recorder" }

func (c *RecorderChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	st := c.recorder.Stats()
	status, message := StatusHealthy, "ok"
	if st.Dropped > 0 || st.Failed > 0 {
		status, message = StatusDegraded, "records dropped or failed"
	}
	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"queued":  st.Queued,
			"written": st.Written,
			"failed":  st.Failed,
			"dropped": st.Dropped,
		},
		Latency: time.Since(start),
	}
}
