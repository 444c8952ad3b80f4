package serialport

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Pacer 基于 Token Bucket 的命令下发节拍器（控制器不能承受背靠背的命令帧）
type Pacer struct {
	limiter    *rate.Limiter
	ratePerSec int
	burst      int
	sent       atomic.Int64
	waited     atomic.Int64
}

// NewPacer 创建节拍器
// ratePerSec: 每秒允许下发的帧数，非正时不限速
// burst: 突发容量
func NewPacer(ratePerSec int, burst int) *Pacer {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &Pacer{
		limiter:    rate.NewLimiter(limit, burst),
		ratePerSec: ratePerSec,
		burst:      burst,
	}
}

// Wait 阻塞直到允许下发
func (p *Pacer) Wait(ctx context.Context) error {
	if !p.limiter.Allow() {
		p.waited.Add(1)
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	p.sent.Add(1)
	return nil
}

// Stats 获取统计信息
func (p *Pacer) Stats() PacerStats {
	return PacerStats{
		RatePerSecond: p.ratePerSec,
		Burst:         p.burst,
		SentTotal:     p.sent.Load(),
		WaitedTotal:   p.waited.Load(),
	}
}

// PacerStats 节拍器统计信息
type PacerStats struct {
	RatePerSecond int   `json:"rate_per_second"`
	Burst         int   `json:"burst"`
	SentTotal     int64 `json:"sent_total"`
	WaitedTotal   int64 `json:"waited_total"`
}
