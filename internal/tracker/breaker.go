package tracker

import (
	"errors"
	"sync"
	"time"
)

// BreakerState 重连熔断器状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常重连
	BreakerOpen                         // 暂停重连
	BreakerHalfOpen                     // 允许一次试探连接
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen 熔断期内拒绝重连
var ErrBreakerOpen = errors.New("reconnect breaker is open")

// Breaker 单设备重连熔断器
//
// 连接结果异步到达，所以拆成 Allow（发起前）与 Record（状态通知到达时）两步；
// 半开状态只放行一次尝试，结果到达前的后续 Allow 都被拒绝。
type Breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	trips        int64
	lastFailTime time.Time
	lastChange   time.Time
	probing      bool

	threshold int
	timeout   time.Duration
	now       func() time.Time
}

// NewBreaker 连续 threshold 次失败后熔断 timeout
func NewBreaker(threshold int, timeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Breaker{threshold: threshold, timeout: timeout, now: time.Now, lastChange: time.Now()}
}

// Allow 是否可以发起一次连接
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.lastFailTime) < b.timeout {
			return ErrBreakerOpen
		}
		b.transition(BreakerHalfOpen)
		b.probing = true
		return nil
	default:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	}
}

// Record 记录一次连接结果
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if err == nil {
		b.failures = 0
		b.transition(BreakerClosed)
		return
	}
	b.failures++
	b.lastFailTime = b.now()
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.transition(BreakerOpen)
			b.trips++
		}
	case BreakerHalfOpen:
		b.transition(BreakerOpen)
		b.trips++
	}
}

func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	b.state = to
	b.lastChange = b.now()
}

// State 当前状态
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats 统计信息
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:           b.state.String(),
		Failures:        b.failures,
		Trips:           b.trips,
		LastStateChange: b.lastChange,
	}
}

// BreakerStats 熔断器统计信息
type BreakerStats struct {
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Trips           int64     `json:"trips"`
	LastStateChange time.Time `json:"last_state_change"`
}
