package bluetooth

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job 后台任务；ctx 在池关闭后仍有效，直到任务自身超时
type Job func(ctx context.Context)

// Pool 每个适配器独占的工作池，服务读/写/发现等排队请求
type Pool struct {
	jobs    chan Job
	workers int
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.RWMutex // 保护 closed 与 jobs 的发送/关闭
	closed  bool
	wg      sync.WaitGroup
	started atomic.Bool

	submitted atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64
}

// PoolStats 工作池统计
type PoolStats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Capacity  int   `json:"capacity"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// NewPool 创建工作池，workers/queueSize 非正时取默认值
func NewPool(workers, queueSize int, timeout time.Duration, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		jobs:    make(chan Job, queueSize),
		workers: workers,
		timeout: timeout,
		logger:  logger,
	}
}

// Start 启动 worker 协程
func (p *Pool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.logger.Debug("starting request workers", zap.Int("worker_count", p.workers))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i + 1)
	}
}

// Submit 非阻塞入队；关闭后返回 ErrAdapterClosed，队列满返回 ErrQueueFull
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrAdapterClosed
	}
	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		return nil
	default:
		return fmt.Errorf("%w: capacity=%d", ErrQueueFull, cap(p.jobs))
	}
}

// Shutdown 停止接收新任务，等待已排队与执行中的任务完成（或 ctx 到期）
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	if !p.started.Load() {
		// 未启动时直接丢弃队列
		for range p.jobs {
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain request workers: %w", ctx.Err())
	}
}

// Closed 是否已停止接收
func (p *Pool) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Stats 统计快照
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		Queued:    len(p.jobs),
		Capacity:  cap(p.jobs),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker_id", id))
	for job := range p.jobs {
		p.run(job, logger)
	}
}

func (p *Pool) run(job Job, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	defer func() {
		p.completed.Add(1)
		if r := recover(); r != nil {
			p.panics.Add(1)
			logger.Error("request job panicked", zap.Any("panic", r))
		}
	}()
	job(ctx)
}
