package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/ble-gateway/internal/metrics"
)

// Options 适配器参数，零值字段取默认值
type Options struct {
	ReconcileInterval time.Duration // 对账周期，默认 10s
	EvictMissing      bool          // 对账时移除后端不再报告且未连接的设备
	Workers           int
	QueueSize         int
	RequestTimeout    time.Duration
	Names             *NameTable
	Metrics           *metrics.AppMetrics
}

func (o *Options) applyDefaults() {
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.Names == nil {
		o.Names = DefaultNames()
	}
}

// Adapter 单个后端控制器上的设备注册表与请求调度
//
// 发现监听器可能在不同设备的协程中被并发调用，实现方需自行保证并发安全；
// 不得在监听器回调中调用 Close。
type Adapter struct {
	backend Backend
	opts    Options
	logger  *zap.Logger
	names   *NameTable
	metrics *metrics.AppMetrics
	pool    *Pool

	mu          sync.RWMutex
	devices     map[Address]*Device
	boxesClosed bool
	cancel      context.CancelFunc
	loopDone    chan struct{}

	discovery listenerSet[DiscoveryListener]
	devWG     sync.WaitGroup

	started   atomic.Bool
	closed    atomic.Bool
	scanning  atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// AdapterInfo 适配器概要
type AdapterInfo struct {
	Address  Address   `json:"address"`
	Scanning bool      `json:"scanning"`
	Devices  int       `json:"devices"`
	Closed   bool      `json:"closed"`
	Pool     PoolStats `json:"pool"`
}

// NewAdapter 创建适配器（未启动）
func NewAdapter(backend Backend, opts Options, logger *zap.Logger) *Adapter {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		backend: backend,
		opts:    opts,
		logger:  logger,
		names:   opts.Names,
		metrics: opts.Metrics,
		pool:    NewPool(opts.Workers, opts.QueueSize, opts.RequestTimeout, logger),
		devices: make(map[Address]*Device),
	}
}

// Start 打开后端并启动对账循环
func (a *Adapter) Start(ctx context.Context) error {
	if a.closed.Load() {
		return ErrAdapterClosed
	}
	if !a.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := a.backend.Open(ctx, a.dispatch); err != nil {
		a.started.Store(false)
		return fmt.Errorf("open backend: %w", err)
	}
	a.pool.Start()

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.mu.Lock()
	a.cancel, a.loopDone = cancel, done
	a.mu.Unlock()
	go a.loop(loopCtx, done)

	a.logger.Info("bluetooth adapter started",
		zap.String("address", a.backend.Address().String()),
		zap.Duration("reconcile_interval", a.opts.ReconcileInterval))
	return nil
}

// Address 控制器地址
func (a *Adapter) Address() Address { return a.backend.Address() }

// Names GATT 名称表
func (a *Adapter) Names() *NameTable { return a.names }

// Scanning 是否处于扫描中
func (a *Adapter) Scanning() bool { return a.scanning.Load() }

// Closed 是否已关闭
func (a *Adapter) Closed() bool { return a.closed.Load() }

// Info 概要快照
func (a *Adapter) Info() AdapterInfo {
	a.mu.RLock()
	n := len(a.devices)
	a.mu.RUnlock()
	return AdapterInfo{
		Address:  a.backend.Address(),
		Scanning: a.scanning.Load(),
		Devices:  n,
		Closed:   a.closed.Load(),
		Pool:     a.pool.Stats(),
	}
}

// ScanStart 开始扫描并立即对账一次
func (a *Adapter) ScanStart(ctx context.Context) error {
	if a.closed.Load() {
		return ErrAdapterClosed
	}
	if err := a.backend.StartDiscovery(ctx); err != nil {
		return opError("start_discovery", a.backend.Address(), err)
	}
	a.scanning.Store(true)
	if err := a.Reconcile(ctx); err != nil {
		a.logger.Warn("reconcile after scan start failed", zap.Error(err))
	}
	return nil
}

// ScanStop 停止扫描；未在扫描时视为成功
func (a *Adapter) ScanStop(ctx context.Context) error {
	if a.closed.Load() {
		return ErrAdapterClosed
	}
	err := a.backend.StopDiscovery(ctx)
	a.scanning.Store(false)
	if err != nil && !errors.Is(err, ErrDiscoveryIdle) {
		return opError("stop_discovery", a.backend.Address(), err)
	}
	return nil
}

// GetDevice 取得或创建设备（新建时状态为 UNKNOWN），从不返回 nil
func (a *Adapter) GetDevice(addr Address) *Device {
	d, _ := a.getOrCreate(addr)
	return d
}

// Lookup 仅查找，不创建
func (a *Adapter) Lookup(addr Address) (*Device, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	d, ok := a.devices[addr]
	return d, ok
}

// Devices 按地址排序的设备快照
func (a *Adapter) Devices() []*Device {
	a.mu.RLock()
	out := make([]*Device, 0, len(a.devices))
	for _, d := range a.devices {
		out = append(out, d)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].addr.String() < out[j].addr.String() })
	return out
}

// AddDiscoveryListener 注册发现监听器
func (a *Adapter) AddDiscoveryListener(l DiscoveryListener) bool { return a.discovery.add(l) }

// RemoveDiscoveryListener 注销发现监听器
func (a *Adapter) RemoveDiscoveryListener(l DiscoveryListener) bool { return a.discovery.remove(l) }

// Reconcile 与后端设备列表对账
func (a *Adapter) Reconcile(ctx context.Context) error {
	if a.closed.Load() {
		return ErrAdapterClosed
	}
	start := time.Now()
	infos, err := a.backend.Devices(ctx)
	if err != nil {
		return fmt.Errorf("list backend devices: %w", err)
	}
	seen := make(map[Address]struct{}, len(infos))
	for _, info := range infos {
		seen[info.Address] = struct{}{}
		d, _ := a.getOrCreate(info.Address)
		info := info
		d.post(func() {
			d.applyInfo(info)
			a.announce(d)
		})
	}
	if a.opts.EvictMissing {
		a.evict(seen)
	}
	a.metrics.ObserveReconcile(time.Since(start).Seconds())
	return nil
}

// Close 停止接收请求、停止对账、排空请求队列与设备邮箱，最后关闭后端；可重复调用
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)

		a.mu.RLock()
		cancel, done := a.cancel, a.loopDone
		a.mu.RUnlock()
		if cancel != nil {
			cancel()
			<-done
		}

		ctx, stop := context.WithTimeout(context.Background(), a.opts.RequestTimeout+time.Second)
		if err := a.pool.Shutdown(ctx); err != nil {
			a.logger.Warn("request queue not drained", zap.Error(err))
		}
		stop()

		a.mu.Lock()
		a.boxesClosed = true
		for _, d := range a.devices {
			d.box.close()
		}
		a.mu.Unlock()
		a.devWG.Wait()

		if a.started.Load() {
			a.closeErr = a.backend.Close()
		}
		a.logger.Info("bluetooth adapter closed")
	})
	return a.closeErr
}

// dispatch 后端事件入口
func (a *Adapter) dispatch(ev Event) {
	if ev == nil || a.closed.Load() {
		return
	}
	d, created := a.getOrCreate(ev.DeviceAddress())
	if created {
		d.post(func() {
			d.apply(ev)
			a.announce(d)
		})
		return
	}
	d.handleEvent(ev)
}

func (a *Adapter) getOrCreate(addr Address) (*Device, bool) {
	a.mu.RLock()
	d, ok := a.devices[addr]
	a.mu.RUnlock()
	if ok {
		return d, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok := a.devices[addr]; ok {
		return d, false
	}
	d = newDevice(a, addr, StateUnknown)
	a.devices[addr] = d
	if a.boxesClosed {
		d.box.close()
	}
	a.devWG.Add(1)
	go func() {
		defer a.devWG.Done()
		d.run()
	}()
	a.metrics.SetDevices(len(a.devices))
	return d, true
}

func (a *Adapter) evict(seen map[Address]struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for addr, d := range a.devices {
		if _, ok := seen[addr]; ok {
			continue
		}
		st := d.State()
		if st.IsConnected() || st == StateConnecting {
			continue
		}
		delete(a.devices, addr)
		d.box.close()
		a.logger.Debug("device evicted", zap.String("address", addr.String()))
	}
	a.metrics.SetDevices(len(a.devices))
}

func (a *Adapter) announce(d *Device) {
	a.discovery.each(func(l DiscoveryListener) { l.OnDeviceDiscovered(d) }, func(r any) {
		a.logger.Error("discovery listener panicked", zap.Any("panic", r))
	})
}

func (a *Adapter) submit(job Job) error {
	if a.closed.Load() {
		return ErrAdapterClosed
	}
	return a.pool.Submit(job)
}

func (a *Adapter) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, a.opts.ReconcileInterval)
			if err := a.Reconcile(rctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrAdapterClosed) {
				a.logger.Warn("reconcile failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (a *Adapter) observeRequest(op string, status CompletionStatus) {
	a.metrics.ObserveRequest(op, status.String())
}

func (a *Adapter) observeTransition(s ConnectionState) {
	a.metrics.ObserveTransition(s.String())
}
