package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
	"github.com/taoyao-code/ble-gateway/internal/metrics"
)

// Config 跟踪参数
type Config struct {
	Addresses        []bluetooth.Address
	Interval         time.Duration // 保持连接检查周期，默认 30s
	BreakerThreshold int
	BreakerTimeout   time.Duration
	RequestTimeout   time.Duration
}

// Tracker 对配置的设备保持连接，并跟踪在线状态与电量
type Tracker struct {
	adapter *bluetooth.Adapter
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.AppMetrics

	devices map[bluetooth.Address]*tracked

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// Snapshot 跟踪设备的只读视图
type Snapshot struct {
	Address  string       `json:"address"`
	Name     string       `json:"name,omitempty"`
	State    string       `json:"state"`
	RSSI     int          `json:"rssi"`
	Battery  int          `json:"battery"` // -1 表示未知
	Online   bool         `json:"online"`
	LastSeen time.Time    `json:"last_seen"`
	Breaker  BreakerStats `json:"breaker"`
}

// New 创建跟踪器，Start 之前不会发起任何连接
func New(adapter *bluetooth.Adapter, cfg Config, logger *zap.Logger, m *metrics.AppMetrics) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		adapter: adapter,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "tracker")),
		metrics: m,
		devices: make(map[bluetooth.Address]*tracked, len(cfg.Addresses)),
	}
	for _, addr := range cfg.Addresses {
		t.devices[addr] = &tracked{
			t:       t,
			addr:    addr,
			battery: -1,
			breaker: NewBreaker(cfg.BreakerThreshold, cfg.BreakerTimeout),
		}
	}
	return t
}

// Start 注册监听器并启动保持连接循环
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()
	for _, td := range t.devices {
		td.bind(t.adapter.GetDevice(td.addr))
	}
	t.adapter.AddDiscoveryListener(t)

	t.spawn(t.loop)
	t.logger.Info("tracker started", zap.Int("devices", len(t.devices)), zap.Duration("interval", t.cfg.Interval))
}

// Stop 停止循环并注销监听器，等待后台任务退出；可重复调用
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.cancel == nil || t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.cancel()
	t.mu.Unlock()

	t.adapter.RemoveDiscoveryListener(t)
	for _, td := range t.devices {
		if d := td.device(); d != nil {
			d.RemoveListener(td)
		}
	}
	t.wg.Wait()
}

// spawn 在运行期间启动后台任务，Stop 之后不再启动
func (t *Tracker) spawn(fn func(ctx context.Context)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.ctx == nil {
		return false
	}
	ctx := t.ctx
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn(ctx)
	}()
	return true
}

func (t *Tracker) loop(ctx context.Context) {
	t.KeepConnected(ctx)
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.KeepConnected(ctx)
		}
	}
}

// KeepConnected 一轮检查：刷新在线状态，未连接的设备经熔断器发起重连
//
// 每轮都从注册表重新取设备对象，设备被对账淘汰后仍能跟上新对象。
func (t *Tracker) KeepConnected(ctx context.Context) {
	for _, td := range t.devices {
		d := t.adapter.GetDevice(td.addr)
		td.bind(d)
		td.publish()
		st := d.State()
		if st == bluetooth.StateConnecting || st.IsConnected() {
			continue
		}
		td.reconnect(ctx)
	}
}

// OnDeviceDiscovered 被跟踪设备出现时立即尝试连接
func (t *Tracker) OnDeviceDiscovered(d *bluetooth.Device) {
	td, ok := t.devices[d.Address()]
	if !ok {
		return
	}
	td.bind(d)
	if d.State() != bluetooth.StateDiscovered {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
	defer cancel()
	td.reconnect(ctx)
}

// Snapshots 所有跟踪设备，按地址排序
func (t *Tracker) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(t.devices))
	for _, td := range t.devices {
		out = append(out, td.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Lookup 单个跟踪设备
func (t *Tracker) Lookup(addr bluetooth.Address) (Snapshot, bool) {
	td, ok := t.devices[addr]
	if !ok {
		return Snapshot{}, false
	}
	return td.snapshot(), true
}

// tracked 单个被跟踪设备，同时是该设备的监听器
type tracked struct {
	bluetooth.NopDeviceListener
	t       *Tracker
	addr    bluetooth.Address
	dev     *bluetooth.Device
	breaker *Breaker

	mu        sync.Mutex
	rssi      int
	battery   int
	connected bool
	lastSeen  time.Time
}

func (td *tracked) device() *bluetooth.Device {
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.dev
}

// bind 把监听器挂到注册表当前的设备对象上，对象变化时从旧对象摘除
func (td *tracked) bind(d *bluetooth.Device) {
	td.mu.Lock()
	old := td.dev
	if old == d {
		td.mu.Unlock()
		return
	}
	td.dev = d
	td.connected = d.State().IsConnected()
	td.mu.Unlock()

	if old != nil {
		old.RemoveListener(td)
		td.t.logger.Info("tracked device rebound", zap.String("address", td.addr.String()))
	}
	d.AddListener(td)
	// 挂上之前已完成的服务发现不会再通知
	if d.State() == bluetooth.StateServicesResolved {
		td.OnServicesDiscovered()
	}
}

func (td *tracked) reconnect(ctx context.Context) {
	d := td.device()
	if d == nil {
		return
	}
	if err := td.breaker.Allow(); err != nil {
		td.t.logger.Debug("reconnect suppressed", zap.String("address", td.addr.String()), zap.Error(err))
		return
	}
	if err := d.Connect(ctx); err != nil {
		td.breaker.Record(err)
		td.t.logger.Warn("reconnect failed", zap.String("address", td.addr.String()), zap.Error(err))
	}
}

func (td *tracked) OnScanRecordReceived(n bluetooth.ScanNotification) {
	td.mu.Lock()
	if n.RSSI != 0 {
		td.rssi = n.RSSI
	}
	td.lastSeen = n.Time
	td.mu.Unlock()
	td.publish()
}

func (td *tracked) OnConnectionStateChange(n bluetooth.ConnectionStatusNotification) {
	switch {
	case n.State == bluetooth.StateConnected:
		td.breaker.Record(nil)
	case n.State == bluetooth.StateDisconnected && n.Previous == bluetooth.StateConnecting:
		td.breaker.Record(bluetooth.ErrOperationFailed)
	}
	td.mu.Lock()
	td.connected = n.State.IsConnected()
	td.mu.Unlock()
	td.publish()
	td.t.logger.Info("tracked device state",
		zap.String("address", td.addr.String()),
		zap.String("state", n.State.String()),
		zap.String("previous", n.Previous.String()))
}

// OnServicesDiscovered 存在电量特征时开启通知并读取一次
func (td *tracked) OnServicesDiscovered() {
	dev := td.device()
	if dev == nil {
		return
	}
	ch := dev.Characteristic(bluetooth.BatteryLevelUUID)
	if ch == nil {
		return
	}
	// 回调运行在设备邮箱协程中，后端调用放到独立协程
	td.t.spawn(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, td.t.cfg.RequestTimeout)
		defer cancel()
		if ch.Properties()&0x30 != 0 {
			if err := dev.EnableNotifications(ctx, bluetooth.BatteryLevelUUID); err != nil {
				td.t.logger.Warn("battery notifications not enabled", zap.String("address", td.addr.String()), zap.Error(err))
			}
		}
		if err := dev.ReadCharacteristic(bluetooth.BatteryLevelUUID); err != nil {
			td.t.logger.Warn("battery read not submitted", zap.String("address", td.addr.String()), zap.Error(err))
		}
	})
}

func (td *tracked) OnCharacteristicReadComplete(c *bluetooth.Characteristic, status bluetooth.CompletionStatus) {
	if status == bluetooth.StatusSuccess {
		td.OnCharacteristicUpdate(c)
	}
}

func (td *tracked) OnCharacteristicUpdate(c *bluetooth.Characteristic) {
	if c.UUID() != bluetooth.BatteryLevelUUID {
		return
	}
	level, ok := BatteryLevel(c.Value())
	if !ok {
		return
	}
	td.mu.Lock()
	td.battery = level
	td.mu.Unlock()
	td.publish()
}

// BatteryLevel 电量换算：首字节按 0..255 映射到百分比
func BatteryLevel(v []byte) (int, bool) {
	if len(v) == 0 {
		return 0, false
	}
	return int(float64(v[0]) / 2.55), true
}

func (td *tracked) publish() {
	s := td.snapshot()
	td.t.metrics.SetTracked(s.Address, s.Battery, s.Online, s.RSSI)
}

func (td *tracked) snapshot() Snapshot {
	td.mu.Lock()
	s := Snapshot{
		Address:  td.addr.String(),
		RSSI:     td.rssi,
		Battery:  td.battery,
		Online:   td.rssi != 0 && td.connected,
		LastSeen: td.lastSeen,
	}
	dev := td.dev
	td.mu.Unlock()
	if dev != nil {
		s.Name = dev.Name()
		s.State = dev.State().String()
	} else {
		s.State = bluetooth.StateUnknown.String()
	}
	s.Breaker = td.breaker.Stats()
	return s
}
