package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Device 远端外设的状态机
//
// 所有来自后端的状态变更都经由 mailbox 串行提交，提交后再通知监听器，
// 因此同一设备的通知顺序与事件到达顺序一致。
type Device struct {
	addr    Address
	adapter *Adapter
	catalog *Catalog
	logger  *zap.Logger

	mu             sync.RWMutex
	name           string
	rssi           int
	txPower        int
	mfrData        []byte
	state          ConnectionState
	connectPending bool
	lastSeen       time.Time

	listeners listenerSet[DeviceListener]
	box       *mailbox
	notify    singleflight.Group
}

func newDevice(a *Adapter, addr Address, initial ConnectionState) *Device {
	return &Device{
		addr:    addr,
		adapter: a,
		catalog: NewCatalog(a.names),
		logger:  a.logger.With(zap.String("address", addr.String())),
		state:   initial,
		box:     newMailbox(),
	}
}

// Address 设备地址
func (d *Device) Address() Address { return d.addr }

// Name 设备名称，可能在后续扫描中才到达
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

// RSSI 最近一次信号强度，0 表示未知
func (d *Device) RSSI() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi
}

// TxPower 最近一次发射功率
func (d *Device) TxPower() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.txPower
}

// ManufacturerData 最近一次厂商数据
func (d *Device) ManufacturerData() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return cloneBytes(d.mfrData)
}

// State 当前连接状态
func (d *Device) State() ConnectionState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// LastSeen 最近一次被扫描或对账看到的时间
func (d *Device) LastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

// Catalog 设备的 GATT 目录（只读使用）
func (d *Device) Catalog() *Catalog { return d.catalog }

// Services 已发现的服务
func (d *Device) Services() []*Service { return d.catalog.Services() }

// Service 按 UUID 查找服务
func (d *Device) Service(u uuid.UUID) *Service { return d.catalog.Service(u) }

// Characteristic 按 UUID 查找特征（跨服务第一个匹配）
func (d *Device) Characteristic(u uuid.UUID) *Characteristic { return d.catalog.Characteristic(u) }

// AddListener 注册设备监听器
func (d *Device) AddListener(l DeviceListener) bool { return d.listeners.add(l) }

// RemoveListener 注销设备监听器
func (d *Device) RemoveListener(l DeviceListener) bool { return d.listeners.remove(l) }

// Connect 发起连接
//
// 已连接或连接中时直接返回 nil，不重复提交；可阻塞于后端调用本身，
// 但不等待 CONNECTED 迁移，该迁移稍后通过通知到达。
func (d *Device) Connect(ctx context.Context) error {
	if d.adapter.closed.Load() {
		return ErrAdapterClosed
	}
	d.mu.Lock()
	if d.state == StateConnecting || d.state.IsConnected() || d.connectPending {
		d.mu.Unlock()
		d.logger.Debug("connect skipped, already connecting or connected")
		return nil
	}
	d.connectPending = true
	d.mu.Unlock()

	d.post(func() {
		d.mu.Lock()
		d.connectPending = false
		skip := d.state.IsConnected()
		d.mu.Unlock()
		if !skip {
			d.transition(StateConnecting)
		}
	})

	if err := d.adapter.backend.Connect(ctx, d.addr); err != nil {
		err = opError("connect", d.addr, err)
		d.logger.Warn("connect failed", zap.Error(err))
		d.adapter.observeRequest("connect", StatusFailure)
		d.post(func() { d.applyConnection(false) })
		d.reportFailure(err)
		return nil
	}
	d.adapter.observeRequest("connect", StatusSuccess)
	return nil
}

// Disconnect 断开连接；未连接时返回 ErrNotConnected 且不做任何事，
// 后端失败经 OnOperationFailed 上报
func (d *Device) Disconnect(ctx context.Context) error {
	if d.adapter.closed.Load() {
		return ErrAdapterClosed
	}
	st := d.State()
	if st != StateConnecting && !st.IsConnected() {
		return fmt.Errorf("%w: %s is %s", ErrNotConnected, d.addr, st)
	}
	if err := d.adapter.backend.Disconnect(ctx, d.addr); err != nil {
		err = opError("disconnect", d.addr, err)
		d.logger.Warn("disconnect failed", zap.Error(err))
		d.adapter.observeRequest("disconnect", StatusFailure)
		d.reportFailure(err)
		return nil
	}
	d.adapter.observeRequest("disconnect", StatusSuccess)
	return nil
}

// DiscoverServices 提交一轮服务发现，结果经 OnServicesDiscovered 通知，失败经 OnOperationFailed
func (d *Device) DiscoverServices() error {
	if !d.State().IsConnected() {
		return fmt.Errorf("%w: %s", ErrNotConnected, d.addr)
	}
	return d.submitDiscovery()
}

func (d *Device) submitDiscovery() error {
	return d.adapter.submit(func(ctx context.Context) {
		services, err := d.adapter.backend.DiscoverServices(ctx, d.addr)
		if err != nil {
			err = opError("discover_services", d.addr, err)
			d.logger.Warn("service discovery failed", zap.Error(err))
			d.adapter.observeRequest("discover_services", StatusFailure)
			d.reportFailure(err)
			return
		}
		d.adapter.observeRequest("discover_services", StatusSuccess)
		d.post(func() { d.applyServices(services) })
	})
}

// ReadCharacteristic 异步读取；特征不存在时立即返回 ErrNotFound
func (d *Device) ReadCharacteristic(u uuid.UUID) error {
	ch := d.catalog.Characteristic(u)
	if ch == nil {
		return fmt.Errorf("%w: characteristic %s on %s", ErrNotFound, u, d.addr)
	}
	return d.adapter.submit(func(ctx context.Context) {
		value, err := d.adapter.backend.ReadCharacteristic(ctx, d.addr, ch.Ref())
		status := completion(err)
		d.adapter.observeRequest("read_characteristic", status)
		if err != nil {
			d.logger.Warn("characteristic read failed",
				zap.String("uuid", u.String()),
				zap.Error(opError("read_characteristic", d.addr, err)))
		}
		d.post(func() {
			if err == nil {
				ch.setValue(value)
			}
			d.fire(func(l DeviceListener) { l.OnCharacteristicReadComplete(ch, status) })
		})
	})
}

// WriteCharacteristic 异步写入；完成经 OnCharacteristicWriteComplete 通知
func (d *Device) WriteCharacteristic(u uuid.UUID, value []byte) error {
	ch := d.catalog.Characteristic(u)
	if ch == nil {
		return fmt.Errorf("%w: characteristic %s on %s", ErrNotFound, u, d.addr)
	}
	payload := cloneBytes(value)
	return d.adapter.submit(func(ctx context.Context) {
		err := d.adapter.backend.WriteCharacteristic(ctx, d.addr, ch.Ref(), payload)
		status := completion(err)
		d.adapter.observeRequest("write_characteristic", status)
		if err != nil {
			d.logger.Warn("characteristic write failed",
				zap.String("uuid", u.String()),
				zap.Error(opError("write_characteristic", d.addr, err)))
		}
		d.post(func() {
			d.fire(func(l DeviceListener) { l.OnCharacteristicWriteComplete(ch, status) })
		})
	})
}

// ReadDescriptor 异步读取描述符；完成经 OnDescriptorReadComplete 通知
func (d *Device) ReadDescriptor(charUUID, descUUID uuid.UUID) error {
	desc := d.catalog.Descriptor(charUUID, descUUID)
	if desc == nil {
		return fmt.Errorf("%w: descriptor %s/%s on %s", ErrNotFound, charUUID, descUUID, d.addr)
	}
	return d.adapter.submit(func(ctx context.Context) {
		value, err := d.adapter.backend.ReadDescriptor(ctx, d.addr, desc.Ref())
		status := completion(err)
		d.adapter.observeRequest("read_descriptor", status)
		if err != nil {
			d.logger.Warn("descriptor read failed", zap.Error(opError("read_descriptor", d.addr, err)))
		}
		d.post(func() {
			if err == nil {
				desc.setValue(value)
			}
			d.fire(func(l DeviceListener) { l.OnDescriptorReadComplete(desc, status) })
		})
	})
}

// WriteDescriptor 异步写描述符；完成经 OnDescriptorWriteComplete 通知
func (d *Device) WriteDescriptor(charUUID, descUUID uuid.UUID, value []byte) error {
	desc := d.catalog.Descriptor(charUUID, descUUID)
	if desc == nil {
		return fmt.Errorf("%w: descriptor %s/%s on %s", ErrNotFound, charUUID, descUUID, d.addr)
	}
	payload := cloneBytes(value)
	return d.adapter.submit(func(ctx context.Context) {
		err := d.adapter.backend.WriteDescriptor(ctx, d.addr, desc.Ref(), payload)
		status := completion(err)
		d.adapter.observeRequest("write_descriptor", status)
		if err != nil {
			d.logger.Warn("descriptor write failed", zap.Error(opError("write_descriptor", d.addr, err)))
		}
		d.post(func() {
			if err == nil {
				desc.setValue(payload)
			}
			d.fire(func(l DeviceListener) { l.OnDescriptorWriteComplete(desc, status) })
		})
	})
}

// EnableNotifications 开启特征通知，幂等：已开启直接返回 nil，并发调用合并为一次后端请求
func (d *Device) EnableNotifications(ctx context.Context, u uuid.UUID) error {
	return d.setNotify(ctx, u, true)
}

// DisableNotifications 关闭特征通知，未开启时直接返回 nil
func (d *Device) DisableNotifications(ctx context.Context, u uuid.UUID) error {
	return d.setNotify(ctx, u, false)
}

func (d *Device) setNotify(ctx context.Context, u uuid.UUID, enable bool) error {
	ch := d.catalog.Characteristic(u)
	if ch == nil {
		return fmt.Errorf("%w: characteristic %s on %s", ErrNotFound, u, d.addr)
	}
	if d.adapter.closed.Load() {
		return ErrAdapterClosed
	}
	if ch.Notifying() == enable {
		return nil
	}
	op := "disable_notifications"
	if enable {
		op = "enable_notifications"
	}
	// 并发的同向请求合并为一次后端调用，参与者共享其结果：
	// 后端拒绝时都拿到同一个错误，除非此时特征已处于目标状态（例如断开已清除订阅）
	key := fmt.Sprintf("%s/%04x/%s", op, ch.Handle(), ch.UUID())
	_, err, shared := d.notify.Do(key, func() (any, error) {
		if ch.Notifying() == enable {
			return nil, nil
		}
		if err := d.adapter.backend.SetNotify(ctx, d.addr, ch.Ref(), enable); err != nil {
			return nil, opError(op, d.addr, err)
		}
		ch.setNotifying(enable)
		return nil, nil
	})
	if err != nil && shared && ch.Notifying() == enable {
		err = nil
	}
	d.adapter.observeRequest(op, completion(err))
	return err
}

// handleEvent 后端事件入口（在后端上行协程调用），只负责投递
func (d *Device) handleEvent(ev Event) {
	d.post(func() { d.apply(ev) })
}

func (d *Device) apply(ev Event) {
	switch e := ev.(type) {
	case ScanEvent:
		d.applyScan(e)
	case ConnectionEvent:
		d.applyConnection(e.Connected)
	case DisconnectedEvent:
		d.applyDisconnected(e.Reason)
	case ServicesEvent:
		d.applyServices(e.Services)
	case ValueEvent:
		d.applyValue(e)
	default:
		d.logger.Debug("unhandled backend event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (d *Device) applyScan(e ScanEvent) {
	now := time.Now()
	d.mu.Lock()
	if e.Name != "" {
		d.name = e.Name
	}
	if e.RSSI != 0 {
		d.rssi = e.RSSI
	}
	if e.TxPower != 0 {
		d.txPower = e.TxPower
	}
	if len(e.ManufacturerData) > 0 {
		d.mfrData = cloneBytes(e.ManufacturerData)
	}
	d.lastSeen = now
	name, unknown := d.name, d.state == StateUnknown
	d.mu.Unlock()

	if unknown {
		d.transition(StateDiscovered)
	}
	n := ScanNotification{
		Address:          d.addr,
		Name:             name,
		RSSI:             e.RSSI,
		TxPower:          e.TxPower,
		ManufacturerData: cloneBytes(e.ManufacturerData),
		Time:             now,
	}
	d.fire(func(l DeviceListener) { l.OnScanRecordReceived(n) })
}

// applyInfo 对账结果：更新 RSSI/功率/名称/连接状态
func (d *Device) applyInfo(info DeviceInfo) {
	d.mu.Lock()
	if info.Name != "" {
		d.name = info.Name
	}
	d.rssi = info.RSSI
	if info.TxPower != 0 {
		d.txPower = info.TxPower
	}
	d.lastSeen = time.Now()
	st := d.state
	name := d.name
	d.mu.Unlock()

	if st == StateUnknown {
		d.transition(StateDiscovered)
	}
	switch {
	case info.Connected && !st.IsConnected():
		d.applyConnection(true)
	case !info.Connected && st.IsConnected():
		// 连接中的设备尚未被后端报告为已连接属正常情况，不在此处理
		d.applyDisconnected("not reported connected")
	}
	if info.RSSI != 0 {
		n := ScanNotification{Address: d.addr, Name: name, RSSI: info.RSSI, TxPower: info.TxPower, Time: time.Now()}
		d.fire(func(l DeviceListener) { l.OnScanRecordReceived(n) })
	}
}

func (d *Device) applyConnection(connected bool) {
	st := d.State()
	if connected {
		if st.IsConnected() {
			return
		}
		d.transition(StateConnected)
		if err := d.submitDiscovery(); err != nil {
			d.logger.Debug("auto service discovery not submitted", zap.Error(err))
		}
		return
	}
	if st == StateConnecting {
		d.transition(StateDisconnected)
	}
}

func (d *Device) applyDisconnected(reason string) {
	st := d.State()
	if st != StateConnecting && !st.IsConnected() {
		return
	}
	for _, s := range d.catalog.Services() {
		for _, ch := range s.Characteristics() {
			ch.setNotifying(false)
		}
	}
	d.logger.Debug("device disconnected", zap.String("reason", reason))
	d.transition(StateDisconnected)
}

func (d *Device) applyServices(services []ServiceInfo) {
	added := d.catalog.Merge(services)
	if d.State() == StateConnected {
		d.transition(StateServicesResolved)
	}
	if added > 0 {
		d.logger.Debug("gatt catalog updated", zap.Int("added", added))
		d.fire(func(l DeviceListener) { l.OnServicesDiscovered() })
	}
}

func (d *Device) applyValue(e ValueEvent) {
	ch, desc := d.catalog.Resolve(e.Ref)
	switch {
	case ch != nil:
		ch.setValue(e.Value)
		d.fire(func(l DeviceListener) { l.OnCharacteristicUpdate(ch) })
	case desc != nil:
		desc.setValue(e.Value)
		d.fire(func(l DeviceListener) { l.OnDescriptorUpdate(desc) })
	default:
		d.logger.Debug("value for unknown attribute dropped", zap.Uint16("handle", e.Ref.Handle))
	}
}

// transition 提交状态迁移并通知；状态未变化返回 false
func (d *Device) transition(to ConnectionState) bool {
	d.mu.Lock()
	from := d.state
	if from == to {
		d.mu.Unlock()
		return false
	}
	d.state = to
	d.mu.Unlock()

	d.adapter.observeTransition(to)
	d.logger.Debug("connection state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	n := ConnectionStatusNotification{Address: d.addr, State: to, Previous: from}
	d.fire(func(l DeviceListener) { l.OnConnectionStateChange(n) })
	return true
}

// reportFailure 经邮箱上报失败，与状态通知保持同序
func (d *Device) reportFailure(err error) {
	var oe *OperationError
	if !errors.As(err, &oe) {
		return
	}
	d.post(func() {
		d.fire(func(l DeviceListener) { l.OnOperationFailed(oe) })
	})
}

func (d *Device) post(fn func()) {
	if !d.box.post(fn) {
		d.logger.Debug("device mailbox closed, update dropped")
	}
}

func (d *Device) fire(fn func(DeviceListener)) {
	d.listeners.each(fn, func(r any) {
		d.logger.Error("device listener panicked", zap.Any("panic", r))
	})
}

func (d *Device) run() {
	d.box.run(func(r any) {
		d.logger.Error("device update panicked", zap.Any("panic", r))
	})
}

func completion(err error) CompletionStatus {
	if err != nil {
		return StatusFailure
	}
	return StatusSuccess
}
