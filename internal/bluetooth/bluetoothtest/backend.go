// Package bluetoothtest 提供内存后端，供上层包（tracker、recorder、api）的测试驱动适配器
package bluetoothtest

import (
	"context"
	"sync"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
)

// ControllerAddress 假后端的控制器地址
var ControllerAddress = bluetooth.MustParseAddress("00:1A:7D:DA:71:13")

// Backend 可编程的内存后端
type Backend struct {
	mu        sync.Mutex
	sink      bluetooth.EventSink
	devices   []bluetooth.DeviceInfo
	services  map[bluetooth.Address][]bluetooth.ServiceInfo
	values    map[uint16][]byte
	notifying map[uint16]bool
	calls     map[string]int
	scanning  bool
	closed    bool

	// AutoConnect 为 true 时 Connect 成功后立即上报 ConnectionEvent
	AutoConnect bool
	ConnectErr  error
	NotifyErr   error
}

var _ bluetooth.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{
		services:  make(map[bluetooth.Address][]bluetooth.ServiceInfo),
		values:    make(map[uint16][]byte),
		notifying: make(map[uint16]bool),
		calls:     make(map[string]int),
	}
}

// Count 某操作被调用的次数
func (b *Backend) Count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Notifying 某句柄当前是否已订阅
func (b *Backend) Notifying(handle uint16) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notifying[handle]
}

func (b *Backend) record(op string) {
	b.mu.Lock()
	b.calls[op]++
	b.mu.Unlock()
}

// Emit 注入一个后端事件
func (b *Backend) Emit(ev bluetooth.Event) {
	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// SetConnectResult 运行中切换 Connect 的结果
func (b *Backend) SetConnectResult(auto bool, err error) {
	b.mu.Lock()
	b.AutoConnect, b.ConnectErr = auto, err
	b.mu.Unlock()
}

// SetDevices 替换对账时报告的设备列表
func (b *Backend) SetDevices(infos ...bluetooth.DeviceInfo) {
	b.mu.Lock()
	b.devices = append([]bluetooth.DeviceInfo(nil), infos...)
	b.mu.Unlock()
}

// SetServices 设置服务发现结果
func (b *Backend) SetServices(addr bluetooth.Address, services ...bluetooth.ServiceInfo) {
	b.mu.Lock()
	b.services[addr] = services
	b.mu.Unlock()
}

// SetValue 设置句柄上的属性值
func (b *Backend) SetValue(handle uint16, v []byte) {
	b.mu.Lock()
	b.values[handle] = append([]byte(nil), v...)
	b.mu.Unlock()
}

// Value 读取句柄上的属性值（测试断言写入）
func (b *Backend) Value(handle uint16) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.values[handle]...)
}

// Scanning 后端是否处于发现中
func (b *Backend) Scanning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scanning
}

func (b *Backend) Open(_ context.Context, sink bluetooth.EventSink) error {
	b.record("open")
	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()
	return nil
}

func (b *Backend) Close() error {
	b.record("close")
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) Address() bluetooth.Address { return ControllerAddress }

func (b *Backend) StartDiscovery(context.Context) error {
	b.record("start_discovery")
	b.mu.Lock()
	b.scanning = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) StopDiscovery(context.Context) error {
	b.record("stop_discovery")
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.scanning {
		return bluetooth.ErrDiscoveryIdle
	}
	b.scanning = false
	return nil
}

func (b *Backend) Devices(context.Context) ([]bluetooth.DeviceInfo, error) {
	b.record("devices")
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bluetooth.DeviceInfo(nil), b.devices...), nil
}

func (b *Backend) Connect(_ context.Context, addr bluetooth.Address) error {
	b.record("connect")
	b.mu.Lock()
	err, auto := b.ConnectErr, b.AutoConnect
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if auto {
		go b.Emit(bluetooth.ConnectionEvent{Addr: addr, Connected: true})
	}
	return nil
}

func (b *Backend) Disconnect(_ context.Context, addr bluetooth.Address) error {
	b.record("disconnect")
	go b.Emit(bluetooth.DisconnectedEvent{Addr: addr, Reason: "local"})
	return nil
}

func (b *Backend) DiscoverServices(_ context.Context, addr bluetooth.Address) ([]bluetooth.ServiceInfo, error) {
	b.record("discover_services")
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.services[addr], nil
}

func (b *Backend) ReadCharacteristic(_ context.Context, _ bluetooth.Address, ref bluetooth.AttributeRef) ([]byte, error) {
	b.record("read_characteristic")
	return b.read(ref)
}

func (b *Backend) WriteCharacteristic(_ context.Context, _ bluetooth.Address, ref bluetooth.AttributeRef, value []byte) error {
	b.record("write_characteristic")
	b.SetValue(ref.Handle, value)
	return nil
}

func (b *Backend) ReadDescriptor(_ context.Context, _ bluetooth.Address, ref bluetooth.AttributeRef) ([]byte, error) {
	b.record("read_descriptor")
	return b.read(ref)
}

func (b *Backend) WriteDescriptor(_ context.Context, _ bluetooth.Address, ref bluetooth.AttributeRef, value []byte) error {
	b.record("write_descriptor")
	b.SetValue(ref.Handle, value)
	return nil
}

func (b *Backend) SetNotify(_ context.Context, _ bluetooth.Address, ref bluetooth.AttributeRef, enable bool) error {
	b.record("set_notify")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NotifyErr != nil {
		return b.NotifyErr
	}
	b.notifying[ref.Handle] = enable
	return nil
}

func (b *Backend) read(ref bluetooth.AttributeRef) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[ref.Handle]
	if !ok {
		return nil, bluetooth.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// BatteryService 电池服务：0x0010 服务，0x0011 电量特征（read|notify），0x0012 CCCD
func BatteryService() bluetooth.ServiceInfo {
	return bluetooth.ServiceInfo{
		UUID:      bluetooth.BatteryServiceUUID,
		Handle:    0x0010,
		EndHandle: 0x0012,
		Characteristics: []bluetooth.CharacteristicInfo{{
			UUID:       bluetooth.BatteryLevelUUID,
			Handle:     0x0011,
			Properties: 0x12,
			Descriptors: []bluetooth.DescriptorInfo{
				{UUID: bluetooth.ClientCharacteristicConfUUID, Handle: 0x0012},
			},
		}},
	}
}
