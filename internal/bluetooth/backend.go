package bluetooth

import (
	"context"

	"github.com/google/uuid"
)

// Backend 传输后端契约：串口 BGAPI 与 BlueZ D-Bus 各有一个实现
//
// 所有方法可阻塞于底层调用（受 ctx 约束），但不等待状态机迁移；
// 迁移由后端通过 EventSink 异步上报。
type Backend interface {
	// Open 绑定到具体适配器并开始向 sink 投递事件
	Open(ctx context.Context, sink EventSink) error
	Close() error
	// Address 控制器自身地址（Open 之后有效）
	Address() Address

	StartDiscovery(ctx context.Context) error
	// StopDiscovery 未在扫描时返回 ErrDiscoveryIdle
	StopDiscovery(ctx context.Context) error
	// Devices 后端当前已知的设备列表，用于周期性对账
	Devices(ctx context.Context) ([]DeviceInfo, error)

	Connect(ctx context.Context, addr Address) error
	Disconnect(ctx context.Context, addr Address) error
	DiscoverServices(ctx context.Context, addr Address) ([]ServiceInfo, error)

	ReadCharacteristic(ctx context.Context, addr Address, ref AttributeRef) ([]byte, error)
	WriteCharacteristic(ctx context.Context, addr Address, ref AttributeRef, value []byte) error
	ReadDescriptor(ctx context.Context, addr Address, ref AttributeRef) ([]byte, error)
	WriteDescriptor(ctx context.Context, addr Address, ref AttributeRef, value []byte) error
	SetNotify(ctx context.Context, addr Address, ref AttributeRef, enable bool) error
}

// EventSink 后端上行事件回调，实现方不得阻塞过久
type EventSink func(Event)

// AttributeRef 定位一个特征或描述符；Handle 为属性句柄，两个后端都能提供
type AttributeRef struct {
	Service        uuid.UUID
	Characteristic uuid.UUID
	Descriptor     uuid.UUID
	Handle         uint16
}

// DeviceInfo 对账时后端报告的设备快照
type DeviceInfo struct {
	Address          Address
	Name             string
	RSSI             int // 0 表示未知
	TxPower          int
	Connected        bool
	ServicesResolved bool
}

// ServiceInfo 一轮服务发现的结果
type ServiceInfo struct {
	UUID            uuid.UUID
	Handle          uint16
	EndHandle       uint16
	Characteristics []CharacteristicInfo
}

// CharacteristicInfo 特征发现结果
type CharacteristicInfo struct {
	UUID        uuid.UUID
	Handle      uint16
	Properties  uint8
	Descriptors []DescriptorInfo
}

// DescriptorInfo 描述符发现结果
type DescriptorInfo struct {
	UUID   uuid.UUID
	Handle uint16
}

// Event 后端上行事件
type Event interface {
	DeviceAddress() Address
}

// ScanEvent 扫描响应或 RSSI 更新
type ScanEvent struct {
	Addr             Address
	Name             string
	RSSI             int
	TxPower          int
	ManufacturerData []byte
}

// ConnectionEvent 连接结果，Connected=false 表示连接失败
type ConnectionEvent struct {
	Addr      Address
	Connected bool
}

// DisconnectedEvent 连接断开
type DisconnectedEvent struct {
	Addr   Address
	Reason string
}

// ServicesEvent 服务解析完成（后端主动上报）
type ServicesEvent struct {
	Addr     Address
	Services []ServiceInfo
}

// ValueEvent 通知/指示带来的新值
type ValueEvent struct {
	Addr  Address
	Ref   AttributeRef
	Value []byte
}

func (e ScanEvent) DeviceAddress() Address         { return e.Addr }
func (e ConnectionEvent) DeviceAddress() Address   { return e.Addr }
func (e DisconnectedEvent) DeviceAddress() Address { return e.Addr }
func (e ServicesEvent) DeviceAddress() Address     { return e.Addr }
func (e ValueEvent) DeviceAddress() Address        { return e.Addr }
