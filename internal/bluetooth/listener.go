package bluetooth

import (
	"sync"
	"sync/atomic"
)

// DiscoveryListener 适配器级通知：新设备或设备信息变化
type DiscoveryListener interface {
	OnDeviceDiscovered(d *Device)
}

// DeviceListener 设备级通知
//
// 异步请求（读写、服务发现、断开、连接）无论成败都会回调：读写类经各自的
// Complete 回调带 CompletionStatus 上报，其余失败经 OnOperationFailed 上报。
// OnDescriptorUpdate 只对应后端主动上报的描述符值。
type DeviceListener interface {
	OnScanRecordReceived(n ScanNotification)
	OnConnectionStateChange(n ConnectionStatusNotification)
	OnServicesDiscovered()
	OnCharacteristicReadComplete(c *Characteristic, status CompletionStatus)
	OnCharacteristicWriteComplete(c *Characteristic, status CompletionStatus)
	OnCharacteristicUpdate(c *Characteristic)
	OnDescriptorReadComplete(d *Descriptor, status CompletionStatus)
	OnDescriptorWriteComplete(d *Descriptor, status CompletionStatus)
	OnDescriptorUpdate(d *Descriptor)
	OnOperationFailed(err *OperationError)
}

// NopDeviceListener 空实现，供只关心部分回调的监听器嵌入
type NopDeviceListener struct{}

func (NopDeviceListener) OnScanRecordReceived(ScanNotification)                           {}
func (NopDeviceListener) OnConnectionStateChange(ConnectionStatusNotification)            {}
func (NopDeviceListener) OnServicesDiscovered()                                           {}
func (NopDeviceListener) OnCharacteristicReadComplete(*Characteristic, CompletionStatus)  {}
func (NopDeviceListener) OnCharacteristicWriteComplete(*Characteristic, CompletionStatus) {}
func (NopDeviceListener) OnCharacteristicUpdate(*Characteristic)                          {}
func (NopDeviceListener) OnDescriptorReadComplete(*Descriptor, CompletionStatus)          {}
func (NopDeviceListener) OnDescriptorWriteComplete(*Descriptor, CompletionStatus)         {}
func (NopDeviceListener) OnDescriptorUpdate(*Descriptor)                                  {}
func (NopDeviceListener) OnOperationFailed(*OperationError)                               {}

// DiscoveryListenerFunc 函数适配
type DiscoveryListenerFunc func(d *Device)

func (f DiscoveryListenerFunc) OnDeviceDiscovered(d *Device) { f(d) }

// listenerSet 写时复制集合：增删在锁内复制切片，遍历读取原子快照
type listenerSet[T comparable] struct {
	mu   sync.Mutex
	snap atomic.Pointer[[]T]
}

// add 已存在则忽略，返回是否新增
func (s *listenerSet[T]) add(l T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.load()
	for _, x := range cur {
		if x == l {
			return false
		}
	}
	next := make([]T, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, l)
	s.snap.Store(&next)
	return true
}

func (s *listenerSet[T]) remove(l T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.load()
	for i, x := range cur {
		if x == l {
			next := make([]T, 0, len(cur)-1)
			next = append(next, cur[:i]...)
			next = append(next, cur[i+1:]...)
			s.snap.Store(&next)
			return true
		}
	}
	return false
}

func (s *listenerSet[T]) load() []T {
	p := s.snap.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (s *listenerSet[T]) len() int { return len(s.load()) }

// each 遍历快照；单个监听器 panic 不影响其余监听器
func (s *listenerSet[T]) each(fn func(T), onPanic func(any)) {
	for _, l := range s.load() {
		func() {
			defer func() {
				if r := recover(); r != nil && onPanic != nil {
					onPanic(r)
				}
			}()
			fn(l)
		}()
	}
}
