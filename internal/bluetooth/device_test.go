package bluetooth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countState(states []ConnectionState, s ConnectionState) int {
	n := 0
	for _, x := range states {
		if x == s {
			n++
		}
	}
	return n
}

func TestDeviceConnectingToConnectedAutoDiscovers(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := a.GetDevice(devA)
	l := &recordingListener{}
	d.AddListener(l)

	require.NoError(t, d.Connect(context.Background()))
	waitIdle(t, d)
	assert.Equal(t, StateConnecting, d.State())
	assert.Equal(t, 1, b.count("connect"))

	b.emit(ConnectionEvent{Addr: devA, Connected: true})
	require.Eventually(t, func() bool { return b.count("discover_services") == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return d.State() == StateServicesResolved }, 2*time.Second, 5*time.Millisecond)

	// 重复的连接事件不产生通知，也不重新发现
	b.emit(ConnectionEvent{Addr: devA, Connected: true})
	waitIdle(t, d)

	states := l.stateList()
	assert.Equal(t, 1, countState(states, StateConnected))
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateServicesResolved}, states)
	assert.Equal(t, 1, b.count("discover_services"))
}

func TestDeviceConnectIsNoopWhenConnecting(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := a.GetDevice(devA)

	require.NoError(t, d.Connect(context.Background()))
	require.NoError(t, d.Connect(context.Background()))
	waitIdle(t, d)
	require.NoError(t, d.Connect(context.Background()))

	assert.Equal(t, 1, b.count("connect"))
	assert.Equal(t, StateConnecting, d.State())
}

func TestDeviceConnectFailureReportsDisconnected(t *testing.T) {
	b := newFakeBackend()
	b.connectErr = errors.New("connection timeout")
	a := newTestAdapter(t, b)
	d := a.GetDevice(devA)
	l := &recordingListener{}
	d.AddListener(l)

	// 后端失败不以同步错误返回，而是经状态通知上报
	require.NoError(t, d.Connect(context.Background()))
	waitIdle(t, d)

	assert.Equal(t, StateDisconnected, d.State())
	assert.Equal(t, []ConnectionState{StateConnecting, StateDisconnected}, l.stateList())
	failures := l.failureList()
	require.Len(t, failures, 1)
	assert.Equal(t, "connect", failures[0].Op)
	assert.Equal(t, devA, failures[0].Address)
}

func TestDeviceDisconnectWhenNotConnected(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := a.GetDevice(devA)

	err := d.Disconnect(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, b.count("disconnect"))
}

func TestDeviceDisconnectedEventIgnoresDuplicates(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := connectedDevice(t, a, b, devA)
	l := &recordingListener{}
	d.AddListener(l)

	require.NoError(t, d.Disconnect(context.Background()))
	assert.Equal(t, 1, b.count("disconnect"))

	b.emit(DisconnectedEvent{Addr: devA, Reason: "remote user terminated"})
	b.emit(DisconnectedEvent{Addr: devA, Reason: "remote user terminated"})
	waitIdle(t, d)

	assert.Equal(t, StateDisconnected, d.State())
	assert.Equal(t, []ConnectionState{StateDisconnected}, l.stateList())
}

func TestDeviceScanEventDiscovers(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := a.GetDevice(devA)
	l := &recordingListener{}
	d.AddListener(l)
	require.Equal(t, StateUnknown, d.State())

	b.emit(ScanEvent{Addr: devA, Name: "HRM", RSSI: -67, TxPower: 4, ManufacturerData: []byte{0x59, 0x00}})
	waitIdle(t, d)

	assert.Equal(t, StateDiscovered, d.State())
	assert.Equal(t, "HRM", d.Name())
	assert.Equal(t, -67, d.RSSI())
	assert.Equal(t, 4, d.TxPower())
	assert.Equal(t, []byte{0x59, 0x00}, d.ManufacturerData())
	assert.Equal(t, 1, l.scanCount())
	assert.Equal(t, []ConnectionState{StateDiscovered}, l.stateList())

	// 再次扫描只更新 RSSI，不再迁移
	b.emit(ScanEvent{Addr: devA, RSSI: -70})
	waitIdle(t, d)
	assert.Equal(t, "HRM", d.Name())
	assert.Equal(t, -70, d.RSSI())
	assert.Equal(t, 2, l.scanCount())
	assert.Len(t, l.stateList(), 1)
}

func TestReadUnknownCharacteristicFailsImmediately(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := connectedDevice(t, a, b, devA)
	l := &recordingListener{}
	d.AddListener(l)

	err := d.ReadCharacteristic(ShortUUID(0x2A19))
	require.ErrorIs(t, err, ErrNotFound)

	err = d.WriteCharacteristic(ShortUUID(0x2A19), []byte{1})
	require.ErrorIs(t, err, ErrNotFound)

	waitIdle(t, d)
	assert.Equal(t, 0, b.count("read_characteristic"))
	assert.Equal(t, 0, b.count("write_characteristic"))
	assert.Empty(t, l.readList())
	assert.Empty(t, l.writeList())
}

func TestReadCharacteristicCompletes(t *testing.T) {
	b := newFakeBackend()
	b.values[0x0012] = []byte{0x06, 0x48}
	a := newTestAdapter(t, b)
	d := connectedDevice(t, a, b, devA)
	l := &recordingListener{}
	d.AddListener(l)

	require.NoError(t, d.ReadCharacteristic(hrMeasure))
	require.Eventually(t, func() bool { return len(l.readList()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []CompletionStatus{StatusSuccess}, l.readList())
	assert.Equal(t, []byte{0x06, 0x48}, d.Characteristic(hrMeasure).Value())
}

func TestReadCharacteristicFailureKeepsValue(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := connectedDevice(t, a, b, devA)
	l := &recordingListener{}
	d.AddListener(l)

	b.emit(ValueEvent{Addr: devA, Ref: AttributeRef{Handle: 0x0012}, Value: []byte{0x01}})
	waitIdle(t, d)

	b.mu.Lock()
	b.readErr = errors.New("att error 0x05")
	b.mu.Unlock()
	require.NoError(t, d.ReadCharacteristic(hrMeasure))
	require.Eventually(t, func() bool { return len(l.readList()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, StatusFailure, l.readList()[0])
	assert.Equal(t, []byte{0x01}, d.Characteristic(hrMeasure).Value())
}

func TestWriteCharacteristicCompletes(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := connectedDevice(t, a, b, devA)
	l := &recordingListener{}
	d.AddListener(l)

	require.NoError(t, d.WriteCharacteristic(hrMeasure, []byte{0x01, 0x00}))
	require.Eventually(t, func() bool { return len(l.writeList()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusSuccess, l.writeList()[0])
	// 写入不改变缓存值，缓存值只来自读取或通知
	assert.Nil(t, d.Characteristic(hrMeasure).Value())

	b.mu.Lock()
	b.writeErr = errors.New("write not permitted")
	b.mu.Unlock()
	require.NoError(t, d.WriteCharacteristic(hrMeasure, []byte{0x02}))
	require.Eventually(t, func() bool { return len(l.writeList()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusFailure, l.writeList()[1])
}

func TestDescriptorReadWrite(t *testing.T) {
	b := newFakeBackend()
	b.values[0x0013] = []byte{0x00, 0x00}
	a := newTestAdapter(t, b)
	d := connectedDevice(t, a, b, devA)
	l := &recordingListener{}
	d.AddListener(l)

	require.NoError(t, d.WriteDescriptor(hrMeasure, ClientCharacteristicConfUUID, []byte{0x01, 0x00}))
	require.Eventually(t, func() bool { return len(l.descWriteList()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusSuccess, l.descWriteList()[0])

	require.NoError(t, d.ReadDescriptor(hrMeasure, ClientCharacteristicConfUUID))
	require.Eventually(t, func() bool { return len(l.descReadList()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusSuccess, l.descReadList()[0])

	desc := d.Catalog().Descriptor(hrMeasure, ClientCharacteristicConfUUID)
	require.NotNil(t, desc)
	assert.Equal(t, []byte{0x01, 0x00}, desc.Value())

	// 请求完成不算作后端主动上报的值
	l.mu.Lock()
	assert.Equal(t, 0, l.descUpdates)
	l.mu.Unlock()

	err := d.ReadDescriptor(hrMeasure, ShortUUID(0x2901))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDescriptorFailureReportsStatus(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := connectedDevice(t, a, b, devA)
	l := &recordingListener{}
	d.AddListener(l)

	b.emit(ValueEvent{Addr: devA, Ref: AttributeRef{Handle: 0x0013}, Value: []byte{0x02, 0x00}})
	waitIdle(t, d)

	b.mu.Lock()
	b.readDescErr = errors.New("att error 0x02")
	b.writeDescErr = errors.New("att error 0x03")
	b.mu.Unlock()

	require.NoError(t, d.WriteDescriptor(hrMeasure, ClientCharacteristicConfUUID, []byte{0x01, 0x00}))
	require.Eventually(t, func() bool { return len(l.descWriteList()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusFailure, l.descWriteList()[0])

	require.NoError(t, d.ReadDescriptor(hrMeasure, ClientCharacteristicConfUUID))
	require.Eventually(t, func() bool { return len(l.descReadList()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusFailure, l.descReadList()[0])

	// 失败不覆盖缓存值
	desc := d.Catalog().Descriptor(hrMeasure, ClientCharacteristicConfUUID)
	assert.Equal(t, []byte{0x02, 0x00}, desc.Value())
	l.mu.Lock()
	assert.Equal(t, 1, l.descUpdates)
	l.mu.Unlock()
}

func TestDiscoverServicesFailureReported(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := connectedDevice(t, a, b, devA)
	l := &recordingListener{}
	d.AddListener(l)

	b.mu.Lock()
	b.discoverErr = errors.New("procedure timeout")
	b.mu.Unlock()
	require.NoError(t, d.DiscoverServices())
	require.Eventually(t, func() bool { return len(l.failureList()) == 1 }, 2*time.Second, 5*time.Millisecond)

	f := l.failureList()[0]
	assert.Equal(t, "discover_services", f.Op)
	assert.Equal(t, devA, f.Address)
	assert.ErrorIs(t, f, ErrOperationFailed)
	assert.Equal(t, 0, l.discoveredCount())
	assert.Equal(t, StateServicesResolved, d.State())
}

func TestDisconnectFailureReported(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := connectedDevice(t, a, b, devA)
	l := &recordingListener{}
	d.AddListener(l)

	b.mu.Lock()
	b.disconnectErr = errors.New("unknown connection identifier")
	b.mu.Unlock()
	require.NoError(t, d.Disconnect(context.Background()))
	waitIdle(t, d)

	failures := l.failureList()
	require.Len(t, failures, 1)
	assert.Equal(t, "disconnect", failures[0].Op)
	assert.EqualError(t, failures[0].Err, "unknown connection identifier")
	assert.Equal(t, StateServicesResolved, d.State())
	assert.Empty(t, l.stateList())
}

func TestConcurrentEnableNotificationsCollapse(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := connectedDevice(t, a, b, devA)

	gate := make(chan struct{})
	b.mu.Lock()
	b.notifyGate = gate
	b.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.EnableNotifications(context.Background(), hrMeasure)
		}(i)
	}
	require.Eventually(t, func() bool { return b.count("set_notify") == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, 1, b.count("set_notify"))
	assert.True(t, d.Characteristic(hrMeasure).Notifying())

	// 已开启时再次调用为无操作
	require.NoError(t, d.EnableNotifications(context.Background(), hrMeasure))
	assert.Equal(t, 1, b.count("set_notify"))
}

func TestConcurrentEnableNotificationsShareRejection(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := connectedDevice(t, a, b, devA)

	gate := make(chan struct{})
	b.mu.Lock()
	b.notifyGate = gate
	b.notifyErr = ErrNotifyRejected
	b.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.EnableNotifications(context.Background(), hrMeasure)
		}(i)
	}
	require.Eventually(t, func() bool { return b.count("set_notify") == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	// 合并后的单次请求被拒绝，所有参与者得到同一个失败
	assert.ErrorIs(t, errs[0], ErrNotifyRejected)
	assert.ErrorIs(t, errs[1], ErrNotifyRejected)
	assert.Equal(t, 1, b.count("set_notify"))
	assert.False(t, d.Characteristic(hrMeasure).Notifying())
}

func TestConcurrentDisableSucceedsWhenDisconnectClears(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := connectedDevice(t, a, b, devA)
	require.NoError(t, d.EnableNotifications(context.Background(), hrMeasure))

	gate := make(chan struct{})
	b.mu.Lock()
	b.notifyGate = gate
	b.notifyErr = errors.New("not connected")
	b.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.DisableNotifications(context.Background(), hrMeasure)
		}(i)
	}
	require.Eventually(t, func() bool { return b.count("set_notify") == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	// 后端调用失败之前链路已断开，订阅已被清除，目标状态已经达到
	b.emit(DisconnectedEvent{Addr: devA, Reason: "supervision timeout"})
	waitIdle(t, d)
	close(gate)
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, 2, b.count("set_notify"))
	assert.False(t, d.Characteristic(hrMeasure).Notifying())
}

func TestEnableNotificationsBackendRejection(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := connectedDevice(t, a, b, devA)

	// 后端侧已有订阅（例如由其他进程建立），重复订阅被拒绝
	b.mu.Lock()
	b.subscribed[0x0012] = true
	b.mu.Unlock()

	err := d.EnableNotifications(context.Background(), hrMeasure)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotifyRejected)
	assert.ErrorIs(t, err, ErrOperationFailed)
	assert.False(t, d.Characteristic(hrMeasure).Notifying())

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "enable_notifications", opErr.Op)
	assert.Equal(t, devA, opErr.Address)
}

func TestDisableNotifications(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := connectedDevice(t, a, b, devA)

	require.NoError(t, d.DisableNotifications(context.Background(), hrMeasure))
	assert.Equal(t, 0, b.count("set_notify"))

	require.NoError(t, d.EnableNotifications(context.Background(), hrMeasure))
	require.NoError(t, d.DisableNotifications(context.Background(), hrMeasure))
	assert.Equal(t, 2, b.count("set_notify"))
	assert.False(t, d.Characteristic(hrMeasure).Notifying())

	assert.ErrorIs(t, d.EnableNotifications(context.Background(), ShortUUID(0x2A19)), ErrNotFound)
}

func TestDisconnectClearsNotifying(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := connectedDevice(t, a, b, devA)

	require.NoError(t, d.EnableNotifications(context.Background(), hrMeasure))
	b.emit(DisconnectedEvent{Addr: devA})
	waitIdle(t, d)
	assert.False(t, d.Characteristic(hrMeasure).Notifying())
}

func TestValueEventsDeliveredInOrder(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := connectedDevice(t, a, b, devA)
	l := &recordingListener{}
	d.AddListener(l)

	for i := 0; i < 50; i++ {
		b.emit(ValueEvent{Addr: devA, Ref: AttributeRef{Handle: 0x0012}, Value: []byte{byte(i)}})
	}
	b.emit(ValueEvent{Addr: devA, Ref: AttributeRef{Handle: 0x0013}, Value: []byte{0x01, 0x00}})
	b.emit(ValueEvent{Addr: devA, Ref: AttributeRef{Handle: 0x0099}, Value: []byte{0xFF}})
	waitIdle(t, d)

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(t, l.updates, 50)
	for i, v := range l.updates {
		assert.Equal(t, []byte{byte(i)}, v)
	}
	assert.Equal(t, 1, l.descUpdates)
}

func TestServicesMergeNotifiesOnlyWhenAdded(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := a.GetDevice(devA)
	l := &recordingListener{}
	d.AddListener(l)

	b.mu.Lock()
	b.services[devA] = heartRateServices()
	b.mu.Unlock()
	b.emit(ConnectionEvent{Addr: devA, Connected: true})
	require.Eventually(t, func() bool { return l.discoveredCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	before := d.Catalog().Len()

	// 第二轮是第一轮的子集：目录不变，不通知
	subset := []ServiceInfo{{UUID: heartRateSvc, Characteristics: []CharacteristicInfo{{UUID: hrMeasure}}}}
	b.emit(ServicesEvent{Addr: devA, Services: subset})
	waitIdle(t, d)
	assert.Equal(t, 1, l.discoveredCount())
	assert.Equal(t, before, d.Catalog().Len())

	// 新增一个服务：恰好一次通知
	extra := append(heartRateServices(), ServiceInfo{UUID: BatteryServiceUUID, Handle: 0x0030, EndHandle: 0x0033,
		Characteristics: []CharacteristicInfo{{UUID: BatteryLevelUUID, Handle: 0x0032}}})
	b.emit(ServicesEvent{Addr: devA, Services: extra})
	waitIdle(t, d)
	assert.Equal(t, 2, l.discoveredCount())
	assert.NotNil(t, d.Characteristic(BatteryLevelUUID))
	assert.Equal(t, StateServicesResolved, d.State())
}

func TestListenerPanicDoesNotBreakDelivery(t *testing.T) {
	b := newFakeBackend()
	a := newTestAdapter(t, b)
	d := a.GetDevice(devA)
	d.AddListener(panicListener{})
	l := &recordingListener{}
	d.AddListener(l)

	b.emit(ScanEvent{Addr: devA, RSSI: -50})
	waitIdle(t, d)
	assert.Equal(t, 1, l.scanCount())
	assert.Equal(t, StateDiscovered, d.State())
}

type panicListener struct{ NopDeviceListener }

func (panicListener) OnScanRecordReceived(ScanNotification) { panic("boom") }

func TestDeviceSnapshot(t *testing.T) {
	b := newFakeBackend()
	b.values[0x0012] = []byte{0x06, 0x48}
	a := newTestAdapter(t, b)
	d := connectedDevice(t, a, b, devA)
	l := &recordingListener{}
	d.AddListener(l)
	require.NoError(t, d.ReadCharacteristic(hrMeasure))
	require.Eventually(t, func() bool { return len(l.readList()) == 1 }, 2*time.Second, 5*time.Millisecond)

	s := d.Snapshot(true)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", s.Address)
	assert.Equal(t, "SERVICES_RESOLVED", s.State)
	require.Len(t, s.Services, 1)
	assert.Equal(t, "HEART_RATE", s.Services[0].Name)
	require.Len(t, s.Services[0].Characteristics, 1)
	assert.Equal(t, "0648", s.Services[0].Characteristics[0].Value)
	assert.Len(t, s.Services[0].Characteristics[0].Descriptors, 1)

	assert.Empty(t, d.Snapshot(false).Services)
}
