package bluetooth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	testAdapterAddr = MustParseAddress("00:1A:7D:DA:71:13")
	devA            = MustParseAddress("AA:BB:CC:DD:EE:01")
	devB            = MustParseAddress("AA:BB:CC:DD:EE:02")

	heartRateSvc = ShortUUID(0x180D)
	hrMeasure    = ShortUUID(0x2A37)
)

// fakeBackend 内存后端，记录调用次数，事件由测试手动注入
type fakeBackend struct {
	mu         sync.Mutex
	sink       EventSink
	devices    []DeviceInfo
	services   map[Address][]ServiceInfo
	values     map[uint16][]byte
	subscribed map[uint16]bool
	calls      map[string]int
	scanning   bool
	closed     bool

	openErr       error
	connectErr    error
	disconnectErr error
	discoverErr   error
	readErr       error
	writeErr      error
	readDescErr   error
	writeDescErr  error
	notifyErr     error

	readGate   chan struct{} // 非 nil 时 ReadCharacteristic 阻塞直到关闭
	notifyGate chan struct{} // 非 nil 时 SetNotify 阻塞直到关闭
	readStart  chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		services:   make(map[Address][]ServiceInfo),
		values:     make(map[uint16][]byte),
		subscribed: make(map[uint16]bool),
		calls:      make(map[string]int),
	}
}

func (b *fakeBackend) count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *fakeBackend) record(op string) {
	b.mu.Lock()
	b.calls[op]++
	b.mu.Unlock()
}

func (b *fakeBackend) emit(ev Event) {
	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()
	sink(ev)
}

func (b *fakeBackend) setDevices(infos ...DeviceInfo) {
	b.mu.Lock()
	b.devices = infos
	b.mu.Unlock()
}

func (b *fakeBackend) Open(_ context.Context, sink EventSink) error {
	b.record("open")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return b.openErr
	}
	b.sink = sink
	return nil
}

func (b *fakeBackend) Close() error {
	b.record("close")
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Address() Address { return testAdapterAddr }

func (b *fakeBackend) StartDiscovery(context.Context) error {
	b.record("start_discovery")
	b.mu.Lock()
	b.scanning = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) StopDiscovery(context.Context) error {
	b.record("stop_discovery")
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.scanning {
		return ErrDiscoveryIdle
	}
	b.scanning = false
	return nil
}

func (b *fakeBackend) Devices(context.Context) ([]DeviceInfo, error) {
	b.record("devices")
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeviceInfo, len(b.devices))
	copy(out, b.devices)
	return out, nil
}

func (b *fakeBackend) Connect(context.Context, Address) error {
	b.record("connect")
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectErr
}

func (b *fakeBackend) Disconnect(context.Context, Address) error {
	b.record("disconnect")
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnectErr
}

func (b *fakeBackend) DiscoverServices(_ context.Context, addr Address) ([]ServiceInfo, error) {
	b.record("discover_services")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.discoverErr != nil {
		return nil, b.discoverErr
	}
	return b.services[addr], nil
}

func (b *fakeBackend) ReadCharacteristic(ctx context.Context, _ Address, ref AttributeRef) ([]byte, error) {
	b.record("read_characteristic")
	b.mu.Lock()
	gate, started := b.readGate, b.readStart
	b.mu.Unlock()
	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return nil, b.readErr
	}
	return b.values[ref.Handle], nil
}

func (b *fakeBackend) WriteCharacteristic(_ context.Context, _ Address, ref AttributeRef, value []byte) error {
	b.record("write_characteristic")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	b.values[ref.Handle] = value
	return nil
}

func (b *fakeBackend) ReadDescriptor(_ context.Context, _ Address, ref AttributeRef) ([]byte, error) {
	b.record("read_descriptor")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readDescErr != nil {
		return nil, b.readDescErr
	}
	return b.values[ref.Handle], nil
}

func (b *fakeBackend) WriteDescriptor(_ context.Context, _ Address, ref AttributeRef, value []byte) error {
	b.record("write_descriptor")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeDescErr != nil {
		return b.writeDescErr
	}
	b.values[ref.Handle] = value
	return nil
}

func (b *fakeBackend) SetNotify(_ context.Context, _ Address, ref AttributeRef, enable bool) error {
	b.record("set_notify")
	b.mu.Lock()
	gate := b.notifyGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.notifyErr != nil {
		return b.notifyErr
	}
	if enable && b.subscribed[ref.Handle] {
		return ErrNotifyRejected
	}
	b.subscribed[ref.Handle] = enable
	return nil
}

// recordingListener 记录设备通知
type recordingListener struct {
	mu          sync.Mutex
	states      []ConnectionState
	discovered  int
	reads       []CompletionStatus
	writes      []CompletionStatus
	updates     [][]byte
	descReads   []CompletionStatus
	descWrites  []CompletionStatus
	descUpdates int
	failures    []*OperationError
	scans       []ScanNotification
}

func (l *recordingListener) OnScanRecordReceived(n ScanNotification) {
	l.mu.Lock()
	l.scans = append(l.scans, n)
	l.mu.Unlock()
}

func (l *recordingListener) OnConnectionStateChange(n ConnectionStatusNotification) {
	l.mu.Lock()
	l.states = append(l.states, n.State)
	l.mu.Unlock()
}

func (l *recordingListener) OnServicesDiscovered() {
	l.mu.Lock()
	l.discovered++
	l.mu.Unlock()
}

func (l *recordingListener) OnCharacteristicReadComplete(_ *Characteristic, s CompletionStatus) {
	l.mu.Lock()
	l.reads = append(l.reads, s)
	l.mu.Unlock()
}

func (l *recordingListener) OnCharacteristicWriteComplete(_ *Characteristic, s CompletionStatus) {
	l.mu.Lock()
	l.writes = append(l.writes, s)
	l.mu.Unlock()
}

func (l *recordingListener) OnCharacteristicUpdate(c *Characteristic) {
	l.mu.Lock()
	l.updates = append(l.updates, c.Value())
	l.mu.Unlock()
}

func (l *recordingListener) OnDescriptorReadComplete(_ *Descriptor, s CompletionStatus) {
	l.mu.Lock()
	l.descReads = append(l.descReads, s)
	l.mu.Unlock()
}

func (l *recordingListener) OnDescriptorWriteComplete(_ *Descriptor, s CompletionStatus) {
	l.mu.Lock()
	l.descWrites = append(l.descWrites, s)
	l.mu.Unlock()
}

func (l *recordingListener) OnDescriptorUpdate(*Descriptor) {
	l.mu.Lock()
	l.descUpdates++
	l.mu.Unlock()
}

func (l *recordingListener) OnOperationFailed(err *OperationError) {
	l.mu.Lock()
	l.failures = append(l.failures, err)
	l.mu.Unlock()
}

func (l *recordingListener) stateList() []ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConnectionState(nil), l.states...)
}

func (l *recordingListener) discoveredCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.discovered
}

func (l *recordingListener) readList() []CompletionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]CompletionStatus(nil), l.reads...)
}

func (l *recordingListener) writeList() []CompletionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]CompletionStatus(nil), l.writes...)
}

func (l *recordingListener) descReadList() []CompletionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]CompletionStatus(nil), l.descReads...)
}

func (l *recordingListener) descWriteList() []CompletionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]CompletionStatus(nil), l.descWrites...)
}

func (l *recordingListener) failureList() []*OperationError {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*OperationError(nil), l.failures...)
}

func (l *recordingListener) scanCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.scans)
}

func heartRateServices() []ServiceInfo {
	return []ServiceInfo{{
		UUID: heartRateSvc, Handle: 0x0010, EndHandle: 0x0020,
		Characteristics: []CharacteristicInfo{{
			UUID: hrMeasure, Handle: 0x0012, Properties: 0x10,
			Descriptors: []DescriptorInfo{{UUID: ClientCharacteristicConfUUID, Handle: 0x0013}},
		}},
	}}
}

func newTestAdapter(t *testing.T, b *fakeBackend) *Adapter {
	t.Helper()
	a := NewAdapter(b, Options{ReconcileInterval: time.Hour, Workers: 2, QueueSize: 16, RequestTimeout: time.Second}, zap.NewNop())
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// waitIdle 等待设备邮箱处理完当前已投递的消息
func waitIdle(t *testing.T, d *Device) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, d.box.post(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("device mailbox did not drain")
	}
}

// connectedDevice 返回已连接且服务已解析的设备
func connectedDevice(t *testing.T, a *Adapter, b *fakeBackend, addr Address) *Device {
	t.Helper()
	b.mu.Lock()
	b.services[addr] = heartRateServices()
	b.mu.Unlock()
	d := a.GetDevice(addr)
	b.emit(ConnectionEvent{Addr: addr, Connected: true})
	require.Eventually(t, func() bool { return d.State() == StateServicesResolved }, 2*time.Second, 5*time.Millisecond)
	return d
}
