package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
	"github.com/taoyao-code/ble-gateway/internal/bluetooth/bluetoothtest"
	"github.com/taoyao-code/ble-gateway/internal/metrics"
)

var sensorAddr = bluetooth.MustParseAddress("C4:7C:8D:6A:21:05")

func startAdapter(t *testing.T, backend *bluetoothtest.Backend) *bluetooth.Adapter {
	t.Helper()
	a := bluetooth.NewAdapter(backend, bluetooth.Options{ReconcileInterval: time.Hour}, zap.NewNop())
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestTracker_ConnectsAndReadsBattery(t *testing.T) {
	backend := bluetoothtest.New()
	backend.AutoConnect = true
	backend.SetServices(sensorAddr, bluetoothtest.BatteryService())
	backend.SetValue(0x0011, []byte{0xFF})
	a := startAdapter(t, backend)

	m := metrics.NewAppMetrics(prometheus.NewRegistry())
	tr := New(a, Config{Addresses: []bluetooth.Address{sensorAddr}, Interval: time.Hour}, zap.NewNop(), m)
	tr.Start(context.Background())
	defer tr.Stop()

	require.Eventually(t, func() bool {
		s, _ := tr.Lookup(sensorAddr)
		return s.Battery == 100
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, backend.Notifying(0x0011), "battery notifications enabled")
	assert.Equal(t, 1, backend.Count("connect"))

	s, ok := tr.Lookup(sensorAddr)
	require.True(t, ok)
	assert.Equal(t, bluetooth.StateServicesResolved.String(), s.State)
	assert.False(t, s.Online, "online requires an rssi reading")
	assert.Equal(t, "closed", s.Breaker.State)
	assert.Equal(t, 100.0, testutil.ToFloat64(m.TrackedBattery.WithLabelValues(sensorAddr.String())))

	backend.Emit(bluetooth.ScanEvent{Addr: sensorAddr, RSSI: -62})
	require.Eventually(t, func() bool {
		s, _ := tr.Lookup(sensorAddr)
		return s.Online && s.RSSI == -62
	}, 2*time.Second, 10*time.Millisecond)

	backend.Emit(bluetooth.ValueEvent{Addr: sensorAddr, Ref: bluetooth.AttributeRef{Handle: 0x0011}, Value: []byte{0x80}})
	require.Eventually(t, func() bool {
		s, _ := tr.Lookup(sensorAddr)
		return s.Battery == 50
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTracker_ReconnectsAfterDisconnect(t *testing.T) {
	backend := bluetoothtest.New()
	backend.AutoConnect = true
	a := startAdapter(t, backend)

	tr := New(a, Config{Addresses: []bluetooth.Address{sensorAddr}, Interval: time.Hour}, zap.NewNop(), nil)
	tr.Start(context.Background())
	defer tr.Stop()

	dev := a.GetDevice(sensorAddr)
	require.Eventually(t, func() bool { return dev.State().IsConnected() }, 2*time.Second, 10*time.Millisecond)

	backend.Emit(bluetooth.DisconnectedEvent{Addr: sensorAddr, Reason: "timeout"})
	require.Eventually(t, func() bool { return dev.State() == bluetooth.StateDisconnected }, 2*time.Second, 10*time.Millisecond)

	tr.KeepConnected(context.Background())
	require.Eventually(t, func() bool { return dev.State().IsConnected() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, backend.Count("connect"))
}

func TestTracker_BreakerSuppressesReconnect(t *testing.T) {
	backend := bluetoothtest.New()
	backend.ConnectErr = errors.New("page timeout")
	a := startAdapter(t, backend)

	tr := New(a, Config{
		Addresses:        []bluetooth.Address{sensorAddr},
		Interval:         time.Hour,
		BreakerThreshold: 2,
		BreakerTimeout:   time.Hour,
	}, zap.NewNop(), nil)
	tr.Start(context.Background())
	defer tr.Stop()

	require.Eventually(t, func() bool {
		s, _ := tr.Lookup(sensorAddr)
		return s.Breaker.Failures == 1
	}, 2*time.Second, 10*time.Millisecond)

	tr.KeepConnected(context.Background())
	require.Eventually(t, func() bool {
		s, _ := tr.Lookup(sensorAddr)
		return s.Breaker.State == "open"
	}, 2*time.Second, 10*time.Millisecond)

	tr.KeepConnected(context.Background())
	assert.Equal(t, 2, backend.Count("connect"))
}

func TestTracker_ConnectsOnDiscovery(t *testing.T) {
	backend := bluetoothtest.New()
	a := startAdapter(t, backend)

	tr := New(a, Config{Addresses: []bluetooth.Address{sensorAddr}, Interval: time.Hour}, zap.NewNop(), nil)
	// 未启动循环，只注册发现监听器，验证发现回调本身会挂上设备并触发连接
	a.AddDiscoveryListener(tr)
	defer a.RemoveDiscoveryListener(tr)

	backend.SetDevices(
		bluetooth.DeviceInfo{Address: sensorAddr, RSSI: -70},
		bluetooth.DeviceInfo{Address: bluetooth.MustParseAddress("AA:BB:CC:DD:EE:01"), RSSI: -80},
	)
	require.NoError(t, a.Reconcile(context.Background()))

	require.Eventually(t, func() bool { return backend.Count("connect") == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestTracker_FollowsDeviceAfterEviction(t *testing.T) {
	backend := bluetoothtest.New()
	backend.ConnectErr = errors.New("page timeout")
	backend.SetServices(sensorAddr, bluetoothtest.BatteryService())
	backend.SetValue(0x0011, []byte{0xFF})
	a := bluetooth.NewAdapter(backend, bluetooth.Options{ReconcileInterval: time.Hour, EvictMissing: true}, zap.NewNop())
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Close() })

	tr := New(a, Config{Addresses: []bluetooth.Address{sensorAddr}, Interval: time.Hour}, zap.NewNop(), nil)
	tr.Start(context.Background())
	defer tr.Stop()

	first := a.GetDevice(sensorAddr)
	require.Eventually(t, func() bool {
		return backend.Count("connect") == 1 && first.State() == bluetooth.StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	// 首次连接失败后对账看不到该设备，注册表将其淘汰
	require.NoError(t, a.Reconcile(context.Background()))
	_, registered := a.Lookup(sensorAddr)
	require.False(t, registered)

	// 设备重新出现：注册表创建新对象，跟踪器跟随新对象完成连接与电量读取
	backend.SetConnectResult(true, nil)
	backend.SetDevices(bluetooth.DeviceInfo{Address: sensorAddr, RSSI: -64})
	require.NoError(t, a.Reconcile(context.Background()))

	live := a.GetDevice(sensorAddr)
	require.NotSame(t, first, live)
	require.Eventually(t, func() bool {
		s, _ := tr.Lookup(sensorAddr)
		return s.Battery == 100
	}, 2*time.Second, 10*time.Millisecond)
	s, _ := tr.Lookup(sensorAddr)
	assert.Equal(t, bluetooth.StateServicesResolved.String(), s.State)
	assert.Equal(t, live.State().String(), s.State)
}

func TestTracker_NoBackgroundWorkAfterStop(t *testing.T) {
	backend := bluetoothtest.New()
	a := startAdapter(t, backend)
	tr := New(a, Config{Addresses: []bluetooth.Address{sensorAddr}, Interval: time.Hour}, zap.NewNop(), nil)
	tr.Start(context.Background())

	// 设备回调与 Stop 并发时，后台任务要么被 Stop 等到，要么根本不启动
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.spawn(func(ctx context.Context) { <-ctx.Done() })
			}
		}()
	}
	tr.Stop()
	wg.Wait()

	assert.False(t, tr.spawn(func(context.Context) { t.Error("task started after stop") }))
	tr.Stop()
}

func TestBatteryLevel(t *testing.T) {
	tests := []struct {
		in   []byte
		want int
		ok   bool
	}{
		{[]byte{0xFF}, 100, true},
		{[]byte{0x80}, 50, true},
		{[]byte{0x64}, 39, true},
		{[]byte{0x00}, 0, true},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := BatteryLevel(tt.in)
		assert.Equal(t, tt.ok, ok)
		assert.Equal(t, tt.want, got)
	}
}

func TestSnapshots_Sorted(t *testing.T) {
	backend := bluetoothtest.New()
	a := startAdapter(t, backend)
	second := bluetooth.MustParseAddress("AA:00:00:00:00:01")
	tr := New(a, Config{Addresses: []bluetooth.Address{sensorAddr, second}}, zap.NewNop(), nil)

	snaps := tr.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, second.String(), snaps[0].Address)
	assert.Equal(t, -1, snaps[1].Battery)
	assert.Equal(t, "UNKNOWN", snaps[1].State)
	_, ok := tr.Lookup(bluetooth.MustParseAddress("00:00:00:00:00:01"))
	assert.False(t, ok)
}
