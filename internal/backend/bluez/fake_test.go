package bluez

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
)

const (
	hci0 = dbus.ObjectPath("/org/bluez/hci0")
	hci1 = dbus.ObjectPath("/org/bluez/hci1")
)

var (
	adapterAddr = bluetooth.MustParseAddress("00:1A:7D:DA:71:13")
	peerAddr    = bluetooth.MustParseAddress("C4:7C:8D:6A:21:05")
)

type busCall struct {
	path   dbus.ObjectPath
	method string
	args   []any
}

// fakeBus 内存中的 BlueZ 对象树
type fakeBus struct {
	mu       sync.Mutex
	objs     ManagedObjects
	calls    []busCall
	handlers map[string]func(path dbus.ObjectPath, args []any) ([]any, error)
	sub      chan<- *dbus.Signal
	closed   bool

	// listGate 非 nil 时 ManagedObjects 阻塞到关闭或 ctx 结束
	listGate chan struct{}
	listed   int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		objs:     make(ManagedObjects),
		handlers: make(map[string]func(dbus.ObjectPath, []any) ([]any, error)),
	}
}

func (f *fakeBus) set(p dbus.ObjectPath, iface string, props map[string]dbus.Variant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ifaces := make(map[string]map[string]dbus.Variant)
	for k, v := range f.objs[p] {
		ifaces[k] = v
	}
	ifaces[iface] = props
	f.objs[p] = ifaces
}

func (f *fakeBus) handle(method string, fn func(dbus.ObjectPath, []any) ([]any, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = fn
}

func (f *fakeBus) ManagedObjects(ctx context.Context) (ManagedObjects, error) {
	f.mu.Lock()
	f.listed++
	gate := f.listGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(ManagedObjects, len(f.objs))
	for k, v := range f.objs {
		out[k] = v
	}
	return out, nil
}

func (f *fakeBus) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) ([]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, busCall{path: path, method: method, args: args})
	fn := f.handlers[method]
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(path, args)
}

func (f *fakeBus) Subscribe(ch chan<- *dbus.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sub = ch
	return nil
}

func (f *fakeBus) Unsubscribe(ch chan<- *dbus.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sub = nil
}

func (f *fakeBus) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBus) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed
}

func (f *fakeBus) callsTo(method string) []busCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []busCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeBus) emit(sig *dbus.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub != nil {
		f.sub <- sig
	}
}

func (f *fakeBus) propertiesChanged(p dbus.ObjectPath, iface string, changed map[string]dbus.Variant) {
	f.emit(&dbus.Signal{
		Path: p,
		Name: ifaceProperties + ".PropertiesChanged",
		Body: []any{iface, changed, []string{}},
	})
}

func withAdapter(f *fakeBus, p dbus.ObjectPath, addr bluetooth.Address) {
	f.set(p, ifaceAdapter, map[string]dbus.Variant{"Address": dbus.MakeVariant(addr.String())})
}

// withBatteryPeer 已连接且解析完毕的电池服务设备
func withBatteryPeer(f *fakeBus, resolved bool) dbus.ObjectPath {
	dev := DevicePath(hci0, peerAddr)
	f.set(dev, ifaceDevice, map[string]dbus.Variant{
		"Address":          dbus.MakeVariant(peerAddr.String()),
		"Name":             dbus.MakeVariant("Thermo"),
		"RSSI":             dbus.MakeVariant(int16(-58)),
		"Connected":        dbus.MakeVariant(true),
		"ServicesResolved": dbus.MakeVariant(resolved),
	})
	svc := dev + "/service0010"
	char := svc + "/char0011"
	f.set(svc, ifaceService, map[string]dbus.Variant{
		"UUID":    dbus.MakeVariant("0000180f-0000-1000-8000-00805f9b34fb"),
		"Primary": dbus.MakeVariant(true),
	})
	f.set(char, ifaceChar, map[string]dbus.Variant{
		"UUID":    dbus.MakeVariant("00002a19-0000-1000-8000-00805f9b34fb"),
		"Service": dbus.MakeVariant(svc),
		"Flags":   dbus.MakeVariant([]string{"read", "notify"}),
	})
	f.set(char+"/desc0013", ifaceDesc, map[string]dbus.Variant{
		"UUID":           dbus.MakeVariant("00002902-0000-1000-8000-00805f9b34fb"),
		"Characteristic": dbus.MakeVariant(char),
	})
	return dev
}

type eventLog struct {
	mu     sync.Mutex
	events []bluetooth.Event
}

func (l *eventLog) sink(ev bluetooth.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []bluetooth.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bluetooth.Event(nil), l.events...)
}

func eventually[T bluetooth.Event](t *testing.T, l *eventLog, match func(T) bool) T {
	t.Helper()
	var found T
	require.Eventually(t, func() bool {
		for _, ev := range l.snapshot() {
			if e, ok := ev.(T); ok && match(e) {
				found = e
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

func openBackend(t *testing.T, f *fakeBus, cfg Config) (*Backend, *eventLog) {
	t.Helper()
	b := New(f, cfg, zap.NewNop())
	log := &eventLog{}
	require.NoError(t, b.Open(context.Background(), log.sink))
	t.Cleanup(func() { _ = b.Close() })
	return b, log
}
