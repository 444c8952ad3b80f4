package bluez

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
)

var ErrAdapterNotFound = errors.New("bluez adapter not found")

// Config BlueZ 后端参数
type Config struct {
	// Address 选择 Adapter1 对象，空值取第一个适配器
	Address string
	// Transport 发现过滤器 Transport 字段：le / bredr / auto
	Transport string
}

// Backend 通过 D-Bus 驱动 BlueZ
type Backend struct {
	bus    Bus
	cfg    Config
	logger *zap.Logger

	sink     bluetooth.EventSink
	signals  chan *dbus.Signal
	loopDone chan struct{}

	// 信号循环派生的后台调用，Close 取消并等待
	tasks     sync.WaitGroup
	tasksCtx  context.Context
	stopTasks context.CancelFunc

	mu          sync.Mutex
	adapterPath dbus.ObjectPath
	addr        bluetooth.Address
	scanning    bool
	devices     map[bluetooth.Address]*deviceCache
	// 属性句柄 -> 对象路径，服务发现时重建
	attrs map[bluetooth.Address]map[uint16]dbus.ObjectPath

	opened    atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

type deviceCache struct {
	name    string
	rssi    int
	txPower int
}

var _ bluetooth.Backend = (*Backend)(nil)

// Dial 连接系统总线并创建后端
func Dial(cfg Config, logger *zap.Logger) (*Backend, error) {
	bus, err := DialSystemBus()
	if err != nil {
		return nil, err
	}
	return New(bus, cfg, logger), nil
}

// New 在给定总线上创建后端
func New(bus Bus, cfg Config, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Transport == "" {
		cfg.Transport = "le"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With(zap.String("backend", "bluez")),
		signals:   make(chan *dbus.Signal, 64),
		loopDone:  make(chan struct{}),
		tasksCtx:  ctx,
		stopTasks: cancel,
		devices:   make(map[bluetooth.Address]*deviceCache),
		attrs:     make(map[bluetooth.Address]map[uint16]dbus.ObjectPath),
	}
}

// Open 按地址选择适配器并订阅信号
func (b *Backend) Open(ctx context.Context, sink bluetooth.EventSink) error {
	if b.closed.Load() {
		return bluetooth.ErrAdapterClosed
	}
	if !b.opened.CompareAndSwap(false, true) {
		return errors.New("bluez backend already open")
	}
	objs, err := b.bus.ManagedObjects(ctx)
	if err != nil {
		b.opened.Store(false)
		return err
	}
	path, addr, err := b.selectAdapter(objs)
	if err != nil {
		b.opened.Store(false)
		return err
	}

	b.mu.Lock()
	b.sink = sink
	b.adapterPath = path
	b.addr = addr
	for p, ifaces := range objs {
		if props, ok := ifaces[ifaceDevice]; ok && strings.HasPrefix(string(p), string(path)+"/") {
			b.cacheDeviceLocked(p, props)
		}
	}
	b.mu.Unlock()

	if err := b.bus.Subscribe(b.signals); err != nil {
		b.opened.Store(false)
		return err
	}
	go b.signalLoop()
	b.logger.Info("bluez adapter ready", zap.String("address", addr.String()), zap.String("path", string(path)))
	return nil
}

func (b *Backend) selectAdapter(objs ManagedObjects) (dbus.ObjectPath, bluetooth.Address, error) {
	var want bluetooth.Address
	if b.cfg.Address != "" {
		a, err := bluetooth.ParseAddress(b.cfg.Address)
		if err != nil {
			return "", bluetooth.Address{}, err
		}
		want = a
	}
	paths := make([]string, 0, len(objs))
	for p, ifaces := range objs {
		if _, ok := ifaces[ifaceAdapter]; ok {
			paths = append(paths, string(p))
		}
	}
	sort.Strings(paths)
	for _, p := range paths {
		props := objs[dbus.ObjectPath(p)][ifaceAdapter]
		s, _ := props["Address"].Value().(string)
		a, err := bluetooth.ParseAddress(s)
		if err != nil {
			continue
		}
		if want.IsZero() || a == want {
			return dbus.ObjectPath(p), a, nil
		}
	}
	if want.IsZero() {
		return "", bluetooth.Address{}, ErrAdapterNotFound
	}
	return "", bluetooth.Address{}, fmt.Errorf("%w: %s", ErrAdapterNotFound, want)
}

// Close 退订信号并关闭总线
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		if b.opened.Load() {
			b.bus.Unsubscribe(b.signals)
			close(b.signals)
			<-b.loopDone
		}
		b.stopTasks()
		b.tasks.Wait()
		err = b.bus.Close()
	})
	return err
}

func (b *Backend) Address() bluetooth.Address {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addr
}

func (b *Backend) call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) ([]any, error) {
	if b.closed.Load() {
		return nil, bluetooth.ErrAdapterClosed
	}
	return b.bus.Call(ctx, path, method, args...)
}

func (b *Backend) adapter() dbus.ObjectPath {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.adapterPath
}

// StartDiscovery 设置过滤器后开始发现
func (b *Backend) StartDiscovery(ctx context.Context) error {
	path := b.adapter()
	filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant(b.cfg.Transport)}
	if _, err := b.call(ctx, path, ifaceAdapter+".SetDiscoveryFilter", filter); err != nil {
		b.logger.Debug("discovery filter rejected", zap.Error(err))
	}
	if _, err := b.call(ctx, path, ifaceAdapter+".StartDiscovery"); err != nil && !isDBusError(err, "org.bluez.Error.InProgress") {
		return fmt.Errorf("StartDiscovery: %w", err)
	}
	b.mu.Lock()
	b.scanning = true
	b.mu.Unlock()
	return nil
}

// StopDiscovery 未在发现时返回 ErrDiscoveryIdle
func (b *Backend) StopDiscovery(ctx context.Context) error {
	b.mu.Lock()
	scanning := b.scanning
	b.mu.Unlock()
	if !scanning {
		return bluetooth.ErrDiscoveryIdle
	}
	_, err := b.call(ctx, b.adapter(), ifaceAdapter+".StopDiscovery")
	b.mu.Lock()
	b.scanning = false
	b.mu.Unlock()
	if err != nil {
		if isDBusError(err, "org.bluez.Error.Failed") {
			return bluetooth.ErrDiscoveryIdle
		}
		return fmt.Errorf("StopDiscovery: %w", err)
	}
	return nil
}

// Devices 适配器下的 Device1 对象
func (b *Backend) Devices(ctx context.Context) ([]bluetooth.DeviceInfo, error) {
	objs, err := b.bus.ManagedObjects(ctx)
	if err != nil {
		return nil, err
	}
	prefix := string(b.adapter()) + "/"
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bluetooth.DeviceInfo
	for p, ifaces := range objs {
		props, ok := ifaces[ifaceDevice]
		if !ok || !strings.HasPrefix(string(p), prefix) {
			continue
		}
		info, ok := b.cacheDeviceLocked(p, props)
		if !ok {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.String() < out[j].Address.String() })
	return out, nil
}

// cacheDeviceLocked 以 Device1 属性刷新缓存
func (b *Backend) cacheDeviceLocked(p dbus.ObjectPath, props map[string]dbus.Variant) (bluetooth.DeviceInfo, bool) {
	addr, ok := AddressFromPath(p)
	if s, has := props["Address"].Value().(string); has {
		if a, err := bluetooth.ParseAddress(s); err == nil {
			addr, ok = a, true
		}
	}
	if !ok {
		return bluetooth.DeviceInfo{}, false
	}
	c := b.devices[addr]
	if c == nil {
		c = &deviceCache{}
		b.devices[addr] = c
	}
	c.apply(props)
	info := bluetooth.DeviceInfo{Address: addr, Name: c.name, RSSI: c.rssi, TxPower: c.txPower}
	info.Connected, _ = props["Connected"].Value().(bool)
	info.ServicesResolved, _ = props["ServicesResolved"].Value().(bool)
	return info, true
}

func (c *deviceCache) apply(props map[string]dbus.Variant) {
	if v, ok := props["Name"].Value().(string); ok && v != "" {
		c.name = v
	} else if v, ok := props["Alias"].Value().(string); ok && c.name == "" {
		c.name = v
	}
	if v, ok := props["RSSI"].Value().(int16); ok {
		c.rssi = int(v)
	}
	if v, ok := props["TxPower"].Value().(int16); ok {
		c.txPower = int(v)
	}
}

// Connect Device1.Connect 阻塞到链路建立；状态迁移以 Connected 属性信号为准
func (b *Backend) Connect(ctx context.Context, addr bluetooth.Address) error {
	if _, err := b.call(ctx, DevicePath(b.adapter(), addr), ifaceDevice+".Connect"); err != nil {
		if isDBusError(err, "org.bluez.Error.AlreadyConnected") {
			return nil
		}
		return fmt.Errorf("Device1.Connect: %w", err)
	}
	return nil
}

func (b *Backend) Disconnect(ctx context.Context, addr bluetooth.Address) error {
	if _, err := b.call(ctx, DevicePath(b.adapter(), addr), ifaceDevice+".Disconnect"); err != nil {
		if isDBusError(err, "org.bluez.Error.NotConnected") {
			return bluetooth.ErrNotConnected
		}
		return fmt.Errorf("Device1.Disconnect: %w", err)
	}
	return nil
}

func (b *Backend) emit(ev bluetooth.Event) {
	if b.sink != nil {
		b.sink(ev)
	}
}

// signalLoop 信号转换为核心事件
func (b *Backend) signalLoop() {
	defer close(b.loopDone)
	for sig := range b.signals {
		switch sig.Name {
		case ifaceProperties + ".PropertiesChanged":
			b.onPropertiesChanged(sig)
		case ifaceObjectManager + ".InterfacesAdded":
			b.onInterfacesAdded(sig)
		case ifaceObjectManager + ".InterfacesRemoved":
			b.onInterfacesRemoved(sig)
		}
	}
}

func (b *Backend) onInterfacesAdded(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}
	props, ok := ifaces[ifaceDevice]
	if !ok || !strings.HasPrefix(string(path), string(b.adapter())+"/") {
		return
	}
	b.mu.Lock()
	info, ok := b.cacheDeviceLocked(path, props)
	b.mu.Unlock()
	if !ok {
		return
	}
	b.emit(bluetooth.ScanEvent{
		Addr:             info.Address,
		Name:             info.Name,
		RSSI:             info.RSSI,
		TxPower:          info.TxPower,
		ManufacturerData: manufacturerData(props),
	})
}

// onInterfacesRemoved 设备对象被移除（临时设备过期、RemoveDevice）时丢弃缓存，
// GATT 对象被移除时从句柄索引删去
func (b *Backend) onInterfacesRemoved(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	ifaces, ok := sig.Body[1].([]string)
	if !ok {
		return
	}
	dev, ok := DeviceOf(path)
	if !ok || !strings.HasPrefix(string(dev), string(b.adapter())+"/") {
		return
	}
	addr, ok := AddressFromPath(dev)
	if !ok {
		return
	}

	removed := false
	b.mu.Lock()
	for _, iface := range ifaces {
		switch iface {
		case ifaceDevice:
			if path == dev {
				delete(b.devices, addr)
				delete(b.attrs, addr)
				removed = true
			}
		case ifaceService, ifaceChar, ifaceDesc:
			index := b.attrs[addr]
			for h, p := range index {
				if p == path {
					delete(index, h)
				}
			}
		}
	}
	b.mu.Unlock()

	if removed {
		b.logger.Debug("device object removed", zap.String("address", addr.String()))
		// 未连接时核心忽略该事件
		b.emit(bluetooth.DisconnectedEvent{Addr: addr, Reason: "removed"})
	}
}

func (b *Backend) onPropertiesChanged(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	dev, ok := DeviceOf(sig.Path)
	if !ok || !strings.HasPrefix(string(dev), string(b.adapter())+"/") {
		return
	}
	addr, ok := AddressFromPath(dev)
	if !ok {
		return
	}

	switch iface {
	case ifaceDevice:
		b.onDeviceChanged(addr, changed)
	case ifaceChar, ifaceDesc:
		v, ok := changed["Value"].Value().([]byte)
		if !ok {
			return
		}
		h, ok := HandleFromPath(sig.Path)
		if !ok {
			return
		}
		b.emit(bluetooth.ValueEvent{
			Addr:  addr,
			Ref:   bluetooth.AttributeRef{Handle: h},
			Value: append([]byte(nil), v...),
		})
	}
}

func (b *Backend) onDeviceChanged(addr bluetooth.Address, changed map[string]dbus.Variant) {
	b.mu.Lock()
	c := b.devices[addr]
	if c == nil {
		c = &deviceCache{}
		b.devices[addr] = c
	}
	c.apply(changed)
	scan := bluetooth.ScanEvent{Addr: addr, Name: c.name, RSSI: c.rssi, TxPower: c.txPower, ManufacturerData: manufacturerData(changed)}
	b.mu.Unlock()

	_, rssi := changed["RSSI"]
	_, mfr := changed["ManufacturerData"]
	_, name := changed["Name"]
	if rssi || mfr || name {
		b.emit(scan)
	}
	if v, ok := changed["Connected"].Value().(bool); ok {
		if v {
			b.emit(bluetooth.ConnectionEvent{Addr: addr, Connected: true})
		} else {
			b.mu.Lock()
			delete(b.attrs, addr)
			b.mu.Unlock()
			b.emit(bluetooth.DisconnectedEvent{Addr: addr, Reason: "bluez"})
		}
	}
	if v, ok := changed["ServicesResolved"].Value().(bool); ok && v {
		// 连接后立即发起的发现可能早于 BlueZ 完成解析，解析完成后补发一次
		b.tasks.Add(1)
		go func() {
			defer b.tasks.Done()
			b.publishServices(addr)
		}()
	}
}

func (b *Backend) publishServices(addr bluetooth.Address) {
	ctx, cancel := context.WithTimeout(b.tasksCtx, defaultCallTimeout)
	defer cancel()
	services, err := b.DiscoverServices(ctx, addr)
	if err != nil {
		b.logger.Debug("services refresh failed", zap.String("address", addr.String()), zap.Error(err))
		return
	}
	if b.closed.Load() || len(services) == 0 {
		return
	}
	b.emit(bluetooth.ServicesEvent{Addr: addr, Services: services})
}

// manufacturerData 取第一条厂商数据：公司 ID（小端）+ 数据
func manufacturerData(props map[string]dbus.Variant) []byte {
	m, ok := props["ManufacturerData"].Value().(map[uint16]dbus.Variant)
	if !ok || len(m) == 0 {
		return nil
	}
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	data, _ := m[uint16(ids[0])].Value().([]byte)
	out := make([]byte, 2, 2+len(data))
	binary.LittleEndian.PutUint16(out, uint16(ids[0]))
	return append(out, data...)
}

func isDBusError(err error, name string) bool {
	var de dbus.Error
	if errors.As(err, &de) {
		return de.Name == name
	}
	var dep *dbus.Error
	if errors.As(err, &dep) {
		return dep.Name == name
	}
	return false
}
