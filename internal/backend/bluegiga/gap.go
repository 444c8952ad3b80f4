package bluegiga

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
	"github.com/taoyao-code/ble-gateway/internal/protocol/bgapi"
)

// conn 控制器连接句柄
type conn struct {
	handle      uint8
	addr        bluetooth.Address
	established bool
	resolved    bool
	rssi        int

	// GATT 过程在同一连接上串行
	procLock chan struct{}
	proc     *procedure

	// 连接建立前的超时计时器
	connTimer *time.Timer

	cccd  map[uint16]uint16 // 特征值句柄 -> CCCD 句柄
	props map[uint16]uint8
}

func newConn(handle uint8, addr bluetooth.Address) *conn {
	return &conn{
		handle:   handle,
		addr:     addr,
		procLock: make(chan struct{}, 1),
		cccd:     make(map[uint16]uint16),
		props:    make(map[uint16]uint8),
	}
}

// fail 结束进行中的过程，调用方持有 b.mu
func (c *conn) fail(err error) {
	c.stopTimer()
	if c.proc != nil {
		c.proc.finish(err)
	}
}

func (c *conn) stopTimer() {
	if c.connTimer != nil {
		c.connTimer.Stop()
		c.connTimer = nil
	}
}

// StartDiscovery 开始通用发现
func (b *Backend) StartDiscovery(ctx context.Context) error {
	r, err := call[*bgapi.GAPDiscoverResponse](ctx, b, bgapi.GAPDiscoverCommand{Mode: bgapi.DiscoverGeneric})
	if err != nil {
		return err
	}
	if err := r.Result.Err(); err != nil {
		return fmt.Errorf("gap discover: %w", err)
	}
	b.mu.Lock()
	b.scanning = true
	b.mu.Unlock()
	return nil
}

// StopDiscovery 结束发现
func (b *Backend) StopDiscovery(ctx context.Context) error {
	b.mu.Lock()
	scanning := b.scanning
	b.mu.Unlock()
	if !scanning {
		return bluetooth.ErrDiscoveryIdle
	}
	r, err := call[*bgapi.GAPEndProcedureResponse](ctx, b, bgapi.GAPEndProcedureCommand{})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.scanning = false
	b.mu.Unlock()
	if r.Result != bgapi.ResultSuccess && r.Result != bgapi.ResultWrongState {
		return fmt.Errorf("gap end procedure: %w", r.Result.Err())
	}
	return nil
}

// Devices 已扫描到或已连接的设备；已连接设备刷新一次连接 RSSI
func (b *Backend) Devices(ctx context.Context) ([]bluetooth.DeviceInfo, error) {
	b.mu.Lock()
	var live []*conn
	for _, c := range b.conns {
		if c.established {
			live = append(live, c)
		}
	}
	b.mu.Unlock()
	for _, c := range live {
		r, err := call[*bgapi.ConnectionGetRssiResponse](ctx, b, bgapi.ConnectionGetRssiCommand{Connection: c.handle})
		if err != nil {
			b.logger.Debug("connection rssi failed", zap.String("address", c.addr.String()), zap.Error(err))
			continue
		}
		b.mu.Lock()
		c.rssi = int(r.RSSI)
		b.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	infos := make(map[bluetooth.Address]*bluetooth.DeviceInfo, len(b.seen))
	for addr, s := range b.seen {
		infos[addr] = &bluetooth.DeviceInfo{Address: addr, Name: s.name, RSSI: s.rssi, TxPower: s.txPower}
	}
	for _, c := range b.conns {
		if !c.established {
			continue
		}
		info, ok := infos[c.addr]
		if !ok {
			info = &bluetooth.DeviceInfo{Address: c.addr}
			infos[c.addr] = info
		}
		info.Connected = true
		info.ServicesResolved = c.resolved
		if c.rssi != 0 {
			info.RSSI = c.rssi
		}
	}
	out := make([]bluetooth.DeviceInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.String() < out[j].Address.String() })
	return out, nil
}

// Connect 发起直连；结果由 connection_status / disconnected 事件上报
func (b *Backend) Connect(ctx context.Context, addr bluetooth.Address) error {
	b.mu.Lock()
	if c := b.connByAddrLocked(addr); c != nil {
		b.mu.Unlock()
		return nil
	}
	if b.connecting != nil {
		busy := b.connecting.addr
		b.mu.Unlock()
		return fmt.Errorf("%w: connecting to %s", ErrBusy, busy)
	}
	addrType := bgapi.AddressPublic
	if s, ok := b.seen[addr]; ok {
		addrType = s.addrType
	}
	b.connectTarget = addr
	b.mu.Unlock()

	r, err := call[*bgapi.GAPConnectDirectResponse](ctx, b, bgapi.GAPConnectDirectCommand{
		Address:         bgapi.NewBDAddr(addr),
		AddressType:     addrType,
		ConnIntervalMin: b.cfg.ConnIntervalMin,
		ConnIntervalMax: b.cfg.ConnIntervalMax,
		Timeout:         b.cfg.SupervisionTimeout,
		Latency:         b.cfg.Latency,
	})
	if err != nil {
		b.mu.Lock()
		if b.connectTarget == addr {
			b.connectTarget = bluetooth.Address{}
		}
		b.mu.Unlock()
		return err
	}
	if err := r.Result.Err(); err != nil {
		return fmt.Errorf("gap connect direct: %w", err)
	}
	return nil
}

// onConnectDirect 在读协程中登记连接句柄，保证先于该句柄的后续事件
func (b *Backend) onConnectDirect(r *bgapi.GAPConnectDirectResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()
	target := b.connectTarget
	b.connectTarget = bluetooth.Address{}
	if target.IsZero() || r.Result != bgapi.ResultSuccess {
		return
	}
	if existing, ok := b.conns[r.ConnectionHandle]; ok && existing.addr == target {
		return
	}
	c := newConn(r.ConnectionHandle, target)
	b.conns[c.handle] = c
	b.connecting = c
	c.connTimer = time.AfterFunc(b.cfg.ConnectTimeout, func() { b.expireConnect(c) })
}

// expireConnect 控制器在时限内未建立连接（外设不在场时会一直重试）：
// 结束连接过程，删除句柄并上报连接失败
func (b *Backend) expireConnect(c *conn) {
	if b.closed.Load() {
		return
	}
	b.mu.Lock()
	pending := b.conns[c.handle] == c && !c.established
	b.mu.Unlock()
	if !pending {
		return
	}
	b.logger.Warn("connect timed out",
		zap.String("address", c.addr.String()),
		zap.Duration("timeout", b.cfg.ConnectTimeout))

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CommandTimeout)
	defer cancel()
	if _, err := call[*bgapi.GAPEndProcedureResponse](ctx, b, bgapi.GAPEndProcedureCommand{}); err != nil {
		b.logger.Warn("end connect procedure failed", zap.String("address", c.addr.String()), zap.Error(err))
	}
	b.mu.Lock()
	removed := b.removeConnLocked(c)
	b.mu.Unlock()
	if removed {
		b.emit(bluetooth.ConnectionEvent{Addr: c.addr})
	}
}

// Disconnect 断开连接；连接尚未建立时取消连接过程
func (b *Backend) Disconnect(ctx context.Context, addr bluetooth.Address) error {
	b.mu.Lock()
	c := b.connByAddrLocked(addr)
	b.mu.Unlock()
	if c == nil {
		return bluetooth.ErrNotConnected
	}
	if !c.established {
		if _, err := call[*bgapi.GAPEndProcedureResponse](ctx, b, bgapi.GAPEndProcedureCommand{}); err != nil {
			return err
		}
		b.mu.Lock()
		removed := b.removeConnLocked(c)
		b.mu.Unlock()
		if removed {
			b.emit(bluetooth.ConnectionEvent{Addr: addr})
		}
		return nil
	}
	r, err := call[*bgapi.ConnectionDisconnectResponse](ctx, b, bgapi.ConnectionDisconnectCommand{Connection: c.handle})
	if err != nil {
		return err
	}
	return r.Result.Err()
}

// removeConnLocked 删除连接并结束其过程；返回是否确实删除
func (b *Backend) removeConnLocked(c *conn) bool {
	cur, ok := b.conns[c.handle]
	if !ok || cur != c {
		return false
	}
	delete(b.conns, c.handle)
	if b.connecting == c {
		b.connecting = nil
	}
	c.fail(bluetooth.ErrNotConnected)
	return true
}

func (b *Backend) connByAddrLocked(addr bluetooth.Address) *conn {
	for _, c := range b.conns {
		if c.addr == addr {
			return c
		}
	}
	return nil
}

// establishedConn 查找已建立的连接
func (b *Backend) establishedConn(addr bluetooth.Address) (*conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.connByAddrLocked(addr)
	if c == nil || !c.established {
		return nil, bluetooth.ErrNotConnected
	}
	return c, nil
}

func (b *Backend) connAddress(handle uint8) bluetooth.Address {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.conns[handle]; ok {
		return c.addr
	}
	return bluetooth.Address{}
}

func (b *Backend) onScanResponse(ev *bgapi.GAPScanResponseEvent) {
	addr := ev.Sender.Address()
	adv, err := bgapi.ParseAdvertisement(ev.Data)
	if err != nil {
		b.logger.Debug("advertisement truncated", zap.String("address", addr.String()), zap.Error(err))
	}

	b.mu.Lock()
	s, ok := b.seen[addr]
	if !ok {
		s = &seenDevice{}
		b.seen[addr] = s
	}
	if adv.LocalName != "" {
		s.name = adv.LocalName
	}
	if adv.HasTxPower {
		s.txPower = adv.TxPower
	}
	s.rssi = int(ev.RSSI)
	s.addrType = ev.AddressType
	s.lastSeen = time.Now()
	out := bluetooth.ScanEvent{
		Addr:             addr,
		Name:             s.name,
		RSSI:             s.rssi,
		TxPower:          s.txPower,
		ManufacturerData: adv.ManufacturerData,
	}
	b.mu.Unlock()
	b.emit(out)
}

func (b *Backend) onConnectionStatus(ev *bgapi.ConnectionStatusEvent) {
	if !ev.Flags.Has(bgapi.ConnectionConnected) {
		return
	}
	addr := ev.Address.Address()
	b.mu.Lock()
	c, ok := b.conns[ev.Connection]
	if !ok || c.addr != addr {
		// 响应尚未到达或由远端发起
		c = newConn(ev.Connection, addr)
		b.conns[ev.Connection] = c
	}
	first := !c.established
	c.established = true
	c.stopTimer()
	if b.connecting != nil && b.connecting.addr == addr {
		b.connecting = nil
	}
	b.mu.Unlock()

	if first {
		b.logger.Info("connection established",
			zap.String("address", addr.String()), zap.Uint8("connection", ev.Connection),
			zap.Uint16("interval", ev.ConnInterval))
		b.emit(bluetooth.ConnectionEvent{Addr: addr, Connected: true})
	}
}

func (b *Backend) onDisconnected(ev *bgapi.ConnectionDisconnectedEvent) {
	b.mu.Lock()
	c, ok := b.conns[ev.Connection]
	if !ok {
		b.mu.Unlock()
		return
	}
	b.removeConnLocked(c)
	b.mu.Unlock()

	b.logger.Info("connection closed", zap.String("address", c.addr.String()), zap.String("reason", ev.Reason.String()))
	if c.established {
		b.emit(bluetooth.DisconnectedEvent{Addr: c.addr, Reason: ev.Reason.String()})
		return
	}
	b.emit(bluetooth.ConnectionEvent{Addr: c.addr})
}
