package bluegiga

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-collections/go-datastructures/queue"
	"go.uber.org/zap"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
	"github.com/taoyao-code/ble-gateway/internal/metrics"
	"github.com/taoyao-code/ble-gateway/internal/protocol/bgapi"
	"github.com/taoyao-code/ble-gateway/internal/serialport"
)

var (
	ErrAddressMismatch    = errors.New("controller address mismatch")
	ErrUnexpectedResponse = errors.New("unexpected response")
	ErrLinkDown           = errors.New("serial link down")
	ErrBusy               = errors.New("gap procedure in progress")
)

// Link 与控制器之间的字节链路，serialport.Port 即为实现
type Link interface {
	SetOnRead(func([]byte))
	Start()
	Write([]byte) error
	Close() error
	Done() <-chan struct{}
}

// Backend 基于 BGAPI 串口协议的传输后端
//
// 控制器同一时刻只处理一条命令：request 串行化命令发送并等待对应响应；
// 事件在串口读协程中解析，状态类事件经队列交给投递协程回调 sink。
type Backend struct {
	link    Link
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.AppMetrics
	table   *bgapi.Table
	decoder *bgapi.StreamDecoder

	sink         bluetooth.EventSink
	events       *queue.Queue
	dispatchDone chan struct{}

	cmdMu   sync.Mutex
	respMu  sync.Mutex
	waiting *waiter

	mu         sync.Mutex
	addr       bluetooth.Address
	scanning   bool
	seen       map[bluetooth.Address]*seenDevice
	conns      map[uint8]*conn
	connecting *conn
	// 已发出 connect_direct、尚未收到响应的目标
	connectTarget bluetooth.Address

	closing   chan struct{}
	opened    atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

type waiter struct {
	key bgapi.Key
	ch  chan bgapi.Message
}

// seenDevice 扫描到的设备
type seenDevice struct {
	name     string
	rssi     int
	txPower  int
	addrType bgapi.AddressType
	lastSeen time.Time
}

var _ bluetooth.Backend = (*Backend)(nil)

// Dial 打开串口并创建后端
func Dial(cfg Config, logger *zap.Logger, m *metrics.AppMetrics) (*Backend, error) {
	port, err := serialport.Open(cfg.Serial, logger, m)
	if err != nil {
		return nil, err
	}
	return New(port, cfg, logger, m), nil
}

// New 在已有链路上创建后端
func New(link Link, cfg Config, logger *zap.Logger, m *metrics.AppMetrics) *Backend {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		link:         link,
		cfg:          cfg,
		logger:       logger.With(zap.String("backend", "bluegiga")),
		metrics:      m,
		table:        bgapi.DefaultTable(),
		decoder:      bgapi.NewStreamDecoder(0),
		events:       queue.New(64),
		dispatchDone: make(chan struct{}),
		seen:         make(map[bluetooth.Address]*seenDevice),
		conns:        make(map[uint8]*conn),
		closing:      make(chan struct{}),
	}
}

// Open 启动链路，校验控制器地址并下发扫描、安全参数
func (b *Backend) Open(ctx context.Context, sink bluetooth.EventSink) error {
	if b.closed.Load() {
		return bluetooth.ErrAdapterClosed
	}
	if !b.opened.CompareAndSwap(false, true) {
		return errors.New("bluegiga backend already open")
	}
	b.sink = sink
	go b.dispatchLoop()
	b.link.SetOnRead(b.onBytes)
	b.link.Start()

	if err := b.init(ctx); err != nil {
		_ = b.Close()
		return err
	}
	b.logger.Info("bluegiga controller ready", zap.String("address", b.Address().String()))
	return nil
}

func (b *Backend) init(ctx context.Context) error {
	if _, err := call[*bgapi.SystemHelloResponse](ctx, b, bgapi.SystemHelloCommand{}); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	ar, err := call[*bgapi.SystemAddressGetResponse](ctx, b, bgapi.SystemAddressGetCommand{})
	if err != nil {
		return fmt.Errorf("address get: %w", err)
	}
	addr := ar.Address.Address()
	if b.cfg.Address != "" {
		want, err := bluetooth.ParseAddress(b.cfg.Address)
		if err != nil {
			return err
		}
		if want != addr {
			return fmt.Errorf("%w: want %s, controller reports %s", ErrAddressMismatch, want, addr)
		}
	}
	b.mu.Lock()
	b.addr = addr
	b.mu.Unlock()

	// 上次进程遗留的扫描或连接过程
	if _, err := call[*bgapi.GAPEndProcedureResponse](ctx, b, bgapi.GAPEndProcedureCommand{}); err != nil {
		return fmt.Errorf("end procedure: %w", err)
	}
	sp, err := call[*bgapi.GAPSetScanParametersResponse](ctx, b, bgapi.GAPSetScanParametersCommand{
		ScanInterval: b.cfg.ScanInterval,
		ScanWindow:   b.cfg.ScanWindow,
		Active:       boolByte(b.cfg.ActiveScan),
	})
	if err != nil {
		return fmt.Errorf("set scan parameters: %w", err)
	}
	if err := sp.Result.Err(); err != nil {
		return fmt.Errorf("set scan parameters: %w", err)
	}
	if err := b.SetBondableMode(ctx, b.cfg.Bondable); err != nil {
		return err
	}
	return b.SetSecurityParameters(ctx, b.cfg.MITM, b.cfg.MinKeySize, b.cfg.ioCapabilities())
}

// Close 结束扫描、断开连接并释放链路
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.opened.Load() && !b.linkDown() {
			b.shutdownRadio()
		}
		b.closed.Store(true)
		close(b.closing)
		err = b.link.Close()
		b.events.Dispose()
		if b.opened.Load() {
			<-b.dispatchDone
		}
	})
	return err
}

func (b *Backend) shutdownRadio() {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CommandTimeout)
	defer cancel()
	b.mu.Lock()
	scanning := b.scanning
	var handles []uint8
	for h, c := range b.conns {
		if c.established {
			handles = append(handles, h)
		}
	}
	b.mu.Unlock()
	if scanning {
		_, _ = call[*bgapi.GAPEndProcedureResponse](ctx, b, bgapi.GAPEndProcedureCommand{})
	}
	for _, h := range handles {
		_, _ = call[*bgapi.ConnectionDisconnectResponse](ctx, b, bgapi.ConnectionDisconnectCommand{Connection: h})
	}
}

// Address 控制器地址
func (b *Backend) Address() bluetooth.Address {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addr
}

func (b *Backend) linkDown() bool {
	select {
	case <-b.link.Done():
		return true
	default:
		return false
	}
}

// request 发送命令并等待同 (class, method) 的响应
func (b *Backend) request(ctx context.Context, cmd bgapi.Message) (bgapi.Message, error) {
	frame, err := bgapi.Encode(cmd)
	if err != nil {
		return nil, err
	}
	id := cmd.ID()
	want := bgapi.ID{Class: id.Class, Method: id.Method, Kind: bgapi.KindResponse}.Key()

	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()
	if b.closed.Load() {
		return nil, bluetooth.ErrAdapterClosed
	}

	ch := make(chan bgapi.Message, 1)
	b.respMu.Lock()
	b.waiting = &waiter{key: want, ch: ch}
	b.respMu.Unlock()
	defer func() {
		b.respMu.Lock()
		b.waiting = nil
		b.respMu.Unlock()
	}()

	if err := b.link.Write(frame); err != nil {
		return nil, fmt.Errorf("write %s: %w", want, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.CommandTimeout)
	defer cancel()
	select {
	case m := <-ch:
		return m, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", want, ctx.Err())
	case <-b.closing:
		return nil, bluetooth.ErrAdapterClosed
	case <-b.link.Done():
		return nil, ErrLinkDown
	}
}

// call 发送命令并断言响应类型
func call[R bgapi.Message](ctx context.Context, b *Backend, cmd bgapi.Message) (R, error) {
	var zero R
	m, err := b.request(ctx, cmd)
	if err != nil {
		return zero, err
	}
	r, ok := m.(R)
	if !ok {
		return zero, fmt.Errorf("%w: %T", ErrUnexpectedResponse, m)
	}
	return r, nil
}

// onBytes 串口读协程回调
func (b *Backend) onBytes(p []byte) {
	before := b.decoder.Dropped()
	frames := b.decoder.Feed(p)
	if n := b.decoder.Dropped() - before; n > 0 {
		b.logger.Debug("resync dropped bytes", zap.Int("count", n))
	}
	for _, frame := range frames {
		msg, err := b.table.Decode(frame)
		if err != nil {
			if errors.Is(err, bgapi.ErrUnknownMessage) {
				b.metrics.ObserveFrame("unknown")
			} else {
				b.metrics.ObserveFrame("malformed")
			}
			b.logger.Debug("frame dropped", zap.Binary("frame", frame), zap.Error(err))
			continue
		}
		b.metrics.ObserveFrame("ok")
		id := msg.ID()
		b.metrics.ObserveRoute(bgapi.ClassName(id.Class), strconv.Itoa(int(id.Method)), id.Kind.String())
		if id.Kind == bgapi.KindResponse {
			if r, ok := msg.(*bgapi.GAPConnectDirectResponse); ok {
				b.onConnectDirect(r)
			}
			b.deliverResponse(msg)
			continue
		}
		b.handleEvent(msg)
	}
}

func (b *Backend) deliverResponse(m bgapi.Message) {
	b.respMu.Lock()
	defer b.respMu.Unlock()
	if b.waiting == nil || b.waiting.key != m.ID().Key() {
		b.logger.Warn("unexpected response", zap.String("id", m.ID().String()))
		return
	}
	b.waiting.ch <- m
	b.waiting = nil
}

func (b *Backend) handleEvent(m bgapi.Message) {
	switch ev := m.(type) {
	case *bgapi.GAPScanResponseEvent:
		b.onScanResponse(ev)
	case *bgapi.ConnectionStatusEvent:
		b.onConnectionStatus(ev)
	case *bgapi.ConnectionDisconnectedEvent:
		b.onDisconnected(ev)
	case *bgapi.AttClientGroupFoundEvent:
		b.onGroupFound(ev)
	case *bgapi.AttClientFindInformationFoundEvent:
		b.onInformationFound(ev)
	case *bgapi.AttClientAttributeValueEvent:
		b.onAttributeValue(ev)
	case *bgapi.AttClientProcedureCompletedEvent:
		b.onProcedureCompleted(ev)
	case *bgapi.SystemBootEvent:
		b.onBoot(ev)
	case *bgapi.SMPasskeyRequestEvent:
		b.logger.Info("passkey requested", zap.String("address", b.connAddress(ev.Handle).String()))
	case *bgapi.SMPasskeyDisplayEvent:
		b.logger.Info("passkey display", zap.String("address", b.connAddress(ev.Handle).String()), zap.Uint32("passkey", ev.Passkey))
	case *bgapi.SMBondingFailEvent:
		b.logger.Warn("bonding failed", zap.String("address", b.connAddress(ev.Handle).String()), zap.String("result", ev.Result.String()))
	case *bgapi.SMBondStatusEvent:
		b.logger.Debug("bond status", zap.Uint8("bond", ev.Bond), zap.Uint8("key_size", ev.KeySize))
	default:
		b.logger.Debug("event ignored", zap.String("id", m.ID().String()))
	}
}

// emit 状态事件入队，由投递协程交给 sink
func (b *Backend) emit(ev bluetooth.Event) {
	if err := b.events.Put(ev); err != nil {
		b.logger.Debug("event dropped after close", zap.String("address", ev.DeviceAddress().String()))
	}
}

func (b *Backend) dispatchLoop() {
	defer close(b.dispatchDone)
	for {
		items, err := b.events.Get(16)
		if err != nil {
			return
		}
		for _, it := range items {
			if ev, ok := it.(bluetooth.Event); ok && b.sink != nil {
				b.sink(ev)
			}
		}
	}
}

// onBoot 控制器重启：所有连接与扫描都已失效
func (b *Backend) onBoot(ev *bgapi.SystemBootEvent) {
	b.logger.Warn("controller rebooted",
		zap.Uint16("major", ev.Major), zap.Uint16("minor", ev.Minor), zap.Uint16("build", ev.Build))
	b.mu.Lock()
	conns := b.conns
	b.conns = make(map[uint8]*conn)
	b.connecting = nil
	b.scanning = false
	b.mu.Unlock()
	for _, c := range conns {
		c.fail(bluetooth.ErrNotConnected)
		if c.established {
			b.emit(bluetooth.DisconnectedEvent{Addr: c.addr, Reason: "controller reset"})
		} else {
			b.emit(bluetooth.ConnectionEvent{Addr: c.addr})
		}
	}
}
