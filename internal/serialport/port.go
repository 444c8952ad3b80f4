package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"

	"github.com/taoyao-code/ble-gateway/internal/metrics"
)

var (
	ErrPortClosed   = errors.New("serial port closed")
	ErrWriteTimeout = errors.New("serial write queue timeout")
)

// Config 串口参数
type Config struct {
	Device       string
	Baud         int
	ReadTimeout  time.Duration // 单次读阻塞上限，0 表示一直阻塞
	WriteTimeout time.Duration // 写队列入队超时
	WriteQueue   int
	CommandRate  int // 每秒最多下发的命令帧
	CommandBurst int
}

func (c *Config) applyDefaults() {
	if c.Baud <= 0 {
		c.Baud = 115200
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.WriteQueue <= 0 {
		c.WriteQueue = 64
	}
}

// Open 打开物理串口
func Open(cfg Config, logger *zap.Logger, m *metrics.AppMetrics) (*Port, error) {
	cfg.applyDefaults()
	sp, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Device, err)
	}
	p := New(sp, cfg, logger, m)
	// 设置了读超时的串口在无数据时返回 io.EOF
	p.idleEOF = cfg.ReadTimeout > 0
	return p, nil
}

// Port 独占一条串行链路：读循环上送原始字节，写队列按节拍下发
type Port struct {
	rw      io.ReadWriteCloser
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.AppMetrics
	pacer   *Pacer
	idleEOF bool

	writeC chan []byte
	onRead func([]byte)

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	doneC     chan struct{}
}

// New 包装任意字节流（测试中注入管道）
func New(rw io.ReadWriteCloser, cfg Config, logger *zap.Logger, m *metrics.AppMetrics) *Port {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Port{
		rw:      rw,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		pacer:   NewPacer(cfg.CommandRate, cfg.CommandBurst),
		writeC:  make(chan []byte, cfg.WriteQueue),
		ctx:     ctx,
		cancel:  cancel,
		doneC:   make(chan struct{}),
	}
}

// SetOnRead 安装读取回调，须在 Start 之前调用；回调在读协程中执行
func (p *Port) SetOnRead(h func([]byte)) { p.onRead = h }

// Start 启动读/写循环
func (p *Port) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run()
}

// Write 异步写入，受写队列与入队超时影响
func (p *Port) Write(b []byte) error {
	if p.closed.Load() {
		return ErrPortClosed
	}
	// 复制一份，避免调用方复用底层切片
	dup := make([]byte, len(b))
	copy(dup, b)
	t := time.NewTimer(p.cfg.WriteTimeout)
	defer t.Stop()
	select {
	case p.writeC <- dup:
		return nil
	case <-p.ctx.Done():
		return ErrPortClosed
	case <-t.C:
		return ErrWriteTimeout
	}
}

// Close 关闭链路，可重复调用
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.cancel()
		p.closeErr = p.rw.Close()
		if !p.started.Load() {
			close(p.doneC)
		}
	})
	return p.closeErr
}

// Done 读写循环全部退出后关闭
func (p *Port) Done() <-chan struct{} { return p.doneC }

// PacerStats 下发节拍统计
func (p *Port) PacerStats() PacerStats { return p.pacer.Stats() }

func (p *Port) run() {
	defer close(p.doneC)

	doneW := make(chan struct{})
	go func() {
		defer close(doneW)
		p.writeLoop()
	}()

	buf := make([]byte, 1024)
	for {
		n, err := p.rw.Read(buf)
		if n > 0 {
			p.metrics.AddSerialBytes(n, 0)
			if p.onRead != nil {
				p.onRead(buf[:n])
			}
		}
		if err != nil {
			if p.closed.Load() {
				break
			}
			if p.idleEOF && errors.Is(err, io.EOF) {
				// 读超时，继续
				continue
			}
			p.logger.Warn("serial read failed", zap.String("device", p.cfg.Device), zap.Error(err))
			break
		}
	}
	_ = p.Close()
	<-doneW
}

func (p *Port) writeLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.writeC:
			if err := p.pacer.Wait(p.ctx); err != nil {
				return
			}
			n, err := p.rw.Write(msg)
			p.metrics.AddSerialBytes(0, n)
			if err != nil {
				if !p.closed.Load() {
					p.logger.Warn("serial write failed", zap.String("device", p.cfg.Device), zap.Error(err))
				}
				return
			}
		}
	}
}
