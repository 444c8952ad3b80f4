package bluegiga

import (
	"time"

	"github.com/taoyao-code/ble-gateway/internal/protocol/bgapi"
	"github.com/taoyao-code/ble-gateway/internal/serialport"
)

// Config BlueGiga 串口控制器参数
type Config struct {
	Serial serialport.Config

	// Address 期望的控制器地址，非空时 Open 校验
	Address string
	// CommandTimeout 单条命令等待响应的上限
	CommandTimeout time.Duration
	// ProcedureTimeout GATT 过程（发现、读写）等待完成事件的上限
	ProcedureTimeout time.Duration
	// ConnectTimeout connect_direct 被受理后等待 connection_status 的上限，默认同 ProcedureTimeout
	ConnectTimeout time.Duration

	// 扫描参数，单位 0.625ms
	ScanInterval uint16
	ScanWindow   uint16
	ActiveScan   bool

	// 连接参数：间隔单位 1.25ms，监督超时单位 10ms
	ConnIntervalMin    uint16
	ConnIntervalMax    uint16
	SupervisionTimeout uint16
	Latency            uint16

	Bondable       bool
	MITM           bool
	MinKeySize     uint8
	IOCapabilities string
}

func (c *Config) applyDefaults() {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 2 * time.Second
	}
	if c.ProcedureTimeout <= 0 {
		c.ProcedureTimeout = 10 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = c.ProcedureTimeout
	}
	if c.ScanInterval == 0 {
		c.ScanInterval = 0x4B
	}
	if c.ScanWindow == 0 {
		c.ScanWindow = 0x32
	}
	if c.ConnIntervalMin == 0 {
		c.ConnIntervalMin = 60
	}
	if c.ConnIntervalMax == 0 {
		c.ConnIntervalMax = 76
	}
	if c.SupervisionTimeout == 0 {
		c.SupervisionTimeout = 100
	}
	if c.MinKeySize == 0 {
		c.MinKeySize = 16
	}
}

func (c *Config) ioCapabilities() bgapi.SmpIoCapabilities {
	io := bgapi.ParseSmpIoCapabilities(c.IOCapabilities)
	if io == bgapi.SmpIoUnknown {
		return bgapi.SmpIoNoInputNoOutput
	}
	return io
}

func boolByte(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}
