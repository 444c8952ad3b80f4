package app

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/taoyao-code/ble-gateway/internal/backend/bluegiga"
	"github.com/taoyao-code/ble-gateway/internal/backend/bluez"
	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
	cfgpkg "github.com/taoyao-code/ble-gateway/internal/config"
	"github.com/taoyao-code/ble-gateway/internal/metrics"
	"github.com/taoyao-code/ble-gateway/internal/serialport"
)

// BlueGigaConfig 配置映射到串口后端参数
func BlueGigaConfig(cfg cfgpkg.BluetoothConfig) bluegiga.Config {
	bg := cfg.BlueGiga
	return bluegiga.Config{
		Serial: serialport.Config{
			Device:       bg.Serial.Port,
			Baud:         bg.Serial.Baud,
			ReadTimeout:  bg.Serial.ReadTimeout,
			WriteTimeout: bg.Serial.WriteTimeout,
			WriteQueue:   bg.Serial.WriteQueue,
			CommandRate:  bg.Serial.CommandRate,
			CommandBurst: bg.Serial.CommandBurst,
		},
		Address:            cfg.Address,
		CommandTimeout:     bg.CommandTimeout,
		ProcedureTimeout:   bg.ProcedureTimeout,
		ConnectTimeout:     bg.ConnectTimeout,
		ScanInterval:       uint16(bg.ScanInterval),
		ScanWindow:         uint16(bg.ScanWindow),
		ActiveScan:         bg.ActiveScan,
		ConnIntervalMin:    uint16(bg.ConnIntervalMin),
		ConnIntervalMax:    uint16(bg.ConnIntervalMax),
		SupervisionTimeout: uint16(bg.SupervisionTimeout),
		Latency:            uint16(bg.Latency),
		Bondable:           bg.Bondable,
		MITM:               bg.MITM,
		MinKeySize:         uint8(bg.MinKeySize),
		IOCapabilities:     bg.IOCapabilities,
	}
}

// NewBackend 按 bluetooth.backend 选择后端（尚未 Open）
func NewBackend(cfg cfgpkg.BluetoothConfig, log *zap.Logger, m *metrics.AppMetrics) (bluetooth.Backend, error) {
	switch cfg.Backend {
	case cfgpkg.BackendBlueGiga:
		b, err := bluegiga.Dial(BlueGigaConfig(cfg), log, m)
		if err != nil {
			return nil, fmt.Errorf("open bluegiga serial %s: %w", cfg.BlueGiga.Serial.Port, err)
		}
		return b, nil
	case cfgpkg.BackendBlueZ:
		b, err := bluez.Dial(bluez.Config{Address: cfg.Address, Transport: cfg.BlueZ.Transport}, log)
		if err != nil {
			return nil, fmt.Errorf("connect bluez system bus: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown bluetooth backend %q", cfg.Backend)
	}
}

// NewAdapter 创建适配器；names 文件加载失败只告警，退回内置名称表
func NewAdapter(backend bluetooth.Backend, cfg cfgpkg.BluetoothConfig, log *zap.Logger, m *metrics.AppMetrics) *bluetooth.Adapter {
	var names *bluetooth.NameTable
	if cfg.NamesFile != "" {
		t, err := bluetooth.LoadNames(cfg.NamesFile)
		if err != nil {
			log.Warn("load gatt names failed", zap.String("path", cfg.NamesFile), zap.Error(err))
		} else {
			names = t
			log.Info("gatt names loaded", zap.String("path", cfg.NamesFile))
		}
	}
	return bluetooth.NewAdapter(backend, bluetooth.Options{
		ReconcileInterval: cfg.ReconcileInterval,
		EvictMissing:      cfg.EvictMissing,
		Workers:           cfg.Workers,
		QueueSize:         cfg.QueueSize,
		RequestTimeout:    cfg.RequestTimeout,
		Names:             names,
		Metrics:           m,
	}, log)
}
