package main

import (
	"flag"

	"go.uber.org/zap"

	"github.com/taoyao-code/ble-gateway/internal/app/bootstrap"
	cfgpkg "github.com/taoyao-code/ble-gateway/internal/config"
	"github.com/taoyao-code/ble-gateway/internal/logging"
)

// @title BLE Gateway API
// @version 1.0
// @description 蓝牙适配器网关：设备发现、连接与 GATT 操作
// @BasePath /
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
func main() {
	configPath := flag.String("config", "", "config file path (default: $BLE_CONFIG or configs/example.yaml)")
	flag.Parse()

	// 1) 加载配置
	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		panic(err)
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	// 3) 启动
	if err := bootstrap.Run(cfg, logger); err != nil {
		logger.Fatal("ble gateway exited", zap.Error(err))
	}
}
