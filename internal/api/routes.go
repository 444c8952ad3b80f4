package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/ble-gateway/internal/api/middleware"
	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
	"github.com/taoyao-code/ble-gateway/internal/tracker"
)

// Deps 路由依赖；Tracker 与 Events 可为空
type Deps struct {
	Adapter        *bluetooth.Adapter
	Backend        string
	Tracker        *tracker.Tracker
	Events         EventSource
	RequestTimeout time.Duration
}

// RegisterRoutes 注册 /api 路由
func RegisterRoutes(
	r gin.IRouter,
	deps Deps,
	authCfg middleware.AuthConfig,
	limitCfg middleware.RateLimitConfig,
	logger *zap.Logger,
) {
	if r == nil || deps.Adapter == nil {
		return
	}

	adapterH := NewAdapterHandler(deps.Adapter, deps.Backend, logger)
	deviceH := NewDeviceHandler(deps.Adapter, deps.Events, deps.RequestTimeout, logger)
	trackerH := NewTrackerHandler(deps.Tracker)

	api := r.Group("/api")
	api.Use(middleware.CORS(), middleware.RequestTracing(), middleware.RateLimit(limitCfg, logger))
	if authCfg.Enabled {
		api.Use(middleware.APIKeyAuth(authCfg, logger))
		logger.Info("api authentication enabled",
			zap.Int("api_keys_count", len(authCfg.APIKeys)),
			zap.Int("read_only_keys_count", len(authCfg.ReadOnlyKeys)))
	} else {
		logger.Warn("api authentication disabled - only for development!")
	}

	api.GET("/adapter", adapterH.GetAdapter)
	api.POST("/adapter/scan/start", adapterH.StartScan)
	api.POST("/adapter/scan/stop", adapterH.StopScan)

	api.GET("/devices", deviceH.ListDevices)
	api.GET("/devices/:address", deviceH.GetDevice)
	api.GET("/devices/:address/events", deviceH.ListEvents)
	api.POST("/devices/:address/connect", deviceH.Connect)
	api.POST("/devices/:address/disconnect", deviceH.Disconnect)
	api.POST("/devices/:address/services/discover", deviceH.DiscoverServices)

	api.POST("/devices/:address/characteristics/:uuid/read", deviceH.ReadCharacteristic)
	api.POST("/devices/:address/characteristics/:uuid/write", deviceH.WriteCharacteristic)
	api.POST("/devices/:address/characteristics/:uuid/notify", deviceH.SetNotify)
	api.POST("/devices/:address/characteristics/:uuid/descriptors/:desc/read", deviceH.ReadDescriptor)
	api.POST("/devices/:address/characteristics/:uuid/descriptors/:desc/write", deviceH.WriteDescriptor)

	api.GET("/tracker", trackerH.ListTracked)
	api.GET("/tracker/:address", trackerH.GetTracked)

	logger.Info("api routes registered", zap.Int("endpoints", 15))
}
