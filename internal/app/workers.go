package app

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/taoyao-code/ble-gateway/internal/api"
	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
	cfgpkg "github.com/taoyao-code/ble-gateway/internal/config"
	"github.com/taoyao-code/ble-gateway/internal/metrics"
	"github.com/taoyao-code/ble-gateway/internal/recorder"
	pgstorage "github.com/taoyao-code/ble-gateway/internal/storage/pg"
	redisstorage "github.com/taoyao-code/ble-gateway/internal/storage/redis"
	"github.com/taoyao-code/ble-gateway/internal/tracker"
)

// NewTracker 未配置跟踪地址时返回 nil
func NewTracker(adapter *bluetooth.Adapter, cfg *cfgpkg.Config, log *zap.Logger, m *metrics.AppMetrics) (*tracker.Tracker, error) {
	addrs, err := cfg.TrackedAddresses()
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		log.Info("no tracked devices configured")
		return nil, nil
	}
	return tracker.New(adapter, tracker.Config{
		Addresses:        addrs,
		Interval:         cfg.Tracker.Interval,
		BreakerThreshold: cfg.Tracker.BreakerThreshold,
		BreakerTimeout:   cfg.Tracker.BreakerTimeout,
		RequestTimeout:   cfg.Bluetooth.RequestTimeout,
	}, log, m), nil
}

// NewRecorder 组装记录器 Sink：内存总是启用，数据库与 Redis 按连接情况追加。
// 返回的 EventSource 供 API 查询事件，优先数据库，其次 Redis，最后内存。
func NewRecorder(cfg *cfgpkg.Config, dbpool *pgxpool.Pool, redisClient *redisstorage.Client, log *zap.Logger, m *metrics.AppMetrics) (*recorder.Recorder, api.EventSource) {
	if !cfg.Recorder.Enable {
		log.Info("recorder is disabled")
		return nil, nil
	}
	mem := recorder.NewMemorySink(cfg.Recorder.MemoryLimit)
	sinks := []recorder.Sink{mem}
	var source api.EventSource = mem
	if redisClient != nil {
		cache := NewPresenceCache(redisClient, cfg.Redis)
		sinks = append(sinks, cache)
		source = cache
	}
	if dbpool != nil {
		repo := &pgstorage.Repository{Pool: dbpool}
		sinks = append(sinks, repo)
		source = repo
	}
	log.Info("recorder initialized", zap.Int("sinks", len(sinks)))
	return recorder.New(sinks, recorder.Options{
		QueueSize:    cfg.Recorder.QueueSize,
		WriteTimeout: cfg.Recorder.WriteTimeout,
	}, log, m), source
}
