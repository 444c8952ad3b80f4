package app

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
	"github.com/taoyao-code/ble-gateway/internal/health"
	"github.com/taoyao-code/ble-gateway/internal/recorder"
	redisstorage "github.com/taoyao-code/ble-gateway/internal/storage/redis"
	"github.com/taoyao-code/ble-gateway/internal/tracker"
)

// NewHealthAggregator 创建健康检查聚合器，初始只含启动就绪检查
func NewHealthAggregator(ready *health.Readiness) *health.Aggregator {
	return health.NewAggregator(ready.Checker())
}

// RegisterHealthRoutes 注册健康检查HTTP路由
func RegisterHealthRoutes(r *gin.Engine, aggregator *health.Aggregator) {
	health.RegisterHTTPRoutes(r, aggregator)
}

// AddAdapterChecker 适配器打开后加入检查
func AddAdapterChecker(aggregator *health.Aggregator, adapter *bluetooth.Adapter) {
	aggregator.AddChecker(health.NewAdapterChecker(adapter))
}

// AddStoreCheckers 按启用情况加入数据库与 Redis 检查
func AddStoreCheckers(aggregator *health.Aggregator, dbpool *pgxpool.Pool, redisClient *redisstorage.Client) {
	if dbpool != nil {
		aggregator.AddChecker(health.NewDatabaseChecker(dbpool))
	}
	if redisClient != nil {
		aggregator.AddChecker(health.NewRedisChecker(redisClient))
	}
}

// AddWorkerCheckers 跟踪器与记录器检查，nil 跳过
func AddWorkerCheckers(aggregator *health.Aggregator, t *tracker.Tracker, rec *recorder.Recorder) {
	if t != nil {
		aggregator.AddChecker(health.NewTrackerChecker(t))
	}
	if rec != nil {
		aggregator.AddChecker(health.NewRecorderChecker(rec))
	}
}
