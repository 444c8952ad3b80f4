package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	redisstorage "github.com/taoyao-code/ble-gateway/internal/storage/redis"
)

// StoreChecker 记录存储健康检查（PostgreSQL / Redis）。
// 存储只承载事件记录，蓝牙操作不依赖它，因此任何失败都只报 Degraded。
type StoreChecker struct {
	name  string
	ping  func(ctx context.Context) error
	stats func() (details map[string]any, saturated bool)
}

// NewStoreChecker 通用构造，stats 可为空
func NewStoreChecker(name string, ping func(ctx context.Context) error, stats func() (map[string]any, bool)) *StoreChecker {
	return &StoreChecker{name: name, ping: ping, stats: stats}
}

// NewDatabaseChecker 事件库；连接池全部被占用视为饱和
func NewDatabaseChecker(pool *pgxpool.Pool) *StoreChecker {
	return NewStoreChecker("database", pool.Ping, func() (map[string]any, bool) {
		s := pool.Stat()
		return map[string]any{
			"total_conns":    s.TotalConns(),
			"idle_conns":     s.IdleConns(),
			"acquired_conns": s.AcquiredConns(),
			"max_conns":      s.MaxConns(),
		}, s.MaxConns() > 0 && s.AcquiredConns() >= s.MaxConns()
	})
}

// NewRedisChecker 在线缓存
func NewRedisChecker(client *redisstorage.Client) *StoreChecker {
	return NewStoreChecker("redis", client.HealthCheck, func() (map[string]any, bool) {
		return client.PoolDetails(), false
	})
}

func (c *StoreChecker) Name() string { return c.name }

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := c.ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%s ping failed: %v", c.name, err),
			Latency: time.Since(start),
		}
	}

	res := CheckResult{Status: StatusHealthy, Message: "ok"}
	if c.stats != nil {
		details, saturated := c.stats()
		res.Details = details
		if saturated {
			res.Status, res.Message = StatusDegraded, "connection pool exhausted, recorder writes are queueing"
		}
	}
	res.Latency = time.Since(start)
	return res
}
