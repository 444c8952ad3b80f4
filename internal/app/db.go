package app

import (
	"context"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/ble-gateway/internal/config"
	"github.com/taoyao-code/ble-gateway/internal/migrate"
	pgstorage "github.com/taoyao-code/ble-gateway/internal/storage/pg"
)

// ConnectDBAndMigrate 建立数据库连接并执行迁移；DSN 为空时返回 nil, nil
func ConnectDBAndMigrate(ctx context.Context, cfg cfgpkg.DatabaseConfig, log *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		log.Info("database is disabled, skipping initialization")
		return nil, nil
	}
	dbpool, err := pgstorage.NewPool(ctx, pgstorage.PoolConfig{
		DSN:         cfg.DSN,
		MaxConns:    cfg.MaxOpenConns,
		MinConns:    cfg.MaxIdleConns,
		MaxLifetime: cfg.ConnMaxLifetime,
		TraceSQL:    cfg.TraceSQL,
	}, log)
	if err != nil {
		log.Error("db connect error", zap.Error(err))
		return nil, err
	}

	runner := migrate.Runner{Logger: log}
	if cfg.MigrationsDir != "" {
		runner.FS = os.DirFS(cfg.MigrationsDir)
	} else {
		runner.FS = migrate.Embedded()
	}
	n, err := runner.Up(ctx, dbpool)
	if err != nil {
		log.Error("db migrate error", zap.Error(err))
		dbpool.Close()
		return nil, err
	}
	log.Info("db migrations applied", zap.Int("count", n))
	return dbpool, nil
}
