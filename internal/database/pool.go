// Package database 提供 PostgreSQL 连接池与迁移。
//
// 使用 pgxpool 直接管理连接，裸写 SQL (不使用 ORM)。
package database

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/answer-stream/internal/config"
	apperrors "github.com/multi-agent/answer-stream/pkg/errors"
	"github.com/multi-agent/answer-stream/pkg/logger"
)

// poolConfig 由配置构造 pgxpool 配置 (不连接)。
func poolConfig(cfg *config.Config) (*pgxpool.Config, error) {
	if !cfg.SessionLogEnabled() {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "database.NewPool", "SESSION_LOG_DSN is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.SessionLogDSN)
	if err != nil {
		return nil, apperrors.WithCode(err, "database.NewPool", apperrors.CodeDB, "parse postgres config")
	}

	poolCfg.MinConns = safeInt32(cfg.PostgresPoolMinSize, "PostgresPoolMinSize")
	poolCfg.MaxConns = safeInt32(cfg.PostgresPoolMaxSize, "PostgresPoolMaxSize")
	if poolCfg.MinConns > poolCfg.MaxConns {
		poolCfg.MinConns = poolCfg.MaxConns
	}
	poolCfg.ConnConfig.ConnectTimeout = time.Duration(cfg.PostgresPoolTimeoutSec) * time.Second

	// AfterConnect: 设置 search_path (Identifier.Sanitize 防止注入)
	schema := cfg.PostgresSchema
	if schema != "" && schema != "public" {
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", pgx.Identifier{schema}.Sanitize()))
			return err
		}
	}
	return poolCfg, nil
}

// NewPool 创建 PostgreSQL 连接池并验证连接。
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperrors.WithCode(err, "database.NewPool", apperrors.CodeDB, "create pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.WithCode(err, "database.NewPool", apperrors.CodeDB, "ping postgres")
	}

	logger.Info("postgres pool created",
		"min_conns", poolCfg.MinConns,
		"max_conns", poolCfg.MaxConns,
		"schema", schema(cfg),
	)
	return pool, nil
}

func schema(cfg *config.Config) string {
	if cfg.PostgresSchema == "" {
		return "public"
	}
	return cfg.PostgresSchema
}

// safeInt32 将 int 安全转为 int32，超出范围时 clamp 并记录警告。
func safeInt32(v int, name string) int32 {
	if v > math.MaxInt32 {
		logger.Warn("pool config overflow, clamped to MaxInt32", "field", name, "value", v)
		return math.MaxInt32
	}
	if v < 0 {
		logger.Warn("pool config negative, clamped to 0", "field", name, "value", v)
		return 0
	}
	return int32(v)
}
