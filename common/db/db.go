// Package db owns the shared pgx pool. Every repository and the goose
// migration hook run over one pool per process, sized from config.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anthive/orchestrator/common/config"
	"github.com/anthive/orchestrator/common/logger"
)

const (
	// connectTimeout bounds the startup ping; a database that cannot
	// answer by then fails bootstrap rather than hanging it.
	connectTimeout = 5 * time.Second
	// healthTimeout bounds the dependency probe the gateway exposes.
	healthTimeout = 3 * time.Second
)

// DB is the process-wide connection pool. The embedded pool serves
// queries directly; url is kept for the migration hook, which needs a
// database/sql connection of its own.
type DB struct {
	*pgxpool.Pool
	log *logger.Logger
	url string
}

// New builds the pool from the database section of the config and
// verifies the server is reachable before handing it out.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*DB, error) {
	url := cfg.DatabaseURL()

	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database %s/%s: %w", cfg.Database.Host, cfg.Database.Database, err)
	}

	log.Info("database connected",
		"host", cfg.Database.Host,
		"database", cfg.Database.Database,
		"max_conns", cfg.Database.MaxConns,
	)

	return &DB{Pool: pool, log: log, url: url}, nil
}

// Close drains the pool. Called last in the bootstrap cleanup chain so
// everything flushing on shutdown still has a database.
func (db *DB) Close() {
	db.log.Info("closing database connection pool")
	db.Pool.Close()
}

// Health answers the gateway's dependency probe.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return db.Pool.Ping(ctx)
}
