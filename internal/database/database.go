package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/config"
)

type Database struct {
	PG     *pgxpool.Pool
	Redis  *RedisClients
	logger *logrus.Logger
}

type RedisClients struct {
	// Hot holds queue coordination state, webhook registrations, rate-limit
	// windows, and auth sessions. Warm holds the provider-response cache.
	Hot  *redis.Client
	Warm *redis.Client
}

func New(cfg *config.Config, logger *logrus.Logger) (*Database, error) {
	db := &Database{
		logger: logger,
	}

	if err := db.initPostgreSQL(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}

	if err := db.initRedis(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}

	return db, nil
}

func (db *Database) initPostgreSQL(cfg *config.Config) error {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to parse PostgreSQL config: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
	poolCfg.MaxConnIdleTime = cfg.Database.MaxIdleTime
	poolCfg.MaxConnLifetime = cfg.Database.MaxLifetime
	poolCfg.ConnConfig.ConnectTimeout = cfg.Database.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.PG = pool
	db.logger.Info("PostgreSQL connection established")
	return nil
}

func (db *Database) initRedis(cfg *config.Config) error {
	db.Redis = &RedisClients{}

	db.Redis.Hot = redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Hot.URL,
		MaxRetries:   cfg.Redis.Hot.MaxRetries,
		PoolSize:     cfg.Redis.Hot.PoolSize,
		ReadTimeout:  cfg.Redis.Hot.Timeout,
		WriteTimeout: cfg.Redis.Hot.Timeout,
	})

	db.Redis.Warm = redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Warm.URL,
		MaxRetries:   cfg.Redis.Warm.MaxRetries,
		PoolSize:     cfg.Redis.Warm.PoolSize,
		ReadTimeout:  cfg.Redis.Warm.Timeout,
		WriteTimeout: cfg.Redis.Warm.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.Redis.Hot.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis Hot: %w", err)
	}

	if err := db.Redis.Warm.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis Warm: %w", err)
	}

	db.logger.Info("Redis connections established")
	return nil
}

func (db *Database) Close() error {
	var errs []error

	if db.PG != nil {
		db.PG.Close()
		db.logger.Info("PostgreSQL connection closed")
	}

	if db.Redis != nil {
		if db.Redis.Hot != nil {
			if err := db.Redis.Hot.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close Redis Hot: %w", err))
			}
		}
		if db.Redis.Warm != nil {
			if err := db.Redis.Warm.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close Redis Warm: %w", err))
			}
		}
		if len(errs) == 0 {
			db.logger.Info("Redis connections closed")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing database connections: %v", errs)
	}

	return nil
}
