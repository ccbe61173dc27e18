package database

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/CUknot/roomchat/config"
	"github.com/CUknot/roomchat/models"
)

// Retry calls connect until it succeeds or attempts are exhausted, waiting
// a fixed delay between attempts. The last error is returned.
func Retry(ctx context.Context, attempts int, delay time.Duration, log *zap.Logger, what string, connect func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)),
		ctx,
	)

	attempt := 0
	err := backoff.RetryNotify(
		func() error {
			attempt++
			return connect(ctx)
		},
		policy,
		func(err error, wait time.Duration) {
			log.Warn("connection attempt failed",
				zap.String("dependency", what),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", attempts),
				zap.Duration("retry_in", wait),
				zap.Error(err))
		},
	)
	if err != nil {
		return fmt.Errorf("%s unreachable after %d attempts -> %w", what, attempt, err)
	}
	return nil
}

// OpenPostgres connects to Postgres, retrying per the configured policy.
func OpenPostgres(ctx context.Context, conf *config.Config, log *zap.Logger) (*gorm.DB, error) {
	var db *gorm.DB
	err := Retry(ctx, conf.Database.ConnectAttempts, conf.Database.ConnectDelay, log, "postgres", func(ctx context.Context) error {
		conn, err := gorm.Open(postgres.Open(conf.PostgresDSN()), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
		if err != nil {
			return err
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := sqlDB.PingContext(pingCtx); err != nil {
			_ = sqlDB.Close()
			return err
		}

		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
		db = conn
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("database connection established", zap.String("driver", config.DriverPostgres))
	return db, nil
}

// Migrate creates or updates the messages table.
func Migrate(db *gorm.DB, log *zap.Logger) error {
	if err := db.AutoMigrate(&models.Message{}); err != nil {
		return fmt.Errorf("failed to migrate database -> %w", err)
	}
	log.Info("database migration completed")
	return nil
}

// OpenBadger opens the embedded store at path, or an in-memory one when
// path is empty.
func OpenBadger(path string, log *zap.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger -> %w", err)
	}

	log.Info("database connection established",
		zap.String("driver", config.DriverBadger),
		zap.String("path", path),
		zap.Bool("in_memory", path == ""))
	return db, nil
}

// OpenRedis connects to the history cache, retrying per the configured policy.
func OpenRedis(ctx context.Context, conf *config.Config, log *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         conf.Redis.Addr,
		Password:     conf.Redis.Password,
		DB:           conf.Redis.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	err := Retry(ctx, conf.Database.ConnectAttempts, conf.Database.ConnectDelay, log, "redis", func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	log.Info("history cache connection established", zap.String("addr", conf.Redis.Addr))
	return client, nil
}
