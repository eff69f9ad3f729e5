package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"bdmd/pkg/config"
	"bdmd/pkg/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// ErrStoreUnavailable marks any failure talking to the store. Requests that
// hit it are dropped without a reply.
var ErrStoreUnavailable = errors.New("store unavailable")

const pingTimeout = 5 * time.Second

type DB struct {
	*bun.DB
}

// Wrap adopts an already configured bun database.
func Wrap(db *bun.DB) *DB {
	return &DB{db}
}

// NewDB opens the bounded Postgres pool and waits for it to answer a ping,
// retrying with backoff for at most cfg.ConnectTimeout.
func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	connector := pgdriver.NewConnector(connectorOptions(cfg, KeepAliveDialer(cfg.KeepAlive, pingTimeout))...)

	sqldb := sql.OpenDB(connector)
	// database/sql queues callers once every connection is busy.
	sqldb.SetMaxOpenConns(cfg.PoolSize)
	sqldb.SetMaxIdleConns(cfg.PoolSize)

	db := bun.NewDB(sqldb, pgdialect.New())

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := db.PingContext(pctx); err != nil {
			logger.Warn("Database ping failed", "attempt", attempt, "host", cfg.Host, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(cfg.ConnectTimeout),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection pool started", "host", cfg.Host, "database", cfg.Name, "pool_size", cfg.PoolSize)
	return &DB{db}, nil
}

// connectorOptions configures the driver for cfg; every connection is
// opened through dial.
func connectorOptions(cfg config.DatabaseConfig, dial DialFunc) []pgdriver.Option {
	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: url.Values{"sslmode": {cfg.SSLMode}}.Encode(),
	}

	return []pgdriver.Option{
		pgdriver.WithDSN(dsn.String()),
		pgdriver.WithApplicationName("bdmd"),
		withDialer(dial),
	}
}

// withDialer makes the driver open every connection through dial.
func withDialer(dial DialFunc) pgdriver.Option {
	return func(c *pgdriver.Config) {
		c.Dialer = dial
	}
}

func (db *DB) isPostgres() bool {
	return db.Dialect().Name() == dialect.PG
}

// InitSchema creates the tables if they don't exist. Production schema is
// managed elsewhere; this is for development and tests.
func (db *DB) InitSchema(ctx context.Context) error {
	tables := []interface{}{
		(*models.Device)(nil),
		(*models.BlacklistEntry)(nil),
		(*models.Message)(nil),
		(*models.Target)(nil),
		(*models.TargetIP)(nil),
		(*models.Service)(nil),
		(*models.TargetService)(nil),
		(*models.DeviceTarget)(nil),
	}

	for _, model := range tables {
		_, err := db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	_, err := db.NewCreateIndex().
		Model((*models.Message)(nil)).
		Index("messages_msgto_idx").
		Column("msgto").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
