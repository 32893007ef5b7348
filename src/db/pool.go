package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/bivex/pgupkeep/src/models"
)

// Database is the minimal query/exec surface the monitors need from a pool.
// *pgxpool.Pool satisfies it; tests supply fakes.
type Database interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// StatsSource yields point-in-time pool statistics.
type StatsSource interface {
	Stats() (models.PoolStats, error)
}

// Config holds connection settings for the monitored database.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	MinConnections  int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Pool wraps a pgx pool with the acquire/release/stats surface consumed
// by the upholding subsystem. The subsystem never constructs the pool's
// credentials itself; the hosting application supplies them here.
type Pool struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewPool connects to the monitored database and verifies the connection.
func NewPool(ctx context.Context, cfg Config, log *logrus.Logger) (*Pool, error) {
	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	} else {
		poolConfig.MaxConns = 25
	}
	if cfg.MinConnections > 0 {
		poolConfig.MinConns = int32(cfg.MinConnections)
	} else {
		poolConfig.MinConns = 5
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	} else {
		poolConfig.MaxConnLifetime = time.Hour
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime
	} else {
		poolConfig.MaxConnIdleTime = 30 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Infof("Connected to %s:%d/%s (max_conns=%d)", cfg.Host, cfg.Port, cfg.Database, poolConfig.MaxConns)

	return &Pool{pool: pool, log: log}, nil
}

// Acquire checks a connection out of the pool. The caller releases it
// via conn.Release().
func (p *Pool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	return p.pool.Acquire(ctx)
}

// DB exposes the underlying pool through the Database interface.
func (p *Pool) DB() Database {
	return p.pool
}

// Stats snapshots the pool's live statistics. pgxpool does not time
// individual statements, so AvgQueryTimeMs is the mean
// connection-acquire latency, the closest figure it exposes.
func (p *Pool) Stats() (models.PoolStats, error) {
	stat := p.pool.Stat()

	avgMs := 0.0
	if stat.AcquireCount() > 0 {
		avgMs = float64(stat.AcquireDuration().Milliseconds()) / float64(stat.AcquireCount())
	}

	return models.PoolStats{
		MinConnections:  int(p.pool.Config().MinConns),
		MaxConnections:  int(stat.MaxConns()),
		UsedConnections: int(stat.AcquiredConns()),
		AvailableConns:  int(stat.IdleConns()),
		ConnectionErrs:  stat.CanceledAcquireCount(),
		AvgQueryTimeMs:  avgMs,
	}, nil
}

// Ping verifies the database is reachable.
func (p *Pool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases all pool connections.
func (p *Pool) Close() {
	p.pool.Close()
	p.log.Info("Closed connection pool")
}
