// Package postgres provides the PostgreSQL transactional resource, its
// connection pool and a journal repository that writes through whatever
// transaction the call's coordinator has bound.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"txflow/pkg/logger"
)

// PoolConfig holds connection pool configuration.
type PoolConfig struct {
	DSN               string
	ApplicationName   string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration

	// IdleInTransactionTimeout bounds how long the server keeps a session
	// that sits idle inside a transaction. Suspended transactions are idle
	// while their REQUIRES_NEW children run, so this must exceed the longest
	// inner unit of work (0 = server default).
	IdleInTransactionTimeout time.Duration
}

// DefaultPoolConfig returns sensible defaults for production.
func DefaultPoolConfig(dsn string) PoolConfig {
	return PoolConfig{
		DSN:                      dsn,
		ApplicationName:          "txflow",
		MaxConns:                 25,
		MinConns:                 2,
		MaxConnLifetime:          time.Hour,
		MaxConnIdleTime:          30 * time.Minute,
		HealthCheckPeriod:        time.Minute,
		IdleInTransactionTimeout: 5 * time.Minute,
	}
}

// Pool wraps pgxpool.Pool. Each physical transaction holds one connection
// until it completes, including while it is suspended.
type Pool struct {
	*pgxpool.Pool
}

// Close closes all connections in the pool.
func (p *Pool) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}

// NewPool creates a connection pool and verifies it with a ping.
func NewPool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod

	appName := cfg.ApplicationName
	idleTimeout := cfg.IdleInTransactionTimeout
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if appName != "" {
			if _, err := conn.Exec(ctx, "SELECT set_config('application_name', $1, false)", appName); err != nil {
				return err
			}
		}
		if idleTimeout > 0 {
			ms := fmt.Sprintf("%dms", idleTimeout.Milliseconds())
			if _, err := conn.Exec(ctx, "SELECT set_config('idle_in_transaction_session_timeout', $1, false)", ms); err != nil {
				return err
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Debug(ctx, "database pool ready",
		"application_name", appName,
		"max_conns", cfg.MaxConns,
	)
	return &Pool{Pool: pool}, nil
}

// PoolStats is a snapshot of pool usage.
type PoolStats struct {
	TotalConns      int32
	AcquiredConns   int32
	IdleConns       int32
	MaxConns        int32
	AcquireCount    int64
	AcquireDuration time.Duration
}

// Headroom is how many more physical transactions can start right now.
// Every REQUIRES_NEW level nested under a live transaction needs one.
func (s PoolStats) Headroom() int32 {
	return s.MaxConns - s.AcquiredConns
}

// GetPoolStats extracts statistics from pool.
func GetPoolStats(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		TotalConns:      stat.TotalConns(),
		AcquiredConns:   stat.AcquiredConns(),
		IdleConns:       stat.IdleConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration(),
	}
}

// LogPoolStats logs pool statistics.
func LogPoolStats(ctx context.Context, pool *pgxpool.Pool) {
	stats := GetPoolStats(pool)
	logger.Info(ctx, "database pool stats",
		"total", stats.TotalConns,
		"acquired", stats.AcquiredConns,
		"idle", stats.IdleConns,
		"max", stats.MaxConns,
		"headroom", stats.Headroom(),
		"acquire_count", stats.AcquireCount,
		"acquire_duration", stats.AcquireDuration,
	)
}

// RegisterPoolMetrics exports pool usage as gauges sampled at scrape time.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) error {
	gauge := func(name, help string, value func(PoolStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "txflow",
				Subsystem: "pool",
				Name:      name,
				Help:      help,
			},
			func() float64 { return value(GetPoolStats(pool)) },
		)
	}

	collectors := []prometheus.Collector{
		gauge("acquired_connections", "Connections held by physical transactions, suspended ones included",
			func(s PoolStats) float64 { return float64(s.AcquiredConns) }),
		gauge("idle_connections", "Idle connections in the pool",
			func(s PoolStats) float64 { return float64(s.IdleConns) }),
		gauge("headroom_connections", "Physical transactions that can still start without waiting",
			func(s PoolStats) float64 { return float64(s.Headroom()) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register pool metrics: %w", err)
		}
	}
	return nil
}
