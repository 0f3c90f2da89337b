package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"txflow/internal/core/tx"
)

// TxOptions are the physical settings a Resource applies when it opens a
// transaction and the definition leaves them unset.
type TxOptions struct {
	// IsolationLevel: pgx.Serializable, pgx.RepeatableRead, pgx.ReadCommitted
	IsolationLevel pgx.TxIsoLevel

	// AccessMode: pgx.ReadWrite, pgx.ReadOnly
	AccessMode pgx.TxAccessMode

	// StatementTimeout protects against long-running queries (default 30s)
	StatementTimeout time.Duration
}

// DefaultTxOptions returns production-safe defaults.
func DefaultTxOptions() TxOptions {
	return TxOptions{
		IsolationLevel:   pgx.ReadCommitted,
		AccessMode:       pgx.ReadWrite,
		StatementTimeout: 30 * time.Second,
	}
}

// resolve applies the definition's hints on top of the defaults.
func (o TxOptions) resolve(def tx.Definition) TxOptions {
	switch def.Isolation {
	case tx.IsolationReadUncommitted:
		o.IsolationLevel = pgx.ReadUncommitted
	case tx.IsolationReadCommitted:
		o.IsolationLevel = pgx.ReadCommitted
	case tx.IsolationRepeatableRead:
		o.IsolationLevel = pgx.RepeatableRead
	case tx.IsolationSerializable:
		o.IsolationLevel = pgx.Serializable
	}
	if def.ReadOnly {
		o.AccessMode = pgx.ReadOnly
	}
	if def.Timeout > 0 {
		o.StatementTimeout = def.Timeout
	}
	return o
}

func (o TxOptions) toPgx() pgx.TxOptions {
	return pgx.TxOptions{
		IsoLevel:   o.IsolationLevel,
		AccessMode: o.AccessMode,
	}
}

// NewTxManager creates a transaction executor whose coordinators drive
// PostgreSQL resources drawn from pool.
func NewTxManager(pool *Pool, opts ...tx.Option) *tx.Executor {
	return tx.NewExecutor(NewResourceFactory(pool.Pool, DefaultTxOptions()), opts...)
}

// Querier is implemented by pgx.Tx, *pgxpool.Pool and *pgx.Conn.
// Repositories use it to work both inside and outside transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetTx returns the transaction bound to ctx's coordinator, or nil if none.
func GetTx(ctx context.Context) pgx.Tx {
	res, ok := ResourceFrom(ctx)
	if !ok || res.bound == nil {
		return nil
	}
	return res.bound.tx
}

// QuerierFrom returns the bound transaction if ctx carries one, otherwise pool.
func QuerierFrom(ctx context.Context, pool *pgxpool.Pool) Querier {
	if t := GetTx(ctx); t != nil {
		return t
	}
	return pool
}
