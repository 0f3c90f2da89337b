package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"txflow/internal/core/id"
	"txflow/internal/core/tx"
	"txflow/pkg/logger"
)

// Compile-time check that Resource supports savepoints.
var _ tx.SavepointResource = (*Resource)(nil)

var (
	errAlreadyBound = errors.New("postgres: a transaction is already bound to this resource")
	errUnknownToken = errors.New("postgres: unknown or finished transaction")
)

// Conn is a physical transaction: a pooled connection and the pgx.Tx on it.
type Conn struct {
	id     id.ID
	conn   *pgxpool.Conn
	tx     pgx.Tx
	closed bool
}

// ID identifies the physical transaction in logs.
func (c *Conn) ID() id.ID { return c.id }

// Tx returns the underlying pgx transaction.
func (c *Conn) Tx() pgx.Tx { return c.tx }

// Resource opens physical transactions on connections acquired from a pool
// and keeps at most one of them bound. A suspended transaction keeps its
// connection; the next Begin acquires another one.
//
// Resource is not safe for concurrent use; create one per coordinator.
type Resource struct {
	pool     *pgxpool.Pool
	defaults TxOptions
	bound    *Conn
}

// NewResource creates an unbound resource over pool.
func NewResource(pool *pgxpool.Pool, defaults TxOptions) *Resource {
	return &Resource{pool: pool, defaults: defaults}
}

// NewResourceFactory returns a factory producing resources over pool.
func NewResourceFactory(pool *pgxpool.Pool, defaults TxOptions) tx.ResourceFactory {
	return func() tx.Resource {
		return NewResource(pool, defaults)
	}
}

// Bound returns the bound physical transaction, or nil.
func (r *Resource) Bound() *Conn { return r.bound }

// Begin acquires a connection, starts a transaction with the definition's
// isolation and access mode, and binds it.
func (r *Resource) Begin(ctx context.Context, def tx.Definition) (tx.Token, error) {
	if r.bound != nil {
		return nil, errAlreadyBound
	}
	opts := r.defaults.resolve(def)

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	pgxTx, err := conn.BeginTx(ctx, opts.toPgx())
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	// Set statement timeout for protection against runaway queries
	if opts.StatementTimeout > 0 {
		_, err = pgxTx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", opts.StatementTimeout.Milliseconds()))
		if err != nil {
			_ = pgxTx.Rollback(context.WithoutCancel(ctx))
			conn.Release()
			return nil, fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	c := &Conn{id: id.New(), conn: conn, tx: pgxTx}
	r.bound = c
	logger.Debug(ctx, "physical transaction started",
		"conn", id.Short(c.id),
		"isolation", string(opts.IsolationLevel),
		"access_mode", string(opts.AccessMode),
	)
	return c, nil
}

// Commit commits tok and returns its connection to the pool.
func (r *Resource) Commit(ctx context.Context, tok tx.Token) error {
	c, err := r.token(tok)
	if err != nil {
		return err
	}
	defer r.release(c)

	if err := c.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Rollback rolls tok back and returns its connection to the pool.
func (r *Resource) Rollback(ctx context.Context, tok tx.Token) error {
	c, err := r.token(tok)
	if err != nil {
		return err
	}
	defer r.release(c)

	// Detach from cancellation so the rollback completes even if the
	// original context was cancelled.
	if err := c.tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

// Suspend unbinds the current transaction, keeping its connection checked out.
func (r *Resource) Suspend(ctx context.Context) (tx.Suspended, error) {
	c := r.bound
	r.bound = nil
	if c == nil {
		return nil, nil
	}
	logger.Debug(ctx, "physical transaction suspended", "conn", id.Short(c.id))
	return c, nil
}

// Resume binds a transaction returned by Suspend.
func (r *Resource) Resume(ctx context.Context, s tx.Suspended) error {
	if s == nil {
		return nil
	}
	c, ok := s.(*Conn)
	if !ok || c.closed {
		return errUnknownToken
	}
	if r.bound != nil {
		return errAlreadyBound
	}
	r.bound = c
	logger.Debug(ctx, "physical transaction resumed", "conn", id.Short(c.id))
	return nil
}

// CreateSavepoint issues SAVEPOINT name on tok.
func (r *Resource) CreateSavepoint(ctx context.Context, tok tx.Token, name string) error {
	return r.savepointExec(ctx, tok, "SAVEPOINT ", name)
}

// RollbackToSavepoint issues ROLLBACK TO SAVEPOINT name on tok.
func (r *Resource) RollbackToSavepoint(ctx context.Context, tok tx.Token, name string) error {
	return r.savepointExec(ctx, tok, "ROLLBACK TO SAVEPOINT ", name)
}

// ReleaseSavepoint issues RELEASE SAVEPOINT name on tok.
func (r *Resource) ReleaseSavepoint(ctx context.Context, tok tx.Token, name string) error {
	return r.savepointExec(ctx, tok, "RELEASE SAVEPOINT ", name)
}

func (r *Resource) savepointExec(ctx context.Context, tok tx.Token, stmt, name string) error {
	c, err := r.token(tok)
	if err != nil {
		return err
	}
	sql := stmt + pgx.Identifier{name}.Sanitize()
	if _, err := c.tx.Exec(ctx, sql); err != nil {
		return fmt.Errorf("%s: %w", sql, err)
	}
	return nil
}

func (r *Resource) token(tok tx.Token) (*Conn, error) {
	c, ok := tok.(*Conn)
	if !ok || c.closed {
		return nil, errUnknownToken
	}
	return c, nil
}

func (r *Resource) release(c *Conn) {
	c.closed = true
	c.conn.Release()
	if r.bound == c {
		r.bound = nil
	}
}
