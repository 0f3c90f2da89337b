package tx

import (
	"context"
	"errors"
	"time"

	"txflow/pkg/logger"
)

// Manager defines the contract for transaction management.
//
// Domain services depend on this interface, not on concrete resources.
type Manager interface {
	// RunInTransaction executes fn within a transaction (REQUIRED propagation).
	// If fn returns an error, the transaction is rolled back.
	// If fn succeeds, the transaction is committed.
	//
	// Nested calls join the transaction already bound to ctx.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ReadOnlyManager extends Manager with read-only transaction support.
type ReadOnlyManager interface {
	Manager

	// ReadOnly executes fn in a read-only transaction.
	ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error
}

// Compile-time check that Executor implements ReadOnlyManager.
var _ ReadOnlyManager = (*Executor)(nil)

// Executor runs callbacks inside coordinated transactions. It is safe for
// concurrent use: every top-level call gets its own Coordinator and Resource,
// nested calls reuse the coordinator bound to their context.
type Executor struct {
	newResource ResourceFactory
	opts        []Option
	defaults    Definition
}

// NewExecutor creates an Executor drawing fresh resources from factory.
func NewExecutor(factory ResourceFactory, opts ...Option) *Executor {
	return &Executor{
		newResource: factory,
		opts:        opts,
		defaults:    DefaultDefinition(),
	}
}

// SetDefaultTimeout sets the timeout used by RunInTransaction and ReadOnly.
// Call it during setup, before the executor is shared.
func (e *Executor) SetDefaultTimeout(d time.Duration) {
	e.defaults.Timeout = d
}

// RunInTransaction executes fn with REQUIRED propagation.
func (e *Executor) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.Execute(ctx, e.defaults, fn)
}

// ReadOnly executes fn in a read-only REQUIRED transaction.
func (e *Executor) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	def := e.defaults
	def.ReadOnly = true
	return e.Execute(ctx, def, fn)
}

// Execute runs fn inside a frame opened with def.
func (e *Executor) Execute(ctx context.Context, def Definition, fn func(ctx context.Context) error) error {
	return e.ExecuteWithHandle(ctx, def, func(ctx context.Context, _ *Handle) error {
		return fn(ctx)
	})
}

// ExecuteWithHandle runs fn inside a frame opened with def and passes it the
// frame's handle, so fn can call SetRollbackOnly. fn's context carries the
// frame's span.
//
// The frame is committed when fn returns nil and rolled back when fn returns
// an error or panics. The panic is re-raised after the rollback. fn's error is
// always returned, joined with a rollback failure if one happens.
func (e *Executor) ExecuteWithHandle(ctx context.Context, def Definition, fn func(ctx context.Context, h *Handle) error) error {
	c := FromContext(ctx)
	if c == nil {
		c = NewCoordinator(e.newResource(), e.opts...)
		ctx = WithCoordinator(ctx, c)
	}

	h, err := c.Begin(ctx, def)
	if err != nil {
		return err
	}
	fnCtx := h.Context(ctx)

	defer func() {
		if r := recover(); r != nil {
			if rbErr := c.Rollback(ctx, h); rbErr != nil {
				logger.Error(ctx, "rollback after panic failed", "error", rbErr)
			}
			panic(r)
		}
	}()

	if fnErr := fn(fnCtx, h); fnErr != nil {
		if rbErr := c.Rollback(ctx, h); rbErr != nil {
			logger.Error(ctx, "rollback failed", "error", rbErr, "original_error", fnErr)
			return errors.Join(fnErr, rbErr)
		}
		return fnErr
	}

	return c.Commit(ctx, h)
}
