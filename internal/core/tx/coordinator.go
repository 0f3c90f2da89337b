// Package tx coordinates logical transactions over physical ones.
//
// A Coordinator keeps a stack of frames for one logical thread of work. Each
// Begin decides, from the requested propagation and the frame on top of the
// stack, whether to open a physical transaction, suspend the current one,
// create a savepoint or join. Only frames that own a physical transaction
// (or a savepoint) ever touch the Resource; a participant that rolls back
// marks the owning frame rollback-only, and the owner's commit then rolls
// back and reports ErrUnexpectedRollback.
//
// Domain code should depend on Manager; the Coordinator API is for code that
// needs explicit Begin/Commit/Rollback control.
package tx

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"txflow/internal/core/apperror"
	"txflow/internal/core/id"
	"txflow/pkg/logger"
)

// Coordinator is not safe for concurrent use. Give every goroutine or request
// its own instance (Executor does this per top-level call).
type Coordinator struct {
	res      Resource
	frames   []frame
	log      *logger.Logger
	tracer   trace.Tracer
	recorder Recorder
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used for propagation decisions.
// Without it the logger bound to the call's context is used.
func WithLogger(l *logger.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithTracer sets the tracer used for per-frame spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// WithRecorder sets the frame lifecycle observer.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// NewCoordinator creates a coordinator with an empty frame stack over res.
func NewCoordinator(res Resource, opts ...Option) *Coordinator {
	c := &Coordinator{
		res:      res,
		tracer:   otel.Tracer("txflow/tx"),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resource returns the resource the coordinator drives.
func (c *Coordinator) Resource() Resource { return c.res }

// Depth returns the number of active frames.
func (c *Coordinator) Depth() int { return len(c.frames) }

// InTransaction reports whether the innermost frame runs inside a physical transaction.
func (c *Coordinator) InTransaction() bool {
	n := len(c.frames)
	return n > 0 && c.frames[n-1].hasTransaction
}

// Current returns the handle of the innermost frame, or nil when idle.
func (c *Coordinator) Current() *Handle {
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1].handle
}

// Begin opens a frame for def and returns its handle.
func (c *Coordinator) Begin(ctx context.Context, def Definition) (*Handle, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	depth := len(c.frames)
	f := frame{id: id.New(), def: def, parent: depth - 1}
	ctx, span := c.tracer.Start(ctx, "tx "+def.label(),
		trace.WithAttributes(
			attribute.String("tx.propagation", def.Propagation.String()),
			attribute.String("tx.isolation", def.Isolation.String()),
			attribute.Bool("tx.read_only", def.ReadOnly),
			attribute.Int("tx.depth", depth),
		))
	log := c.logger(ctx).With(
		"tx.name", def.label(),
		"tx.propagation", def.Propagation.String(),
		"tx.depth", depth,
		"tx.frame", id.Short(f.id),
	)

	var err error
	if c.InTransaction() {
		err = c.handleExistingTransaction(ctx, &f, log)
	} else {
		err = c.handleNoTransaction(ctx, &f, log)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	span.SetAttributes(
		attribute.String("tx.kind", string(f.kind())),
		attribute.Bool("tx.new", f.newTransaction),
	)
	f.span = span
	f.handle = &Handle{
		c:      c,
		id:     f.id,
		depth:  depth,
		def:    def,
		kind:   f.kind(),
		span:   span,
		status: StatusActive,
	}
	c.frames = append(c.frames, f)
	c.recorder.FrameBegun(def.Propagation, f.kind(), depth)

	return f.handle, nil
}

func (c *Coordinator) handleNoTransaction(ctx context.Context, f *frame, log *logger.Logger) error {
	switch f.def.Propagation {
	case PropagationMandatory:
		return apperror.NewIllegalTransactionState(
			"no existing transaction found for transaction marked with propagation MANDATORY").
			WithDetail("name", f.def.label())
	case PropagationNotSupported, PropagationNever:
		log.Debugw("executing non-transactionally")
		return nil
	default:
		log.Debugw("creating new transaction")
		return c.beginPhysical(ctx, f)
	}
}

func (c *Coordinator) handleExistingTransaction(ctx context.Context, f *frame, log *logger.Logger) error {
	switch f.def.Propagation {
	case PropagationNever:
		return apperror.NewIllegalTransactionState(
			"existing transaction found for transaction marked with propagation NEVER").
			WithDetail("name", f.def.label()).
			WithDetail("depth", len(c.frames))

	case PropagationNotSupported:
		log.Debugw("suspending current transaction")
		return c.suspend(ctx, f)

	case PropagationRequiresNew:
		log.Debugw("suspending current transaction, creating new transaction")
		if err := c.suspend(ctx, f); err != nil {
			return err
		}
		if err := c.beginPhysical(ctx, f); err != nil {
			if rerr := c.res.Resume(ctx, f.suspended); rerr != nil {
				log.Errorw("resume after begin failure failed", "error", rerr)
				return errors.Join(err, apperror.NewResourceFailure("resume", rerr))
			}
			return err
		}
		return nil

	case PropagationNested:
		sp, ok := c.res.(SavepointResource)
		if !ok {
			return apperror.NewNestedNotSupported(fmt.Sprintf("%T", c.res)).
				WithDetail("name", f.def.label())
		}
		owner := c.owner(len(c.frames) - 1)
		name := fmt.Sprintf("SAVEPOINT_%d", len(c.frames))
		log.Debugw("creating nested transaction", "savepoint", name)
		if err := sp.CreateSavepoint(ctx, c.frames[owner].token, name); err != nil {
			return apperror.NewResourceFailure("create savepoint", err)
		}
		f.hasTransaction = true
		f.savepoint = name
		return nil

	default: // REQUIRED, SUPPORTS, MANDATORY
		log.Debugw("participating in existing transaction")
		f.hasTransaction = true
		return nil
	}
}

func (c *Coordinator) beginPhysical(ctx context.Context, f *frame) error {
	tok, err := c.res.Begin(ctx, f.def)
	if err != nil {
		return apperror.NewResourceFailure("begin", err).WithDetail("name", f.def.label())
	}
	f.token = tok
	f.newTransaction = true
	f.hasTransaction = true
	return nil
}

func (c *Coordinator) suspend(ctx context.Context, f *frame) error {
	s, err := c.res.Suspend(ctx)
	if err != nil {
		return apperror.NewResourceFailure("suspend", err)
	}
	f.suspended = s
	f.hasSuspended = true
	return nil
}

// Commit resolves h, which must be the innermost active frame.
//
// A frame owning a physical transaction commits it unless the transaction was
// marked rollback-only; a marked transaction is rolled back and Commit returns
// ErrUnexpectedRollback. A participant commits nothing itself and fails with
// ErrUnexpectedRollback when its owner is already marked.
func (c *Coordinator) Commit(ctx context.Context, h *Handle) error {
	idx, err := c.checkInnermost(h, "commit")
	if err != nil {
		return err
	}
	f := &c.frames[idx]
	log := c.frameLogger(ctx, f)

	var (
		outcome Outcome
		result  error
	)
	switch {
	case f.newTransaction:
		if f.rollbackOnly || f.localRollbackOnly {
			if f.rollbackOnly {
				log.Debugw("transaction is marked as rollback-only but transactional code requested commit")
			} else {
				log.Debugw("transactional code has requested rollback")
			}
			outcome = OutcomeRolledBack
			if err := c.res.Rollback(ctx, f.token); err != nil {
				result = apperror.NewResourceFailure("rollback", err)
				outcome = OutcomeFailed
			}
			if f.rollbackOnly {
				result = errors.Join(c.unexpectedRollback(f, idx), result)
				outcome = OutcomeUnexpectedRollback
			}
		} else {
			log.Debugw("initiating transaction commit")
			outcome = OutcomeCommitted
			if err := c.res.Commit(ctx, f.token); err != nil {
				result = apperror.NewResourceFailure("commit", err)
				outcome = OutcomeFailed
			}
		}

	case f.savepoint != "":
		sp := c.res.(SavepointResource)
		owner := &c.frames[c.owner(idx)]
		if owner.rollbackOnly || f.localRollbackOnly {
			log.Debugw("rolling back transaction to savepoint", "savepoint", f.savepoint)
			outcome = OutcomeRolledBack
			if err := sp.RollbackToSavepoint(ctx, owner.token, f.savepoint); err != nil {
				result = apperror.NewResourceFailure("rollback to savepoint", err)
				outcome = OutcomeFailed
			}
			if owner.rollbackOnly {
				result = errors.Join(c.unexpectedRollback(f, idx), result)
				outcome = OutcomeUnexpectedRollback
			}
		} else {
			log.Debugw("releasing transaction savepoint", "savepoint", f.savepoint)
			outcome = OutcomeCommitted
			if err := sp.ReleaseSavepoint(ctx, owner.token, f.savepoint); err != nil {
				result = apperror.NewResourceFailure("release savepoint", err)
				outcome = OutcomeFailed
			}
		}

	case f.hasTransaction:
		owner := &c.frames[c.owner(idx)]
		switch {
		case owner.rollbackOnly:
			log.Debugw("global transaction is marked as rollback-only but transactional code requested commit")
			result = c.unexpectedRollback(f, idx)
			outcome = OutcomeUnexpectedRollback
		case f.localRollbackOnly:
			log.Debugw("participating transaction requested rollback - marking existing transaction as rollback-only")
			owner.rollbackOnly = true
			outcome = OutcomeRollbackOnly
		default:
			log.Debugw("participating transaction commit deferred to the enclosing transaction")
			outcome = OutcomeCommitted
		}

	default:
		outcome = OutcomeCommitted
	}

	return c.complete(ctx, idx, outcome, result)
}

// Rollback resolves h, which must be the innermost active frame.
//
// A frame owning a physical transaction rolls it back immediately; a savepoint
// frame rolls back to its savepoint. A participant only marks the owning
// frame rollback-only; the physical rollback happens when the owner completes.
func (c *Coordinator) Rollback(ctx context.Context, h *Handle) error {
	idx, err := c.checkInnermost(h, "rollback")
	if err != nil {
		return err
	}
	f := &c.frames[idx]
	log := c.frameLogger(ctx, f)

	outcome := OutcomeRolledBack
	var result error
	switch {
	case f.newTransaction:
		log.Debugw("initiating transaction rollback")
		if err := c.res.Rollback(ctx, f.token); err != nil {
			result = apperror.NewResourceFailure("rollback", err)
			outcome = OutcomeFailed
		}

	case f.savepoint != "":
		log.Debugw("rolling back transaction to savepoint", "savepoint", f.savepoint)
		owner := c.frames[c.owner(idx)]
		if err := c.res.(SavepointResource).RollbackToSavepoint(ctx, owner.token, f.savepoint); err != nil {
			result = apperror.NewResourceFailure("rollback to savepoint", err)
			outcome = OutcomeFailed
		}

	case f.hasTransaction:
		log.Debugw("participating transaction failed - marking existing transaction as rollback-only")
		c.frames[c.owner(idx)].rollbackOnly = true
		outcome = OutcomeRollbackOnly
	}

	return c.complete(ctx, idx, outcome, result)
}

// complete pops the frame at idx and resumes whatever it suspended.
func (c *Coordinator) complete(ctx context.Context, idx int, outcome Outcome, result error) error {
	f := c.frames[idx]
	kind := f.kind()
	rollbackOnly := f.rollbackOnly || f.localRollbackOnly
	c.frames[idx] = frame{}
	c.frames = c.frames[:idx]

	if f.hasSuspended {
		c.frameLogger(ctx, &f).Debugw("resuming suspended transaction")
		if err := c.res.Resume(ctx, f.suspended); err != nil {
			result = errors.Join(result, apperror.NewResourceFailure("resume", err))
		}
	}

	status := StatusRolledBack
	if outcome == OutcomeCommitted {
		status = StatusCommitted
	}
	f.handle.finish(status, rollbackOnly)

	f.span.SetAttributes(attribute.String("tx.outcome", string(outcome)))
	if result != nil {
		f.span.RecordError(result)
		f.span.SetStatus(codes.Error, result.Error())
	}
	f.span.End()
	c.recorder.FrameCompleted(kind, outcome)

	return result
}

// checkInnermost validates that h is the innermost active frame of c.
func (c *Coordinator) checkInnermost(h *Handle, op string) (int, error) {
	if h == nil {
		return -1, apperror.NewTransactionUsage(op + " called with nil transaction handle")
	}
	if h.c != c {
		return -1, apperror.NewTransactionUsage(op + " called with a handle from another coordinator")
	}
	if h.IsCompleted() {
		return -1, apperror.NewTransactionUsage(
			"transaction is already completed - do not call commit or rollback more than once per transaction").
			WithDetail("operation", op).
			WithDetail("status", h.status.String())
	}
	top := len(c.frames) - 1
	if top < 0 || c.frames[top].id != h.id {
		return -1, apperror.NewTransactionUsage(op+" called on a transaction that is not the innermost one").
			WithDetail("depth", h.depth).
			WithDetail("stack_depth", len(c.frames))
	}
	return top, nil
}

// owner returns the index of the nearest frame at or below idx that opened a
// physical transaction, or -1.
func (c *Coordinator) owner(idx int) int {
	for i := idx; i >= 0; i = c.frames[i].parent {
		if c.frames[i].newTransaction {
			return i
		}
	}
	return -1
}

func (c *Coordinator) unexpectedRollback(f *frame, idx int) error {
	return apperror.NewUnexpectedRollback(
		"transaction rolled back because it has been marked as rollback-only").
		WithDetail("name", f.def.label()).
		WithDetail("depth", idx)
}

func (c *Coordinator) logger(ctx context.Context) *logger.Logger {
	if c.log != nil {
		return c.log.WithContext(ctx).WithComponent("tx")
	}
	return logger.FromContext(ctx).WithComponent("tx")
}

// frameLogger logs under f's span so completion lines match the frame's trace.
func (c *Coordinator) frameLogger(ctx context.Context, f *frame) *logger.Logger {
	if f.span != nil {
		ctx = trace.ContextWithSpan(ctx, f.span)
	}
	return c.logger(ctx).With(
		"tx.name", f.def.label(),
		"tx.propagation", f.def.Propagation.String(),
		"tx.depth", f.parent+1,
		"tx.frame", id.Short(f.id),
	)
}
