package tx

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"txflow/internal/core/id"
)

// Status is the lifecycle state of a frame.
type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusCommitted:
		return "COMMITTED"
	case StatusRolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// FrameKind classifies how a frame relates to the physical transaction.
type FrameKind string

const (
	FrameNew           FrameKind = "new"
	FrameParticipating FrameKind = "participating"
	FrameSavepoint     FrameKind = "savepoint"
	FrameNone          FrameKind = "none"
)

// frame is one logical transaction scope. Frames are stored by value in the
// coordinator's stack; parent is an index into that stack, never a pointer.
type frame struct {
	id  id.ID
	def Definition

	newTransaction bool
	hasTransaction bool
	token          Token
	savepoint      string

	// rollbackOnly is the global mark set by participants on the owning frame.
	rollbackOnly bool
	// localRollbackOnly is requested through Handle.SetRollbackOnly.
	localRollbackOnly bool

	suspended    Suspended
	hasSuspended bool

	parent int
	handle *Handle
	span   trace.Span
}

func (f *frame) kind() FrameKind {
	switch {
	case f.newTransaction:
		return FrameNew
	case f.savepoint != "":
		return FrameSavepoint
	case f.hasTransaction:
		return FrameParticipating
	default:
		return FrameNone
	}
}

// Handle refers to the frame opened by one Begin call. It must be passed
// back to Commit or Rollback of the coordinator that issued it.
type Handle struct {
	c     *Coordinator
	id    id.ID
	depth int
	def   Definition
	kind  FrameKind
	span  trace.Span

	status       Status
	rollbackOnly bool
}

// ID returns the frame identity.
func (h *Handle) ID() id.ID { return h.id }

// Definition returns the definition the frame was opened with.
func (h *Handle) Definition() Definition { return h.def }

// Depth is the frame's index in the stack, 0 for the outermost frame.
func (h *Handle) Depth() int { return h.depth }

// Kind reports how the frame relates to the physical transaction.
func (h *Handle) Kind() FrameKind { return h.kind }

// IsNewTransaction reports whether this frame opened a physical transaction.
func (h *Handle) IsNewTransaction() bool { return h.kind == FrameNew }

// HasTransaction reports whether the frame runs inside a physical transaction.
func (h *Handle) HasTransaction() bool { return h.kind != FrameNone }

// IsNested reports whether the frame runs inside a savepoint.
func (h *Handle) IsNested() bool { return h.kind == FrameSavepoint }

// Context returns ctx carrying the frame's span, so work done inside the
// frame (and frames opened from it) is traced under it.
func (h *Handle) Context(ctx context.Context) context.Context {
	if h.span == nil {
		return ctx
	}
	return trace.ContextWithSpan(ctx, h.span)
}

// Status returns the frame's lifecycle state.
func (h *Handle) Status() Status { return h.status }

// IsCompleted reports whether Commit or Rollback already resolved the frame.
func (h *Handle) IsCompleted() bool { return h.status != StatusActive }

// IsRollbackOnly reports whether a commit of this frame would roll back,
// either because it was requested locally or because a participant marked
// the owning transaction.
func (h *Handle) IsRollbackOnly() bool {
	f := h.frame()
	if f == nil {
		return h.rollbackOnly
	}
	if f.localRollbackOnly || f.rollbackOnly {
		return true
	}
	// A frame without a transaction never sees the mark of the one it suspended.
	if h.kind == FrameNone {
		return false
	}
	if owner := h.c.owner(h.depth); owner >= 0 {
		return h.c.frames[owner].rollbackOnly
	}
	return false
}

// SetRollbackOnly requests that the frame roll back instead of committing.
// On an owning frame the following Commit rolls back without error; on a
// participant the Commit marks the owning transaction rollback-only.
// It has no effect on a completed frame.
func (h *Handle) SetRollbackOnly() {
	if f := h.frame(); f != nil {
		f.localRollbackOnly = true
	}
}

// frame returns the live stack entry for h, or nil once h is completed.
func (h *Handle) frame() *frame {
	if h.status != StatusActive || h.depth >= len(h.c.frames) {
		return nil
	}
	f := &h.c.frames[h.depth]
	if f.id != h.id {
		return nil
	}
	return f
}

func (h *Handle) finish(status Status, rollbackOnly bool) {
	h.status = status
	h.rollbackOnly = rollbackOnly
}
