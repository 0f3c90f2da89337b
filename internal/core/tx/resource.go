package tx

import "context"

// Token identifies a physical transaction opened by a Resource.
// The coordinator never inspects it.
type Token any

// Suspended is a snapshot of the resource binding taken by Suspend.
type Suspended any

// Resource is the physical side of a coordinator: one logical thread of work
// talks to one Resource, which holds at most one bound physical transaction.
//
// Begin opens and binds a physical transaction. Suspend unbinds the current
// one and returns it so a later Begin starts on a fresh connection; Resume
// binds the snapshot again. Commit and Rollback end the transaction behind tok
// and unbind it.
type Resource interface {
	Begin(ctx context.Context, def Definition) (Token, error)
	Commit(ctx context.Context, tok Token) error
	Rollback(ctx context.Context, tok Token) error
	Suspend(ctx context.Context) (Suspended, error)
	Resume(ctx context.Context, s Suspended) error
}

// SavepointResource is implemented by resources that can run NESTED frames.
type SavepointResource interface {
	Resource
	CreateSavepoint(ctx context.Context, tok Token, name string) error
	RollbackToSavepoint(ctx context.Context, tok Token, name string) error
	ReleaseSavepoint(ctx context.Context, tok Token, name string) error
}

// ResourceFactory returns a fresh, unbound Resource for a new logical thread of work.
type ResourceFactory func() Resource
