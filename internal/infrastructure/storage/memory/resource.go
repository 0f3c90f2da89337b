package memory

import (
	"context"

	"txflow/internal/core/tx"
)

// Compile-time checks.
var (
	_ tx.Resource          = (*Resource)(nil)
	_ tx.SavepointResource = (*SavepointResource)(nil)
)

// Txn is a physical in-memory transaction.
type Txn struct {
	id         int
	def        tx.Definition
	staged     []Record
	savepoints []savepoint
	done       bool
}

type savepoint struct {
	name string
	mark int
}

// ID returns the transaction number within its store.
func (t *Txn) ID() int { return t.id }

// Resource binds at most one Txn at a time. Not safe for concurrent use.
type Resource struct {
	store *Store
	bound *Txn
}

// Bound returns the currently bound transaction, or nil.
func (r *Resource) Bound() *Txn { return r.bound }

// Begin opens and binds a new transaction.
func (r *Resource) Begin(_ context.Context, def tx.Definition) (tx.Token, error) {
	if r.bound != nil {
		return nil, ErrAlreadyBound
	}
	if err := r.store.takeFailure(EventBegin); err != nil {
		return nil, err
	}
	t := &Txn{id: r.store.nextTxn(), def: def}
	r.bound = t
	r.store.log(Event{Kind: EventBegin, Txn: t.id})
	return t, nil
}

// Commit publishes the staged writes of tok.
func (r *Resource) Commit(_ context.Context, tok tx.Token) error {
	t, err := r.token(tok)
	if err != nil {
		return err
	}
	defer r.finish(t)
	if err := r.store.takeFailure(EventCommit); err != nil {
		return err
	}
	r.store.apply(t.staged)
	r.store.log(Event{Kind: EventCommit, Txn: t.id})
	return nil
}

// Rollback discards the staged writes of tok.
func (r *Resource) Rollback(_ context.Context, tok tx.Token) error {
	t, err := r.token(tok)
	if err != nil {
		return err
	}
	defer r.finish(t)
	if err := r.store.takeFailure(EventRollback); err != nil {
		return err
	}
	r.store.log(Event{Kind: EventRollback, Txn: t.id})
	return nil
}

// Suspend unbinds the current transaction and returns it.
func (r *Resource) Suspend(_ context.Context) (tx.Suspended, error) {
	if err := r.store.takeFailure(EventSuspend); err != nil {
		return nil, err
	}
	t := r.bound
	r.bound = nil
	if t == nil {
		r.store.log(Event{Kind: EventSuspend})
		return nil, nil
	}
	r.store.log(Event{Kind: EventSuspend, Txn: t.id})
	return t, nil
}

// Resume binds a transaction returned by Suspend.
func (r *Resource) Resume(_ context.Context, s tx.Suspended) error {
	if err := r.store.takeFailure(EventResume); err != nil {
		return err
	}
	if s == nil {
		r.store.log(Event{Kind: EventResume})
		return nil
	}
	t, ok := s.(*Txn)
	if !ok || t.done {
		return ErrUnknownToken
	}
	if r.bound != nil {
		return ErrAlreadyBound
	}
	r.bound = t
	r.store.log(Event{Kind: EventResume, Txn: t.id})
	return nil
}

// Write stages value in the bound transaction, or applies it immediately
// when no transaction is bound.
func (r *Resource) Write(_ context.Context, stream, value string) error {
	if r.bound == nil {
		r.store.apply([]Record{{Stream: stream, Value: value}})
		return nil
	}
	if r.bound.def.ReadOnly {
		return ErrReadOnly
	}
	r.bound.staged = append(r.bound.staged, Record{Stream: stream, Value: value, Txn: r.bound.id})
	return nil
}

func (r *Resource) token(tok tx.Token) (*Txn, error) {
	t, ok := tok.(*Txn)
	if !ok || t.done {
		return nil, ErrUnknownToken
	}
	return t, nil
}

func (r *Resource) finish(t *Txn) {
	t.done = true
	t.staged = nil
	t.savepoints = nil
	if r.bound == t {
		r.bound = nil
	}
}

// SavepointResource is a Resource that also supports savepoints.
type SavepointResource struct {
	*Resource
}

// CreateSavepoint marks the current end of tok's staged writes.
func (r *SavepointResource) CreateSavepoint(_ context.Context, tok tx.Token, name string) error {
	t, err := r.token(tok)
	if err != nil {
		return err
	}
	if err := r.store.takeFailure(EventSavepoint); err != nil {
		return err
	}
	t.savepoints = append(t.savepoints, savepoint{name: name, mark: len(t.staged)})
	r.store.log(Event{Kind: EventSavepoint, Txn: t.id, Savepoint: name})
	return nil
}

// RollbackToSavepoint drops writes staged after name, and name itself.
func (r *SavepointResource) RollbackToSavepoint(_ context.Context, tok tx.Token, name string) error {
	t, err := r.token(tok)
	if err != nil {
		return err
	}
	i := t.findSavepoint(name)
	if i < 0 {
		return ErrNoSavepoint
	}
	if err := r.store.takeFailure(EventRollbackToSavepoint); err != nil {
		return err
	}
	t.staged = t.staged[:t.savepoints[i].mark]
	t.savepoints = t.savepoints[:i]
	r.store.log(Event{Kind: EventRollbackToSavepoint, Txn: t.id, Savepoint: name})
	return nil
}

// ReleaseSavepoint forgets name, keeping the writes staged after it.
func (r *SavepointResource) ReleaseSavepoint(_ context.Context, tok tx.Token, name string) error {
	t, err := r.token(tok)
	if err != nil {
		return err
	}
	i := t.findSavepoint(name)
	if i < 0 {
		return ErrNoSavepoint
	}
	if err := r.store.takeFailure(EventReleaseSavepoint); err != nil {
		return err
	}
	t.savepoints = t.savepoints[:i]
	r.store.log(Event{Kind: EventReleaseSavepoint, Txn: t.id, Savepoint: name})
	return nil
}

func (t *Txn) findSavepoint(name string) int {
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i].name == name {
			return i
		}
	}
	return -1
}
