package tx_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txflow/internal/core/tx"
	"txflow/internal/infrastructure/storage/memory"
)

const (
	begin        = memory.EventBegin
	commit       = memory.EventCommit
	rollback     = memory.EventRollback
	suspend      = memory.EventSuspend
	resume       = memory.EventResume
	savepoint    = memory.EventSavepoint
	rollbackToSP = memory.EventRollbackToSavepoint
	releaseSP    = memory.EventReleaseSavepoint
)

func newCoordinator(t *testing.T, opts ...tx.Option) (*tx.Coordinator, *memory.Store, *memory.SavepointResource) {
	t.Helper()
	store := memory.NewStore()
	res := store.NewResource()
	return tx.NewCoordinator(res, opts...), store, res
}

func required(name string) tx.Definition {
	return tx.Named(name)
}

func with(name string, p tx.Propagation) tx.Definition {
	return tx.Named(name).WithPropagation(p)
}

func TestCommit_SingleTransaction(t *testing.T) {
	c, store, _ := newCoordinator(t)
	ctx := context.Background()

	assert.Equal(t, 0, c.Depth())
	h, err := c.Begin(ctx, required("tx"))
	require.NoError(t, err)
	assert.True(t, h.IsNewTransaction())
	assert.True(t, c.InTransaction())
	assert.Equal(t, 1, c.Depth())

	require.NoError(t, c.Commit(ctx, h))
	assert.Equal(t, 0, c.Depth())
	assert.Equal(t, tx.StatusCommitted, h.Status())
	assert.Equal(t, []memory.EventKind{begin, commit}, store.Kinds())
}

func TestRollback_SingleTransaction(t *testing.T) {
	c, store, _ := newCoordinator(t)
	ctx := context.Background()

	h, err := c.Begin(ctx, required("tx"))
	require.NoError(t, err)
	require.NoError(t, c.Rollback(ctx, h))

	assert.Equal(t, 0, c.Depth())
	assert.Equal(t, tx.StatusRolledBack, h.Status())
	assert.Equal(t, []memory.EventKind{begin, rollback}, store.Kinds())
}

func TestSequentialTransactions_DoNotShareState(t *testing.T) {
	c, store, _ := newCoordinator(t)
	ctx := context.Background()

	tx1, err := c.Begin(ctx, required("tx1"))
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx, tx1))

	tx2, err := c.Begin(ctx, required("tx2"))
	require.NoError(t, err)
	assert.True(t, tx2.IsNewTransaction())
	assert.NotEqual(t, tx1.ID(), tx2.ID())
	require.NoError(t, c.Commit(ctx, tx2))

	events := store.Events()
	require.Len(t, events, 4)
	assert.Equal(t, memory.Event{Kind: begin, Txn: 1}, events[0])
	assert.Equal(t, memory.Event{Kind: commit, Txn: 1}, events[1])
	assert.Equal(t, memory.Event{Kind: begin, Txn: 2}, events[2])
	assert.Equal(t, memory.Event{Kind: commit, Txn: 2}, events[3])
	assert.Equal(t, 0, c.Depth())
}

func TestRequired_JoinsAtEveryNestedLevel(t *testing.T) {
	c, store, _ := newCoordinator(t)
	ctx := context.Background()

	var handles []*tx.Handle
	for i := 0; i < 5; i++ {
		h, err := c.Begin(ctx, required("level"))
		require.NoError(t, err)
		assert.Equal(t, i == 0, h.IsNewTransaction(), "depth %d", i)
		assert.True(t, h.HasTransaction())
		assert.Equal(t, i, h.Depth())
		handles = append(handles, h)
	}

	for i := len(handles) - 1; i >= 0; i-- {
		require.NoError(t, c.Commit(ctx, handles[i]))
	}
	assert.Equal(t, []memory.EventKind{begin, commit}, store.Kinds())
	assert.Equal(t, 0, c.Depth())
}

func TestInnerCommit_OuterRollback_DiscardsInnerWork(t *testing.T) {
	c, store, res := newCoordinator(t)
	ctx := context.Background()

	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)
	inner, err := c.Begin(ctx, required("inner"))
	require.NoError(t, err)
	require.NoError(t, res.Write(ctx, "s", "inner"))

	require.NoError(t, c.Commit(ctx, inner))
	require.NoError(t, c.Rollback(ctx, outer))

	assert.Empty(t, store.Records("s"))
	assert.Equal(t, []memory.EventKind{begin, rollback}, store.Kinds())
}

func TestInnerRollback_OuterCommitFailsWithUnexpectedRollback(t *testing.T) {
	c, store, res := newCoordinator(t)
	ctx := context.Background()

	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)
	require.NoError(t, res.Write(ctx, "s", "outer"))

	inner, err := c.Begin(ctx, required("inner"))
	require.NoError(t, err)
	assert.False(t, inner.IsNewTransaction())

	require.NoError(t, c.Rollback(ctx, inner))
	assert.True(t, outer.IsRollbackOnly())
	assert.Equal(t, tx.StatusRolledBack, inner.Status())

	err = c.Commit(ctx, outer)
	require.ErrorIs(t, err, tx.ErrUnexpectedRollback)
	assert.NotErrorIs(t, err, tx.ErrTransactionUsage)

	assert.Equal(t, []memory.EventKind{begin, rollback}, store.Kinds())
	assert.Zero(t, store.Count(commit))
	assert.Empty(t, store.Records("s"))
	assert.Equal(t, tx.StatusRolledBack, outer.Status())
	assert.True(t, outer.IsRollbackOnly())
	assert.Equal(t, 0, c.Depth())
}

func TestPoisonedLineage_EveryLaterCommitFails(t *testing.T) {
	c, store, _ := newCoordinator(t)
	ctx := context.Background()

	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)

	first, err := c.Begin(ctx, required("first"))
	require.NoError(t, err)
	require.NoError(t, c.Rollback(ctx, first))

	second, err := c.Begin(ctx, required("second"))
	require.NoError(t, err)
	assert.True(t, second.IsRollbackOnly())
	require.ErrorIs(t, c.Commit(ctx, second), tx.ErrUnexpectedRollback)

	require.ErrorIs(t, c.Commit(ctx, outer), tx.ErrUnexpectedRollback)
	assert.Zero(t, store.Count(commit))
	assert.Equal(t, 1, store.Count(rollback))
}

func TestRequiresNew_InnerRollbackLeavesOuterCommittable(t *testing.T) {
	c, store, res := newCoordinator(t)
	ctx := context.Background()

	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)
	require.NoError(t, res.Write(ctx, "s", "outer"))

	inner, err := c.Begin(ctx, with("inner", tx.PropagationRequiresNew))
	require.NoError(t, err)
	assert.True(t, inner.IsNewTransaction())
	require.NoError(t, res.Write(ctx, "s", "inner"))

	require.NoError(t, c.Rollback(ctx, inner))
	assert.False(t, outer.IsRollbackOnly())
	require.NoError(t, c.Commit(ctx, outer))

	assert.Equal(t, []memory.EventKind{begin, suspend, begin, rollback, resume, commit}, store.Kinds())
	events := store.Events()
	assert.Equal(t, 1, events[1].Txn, "suspended the outer transaction")
	assert.Equal(t, 2, events[3].Txn, "rolled back the inner transaction")
	assert.Equal(t, 1, events[4].Txn, "resumed the outer transaction")
	assert.Equal(t, []string{"outer"}, store.Records("s"))
}

func TestRequiresNew_AlwaysNew(t *testing.T) {
	c, store, _ := newCoordinator(t)
	ctx := context.Background()

	h, err := c.Begin(ctx, with("alone", tx.PropagationRequiresNew))
	require.NoError(t, err)
	assert.True(t, h.IsNewTransaction())
	require.NoError(t, c.Commit(ctx, h))
	assert.Equal(t, []memory.EventKind{begin, commit}, store.Kinds())

	store.Reset()
	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)
	var inners []*tx.Handle
	for i := 0; i < 3; i++ {
		h, err := c.Begin(ctx, with("inner", tx.PropagationRequiresNew))
		require.NoError(t, err)
		assert.True(t, h.IsNewTransaction())
		inners = append(inners, h)
	}
	for i := len(inners) - 1; i >= 0; i-- {
		require.NoError(t, c.Commit(ctx, inners[i]))
	}
	require.NoError(t, c.Commit(ctx, outer))

	assert.Equal(t, 3, store.Count(suspend))
	assert.Equal(t, 3, store.Count(resume))
	assert.Equal(t, 4, store.Count(commit))
}

func TestRequiresNew_InnerParticipantPoisonsOnlyInnerTransaction(t *testing.T) {
	c, store, _ := newCoordinator(t)
	ctx := context.Background()

	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)
	inner, err := c.Begin(ctx, with("inner", tx.PropagationRequiresNew))
	require.NoError(t, err)
	joined, err := c.Begin(ctx, required("joined"))
	require.NoError(t, err)

	require.NoError(t, c.Rollback(ctx, joined))
	require.ErrorIs(t, c.Commit(ctx, inner), tx.ErrUnexpectedRollback)
	require.NoError(t, c.Commit(ctx, outer))

	assert.Equal(t, []memory.EventKind{begin, suspend, begin, rollback, resume, commit}, store.Kinds())
}

func TestNested_RollbackDiscardsOnlySavepointWork(t *testing.T) {
	c, store, res := newCoordinator(t)
	ctx := context.Background()

	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)
	require.NoError(t, res.Write(ctx, "s", "outer"))

	nested, err := c.Begin(ctx, with("nested", tx.PropagationNested))
	require.NoError(t, err)
	assert.False(t, nested.IsNewTransaction())
	assert.True(t, nested.IsNested())
	require.NoError(t, res.Write(ctx, "s", "nested"))

	require.NoError(t, c.Rollback(ctx, nested))
	assert.False(t, outer.IsRollbackOnly())
	require.NoError(t, c.Commit(ctx, outer))

	assert.Equal(t, []memory.EventKind{begin, savepoint, rollbackToSP, commit}, store.Kinds())
	assert.Equal(t, []string{"outer"}, store.Records("s"))
}

func TestNested_CommitReleasesSavepoint(t *testing.T) {
	c, store, res := newCoordinator(t)
	ctx := context.Background()

	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)
	nested, err := c.Begin(ctx, with("nested", tx.PropagationNested))
	require.NoError(t, err)
	require.NoError(t, res.Write(ctx, "s", "nested"))

	require.NoError(t, c.Commit(ctx, nested))
	require.NoError(t, c.Commit(ctx, outer))

	assert.Equal(t, []memory.EventKind{begin, savepoint, releaseSP, commit}, store.Kinds())
	assert.Equal(t, []string{"nested"}, store.Records("s"))
}

func TestNested_OutsideTransactionOpensNew(t *testing.T) {
	c, store, _ := newCoordinator(t)
	ctx := context.Background()

	h, err := c.Begin(ctx, with("nested", tx.PropagationNested))
	require.NoError(t, err)
	assert.True(t, h.IsNewTransaction())
	assert.False(t, h.IsNested())
	require.NoError(t, c.Commit(ctx, h))
	assert.Equal(t, []memory.EventKind{begin, commit}, store.Kinds())
}

func TestNested_WithoutSavepointSupportFails(t *testing.T) {
	store := memory.NewStore()
	c := tx.NewCoordinator(store.NewResourceWithoutSavepoints())
	ctx := context.Background()

	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)

	_, err = c.Begin(ctx, with("nested", tx.PropagationNested))
	require.ErrorIs(t, err, tx.ErrNestedNotSupported)
	assert.Equal(t, 1, c.Depth())

	require.NoError(t, c.Commit(ctx, outer))
	assert.Equal(t, []memory.EventKind{begin, commit}, store.Kinds())
}

func TestNotSupported_SuspendsAndRunsWithoutTransaction(t *testing.T) {
	c, store, res := newCoordinator(t)
	ctx := context.Background()

	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)
	require.NoError(t, res.Write(ctx, "s", "outer"))

	plain, err := c.Begin(ctx, with("plain", tx.PropagationNotSupported))
	require.NoError(t, err)
	assert.False(t, plain.HasTransaction())
	assert.False(t, c.InTransaction())
	assert.Nil(t, res.Bound())
	require.NoError(t, res.Write(ctx, "s", "plain"))
	assert.Equal(t, []string{"plain"}, store.Records("s"), "non-transactional write is applied immediately")

	require.NoError(t, c.Commit(ctx, plain))
	assert.True(t, c.InTransaction())
	require.NoError(t, c.Rollback(ctx, outer))

	assert.Equal(t, []memory.EventKind{begin, suspend, resume, rollback}, store.Kinds())
	assert.Equal(t, []string{"plain"}, store.Records("s"))
}

func TestNotSupported_RequiredInsideOpensNewTransaction(t *testing.T) {
	c, store, _ := newCoordinator(t)
	ctx := context.Background()

	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)
	plain, err := c.Begin(ctx, with("plain", tx.PropagationNotSupported))
	require.NoError(t, err)

	inner, err := c.Begin(ctx, required("inner"))
	require.NoError(t, err)
	assert.True(t, inner.IsNewTransaction())

	require.NoError(t, c.Rollback(ctx, inner))
	require.NoError(t, c.Commit(ctx, plain))
	require.NoError(t, c.Commit(ctx, outer))

	assert.Equal(t, []memory.EventKind{begin, suspend, begin, rollback, resume, commit}, store.Kinds())
}

func TestNotSupported_DoesNotReportSuspendedPoison(t *testing.T) {
	c, store, _ := newCoordinator(t)
	ctx := context.Background()

	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)
	inner, err := c.Begin(ctx, required("inner"))
	require.NoError(t, err)
	require.NoError(t, c.Rollback(ctx, inner))
	require.True(t, outer.IsRollbackOnly())

	plain, err := c.Begin(ctx, with("plain", tx.PropagationNotSupported))
	require.NoError(t, err)
	assert.False(t, plain.IsRollbackOnly())
	require.NoError(t, c.Commit(ctx, plain))

	assert.True(t, outer.IsRollbackOnly())
	require.ErrorIs(t, c.Commit(ctx, outer), tx.ErrUnexpectedRollback)
	assert.Equal(t, []memory.EventKind{begin, suspend, resume, rollback}, store.Kinds())

	// A local request on the non-transactional frame is still reported.
	plain, err = c.Begin(ctx, with("plain", tx.PropagationNotSupported))
	require.NoError(t, err)
	plain.SetRollbackOnly()
	assert.True(t, plain.IsRollbackOnly())
	require.NoError(t, c.Commit(ctx, plain))
}

func TestNever(t *testing.T) {
	c, store, _ := newCoordinator(t)
	ctx := context.Background()

	h, err := c.Begin(ctx, with("never", tx.PropagationNever))
	require.NoError(t, err)
	assert.False(t, h.HasTransaction())
	require.NoError(t, c.Commit(ctx, h))
	assert.Empty(t, store.Kinds())

	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)
	_, err = c.Begin(ctx, with("never", tx.PropagationNever))
	require.ErrorIs(t, err, tx.ErrIllegalTransactionState)
	assert.Equal(t, 1, c.Depth())
	assert.False(t, outer.IsRollbackOnly())
	require.NoError(t, c.Commit(ctx, outer))
}

func TestMandatory(t *testing.T) {
	c, store, _ := newCoordinator(t)
	ctx := context.Background()

	_, err := c.Begin(ctx, with("mandatory", tx.PropagationMandatory))
	require.ErrorIs(t, err, tx.ErrIllegalTransactionState)
	assert.Equal(t, 0, c.Depth())
	assert.Empty(t, store.Kinds())

	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)
	h, err := c.Begin(ctx, with("mandatory", tx.PropagationMandatory))
	require.NoError(t, err)
	assert.False(t, h.IsNewTransaction())
	assert.True(t, h.HasTransaction())
	require.NoError(t, c.Commit(ctx, h))
	require.NoError(t, c.Commit(ctx, outer))
}

func TestSupports(t *testing.T) {
	c, store, _ := newCoordinator(t)
	ctx := context.Background()

	outer, err := c.Begin(ctx, with("supports", tx.PropagationSupports))
	require.NoError(t, err)
	assert.True(t, outer.IsNewTransaction())

	inner, err := c.Begin(ctx, with("supports", tx.PropagationSupports))
	require.NoError(t, err)
	assert.False(t, inner.IsNewTransaction())

	require.NoError(t, c.Commit(ctx, inner))
	require.NoError(t, c.Commit(ctx, outer))
	assert.Equal(t, []memory.EventKind{begin, commit}, store.Kinds())
}

func TestCommit_OutOfOrderIsUsageError(t *testing.T) {
	c, store, _ := newCoordinator(t)
	ctx := context.Background()

	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)
	inner, err := c.Begin(ctx, required("inner"))
	require.NoError(t, err)

	require.ErrorIs(t, c.Commit(ctx, outer), tx.ErrTransactionUsage)
	require.ErrorIs(t, c.Rollback(ctx, outer), tx.ErrTransactionUsage)
	assert.Equal(t, 2, c.Depth())
	assert.False(t, outer.IsCompleted())

	require.NoError(t, c.Commit(ctx, inner))
	require.NoError(t, c.Commit(ctx, outer))
	assert.Equal(t, []memory.EventKind{begin, commit}, store.Kinds())
}

func TestCommit_CompletedHandleIsUsageError(t *testing.T) {
	c, _, _ := newCoordinator(t)
	ctx := context.Background()

	h, err := c.Begin(ctx, required("tx"))
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx, h))

	require.ErrorIs(t, c.Commit(ctx, h), tx.ErrTransactionUsage)
	require.ErrorIs(t, c.Rollback(ctx, h), tx.ErrTransactionUsage)
}

func TestCommit_NilAndForeignHandles(t *testing.T) {
	c, _, _ := newCoordinator(t)
	other, _, _ := newCoordinator(t)
	ctx := context.Background()

	require.ErrorIs(t, c.Commit(ctx, nil), tx.ErrTransactionUsage)

	h, err := other.Begin(ctx, required("other"))
	require.NoError(t, err)
	require.ErrorIs(t, c.Commit(ctx, h), tx.ErrTransactionUsage)
	require.NoError(t, other.Commit(ctx, h))
}

func TestSetRollbackOnly_OnOwnerRollsBackSilently(t *testing.T) {
	c, store, _ := newCoordinator(t)
	ctx := context.Background()

	h, err := c.Begin(ctx, required("tx"))
	require.NoError(t, err)
	h.SetRollbackOnly()
	assert.True(t, h.IsRollbackOnly())

	require.NoError(t, c.Commit(ctx, h))
	assert.Equal(t, tx.StatusRolledBack, h.Status())
	assert.Equal(t, []memory.EventKind{begin, rollback}, store.Kinds())
}

func TestSetRollbackOnly_OnParticipantPoisonsOwner(t *testing.T) {
	c, store, _ := newCoordinator(t)
	ctx := context.Background()

	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)
	inner, err := c.Begin(ctx, required("inner"))
	require.NoError(t, err)

	inner.SetRollbackOnly()
	assert.False(t, outer.IsRollbackOnly())
	require.NoError(t, c.Commit(ctx, inner))
	assert.True(t, outer.IsRollbackOnly())

	require.ErrorIs(t, c.Commit(ctx, outer), tx.ErrUnexpectedRollback)
	assert.Equal(t, []memory.EventKind{begin, rollback}, store.Kinds())
}

func TestSetRollbackOnly_AfterCompletionIsIgnored(t *testing.T) {
	c, _, _ := newCoordinator(t)
	ctx := context.Background()

	h, err := c.Begin(ctx, required("tx"))
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx, h))

	h.SetRollbackOnly()
	assert.False(t, h.IsRollbackOnly())
	assert.Equal(t, tx.StatusCommitted, h.Status())
}

func TestBegin_ResourceFailureAfterSuspendResumes(t *testing.T) {
	c, store, res := newCoordinator(t)
	ctx := context.Background()
	boom := errors.New("connection refused")

	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)

	store.FailNext(begin, boom)
	_, err = c.Begin(ctx, with("inner", tx.PropagationRequiresNew))
	require.ErrorIs(t, err, tx.ErrResourceFailure)
	require.ErrorIs(t, err, boom)

	assert.Equal(t, 1, c.Depth())
	require.NotNil(t, res.Bound())
	assert.Equal(t, 1, res.Bound().ID())

	require.NoError(t, c.Commit(ctx, outer))
	assert.Equal(t, []memory.EventKind{begin, suspend, resume, commit}, store.Kinds())
}

func TestCommit_ResourceFailureStillCompletesFrame(t *testing.T) {
	c, store, _ := newCoordinator(t)
	ctx := context.Background()
	boom := errors.New("connection reset")

	h, err := c.Begin(ctx, required("tx"))
	require.NoError(t, err)

	store.FailNext(commit, boom)
	err = c.Commit(ctx, h)
	require.ErrorIs(t, err, tx.ErrResourceFailure)
	require.ErrorIs(t, err, boom)

	assert.Equal(t, 0, c.Depth())
	assert.Equal(t, tx.StatusRolledBack, h.Status())

	next, err := c.Begin(ctx, required("next"))
	require.NoError(t, err)
	assert.True(t, next.IsNewTransaction())
	require.NoError(t, c.Commit(ctx, next))
}

func TestBegin_InvalidDefinition(t *testing.T) {
	c, store, _ := newCoordinator(t)

	_, err := c.Begin(context.Background(), with("bad", tx.Propagation(42)))
	require.ErrorIs(t, err, tx.ErrInvalidDefinition)
	assert.Equal(t, 0, c.Depth())
	assert.Empty(t, store.Kinds())
}

func TestCurrent(t *testing.T) {
	c, _, _ := newCoordinator(t)
	ctx := context.Background()

	assert.Nil(t, c.Current())
	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)
	inner, err := c.Begin(ctx, required("inner"))
	require.NoError(t, err)

	assert.Same(t, inner, c.Current())
	require.NoError(t, c.Commit(ctx, inner))
	assert.Same(t, outer, c.Current())
	require.NoError(t, c.Commit(ctx, outer))
	assert.Nil(t, c.Current())
}
