package scenario

import (
	"context"

	"txflow/internal/core/tx"
)

// single opens one transaction, writes, then commits or rolls back.
func single(ctx context.Context, e *env, name string, commit bool) error {
	h, err := e.begin(ctx, name, tx.PropagationRequired)
	if err != nil {
		return err
	}
	if err := e.write(ctx, name); err != nil {
		_ = e.rollback(ctx, name, h)
		return err
	}
	if commit {
		return e.commit(ctx, name, h)
	}
	return e.rollback(ctx, name, h)
}

// Commit commits a single transaction.
func Commit() Scenario {
	return Scenario{
		Name:    "commit",
		Durable: []string{"tx"},
		run: func(ctx context.Context, e *env) error {
			return single(ctx, e, "tx", true)
		},
	}
}

// Rollback rolls a single transaction back.
func Rollback() Scenario {
	return Scenario{
		Name: "rollback",
		run: func(ctx context.Context, e *env) error {
			return single(ctx, e, "tx", false)
		},
	}
}

// DoubleCommit runs two independent transactions, both committed.
func DoubleCommit() Scenario {
	return Scenario{
		Name:    "double-commit",
		Durable: []string{"tx1", "tx2"},
		run: func(ctx context.Context, e *env) error {
			if err := single(ctx, e, "tx1", true); err != nil {
				return err
			}
			return single(ctx, e, "tx2", true)
		},
	}
}

// DoubleCommitRollback commits one transaction and rolls back the next.
func DoubleCommitRollback() Scenario {
	return Scenario{
		Name:    "double-commit-rollback",
		Durable: []string{"tx1"},
		run: func(ctx context.Context, e *env) error {
			if err := single(ctx, e, "tx1", true); err != nil {
				return err
			}
			return single(ctx, e, "tx2", false)
		},
	}
}

// outerInner opens an outer REQUIRED frame and an inner frame with p, writes
// in both, and completes inner then outer as requested.
func outerInner(ctx context.Context, e *env, p tx.Propagation, innerCommit, outerCommit bool) error {
	outer, err := e.begin(ctx, "outer", tx.PropagationRequired)
	if err != nil {
		return err
	}
	if err := e.write(ctx, "outer"); err != nil {
		_ = e.rollback(ctx, "outer", outer)
		return err
	}

	inner, err := e.begin(ctx, "inner", p)
	if err != nil {
		_ = e.rollback(ctx, "outer", outer)
		return err
	}
	if err := e.write(ctx, "inner"); err != nil {
		_ = e.rollback(ctx, "inner", inner)
		_ = e.rollback(ctx, "outer", outer)
		return err
	}
	if p == tx.PropagationRequired {
		if err := expectNew(inner, false); err != nil {
			_ = e.rollback(ctx, "inner", inner)
			_ = e.rollback(ctx, "outer", outer)
			return err
		}
	}

	if innerCommit {
		err = e.commit(ctx, "inner", inner)
	} else {
		err = e.rollback(ctx, "inner", inner)
	}
	if err != nil {
		_ = e.rollback(ctx, "outer", outer)
		return err
	}

	if outerCommit {
		return e.commit(ctx, "outer", outer)
	}
	return e.rollback(ctx, "outer", outer)
}

// InnerCommit commits a joined inner frame, then the outer one.
func InnerCommit() Scenario {
	return Scenario{
		Name:    "inner-commit",
		Durable: []string{"outer", "inner"},
		run: func(ctx context.Context, e *env) error {
			return outerInner(ctx, e, tx.PropagationRequired, true, true)
		},
	}
}

// OuterRollback commits a joined inner frame and rolls the outer one back;
// the inner commit is discarded with it.
func OuterRollback() Scenario {
	return Scenario{
		Name: "outer-rollback",
		run: func(ctx context.Context, e *env) error {
			return outerInner(ctx, e, tx.PropagationRequired, true, false)
		},
	}
}

// InnerRollback rolls back a joined inner frame, which marks the outer
// transaction rollback-only; the outer commit fails with ErrUnexpectedRollback.
func InnerRollback() Scenario {
	return Scenario{
		Name:      "inner-rollback",
		ExpectErr: tx.ErrUnexpectedRollback,
		run: func(ctx context.Context, e *env) error {
			return outerInner(ctx, e, tx.PropagationRequired, false, true)
		},
	}
}

// InnerRollbackRequiresNew rolls back an inner REQUIRES_NEW transaction;
// the outer transaction is unaffected and commits.
func InnerRollbackRequiresNew() Scenario {
	return Scenario{
		Name:    "inner-rollback-requires-new",
		Durable: []string{"outer"},
		run: func(ctx context.Context, e *env) error {
			return outerInner(ctx, e, tx.PropagationRequiresNew, false, true)
		},
	}
}

// NestedRollback rolls back an inner NESTED frame to its savepoint; the outer
// transaction keeps its own work and commits.
func NestedRollback() Scenario {
	return Scenario{
		Name:            "nested-rollback",
		Durable:         []string{"outer"},
		NeedsSavepoints: true,
		run: func(ctx context.Context, e *env) error {
			return outerInner(ctx, e, tx.PropagationNested, false, true)
		},
	}
}

// NotSupported writes outside the outer transaction from a NOT_SUPPORTED
// frame; that write survives the outer rollback.
func NotSupported() Scenario {
	return Scenario{
		Name:    "not-supported",
		Durable: []string{"inner"},
		run: func(ctx context.Context, e *env) error {
			return outerInner(ctx, e, tx.PropagationNotSupported, true, false)
		},
	}
}
