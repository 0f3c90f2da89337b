package postgres

import (
	"context"
	"fmt"

	"txflow/internal/core/tx"
)

// ResourceFrom returns the PostgreSQL resource driven by the coordinator bound
// to ctx. ok is false outside a coordinator or for other resource types.
func ResourceFrom(ctx context.Context) (res *Resource, ok bool) {
	c := tx.FromContext(ctx)
	if c == nil {
		return nil, false
	}
	res, ok = c.Resource().(*Resource)
	return res, ok
}

// MustGetTx returns the bound transaction from ctx.
// It is meant for infrastructure code that must not run outside a transaction.
func MustGetTx(ctx context.Context) *Conn {
	res, ok := ResourceFrom(ctx)
	if !ok || res.bound == nil {
		panic(fmt.Sprintf("no PostgreSQL transaction bound to context (coordinator: %T)", tx.FromContext(ctx)))
	}
	return res.bound
}
