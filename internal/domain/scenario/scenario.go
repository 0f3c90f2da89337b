// Package scenario contains propagation walkthroughs that drive a Coordinator
// explicitly and check which journal steps survive.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"txflow/internal/core/tx"
	"txflow/pkg/logger"
)

// Journal stores steps; writes made under a transaction share its outcome.
type Journal interface {
	Append(ctx context.Context, stream, step string) error
	Steps(ctx context.Context, stream string) ([]string, error)
}

// Scenario is one walkthrough and its expected outcome.
type Scenario struct {
	Name string

	// Durable lists the steps expected to be committed, in order.
	Durable []string

	// ExpectErr must match the walkthrough's error under errors.Is; nil expects success.
	ExpectErr error

	// NeedsSavepoints marks walkthroughs that use NESTED inside a transaction.
	NeedsSavepoints bool

	run func(ctx context.Context, e *env) error
}

// Result reports how a scenario ended.
type Result struct {
	Name   string
	Stream string
	Err    error
	Steps  []string
	Passed bool
	Reason string
}

type env struct {
	c      *tx.Coordinator
	j      Journal
	stream string
}

func (e *env) write(ctx context.Context, step string) error {
	return e.j.Append(ctx, e.stream, step)
}

func (e *env) begin(ctx context.Context, name string, p tx.Propagation) (*tx.Handle, error) {
	logger.Info(ctx, name+" tx start")
	h, err := e.c.Begin(ctx, tx.Named(name).WithPropagation(p))
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, name+" tx started", "is_new_transaction", h.IsNewTransaction())
	return h, nil
}

func (e *env) commit(ctx context.Context, name string, h *tx.Handle) error {
	logger.Info(ctx, name+" tx commit")
	return e.c.Commit(ctx, h)
}

func (e *env) rollback(ctx context.Context, name string, h *tx.Handle) error {
	logger.Info(ctx, name+" tx rollback")
	return e.c.Rollback(ctx, h)
}

// Run executes s on c, writing to stream, and checks the outcome.
// The coordinator must be idle.
func Run(ctx context.Context, c *tx.Coordinator, j Journal, s Scenario, stream string) Result {
	res := Result{Name: s.Name, Stream: stream}
	if c.Depth() != 0 {
		res.Reason = fmt.Sprintf("coordinator not idle: depth %d", c.Depth())
		return res
	}

	ctx = tx.WithCoordinator(ctx, c)
	res.Err = s.run(ctx, &env{c: c, j: j, stream: stream})

	switch {
	case s.ExpectErr == nil && res.Err != nil:
		res.Reason = fmt.Sprintf("unexpected error: %v", res.Err)
		return res
	case s.ExpectErr != nil && !errors.Is(res.Err, s.ExpectErr):
		res.Reason = fmt.Sprintf("expected error %v, got %v", s.ExpectErr, res.Err)
		return res
	}
	if c.Depth() != 0 {
		res.Reason = fmt.Sprintf("frames left open: %d", c.Depth())
		return res
	}

	steps, err := j.Steps(ctx, stream)
	if err != nil {
		res.Reason = fmt.Sprintf("read journal: %v", err)
		return res
	}
	res.Steps = steps
	if !slices.Equal(steps, s.Durable) {
		res.Reason = fmt.Sprintf("durable steps %v, want %v", steps, s.Durable)
		return res
	}

	res.Passed = true
	return res
}

// All returns every scenario.
func All() []Scenario {
	return []Scenario{
		Commit(),
		Rollback(),
		DoubleCommit(),
		DoubleCommitRollback(),
		InnerCommit(),
		OuterRollback(),
		InnerRollback(),
		InnerRollbackRequiresNew(),
		NestedRollback(),
		NotSupported(),
	}
}

// Find returns the scenario called name.
func Find(name string) (Scenario, bool) {
	for _, s := range All() {
		if s.Name == name {
			return s, true
		}
	}
	return Scenario{}, false
}

func expectNew(h *tx.Handle, want bool) error {
	if h.IsNewTransaction() != want {
		return fmt.Errorf("frame %q: is_new_transaction = %t, want %t", h.Definition().Name, h.IsNewTransaction(), want)
	}
	return nil
}
