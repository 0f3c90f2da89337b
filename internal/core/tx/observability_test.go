package tx_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"txflow/internal/core/tx"
	"txflow/internal/infrastructure/storage/memory"
	"txflow/pkg/logger"
)

type recordedBegin struct {
	p     tx.Propagation
	kind  tx.FrameKind
	depth int
}

type recordedEnd struct {
	kind    tx.FrameKind
	outcome tx.Outcome
}

type fakeRecorder struct {
	begun     []recordedBegin
	completed []recordedEnd
}

func (r *fakeRecorder) FrameBegun(p tx.Propagation, kind tx.FrameKind, depth int) {
	r.begun = append(r.begun, recordedBegin{p, kind, depth})
}

func (r *fakeRecorder) FrameCompleted(kind tx.FrameKind, outcome tx.Outcome) {
	r.completed = append(r.completed, recordedEnd{kind, outcome})
}

func spanAttr(s sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSpans_OnePerFrame(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	c, _, _ := newCoordinator(t, tx.WithTracer(tp.Tracer("test")))
	ctx := context.Background()

	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)
	inner, err := c.Begin(ctx, required("inner"))
	require.NoError(t, err)
	require.NoError(t, c.Rollback(ctx, inner))
	require.ErrorIs(t, c.Commit(ctx, outer), tx.ErrUnexpectedRollback)

	spans := sr.Ended()
	require.Len(t, spans, 2)

	innerSpan, outerSpan := spans[0], spans[1]
	assert.Equal(t, "tx inner", innerSpan.Name())
	assert.Equal(t, "tx outer", outerSpan.Name())

	kind, ok := spanAttr(innerSpan, "tx.kind")
	require.True(t, ok)
	assert.Equal(t, string(tx.FrameParticipating), kind.AsString())
	outcome, _ := spanAttr(innerSpan, "tx.outcome")
	assert.Equal(t, string(tx.OutcomeRollbackOnly), outcome.AsString())
	assert.Equal(t, codes.Unset, innerSpan.Status().Code)

	isNew, _ := spanAttr(outerSpan, "tx.new")
	assert.True(t, isNew.AsBool())
	outcome, _ = spanAttr(outerSpan, "tx.outcome")
	assert.Equal(t, string(tx.OutcomeUnexpectedRollback), outcome.AsString())
	assert.Equal(t, codes.Error, outerSpan.Status().Code)
}

func TestSpans_ExecutorNestsFrameSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	exec := tx.NewExecutor(memory.NewStore().Factory(true), tx.WithTracer(tp.Tracer("test")))

	var outerCtx, innerCtx trace.SpanContext
	err := exec.Execute(context.Background(), required("outer"), func(ctx context.Context) error {
		outerCtx = trace.SpanContextFromContext(ctx)
		return exec.Execute(ctx, with("inner", tx.PropagationRequiresNew), func(ctx context.Context) error {
			innerCtx = trace.SpanContextFromContext(ctx)
			return nil
		})
	})
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	inner, outer := spans[0], spans[1]
	assert.Equal(t, "tx inner", inner.Name())
	assert.Equal(t, "tx outer", outer.Name())

	assert.Equal(t, outer.SpanContext().SpanID(), inner.Parent().SpanID())
	assert.Equal(t, outer.SpanContext().TraceID(), inner.SpanContext().TraceID())
	assert.False(t, outer.Parent().IsValid())

	// Callbacks run under their own frame's span.
	assert.Equal(t, outer.SpanContext().SpanID(), outerCtx.SpanID())
	assert.Equal(t, inner.SpanContext().SpanID(), innerCtx.SpanID())
}

func TestSpans_FailedBeginEndsSpanWithError(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	c, _, _ := newCoordinator(t, tx.WithTracer(tp.Tracer("test")))

	_, err := c.Begin(context.Background(), with("m", tx.PropagationMandatory))
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestRecorder_ObservesLifecycle(t *testing.T) {
	rec := &fakeRecorder{}
	c, _, _ := newCoordinator(t, tx.WithRecorder(rec))
	ctx := context.Background()

	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)
	nested, err := c.Begin(ctx, with("nested", tx.PropagationNested))
	require.NoError(t, err)
	plain, err := c.Begin(ctx, with("plain", tx.PropagationNotSupported))
	require.NoError(t, err)

	require.NoError(t, c.Commit(ctx, plain))
	require.NoError(t, c.Rollback(ctx, nested))
	require.NoError(t, c.Commit(ctx, outer))

	assert.Equal(t, []recordedBegin{
		{tx.PropagationRequired, tx.FrameNew, 0},
		{tx.PropagationNested, tx.FrameSavepoint, 1},
		{tx.PropagationNotSupported, tx.FrameNone, 2},
	}, rec.begun)
	assert.Equal(t, []recordedEnd{
		{tx.FrameNone, tx.OutcomeCommitted},
		{tx.FrameSavepoint, tx.OutcomeRolledBack},
		{tx.FrameNew, tx.OutcomeCommitted},
	}, rec.completed)
}

func TestLogging_PropagationDecisions(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	c, _, _ := newCoordinator(t, tx.WithLogger(logger.FromZap(zap.New(core))))
	ctx := context.Background()

	outer, err := c.Begin(ctx, required("outer"))
	require.NoError(t, err)
	inner, err := c.Begin(ctx, required("inner"))
	require.NoError(t, err)
	require.NoError(t, c.Rollback(ctx, inner))
	_ = c.Commit(ctx, outer)

	assert.Equal(t, 1, logs.FilterMessage("creating new transaction").Len())
	joined := logs.FilterMessage("participating in existing transaction").All()
	require.Len(t, joined, 1)
	assert.Equal(t, "inner", joined[0].ContextMap()["tx.name"])
	assert.Equal(t, "tx", joined[0].ContextMap()["component"])
	assert.Equal(t, 1, logs.FilterMessageSnippet("marking existing transaction as rollback-only").Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("marked as rollback-only").Len())
}

func TestLogging_FallsBackToContextLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := logger.WithLogger(context.Background(), logger.FromZap(zap.New(core)))
	c, _, _ := newCoordinator(t)

	h, err := c.Begin(ctx, required("tx"))
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx, h))

	assert.Equal(t, 1, logs.FilterMessage("initiating transaction commit").Len())
}
