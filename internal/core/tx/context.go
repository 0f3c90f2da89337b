package tx

import "context"

// coordinatorKey is the context key for the active Coordinator.
type coordinatorKey struct{}

// WithCoordinator binds c to ctx. Code running under the returned context
// (repositories, nested Execute calls) finds the same frame stack through
// FromContext; this is the only way a coordinator becomes ambient.
func WithCoordinator(ctx context.Context, c *Coordinator) context.Context {
	return context.WithValue(ctx, coordinatorKey{}, c)
}

// FromContext returns the Coordinator bound to ctx, or nil if none.
func FromContext(ctx context.Context) *Coordinator {
	if c, ok := ctx.Value(coordinatorKey{}).(*Coordinator); ok {
		return c
	}
	return nil
}
