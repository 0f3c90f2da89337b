package memory

import (
	"context"

	"txflow/internal/core/tx"
)

// Journal appends steps through the resource of the coordinator bound to the
// call's context. Without a bound memory resource, steps are written to the
// store directly.
type Journal struct {
	store *Store
}

// NewJournal creates a journal over s.
func NewJournal(s *Store) *Journal {
	return &Journal{store: s}
}

// Append records step under stream.
func (j *Journal) Append(ctx context.Context, stream, step string) error {
	if res := boundResource(ctx); res != nil {
		return res.Write(ctx, stream, step)
	}
	j.store.apply([]Record{{Stream: stream, Value: step}})
	return nil
}

// Steps returns the committed steps of stream.
func (j *Journal) Steps(_ context.Context, stream string) ([]string, error) {
	return j.store.Records(stream), nil
}

func boundResource(ctx context.Context) *Resource {
	c := tx.FromContext(ctx)
	if c == nil {
		return nil
	}
	switch r := c.Resource().(type) {
	case *Resource:
		return r
	case *SavepointResource:
		return r.Resource
	default:
		return nil
	}
}
