package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"

	"txflow/internal/core/id"
)

const journalTable = "txflow_journal"

// JournalEntry is one durable step.
type JournalEntry struct {
	ID        id.ID     `db:"id"`
	Stream    string    `db:"stream"`
	Step      string    `db:"step"`
	CreatedAt time.Time `db:"created_at"`
}

// JournalRepo writes steps through whatever transaction is bound to the
// call's context, so its rows share the fate of that transaction.
type JournalRepo struct {
	pool    *pgxpool.Pool
	builder squirrel.StatementBuilderType
}

// NewJournalRepo creates a new journal repository.
func NewJournalRepo(pool *pgxpool.Pool) *JournalRepo {
	return &JournalRepo{
		pool:    pool,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// EnsureSchema creates the journal table if it does not exist.
func (r *JournalRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+journalTable+` (
			id         uuid PRIMARY KEY,
			stream     text NOT NULL,
			step       text NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create journal table: %w", err)
	}
	return nil
}

// Append records step under stream.
func (r *JournalRepo) Append(ctx context.Context, stream, step string) error {
	sql, args, err := r.builder.
		Insert(journalTable).
		Columns("id", "stream", "step").
		Values(id.New(), stream, step).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := QuerierFrom(ctx, r.pool).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("append journal step: %w", err)
	}
	return nil
}

// Entries returns the entries of stream visible to ctx, oldest first.
func (r *JournalRepo) Entries(ctx context.Context, stream string) ([]JournalEntry, error) {
	sql, args, err := r.builder.
		Select("id", "stream", "step", "created_at").
		From(journalTable).
		Where(squirrel.Eq{"stream": stream}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var entries []JournalEntry
	if err := pgxscan.Select(ctx, QuerierFrom(ctx, r.pool), &entries, sql, args...); err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	return entries, nil
}

// Steps returns the step values of stream visible to ctx.
func (r *JournalRepo) Steps(ctx context.Context, stream string) ([]string, error) {
	entries, err := r.Entries(ctx, stream)
	if err != nil {
		return nil, err
	}
	steps := make([]string, len(entries))
	for i, e := range entries {
		steps[i] = e.Step
	}
	return steps, nil
}

// Clear deletes all entries of stream.
func (r *JournalRepo) Clear(ctx context.Context, stream string) error {
	sql, args, err := r.builder.
		Delete(journalTable).
		Where(squirrel.Eq{"stream": stream}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := QuerierFrom(ctx, r.pool).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("clear journal: %w", err)
	}
	return nil
}
