// Package main runs the propagation scenarios against an in-memory resource
// or, when DATABASE_URL is set, against PostgreSQL.
//
// Usage: txdemo [scenario...]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	appctx "txflow/internal/core/context"
	"txflow/internal/core/id"
	"txflow/internal/core/tx"
	"txflow/internal/domain/scenario"
	"txflow/internal/infrastructure/metrics"
	"txflow/internal/infrastructure/storage/memory"
	"txflow/internal/infrastructure/storage/postgres"
	"txflow/pkg/logger"
)

type backend struct {
	name       string
	factory    tx.ResourceFactory
	executor   *tx.Executor
	journal    scenario.Journal
	savepoints bool
	close      func()
}

func main() {
	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "debug"),
		Development: getEnv("APP_ENV", "development") == "development",
		Encoding:    os.Getenv("LOG_FORMAT"),
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	ctx := logger.WithLogger(context.Background(), log)

	// Frame spans get real trace and span IDs, which the logger attaches to
	// every propagation decision. Nothing is exported.
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	reg := prometheus.NewRegistry()
	opts := []tx.Option{
		tx.WithLogger(log),
		tx.WithRecorder(metrics.NewWithRegistry(reg)),
	}

	b, err := setupBackend(ctx, reg, opts)
	if err != nil {
		log.Fatalw("failed to set up backend", "error", err)
	}
	defer b.close()
	log.Infow("backend ready", "backend", b.name, "savepoints", b.savepoints)

	selected, err := selectScenarios(os.Args[1:])
	if err != nil {
		log.Fatalw("invalid arguments", "error", err)
	}

	runID := id.Short(id.New())
	failed := 0
	for _, s := range selected {
		if s.NeedsSavepoints && !b.savepoints {
			log.Infow("scenario skipped: resource has no savepoints", "scenario", s.Name)
			continue
		}
		sctx := appctx.WithTrace(ctx, appctx.NewTraceContext(s.Name))
		c := tx.NewCoordinator(b.factory(), opts...)

		res := scenario.Run(sctx, c, b.journal, s, s.Name+"/"+runID)
		if !res.Passed {
			failed++
			log.Errorw("scenario failed", "scenario", res.Name, "reason", res.Reason, "error", res.Err)
			continue
		}
		log.Infow("scenario passed", "scenario", res.Name, "durable", res.Steps, "error", res.Err)
	}

	if err := runUnitOfWork(ctx, b, "uow/"+runID); err != nil {
		failed++
		log.Errorw("unit of work failed", "error", err)
	}

	if getEnv("METRICS_DUMP", "false") == "true" {
		dumpMetrics(log, reg)
	}

	if failed > 0 {
		log.Errorw("scenarios failed", "count", failed)
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("all scenarios passed")
	_ = log.Sync()
}

func setupBackend(ctx context.Context, reg *prometheus.Registry, opts []tx.Option) (*backend, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		store := memory.NewStore()
		savepoints := getEnv("MEMORY_SAVEPOINTS", "true") == "true"
		factory := store.Factory(savepoints)
		return &backend{
			name:       "memory",
			factory:    factory,
			executor:   tx.NewExecutor(factory, opts...),
			journal:    memory.NewJournal(store),
			savepoints: savepoints,
			close: func() {
				logger.Info(ctx, "memory store events",
					"begin", store.Count(memory.EventBegin),
					"commit", store.Count(memory.EventCommit),
					"rollback", store.Count(memory.EventRollback),
				)
			},
		}, nil
	}

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(dsn))
	if err != nil {
		return nil, err
	}
	if err := postgres.RegisterPoolMetrics(reg, pool.Pool); err != nil {
		pool.Close()
		return nil, err
	}
	repo := postgres.NewJournalRepo(pool.Pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	defaults := postgres.DefaultTxOptions()
	if d := getEnvDuration("TX_DEFAULT_TIMEOUT", 0); d > 0 {
		defaults.StatementTimeout = d
	}
	executor := postgres.NewTxManager(pool, opts...)
	executor.SetDefaultTimeout(defaults.StatementTimeout)

	return &backend{
		name:       "postgres",
		factory:    postgres.NewResourceFactory(pool.Pool, defaults),
		executor:   executor,
		journal:    repo,
		savepoints: true,
		close: func() {
			postgres.LogPoolStats(ctx, pool.Pool)
			pool.Close()
		},
	}, nil
}

// runUnitOfWork exercises the callback API: an outer unit of work with a
// REQUIRES_NEW audit step that survives the outer failure.
func runUnitOfWork(ctx context.Context, b *backend, stream string) error {
	errAbort := errors.New("abort unit of work")

	err := b.executor.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := b.journal.Append(ctx, stream, "work"); err != nil {
			return err
		}
		audit := tx.Named("audit").WithPropagation(tx.PropagationRequiresNew)
		if err := b.executor.Execute(ctx, audit, func(ctx context.Context) error {
			return b.journal.Append(ctx, stream, "audit")
		}); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		return fmt.Errorf("unit of work returned %v, want %v", err, errAbort)
	}

	steps, err := b.journal.Steps(ctx, stream)
	if err != nil {
		return err
	}
	if len(steps) != 1 || steps[0] != "audit" {
		return fmt.Errorf("durable steps %v, want [audit]", steps)
	}
	logger.Info(ctx, "unit of work rolled back, audit step kept", "durable", steps)
	return nil
}

func selectScenarios(names []string) ([]scenario.Scenario, error) {
	if len(names) == 0 {
		return scenario.All(), nil
	}
	var out []scenario.Scenario
	for _, name := range names {
		s, ok := scenario.Find(strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("unknown scenario %q", name)
		}
		out = append(out, s)
	}
	return out, nil
}

func dumpMetrics(log *logger.Logger, reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		log.Warnw("failed to gather metrics", "error", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			value := m.GetCounter().GetValue()
			if g := m.GetGauge(); g != nil {
				value = g.GetValue()
			}
			if h := m.GetHistogram(); h != nil {
				value = float64(h.GetSampleCount())
			}
			log.Infow("metric", "name", mf.GetName(), "labels", strings.Join(labels, ","), "value", value)
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
