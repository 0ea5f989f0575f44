package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tripjoin/internal/aggregate"
	"github.com/sells-group/tripjoin/internal/config"
	"github.com/sells-group/tripjoin/internal/db"
	"github.com/sells-group/tripjoin/internal/eventstore"
	"github.com/sells-group/tripjoin/internal/ingest"
	"github.com/sells-group/tripjoin/internal/matcher"
	"github.com/sells-group/tripjoin/internal/monitoring"
	"github.com/sells-group/tripjoin/internal/resilience"
)

// appEnv holds the store and the components built on it. Callers should
// defer env.Close().
type appEnv struct {
	Store   eventstore.Store
	Matcher *matcher.Matcher

	// pool is the Postgres pool of the event store, or a dedicated pool
	// opened for the aggregation sink.
	pool      db.Pool
	closePool func()
}

// Close releases the store and any extra pool.
func (e *appEnv) Close() {
	if e.closePool != nil {
		e.closePool()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates cfg for mode, opens and migrates the store, and wraps it
// in the timeout and circuit-breaker guard.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env := &appEnv{}
	if ps, ok := st.(*eventstore.PostgresStore); ok {
		env.pool = ps.Pool()
	}

	policy, err := matcher.NewMergePolicy(cfg.Matcher.FarePreference)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	timeout := time.Duration(cfg.Store.OpTimeoutMs) * time.Millisecond
	env.Store = eventstore.NewGuard(st, timeout, resilience.FromCircuitConfig(cfg.Circuit))
	env.Matcher = matcher.New(env.Store, policy)

	zap.L().Debug("store ready",
		zap.String("component", "cli"),
		zap.String("driver", cfg.Store.Driver),
		zap.Duration("op_timeout", timeout))
	return env, nil
}

// openStore creates the configured event store backend.
func openStore(ctx context.Context, sc config.StoreConfig) (eventstore.Store, error) {
	switch sc.Driver {
	case "memory":
		zap.L().Warn("memory store selected, facts are lost on exit", zap.String("component", "cli"))
		return eventstore.NewMemory(), nil
	case "sqlite":
		return eventstore.NewSQLite(sc.SQLitePath)
	case "postgres":
		var poolCfg *eventstore.PoolConfig
		if sc.MaxConns > 0 {
			poolCfg = &eventstore.PoolConfig{MaxConns: int32(sc.MaxConns)}
		}
		return eventstore.NewPostgres(ctx, sc.DatabaseURL, poolCfg)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
}

// postgresPool returns a pool for the aggregation sink, reusing the event
// store pool when the store is Postgres.
func (e *appEnv) postgresPool(ctx context.Context) (db.Pool, error) {
	if e.pool != nil {
		return e.pool, nil
	}
	ps, err := eventstore.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "open sink database")
	}
	e.pool = ps.Pool()
	e.closePool = func() { _ = ps.Close() }
	return e.pool, nil
}

func newIngestor(st eventstore.Store) (*ingest.Ingestor, error) {
	policy := ingest.DefaultPolicy()
	if path := cfg.Ingest.SanitationPolicy; path != "" {
		p, err := ingest.LoadPolicy(path)
		if err != nil {
			return nil, err
		}
		policy = p
	}
	return ingest.New(st,
		ingest.WithPolicy(policy),
		ingest.WithRetry(resilience.FromRetryConfig(cfg.Retry)),
		ingest.WithConcurrency(cfg.Ingest.Concurrency),
	), nil
}

func dispatcherConfig(stopWhenIdle bool) matcher.DispatcherConfig {
	return matcher.DispatcherConfig{
		Consumer:     cfg.Matcher.Consumer,
		BatchSize:    cfg.Matcher.BatchSize,
		Lanes:        cfg.Matcher.Lanes,
		RatePerSec:   cfg.Matcher.RatePerSec,
		PollInterval: time.Duration(cfg.Matcher.PollIntervalMs) * time.Millisecond,
		Backoff:      resilience.FromRetryConfig(cfg.Retry),
		StopWhenIdle: stopWhenIdle,
	}
}

func newChecker(env *appEnv) *monitoring.Checker {
	return monitoring.NewChecker(
		monitoring.NewCollector(env.Store, env.Matcher),
		monitoring.NewAlerter(cfg.Monitoring),
		env.Matcher,
		cfg.Monitoring,
	)
}

// newAggregateJob builds the daily statistics job from the aggregate section.
func newAggregateJob(ctx context.Context, env *appEnv) (*aggregate.Job, error) {
	ac := cfg.Aggregate
	job := &aggregate.Job{
		Aggregator: aggregate.New(env.Store, aggregate.WithPageSize(ac.PageSize)),
		Format:     aggregate.Format(ac.Format),
	}

	switch ac.Sink {
	case "", "file":
		job.OutputDir = ac.OutputDir
	case "postgres", "both":
		if ac.Sink == "both" {
			job.OutputDir = ac.OutputDir
		}
		sink, err := env.postgresSink(ctx)
		if err != nil {
			return nil, err
		}
		job.Sink = sink
	default:
		return nil, eris.Errorf("unsupported aggregate sink: %s", ac.Sink)
	}

	if ac.FTP.Host != "" {
		if job.OutputDir == "" {
			return nil, eris.New("aggregate.ftp needs a file sink")
		}
		job.Publisher = aggregate.NewFTPPublisher(aggregate.FTPOptions{
			Host:     ac.FTP.Host,
			User:     ac.FTP.User,
			Password: ac.FTP.Password,
			Dir:      ac.FTP.Dir,
			Timeout:  time.Duration(ac.FTP.TimeoutSecs) * time.Second,
		})
	}
	return job, nil
}

func (e *appEnv) postgresSink(ctx context.Context) (*aggregate.PostgresSink, error) {
	pool, err := e.postgresPool(ctx)
	if err != nil {
		return nil, err
	}
	ac := cfg.Aggregate
	sink, err := aggregate.NewPostgresSink(pool, ac.Table, ac.HistoryTable, aggregate.SinkMode(ac.PostgresMode))
	if err != nil {
		return nil, err
	}
	if err := sink.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return sink, nil
}
