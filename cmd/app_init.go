package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/roleplay-eval/internal/config"
	"github.com/sells-group/roleplay-eval/internal/evaluation"
	"github.com/sells-group/roleplay-eval/internal/monitoring"
	"github.com/sells-group/roleplay-eval/internal/oracle"
	"github.com/sells-group/roleplay-eval/internal/rubric"
	"github.com/sells-group/roleplay-eval/internal/store"
)

const defaultSQLitePath = "roleplay.db"

// appEnv holds the store and services shared by the serve and evaluate
// commands.
type appEnv struct {
	Store      store.Store
	Aggregator *rubric.Aggregator
	Service    *evaluation.Service
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		dsn := c.Store.DatabaseURL
		if dsn == "" {
			dsn = defaultSQLitePath
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// openStore validates config for mode, opens the store and migrates it.
func openStore(ctx context.Context, c *config.Config, mode string) (store.Store, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func newAggregator(st store.Store, c *config.Config) *rubric.Aggregator {
	return rubric.NewAggregator(st, rubric.Options{
		IncludeSecondary: c.Rubric.IncludeSecondary,
		DefaultMaxScore:  c.Rubric.DefaultMaxScore,
	})
}

// initApp wires the store, oracle and evaluation service. Callers should
// defer env.Close().
func initApp(ctx context.Context, c *config.Config, mode string, rec monitoring.Recorder) (*appEnv, error) {
	st, err := openStore(ctx, c, mode)
	if err != nil {
		return nil, err
	}

	orc, err := oracle.New(c)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	agg := newAggregator(st, c)
	zap.L().Info("app initialized",
		zap.String("store", c.Store.Driver),
		zap.String("oracle", c.Oracle.Provider),
		zap.Bool("include_secondary", c.Rubric.IncludeSecondary),
	)

	return &appEnv{
		Store:      st,
		Aggregator: agg,
		Service:    evaluation.NewService(agg, orc, st, rec),
	}, nil
}
