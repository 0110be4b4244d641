// Package app wires the percept components together with fx.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/fx"

	"github.com/metalagman/percept/internal/artifact"
	"github.com/metalagman/percept/internal/cache"
	"github.com/metalagman/percept/internal/config"
	"github.com/metalagman/percept/internal/db"
	"github.com/metalagman/percept/internal/executor"
	"github.com/metalagman/percept/internal/llm"
	"github.com/metalagman/percept/internal/metrics"
	"github.com/metalagman/percept/internal/pipeline"
	"github.com/metalagman/percept/internal/reconcile"
	"github.com/metalagman/percept/internal/run"
	"github.com/metalagman/percept/internal/schema"
)

// StaleRunAfter is how long a ledger run may stay "running" before startup
// reconciliation marks it interrupted.
const StaleRunAfter = 6 * time.Hour

// Module provides every component needed by run.Runner.
func Module(cfg config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.WithLogger(newEventLogger),
		fx.Provide(
			newCatalog,
			newSchemaRegistry,
			newCache,
			newBackends,
			newExecutor,
			newWriter,
			artifact.NewRenderer,
			newLedger,
			newRunner,
		),
		fx.Invoke(registerMetricsExport),
	)
}

// App is a wired percept application.
type App struct {
	Runner  *run.Runner
	Catalog *pipeline.Catalog

	fx *fx.App
}

// New builds the application graph. Extra options are appended after Module,
// which lets callers decorate or replace providers.
func New(cfg config.Config, opts ...fx.Option) (*App, error) {
	a := &App{}
	all := append([]fx.Option{
		Module(cfg),
		fx.Populate(&a.Runner, &a.Catalog),
	}, opts...)
	a.fx = fx.New(all...)
	if err := a.fx.Err(); err != nil {
		return nil, fmt.Errorf("build app: %w", err)
	}
	return a, nil
}

// Start runs the start hooks.
func (a *App) Start(ctx context.Context) error {
	if err := a.fx.Start(ctx); err != nil {
		return fmt.Errorf("start app: %w", err)
	}
	return nil
}

// Stop runs the stop hooks, releasing backends, the cache and the ledger.
func (a *App) Stop(ctx context.Context) error {
	if err := a.fx.Stop(ctx); err != nil {
		return fmt.Errorf("stop app: %w", err)
	}
	return nil
}

// Extract starts the application, runs one request and stops it again.
func Extract(ctx context.Context, cfg config.Config, req run.Request) (run.Result, error) {
	a, err := New(cfg)
	if err != nil {
		return run.Result{}, err
	}
	if err := a.Start(ctx); err != nil {
		return run.Result{}, err
	}
	res, runErr := a.Runner.Extract(ctx, req)
	stopErr := a.Stop(context.WithoutCancel(ctx))
	return res, errors.Join(runErr, stopErr)
}

func newCatalog(cfg config.Config) (*pipeline.Catalog, error) {
	return pipeline.LoadCatalog(cfg.Pipelines.Dir)
}

func newSchemaRegistry(catalog *pipeline.Catalog) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, template := range catalog.Templates() {
		plan, err := catalog.Plan(template)
		if err != nil {
			return nil, err
		}
		pipeline.RegisterRules(reg, plan)
	}
	return reg, nil
}

func newCache(lc fx.Lifecycle, cfg config.Config) (cache.Cache, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Storage.Redis.Timeout)
	defer cancel()
	c, err := cache.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}
	lc.Append(fx.StopHook(c.Close))
	return c, nil
}

func newBackends(lc fx.Lifecycle, reg *schema.Registry) *llm.Registry {
	backends := llm.NewRegistry(reg, nil)
	lc.Append(fx.StopHook(backends.Close))
	return backends
}

func newExecutor(cfg config.Config, c cache.Cache, backends *llm.Registry) *executor.Executor {
	return executor.New(c, backends, cfg.LLM)
}

func newWriter(cfg config.Config) *artifact.Writer {
	return artifact.NewWriter(cfg.Output)
}

// newLedger opens the run ledger and reconciles it on start. A disabled
// ledger yields a nil run.Ledger.
func newLedger(lc fx.Lifecycle, cfg config.Config) (run.Ledger, error) {
	if cfg.Ledger.Disabled {
		return nil, nil
	}
	database, err := db.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			res, err := reconcile.Run(ctx, database, StaleRunAfter)
			if err != nil {
				log.Warn().Err(err).Msg("app: ledger reconcile failed")
				return nil
			}
			if res.Interrupted > 0 || res.Detached > 0 {
				log.Info().Int("interrupted", res.Interrupted).Int("detached", res.Detached).Msg("app: ledger reconciled")
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return database.Close()
		},
	})
	return db.NewStore(database), nil
}

func newRunner(
	cfg config.Config,
	catalog *pipeline.Catalog,
	c cache.Cache,
	exec *executor.Executor,
	writer *artifact.Writer,
	renderer *artifact.Renderer,
	ledger run.Ledger,
) *run.Runner {
	return run.NewRunner(cfg, catalog, c, exec, writer, renderer, ledger)
}

func registerMetricsExport(lc fx.Lifecycle, cfg config.Config) {
	if cfg.Metrics.Textfile == "" {
		return
	}
	lc.Append(fx.StopHook(func() error {
		return metrics.WriteTextfile(cfg.Metrics.Textfile)
	}))
}
