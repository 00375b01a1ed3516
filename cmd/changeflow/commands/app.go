package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/changeflow/changeflow/pkg/config"
	"github.com/changeflow/changeflow/pkg/engine"
	"github.com/changeflow/changeflow/pkg/policy"
	"github.com/changeflow/changeflow/pkg/stores"
	"github.com/changeflow/changeflow/pkg/targets/sqltarget"
	"github.com/changeflow/changeflow/pkg/telemetry"
)

// app holds everything a command needs to plan or run a pipeline.
type app struct {
	cfg      *config.RunnerConfig
	tel      *telemetry.Telemetry
	store    *stores.SQLiteStore
	targets  *engine.TargetRegistry
	policies *policy.Engine
	gate     *policy.Gate
	runner   *engine.Runner

	// target databases opened by the app, closed with it
	dbs []*sql.DB
}

// loadConfig reads the runner configuration. Without --config the default
// file is used when it exists, otherwise built-in defaults apply.
func loadConfig() (*config.RunnerConfig, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err != nil {
			log.Debug().Msg("No runner config file found, using defaults")
			return config.ParseRunnerConfig(nil)
		}
		path = defaultConfigFile
	}

	log.Debug().Str("path", path).Msg("Loading runner config")
	return config.LoadRunnerConfig(path)
}

// openStore opens and migrates the audit store.
func openStore(ctx context.Context, cfg *config.RunnerConfig) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         cfg.Store.Path,
		MaxOpenConns: cfg.Store.MaxOpenConns,
		BusyTimeout:  cfg.Store.BusyTimeout,
	})
	if err != nil {
		return nil, err
	}

	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// loadApp wires telemetry, the audit store, target systems, the policy gate
// and the runner. The returned context carries the telemetry.
func loadApp(ctx context.Context) (*app, context.Context, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, ctx, err
	}

	tel, err := telemetry.NewTelemetry(cfg.ToTelemetryConfig(version))
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to initialise telemetry: %w", err)
	}
	ctx = tel.WithContext(ctx)

	a := &app{cfg: cfg, tel: tel}

	a.store, err = openStore(ctx, cfg)
	if err != nil {
		a.Close(ctx)
		return nil, ctx, err
	}

	if err := a.loadTargets(ctx); err != nil {
		a.Close(ctx)
		return nil, ctx, err
	}

	opts := []engine.RunnerOption{
		engine.WithLocker(a.store.Lease(cfg.Lock.Name, cfg.Lock.TTL)),
	}
	if cfg.Execution.Hostname != "" {
		opts = append(opts, engine.WithHostname(cfg.Execution.Hostname))
	}

	if cfg.Policies.Enabled {
		if err := a.loadPolicies(ctx); err != nil {
			a.Close(ctx)
			return nil, ctx, err
		}
		opts = append(opts, engine.WithPlanGate(a.gate))
	}

	a.runner = engine.NewRunner(a.store, a.targets, opts...)
	return a, ctx, nil
}

// loadTargets opens every configured target. A target whose path is the
// audit store shares the store's connection pool.
func (a *app) loadTargets(ctx context.Context) error {
	a.targets = engine.NewTargetRegistry()

	for _, ts := range a.cfg.Targets {
		db := a.store.DB()
		if ts.Path != a.cfg.Store.Path {
			var err error
			db, err = sqltarget.OpenSQLite(ctx, ts.Path)
			if err != nil {
				return fmt.Errorf("target %s: %w", ts.ID, err)
			}
			a.dbs = append(a.dbs, db)
		}

		var opts []sqltarget.Option
		if ts.Recovery != "" {
			opts = append(opts, sqltarget.WithRecovery(ts.Recovery))
		}
		if ts.TransactionalAudit {
			opts = append(opts, sqltarget.WithTransactionalAudit(a.store))
		}

		target := sqltarget.New(ts.ID, db, opts...)
		if err := target.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialise target %s: %w", ts.ID, err)
		}
		if err := a.targets.Register(target); err != nil {
			return err
		}
	}

	log.Debug().Strs("targets", a.targets.IDs()).Msg("Target systems registered")
	return nil
}

// loadPolicies builds the policy engine and the gate reviewing every plan.
func (a *app) loadPolicies(ctx context.Context) error {
	var opts []policy.Option
	if !a.cfg.Policies.Builtin {
		opts = append(opts, policy.WithoutBuiltins())
	}

	var err error
	a.policies, err = policy.NewEngine(a.tel.Logger.Zerolog(), opts...)
	if err != nil {
		return err
	}

	if len(a.cfg.Policies.Paths) > 0 {
		if err := a.policies.LoadPolicies(ctx, a.cfg.Policies.Paths); err != nil {
			return err
		}
	}

	gateOpts := []policy.GateOption{policy.WithEnvironment(a.cfg.Service.Environment)}
	if a.cfg.Execution.Hostname != "" {
		gateOpts = append(gateOpts, policy.WithHostname(a.cfg.Execution.Hostname))
	} else if h, err := os.Hostname(); err == nil {
		gateOpts = append(gateOpts, policy.WithHostname(h))
	}
	a.gate = policy.NewGate(a.policies, gateOpts...)
	return nil
}

// loadPipeline evaluates the configured pipeline files. A stage id set in the
// runner config fills in for pipelines that declare none.
func (a *app) loadPipeline(ctx context.Context) (*engine.Pipeline, error) {
	pipeline, err := config.NewCUEParser().Evaluate(ctx, a.cfg.Execution.Pipeline, sqlOperations)
	if err != nil {
		return nil, err
	}
	if pipeline.StageID == "" {
		pipeline.StageID = a.cfg.Execution.StageID
	}
	return pipeline, nil
}

// sqlOperations turns the statements of a change spec into an operation. Every
// configured driver speaks SQL, so the target is not consulted.
func sqlOperations(_ string, statements []string) engine.Operation {
	return sqltarget.Script(statements...)
}

// Close releases every resource the app opened.
func (a *app) Close(ctx context.Context) {
	var errs []error
	for _, db := range a.dbs {
		errs = append(errs, db.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(context.WithoutCancel(ctx)))
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Failed to release resources")
	}
}
