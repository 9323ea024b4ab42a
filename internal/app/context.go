package app

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/dhruvvurhd/program-upgrade-system/internal/config"
	"github.com/dhruvvurhd/program-upgrade-system/internal/db"
	"github.com/dhruvvurhd/program-upgrade-system/internal/engine"
	"github.com/dhruvvurhd/program-upgrade-system/internal/jobs"
	"github.com/dhruvvurhd/program-upgrade-system/internal/membership"
	"github.com/dhruvvurhd/program-upgrade-system/internal/migrate"
	"github.com/dhruvvurhd/program-upgrade-system/internal/monitor"
	"github.com/dhruvvurhd/program-upgrade-system/internal/repo"
	"github.com/dhruvvurhd/program-upgrade-system/internal/rollback"
)

// App bundles every component built from one workspace. The CLI and the
// HTTP server both go through Open so they share the same wiring.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Repo      repo.Repo
	Members   *membership.Registry
	Engine    engine.Engine
	Runner    *jobs.Runner
	Rollback  *rollback.Coordinator
	Monitor   *monitor.TimelockMonitor
	Log       zerolog.Logger
}

// Open loads the workspace config, migrates the database and wires the
// registry, state machine, job runner, rollback coordinator and monitor.
func Open(ctx context.Context, workspace string, log zerolog.Logger) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	a, err := Build(ctx, conn, cfg, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	a.Workspace = workspace
	return a, nil
}

// Build wires the components on an already opened database.
func Build(ctx context.Context, conn *sql.DB, cfg *config.Config, log zerolog.Logger) (*App, error) {
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return nil, errors.Wrap(err, "migrate")
	}
	r := repo.Repo{DB: conn}
	members, err := membership.FromConfig(cfg, r)
	if err != nil {
		return nil, err
	}
	members.Log = log.With().Str("component", "membership").Logger()

	eng := engine.New(conn, cfg, members)
	eng.Log = log.With().Str("component", "engine").Logger()

	runner := jobs.NewRunner(r, members, jobs.NewMigrator(cfg.Migration), cfg.Migration.ItemDelay)
	runner.Log = log.With().Str("component", "jobs").Logger()

	coord := rollback.New(eng, rollback.FailureRatePolicy{
		Repo:           r,
		MaxFailureRate: cfg.Rollback.MaxFailureRate,
		MinSamples:     cfg.Rollback.MinSamples,
	})
	coord.Log = log.With().Str("component", "rollback").Logger()

	mon := monitor.New(r, cfg.Timelock.MonitorSchedule)
	mon.Log = log.With().Str("component", "monitor").Logger()

	return &App{
		DB:       conn,
		Config:   cfg,
		Repo:     r,
		Members:  members,
		Engine:   eng,
		Runner:   runner,
		Rollback: coord,
		Monitor:  mon,
		Log:      log,
	}, nil
}

// Close stops running migrations and the monitor, then closes the database.
func (a *App) Close() error {
	a.Runner.Close()
	a.Monitor.Stop()
	return a.DB.Close()
}
