package migrations

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/erc20simple/erc20-deployer/internal/config"
	"github.com/erc20simple/erc20-deployer/internal/deployer"
	"github.com/erc20simple/erc20-deployer/internal/manifest"
	"github.com/erc20simple/erc20-deployer/internal/metrics"
	"github.com/erc20simple/erc20-deployer/internal/runid"
	"github.com/erc20simple/erc20-deployer/internal/upgrades"
)

// Locker serializes live runs against one network.
type Locker interface {
	Acquire(ctx context.Context, network string) (release func(context.Context) error, err error)
}

// Recorder keeps a history of finished live runs.
type Recorder interface {
	RecordRun(ctx context.Context, run manifest.Run, results []deployer.Result) error
}

// Options controls a migrate run.
type Options struct {
	Network string
	Config  config.Network

	// Reset reruns migrations that already completed.
	Reset bool
	// From and To bound the migration numbers to run. Zero is unbounded.
	From, To int
	// DryRun simulates the pending migrations and stops.
	DryRun bool
	// SkipDryRun goes straight to the live run on networks that would
	// otherwise be simulated first.
	SkipDryRun bool

	Metrics  *metrics.Metrics
	Locker   Locker
	Recorder Recorder
	Logger   *slog.Logger
}

// Pass is one execution of the pending migrations, simulated or live.
type Pass struct {
	DryRun     bool              `json:"dryRun"`
	Migrations []string          `json:"migrations"`
	Results    []deployer.Result `json:"transactions"`
}

// Report summarises a run.
type Report struct {
	RunID   string `json:"runId"`
	Network string `json:"network"`
	From    string `json:"from"`
	Passes  []Pass `json:"passes"`
}

// Runner applies migrations to one network.
type Runner struct {
	migrations []Migration
	deployer   *deployer.Deployer
	artifacts  upgrades.Artifacts
	manifest   *manifest.Session
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

// NewRunner validates migs and returns a runner over them.
func NewRunner(migs []Migration, d *deployer.Deployer, artifacts upgrades.Artifacts, m *manifest.Session, opts Options) (*Runner, error) {
	sorted, err := sortedMigrations(migs)
	if err != nil {
		return nil, err
	}
	if opts.From > 0 && opts.To > 0 && opts.From > opts.To {
		return nil, fmt.Errorf("--from %d is after --to %d", opts.From, opts.To)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		migrations: sorted,
		deployer:   d,
		artifacts:  artifacts,
		manifest:   m,
		opts:       opts,
		logger:     logger.With(slog.String("network", opts.Network)),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Pending returns the migrations the next run would execute.
func (r *Runner) Pending() []Migration {
	last := r.manifest.Snapshot().LastCompletedMigration
	var out []Migration
	for _, m := range r.migrations {
		if !r.opts.Reset && m.Number <= last {
			continue
		}
		if r.opts.From > 0 && m.Number < r.opts.From {
			continue
		}
		if r.opts.To > 0 && m.Number > r.opts.To {
			continue
		}
		out = append(out, m)
	}
	return out
}

// WillSimulate reports whether a dry run precedes (or replaces) the live run.
func (r *Runner) WillSimulate() bool {
	if r.opts.DryRun {
		return true
	}
	return !r.opts.SkipDryRun && !r.opts.Config.SkipDryRun && !r.opts.Config.IsLocal()
}

// Run executes the pending migrations. On failure the report covers the
// passes up to and including the failing one.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:   runid.New(r.now()),
		Network: r.opts.Network,
		From:    r.deployer.From().Hex(),
	}

	pending := r.Pending()
	if len(pending) == 0 {
		r.logger.Info("Network up to date",
			slog.Int("last_completed", r.manifest.Snapshot().LastCompletedMigration),
		)
		return report, nil
	}

	if r.WillSimulate() {
		r.logger.Info("Starting dry run", slog.Int("migrations", len(pending)))
		pass, err := r.runPass(ctx, r.deployer.WithDryRun(), r.manifest.DryRun(), pending)
		report.Passes = append(report.Passes, pass)
		if err != nil {
			r.logger.Error("Dry run failed", slog.String("error", err.Error()))
			return report, err
		}
		if r.opts.DryRun {
			return report, nil
		}
	}

	if r.opts.Locker != nil {
		release, err := r.opts.Locker.Acquire(ctx, r.opts.Network)
		if err != nil {
			return report, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("Failed to release migration lock", slog.String("error", err.Error()))
			}
		}()
	}

	// Another run may have finished while this one waited for the lock.
	if err := r.manifest.Reload(); err != nil {
		return report, fmt.Errorf("reload manifest: %w", err)
	}
	pending = r.Pending()
	if len(pending) == 0 {
		r.logger.Info("Network brought up to date by another run",
			slog.Int("last_completed", r.manifest.Snapshot().LastCompletedMigration),
		)
		return report, nil
	}

	started := r.now()
	pass, runErr := r.runPass(ctx, r.deployer, r.manifest, pending)
	report.Passes = append(report.Passes, pass)
	r.finish(ctx, report, started, pass, runErr)
	return report, runErr
}

func (r *Runner) runPass(ctx context.Context, d *deployer.Deployer, m *manifest.Session, pending []Migration) (Pass, error) {
	pass := Pass{DryRun: d.DryRun()}
	seen := len(d.Results())
	results := func() []deployer.Result { return d.Results()[seen:] }
	env := &Env{
		Network:   r.opts.Network,
		Config:    r.opts.Config,
		Artifacts: r.artifacts,
		Deployer:  d,
		Upgrader:  upgrades.New(d, r.artifacts, m, r.opts.Metrics),
		Manifest:  m,
	}

	for _, mig := range pending {
		logger := r.logger.With(slog.String("migration", mig.ID()), slog.Bool("dry_run", pass.DryRun))
		env.Logger = logger
		logger.Info("Running migration")

		if err := mig.Run(ctx, env); err != nil {
			pass.Results = results()
			return pass, fmt.Errorf("%s: %w", mig.ID(), err)
		}

		err := m.Update(func(man *manifest.Manifest) error {
			man.LastCompletedMigration = mig.Number
			return nil
		})
		if err != nil {
			pass.Results = results()
			return pass, fmt.Errorf("%s: save progress: %w", mig.ID(), err)
		}
		pass.Migrations = append(pass.Migrations, mig.ID())
		r.opts.Metrics.MigrationCompleted(r.opts.Network, pass.DryRun)
		logger.Info("Migration completed")
	}

	pass.Results = results()
	return pass, nil
}

// finish records a live run in the manifest and the history store.
func (r *Runner) finish(ctx context.Context, report *Report, started time.Time, pass Pass, runErr error) {
	run := manifest.Run{
		ID:         report.RunID,
		Network:    r.opts.Network,
		From:       report.From,
		StartedAt:  started,
		FinishedAt: r.now(),
		Status:     manifest.RunSucceeded,
	}
	for _, id := range pass.Migrations {
		for _, m := range r.migrations {
			if m.ID() == id {
				run.Migrations = append(run.Migrations, m.Number)
			}
		}
	}
	if runErr != nil {
		run.Status = manifest.RunFailed
		run.Error = runErr.Error()
	}

	err := r.manifest.Update(func(m *manifest.Manifest) error {
		m.Runs = append(m.Runs, run)
		return nil
	})
	if err != nil {
		r.logger.Warn("Failed to record run in manifest", slog.String("error", err.Error()))
	}

	if r.opts.Recorder != nil {
		if err := r.opts.Recorder.RecordRun(context.WithoutCancel(ctx), run, pass.Results); err != nil {
			r.logger.Warn("Failed to record run history", slog.String("error", err.Error()))
		}
	}

	r.logger.Info("Run finished",
		slog.String("run_id", run.ID),
		slog.String("status", run.Status),
		slog.Int("transactions", len(pass.Results)),
	)
}
