package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/erc20simple/erc20-deployer/internal/config"
	"github.com/erc20simple/erc20-deployer/internal/deployer"
	"github.com/erc20simple/erc20-deployer/internal/history"
	"github.com/erc20simple/erc20-deployer/internal/lock"
	"github.com/erc20simple/erc20-deployer/internal/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run pending migrations",
	Long: `Run the migrations that have not completed on the selected network.

Provider-backed networks without skip_dry_run are simulated first; the live
run only starts when the simulation succeeds.

Examples:
  erc20-deployer migrate
  erc20-deployer migrate --network rinkeby
  erc20-deployer migrate --network ropsten --dry-run
  erc20-deployer migrate --reset --from 1 --to 1`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().Bool("reset", false, "run all migrations from the beginning")
	migrateCmd.Flags().Int("from", 0, "first migration number to run")
	migrateCmd.Flags().Int("to", 0, "last migration number to run")
	migrateCmd.Flags().Bool("dry-run", false, "only simulate the migrations")
	migrateCmd.Flags().Bool("skip-dry-run", false, "skip the simulation before a live run")

	rootCmd.AddCommand(migrateCmd)
}

// runLocker is a migration lock that holds a connection.
type runLocker interface {
	migrations.Locker
	Close() error
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	reset, _ := cmd.Flags().GetBool("reset")
	from, _ := cmd.Flags().GetInt("from")
	to, _ := cmd.Flags().GetInt("to")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	skipDryRun, _ := cmd.Flags().GetBool("skip-dry-run")
	if dryRun && skipDryRun {
		return fmt.Errorf("--dry-run and --skip-dry-run are mutually exclusive")
	}

	env, err := openNetwork(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer env.Close()

	locker, err := openLocker(cfg, logger)
	if err != nil {
		return err
	}
	defer locker.Close()

	recorder := openHistory(ctx, cfg, logger)
	defer recorder.Close()

	runner, err := migrations.NewRunner(migrations.All(), env.deployer, env.artifacts, env.manifest, migrations.Options{
		Network:    env.name,
		Config:     env.network,
		Reset:      reset,
		From:       from,
		To:         to,
		DryRun:     dryRun,
		SkipDryRun: skipDryRun,
		Metrics:    env.metrics,
		Locker:     locker,
		Recorder:   recorder,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	report, runErr := runner.Run(ctx)
	env.pushMetrics(ctx)

	if report != nil {
		if jsonOut {
			if err := printJSON(report); err != nil {
				return err
			}
		} else {
			printReport(report)
		}
	}
	if runErr != nil {
		return runErr
	}
	if !jsonOut && report != nil && len(report.Passes) > 0 {
		printSuccess("Migrations complete on %s", env.name)
	}
	return nil
}

func openLocker(cfg *config.Config, logger *slog.Logger) (runLocker, error) {
	if !cfg.Redis.Enabled() {
		return lock.Noop{}, nil
	}
	l, err := lock.NewRedis(cfg.Redis, lockOwner(), logger)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func lockOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}

// openHistory connects the deployment history. An unreachable database is
// logged and the run continues without history.
func openHistory(ctx context.Context, cfg *config.Config, logger *slog.Logger) history.Store {
	if !cfg.Database.Enabled() {
		return history.Noop{}
	}
	p, err := history.Open(ctx, cfg.Database)
	if err != nil {
		logger.Warn("Deployment history unavailable", slog.String("error", err.Error()))
		return history.Noop{}
	}
	if err := p.Migrate(); err != nil {
		logger.Warn("Deployment history unavailable", slog.String("error", err.Error()))
		p.Close()
		return history.Noop{}
	}
	return p
}

func printReport(report *migrations.Report) {
	if len(report.Passes) == 0 {
		fmt.Fprintf(out, "%s is up to date\n", report.Network)
		return
	}

	fmt.Fprintf(out, "Run %s on %s from %s\n", colorBold(report.RunID), colorCyan(report.Network), report.From)
	for _, pass := range report.Passes {
		title := "Live run"
		if pass.DryRun {
			title = "Dry run"
		}
		fmt.Fprintf(out, "\n%s: %v\n", colorBold(title), pass.Migrations)
		if len(pass.Results) == 0 {
			fmt.Fprintln(out, "  no transactions")
			continue
		}

		table := newTable("Name", "Kind", "Address", "Tx", "Gas Used")
		for _, r := range pass.Results {
			table.Append(resultRow(r))
		}
		table.Render()
	}
}

func resultRow(r deployer.Result) []string {
	addr := "-"
	if r.Address != (common.Address{}) {
		addr = r.Address.Hex()
	}
	gas := "-"
	if r.GasUsed > 0 {
		gas = strconv.FormatUint(r.GasUsed, 10)
	}
	return []string{r.Name, r.Kind, addr, truncate(r.TxHash.Hex(), 18), gas}
}
