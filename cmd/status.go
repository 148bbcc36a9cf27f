package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/erc20simple/erc20-deployer/internal/history"
	"github.com/erc20simple/erc20-deployer/internal/manifest"
	"github.com/erc20simple/erc20-deployer/internal/migrations"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show deployments and migration progress",
	Long: `Show what the deployment manifest records for the selected network: the
last completed migration, pending migrations, proxies and implementations,
and recent runs. Runs are read from the deployment history when a database
is configured.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Int("runs", 5, "number of recent runs to show")

	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	Network                string           `json:"network"`
	ChainID                uint64           `json:"chainId"`
	Manifest               string           `json:"manifest"`
	LastCompletedMigration int              `json:"lastCompletedMigration"`
	Pending                []string         `json:"pending"`
	Proxies                []manifest.Proxy `json:"proxies"`
	Impls                  []manifest.Impl  `json:"impls"`
	Runs                   []history.Run    `json:"runs"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	limit, _ := cmd.Flags().GetInt("runs")

	n, err := cfg.Network(networkName)
	if err != nil {
		return err
	}
	chainID, err := chainIDFor(ctx, n, logger)
	if err != nil {
		return err
	}
	store := manifest.NewStore(cfg.ManifestDir)
	m, err := store.Load(chainID)
	if err != nil {
		return err
	}

	report := buildStatus(m, limit)
	report.Network = networkName
	report.Manifest = store.Path(chainID)

	if cfg.Database.Enabled() {
		h := openHistory(ctx, cfg, logger)
		defer h.Close()
		runs, err := h.Runs(ctx, networkName, limit)
		if err != nil {
			return err
		}
		if len(runs) > 0 {
			report.Runs = runs
		}
	}

	if jsonOut {
		return printJSON(report)
	}
	printStatus(report)
	return nil
}

// buildStatus summarises a manifest. Runs come from the manifest's own log,
// newest first.
func buildStatus(m *manifest.Manifest, limit int) *statusReport {
	report := &statusReport{
		ChainID:                m.ChainID,
		LastCompletedMigration: m.LastCompletedMigration,
		Proxies:                m.Proxies,
	}
	for _, mig := range migrations.All() {
		if mig.Number > m.LastCompletedMigration {
			report.Pending = append(report.Pending, mig.ID())
		}
	}
	for _, impl := range m.Impls {
		report.Impls = append(report.Impls, impl)
	}
	sort.Slice(report.Impls, func(i, j int) bool {
		return report.Impls[i].DeployedAt.Before(report.Impls[j].DeployedAt)
	})

	for i := len(m.Runs) - 1; i >= 0 && len(report.Runs) < limit; i-- {
		report.Runs = append(report.Runs, history.Run{Run: m.Runs[i]})
	}
	return report
}

func printStatus(r *statusReport) {
	fmt.Fprintf(out, "Network:   %s (chain %d)\n", colorCyan(r.Network), r.ChainID)
	fmt.Fprintf(out, "Manifest:  %s\n", r.Manifest)
	fmt.Fprintf(out, "Completed: %d\n", r.LastCompletedMigration)
	if len(r.Pending) == 0 {
		fmt.Fprintf(out, "Pending:   %s\n", colorGreen("none"))
	} else {
		fmt.Fprintf(out, "Pending:   %s\n", colorYellow(strings.Join(r.Pending, ", ")))
	}

	if len(r.Proxies) > 0 {
		fmt.Fprintf(out, "\n%s\n", colorBold("Proxies"))
		table := newTable("Contract", "Kind", "Proxy", "Implementation", "Deployed")
		for _, p := range r.Proxies {
			table.Append([]string{p.Contract, p.Kind, p.Address.Hex(), p.Implementation.Hex(), formatTime(p.DeployedAt)})
		}
		table.Render()
	}

	if len(r.Impls) > 0 {
		fmt.Fprintf(out, "\n%s\n", colorBold("Implementations"))
		table := newTable("Contract", "Address", "Bytecode", "Deployed")
		for _, impl := range r.Impls {
			table.Append([]string{impl.Contract, impl.Address.Hex(), truncate(impl.BytecodeHash.Hex(), 18), formatTime(impl.DeployedAt)})
		}
		table.Render()
	}

	if len(r.Runs) > 0 {
		fmt.Fprintf(out, "\n%s\n", colorBold("Recent runs"))
		table := newTable("Run", "Started", "Migrations", "Status", "Error")
		for _, run := range r.Runs {
			migs := make([]string, len(run.Migrations))
			for i, n := range run.Migrations {
				migs[i] = strconv.Itoa(n)
			}
			table.Append([]string{run.ID, formatTime(run.StartedAt), strings.Join(migs, ","), formatRunStatus(run.Status), truncate(run.Error, 40)})
		}
		table.Render()
	}
}

func formatRunStatus(status string) string {
	switch status {
	case manifest.RunSucceeded:
		return colorGreen(status)
	case manifest.RunFailed:
		return colorRed(status)
	default:
		return status
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
