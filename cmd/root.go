// Package cmd implements the erc20-deployer command line.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/erc20simple/erc20-deployer/internal/config"
)

var (
	cfgFile     string
	networkName string
	buildDir    string
	jsonOut     bool
	logLevel    string
	logFormat   string

	// out is where command results are printed. Logs go to stderr.
	out io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:   "erc20-deployer",
	Short: "Deploy and manage the upgradeable ERC20Simple token",
	Long: `erc20-deployer runs the project's migrations against a configured network,
deploying ERC20Simple behind an upgradeable proxy, and verifies the deployed
contracts on Etherscan.

Examples:
  erc20-deployer networks
  erc20-deployer migrate --network development
  erc20-deployer migrate --network rinkeby --dry-run
  erc20-deployer verify ERC20Simple --network rinkeby --proxy
  erc20-deployer status --network rinkeby`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./deployer.yaml)")
	rootCmd.PersistentFlags().StringVarP(&networkName, "network", "n", "development", "network to use")
	rootCmd.PersistentFlags().StringVar(&buildDir, "build-dir", "", "directory holding compiled artifacts (overrides build_dir)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output results as JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")
}

// Execute runs the root command with ctx and returns the process exit code.
func Execute(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError(err)
		return 1
	}
	return 0
}

// loadConfig reads the configuration, applies the global flag overrides and
// installs the logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(config.Options{ConfigFile: cfgFile})
	if err != nil {
		return nil, nil, err
	}
	if buildDir != "" {
		cfg.BuildDir = buildDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Output helpers

var (
	colorGreen  = color.New(color.FgGreen).SprintFunc()
	colorYellow = color.New(color.FgYellow).SprintFunc()
	colorRed    = color.New(color.FgRed).SprintFunc()
	colorCyan   = color.New(color.FgCyan).SprintFunc()
	colorBold   = color.New(color.Bold).SprintFunc()
)

func printJSON(v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "%s %v\n", colorRed("✗"), err)
}

func printSuccess(format string, args ...any) {
	fmt.Fprintf(out, "%s %s\n", colorGreen("✓"), fmt.Sprintf(format, args...))
}

func printWarning(format string, args ...any) {
	fmt.Fprintf(out, "%s %s\n", colorYellow("⚠"), fmt.Sprintf(format, args...))
}

func newTable(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	return table
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
