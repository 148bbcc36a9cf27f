package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/erc20simple/erc20-deployer/internal/artifact"
	"github.com/erc20simple/erc20-deployer/internal/config"
	"github.com/erc20simple/erc20-deployer/internal/manifest"
	"github.com/erc20simple/erc20-deployer/internal/metrics"
	"github.com/erc20simple/erc20-deployer/internal/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <contract>...",
	Short: "Verify deployed contracts on Etherscan",
	Long: `Publish the source of deployed contracts to Etherscan.

The latest implementation of each named contract is looked up in the
network's deployment manifest. With --proxy, the proxies in front of it are
linked to the implementation as well.

The API key is read from the variable named by api_keys.etherscan_env
(ETHERSCAN_API_KEY by default).

Examples:
  erc20-deployer verify ERC20Simple --network rinkeby
  erc20-deployer verify ERC20Simple --network rinkeby --proxy`,
	Args: cobra.MinimumNArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().Bool("proxy", false, "also link proxies to their implementation")
	verifyCmd.Flags().String("project-root", ".", "project directory holding contracts/ and node_modules/")

	rootCmd.AddCommand(verifyCmd)
}

type verifySummary struct {
	Network  string `json:"network"`
	Verified int    `json:"verified"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
	Error    string `json:"error,omitempty"`
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	withProxy, _ := cmd.Flags().GetBool("proxy")
	projectRoot, _ := cmd.Flags().GetString("project-root")

	if !cfg.VerifyEnabled() {
		return fmt.Errorf("verification is disabled: add %s to plugins", config.VerifyPlugin)
	}
	if cfg.APIKeys.Etherscan == "" {
		return fmt.Errorf("no Etherscan API key: set %s", cfg.APIKeys.EtherscanEnv)
	}

	n, err := cfg.Network(networkName)
	if err != nil {
		return err
	}
	chainID, err := chainIDFor(ctx, n, logger)
	if err != nil {
		return err
	}
	apiURL, err := verify.APIURL(chainID, cfg.Etherscan.APIURLs)
	if err != nil {
		return err
	}

	m, err := manifest.NewStore(cfg.ManifestDir).Load(chainID)
	if err != nil {
		return err
	}
	targets, proxies, err := verify.Targets(m, args, withProxy)
	if err != nil {
		return err
	}

	store, err := artifact.NewStore(cfg.BuildDir, cfg.Compilers.Solc.Version)
	if err != nil {
		return err
	}
	sources, err := verify.ArtifactSources(store, projectRoot)
	if err != nil {
		return err
	}

	limit := rate.Limit(cfg.Etherscan.RateLimit)
	if limit <= 0 {
		limit = rate.Inf
	}
	client := verify.NewEtherscanClient(cfg.APIKeys.Etherscan, apiURL, rate.NewLimiter(limit, 1))

	met := metrics.New()
	v := verify.NewVerifier(client, store, sources, verify.Options{
		PollInterval: cfg.Etherscan.PollInterval,
		Metrics:      met,
		Logger:       logger.With(slog.String("network", networkName)),
	})

	verifyErr := v.VerifyAll(ctx, targets, proxies)
	if err := met.Push(ctx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
		logger.Warn("Failed to push metrics", slog.String("error", err.Error()))
	}

	verified, skipped, failed := v.Counts()
	if jsonOut {
		summary := verifySummary{Network: networkName, Verified: verified, Skipped: skipped, Failed: failed}
		if verifyErr != nil {
			summary.Error = verifyErr.Error()
		}
		if err := printJSON(summary); err != nil {
			return err
		}
		return verifyErr
	}

	fmt.Fprintf(out, "Verified: %d, already verified: %d, failed: %d\n", verified, skipped, failed)
	if verifyErr != nil {
		return verifyErr
	}
	printSuccess("Verification complete on %s", networkName)
	return nil
}

// chainIDFor returns the chain a network points at. A numeric network_id is
// taken as the chain id; otherwise the endpoint is asked.
func chainIDFor(ctx context.Context, n config.Network, logger *slog.Logger) (uint64, error) {
	if id, err := strconv.ParseUint(n.NetworkID, 10, 64); err == nil {
		return id, nil
	}
	conn, err := newBuilder(logger).Dial(ctx, n.RPCURL())
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	id, err := conn.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get chain ID: %w", err)
	}
	return id.Uint64(), nil
}
