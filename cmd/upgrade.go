package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/erc20simple/erc20-deployer/internal/upgrades"
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade <proxy> <contract>",
	Short: "Upgrade a proxy to a new implementation",
	Long: `Deploy the named contract (or reuse its recorded deployment) and point the
proxy at it. The proxy kind comes from the manifest, or from its ERC-1967
admin slot when the proxy is not recorded.

Examples:
  erc20-deployer upgrade 0x9fE4...a6e0 ERC20SimpleV2 --network rinkeby
  erc20-deployer upgrade 0x9fE4...a6e0 ERC20SimpleV2 --call migrate --call-args 42
  erc20-deployer upgrade 0x9fE4...a6e0 ERC20SimpleV2 --dry-run`,
	Args: cobra.ExactArgs(2),
	RunE: runUpgrade,
}

func init() {
	upgradeCmd.Flags().String("kind", "", "proxy kind (uups, transparent); detected when empty")
	upgradeCmd.Flags().String("call", "", "function to call on the new implementation")
	upgradeCmd.Flags().StringSlice("call-args", nil, "arguments for --call")
	upgradeCmd.Flags().Bool("dry-run", false, "simulate the upgrade without sending transactions")

	rootCmd.AddCommand(upgradeCmd)
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	if !common.IsHexAddress(args[0]) {
		return fmt.Errorf("invalid proxy address %q", args[0])
	}
	proxy := common.HexToAddress(args[0])
	contract := args[1]

	kind, _ := cmd.Flags().GetString("kind")
	call, _ := cmd.Flags().GetString("call")
	callArgs, _ := cmd.Flags().GetStringSlice("call-args")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	if len(callArgs) > 0 && call == "" {
		return fmt.Errorf("--call-args requires --call")
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	env, err := openNetwork(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer env.Close()

	impl, err := env.artifacts.Require(contract)
	if err != nil {
		return err
	}

	d, session := env.deployer, env.manifest
	if dryRun {
		d, session = d.WithDryRun(), session.DryRun()
	} else {
		locker, err := openLocker(cfg, logger)
		if err != nil {
			return err
		}
		defer locker.Close()
		release, err := locker.Acquire(ctx, env.name)
		if err != nil {
			return err
		}
		defer release(ctx)
	}

	opts := upgrades.UpgradeOptions{Kind: kind, Call: call}
	for _, a := range callArgs {
		opts.CallArgs = append(opts.CallArgs, a)
	}

	dep, err := upgrades.New(d, env.artifacts, session, env.metrics).UpgradeProxy(ctx, proxy, impl, opts)
	env.pushMetrics(ctx)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(dep)
	}
	if dep.DryRun {
		printWarning("Dry run: no transactions were sent")
	}
	printSuccess("Proxy upgraded")
	fmt.Fprintf(out, "  Proxy:          %s\n", dep.Proxy.Hex())
	fmt.Fprintf(out, "  Kind:           %s\n", dep.Kind)
	fmt.Fprintf(out, "  Implementation: %s\n", dep.Implementation.Hex())
	if dep.ImplReused {
		fmt.Fprintf(out, "                  %s\n", colorYellow("(reused existing deployment)"))
	}
	if dep.Admin != (common.Address{}) {
		fmt.Fprintf(out, "  Admin:          %s\n", dep.Admin.Hex())
	}
	fmt.Fprintf(out, "  Tx:             %s\n", dep.TxHash.Hex())
	return nil
}
