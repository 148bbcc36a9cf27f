package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/erc20simple/erc20-deployer/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the deployer configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter deployer.yaml",
	Long: `Write a config file with the built-in networks and defaults. Secrets are
referenced by environment variable name and never written to the file.

Examples:
  erc20-deployer config init
  erc20-deployer config init --output config/deployer.yaml --force`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	configInitCmd.Flags().StringP("output", "o", "deployer.yaml", "file to write")
	configInitCmd.Flags().BoolP("force", "f", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(configCmd)
}

// starterConfig is the file config init writes.
func starterConfig() config.Config {
	return config.Config{
		Networks:    config.DefaultNetworks(),
		Compilers:   config.Compilers{Solc: config.SolcConfig{Version: "0.8.12"}},
		Plugins:     []string{config.VerifyPlugin},
		APIKeys:     config.APIKeys{EtherscanEnv: "ETHERSCAN_API_KEY"},
		BuildDir:    "build/contracts",
		ManifestDir: ".deployments",
		Log:         config.LogConfig{Level: "info", Format: "text"},
	}
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	force, _ := cmd.Flags().GetBool("force")

	if _, err := os.Stat(output); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", output)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	data, err := yaml.Marshal(starterConfig())
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if jsonOut {
		return printJSON(map[string]string{"status": "written", "path": output})
	}
	printSuccess("Config written to %s", output)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	redacted := cfg.Redacted()

	if jsonOut {
		return printJSON(redacted)
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(redacted); err != nil {
		return err
	}
	return enc.Close()
}
