package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/erc20simple/erc20-deployer/internal/config"
)

var networksCmd = &cobra.Command{
	Use:   "networks",
	Short: "List configured networks",
	Long: `List the networks from the built-in table and the config file, with the
settings each one declares. Secrets are never printed.`,
	Args: cobra.NoArgs,
	RunE: runNetworks,
}

func init() {
	rootCmd.AddCommand(networksCmd)
}

type networkInfo struct {
	Name       string   `json:"name"`
	NetworkID  string   `json:"networkId,omitempty"`
	Endpoint   string   `json:"endpoint,omitempty"`
	Provider   string   `json:"provider"`
	SkipDryRun bool     `json:"skipDryRun"`
	Keys       []string `json:"keys"`
}

func describeNetworks(cfg *config.Config) []networkInfo {
	infos := make([]networkInfo, 0, len(cfg.Networks))
	for _, name := range cfg.NetworkNames() {
		n := cfg.Networks[name]
		info := networkInfo{
			Name:       name,
			NetworkID:  n.NetworkID,
			Provider:   "node",
			SkipDryRun: n.SkipDryRun,
			Keys:       n.Keys(),
		}
		if n.Provider != nil {
			info.Provider = n.Provider.Kind
			// Provider URLs often embed project keys; show where they come from.
			if n.Provider.URLEnv != "" {
				info.Endpoint = "$" + n.Provider.URLEnv
			}
		} else {
			info.Endpoint = n.RPCURL()
		}
		infos = append(infos, info)
	}
	return infos
}

func runNetworks(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	infos := describeNetworks(cfg)

	if jsonOut {
		return printJSON(map[string]any{
			"networks": infos,
			"count":    len(infos),
		})
	}

	table := newTable("Network", "ID", "Provider", "Endpoint", "Dry Run", "Keys")
	for _, info := range infos {
		id := info.NetworkID
		if id == "" {
			id = config.AnyNetworkID
		}
		dry := "yes"
		if info.SkipDryRun || info.Provider == "node" {
			dry = "no"
		}
		name := info.Name
		if name == networkName {
			name = colorGreen(name)
		}
		table.Append([]string{name, id, info.Provider, info.Endpoint, dry, strings.Join(info.Keys, ", ")})
	}
	table.Render()
	fmt.Fprintf(out, "\nSelected: %s\n", networkName)
	return nil
}
