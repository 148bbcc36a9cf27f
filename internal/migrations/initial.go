package migrations

import (
	"context"
	"log/slog"

	"github.com/erc20simple/erc20-deployer/internal/upgrades"
)

// ERC20Simple initializer arguments.
const (
	TokenContract = "ERC20Simple"

	InitialMin  = 100000
	InitialCap  = 1000000
	InitialBurn = 10

	InitialKind        = upgrades.KindUUPS
	InitialInitializer = "initialize"
)

// InitialMigration deploys ERC20Simple behind a UUPS proxy.
var InitialMigration = Migration{
	Number: 1,
	Name:   "initial_migration",
	Run:    deployToken,
}

func deployToken(ctx context.Context, env *Env) error {
	token, err := env.Artifacts.Require(TokenContract)
	if err != nil {
		return err
	}

	dep, err := env.Upgrader.DeployProxy(ctx, token,
		[]any{InitialMin, InitialCap, InitialBurn},
		upgrades.Options{Kind: InitialKind, Initializer: InitialInitializer},
	)
	if err != nil {
		return err
	}

	env.Logger.Info("ERC20Simple deployed",
		slog.String("proxy", dep.Proxy.Hex()),
		slog.String("implementation", dep.Implementation.Hex()),
	)
	return nil
}
