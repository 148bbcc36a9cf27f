// Package migrations holds the project's numbered deployment scripts and the
// runner that applies them to a network in order.
package migrations

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/erc20simple/erc20-deployer/internal/config"
	"github.com/erc20simple/erc20-deployer/internal/deployer"
	"github.com/erc20simple/erc20-deployer/internal/manifest"
	"github.com/erc20simple/erc20-deployer/internal/upgrades"
)

// Migration is one numbered deployment script.
type Migration struct {
	Number int
	Name   string
	Run    func(ctx context.Context, env *Env) error
}

// ID returns the script's file-style name, e.g. "1_initial_migration".
func (m Migration) ID() string {
	return fmt.Sprintf("%d_%s", m.Number, m.Name)
}

// Env is what a migration sees while it runs.
type Env struct {
	Network   string
	Config    config.Network
	Artifacts upgrades.Artifacts
	Deployer  *deployer.Deployer
	Upgrader  *upgrades.Upgrader
	Manifest  *manifest.Session
	Logger    *slog.Logger
}

// DryRun reports whether transactions are simulated.
func (e *Env) DryRun() bool {
	return e.Deployer.DryRun()
}

// All returns the project's migrations in order.
func All() []Migration {
	return []Migration{
		InitialMigration,
	}
}

// sortedMigrations checks numbering and returns a sorted copy.
func sortedMigrations(migs []Migration) ([]Migration, error) {
	out := append([]Migration(nil), migs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	for i, m := range out {
		if m.Number <= 0 {
			return nil, fmt.Errorf("migration %q: number must be positive", m.Name)
		}
		if m.Run == nil {
			return nil, fmt.Errorf("migration %s has no Run function", m.ID())
		}
		if i > 0 && out[i-1].Number == m.Number {
			return nil, fmt.Errorf("duplicate migration number %d (%s, %s)", m.Number, out[i-1].Name, m.Name)
		}
	}
	return out, nil
}
