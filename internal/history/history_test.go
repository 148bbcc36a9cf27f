package history

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erc20simple/erc20-deployer/internal/config"
	"github.com/erc20simple/erc20-deployer/internal/deployer"
	"github.com/erc20simple/erc20-deployer/internal/manifest"
	"github.com/erc20simple/erc20-deployer/internal/runid"
)

const envTestDSN = "ERC20_DEPLOYER_TEST_DATABASE_DSN"

var (
	_ Store = (*Postgres)(nil)
	_ Store = Noop{}
)

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "000001_create_runs.up.sql")
	assert.Contains(t, names, "000001_create_runs.down.sql")
}

func TestNoop(t *testing.T) {
	require.NoError(t, Noop{}.RecordRun(context.Background(), manifest.Run{ID: "x"}, nil))
	runs, err := Noop{}.Runs(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestMigrateRequiresURL(t *testing.T) {
	p := &Postgres{dsn: "host=localhost user=postgres"}
	require.Error(t, p.Migrate())
}

func TestPostgres_RecordAndList(t *testing.T) {
	dsn := os.Getenv(envTestDSN)
	if dsn == "" {
		t.Skipf("Skipping Postgres test: %s not set", envTestDSN)
	}

	ctx := context.Background()
	p, err := Open(ctx, config.DatabaseConfig{DSN: dsn})
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Migrate())

	started := time.Now().UTC().Truncate(time.Millisecond)
	run := manifest.Run{
		ID:         runid.New(started),
		Network:    "history-test",
		From:       "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Migrations: []int{1},
		Status:     manifest.RunSucceeded,
	}
	results := []deployer.Result{
		{Name: "ERC20Simple", Kind: deployer.KindDeploy, Address: common.HexToAddress("0x01"), Nonce: 0, BlockNumber: 10, GasUsed: 1000},
		{Name: "ERC1967Proxy", Kind: deployer.KindDeploy, Address: common.HexToAddress("0x02"), Nonce: 1, BlockNumber: 11, GasUsed: 2000},
	}
	require.NoError(t, p.RecordRun(ctx, run, results))

	runs, err := p.Runs(ctx, "history-test", 5)
	require.NoError(t, err)
	require.NotEmpty(t, runs)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, []int{1}, runs[0].Migrations)
	assert.True(t, started.Equal(runs[0].StartedAt))
}
