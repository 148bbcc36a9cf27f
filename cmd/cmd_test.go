package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erc20simple/erc20-deployer/internal/artifact/artifacttest"
	"github.com/erc20simple/erc20-deployer/internal/chain/chaintest"
	"github.com/erc20simple/erc20-deployer/internal/config"
	"github.com/erc20simple/erc20-deployer/internal/migrations"
	"github.com/erc20simple/erc20-deployer/internal/provider"
	"github.com/erc20simple/erc20-deployer/internal/upgrades"
)

const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cfgFile, networkName, buildDir, logLevel, logFormat = "", "development", "", "error", ""
	jsonOut = false

	var buf bytes.Buffer
	prev := out
	out = &buf
	t.Cleanup(func() { out = prev })

	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// project writes a config file pointing at fresh build and manifest dirs.
func project(t *testing.T) (cfgPath, build string) {
	t.Helper()
	dir := t.TempDir()
	build = artifacttest.BuildDir(t)
	cfgPath = filepath.Join(dir, "deployer.yaml")
	content := "build_dir: " + build + "\nmanifest_dir: " + filepath.Join(dir, ".deployments") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))
	return cfgPath, build
}

// fakeChain routes every dial to be.
func fakeChain(t *testing.T, be *chaintest.Backend) {
	t.Helper()
	prev := newBuilder
	newBuilder = func(logger *slog.Logger) *provider.Builder {
		return &provider.Builder{
			Dial: func(ctx context.Context, url string) (provider.Conn, error) {
				return be, nil
			},
			Logger: logger,
		}
	}
	t.Cleanup(func() { newBuilder = prev })
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LogConfig{Level: "info", Format: "json"})
	logger.Debug("hidden")
	logger.Info("Proxy deployed", slog.String("network", "rinkeby"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "Proxy deployed", line["msg"])
	assert.Equal(t, "rinkeby", line["network"])
}

func TestLockOwner(t *testing.T) {
	host, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, host+":"+strconv.Itoa(os.Getpid()), lockOwner())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
}

func TestConfigInitAndShow(t *testing.T) {
	t.Setenv("PRIVATE_KEY", testKeyHex)
	path := filepath.Join(t.TempDir(), "deployer.yaml")

	_, err := execute(t, "config", "init", "--output", path, "--force=false")
	require.NoError(t, err)

	_, err = execute(t, "config", "init", "--output", path, "--force=false")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	cfg, err := config.Load(config.Options{ConfigFile: path, Getenv: func(string) string { return "" }})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"development", "develop", "rinkeby", "ropsten"}, cfg.NetworkNames())
	assert.Equal(t, config.DefaultNetworks()["rinkeby"].Keys(), cfg.Networks["rinkeby"].Keys())
	assert.Equal(t, "0.8.12", cfg.Compilers.Solc.Version)
	assert.True(t, cfg.VerifyEnabled())

	output, err := execute(t, "config", "show", "--config", path, "--json")
	require.NoError(t, err)
	assert.NotContains(t, output, testKeyHex)

	var shown config.Config
	require.NoError(t, json.Unmarshal([]byte(output), &shown))
	assert.Equal(t, "***", shown.Networks["rinkeby"].Provider.PrivateKey)
}

func TestNetworks(t *testing.T) {
	cfgPath, _ := project(t)

	output, err := execute(t, "networks", "--config", cfgPath, "--json")
	require.NoError(t, err)

	var got struct {
		Networks []networkInfo `json:"networks"`
		Count    int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &got))
	assert.Equal(t, 4, got.Count)

	byName := make(map[string]networkInfo)
	for _, n := range got.Networks {
		byName[n.Name] = n
	}
	assert.Equal(t, []string{"network_id", "provider", "skipDryRun"}, byName["rinkeby"].Keys)
	assert.Equal(t, "$RINKEBY_INFURA_URL", byName["rinkeby"].Endpoint)
	assert.Equal(t, "http://127.0.0.1:8545", byName["development"].Endpoint)
	assert.Equal(t, []string{"port"}, byName["develop"].Keys)

	output, err = execute(t, "networks", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, output, "rinkeby")
	assert.Contains(t, output, "Selected: development")
}

func TestMigrateStatusUpgrade(t *testing.T) {
	cfgPath, build := project(t)
	t.Setenv("PRIVATE_KEY", testKeyHex)
	t.Setenv("RINKEBY_INFURA_URL", "https://rinkeby.test")

	be := chaintest.NewBackend(4)
	proxies := artifacttest.EmulateProxies(be)
	fakeChain(t, be)

	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	migrate := []string{"migrate", "--config", cfgPath, "--network", "rinkeby", "--json",
		"--reset=false", "--from=0", "--to=0", "--dry-run=false", "--skip-dry-run=false"}

	// rinkeby sets skip_dry_run, so only the live pass runs.
	output, err := execute(t, migrate...)
	require.NoError(t, err)
	var report migrations.Report
	require.NoError(t, json.Unmarshal([]byte(output), &report))
	require.Len(t, report.Passes, 1)
	assert.False(t, report.Passes[0].DryRun)
	assert.Equal(t, []string{"1_initial_migration"}, report.Passes[0].Migrations)
	require.Len(t, report.Passes[0].Results, 2)
	assert.Len(t, be.Sent, 2)

	impl := crypto.CreateAddress(from, 0)
	proxy := crypto.CreateAddress(from, 1)
	require.Len(t, proxies.All(), 1)
	assert.Equal(t, impl, proxies.All()[0].Implementation)

	output, err = execute(t, "status", "--config", cfgPath, "--network", "rinkeby", "--json", "--runs=5")
	require.NoError(t, err)
	var status statusReport
	require.NoError(t, json.Unmarshal([]byte(output), &status))
	assert.Equal(t, uint64(4), status.ChainID)
	assert.Equal(t, 1, status.LastCompletedMigration)
	assert.Empty(t, status.Pending)
	require.Len(t, status.Proxies, 1)
	assert.Equal(t, proxy, status.Proxies[0].Address)
	assert.Equal(t, upgrades.KindUUPS, status.Proxies[0].Kind)
	require.Len(t, status.Runs, 1)
	assert.Equal(t, report.RunID, status.Runs[0].ID)

	// Nothing pending: no further transactions.
	_, err = execute(t, migrate...)
	require.NoError(t, err)
	assert.Len(t, be.Sent, 2)

	artifacttest.Write(t, build, "ERC20SimpleV2", artifacttest.ERC20SimpleABI, artifacttest.ERC20SimpleCode+"02")
	implV2 := crypto.CreateAddress(from, 2)
	artifacttest.HandleProxiable(be, implV2)

	output, err = execute(t, "upgrade", proxy.Hex(), "ERC20SimpleV2", "--config", cfgPath, "--network", "rinkeby",
		"--json", "--kind=", "--call=", "--dry-run=false")
	require.NoError(t, err)
	var dep upgrades.Deployment
	require.NoError(t, json.Unmarshal([]byte(output), &dep))
	assert.Equal(t, proxy, dep.Proxy)
	assert.Equal(t, implV2, dep.Implementation)
	assert.Equal(t, upgrades.KindUUPS, dep.Kind)
	require.Len(t, proxies.Upgrades(), 1)
	assert.Equal(t, implV2, proxies.Upgrades()[0].Implementation)
}

func TestMigrateDryRun(t *testing.T) {
	cfgPath, _ := project(t)
	t.Setenv("PRIVATE_KEY", testKeyHex)
	t.Setenv("RINKEBY_INFURA_URL", "https://rinkeby.test")

	be := chaintest.NewBackend(4)
	artifacttest.EmulateProxies(be)
	fakeChain(t, be)

	output, err := execute(t, "migrate", "--config", cfgPath, "--network", "rinkeby",
		"--reset=false", "--from=0", "--to=0", "--dry-run=true", "--skip-dry-run=false")
	require.NoError(t, err)
	assert.Contains(t, output, "Dry run")
	assert.Empty(t, be.Sent)

	_, err = os.Stat(filepath.Join(filepath.Dir(cfgPath), ".deployments", "rinkeby.json"))
	assert.True(t, os.IsNotExist(err), "dry run must not write the manifest")
}

func TestMigrateFlagConflicts(t *testing.T) {
	cfgPath, _ := project(t)
	_, err := execute(t, "migrate", "--config", cfgPath, "--dry-run=true", "--skip-dry-run=true")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestMigrateUnknownNetwork(t *testing.T) {
	cfgPath, _ := project(t)
	_, err := execute(t, "migrate", "--config", cfgPath, "--network", "kovan", "--dry-run=false", "--skip-dry-run=false")
	require.ErrorIs(t, err, config.ErrUnknownNetwork)
}

func TestVerifyRequiresAPIKey(t *testing.T) {
	cfgPath, _ := project(t)
	t.Setenv("ETHERSCAN_API_KEY", "")
	_, err := execute(t, "verify", "ERC20Simple", "--config", cfgPath, "--network", "rinkeby", "--proxy=false")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ETHERSCAN_API_KEY")
}

func TestChainIDFor(t *testing.T) {
	id, err := chainIDFor(context.Background(), config.DefaultNetworks()["ropsten"], slog.Default())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), id)

	fakeChain(t, chaintest.NewBackend(1337))
	id, err = chainIDFor(context.Background(), config.DefaultNetworks()["development"], slog.Default())
	require.NoError(t, err)
	assert.Equal(t, uint64(1337), id)
}

func TestUpgradeRejectsBadAddress(t *testing.T) {
	_, err := execute(t, "upgrade", "not-an-address", "ERC20SimpleV2", "--dry-run=false", "--call=")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid proxy address")
}

func TestVersion(t *testing.T) {
	output, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, output, "erc20-deployer dev")
}
