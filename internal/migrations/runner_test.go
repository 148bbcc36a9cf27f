package migrations

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/lmittmann/w3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/erc20simple/erc20-deployer/internal/artifact"
	"github.com/erc20simple/erc20-deployer/internal/artifact/artifacttest"
	"github.com/erc20simple/erc20-deployer/internal/chain/chaintest"
	"github.com/erc20simple/erc20-deployer/internal/config"
	"github.com/erc20simple/erc20-deployer/internal/deployer"
	"github.com/erc20simple/erc20-deployer/internal/manifest"
	"github.com/erc20simple/erc20-deployer/internal/provider"
	"github.com/erc20simple/erc20-deployer/internal/upgrades"
)

const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type fixture struct {
	be        *chaintest.Backend
	proxies   *artifacttest.Proxies
	artifacts *artifact.Store
	manifests *manifest.Store
	session   *manifest.Session
	deployer  *deployer.Deployer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	be := chaintest.NewBackend(4)
	f := &fixture{be: be, proxies: artifacttest.EmulateProxies(be)}

	var err error
	f.artifacts, err = artifact.NewStore(artifacttest.BuildDir(t), "0.8.12")
	require.NoError(t, err)

	f.manifests = manifest.NewStore(t.TempDir())
	f.session, err = f.manifests.Open(4)
	require.NoError(t, err)

	signer, err := provider.NewKeySigner(testKeyHex, big.NewInt(4))
	require.NoError(t, err)
	f.deployer = deployer.New(be, signer, big.NewInt(4), deployer.Options{Network: "rinkeby", PollInterval: time.Millisecond})
	return f
}

func (f *fixture) runner(t *testing.T, migs []Migration, opts Options) *Runner {
	t.Helper()
	if opts.Network == "" {
		opts.Network = "development"
	}
	r, err := NewRunner(migs, f.deployer, f.artifacts, f.session, opts)
	require.NoError(t, err)
	return r
}

var remoteNetwork = config.Network{
	NetworkID: "4",
	Provider:  &config.ProviderConfig{Kind: config.ProviderPrivateKey},
}

func TestInitialMigrationConstants(t *testing.T) {
	assert.Equal(t, 100000, InitialMin)
	assert.Equal(t, 1000000, InitialCap)
	assert.Equal(t, 10, InitialBurn)
	assert.Equal(t, "uups", InitialKind)
	assert.Equal(t, "initialize", InitialInitializer)
	assert.Equal(t, "1_initial_migration", InitialMigration.ID())
	assert.Equal(t, InitialMigration.ID(), All()[0].ID())
}

func TestInitialMigration(t *testing.T) {
	f := newFixture(t)
	report, err := f.runner(t, All(), Options{}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Passes, 1)
	assert.False(t, report.Passes[0].DryRun)
	assert.Equal(t, []string{"1_initial_migration"}, report.Passes[0].Migrations)
	assert.NotEmpty(t, report.RunID)

	inits := f.proxies.All()
	require.Len(t, inits, 1)
	want, err := w3.MustNewFunc("initialize(uint256,uint256,uint8)", "").
		EncodeArgs(big.NewInt(100000), big.NewInt(1000000), uint8(10))
	require.NoError(t, err)
	assert.Equal(t, want, inits[0].Data)

	m, err := f.manifests.Load(4)
	require.NoError(t, err)
	assert.Equal(t, 1, m.LastCompletedMigration)
	require.Len(t, m.Proxies, 1)
	assert.Equal(t, upgrades.KindUUPS, m.Proxies[0].Kind)
	assert.Equal(t, TokenContract, m.Proxies[0].Contract)
	require.Len(t, m.Runs, 1)
	assert.Equal(t, manifest.RunSucceeded, m.Runs[0].Status)
	assert.Equal(t, []int{1}, m.Runs[0].Migrations)
}

func TestRunnerSkipsCompleted(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner(t, All(), Options{}).Run(context.Background())
	require.NoError(t, err)
	sent := len(f.be.Sent)

	report, err := f.runner(t, All(), Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Passes)
	assert.Len(t, f.be.Sent, sent)
}

func TestRunnerReset(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner(t, All(), Options{}).Run(context.Background())
	require.NoError(t, err)

	report, err := f.runner(t, All(), Options{Reset: true}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Passes, 1)
	// Same bytecode, so only a new proxy is deployed.
	assert.Len(t, report.Passes[0].Results, 1)
	assert.Len(t, f.be.Sent, 3)
	assert.Len(t, f.session.Snapshot().Proxies, 2)
}

func recordingMigration(n int, ran *[]int, err error) Migration {
	return Migration{Number: n, Name: "step", Run: func(ctx context.Context, env *Env) error {
		*ran = append(*ran, n)
		return err
	}}
}

func TestRunnerRange(t *testing.T) {
	f := newFixture(t)
	var ran []int
	migs := []Migration{recordingMigration(3, &ran, nil), recordingMigration(1, &ran, nil), recordingMigration(2, &ran, nil)}

	_, err := f.runner(t, migs, Options{From: 2, To: 2}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2}, ran)

	ran = nil
	_, err = f.runner(t, migs, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{3}, ran, "migrations up to 2 are recorded as done")

	_, err = NewRunner(migs, f.deployer, f.artifacts, f.session, Options{From: 3, To: 1})
	require.Error(t, err)
}

func TestRunnerStopsOnFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")
	var ran []int
	migs := []Migration{recordingMigration(1, &ran, nil), recordingMigration(2, &ran, boom), recordingMigration(3, &ran, nil)}

	report, err := f.runner(t, migs, Options{}).Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "2_step: boom", err.Error())
	assert.Equal(t, []int{1, 2}, ran)
	assert.Equal(t, []string{"1_step"}, report.Passes[0].Migrations)

	m := f.session.Snapshot()
	assert.Equal(t, 1, m.LastCompletedMigration)
	require.Len(t, m.Runs, 1)
	assert.Equal(t, manifest.RunFailed, m.Runs[0].Status)
	assert.Equal(t, "2_step: boom", m.Runs[0].Error)
}

func TestRunnerValidatesMigrations(t *testing.T) {
	f := newFixture(t)
	var ran []int
	_, err := NewRunner([]Migration{recordingMigration(1, &ran, nil), recordingMigration(1, &ran, nil)}, f.deployer, f.artifacts, f.session, Options{})
	require.Error(t, err)

	_, err = NewRunner([]Migration{recordingMigration(0, &ran, nil)}, f.deployer, f.artifacts, f.session, Options{})
	require.Error(t, err)

	_, err = NewRunner([]Migration{{Number: 1, Name: "empty"}}, f.deployer, f.artifacts, f.session, Options{})
	require.Error(t, err)
}

func TestRunnerDryRunBeforeLive(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, All(), Options{Network: "rinkeby", Config: remoteNetwork})
	assert.True(t, r.WillSimulate())

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Passes, 2)
	assert.True(t, report.Passes[0].DryRun)
	assert.False(t, report.Passes[1].DryRun)

	// The simulation predicts the live addresses.
	dry, live := report.Passes[0].Results, report.Passes[1].Results
	require.Len(t, dry, 2)
	require.Len(t, live, 2)
	assert.Equal(t, dry[1].Address, live[1].Address)
	assert.Len(t, f.be.Sent, 2)
}

func TestRunnerSkipDryRun(t *testing.T) {
	f := newFixture(t)
	cfg := remoteNetwork
	cfg.SkipDryRun = true
	assert.False(t, f.runner(t, All(), Options{Config: cfg}).WillSimulate())
	assert.False(t, f.runner(t, All(), Options{Config: remoteNetwork, SkipDryRun: true}).WillSimulate())
	assert.False(t, f.runner(t, All(), Options{Config: config.Network{Port: 8545}}).WillSimulate())
}

func TestRunnerDryRunOnly(t *testing.T) {
	f := newFixture(t)
	report, err := f.runner(t, All(), Options{DryRun: true}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Passes, 1)
	assert.True(t, report.Passes[0].DryRun)
	assert.Empty(t, f.be.Sent)
	assert.Zero(t, f.session.Snapshot().LastCompletedMigration)
	assert.NoFileExists(t, f.manifests.Path(4))
}

type fakeLocker struct {
	acquired, released []string
	err                error
}

func (l *fakeLocker) Acquire(ctx context.Context, network string) (func(context.Context) error, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.acquired = append(l.acquired, network)
	return func(context.Context) error {
		l.released = append(l.released, network)
		return nil
	}, nil
}

// MockRecorder is a mock implementation of Recorder.
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) RecordRun(ctx context.Context, run manifest.Run, results []deployer.Result) error {
	args := m.Called(ctx, run, results)
	return args.Error(0)
}

func TestRunnerLockAndHistory(t *testing.T) {
	f := newFixture(t)
	locker := &fakeLocker{}
	rec := new(MockRecorder)
	rec.On("RecordRun", mock.Anything,
		mock.MatchedBy(func(run manifest.Run) bool {
			return run.Status == manifest.RunSucceeded && len(run.Migrations) == 1
		}),
		mock.MatchedBy(func(results []deployer.Result) bool { return len(results) == 2 }),
	).Return(nil).Once()

	report, err := f.runner(t, All(), Options{Locker: locker, Recorder: rec}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"development"}, locker.acquired)
	assert.Equal(t, []string{"development"}, locker.released)

	rec.AssertExpectations(t)
	recorded := rec.Calls[0].Arguments.Get(1).(manifest.Run)
	assert.Equal(t, report.RunID, recorded.ID)
}

func TestRunnerHistoryFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	rec := new(MockRecorder)
	rec.On("RecordRun", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	_, err := f.runner(t, All(), Options{Recorder: rec}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.session.Snapshot().LastCompletedMigration)
	rec.AssertNumberOfCalls(t, "RecordRun", 1)
}

func TestRunnerLockHeld(t *testing.T) {
	f := newFixture(t)
	held := errors.New("lock held")
	_, err := f.runner(t, All(), Options{Locker: &fakeLocker{err: held}}).Run(context.Background())
	require.ErrorIs(t, err, held)
	assert.Empty(t, f.be.Sent)
}

// waitingLocker lets another run finish before granting the lock.
type waitingLocker struct {
	before func()
}

func (l *waitingLocker) Acquire(ctx context.Context, network string) (func(context.Context) error, error) {
	l.before()
	return func(context.Context) error { return nil }, nil
}

func TestRunnerRereadsManifestAfterLock(t *testing.T) {
	f := newFixture(t)
	// Opened before the other run writes anything.
	waiting, err := f.manifests.Open(4)
	require.NoError(t, err)

	var first *Report
	locker := &waitingLocker{before: func() {
		var err error
		first, err = f.runner(t, All(), Options{}).Run(context.Background())
		require.NoError(t, err)
	}}

	r, err := NewRunner(All(), f.deployer, f.artifacts, waiting, Options{Network: "development", Locker: locker})
	require.NoError(t, err)
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Passes)
	assert.Len(t, f.be.Sent, 2, "the token is deployed once")

	m, err := f.manifests.Load(4)
	require.NoError(t, err)
	require.Len(t, m.Proxies, 1)
	require.Len(t, m.Runs, 1)
	assert.Equal(t, first.RunID, m.Runs[0].ID)
	assert.Equal(t, 1, waiting.Snapshot().LastCompletedMigration)
}
