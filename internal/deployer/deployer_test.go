package deployer

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erc20simple/erc20-deployer/internal/chain/chaintest"
	"github.com/erc20simple/erc20-deployer/internal/metrics"
	"github.com/erc20simple/erc20-deployer/internal/provider"
)

const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func newTestDeployer(t *testing.T, be *chaintest.Backend, opts Options) *Deployer {
	t.Helper()
	chainID, err := be.ChainID(context.Background())
	require.NoError(t, err)
	signer, err := provider.NewKeySigner(testKeyHex, chainID)
	require.NoError(t, err)
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	if opts.Network == "" {
		opts.Network = "test"
	}
	return New(be, signer, chainID, opts)
}

func TestDeploy(t *testing.T) {
	be := chaintest.NewBackend(1337)
	m := metrics.New()
	d := newTestDeployer(t, be, Options{Metrics: m})

	res, err := d.Deploy(context.Background(), "Token", []byte{0x60, 0x80})
	require.NoError(t, err)

	assert.Equal(t, crypto.CreateAddress(d.From(), 0), res.Address)
	assert.Equal(t, uint64(0), res.Nonce)
	assert.Equal(t, KindDeploy, res.Kind)
	assert.False(t, res.DryRun)
	assert.NotZero(t, res.BlockNumber)

	require.Len(t, be.Sent, 1)
	tx := be.Sent[0]
	assert.Nil(t, tx.To())
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	// 100000 estimate plus 20%.
	assert.Equal(t, uint64(120_000), tx.Gas())
	// 2 * 1 gwei base fee + 1.5 gwei tip.
	assert.Equal(t, big.NewInt(3_500_000_000), tx.GasFeeCap())
	assert.Equal(t, big.NewInt(1_500_000_000), tx.GasTipCap())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransactionsTotal.WithLabelValues("test", KindDeploy, "success")))
	assert.Equal(t, []Result{*res}, d.Results())
}

func TestNonceTrackedAcrossTransactions(t *testing.T) {
	be := chaintest.NewBackend(1337)
	d := newTestDeployer(t, be, Options{})

	first, err := d.Deploy(context.Background(), "A", []byte{0x01})
	require.NoError(t, err)
	second, err := d.Transact(context.Background(), "A.init", first.Address, []byte{0x02})
	require.NoError(t, err)
	third, err := d.Deploy(context.Background(), "B", []byte{0x03})
	require.NoError(t, err)

	assert.Equal(t, uint64(0), first.Nonce)
	assert.Equal(t, uint64(1), second.Nonce)
	assert.Equal(t, uint64(2), third.Nonce)
	assert.Equal(t, first.Address, second.Address)
	assert.Equal(t, crypto.CreateAddress(d.From(), 2), third.Address)
}

func TestGasFallbackWhenEstimateFails(t *testing.T) {
	be := chaintest.NewBackend(1337)
	be.EstimateErr = errors.New("execution reverted")

	d := newTestDeployer(t, be, Options{})
	_, err := d.Deploy(context.Background(), "Token", []byte{0x60})
	require.NoError(t, err)
	assert.Equal(t, DefaultGas, be.Sent[0].Gas())

	d = newTestDeployer(t, be, Options{Gas: 5_000_000})
	_, err = d.Deploy(context.Background(), "Token", []byte{0x60})
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000), be.Sent[1].Gas())
}

func TestLegacyPricing(t *testing.T) {
	t.Run("pre-london chain", func(t *testing.T) {
		be := chaintest.NewBackend(1337).Legacy()
		d := newTestDeployer(t, be, Options{})
		_, err := d.Deploy(context.Background(), "Token", []byte{0x60})
		require.NoError(t, err)

		tx := be.Sent[0]
		assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
		assert.Equal(t, big.NewInt(2_000_000_000), tx.GasPrice())
	})

	t.Run("configured gas price", func(t *testing.T) {
		be := chaintest.NewBackend(1337)
		d := newTestDeployer(t, be, Options{GasPrice: big.NewInt(20_000_000_000)})
		_, err := d.Deploy(context.Background(), "Token", []byte{0x60})
		require.NoError(t, err)

		tx := be.Sent[0]
		assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
		assert.Equal(t, big.NewInt(20_000_000_000), tx.GasPrice())
		assert.Equal(t, big.NewInt(1337), tx.ChainId())
	})
}

func TestReverted(t *testing.T) {
	be := chaintest.NewBackend(1337)
	be.Revert = func(tx *types.Transaction) bool { return tx.To() != nil }
	m := metrics.New()
	d := newTestDeployer(t, be, Options{Metrics: m})

	res, err := d.Deploy(context.Background(), "Token", []byte{0x60})
	require.NoError(t, err)

	_, err = d.Transact(context.Background(), "Token.initialize", res.Address, []byte{0x01})
	require.ErrorIs(t, err, ErrReverted)
	assert.Contains(t, err.Error(), "Token.initialize")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransactionsTotal.WithLabelValues("test", KindCall, "reverted")))
	assert.Len(t, d.Results(), 1)
}

func TestDryRun(t *testing.T) {
	be := chaintest.NewBackend(4)
	live := newTestDeployer(t, be, Options{})
	d := live.WithDryRun()
	assert.True(t, d.DryRun())
	assert.False(t, live.DryRun())

	first, err := d.Deploy(context.Background(), "Token", []byte{0x60})
	require.NoError(t, err)
	second, err := d.Deploy(context.Background(), "Proxy", []byte{0x61})
	require.NoError(t, err)

	assert.Empty(t, be.Sent, "dry run must not broadcast")
	assert.True(t, first.DryRun)
	assert.Equal(t, crypto.CreateAddress(d.From(), 0), first.Address)
	assert.Equal(t, crypto.CreateAddress(d.From(), 1), second.Address)
	assert.Zero(t, first.BlockNumber)
}

func TestConfirmations(t *testing.T) {
	be := chaintest.NewBackend(1337)
	be.AdvanceOnPoll = true
	d := newTestDeployer(t, be, Options{Confirmations: 3})

	res, err := d.Deploy(context.Background(), "Token", []byte{0x60})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, be.Head(), res.BlockNumber+3)
}

func TestTimeoutBlocks(t *testing.T) {
	be := chaintest.NewBackend(1337)
	be.HoldReceipts = true
	be.AdvanceOnPoll = true
	m := metrics.New()
	d := newTestDeployer(t, be, Options{TimeoutBlocks: 5, Metrics: m})

	_, err := d.Deploy(context.Background(), "Token", []byte{0x60})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransactionsTotal.WithLabelValues("test", KindDeploy, "unconfirmed")))
}

func TestContextCancelledWhileWaiting(t *testing.T) {
	be := chaintest.NewBackend(1337)
	be.HoldReceipts = true
	d := newTestDeployer(t, be, Options{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Deploy(ctx, "Token", []byte{0x60})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type wrongSigner struct {
	provider.Signer
	claimed common.Address
}

func (s wrongSigner) Address() common.Address { return s.claimed }

func TestSignerMismatch(t *testing.T) {
	be := chaintest.NewBackend(1337)
	chainID := big.NewInt(1337)
	inner, err := provider.NewKeySigner(testKeyHex, chainID)
	require.NoError(t, err)

	d := New(be, wrongSigner{Signer: inner, claimed: common.HexToAddress("0x01")}, chainID, Options{PollInterval: time.Millisecond})
	_, err = d.Deploy(context.Background(), "Token", []byte{0x60})
	require.ErrorIs(t, err, ErrSignerMismatch)
	assert.Empty(t, be.Sent)
}

func TestHasCodeAndCall(t *testing.T) {
	be := chaintest.NewBackend(1337)
	d := newTestDeployer(t, be, Options{})

	res, err := d.Deploy(context.Background(), "Token", []byte{0x60})
	require.NoError(t, err)

	ok, err := d.HasCode(context.Background(), res.Address)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.HasCode(context.Background(), common.HexToAddress("0x1234"))
	require.NoError(t, err)
	assert.False(t, ok)

	be.HandleCalls(res.Address, func(data []byte) ([]byte, error) { return append([]byte{0xff}, data...), nil })
	out, err := d.Call(context.Background(), res.Address, []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0x01}, out)
}
