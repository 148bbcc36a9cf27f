// Package deployer builds, signs and sends deployment transactions one at a
// time, tracking the account nonce locally for the length of a run.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/erc20simple/erc20-deployer/internal/chain"
	"github.com/erc20simple/erc20-deployer/internal/metrics"
	"github.com/erc20simple/erc20-deployer/internal/provider"
)

const (
	// DefaultGas is Truffle's default gas limit, used when estimation fails.
	DefaultGas uint64 = 6_721_975
	// DefaultTimeoutBlocks is how many blocks to wait for inclusion.
	DefaultTimeoutBlocks uint64 = 50
	// DefaultPollInterval is the receipt polling period.
	DefaultPollInterval = 2 * time.Second

	gasBufferPercent = 120
)

var (
	// ErrReverted is returned when a mined transaction has a failed status.
	ErrReverted = errors.New("transaction reverted")
	// ErrTimeout is returned when a transaction is not mined within the
	// configured number of blocks.
	ErrTimeout = errors.New("transaction not mined in time")
	// ErrSignerMismatch is returned when a signer returns a transaction
	// signed by another account.
	ErrSignerMismatch = errors.New("signed by unexpected account")
)

// Options tunes a Deployer. Zero values select the defaults.
type Options struct {
	Network       string
	Gas           uint64   // fallback gas limit
	GasPrice      *big.Int // forces legacy pricing when set
	Confirmations uint64
	TimeoutBlocks uint64
	PollInterval  time.Duration
	// DryRun signs transactions without broadcasting them.
	DryRun  bool
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Result describes one sent (or simulated) transaction.
type Result struct {
	Name        string         `json:"name"`
	Kind        string         `json:"kind"`
	Address     common.Address `json:"address"`
	TxHash      common.Hash    `json:"txHash"`
	Nonce       uint64         `json:"nonce"`
	BlockNumber uint64         `json:"blockNumber,omitempty"`
	GasUsed     uint64         `json:"gasUsed,omitempty"`
	DryRun      bool           `json:"dryRun,omitempty"`
}

// Transaction kinds.
const (
	KindDeploy = "deploy"
	KindCall   = "call"
)

// Deployer sends transactions from a single account.
type Deployer struct {
	backend chain.Backend
	signer  provider.Signer
	chainID *big.Int
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	nonce   uint64
	nonceOK bool
	results []Result
}

// New creates a Deployer.
func New(backend chain.Backend, signer provider.Signer, chainID *big.Int, opts Options) *Deployer {
	if opts.Gas == 0 {
		opts.Gas = DefaultGas
	}
	if opts.TimeoutBlocks == 0 {
		opts.TimeoutBlocks = DefaultTimeoutBlocks
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{
		backend: backend,
		signer:  signer,
		chainID: new(big.Int).Set(chainID),
		opts:    opts,
		logger:  logger.With(slog.String("network", opts.Network)),
	}
}

// FromProvider creates a Deployer for p.
func FromProvider(p *provider.Provider, opts Options) *Deployer {
	return New(p.Backend, p.Signer, p.ChainID, opts)
}

// WithDryRun returns a new Deployer on the same account that simulates
// instead of broadcasting. Its nonce tracking starts fresh.
func (d *Deployer) WithDryRun() *Deployer {
	opts := d.opts
	opts.DryRun = true
	return New(d.backend, d.signer, d.chainID, opts)
}

// From returns the sending account.
func (d *Deployer) From() common.Address {
	return d.signer.Address()
}

// Backend returns the chain backend.
func (d *Deployer) Backend() chain.Backend {
	return d.backend
}

// ChainID returns the chain id transactions are signed for.
func (d *Deployer) ChainID() *big.Int {
	return new(big.Int).Set(d.chainID)
}

// Network returns the configured network name.
func (d *Deployer) Network() string {
	return d.opts.Network
}

// DryRun reports whether transactions are simulated.
func (d *Deployer) DryRun() bool {
	return d.opts.DryRun
}

// Logger returns the deployer's logger.
func (d *Deployer) Logger() *slog.Logger {
	return d.logger
}

// Results returns every transaction sent so far.
func (d *Deployer) Results() []Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Result(nil), d.results...)
}

// Deploy sends a contract creation. data is creation code followed by the
// encoded constructor arguments.
func (d *Deployer) Deploy(ctx context.Context, name string, data []byte) (*Result, error) {
	d.logger.Info("Deploying contract", slog.String("contract", name))
	res, err := d.send(ctx, name, KindDeploy, nil, data)
	if err != nil {
		return nil, fmt.Errorf("deploy %s: %w", name, err)
	}
	d.logger.Info("Contract deployed",
		slog.String("contract", name),
		slog.String("address", res.Address.Hex()),
		slog.String("tx", res.TxHash.Hex()),
		slog.Bool("dry_run", res.DryRun),
	)
	return res, nil
}

// Transact sends a call to an existing contract.
func (d *Deployer) Transact(ctx context.Context, name string, to common.Address, data []byte) (*Result, error) {
	d.logger.Info("Sending transaction",
		slog.String("call", name),
		slog.String("to", to.Hex()),
	)
	res, err := d.send(ctx, name, KindCall, &to, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}

// Call runs a read-only eth_call from the deployer account.
func (d *Deployer) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return d.backend.CallContract(ctx, ethereum.CallMsg{From: d.From(), To: &to, Data: data}, nil)
}

// HasCode reports whether addr holds contract code.
func (d *Deployer) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	code, err := d.backend.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("get code at %s: %w", addr.Hex(), err)
	}
	return len(code) > 0, nil
}

func (d *Deployer) send(ctx context.Context, name, kind string, to *common.Address, data []byte) (*Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	nonce, err := d.nextNonce(ctx)
	if err != nil {
		return nil, err
	}

	gasLimit := d.estimateGas(ctx, to, data)
	tx, err := d.buildTx(ctx, nonce, to, gasLimit, data)
	if err != nil {
		return nil, err
	}

	signed, err := d.signer.SignTransaction(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(d.chainID), signed)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}
	if sender != d.From() {
		return nil, fmt.Errorf("%w: %s, want %s", ErrSignerMismatch, sender.Hex(), d.From().Hex())
	}

	res := Result{Name: name, Kind: kind, TxHash: signed.Hash(), Nonce: nonce, DryRun: d.opts.DryRun}
	if to == nil {
		res.Address = crypto.CreateAddress(d.From(), nonce)
	} else {
		res.Address = *to
	}

	if d.opts.DryRun {
		d.nonce++
		d.results = append(d.results, res)
		d.opts.Metrics.RecordTx(d.opts.Network, kind, "simulated", 0)
		return &res, nil
	}

	if err := d.backend.SendTransaction(ctx, signed); err != nil {
		// The node may have seen transactions we did not; refetch next time.
		d.nonceOK = false
		d.opts.Metrics.RecordTx(d.opts.Network, kind, "rejected", 0)
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	d.nonce++

	d.logger.Debug("Transaction sent",
		slog.String("tx", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas_limit", gasLimit),
	)

	start := time.Now()
	receipt, err := d.waitMined(ctx, signed.Hash())
	if err != nil {
		d.opts.Metrics.RecordTx(d.opts.Network, kind, "unconfirmed", 0)
		return nil, fmt.Errorf("wait for receipt of %s: %w", signed.Hash().Hex(), err)
	}
	d.opts.Metrics.ObserveReceiptWait(time.Since(start))

	res.BlockNumber = receipt.BlockNumber.Uint64()
	res.GasUsed = receipt.GasUsed
	if receipt.Status != types.ReceiptStatusSuccessful {
		d.opts.Metrics.RecordTx(d.opts.Network, kind, "reverted", receipt.GasUsed)
		return nil, fmt.Errorf("%w: %s", ErrReverted, signed.Hash().Hex())
	}
	if to == nil && receipt.ContractAddress != (common.Address{}) {
		res.Address = receipt.ContractAddress
	}

	d.opts.Metrics.RecordTx(d.opts.Network, kind, "success", receipt.GasUsed)
	d.results = append(d.results, res)
	return &res, nil
}

func (d *Deployer) nextNonce(ctx context.Context) (uint64, error) {
	if !d.nonceOK {
		n, err := d.backend.PendingNonceAt(ctx, d.From())
		if err != nil {
			return 0, fmt.Errorf("get nonce: %w", err)
		}
		d.nonce, d.nonceOK = n, true
	}
	return d.nonce, nil
}

func (d *Deployer) estimateGas(ctx context.Context, to *common.Address, data []byte) uint64 {
	estimate, err := d.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  d.From(),
		To:    to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		d.logger.Warn("gas estimation failed, using default",
			slog.Uint64("gas_limit", d.opts.Gas),
			slog.String("error", err.Error()),
		)
		return d.opts.Gas
	}
	return estimate * gasBufferPercent / 100
}

func (d *Deployer) buildTx(ctx context.Context, nonce uint64, to *common.Address, gasLimit uint64, data []byte) (*types.Transaction, error) {
	if d.opts.GasPrice != nil {
		return types.NewTx(&types.LegacyTx{
			Nonce: nonce, To: to, Value: big.NewInt(0), Gas: gasLimit,
			GasPrice: new(big.Int).Set(d.opts.GasPrice), Data: data,
		}), nil
	}

	head, err := d.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("get latest header: %w", err)
	}

	if head.BaseFee == nil {
		gasPrice, err := d.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("get gas price: %w", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce: nonce, To: to, Value: big.NewInt(0), Gas: gasLimit,
			GasPrice: gasPrice, Data: data,
		}), nil
	}

	tip, err := d.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("get gas tip cap: %w", err)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   d.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        to,
		Value:     big.NewInt(0),
		Data:      data,
	}), nil
}
