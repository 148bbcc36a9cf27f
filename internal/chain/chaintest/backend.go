// Package chaintest provides an in-memory chain.Backend for tests.
//
// The backend does not execute EVM code. Contract creations store their init
// code as the account code, every transaction is mined into its own block,
// and OnDeploy/OnTransact hooks let tests emulate contract side effects such
// as writing a proxy's implementation slot.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// DeployHook runs after a contract creation is mined.
type DeployHook func(b *Backend, addr common.Address, initCode []byte)

// TxHook runs after a successful call transaction to an existing account.
type TxHook func(b *Backend, from, to common.Address, data []byte)

// CallHandler answers eth_call for one contract.
type CallHandler func(data []byte) ([]byte, error)

// Backend is a fake chain.Backend.
type Backend struct {
	mu sync.Mutex

	chainID   *big.Int
	networkID *big.Int
	head      uint64
	baseFee   *big.Int

	nonces   map[common.Address]uint64
	code     map[common.Address][]byte
	storage  map[common.Address]map[common.Hash]common.Hash
	receipts map[common.Hash]*types.Receipt
	calls    map[common.Address]CallHandler
	hooks    []DeployHook
	txHooks  []TxHook
	accounts []common.Address

	// Sent holds every accepted transaction in order.
	Sent []*types.Transaction

	// EstimateErr makes EstimateGas fail.
	EstimateErr error
	// GasEstimate is returned by EstimateGas. Defaults to 100000.
	GasEstimate uint64
	// Revert marks matching transactions as failed.
	Revert func(tx *types.Transaction) bool
	// HoldReceipts keeps receipts hidden until Mine is called.
	HoldReceipts bool
	// AdvanceOnPoll mines an empty block on every BlockNumber call.
	AdvanceOnPoll bool

	pending map[common.Hash]*types.Receipt
}

// NewBackend creates a backend for the chain id. The head block carries a
// base fee unless Legacy is called.
func NewBackend(chainID int64) *Backend {
	return &Backend{
		chainID:     big.NewInt(chainID),
		networkID:   big.NewInt(chainID),
		head:        1,
		baseFee:     big.NewInt(1_000_000_000),
		nonces:      make(map[common.Address]uint64),
		code:        make(map[common.Address][]byte),
		storage:     make(map[common.Address]map[common.Hash]common.Hash),
		receipts:    make(map[common.Hash]*types.Receipt),
		calls:       make(map[common.Address]CallHandler),
		pending:     make(map[common.Hash]*types.Receipt),
		GasEstimate: 100_000,
	}
}

// SetAccounts sets the accounts returned by eth_accounts.
func (b *Backend) SetAccounts(accounts ...common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts = accounts
}

// Accounts implements eth_accounts.
func (b *Backend) Accounts(ctx context.Context) ([]common.Address, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]common.Address(nil), b.accounts...), nil
}

// Legacy removes the base fee so the chain looks pre-London.
func (b *Backend) Legacy() *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.baseFee = nil
	return b
}

// SetNetworkID overrides the id returned by net_version.
func (b *Backend) SetNetworkID(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.networkID = big.NewInt(id)
}

// OnDeploy registers a hook run after each contract creation.
func (b *Backend) OnDeploy(h DeployHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, h)
}

// OnTransact registers a hook run after each successful call transaction.
func (b *Backend) OnTransact(h TxHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txHooks = append(b.txHooks, h)
}

// HandleCalls routes eth_call to addr through h.
func (b *Backend) HandleCalls(addr common.Address, h CallHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[addr] = h
}

// SetCode sets account code. Empty code removes it.
func (b *Backend) SetCode(addr common.Address, code []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(code) == 0 {
		delete(b.code, addr)
		return
	}
	b.code[addr] = code
}

// SetStorage writes a storage slot. Hooks may call it.
func (b *Backend) SetStorage(addr common.Address, slot, value common.Hash) {
	if b.storage[addr] == nil {
		b.storage[addr] = make(map[common.Hash]common.Hash)
	}
	b.storage[addr][slot] = value
}

// Storage reads a storage slot.
func (b *Backend) Storage(addr common.Address, slot common.Hash) common.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.storage[addr][slot]
}

// Mine releases held receipts and advances the head by n blocks.
func (b *Backend) Mine(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for hash, r := range b.pending {
		b.receipts[hash] = r
		delete(b.pending, hash)
	}
	b.head += n
}

// Head returns the current block number.
func (b *Backend) Head() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head
}

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) NetworkID(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.networkID), nil
}

func (b *Backend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.AdvanceOnPoll {
		b.head++
	}
	return b.head, nil
}

func (b *Backend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := &types.Header{Number: new(big.Int).SetUint64(b.head), GasLimit: 30_000_000}
	if b.baseFee != nil {
		h.BaseFee = new(big.Int).Set(b.baseFee)
	}
	return h, nil
}

func (b *Backend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)), nil
}

func (b *Backend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (b *Backend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_500_000_000), nil
}

func (b *Backend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if b.EstimateErr != nil {
		return 0, b.EstimateErr
	}
	return b.GasEstimate, nil
}

func (b *Backend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	from, err := types.Sender(types.LatestSignerForChainID(b.chainID), tx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if tx.Nonce() != b.nonces[from] {
		b.mu.Unlock()
		return errors.New("nonce too low")
	}
	b.nonces[from]++
	b.head++
	b.Sent = append(b.Sent, tx)

	receipt := &types.Receipt{
		Type:              tx.Type(),
		Status:            types.ReceiptStatusSuccessful,
		TxHash:            tx.Hash(),
		GasUsed:           tx.Gas() / 2,
		CumulativeGasUsed: tx.Gas() / 2,
		EffectiveGasPrice: tx.GasFeeCap(),
		BlockNumber:       new(big.Int).SetUint64(b.head),
	}
	if b.Revert != nil && b.Revert(tx) {
		receipt.Status = types.ReceiptStatusFailed
	}

	var hooks []DeployHook
	if tx.To() == nil && receipt.Status == types.ReceiptStatusSuccessful {
		addr := crypto.CreateAddress(from, tx.Nonce())
		receipt.ContractAddress = addr
		b.code[addr] = tx.Data()
		hooks = b.hooks
	}

	if b.HoldReceipts {
		b.pending[tx.Hash()] = receipt
	} else {
		b.receipts[tx.Hash()] = receipt
	}

	for _, h := range hooks {
		h(b, receipt.ContractAddress, tx.Data())
	}
	if tx.To() != nil && receipt.Status == types.ReceiptStatusSuccessful {
		for _, h := range b.txHooks {
			h(b, from, *tx.To(), tx.Data())
		}
	}
	b.mu.Unlock()
	return nil
}

func (b *Backend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *Backend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.code[account], nil
}

func (b *Backend) StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.storage[account][key]
	return v.Bytes(), nil
}

func (b *Backend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	h, ok := b.calls[*call.To]
	b.mu.Unlock()
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return h(call.Data)
}

func (b *Backend) Close() {}
