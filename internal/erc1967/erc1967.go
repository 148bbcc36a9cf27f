// Package erc1967 reads the standard proxy storage slots defined by EIP-1967.
package erc1967

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ImplementationSlot is bytes32(uint256(keccak256("eip1967.proxy.implementation")) - 1).
	ImplementationSlot = common.HexToHash("0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bbc")
	// AdminSlot is bytes32(uint256(keccak256("eip1967.proxy.admin")) - 1).
	AdminSlot = common.HexToHash("0xb53127684a568b3173ae13b9f8a6016e243e63b6e8ee1178d6a717850b5d6103")
	// BeaconSlot is bytes32(uint256(keccak256("eip1967.proxy.beacon")) - 1).
	BeaconSlot = common.HexToHash("0xa3f0ad74e5423aebfd80d3ef4346578335a9a72aeaee59ff6cb3582b35133d50")
)

// StorageReader is satisfied by ethclient and chain.Backend.
type StorageReader interface {
	StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error)
}

// Implementation returns the implementation address stored in proxy.
func Implementation(ctx context.Context, r StorageReader, proxy common.Address) (common.Address, error) {
	return readAddress(ctx, r, proxy, ImplementationSlot, "implementation")
}

// Admin returns the admin address stored in proxy.
func Admin(ctx context.Context, r StorageReader, proxy common.Address) (common.Address, error) {
	return readAddress(ctx, r, proxy, AdminSlot, "admin")
}

// Beacon returns the beacon address stored in proxy.
func Beacon(ctx context.Context, r StorageReader, proxy common.Address) (common.Address, error) {
	return readAddress(ctx, r, proxy, BeaconSlot, "beacon")
}

func readAddress(ctx context.Context, r StorageReader, proxy common.Address, slot common.Hash, what string) (common.Address, error) {
	raw, err := r.StorageAt(ctx, proxy, slot, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("read %s slot of %s: %w", what, proxy.Hex(), err)
	}
	return common.BytesToAddress(common.BytesToHash(raw).Bytes()), nil
}

// AddressValue encodes addr as a slot value.
func AddressValue(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}
