package deployer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// waitMined polls until the transaction is mined and buried under
// Confirmations blocks. It gives up when TimeoutBlocks pass without
// inclusion.
func (d *Deployer) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	startBlock, err := d.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("get block number: %w", err)
	}

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := d.backend.TransactionReceipt(ctx, hash)
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}

		head, headErr := d.backend.BlockNumber(ctx)
		if headErr != nil {
			return nil, fmt.Errorf("get block number: %w", headErr)
		}

		if receipt != nil {
			mined := receipt.BlockNumber.Uint64()
			if head >= mined+d.opts.Confirmations {
				return receipt, nil
			}
			d.logger.Debug("Waiting for confirmations",
				slog.String("tx", hash.Hex()),
				slog.Uint64("confirmations", head-min(head, mined)),
				slog.Uint64("required", d.opts.Confirmations),
			)
		} else if head >= startBlock+d.opts.TimeoutBlocks {
			return nil, fmt.Errorf("%w: %d blocks", ErrTimeout, d.opts.TimeoutBlocks)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
