package main

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/light-sync/pkg/config"
	"github.com/flare-foundation/light-sync/pkg/database"
	"github.com/flare-foundation/light-sync/pkg/framework"
	"github.com/flare-foundation/light-sync/pkg/stages"
	"github.com/flare-foundation/light-sync/pkg/vm"
)

// An example binary that plugs its own executor into the framework.
func main() {
	input := framework.Input{
		NewExecutor: NewExample,
	}

	if err := framework.Run(input); err != nil {
		logger.Fatal(err)
	}
}

// ExampleExecutor logs the value moved by every block before applying it
// with the transfer executor.
type ExampleExecutor struct {
	inner *vm.TransferExecutor
}

func NewExample(cfg *config.BaseConfig) (stages.Executor, error) {
	logger.Infof("example executor for chain %d", cfg.Chain.ChainID)

	return &ExampleExecutor{inner: vm.NewTransferExecutor()}, nil
}

func (e *ExampleExecutor) ExecuteBlock(
	ctx context.Context, state database.StateReader, block *types.Block, senders []common.Address,
) (*database.StateDiff, error) {
	diff, err := e.inner.ExecuteBlock(ctx, state, block, senders)
	if err != nil {
		return nil, err
	}

	logger.Debugf("block %d: %d transactions, %d accounts changed", block.NumberU64(), len(block.Transactions()), len(diff.Accounts))

	return diff, nil
}
