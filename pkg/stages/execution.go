package stages

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/flare-foundation/light-sync/pkg/database"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type ExecutionStage struct {
	db       *database.DB
	executor Executor
	signer   types.Signer
	workers  int
}

func NewExecutionStage(db *database.DB, executor Executor, chainID uint64, workers int) *ExecutionStage {
	return &ExecutionStage{
		db:       db,
		executor: executor,
		signer:   types.LatestSignerForChainID(new(big.Int).SetUint64(chainID)),
		workers:  workers,
	}
}

func (s *ExecutionStage) ID() core.StageID { return core.Execution }

func (s *ExecutionStage) Execute(ctx context.Context, rng core.BlockRange, _ *Env) Outcome {
	executed, err := s.db.ExecutionHead()
	if err != nil {
		return Fail(core.StorageError(err), rng.Start)
	}

	// Blocks up to the execution head were committed before the checkpoint
	// could be advanced.
	start := rng.Start
	if executed >= start {
		start = executed + 1
	}

	if start > rng.End {
		return Progress(rng.End)
	}

	blocks := make([]*types.Block, 0, rng.End-start+1)
	for n := start; n <= rng.End; n++ {
		header, err := s.db.Header(n)
		if err != nil {
			return Fail(core.StorageError(err), n)
		}

		body, err := s.db.Body(n)
		if err != nil {
			return Fail(core.StorageError(err), n)
		}

		blocks = append(blocks, types.NewBlockWithHeader(header).WithBody(*body))
	}

	senders, bad, err := s.recoverSenders(ctx, blocks)
	if err != nil {
		if ctx.Err() != nil {
			return Retry(ctx.Err(), start)
		}

		return Fail(core.ValidationError(err), bad)
	}

	overlay := database.NewOverlay(s.db)
	diffs := make([]database.BlockDiff, 0, len(blocks))

	for i, block := range blocks {
		if err := ctx.Err(); err != nil {
			return Retry(err, block.NumberU64())
		}

		diff, err := s.executor.ExecuteBlock(ctx, overlay, block, senders[i])
		if err != nil {
			if ctx.Err() != nil {
				return Retry(ctx.Err(), block.NumberU64())
			}

			return Fail(core.ValidationError(errors.Wrapf(err, "executing block %d", block.NumberU64())), block.NumberU64())
		}

		overlay.Apply(diff)
		diffs = append(diffs, database.BlockDiff{Number: block.NumberU64(), Diff: diff})
	}

	if err := s.db.CommitExecution(diffs, rng.End); err != nil {
		return Fail(core.StorageError(err), start)
	}

	logger.Debugf("execution stage applied blocks %d-%d", start, rng.End)

	return Progress(rng.End)
}

// recoverSenders recovers the senders of all transactions on a bounded worker
// pool. On failure it reports the lowest block with an invalid signature.
func (s *ExecutionStage) recoverSenders(ctx context.Context, blocks []*types.Block) ([][]common.Address, uint64, error) {
	senders := make([][]common.Address, len(blocks))
	errs := make([]error, len(blocks))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.workers)

	for i := range blocks {
		i := i
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			txs := blocks[i].Transactions()
			senders[i] = make([]common.Address, len(txs))

			for j, tx := range txs {
				from, err := types.Sender(s.signer, tx)
				if err != nil {
					errs[i] = errors.Wrapf(err, "recovering sender of tx %d in block %d", j, blocks[i].NumberU64())
					return nil
				}

				senders[i][j] = from
			}

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, 0, err
	}

	for i, err := range errs {
		if err != nil {
			return nil, blocks[i].NumberU64(), err
		}
	}

	return senders, 0, nil
}

func (s *ExecutionStage) Unwind(_ context.Context, to uint64, _ *Env) error {
	return s.db.RevertExecution(to)
}
