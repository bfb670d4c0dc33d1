package stages

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/flare-foundation/light-sync/pkg/database"
	"github.com/flare-foundation/light-sync/pkg/network"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type BodiesStage struct {
	db        *database.DB
	client    network.Client
	batchSize int
}

func NewBodiesStage(db *database.DB, client network.Client, batchSize uint64) *BodiesStage {
	return &BodiesStage{db: db, client: client, batchSize: int(batchSize)}
}

func (s *BodiesStage) ID() core.StageID { return core.Bodies }

func (s *BodiesStage) Execute(ctx context.Context, rng core.BlockRange, env *Env) Outcome {
	headers := make([]*types.Header, 0, rng.Len())
	for n := rng.Start; n <= rng.End; n++ {
		h, err := s.db.Header(n)
		if err != nil {
			return Fail(core.StorageError(errors.Wrapf(err, "reading header %d", n)), n)
		}

		headers = append(headers, h)
	}

	bodies := make([]*types.Body, len(headers))

	var missing []int
	for i, h := range headers {
		if isEmptyBlock(h) {
			bodies[i] = emptyBody(h)
			continue
		}

		missing = append(missing, i)
	}

	if err := s.fetch(ctx, headers, missing, bodies, env); err != nil {
		return Retry(core.NetworkError(err), rng.Start)
	}

	for i, h := range headers {
		if err := validateBody(h, bodies[i]); err != nil {
			return Retry(core.ValidationError(err), h.Number.Uint64())
		}
	}

	if err := s.db.WriteBodies(rng.Start, bodies); err != nil {
		return Fail(core.StorageError(err), rng.Start)
	}

	logger.Debugf("bodies stage wrote %d bodies (%d fetched) up to %d", len(bodies), len(missing), rng.End)

	return Progress(rng.End)
}

// fetch requests the bodies of headers[missing] in concurrent batches and
// stores them at their index in bodies.
func (s *BodiesStage) fetch(
	ctx context.Context, headers []*types.Header, missing []int, bodies []*types.Body, env *Env,
) error {
	eg, ctx := errgroup.WithContext(ctx)

	for start := 0; start < len(missing); start += s.batchSize {
		end := start + s.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[start:end]

		eg.Go(func() error {
			if err := env.AcquireRequest(ctx); err != nil {
				return err
			}
			defer env.ReleaseRequest()

			hashes := make([]common.Hash, len(batch))
			for i, idx := range batch {
				hashes[i] = headers[idx].Hash()
			}

			result, err := s.client.GetBodies(ctx, hashes)
			if err != nil {
				return err
			}

			if len(result) != len(batch) {
				return errors.Errorf("requested %d bodies, got %d", len(batch), len(result))
			}

			for i, idx := range batch {
				bodies[idx] = result[i]
			}

			return nil
		})
	}

	return eg.Wait()
}

func isEmptyBlock(h *types.Header) bool {
	return h.TxHash == types.EmptyTxsHash &&
		h.UncleHash == types.EmptyUncleHash &&
		(h.WithdrawalsHash == nil || *h.WithdrawalsHash == types.EmptyWithdrawalsHash)
}

func emptyBody(h *types.Header) *types.Body {
	body := new(types.Body)
	if h.WithdrawalsHash != nil {
		body.Withdrawals = make([]*types.Withdrawal, 0)
	}

	return body
}

// validateBody checks that body is the one h commits to.
func validateBody(h *types.Header, body *types.Body) error {
	n := h.Number.Uint64()

	if body == nil {
		return errors.Errorf("missing body %d", n)
	}

	if root := types.DeriveSha(types.Transactions(body.Transactions), trie.NewStackTrie(nil)); root != h.TxHash {
		return errors.Errorf("body %d transactions root %s, header has %s", n, root, h.TxHash)
	}

	if hash := types.CalcUncleHash(body.Uncles); hash != h.UncleHash {
		return errors.Errorf("body %d uncles hash %s, header has %s", n, hash, h.UncleHash)
	}

	if h.WithdrawalsHash == nil {
		if body.Withdrawals != nil {
			return errors.Errorf("body %d has withdrawals, header has none", n)
		}

		return nil
	}

	if body.Withdrawals == nil {
		return errors.Errorf("body %d is missing withdrawals", n)
	}

	if root := types.DeriveSha(types.Withdrawals(body.Withdrawals), trie.NewStackTrie(nil)); root != *h.WithdrawalsHash {
		return errors.Errorf("body %d withdrawals root %s, header has %s", n, root, *h.WithdrawalsHash)
	}

	return nil
}

func (s *BodiesStage) Unwind(_ context.Context, to uint64, _ *Env) error {
	return s.db.DeleteBodiesAbove(to)
}
