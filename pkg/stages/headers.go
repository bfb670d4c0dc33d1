package stages

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/flare-foundation/light-sync/pkg/database"
	"github.com/flare-foundation/light-sync/pkg/network"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type HeadersStage struct {
	db        *database.DB
	client    network.Client
	batchSize uint64
	maxFuture time.Duration
	now       func() time.Time
}

func NewHeadersStage(db *database.DB, client network.Client, batchSize uint64, maxFuture time.Duration) *HeadersStage {
	return &HeadersStage{
		db:        db,
		client:    client,
		batchSize: batchSize,
		maxFuture: maxFuture,
		now:       time.Now,
	}
}

func (s *HeadersStage) ID() core.StageID { return core.Headers }

func (s *HeadersStage) Execute(ctx context.Context, rng core.BlockRange, env *Env) Outcome {
	parent, err := s.db.Header(rng.Start - 1)
	if err != nil {
		return Fail(core.StorageError(errors.Wrap(err, "reading parent header")), rng.Start)
	}

	headers, err := s.fetch(ctx, rng, env)
	if err != nil {
		return Retry(core.NetworkError(err), rng.Start)
	}

	if len(headers) == 0 {
		return Stall("no headers available from " + rng.String())
	}

	if headers[0].ParentHash != parent.Hash() {
		// Either a bad response or a re-org below rng.Start. Only the latter
		// survives a refetch.
		return RetryFork(core.ValidationError(errors.Errorf(
			"header %d does not link to local parent %s", rng.Start, parent.Hash(),
		)), rng.Start)
	}

	if n, err := s.validate(parent, headers); err != nil {
		return Retry(core.ValidationError(err), n)
	}

	if err := s.db.WriteHeaders(headers); err != nil {
		return Fail(core.StorageError(err), rng.Start)
	}

	last := headers[len(headers)-1].Number.Uint64()
	logger.Debugf("headers stage wrote %d headers up to %d", len(headers), last)

	return Progress(last)
}

// fetch downloads the batches of rng concurrently and returns the longest
// contiguous prefix of the range that was served.
func (s *HeadersStage) fetch(ctx context.Context, rng core.BlockRange, env *Env) ([]*types.Header, error) {
	batches := rng.Split(s.batchSize)
	results := make([][]*types.Header, len(batches))

	eg, ctx := errgroup.WithContext(ctx)

	for i := range batches {
		i := i
		eg.Go(func() error {
			if err := env.AcquireRequest(ctx); err != nil {
				return err
			}
			defer env.ReleaseRequest()

			headers, err := s.client.GetHeaders(ctx, batches[i])
			if err != nil {
				return err
			}

			if uint64(len(headers)) > batches[i].Len() {
				return errors.Errorf("peer returned %d headers for %s", len(headers), batches[i])
			}

			results[i] = headers

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var headers []*types.Header
	for i, batch := range results {
		headers = append(headers, batch...)

		if uint64(len(batch)) < batches[i].Len() {
			break
		}
	}

	return headers, nil
}

// validate checks numbering, linkage and sanity of headers that follow
// parent. On failure it returns the offending block number.
func (s *HeadersStage) validate(parent *types.Header, headers []*types.Header) (uint64, error) {
	maxTime := uint64(s.now().Add(s.maxFuture).Unix())

	for _, h := range headers {
		want := parent.Number.Uint64() + 1

		if h.Number == nil || !h.Number.IsUint64() || h.Number.Uint64() != want {
			return want, errors.Errorf("expected header %d, got %v", want, h.Number)
		}

		if h.ParentHash != parent.Hash() {
			return want, errors.Errorf("header %d does not link to header %d", want, want-1)
		}

		if h.Time < parent.Time {
			return want, errors.Errorf("header %d timestamp %d before parent timestamp %d", want, h.Time, parent.Time)
		}

		if h.Time > maxTime {
			return want, errors.Errorf("header %d timestamp %d is in the future", want, h.Time)
		}

		if h.Difficulty == nil || h.Difficulty.Sign() < 0 {
			return want, errors.Errorf("header %d has invalid difficulty", want)
		}

		if h.GasUsed > h.GasLimit {
			return want, errors.Errorf("header %d gas used %d exceeds limit %d", want, h.GasUsed, h.GasLimit)
		}

		parent = h
	}

	return 0, nil
}

func (s *HeadersStage) Unwind(_ context.Context, to uint64, _ *Env) error {
	return s.db.DeleteHeadersAbove(to)
}
