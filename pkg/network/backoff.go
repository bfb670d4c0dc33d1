package network

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/pkg/errors"
)

type clientWithBackoff struct {
	client         Client
	maxElapsedTime time.Duration
	requestTimeout time.Duration
}

// WithBackoff wraps every call of client with a per-request timeout and
// exponential backoff bounded by maxElapsedTime.
func WithBackoff(client Client, maxElapsedTime, requestTimeout time.Duration) Client {
	return &clientWithBackoff{
		client:         client,
		maxElapsedTime: maxElapsedTime,
		requestTimeout: requestTimeout,
	}
}

func (cwb *clientWithBackoff) GetHeaders(ctx context.Context, rng core.BlockRange) ([]*types.Header, error) {
	var headers []*types.Header

	err := backoff.RetryNotify(
		func() (err error) {
			ctx, cancel := context.WithTimeout(ctx, cwb.requestTimeout)
			defer cancel()

			headers, err = cwb.client.GetHeaders(ctx, rng)
			return err
		},
		cwb.newBackoff(ctx),
		func(err error, d time.Duration) {
			logger.Errorf("GetHeaders %s error: %v. Will retry after %v", rng, err, d)
		},
	)
	if err != nil {
		return nil, core.NetworkError(errors.Wrap(err, "GetHeaders failed"))
	}

	return headers, nil
}

func (cwb *clientWithBackoff) GetBodies(ctx context.Context, hashes []common.Hash) ([]*types.Body, error) {
	var bodies []*types.Body

	err := backoff.RetryNotify(
		func() (err error) {
			ctx, cancel := context.WithTimeout(ctx, cwb.requestTimeout)
			defer cancel()

			bodies, err = cwb.client.GetBodies(ctx, hashes)
			return err
		},
		cwb.newBackoff(ctx),
		func(err error, d time.Duration) {
			logger.Errorf("GetBodies error: %v. Will retry after %v", err, d)
		},
	)
	if err != nil {
		return nil, core.NetworkError(errors.Wrap(err, "GetBodies failed"))
	}

	return bodies, nil
}

func (cwb *clientWithBackoff) CurrentHead(ctx context.Context) (uint64, error) {
	var head uint64

	err := backoff.RetryNotify(
		func() (err error) {
			ctx, cancel := context.WithTimeout(ctx, cwb.requestTimeout)
			defer cancel()

			head, err = cwb.client.CurrentHead(ctx)
			return err
		},
		cwb.newBackoff(ctx),
		func(err error, d time.Duration) {
			logger.Errorf("CurrentHead error: %v. Will retry after %v", err, d)
		},
	)
	if err != nil {
		return 0, core.NetworkError(errors.Wrap(err, "CurrentHead failed"))
	}

	return head, nil
}

func (cwb *clientWithBackoff) newBackoff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(cwb.maxElapsedTime),
	), ctx)
}
