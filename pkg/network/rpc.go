package network

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// RPCClient fetches chain data from an Ethereum JSON-RPC endpoint.
type RPCClient struct {
	rpc            *rpc.Client
	eth            *ethclient.Client
	maxConcurrency int
}

func Dial(ctx context.Context, url string, maxConcurrency int) (*RPCClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, core.NetworkError(errors.Wrapf(err, "dialing %s", url))
	}

	logger.Debugf("connected to rpc endpoint %s", url)

	return &RPCClient{rpc: c, eth: ethclient.NewClient(c), maxConcurrency: maxConcurrency}, nil
}

func (c *RPCClient) GetHeaders(ctx context.Context, rng core.BlockRange) ([]*types.Header, error) {
	headers := make([]*types.Header, rng.Len())
	batch := make([]rpc.BatchElem, rng.Len())

	for i := range batch {
		batch[i] = rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{hexutil.EncodeUint64(rng.Start + uint64(i)), false},
			Result: &headers[i],
		}
	}

	if err := c.rpc.BatchCallContext(ctx, batch); err != nil {
		return nil, core.NetworkError(errors.Wrap(err, "eth_getBlockByNumber batch"))
	}

	for i := range batch {
		if batch[i].Error != nil {
			return nil, core.NetworkError(errors.Wrapf(batch[i].Error, "eth_getBlockByNumber %d", rng.Start+uint64(i)))
		}

		// A null result means the node has not seen this block yet.
		if headers[i] == nil {
			return headers[:i], nil
		}
	}

	return headers, nil
}

func (c *RPCClient) GetBodies(ctx context.Context, hashes []common.Hash) ([]*types.Body, error) {
	bodies := make([]*types.Body, len(hashes))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(c.maxConcurrency)

	for i := range hashes {
		i := i
		eg.Go(func() error {
			block, err := c.eth.BlockByHash(ctx, hashes[i])
			if err != nil {
				return errors.Wrapf(err, "eth_getBlockByHash %s", hashes[i])
			}

			bodies[i] = block.Body()

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, core.NetworkError(err)
	}

	return bodies, nil
}

func (c *RPCClient) CurrentHead(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, core.NetworkError(errors.Wrap(err, "eth_blockNumber"))
	}

	return n, nil
}

func (c *RPCClient) Close() {
	c.rpc.Close()
}
