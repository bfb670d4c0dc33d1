package network

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flare-foundation/light-sync/pkg/core"
)

// Client supplies raw chain data. Errors returned by a Client are always
// worth retrying.
type Client interface {
	// GetHeaders returns the headers of rng in order. The result may be
	// shorter than the range when the peer does not have the later blocks
	// yet; it is empty when it has none of them.
	GetHeaders(ctx context.Context, rng core.BlockRange) ([]*types.Header, error)
	// GetBodies returns one body per hash, in the order of hashes.
	GetBodies(ctx context.Context, hashes []common.Hash) ([]*types.Body, error)
	CurrentHead(ctx context.Context) (uint64, error)
}
