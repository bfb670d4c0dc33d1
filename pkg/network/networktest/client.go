package networktest

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/pkg/errors"
)

var ErrUnavailable = errors.New("peer unavailable")

// Client serves a generated chain. It is safe for concurrent use.
type Client struct {
	mu sync.Mutex

	chain *Chain
	next  *Chain
	head  uint64

	served          map[uint64]bool
	failHeaders     int
	corruptBodies   map[uint64]int
	brokenParents   map[uint64]int
	headerRequests  []core.BlockRange
	bodiesRequested int
}

func NewClient(chain *Chain) *Client {
	return &Client{
		chain:         chain,
		head:          chain.Tip(),
		served:        make(map[uint64]bool),
		corruptBodies: make(map[uint64]int),
		brokenParents: make(map[uint64]int),
	}
}

// SetHead limits the blocks served to those at or below head.
func (c *Client) SetHead(head uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.head = head
}

// FailHeaders makes the next n header requests fail.
func (c *Client) FailHeaders(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failHeaders = n
}

// CorruptBody serves a body of block n with a transaction dropped, times
// times.
func (c *Client) CorruptBody(n uint64, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.corruptBodies[n] = times
}

// BreakParent serves header n with a wrong parent hash, times times.
func (c *Client) BreakParent(n uint64, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.brokenParents[n] = times
}

// SwitchOnRefetch serves next instead of the current chain once headers that
// were already served are requested again.
func (c *Client) SwitchOnRefetch(next *Chain) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.next = next
}

func (c *Client) HeaderRequests() []core.BlockRange {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]core.BlockRange{}, c.headerRequests...)
}

func (c *Client) BodiesRequested() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.bodiesRequested
}

func (c *Client) GetHeaders(ctx context.Context, rng core.BlockRange) ([]*types.Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.headerRequests = append(c.headerRequests, rng)

	if c.failHeaders > 0 {
		c.failHeaders--
		return nil, core.NetworkError(ErrUnavailable)
	}

	if c.next != nil && c.served[rng.Start] {
		c.chain, c.next = c.next, nil
	}

	var headers []*types.Header
	for n := rng.Start; n <= rng.End && n <= c.head; n++ {
		h := c.chain.Header(n)
		if h == nil {
			break
		}

		if c.brokenParents[n] > 0 {
			c.brokenParents[n]--
			h.ParentHash = common.Hash{0xba, 0xd}
		}

		headers = append(headers, h)
		c.served[n] = true
	}

	return headers, nil
}

func (c *Client) GetBodies(ctx context.Context, hashes []common.Hash) ([]*types.Body, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.bodiesRequested += len(hashes)

	bodies := make([]*types.Body, 0, len(hashes))
	for _, hash := range hashes {
		n, ok := c.chain.Number(hash)
		if !ok {
			return nil, core.NetworkError(errors.Errorf("unknown block %s", hash))
		}

		body := c.chain.Body(n)
		if c.corruptBodies[n] > 0 && len(body.Transactions) > 0 {
			c.corruptBodies[n]--
			body.Transactions = body.Transactions[1:]
		}

		bodies = append(bodies, body)
	}

	return bodies, nil
}

func (c *Client) CurrentHead(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if tip := c.chain.Tip(); tip < c.head {
		return tip, nil
	}

	return c.head, nil
}
