package stages

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/flare-foundation/light-sync/pkg/database"
	"golang.org/x/sync/semaphore"
)

// Stage is one phase of the sync pipeline.
type Stage interface {
	ID() core.StageID
	// Execute processes at most rng. Output is persisted before a
	// Progressed outcome is returned, and running Execute again over blocks
	// it already completed leaves the database unchanged.
	Execute(ctx context.Context, rng core.BlockRange, env *Env) Outcome
	// Unwind removes the output of every block above to.
	Unwind(ctx context.Context, to uint64, env *Env) error
}

// Executor applies one block to a state view.
type Executor interface {
	ExecuteBlock(
		ctx context.Context, state database.StateReader, block *types.Block, senders []common.Address,
	) (*database.StateDiff, error)
}

// Env is the state shared by all stages of a pipeline.
type Env struct {
	head       atomic.Uint64
	inflight   *semaphore.Weighted
	checkpoint atomic.Pointer[core.Checkpoint]
}

func NewEnv(maxInflightRequests int) *Env {
	env := &Env{inflight: semaphore.NewWeighted(int64(maxInflightRequests))}
	env.checkpoint.Store(new(core.Checkpoint))

	return env
}

// Head is the last known chain head.
func (e *Env) Head() uint64 {
	return e.head.Load()
}

func (e *Env) SetHead(n uint64) {
	e.head.Store(n)
}

// Checkpoint is the checkpoint as of the start of the current stage run.
func (e *Env) Checkpoint() core.Checkpoint {
	return *e.checkpoint.Load()
}

func (e *Env) SetCheckpoint(cp core.Checkpoint) {
	e.checkpoint.Store(&cp)
}

// AcquireRequest blocks until a network request may be issued.
func (e *Env) AcquireRequest(ctx context.Context) error {
	return e.inflight.Acquire(ctx, 1)
}

func (e *Env) ReleaseRequest() {
	e.inflight.Release(1)
}

type OutcomeKind uint8

const (
	Progressed OutcomeKind = iota
	Stalled
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Progressed:
		return "progressed"
	case Stalled:
		return "stalled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(k))
	}
}

// Outcome is the result of one Execute call.
type Outcome struct {
	Kind OutcomeKind

	// Progressed: the new checkpoint of the stage.
	Checkpoint uint64
	// Stalled: why no work was done.
	Reason string
	// Failed: the error, whether the same range is worth retrying and, if
	// known, the first bad block.
	Err       error
	Retryable bool
	Block     uint64
	// Fork marks a retryable failure that, when it persists, means the
	// network chain forked below Block.
	Fork bool
}

func Progress(n uint64) Outcome {
	return Outcome{Kind: Progressed, Checkpoint: n}
}

func Stall(reason string) Outcome {
	return Outcome{Kind: Stalled, Reason: reason}
}

func Retry(err error, block uint64) Outcome {
	return Outcome{Kind: Failed, Err: err, Retryable: true, Block: block}
}

// RetryFork is a retryable failure that is escalated to an unwind below block
// once retries are exhausted.
func RetryFork(err error, block uint64) Outcome {
	return Outcome{Kind: Failed, Err: err, Retryable: true, Block: block, Fork: true}
}

func Fail(err error, block uint64) Outcome {
	return Outcome{Kind: Failed, Err: err, Block: block}
}

func (o Outcome) String() string {
	switch o.Kind {
	case Progressed:
		return fmt.Sprintf("progressed to %d", o.Checkpoint)
	case Stalled:
		return fmt.Sprintf("stalled: %s", o.Reason)
	default:
		return fmt.Sprintf("failed at block %d (retryable=%t): %v", o.Block, o.Retryable, o.Err)
	}
}
