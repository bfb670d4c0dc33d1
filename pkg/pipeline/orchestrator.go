package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/light-sync/pkg/checkpoint"
	"github.com/flare-foundation/light-sync/pkg/config"
	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/flare-foundation/light-sync/pkg/database"
	"github.com/flare-foundation/light-sync/pkg/metrics"
	"github.com/flare-foundation/light-sync/pkg/network"
	"github.com/flare-foundation/light-sync/pkg/stages"
	"github.com/pkg/errors"
)

// Publisher is told about every commit that lands on a snapshot interval
// boundary. It must not block.
type Publisher interface {
	Publish(block uint64, cp core.Checkpoint)
}

type Option func(*Orchestrator)

// WithPublisher caps execution and commit at multiples of interval and
// hands each such block to p once committed.
func WithPublisher(p Publisher, interval uint64) Option {
	return func(o *Orchestrator) {
		o.publisher = p
		o.snapshotInterval = interval
	}
}

// WithRetryBackOff replaces the backoff used between retries of a stage.
func WithRetryBackOff(newBackOff func() backoff.BackOff) Option {
	return func(o *Orchestrator) {
		o.newRetryBackOff = newBackOff
	}
}

// Orchestrator drives the stages in pipeline order until the chain head is
// reached, then polls for new blocks.
type Orchestrator struct {
	stages [core.NumStages]stages.Stage
	store  *checkpoint.Store
	db     *database.DB
	client network.Client
	env    *stages.Env

	maxBlocksPerRound     uint64
	reorgDepth            uint64
	retryAttempts         uint64
	pollInterval          time.Duration
	endBlock              uint64
	backoffMaxElapsedTime time.Duration

	publisher        Publisher
	snapshotInterval uint64
	newRetryBackOff  func() backoff.BackOff
}

func New(
	cfg *config.BaseConfig,
	store *checkpoint.Store,
	db *database.DB,
	client network.Client,
	stageList []stages.Stage,
	opts ...Option,
) (*Orchestrator, error) {
	if len(stageList) != core.NumStages {
		return nil, core.Errorf(core.KindConfiguration, "pipeline needs %d stages, got %d", core.NumStages, len(stageList))
	}

	o := &Orchestrator{
		store:                 store,
		db:                    db,
		client:                client,
		env:                   stages.NewEnv(cfg.Network.MaxInflightRequests),
		maxBlocksPerRound:     cfg.Pipeline.MaxBlocksPerRound,
		reorgDepth:            cfg.Pipeline.ReorgDepth,
		retryAttempts:         cfg.Pipeline.RetryAttempts,
		pollInterval:          cfg.Pipeline.PollInterval(),
		endBlock:              cfg.Pipeline.EndBlock,
		backoffMaxElapsedTime: cfg.Timeout.BackoffMaxElapsedTime(),
		newRetryBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}

	for i, stage := range stageList {
		if stage.ID() != core.PipelineOrder[i] {
			return nil, core.Errorf(core.KindConfiguration, "stage %d is %s, expected %s", i, stage.ID(), core.PipelineOrder[i])
		}

		o.stages[i] = stage
	}

	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

// IsFatal reports whether err must stop the process rather than be retried.
func IsFatal(err error) bool {
	return core.IsKind(err, core.KindStorage) ||
		core.IsKind(err, core.KindConfiguration) ||
		errors.Is(err, checkpoint.ErrNonMonotonic) ||
		errors.Is(err, checkpoint.ErrOrder)
}

// Run syncs to the head and keeps following the chain until ctx is done or
// the configured end block is committed. Transient failures of a sync pass
// are retried with backoff; only fatal errors and exhausted retries are
// returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		err := backoff.RetryNotify(
			func() error {
				err := o.SyncToHead(ctx)
				if err != nil && (ctx.Err() != nil || IsFatal(err)) {
					return backoff.Permanent(err)
				}

				return err
			},
			backoff.WithContext(o.newBackoff(), ctx),
			func(err error, d time.Duration) {
				logger.Errorf("sync error: %v. Will retry after %v", err, d)
			},
		)
		if ctx.Err() != nil {
			logger.Info("sync stopped")
			return nil
		}

		if err != nil {
			return errors.Wrap(err, "fatal error in pipeline")
		}

		if o.reachedEnd() {
			logger.Infof("committed end block %d", o.endBlock)
			return nil
		}

		if err := o.waitForNewHead(ctx, ticker); err != nil {
			logger.Info("sync stopped")
			return nil
		}
	}
}

func (o *Orchestrator) newBackoff() backoff.BackOff {
	return backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(o.backoffMaxElapsedTime))
}

// waitForNewHead polls the network until its head is above the headers
// checkpoint.
func (o *Orchestrator) waitForNewHead(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		head, err := o.client.CurrentHead(ctx)
		if err != nil {
			logger.Warnf("polling chain head: %v", err)
			continue
		}

		metrics.ChainHead.Set(float64(head))

		if o.capHead(head) > o.store.Get(core.Headers) {
			logger.Debugf("new chain head %d", head)
			return nil
		}
	}
}

// SyncToHead runs rounds until one makes no progress.
func (o *Orchestrator) SyncToHead(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		progressed, err := o.RunRound(ctx)
		if err != nil {
			return err
		}

		if !progressed || o.reachedEnd() {
			return nil
		}
	}
}

func (o *Orchestrator) reachedEnd() bool {
	return o.endBlock != 0 && o.store.Get(core.Commit) >= o.endBlock
}

func (o *Orchestrator) capHead(head uint64) uint64 {
	if o.endBlock != 0 && head > o.endBlock {
		return o.endBlock
	}

	return head
}

// RunRound runs every stage once, in pipeline order. It reports whether the
// round changed anything, an unwind included.
func (o *Orchestrator) RunRound(ctx context.Context) (bool, error) {
	head, err := o.client.CurrentHead(ctx)
	if err != nil {
		return false, err
	}

	metrics.ChainHead.Set(float64(head))
	head = o.capHead(head)
	o.env.SetHead(head)

	progressed := false

	for _, stage := range o.stages {
		id := stage.ID()
		cp := o.store.Snapshot()

		rng, ok := o.stageRange(id, cp, head)
		if !ok {
			continue
		}

		o.env.SetCheckpoint(cp)

		out, err := o.executeStage(ctx, stage, rng)
		if err != nil {
			return progressed, err
		}

		switch out.Kind {
		case stages.Progressed:
			if err := o.store.Set(ctx, id, out.Checkpoint); err != nil {
				return progressed, err
			}

			metrics.StageCheckpoint.WithLabelValues(id.String()).Set(float64(out.Checkpoint))
			progressed = progressed || out.Checkpoint > cp[id]

			if id == core.Commit {
				o.maybePublish(out.Checkpoint)
			}

		case stages.Stalled:
			logger.Debugf("stage %s %s", id, out)
			return progressed, nil

		case stages.Failed:
			if IsFatal(out.Err) {
				return progressed, errors.Wrapf(out.Err, "stage %s", id)
			}

			bad := out.Block
			if bad == 0 {
				bad = rng.Start
			}

			logger.Warnf("stage %s rejected block %d: %v", id, bad, out.Err)

			if err := o.Unwind(ctx, saturatingSub(bad, o.reorgDepth)); err != nil {
				return progressed, err
			}

			return true, nil
		}
	}

	return progressed, nil
}

// stageRange is the range stage id may process in this round.
func (o *Orchestrator) stageRange(id core.StageID, cp core.Checkpoint, head uint64) (core.BlockRange, bool) {
	start := cp[id] + 1

	end := head
	if id > core.Headers && cp[id-1] < end {
		end = cp[id-1]
	}

	if limit := cp[id] + o.maxBlocksPerRound; limit < end {
		end = limit
	}

	if o.snapshotInterval > 0 && (id == core.Execution || id == core.Commit) {
		if boundary := (cp[id]/o.snapshotInterval + 1) * o.snapshotInterval; boundary < end {
			end = boundary
		}
	}

	if start > end {
		return core.BlockRange{}, false
	}

	return core.BlockRange{Start: start, End: end}, true
}

// executeStage runs stage over rng, retrying retryable failures. A failure
// that is still retryable after the last attempt is returned as an error.
func (o *Orchestrator) executeStage(ctx context.Context, stage stages.Stage, rng core.BlockRange) (stages.Outcome, error) {
	id := stage.ID()
	var out stages.Outcome

	err := backoff.RetryNotify(
		func() error {
			start := time.Now()
			out = stage.Execute(ctx, rng, o.env)
			metrics.StageDuration.WithLabelValues(id.String()).Observe(time.Since(start).Seconds())

			if err := ctx.Err(); err != nil {
				return backoff.Permanent(err)
			}

			if out.Kind != stages.Failed || !out.Retryable {
				return nil
			}

			if IsFatal(out.Err) {
				return backoff.Permanent(out.Err)
			}

			return out.Err
		},
		backoff.WithContext(backoff.WithMaxRetries(o.newRetryBackOff(), o.retryAttempts-1), ctx),
		func(err error, d time.Duration) {
			metrics.StageRetries.WithLabelValues(id.String()).Inc()
			logger.Warnf("stage %s %s failed: %v. Will retry after %v", id, rng, err, d)
		},
	)
	if err != nil {
		if out.Kind == stages.Failed && out.Fork && ctx.Err() == nil && !IsFatal(out.Err) {
			logger.Warnf("stage %s %s still failing after %d attempts, treating as a fork", id, rng, o.retryAttempts)
			out.Retryable = false
			return out, nil
		}

		return out, errors.Wrapf(err, "stage %s %s", id, rng)
	}

	return out, nil
}

// Unwind rolls every stage back to to, in reverse pipeline order. The target
// is raised to the history floor if it lies below it.
func (o *Orchestrator) Unwind(ctx context.Context, to uint64) error {
	floor, err := o.db.HistoryFloor()
	if err != nil {
		return core.StorageError(err)
	}

	if to < floor {
		to = floor
	}

	logger.Warnf("unwinding all stages to block %d", to)

	for _, id := range core.UnwindOrder {
		// Stage output may run ahead of its checkpoint after a crash, so
		// every stage unwinds regardless of its checkpoint.
		if err := o.stages[id].Unwind(ctx, to, o.env); err != nil {
			return core.StorageError(errors.Wrapf(err, "unwinding %s to %d", id, to))
		}

		if err := o.store.Unwind(ctx, id, to); err != nil {
			return err
		}

		metrics.StageCheckpoint.WithLabelValues(id.String()).Set(float64(o.store.Get(id)))
	}

	metrics.Unwinds.Inc()

	return nil
}

func (o *Orchestrator) maybePublish(block uint64) {
	if o.publisher == nil || o.snapshotInterval == 0 || block%o.snapshotInterval != 0 {
		return
	}

	o.publisher.Publish(block, o.store.Snapshot())
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}

	return a - b
}
