package snapshot

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/flare-foundation/light-sync/pkg/database"
	"github.com/flare-foundation/light-sync/pkg/metrics"
	"github.com/flare-foundation/light-sync/pkg/objstore"
	"github.com/pkg/errors"
)

const uploadRetries = 3

// Publisher uploads the committed state at interval boundaries. The state is
// captured when Publish is called; encoding and upload run on the goroutine
// executing Run, one snapshot at a time.
type Publisher struct {
	db      *database.DB
	store   objstore.Store
	codec   *Codec
	chainID uint64

	busy atomic.Bool
	jobs chan *job
}

type job struct {
	view  *database.View
	block uint64
	cp    core.Checkpoint
}

func NewPublisher(db *database.DB, store objstore.Store, codec *Codec, chainID uint64) *Publisher {
	return &Publisher{
		db:      db,
		store:   store,
		codec:   codec,
		chainID: chainID,
		jobs:    make(chan *job, 1),
	}
}

// Publish captures the state at block. It is skipped if the previous snapshot
// is still being uploaded.
func (p *Publisher) Publish(block uint64, cp core.Checkpoint) {
	if !p.busy.CompareAndSwap(false, true) {
		logger.Warnf("skipping snapshot at block %d: previous upload still running", block)
		return
	}

	j, err := p.capture(block, cp)
	if err != nil {
		p.busy.Store(false)
		logger.Warnf("skipping snapshot at block %d: %v", block, err)
		return
	}

	p.jobs <- j
}

func (p *Publisher) capture(block uint64, cp core.Checkpoint) (*job, error) {
	view, err := p.db.NewView()
	if err != nil {
		return nil, err
	}

	head, err := view.ExecutionHead()
	if err != nil {
		view.Release()
		return nil, err
	}

	if head != block {
		view.Release()
		return nil, errors.Errorf("execution head is %d", head)
	}

	for id := range cp {
		if cp[id] > block {
			cp[id] = block
		}
	}

	return &job{view: view, block: block, cp: cp}, nil
}

// Run processes captured snapshots until Close is called. Uploads use ctx;
// once it is done, remaining snapshots are dropped.
func (p *Publisher) Run(ctx context.Context) {
	for j := range p.jobs {
		if ctx.Err() != nil {
			logger.Warnf("dropping snapshot at block %d: %v", j.block, ctx.Err())
		} else {
			start := time.Now()
			if err := p.upload(ctx, j); err != nil {
				logger.Errorf("publishing snapshot at block %d: %v", j.block, err)
			} else {
				metrics.SnapshotsPublished.Inc()
				logger.Infof("published snapshot at block %d in %v", j.block, time.Since(start))
			}
		}

		j.view.Release()
		p.busy.Store(false)
	}
}

// Close stops Run after the pending snapshot, if any. Publish must not be
// called afterwards.
func (p *Publisher) Close() {
	close(p.jobs)
}

// upload puts the artifact before its manifest, so every listed manifest has
// its artifact.
func (p *Publisher) upload(ctx context.Context, j *job) error {
	dump, err := j.view.Dump()
	if err != nil {
		return errors.Wrap(err, "dumping state")
	}

	data, err := p.codec.Encode(&Snapshot{
		ChainID:    p.chainID,
		Checkpoint: j.cp,
		Range:      core.BlockRange{Start: 0, End: j.block},
		State:      dump,
	})
	if err != nil {
		return err
	}

	if err := p.put(ctx, ArtifactKey(p.chainID, j.block), data); err != nil {
		return err
	}

	manifest, err := json.Marshal(&Manifest{
		ChainID:      p.chainID,
		BlockNumber:  j.block,
		ContentHash:  common.BytesToHash(data[len(data)-trailerSize:]),
		ByteSize:     uint64(len(data)),
		CodecVersion: CodecVersion,
	})
	if err != nil {
		return errors.Wrap(err, "encoding manifest")
	}

	return p.put(ctx, ManifestKey(p.chainID, j.block), manifest)
}

func (p *Publisher) put(ctx context.Context, key string, data []byte) error {
	return backoff.RetryNotify(
		func() error {
			return p.store.Put(ctx, key, data)
		},
		backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uploadRetries), ctx),
		func(err error, d time.Duration) {
			logger.Warnf("uploading %s failed: %v. Will retry after %v", key, err, d)
		},
	)
}
