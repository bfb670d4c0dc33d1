package snapshot

import (
	"context"

	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/light-sync/pkg/checkpoint"
	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/flare-foundation/light-sync/pkg/database"
	"github.com/flare-foundation/light-sync/pkg/metrics"
	"github.com/flare-foundation/light-sync/pkg/objstore"
	"github.com/pkg/errors"
)

// Selector decides at startup whether a remote snapshot is worth applying.
type Selector struct {
	db          *database.DB
	checkpoints *checkpoint.Store
	store       objstore.Store
	codec       *Codec
	chainID     uint64
	margin      uint64
}

func NewSelector(
	db *database.DB, checkpoints *checkpoint.Store, store objstore.Store, codec *Codec, chainID, margin uint64,
) *Selector {
	return &Selector{
		db:          db,
		checkpoints: checkpoints,
		store:       store,
		codec:       codec,
		chainID:     chainID,
		margin:      margin,
	}
}

// Bootstrap applies the best remote snapshot if it is more than the margin
// ahead of the local checkpoint and reports whether it did. Problems with the
// remote side fall back to a normal sync; only local storage errors are
// returned.
func (s *Selector) Bootstrap(ctx context.Context) (bool, error) {
	local := s.checkpoints.Snapshot().Min()

	manifest, err := BestManifest(ctx, s.store, s.chainID)
	if err != nil {
		logger.Warnf("listing snapshots failed, syncing from block %d: %v", local+1, err)
		return false, nil
	}

	if manifest == nil {
		logger.Infof("no snapshot published for chain %d", s.chainID)
		return false, nil
	}

	if manifest.BlockNumber <= local+s.margin {
		logger.Infof("best snapshot at block %d is not ahead of local block %d by more than %d", manifest.BlockNumber, local, s.margin)
		return false, nil
	}

	snap, err := s.fetch(ctx, manifest)
	if err != nil {
		if core.IsKind(err, core.KindSnapshotIntegrity) {
			metrics.SnapshotsRejected.Inc()
		}

		logger.Warnf("snapshot at block %d rejected, syncing from block %d: %v", manifest.BlockNumber, local+1, err)
		return false, nil
	}

	if err := s.conflict(snap); err != nil {
		if core.IsKind(err, core.KindStorage) {
			return false, err
		}

		metrics.SnapshotsRejected.Inc()
		logger.Warnf("snapshot at block %d conflicts with local data: %v", snap.Block(), err)
		return false, nil
	}

	if err := s.apply(ctx, snap); err != nil {
		return false, err
	}

	metrics.SnapshotsApplied.Inc()
	logger.Infof("applied snapshot at block %d, checkpoints %s", snap.Block(), s.checkpoints.Snapshot())

	return true, nil
}

func (s *Selector) fetch(ctx context.Context, m *Manifest) (*Snapshot, error) {
	if m.CodecVersion != CodecVersion {
		return nil, integrityError("unsupported codec version %d", m.CodecVersion)
	}

	data, err := s.store.Get(ctx, ArtifactKey(s.chainID, m.BlockNumber))
	if err != nil {
		return nil, err
	}

	if uint64(len(data)) != m.ByteSize {
		return nil, integrityError("artifact has %d bytes, manifest says %d", len(data), m.ByteSize)
	}

	snap, err := s.codec.Decode(data, s.chainID)
	if err != nil {
		return nil, err
	}

	if snap.ContentHash != m.ContentHash {
		return nil, integrityError("content hash %s, manifest says %s", snap.ContentHash, m.ContentHash)
	}

	if snap.Block() != m.BlockNumber {
		return nil, integrityError("artifact at block %d, manifest says %d", snap.Block(), m.BlockNumber)
	}

	return snap, nil
}

// conflict reports local data the snapshot cannot be reconciled with.
func (s *Selector) conflict(snap *Snapshot) error {
	block := snap.Block()

	executed, err := s.db.ExecutionHead()
	if err != nil {
		return core.StorageError(err)
	}

	if executed > block {
		return errors.Errorf("local state is executed up to block %d", executed)
	}

	hash, err := s.db.CanonicalHash(block)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return nil
	case err != nil:
		return core.StorageError(err)
	case hash != snap.State.Head.Hash():
		return errors.Errorf("local block %d is %s, snapshot has %s", block, hash, snap.State.Head.Hash())
	}

	return nil
}

func (s *Selector) apply(ctx context.Context, snap *Snapshot) error {
	block := snap.Block()

	if err := s.db.ApplySnapshot(snap.State); err != nil {
		return core.StorageError(err)
	}

	return raise(ctx, s.checkpoints, block)
}

// raise lifts every checkpoint below block to block, in pipeline order.
func raise(ctx context.Context, checkpoints *checkpoint.Store, block uint64) error {
	for _, id := range core.PipelineOrder {
		if checkpoints.Get(id) >= block {
			continue
		}

		if err := checkpoints.Set(ctx, id, block); err != nil {
			return err
		}
	}

	return nil
}

// Reconcile raises the checkpoints to the history floor of db when the
// database holds committed state the checkpoints never caught up with, as
// left by a crash between applying a snapshot and saving its checkpoints. It
// reports whether anything was raised.
func Reconcile(ctx context.Context, db *database.DB, checkpoints *checkpoint.Store) (bool, error) {
	floor, err := db.HistoryFloor()
	if err != nil {
		return false, core.StorageError(err)
	}

	if floor <= checkpoints.Get(core.Commit) {
		return false, nil
	}

	for _, head := range []func() (uint64, error){db.ExecutionHead, db.CanonicalHead} {
		n, err := head()
		if err != nil {
			return false, core.StorageError(err)
		}

		if n < floor {
			return false, nil
		}
	}

	logger.Warnf("checkpoints %s are behind committed block %d, raising them", checkpoints.Snapshot(), floor)

	if err := raise(ctx, checkpoints, floor); err != nil {
		return false, err
	}

	return true, nil
}
