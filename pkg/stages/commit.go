package stages

import (
	"context"

	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/flare-foundation/light-sync/pkg/database"
)

// CommitStage declares executed blocks final and prunes history that can no
// longer be unwound.
type CommitStage struct {
	db            *database.DB
	pruneDistance uint64
	compact       bool
}

func NewCommitStage(db *database.DB, pruneDistance uint64, compact bool) *CommitStage {
	return &CommitStage{db: db, pruneDistance: pruneDistance, compact: compact}
}

func (s *CommitStage) ID() core.StageID { return core.Commit }

func (s *CommitStage) Execute(_ context.Context, rng core.BlockRange, _ *Env) Outcome {
	executed, err := s.db.ExecutionHead()
	if err != nil {
		return Fail(core.StorageError(err), rng.Start)
	}

	if executed < rng.End {
		return Fail(core.Errorf(core.KindStorage, "execution head %d is behind commit target %d", executed, rng.End), rng.Start)
	}

	if err := s.db.SetCanonicalHead(rng.End); err != nil {
		return Fail(core.StorageError(err), rng.Start)
	}

	if s.pruneDistance > 0 && rng.End > s.pruneDistance {
		if err := s.db.PruneHistory(rng.End-s.pruneDistance, s.compact); err != nil {
			return Fail(core.StorageError(err), rng.Start)
		}
	}

	return Progress(rng.End)
}

func (s *CommitStage) Unwind(_ context.Context, to uint64, _ *Env) error {
	head, err := s.db.CanonicalHead()
	if err != nil {
		return err
	}

	if head <= to {
		return nil
	}

	return s.db.SetCanonicalHead(to)
}
