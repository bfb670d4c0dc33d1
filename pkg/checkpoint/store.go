package checkpoint

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/pkg/errors"
)

var (
	// ErrNonMonotonic is returned when Set would move a stage backwards.
	ErrNonMonotonic = errors.New("checkpoint must not decrease outside of unwind")
	// ErrOrder is returned when a stage would overtake the stage before it.
	ErrOrder = errors.New("checkpoint must not exceed the previous stage")
)

// Backend durably persists per-stage checkpoints. Save must not return
// before the value survives a crash.
type Backend interface {
	Load(ctx context.Context) (core.Checkpoint, error)
	Save(ctx context.Context, stage core.StageID, n uint64) error
	Close() error
}

// Store is the single source of truth for stage progress. Writes are
// serialized; reads see a consistent copy without blocking.
type Store struct {
	backend Backend

	mu      sync.Mutex
	current atomic.Pointer[core.Checkpoint]
}

func Open(ctx context.Context, backend Backend) (*Store, error) {
	cp, err := backend.Load(ctx)
	if err != nil {
		return nil, core.StorageError(errors.Wrap(err, "loading checkpoints"))
	}

	if !cp.Ordered() {
		return nil, core.Errorf(core.KindStorage, "persisted checkpoints are out of order: %s", cp)
	}

	s := &Store{backend: backend}
	s.current.Store(&cp)

	return s, nil
}

func (s *Store) Get(stage core.StageID) uint64 {
	return s.current.Load()[stage]
}

// Snapshot returns a copy of all checkpoints.
func (s *Store) Snapshot() core.Checkpoint {
	return *s.current.Load()
}

// Set advances a stage. The value must not go below the current value and
// must not exceed the checkpoint of the previous stage.
func (s *Store) Set(ctx context.Context, stage core.StageID, n uint64) error {
	if !stage.Valid() {
		return errors.Errorf("unknown stage %d", stage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *s.current.Load()
	if n < cp[stage] {
		return errors.Wrapf(ErrNonMonotonic, "%s: %d -> %d", stage, cp[stage], n)
	}

	if stage > core.Headers && n > cp[stage-1] {
		return errors.Wrapf(ErrOrder, "%s=%d, %s=%d", stage, n, stage-1, cp[stage-1])
	}

	if n == cp[stage] {
		return nil
	}

	return s.persist(ctx, cp, stage, n)
}

// Unwind lowers a stage to n. Stages after it must already be at or below n,
// which holds when unwinding in reverse pipeline order.
func (s *Store) Unwind(ctx context.Context, stage core.StageID, n uint64) error {
	if !stage.Valid() {
		return errors.Errorf("unknown stage %d", stage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *s.current.Load()
	if n >= cp[stage] {
		return nil
	}

	for later := stage + 1; later.Valid(); later++ {
		if cp[later] > n {
			return errors.Wrapf(ErrOrder, "unwinding %s to %d while %s=%d", stage, n, later, cp[later])
		}
	}

	return s.persist(ctx, cp, stage, n)
}

func (s *Store) persist(ctx context.Context, cp core.Checkpoint, stage core.StageID, n uint64) error {
	if err := s.backend.Save(ctx, stage, n); err != nil {
		return core.StorageError(errors.Wrapf(err, "saving %s checkpoint", stage))
	}

	cp[stage] = n
	s.current.Store(&cp)

	return nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}
