package checkpoint

import (
	"context"
	"encoding/binary"

	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

var keyPrefix = []byte("checkpoint/")

// LevelDB keeps checkpoints in a dedicated goleveldb instance. Every write is
// synced to disk.
type LevelDB struct {
	db *leveldb.DB
}

func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening checkpoint db at %s", path)
	}

	return &LevelDB{db: db}, nil
}

// NewLevelDBWithStorage opens the backend on an arbitrary goleveldb storage,
// mostly useful with storage.NewMemStorage in tests.
func NewLevelDBWithStorage(stor storage.Storage) (*LevelDB, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, err
	}

	return &LevelDB{db: db}, nil
}

func stageKey(stage core.StageID) []byte {
	return append(append([]byte{}, keyPrefix...), byte(stage))
}

func (l *LevelDB) Load(_ context.Context) (core.Checkpoint, error) {
	var cp core.Checkpoint

	for _, stage := range core.PipelineOrder {
		val, err := l.db.Get(stageKey(stage), nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		}
		if err != nil {
			return cp, err
		}

		if len(val) != 8 {
			return cp, errors.Errorf("corrupt checkpoint for %s: %d bytes", stage, len(val))
		}

		cp[stage] = binary.BigEndian.Uint64(val)
	}

	return cp, nil
}

func (l *LevelDB) Save(_ context.Context, stage core.StageID, n uint64) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, n)

	return l.db.Put(stageKey(stage), val, &opt.WriteOptions{Sync: true})
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
