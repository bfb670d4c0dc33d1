package database

import (
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Only delete up to 1000 keys in a single batch to keep write stalls short.
const deleteBatchSize = 1000

// PruneHistory drops change sets and bodies of blocks at or below floor and
// raises the history floor. Execution can no longer be unwound below floor
// afterwards.
func (db *DB) PruneHistory(floor uint64, compact bool) error {
	current, err := db.HistoryFloor()
	if err != nil {
		return err
	}

	if floor <= current {
		return nil
	}

	for _, prefix := range []byte{changeSetPrefix, bodyPrefix} {
		rng := &util.Range{Start: numKey(prefix, 0), Limit: numKey(prefix, floor+1)}

		if err := db.deleteInBatches(rng); err != nil {
			return err
		}

		if compact {
			if err := db.ldb.CompactRange(*rng); err != nil {
				return errors.Wrap(err, "compacting pruned range")
			}
		}
	}

	if err := db.ldb.Put(historyFloorKey, encodeUint64(floor), syncWrite); err != nil {
		return errors.Wrap(err, "writing history floor")
	}

	logger.Infof("pruned history up to block %d", floor)

	return nil
}

func (db *DB) deleteInBatches(rng *util.Range) error {
	for {
		batch := new(leveldb.Batch)

		it := db.ldb.NewIterator(rng, nil)
		for batch.Len() < deleteBatchSize && it.Next() {
			batch.Delete(append([]byte{}, it.Key()...))
		}
		it.Release()

		if err := it.Error(); err != nil {
			return errors.Wrap(err, "iterating pruned range")
		}

		if batch.Len() == 0 {
			return nil
		}

		if err := db.ldb.Write(batch, syncWrite); err != nil {
			return errors.Wrap(err, "failed to delete historic data in the DB")
		}
	}
}
