package database

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout. Block numbers are big-endian so that iteration follows
// block order.
const (
	headerPrefix    byte = 'h' // h | num -> rlp(header)
	canonicalPrefix byte = 'n' // n | num -> hash
	bodyPrefix      byte = 'b' // b | num -> rlp(body)
	accountPrefix   byte = 'a' // a | address -> rlp(account)
	storagePrefix   byte = 's' // s | address | slot -> value
	codePrefix      byte = 'c' // c | code hash -> code
	changeSetPrefix byte = 'd' // d | num -> rlp(changeSet)
)

var (
	executionHeadKey = []byte("m.execution-head")
	canonicalHeadKey = []byte("m.canonical-head")
	historyFloorKey  = []byte("m.history-floor")

	ErrNotFound = errors.New("not found")

	syncWrite = &opt.WriteOptions{Sync: true}
)

const defaultHeaderCacheSize = 1024

// DB is the chain database: canonical headers and bodies, the plain state
// and per-block change sets used to unwind execution.
type DB struct {
	reader

	ldb     *leveldb.DB
	headers *lru.Cache
}

func Open(path string, headerCacheSize int) (*DB, error) {
	ldb, err := leveldb.OpenFile(path, &opt.Options{
		Filter: filter.NewBloomFilter(10),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening chain db at %s", path)
	}

	logger.Debugf("opened chain db at %s", path)

	return newDB(ldb, headerCacheSize)
}

func NewWithStorage(stor storage.Storage, headerCacheSize int) (*DB, error) {
	ldb, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, err
	}

	return newDB(ldb, headerCacheSize)
}

func newDB(ldb *leveldb.DB, headerCacheSize int) (*DB, error) {
	if headerCacheSize <= 0 {
		headerCacheSize = defaultHeaderCacheSize
	}

	cache, err := lru.New(headerCacheSize)
	if err != nil {
		return nil, err
	}

	return &DB{reader: reader{kv: ldb}, ldb: ldb, headers: cache}, nil
}

func (db *DB) Close() error {
	return db.ldb.Close()
}

func numKey(prefix byte, n uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefix
	binary.BigEndian.PutUint64(key[1:], n)

	return key
}

func keyNum(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[1:9])
}

// fromRange covers every numbered key of prefix at or above from.
func fromRange(prefix byte, from uint64) *util.Range {
	return &util.Range{Start: numKey(prefix, from), Limit: []byte{prefix + 1}}
}

func encodeUint64(n uint64) []byte {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, n)

	return val
}

func (db *DB) Header(n uint64) (*types.Header, error) {
	if h, ok := db.headers.Get(n); ok {
		return h.(*types.Header), nil
	}

	h, err := db.reader.Header(n)
	if err != nil {
		return nil, err
	}

	db.headers.Add(n, h)

	return h, nil
}

// WriteHeaders stores headers as canonical in one synced batch.
func (db *DB) WriteHeaders(headers []*types.Header) error {
	batch := new(leveldb.Batch)

	for _, h := range headers {
		enc, err := rlp.EncodeToBytes(h)
		if err != nil {
			return errors.Wrapf(err, "encoding header %d", h.Number.Uint64())
		}

		n := h.Number.Uint64()
		batch.Put(numKey(headerPrefix, n), enc)
		batch.Put(numKey(canonicalPrefix, n), h.Hash().Bytes())
	}

	if err := db.ldb.Write(batch, syncWrite); err != nil {
		return errors.Wrap(err, "writing headers")
	}

	for _, h := range headers {
		db.headers.Add(h.Number.Uint64(), h)
	}

	return nil
}

// DeleteHeadersAbove removes headers and canonical hashes of blocks after n.
func (db *DB) DeleteHeadersAbove(n uint64) error {
	deleted, err := db.deleteFrom(n+1, headerPrefix, canonicalPrefix)
	if err != nil {
		return errors.Wrap(err, "deleting headers")
	}

	for _, num := range deleted {
		db.headers.Remove(num)
	}

	return nil
}

// WriteBodies stores bodies for consecutive blocks starting at start.
func (db *DB) WriteBodies(start uint64, bodies []*types.Body) error {
	batch := new(leveldb.Batch)

	for i, body := range bodies {
		enc, err := rlp.EncodeToBytes(body)
		if err != nil {
			return errors.Wrapf(err, "encoding body %d", start+uint64(i))
		}

		batch.Put(numKey(bodyPrefix, start+uint64(i)), enc)
	}

	return errors.Wrap(db.ldb.Write(batch, syncWrite), "writing bodies")
}

func (db *DB) DeleteBodiesAbove(n uint64) error {
	_, err := db.deleteFrom(n+1, bodyPrefix)
	return errors.Wrap(err, "deleting bodies")
}

// deleteFrom removes every numbered key of the given prefixes at or above
// from, in one synced batch. The numbers found under the first prefix are
// returned.
func (db *DB) deleteFrom(from uint64, prefixes ...byte) ([]uint64, error) {
	batch := new(leveldb.Batch)
	var deleted []uint64

	for i, prefix := range prefixes {
		it := db.ldb.NewIterator(fromRange(prefix, from), nil)
		for it.Next() {
			batch.Delete(append([]byte{}, it.Key()...))
			if i == 0 {
				deleted = append(deleted, keyNum(it.Key()))
			}
		}
		it.Release()

		if err := it.Error(); err != nil {
			return nil, err
		}
	}

	if batch.Len() == 0 {
		return nil, nil
	}

	return deleted, db.ldb.Write(batch, syncWrite)
}

func (db *DB) SetCanonicalHead(n uint64) error {
	return errors.Wrap(db.ldb.Put(canonicalHeadKey, encodeUint64(n), syncWrite), "writing canonical head")
}

// reader serves reads from either the live database or a snapshot of it.
type reader struct {
	kv kvReader
}

type kvReader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

func (r reader) get(key []byte) ([]byte, error) {
	val, err := r.kv.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}

	return val, err
}

func (r reader) Header(n uint64) (*types.Header, error) {
	enc, err := r.get(numKey(headerPrefix, n))
	if err != nil {
		return nil, errors.Wrapf(err, "header %d", n)
	}

	h := new(types.Header)
	if err := rlp.DecodeBytes(enc, h); err != nil {
		return nil, errors.Wrapf(err, "decoding header %d", n)
	}

	return h, nil
}

func (r reader) CanonicalHash(n uint64) (common.Hash, error) {
	val, err := r.get(numKey(canonicalPrefix, n))
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "canonical hash %d", n)
	}

	return common.BytesToHash(val), nil
}

func (r reader) Body(n uint64) (*types.Body, error) {
	enc, err := r.get(numKey(bodyPrefix, n))
	if err != nil {
		return nil, errors.Wrapf(err, "body %d", n)
	}

	body := new(types.Body)
	if err := rlp.DecodeBytes(enc, body); err != nil {
		return nil, errors.Wrapf(err, "decoding body %d", n)
	}

	return body, nil
}

func (r reader) meta(key []byte) (uint64, error) {
	val, err := r.get(key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if len(val) != 8 {
		return 0, errors.Errorf("corrupt meta value %s", key)
	}

	return binary.BigEndian.Uint64(val), nil
}

// ExecutionHead is the last block whose state diff has been applied.
func (r reader) ExecutionHead() (uint64, error) {
	return r.meta(executionHeadKey)
}

func (r reader) CanonicalHead() (uint64, error) {
	return r.meta(canonicalHeadKey)
}

// HistoryFloor is the lowest block execution can be unwound to.
func (r reader) HistoryFloor() (uint64, error) {
	return r.meta(historyFloorKey)
}
