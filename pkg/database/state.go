package database

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
)

// ErrBelowHistoryFloor is returned when execution would be unwound past the
// oldest retained change set.
var ErrBelowHistoryFloor = errors.New("unwind target below history floor")

// StateReader is a read-only view of the plain state.
type StateReader interface {
	Account(addr common.Address) (*Account, error)
	StorageAt(addr common.Address, key common.Hash) (common.Hash, error)
	Code(hash common.Hash) ([]byte, error)
}

func accountKey(addr common.Address) []byte {
	return append([]byte{accountPrefix}, addr.Bytes()...)
}

func storageKey(addr common.Address, key common.Hash) []byte {
	k := make([]byte, 0, 1+common.AddressLength+common.HashLength)
	k = append(k, storagePrefix)
	k = append(k, addr.Bytes()...)

	return append(k, key.Bytes()...)
}

func codeKey(hash common.Hash) []byte {
	return append([]byte{codePrefix}, hash.Bytes()...)
}

// Account returns nil when the account does not exist.
func (r reader) Account(addr common.Address) (*Account, error) {
	enc, err := r.get(accountKey(addr))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	acc := new(Account)
	if err := rlp.DecodeBytes(enc, acc); err != nil {
		return nil, errors.Wrapf(err, "decoding account %s", addr)
	}

	return acc, nil
}

func (r reader) StorageAt(addr common.Address, key common.Hash) (common.Hash, error) {
	val, err := r.get(storageKey(addr, key))
	if errors.Is(err, ErrNotFound) {
		return common.Hash{}, nil
	}

	return common.BytesToHash(val), err
}

func (r reader) Code(hash common.Hash) ([]byte, error) {
	val, err := r.get(codeKey(hash))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}

	return val, err
}

func putAccount(batch *leveldb.Batch, addr common.Address, acc *Account) error {
	if acc == nil {
		batch.Delete(accountKey(addr))
		return nil
	}

	enc, err := rlp.EncodeToBytes(acc)
	if err != nil {
		return errors.Wrapf(err, "encoding account %s", addr)
	}

	batch.Put(accountKey(addr), enc)

	return nil
}

func putStorage(batch *leveldb.Batch, addr common.Address, key, val common.Hash) {
	if val == (common.Hash{}) {
		batch.Delete(storageKey(addr, key))
		return
	}

	batch.Put(storageKey(addr, key), val.Bytes())
}

// CommitExecution applies the diffs of consecutive blocks, stores their
// change sets and moves the execution head to head, all in one synced batch.
func (db *DB) CommitExecution(diffs []BlockDiff, head uint64) error {
	batch := new(leveldb.Batch)

	for _, bd := range diffs {
		for _, ch := range bd.Diff.Accounts {
			if err := putAccount(batch, ch.Address, ch.Next); err != nil {
				return err
			}
		}

		for _, ch := range bd.Diff.Storage {
			putStorage(batch, ch.Address, ch.Key, ch.Next)
		}

		for _, code := range bd.Diff.Codes {
			batch.Put(codeKey(crypto.Keccak256Hash(code)), code)
		}

		enc, err := rlp.EncodeToBytes(&changeSet{Accounts: bd.Diff.Accounts, Storage: bd.Diff.Storage})
		if err != nil {
			return errors.Wrapf(err, "encoding change set %d", bd.Number)
		}

		batch.Put(numKey(changeSetPrefix, bd.Number), enc)
	}

	batch.Put(executionHeadKey, encodeUint64(head))

	return errors.Wrap(db.ldb.Write(batch, syncWrite), "committing execution")
}

// RevertExecution restores the state as of block to by replaying change sets
// backwards. Code blobs are content addressed and kept.
func (db *DB) RevertExecution(to uint64) error {
	head, err := db.ExecutionHead()
	if err != nil {
		return err
	}

	if to >= head {
		return nil
	}

	floor, err := db.HistoryFloor()
	if err != nil {
		return err
	}

	if to < floor {
		return errors.Wrapf(ErrBelowHistoryFloor, "unwinding execution to %d, floor is %d", to, floor)
	}

	batch := new(leveldb.Batch)

	// Later puts win within a batch, so walking down leaves the values as of
	// block to.
	for n := head; n > to; n-- {
		enc, err := db.get(numKey(changeSetPrefix, n))
		if err != nil {
			return errors.Wrapf(err, "change set %d", n)
		}

		cs := new(changeSet)
		if err := rlp.DecodeBytes(enc, cs); err != nil {
			return errors.Wrapf(err, "decoding change set %d", n)
		}

		for _, ch := range cs.Accounts {
			if err := putAccount(batch, ch.Address, ch.Prev); err != nil {
				return err
			}
		}

		for _, ch := range cs.Storage {
			putStorage(batch, ch.Address, ch.Key, ch.Prev)
		}

		batch.Delete(numKey(changeSetPrefix, n))
	}

	batch.Put(executionHeadKey, encodeUint64(to))

	return errors.Wrap(db.ldb.Write(batch, syncWrite), "reverting execution")
}

type slot struct {
	addr common.Address
	key  common.Hash
}

// Overlay buffers state changes of not yet committed blocks on top of a
// StateReader. Deleted accounts are kept as nil entries.
type Overlay struct {
	base     StateReader
	accounts map[common.Address]*Account
	storage  map[slot]common.Hash
	codes    map[common.Hash][]byte
}

func NewOverlay(base StateReader) *Overlay {
	return &Overlay{
		base:     base,
		accounts: make(map[common.Address]*Account),
		storage:  make(map[slot]common.Hash),
		codes:    make(map[common.Hash][]byte),
	}
}

func (o *Overlay) Account(addr common.Address) (*Account, error) {
	if acc, ok := o.accounts[addr]; ok {
		return acc.Copy(), nil
	}

	return o.base.Account(addr)
}

func (o *Overlay) StorageAt(addr common.Address, key common.Hash) (common.Hash, error) {
	if val, ok := o.storage[slot{addr, key}]; ok {
		return val, nil
	}

	return o.base.StorageAt(addr, key)
}

func (o *Overlay) Code(hash common.Hash) ([]byte, error) {
	if code, ok := o.codes[hash]; ok {
		return code, nil
	}

	return o.base.Code(hash)
}

func (o *Overlay) Apply(diff *StateDiff) {
	for _, ch := range diff.Accounts {
		o.accounts[ch.Address] = ch.Next.Copy()
	}

	for _, ch := range diff.Storage {
		o.storage[slot{ch.Address, ch.Key}] = ch.Next
	}

	for _, code := range diff.Codes {
		o.codes[crypto.Keccak256Hash(code)] = code
	}
}
