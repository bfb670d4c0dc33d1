package database

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type DumpAccount struct {
	Address common.Address
	Account Account
}

type DumpStorage struct {
	Address common.Address
	Key     common.Hash
	Value   common.Hash
}

// StateDump is the complete plain state as of Head.
type StateDump struct {
	Head     *types.Header
	Accounts []DumpAccount
	Storage  []DumpStorage
	Codes    [][]byte
}

// View is a consistent read-only view of the database. It must be released.
type View struct {
	reader

	snap *leveldb.Snapshot
}

func (db *DB) NewView() (*View, error) {
	snap, err := db.ldb.GetSnapshot()
	if err != nil {
		return nil, errors.Wrap(err, "acquiring db snapshot")
	}

	return &View{reader: reader{kv: snap}, snap: snap}, nil
}

func (v *View) Release() {
	v.snap.Release()
}

// Dump collects the state as of the execution head of the view.
func (v *View) Dump() (*StateDump, error) {
	head, err := v.ExecutionHead()
	if err != nil {
		return nil, err
	}

	header, err := v.Header(head)
	if err != nil {
		return nil, err
	}

	dump := &StateDump{Head: header}

	err = v.iterate(accountPrefix, func(key, val []byte) error {
		var acc Account
		if err := rlp.DecodeBytes(val, &acc); err != nil {
			return err
		}

		dump.Accounts = append(dump.Accounts, DumpAccount{
			Address: common.BytesToAddress(key[1:]),
			Account: acc,
		})

		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "dumping accounts")
	}

	err = v.iterate(storagePrefix, func(key, val []byte) error {
		dump.Storage = append(dump.Storage, DumpStorage{
			Address: common.BytesToAddress(key[1 : 1+common.AddressLength]),
			Key:     common.BytesToHash(key[1+common.AddressLength:]),
			Value:   common.BytesToHash(val),
		})

		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "dumping storage")
	}

	err = v.iterate(codePrefix, func(_, val []byte) error {
		dump.Codes = append(dump.Codes, append([]byte{}, val...))
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "dumping code")
	}

	return dump, nil
}

func (v *View) iterate(prefix byte, fn func(key, val []byte) error) error {
	it := v.snap.NewIterator(util.BytesPrefix([]byte{prefix}), nil)
	defer it.Release()

	for it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}

	return it.Error()
}

// ApplySnapshot replaces the plain state with dump in one synced batch. The
// dump head becomes the execution head, canonical head and history floor.
// Headers and bodies above the dump head are left in place.
func (db *DB) ApplySnapshot(dump *StateDump) error {
	if dump.Head == nil {
		return errors.New("state dump without head header")
	}

	batch := new(leveldb.Batch)

	for _, prefix := range []byte{accountPrefix, storagePrefix, changeSetPrefix} {
		it := db.ldb.NewIterator(util.BytesPrefix([]byte{prefix}), nil)
		for it.Next() {
			batch.Delete(append([]byte{}, it.Key()...))
		}
		it.Release()

		if err := it.Error(); err != nil {
			return errors.Wrap(err, "clearing state")
		}
	}

	for i := range dump.Accounts {
		if err := putAccount(batch, dump.Accounts[i].Address, &dump.Accounts[i].Account); err != nil {
			return err
		}
	}

	for _, s := range dump.Storage {
		putStorage(batch, s.Address, s.Key, s.Value)
	}

	for _, code := range dump.Codes {
		batch.Put(codeKey(crypto.Keccak256Hash(code)), code)
	}

	enc, err := rlp.EncodeToBytes(dump.Head)
	if err != nil {
		return errors.Wrap(err, "encoding head header")
	}

	head := dump.Head.Number.Uint64()
	batch.Put(numKey(headerPrefix, head), enc)
	batch.Put(numKey(canonicalPrefix, head), dump.Head.Hash().Bytes())
	batch.Put(executionHeadKey, encodeUint64(head))
	batch.Put(canonicalHeadKey, encodeUint64(head))
	batch.Put(historyFloorKey, encodeUint64(head))

	if err := db.ldb.Write(batch, syncWrite); err != nil {
		return errors.Wrap(err, "applying snapshot")
	}

	db.headers.Remove(head)

	return nil
}
