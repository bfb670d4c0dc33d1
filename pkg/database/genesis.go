package database

import (
	"encoding/json"
	"os"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
)

func ReadGenesisAlloc(path string) (types.GenesisAlloc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	alloc := make(types.GenesisAlloc)
	if err := json.Unmarshal(data, &alloc); err != nil {
		return nil, errors.Wrapf(err, "decoding genesis alloc %s", path)
	}

	return alloc, nil
}

// InitGenesis writes the genesis header and its allocation. It fails if a
// genesis header is already present.
func (db *DB) InitGenesis(header *types.Header, alloc types.GenesisAlloc) error {
	if header.Number.Sign() != 0 {
		return errors.Errorf("genesis header has number %d", header.Number)
	}

	if _, err := db.Header(0); err == nil {
		return errors.New("genesis already initialised")
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	batch := new(leveldb.Batch)

	for addr, ga := range alloc {
		acc := NewAccount()
		acc.Nonce = ga.Nonce

		if ga.Balance != nil {
			bal, overflow := uint256.FromBig(ga.Balance)
			if overflow {
				return errors.Errorf("genesis balance of %s overflows", addr)
			}
			acc.Balance = bal
		}

		if len(ga.Code) > 0 {
			acc.CodeHash = crypto.Keccak256Hash(ga.Code)
			batch.Put(codeKey(acc.CodeHash), ga.Code)
		}

		if err := putAccount(batch, addr, acc); err != nil {
			return err
		}

		for key, val := range ga.Storage {
			putStorage(batch, addr, key, val)
		}
	}

	enc, err := rlp.EncodeToBytes(header)
	if err != nil {
		return errors.Wrap(err, "encoding genesis header")
	}

	batch.Put(numKey(headerPrefix, 0), enc)
	batch.Put(numKey(canonicalPrefix, 0), header.Hash().Bytes())
	batch.Put(executionHeadKey, encodeUint64(0))
	batch.Put(canonicalHeadKey, encodeUint64(0))

	return errors.Wrap(db.ldb.Write(batch, syncWrite), "writing genesis")
}
