package database

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

type Account struct {
	Nonce    uint64
	Balance  *uint256.Int
	CodeHash common.Hash
}

func NewAccount() *Account {
	return &Account{Balance: new(uint256.Int), CodeHash: types.EmptyCodeHash}
}

func (a *Account) Copy() *Account {
	if a == nil {
		return nil
	}

	cpy := *a
	cpy.Balance = new(uint256.Int).Set(a.Balance)

	return &cpy
}

func (a *Account) Equal(b *Account) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.Nonce == b.Nonce && a.Balance.Eq(b.Balance) && a.CodeHash == b.CodeHash
}

// AccountChange records an account before and after a block. A nil value
// means the account does not exist.
type AccountChange struct {
	Address common.Address
	Prev    *Account `rlp:"nil"`
	Next    *Account `rlp:"nil"`
}

// StorageChange records a slot before and after a block. The zero hash means
// the slot is empty.
type StorageChange struct {
	Address common.Address
	Key     common.Hash
	Prev    common.Hash
	Next    common.Hash
}

// StateDiff is the effect of one block on the state. Every address and slot
// appears at most once.
type StateDiff struct {
	Accounts []AccountChange
	Storage  []StorageChange
	Codes    [][]byte
}

// BlockDiff pairs a diff with the block that produced it.
type BlockDiff struct {
	Number uint64
	Diff   *StateDiff
}

// changeSet is what is kept per block to unwind execution.
type changeSet struct {
	Accounts []AccountChange
	Storage  []StorageChange
}
