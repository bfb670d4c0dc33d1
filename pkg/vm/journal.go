package vm

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flare-foundation/light-sync/pkg/database"
)

// journal tracks the accounts touched by one block.
type journal struct {
	state   database.StateReader
	prev    map[common.Address]*database.Account
	current map[common.Address]*database.Account
	order   []common.Address
	err     error
}

func newJournal(state database.StateReader) *journal {
	return &journal{
		state:   state,
		prev:    make(map[common.Address]*database.Account),
		current: make(map[common.Address]*database.Account),
	}
}

// account returns the mutable working copy of addr, creating an empty
// account if it does not exist. Read errors are kept and reported by the
// caller once the block is done.
func (j *journal) account(addr common.Address) *database.Account {
	if acc, ok := j.current[addr]; ok {
		return acc
	}

	prev, err := j.state.Account(addr)
	if err != nil && j.err == nil {
		j.err = err
	}

	j.prev[addr] = prev
	j.order = append(j.order, addr)

	acc := prev.Copy()
	if acc == nil {
		acc = database.NewAccount()
	}
	j.current[addr] = acc

	return acc
}

func isEmpty(acc *database.Account) bool {
	return acc.Nonce == 0 && acc.Balance.IsZero() && acc.CodeHash == types.EmptyCodeHash
}

func (j *journal) diff() *database.StateDiff {
	diff := new(database.StateDiff)

	for _, addr := range j.order {
		prev, next := j.prev[addr], j.current[addr]

		// Empty accounts that did not exist before are not created.
		if prev == nil && isEmpty(next) {
			continue
		}

		if prev.Equal(next) {
			continue
		}

		diff.Accounts = append(diff.Accounts, database.AccountChange{
			Address: addr,
			Prev:    prev,
			Next:    next.Copy(),
		})
	}

	return diff
}
