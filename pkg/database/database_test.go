package database

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewWithStorage(storage.NewMemStorage(), 16)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func testHeaders(from, to uint64) []*types.Header {
	var headers []*types.Header
	parent := common.Hash{}

	for n := from; n <= to; n++ {
		h := &types.Header{
			ParentHash: parent,
			Number:     new(big.Int).SetUint64(n),
			Difficulty: big.NewInt(1),
			GasLimit:   8_000_000,
			Time:       1_700_000_000 + n,
		}
		headers = append(headers, h)
		parent = h.Hash()
	}

	return headers
}

var (
	alice = common.HexToAddress("0xa11ce")
	bob   = common.HexToAddress("0xb0b")
)

func account(nonce, balance uint64) *Account {
	acc := NewAccount()
	acc.Nonce = nonce
	acc.Balance = uint256.NewInt(balance)

	return acc
}

func TestHeaders(t *testing.T) {
	db := newTestDB(t)
	headers := testHeaders(1, 10)

	require.NoError(t, db.WriteHeaders(headers))

	h, err := db.Header(7)
	require.NoError(t, err)
	require.Equal(t, headers[6].Hash(), h.Hash())

	hash, err := db.CanonicalHash(7)
	require.NoError(t, err)
	require.Equal(t, headers[6].Hash(), hash)

	require.NoError(t, db.DeleteHeadersAbove(5))

	_, err = db.Header(6)
	require.True(t, errors.Is(err, ErrNotFound))
	_, err = db.CanonicalHash(10)
	require.True(t, errors.Is(err, ErrNotFound))

	_, err = db.Header(5)
	require.NoError(t, err)
}

func TestBodies(t *testing.T) {
	db := newTestDB(t)

	bodies := []*types.Body{{}, {Uncles: []*types.Header{testHeaders(3, 3)[0]}}}
	require.NoError(t, db.WriteBodies(4, bodies))

	body, err := db.Body(5)
	require.NoError(t, err)
	require.Len(t, body.Uncles, 1)

	require.NoError(t, db.DeleteBodiesAbove(4))

	_, err = db.Body(5)
	require.True(t, errors.Is(err, ErrNotFound))
	_, err = db.Body(4)
	require.NoError(t, err)
}

func TestCommitAndRevertExecution(t *testing.T) {
	db := newTestDB(t)
	slotKey := common.HexToHash("0x01")

	diffs := []BlockDiff{
		{Number: 1, Diff: &StateDiff{
			Accounts: []AccountChange{{Address: alice, Prev: nil, Next: account(0, 100)}},
		}},
		{Number: 2, Diff: &StateDiff{
			Accounts: []AccountChange{
				{Address: alice, Prev: account(0, 100), Next: account(1, 60)},
				{Address: bob, Prev: nil, Next: account(0, 40)},
			},
			Storage: []StorageChange{{Address: bob, Key: slotKey, Next: common.HexToHash("0x2a")}},
			Codes:   [][]byte{{0x60, 0x00}},
		}},
	}

	require.NoError(t, db.CommitExecution(diffs, 2))

	head, err := db.ExecutionHead()
	require.NoError(t, err)
	require.Equal(t, uint64(2), head)

	acc, err := db.Account(alice)
	require.NoError(t, err)
	require.True(t, acc.Equal(account(1, 60)))

	val, err := db.StorageAt(bob, slotKey)
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0x2a"), val)

	require.NoError(t, db.RevertExecution(1))

	acc, err = db.Account(alice)
	require.NoError(t, err)
	require.True(t, acc.Equal(account(0, 100)))

	acc, err = db.Account(bob)
	require.NoError(t, err)
	require.Nil(t, acc)

	val, err = db.StorageAt(bob, slotKey)
	require.NoError(t, err)
	require.Equal(t, common.Hash{}, val)

	head, err = db.ExecutionHead()
	require.NoError(t, err)
	require.Equal(t, uint64(1), head)

	require.NoError(t, db.RevertExecution(0))
	acc, err = db.Account(alice)
	require.NoError(t, err)
	require.Nil(t, acc)
}

func TestPruneHistory(t *testing.T) {
	db := newTestDB(t)

	var diffs []BlockDiff
	bodies := make([]*types.Body, 0, 20)
	for n := uint64(1); n <= 20; n++ {
		diffs = append(diffs, BlockDiff{Number: n, Diff: &StateDiff{
			Accounts: []AccountChange{{Address: alice, Prev: account(0, n-1), Next: account(0, n)}},
		}})
		bodies = append(bodies, &types.Body{})
	}

	require.NoError(t, db.CommitExecution(diffs, 20))
	require.NoError(t, db.WriteBodies(1, bodies))

	require.NoError(t, db.PruneHistory(10, true))

	floor, err := db.HistoryFloor()
	require.NoError(t, err)
	require.Equal(t, uint64(10), floor)

	_, err = db.Body(10)
	require.True(t, errors.Is(err, ErrNotFound))
	_, err = db.Body(11)
	require.NoError(t, err)

	err = db.RevertExecution(9)
	require.True(t, errors.Is(err, ErrBelowHistoryFloor))

	require.NoError(t, db.RevertExecution(10))
	acc, err := db.Account(alice)
	require.NoError(t, err)
	require.True(t, acc.Equal(account(0, 10)))

	// pruning below the current floor is a no-op
	require.NoError(t, db.PruneHistory(5, false))
	floor, err = db.HistoryFloor()
	require.NoError(t, err)
	require.Equal(t, uint64(10), floor)
}

func TestDumpAndApplySnapshot(t *testing.T) {
	src := newTestDB(t)
	headers := testHeaders(0, 3)
	require.NoError(t, src.WriteHeaders(headers))

	diffs := []BlockDiff{{Number: 3, Diff: &StateDiff{
		Accounts: []AccountChange{{Address: alice, Next: account(2, 5)}},
		Storage:  []StorageChange{{Address: alice, Key: common.HexToHash("0x02"), Next: common.HexToHash("0x03")}},
		Codes:    [][]byte{{0x01, 0x02}},
	}}}
	require.NoError(t, src.CommitExecution(diffs, 3))

	view, err := src.NewView()
	require.NoError(t, err)

	// writes after the view was taken are not visible in the dump
	require.NoError(t, src.CommitExecution([]BlockDiff{{Number: 4, Diff: &StateDiff{
		Accounts: []AccountChange{{Address: bob, Next: account(0, 1)}},
	}}}, 4))

	dump, err := view.Dump()
	view.Release()
	require.NoError(t, err)

	require.Equal(t, headers[3].Hash(), dump.Head.Hash())
	require.Len(t, dump.Accounts, 1)
	require.Len(t, dump.Storage, 1)
	require.Len(t, dump.Codes, 1)

	dst := newTestDB(t)
	require.NoError(t, dst.CommitExecution([]BlockDiff{{Number: 1, Diff: &StateDiff{
		Accounts: []AccountChange{{Address: bob, Next: account(9, 9)}},
	}}}, 1))

	require.NoError(t, dst.ApplySnapshot(dump))

	acc, err := dst.Account(alice)
	require.NoError(t, err)
	require.True(t, acc.Equal(account(2, 5)))

	acc, err = dst.Account(bob)
	require.NoError(t, err)
	require.Nil(t, acc)

	for _, get := range []func() (uint64, error){dst.ExecutionHead, dst.CanonicalHead, dst.HistoryFloor} {
		n, err := get()
		require.NoError(t, err)
		require.Equal(t, uint64(3), n)
	}

	hash, err := dst.CanonicalHash(3)
	require.NoError(t, err)
	require.Equal(t, headers[3].Hash(), hash)
}

func TestOverlay(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.CommitExecution([]BlockDiff{{Number: 1, Diff: &StateDiff{
		Accounts: []AccountChange{{Address: alice, Next: account(0, 10)}},
	}}}, 1))

	overlay := NewOverlay(db)
	overlay.Apply(&StateDiff{
		Accounts: []AccountChange{{Address: alice, Prev: account(0, 10), Next: nil}},
		Storage:  []StorageChange{{Address: bob, Key: common.HexToHash("0x01"), Next: common.HexToHash("0x05")}},
	})

	acc, err := overlay.Account(alice)
	require.NoError(t, err)
	require.Nil(t, acc)

	val, err := overlay.StorageAt(bob, common.HexToHash("0x01"))
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0x05"), val)

	// the underlying database is untouched
	acc, err = db.Account(alice)
	require.NoError(t, err)
	require.True(t, acc.Equal(account(0, 10)))
}

func TestInitGenesis(t *testing.T) {
	db := newTestDB(t)
	genesis := testHeaders(0, 0)[0]

	alloc := types.GenesisAlloc{
		alice: {Balance: big.NewInt(1000), Nonce: 1},
		bob:   {Balance: big.NewInt(1), Code: []byte{0x60}, Storage: map[common.Hash]common.Hash{{1}: {2}}},
	}

	require.NoError(t, db.InitGenesis(genesis, alloc))
	require.Error(t, db.InitGenesis(genesis, alloc))

	acc, err := db.Account(alice)
	require.NoError(t, err)
	require.True(t, acc.Equal(account(1, 1000)))

	acc, err = db.Account(bob)
	require.NoError(t, err)
	code, err := db.Code(acc.CodeHash)
	require.NoError(t, err)
	require.Equal(t, []byte{0x60}, code)

	val, err := db.StorageAt(bob, common.Hash{1})
	require.NoError(t, err)
	require.Equal(t, common.Hash{2}, val)
}
