// Package networktest generates deterministic signed chains and serves them
// through a fake network client.
package networktest

import (
	"crypto/ecdsa"
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/flare-foundation/light-sync/pkg/database"
	"github.com/holiman/uint256"
)

const (
	initialBalance = 1_000_000_000_000_000_000
	genesisTime    = 1_700_000_000
	gasLimit       = 8_000_000
)

var Coinbase = common.HexToAddress("0xc0ffee")

type Options struct {
	ChainID uint64
	// Number of the anchor block. The anchor carries the initial allocation
	// and has no transactions.
	Start       uint64
	Blocks      int
	TxsPerBlock int
	Accounts    int
	// When non-zero, the first transaction of this block gets a nonce gap.
	InvalidTxAt uint64
}

// Chain is a generated chain. Chains generated with options that differ only
// in InvalidTxAt are identical below that block.
type Chain struct {
	ChainID *big.Int
	Keys    []*ecdsa.PrivateKey
	Addrs   []common.Address

	start   uint64
	headers []*types.Header
	bodies  []*types.Body
	byHash  map[common.Hash]uint64
}

func Generate(opts Options) *Chain {
	if opts.Accounts == 0 {
		opts.Accounts = 4
	}

	c := &Chain{ChainID: new(big.Int).SetUint64(opts.ChainID), start: opts.Start}

	for i := 0; i < opts.Accounts; i++ {
		seed := make([]byte, 8)
		binary.BigEndian.PutUint64(seed, uint64(i)+1)

		key, err := crypto.ToECDSA(crypto.Keccak256(seed))
		if err != nil {
			panic(err)
		}

		c.Keys = append(c.Keys, key)
		c.Addrs = append(c.Addrs, crypto.PubkeyToAddress(key.PublicKey))
	}

	anchor := &types.Header{
		Number:      new(big.Int).SetUint64(opts.Start),
		Difficulty:  big.NewInt(1),
		GasLimit:    gasLimit,
		Time:        genesisTime + opts.Start,
		UncleHash:   types.EmptyUncleHash,
		TxHash:      types.EmptyTxsHash,
		ReceiptHash: types.EmptyReceiptsHash,
	}
	c.headers = append(c.headers, anchor)
	c.bodies = append(c.bodies, &types.Body{})

	signer := types.LatestSignerForChainID(c.ChainID)
	nonces := make([]uint64, opts.Accounts)
	parent := anchor

	for b := 1; b <= opts.Blocks; b++ {
		number := opts.Start + uint64(b)

		var txs types.Transactions
		for j := 0; j < opts.TxsPerBlock; j++ {
			from := (b + j) % opts.Accounts
			to := (from + 1) % opts.Accounts

			nonce := nonces[from]
			if number == opts.InvalidTxAt && j == 0 {
				nonce++
			}
			nonces[from]++

			tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
				Nonce:    nonce,
				To:       &c.Addrs[to],
				Value:    big.NewInt(int64(1000 + b)),
				Gas:      params.TxGas,
				GasPrice: big.NewInt(1),
			}), signer, c.Keys[from])
			if err != nil {
				panic(err)
			}

			txs = append(txs, tx)
		}

		header := &types.Header{
			ParentHash:  parent.Hash(),
			Coinbase:    Coinbase,
			Number:      new(big.Int).SetUint64(number),
			Difficulty:  big.NewInt(1),
			GasLimit:    gasLimit,
			GasUsed:     params.TxGas * uint64(len(txs)),
			Time:        parent.Time + 2,
			UncleHash:   types.EmptyUncleHash,
			TxHash:      types.DeriveSha(txs, trie.NewStackTrie(nil)),
			ReceiptHash: types.EmptyReceiptsHash,
		}

		c.headers = append(c.headers, header)
		c.bodies = append(c.bodies, &types.Body{Transactions: txs})
		parent = header
	}

	c.byHash = make(map[common.Hash]uint64, len(c.headers))
	for i, h := range c.headers {
		c.byHash[h.Hash()] = opts.Start + uint64(i)
	}

	return c
}

func (c *Chain) Start() uint64 { return c.start }

func (c *Chain) Tip() uint64 { return c.start + uint64(len(c.headers)) - 1 }

// Header returns nil for numbers outside the chain.
func (c *Chain) Header(n uint64) *types.Header {
	if n < c.start || n > c.Tip() {
		return nil
	}

	return types.CopyHeader(c.headers[n-c.start])
}

func (c *Chain) Body(n uint64) *types.Body {
	if n < c.start || n > c.Tip() {
		return nil
	}

	body := c.bodies[n-c.start]

	return &types.Body{Transactions: body.Transactions}
}

// Number returns the number of the block with the given hash.
func (c *Chain) Number(hash common.Hash) (uint64, bool) {
	n, ok := c.byHash[hash]
	return n, ok
}

func (c *Chain) Alloc() types.GenesisAlloc {
	alloc := make(types.GenesisAlloc)
	for _, addr := range c.Addrs {
		alloc[addr] = types.Account{Balance: big.NewInt(initialBalance)}
	}

	return alloc
}

// AnchorDump is the state of the anchor block, as a published snapshot of it
// would carry.
func (c *Chain) AnchorDump() *database.StateDump {
	dump := &database.StateDump{Head: c.Header(c.start)}

	for _, addr := range c.Addrs {
		acc := database.NewAccount()
		acc.Balance = uint256.NewInt(initialBalance)

		dump.Accounts = append(dump.Accounts, database.DumpAccount{Address: addr, Account: *acc})
	}

	return dump
}
