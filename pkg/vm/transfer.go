// Package vm executes blocks that only move value between accounts.
package vm

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/flare-foundation/light-sync/pkg/database"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

var (
	ErrContractCreation  = errors.New("contract creation is not supported")
	ErrContractCall      = errors.New("contract calls are not supported")
	ErrIntrinsicGas      = errors.New("intrinsic gas too low")
	ErrNonce             = errors.New("invalid nonce")
	ErrInsufficientFunds = errors.New("insufficient funds for gas * price + value")
	ErrFeeCapTooLow      = errors.New("max fee per gas less than block base fee")
	ErrGasUsed           = errors.New("gas used does not match header")
	ErrSenders           = errors.New("sender count does not match transactions")
)

// TransferExecutor applies plain value transfers and withdrawals. Every
// transaction costs exactly params.TxGas; the tip goes to the coinbase and
// the base fee is burnt.
type TransferExecutor struct{}

func NewTransferExecutor() *TransferExecutor {
	return &TransferExecutor{}
}

func (e *TransferExecutor) ExecuteBlock(
	ctx context.Context, state database.StateReader, block *types.Block, senders []common.Address,
) (*database.StateDiff, error) {
	txs := block.Transactions()
	if len(txs) != len(senders) {
		return nil, errors.Wrapf(ErrSenders, "%d transactions, %d senders", len(txs), len(senders))
	}

	j := newJournal(state)

	var gasUsed uint64
	for i, tx := range txs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := applyTransfer(j, block.Header(), tx, senders[i]); err != nil {
			return nil, errors.Wrapf(err, "tx %d (%s)", i, tx.Hash())
		}

		gasUsed += params.TxGas
	}

	for _, w := range block.Withdrawals() {
		amount := new(uint256.Int).Mul(uint256.NewInt(w.Amount), uint256.NewInt(params.GWei))
		acc := j.account(w.Address)
		acc.Balance.Add(acc.Balance, amount)
	}

	if gasUsed != block.GasUsed() {
		return nil, errors.Wrapf(ErrGasUsed, "executed %d, header %d", gasUsed, block.GasUsed())
	}

	if err := j.err; err != nil {
		return nil, err
	}

	return j.diff(), nil
}

func applyTransfer(j *journal, header *types.Header, tx *types.Transaction, from common.Address) error {
	if tx.To() == nil {
		return ErrContractCreation
	}

	if len(tx.Data()) > 0 {
		return ErrContractCall
	}

	if tx.Gas() < params.TxGas {
		return ErrIntrinsicGas
	}

	price, tip, err := gasPrices(header, tx)
	if err != nil {
		return err
	}

	sender := j.account(from)
	if sender.Nonce != tx.Nonce() {
		return errors.Wrapf(ErrNonce, "address %s, have %d, want %d", from, tx.Nonce(), sender.Nonce)
	}

	value, overflow := uint256.FromBig(tx.Value())
	if overflow {
		return errors.Wrap(ErrInsufficientFunds, "value overflows")
	}

	gas := uint256.NewInt(params.TxGas)
	cost := new(uint256.Int).Mul(gas, price)
	cost.Add(cost, value)

	if sender.Balance.Lt(cost) {
		return errors.Wrapf(ErrInsufficientFunds, "address %s, have %s, want %s", from, sender.Balance, cost)
	}

	sender.Balance.Sub(sender.Balance, cost)
	sender.Nonce++

	recipient := j.account(*tx.To())
	if recipient.CodeHash != types.EmptyCodeHash {
		return ErrContractCall
	}

	recipient.Balance.Add(recipient.Balance, value)

	if !tip.IsZero() {
		coinbase := j.account(header.Coinbase)
		coinbase.Balance.Add(coinbase.Balance, new(uint256.Int).Mul(gas, tip))
	}

	return nil
}

// gasPrices returns the effective gas price and the part of it paid to the
// coinbase.
func gasPrices(header *types.Header, tx *types.Transaction) (*uint256.Int, *uint256.Int, error) {
	feeCap, overflow := uint256.FromBig(tx.GasFeeCap())
	if overflow {
		return nil, nil, errors.New("fee cap overflows")
	}

	if header.BaseFee == nil {
		return feeCap, feeCap, nil
	}

	baseFee, overflow := uint256.FromBig(header.BaseFee)
	if overflow {
		return nil, nil, errors.New("base fee overflows")
	}

	if feeCap.Lt(baseFee) {
		return nil, nil, ErrFeeCapTooLow
	}

	tipCap, overflow := uint256.FromBig(tx.GasTipCap())
	if overflow {
		return nil, nil, errors.New("tip cap overflows")
	}

	price := new(uint256.Int).Add(baseFee, tipCap)
	if price.Gt(feeCap) {
		price = feeCap
	}

	return price, new(uint256.Int).Sub(price, baseFee), nil
}
