// Copyright 2021 Hailiang Zhao <hliangzhao@zju.edu.cn>
// This file is part of the lightChain.
//
// The lightChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The lightChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the lightChain. If not, see <http://www.gnu.org/licenses/>.

package core

import (
	"strconv"
	"time"

	"github.com/pkg/errors"

	"duskchain/wallet"
)

// UTXOKey identifies a spendable output by the transaction that created it
// and its position within that transaction's outputs.
type UTXOKey struct {
	TxID  string
	Index int
}

// Blockchain is the node's replicated ledger: the committed chain, the pool
// of not-yet-mined transactions, and the UTXO set derived from the chain.
type Blockchain struct {
	Chain      []Block
	PendingTxs []Transaction
	UTXO       map[UTXOKey]TxOutput

	minerReward int64
	difficulty  int
}

// NewBlockchain builds a fresh chain holding only the (empty) genesis block,
// with an empty UTXO set: a brand-new node's ledger pays nobody until its
// first block is mined and committed.
func NewBlockchain(minerReward int64, difficulty int) *Blockchain {
	return &Blockchain{
		Chain:       []Block{NewGenesisBlock()},
		UTXO:        make(map[UTXOKey]TxOutput),
		minerReward: minerReward,
		difficulty:  difficulty,
	}
}

// LoadBlockchain rebuilds a Blockchain from a previously persisted chain
// (e.g. read from the JSON snapshot file), deriving the UTXO set from it.
func LoadBlockchain(chain []Block, minerReward int64, difficulty int) *Blockchain {
	bc := &Blockchain{
		Chain:       chain,
		UTXO:        make(map[UTXOKey]TxOutput),
		minerReward: minerReward,
		difficulty:  difficulty,
	}
	bc.RebuildUTXOSet()
	return bc
}

// Tip returns the most recently committed block.
func (bc *Blockchain) Tip() Block {
	return bc.Chain[len(bc.Chain)-1]
}

func (bc *Blockchain) committedHashes() map[string]struct{} {
	seen := make(map[string]struct{})
	for _, block := range bc.Chain {
		for _, tx := range block.Transactions {
			seen[tx.Hash()] = struct{}{}
		}
	}
	return seen
}

// ValidateTransaction checks tx against the ledger rules in isolation
// (duplicate hash, coinbase-reward rule, input/signature/balance rules for
// spends), consulting utxo for input lookups so the same logic serves both
// mempool intake and in-block validation against a scratch UTXO copy.
func (bc *Blockchain) ValidateTransaction(tx Transaction, utxo map[UTXOKey]TxOutput) bool {
	return bc.validateTransaction(tx, utxo) == nil
}

// validateTransaction is ValidateTransaction's typed-error form: the
// rejection reason is classified as ErrValidation (duplicate hash, bad
// signature, unknown or mismatched input) or ErrInsufficientFunds (inputs
// don't cover outputs), per spec.md §7.
func (bc *Blockchain) validateTransaction(tx Transaction, utxo map[UTXOKey]TxOutput) error {
	txHash := tx.Hash()
	for _, pending := range bc.PendingTxs {
		if pending.Hash() == txHash {
			return errors.Wrap(ErrValidation, "duplicate transaction")
		}
	}
	if _, ok := bc.committedHashes()[txHash]; ok {
		return errors.Wrap(ErrValidation, "transaction already committed")
	}

	if tx.IsCoinbase() {
		if len(tx.Outputs) != 1 || tx.Outputs[0].Amount != bc.minerReward {
			return errors.Wrap(ErrValidation, "coinbase does not match miner reward")
		}
		return nil
	}

	seenInputs := make(map[UTXOKey]struct{})
	var totalIn int64
	for _, in := range tx.Inputs {
		key := UTXOKey{TxID: in.TxID, Index: in.Index}
		if _, dup := seenInputs[key]; dup {
			return errors.Wrap(ErrValidation, "duplicate input")
		}
		seenInputs[key] = struct{}{}

		out, ok := utxo[key]
		if !ok {
			return errors.Wrap(ErrValidation, "input references unknown output")
		}
		addr, err := wallet.AddressFromHex(in.PubKey)
		if err != nil || addr != out.Address {
			return errors.Wrap(ErrValidation, "input pubkey does not match output address")
		}
		if !wallet.Verify(in.PubKey, in.Signature, []byte(in.TxID+strconv.Itoa(in.Index))) {
			return errors.Wrap(ErrValidation, "bad signature")
		}
		totalIn += out.Amount
	}

	if totalIn < tx.TotalOutput() {
		return ErrInsufficientFunds
	}
	return nil
}

// AddTransactionErr validates tx and, on success, appends it to PendingTxs.
// It returns the typed rejection reason rather than a bare bool, for
// callers that want to log why a transaction was not accepted.
func (bc *Blockchain) AddTransactionErr(tx Transaction) error {
	if err := bc.validateTransaction(tx, bc.UTXO); err != nil {
		return err
	}
	bc.PendingTxs = append(bc.PendingTxs, tx)
	return nil
}

// AddTransaction is AddTransactionErr's boolean form, for callers that only
// care about the accept/reject outcome.
func (bc *Blockchain) AddTransaction(tx Transaction) bool {
	return bc.AddTransactionErr(tx) == nil
}

// MineBlock constructs a candidate block from a fresh coinbase plus a
// snapshot of PendingTxs, then searches for a nonce satisfying difficulty.
// PendingTxs is cleared as soon as the snapshot is taken, before the
// (potentially slow) nonce search runs: a losing proposal's transactions
// are not restored.
func (bc *Blockchain) MineBlock(minerAddress string) (Block, error) {
	coinbase := NewCoinbaseTx(minerAddress, bc.minerReward, len(bc.Chain))
	txs := append([]Transaction{coinbase}, bc.PendingTxs...)
	bc.PendingTxs = nil

	candidate := Block{
		Index:        len(bc.Chain),
		PreviousHash: bc.Tip().Hash(),
		Transactions: txs,
		Timestamp:    float64(time.Now().Unix()),
	}

	return NewPoW(candidate, bc.difficulty).Run()
}

// ValidateBlock checks block against the chain tip: well-formedness, index
// continuity, previous-hash linkage, a reward-paying coinbase first, and
// every subsequent transaction against a temporary UTXO copy mutated in
// order (so a transaction may spend an output created earlier in the same
// block).
func (bc *Blockchain) ValidateBlock(block Block) bool {
	if !block.IsWellFormed(bc.difficulty) {
		return false
	}
	if block.Index != len(bc.Chain) {
		return false
	}
	if block.PreviousHash != bc.Tip().Hash() {
		return false
	}
	if len(block.Transactions) == 0 || !block.Transactions[0].IsCoinbase() {
		return false
	}
	if block.Transactions[0].Outputs[0].Amount != bc.minerReward {
		return false
	}

	scratch := make(map[UTXOKey]TxOutput, len(bc.UTXO))
	for k, v := range bc.UTXO {
		scratch[k] = v
	}

	for i, tx := range block.Transactions {
		if i == 0 {
			applyToUTXO(scratch, tx)
			continue
		}
		if tx.IsCoinbase() || !bc.ValidateTransaction(tx, scratch) {
			return false
		}
		applyToUTXO(scratch, tx)
	}
	return true
}

// AddBlock validates block against the current tip and, on success, appends
// it and updates the UTXO set from each of its transactions in order.
func (bc *Blockchain) AddBlock(block Block) bool {
	if !bc.ValidateBlock(block) {
		return false
	}
	bc.Chain = append(bc.Chain, block)
	for _, tx := range block.Transactions {
		bc.updateUTXOSet(tx)
	}
	return true
}

// updateUTXOSet removes every output tx's inputs consume and inserts every
// output tx produces.
func (bc *Blockchain) updateUTXOSet(tx Transaction) {
	applyToUTXO(bc.UTXO, tx)
}

func applyToUTXO(utxo map[UTXOKey]TxOutput, tx Transaction) {
	for _, in := range tx.Inputs {
		delete(utxo, UTXOKey{TxID: in.TxID, Index: in.Index})
	}
	txHash := tx.Hash()
	for i, out := range tx.Outputs {
		utxo[UTXOKey{TxID: txHash, Index: i}] = out
	}
}

// RebuildUTXOSet recomputes UTXO from scratch by replaying every committed
// block in order, and drops any PendingTxs whose inputs no longer reference
// a spendable output.
func (bc *Blockchain) RebuildUTXOSet() {
	fresh := make(map[UTXOKey]TxOutput)
	for _, block := range bc.Chain {
		for _, tx := range block.Transactions {
			applyToUTXO(fresh, tx)
		}
	}
	bc.UTXO = fresh

	var survivors []Transaction
	for _, tx := range bc.PendingTxs {
		stillSpendable := true
		for _, in := range tx.Inputs {
			if _, ok := fresh[UTXOKey{TxID: in.TxID, Index: in.Index}]; !ok {
				stillSpendable = false
				break
			}
		}
		if stillSpendable {
			survivors = append(survivors, tx)
		}
	}
	bc.PendingTxs = survivors
}

// GetBalance sums every UTXO entry paying address.
func (bc *Blockchain) GetBalance(address string) int64 {
	var total int64
	for _, out := range bc.UTXO {
		if out.Address == address {
			total += out.Amount
		}
	}
	return total
}

// TryToUpdateChain accepts newChain iff it is strictly longer than the
// local chain, shares the local genesis block, and every successive block
// validates against a freshly rebuilt UTXO derived from the accepted
// prefix. On acceptance the chain is replaced and the UTXO set rebuilt.
func (bc *Blockchain) TryToUpdateChain(newChain []Block) bool {
	if len(newChain) <= len(bc.Chain) {
		return false
	}
	if len(newChain) == 0 || newChain[0].Hash() != bc.Chain[0].Hash() {
		return false
	}

	scratch := &Blockchain{
		Chain:       []Block{newChain[0]},
		UTXO:        make(map[UTXOKey]TxOutput),
		minerReward: bc.minerReward,
		difficulty:  bc.difficulty,
	}

	for _, block := range newChain[1:] {
		if !scratch.ValidateBlock(block) {
			return false
		}
		scratch.Chain = append(scratch.Chain, block)
		for _, tx := range block.Transactions {
			scratch.updateUTXOSet(tx)
		}
	}

	bc.Chain = newChain
	bc.RebuildUTXOSet()
	return true
}

// FindTransaction returns the committed transaction whose hash is txHash.
func (bc *Blockchain) FindTransaction(txHash string) (Transaction, error) {
	for _, block := range bc.Chain {
		for _, tx := range block.Transactions {
			if tx.Hash() == txHash {
				return tx, nil
			}
		}
	}
	return Transaction{}, errors.Wrapf(ErrTxNotFound, "hash %s", txHash)
}
