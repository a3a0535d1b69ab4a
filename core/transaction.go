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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

// HeightField is the metadata key a coinbase transaction carries so that two
// coinbases minted at different heights, paying the same address the same
// reward, never hash the same.
const HeightField = "height"

// TxOutput is a single spendable output: an amount paid to an address.
type TxOutput struct {
	Amount  int64  `json:"amount"`
	Address string `json:"address"`
}

// TxInput references a previous output by (TxID, Index) and carries the
// signature and public key that authorize spending it.
type TxInput struct {
	TxID      string `json:"tx_id"`
	Index     int    `json:"index"`
	Signature string `json:"signature"`
	PubKey    string `json:"pubkey"`
}

// Transaction is an ordered set of inputs and outputs plus free-form
// metadata (used to carry the coinbase height).
type Transaction struct {
	Inputs   []TxInput              `json:"inputs"`
	Outputs  []TxOutput             `json:"outputs"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// canonicalTx is the struct actually hashed: Metadata is always a non-nil
// map so tx.Hash() doesn't depend on whether the caller built Metadata as
// nil or empty.
type canonicalTx struct {
	Inputs   []TxInput              `json:"inputs"`
	Outputs  []TxOutput             `json:"outputs"`
	Metadata map[string]interface{} `json:"metadata"`
}

// IsCoinbase reports whether tx has zero inputs, the defining property of a
// coinbase transaction.
func (tx Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 0
}

// Hash returns tx's canonical hash: SHA-256 over the JSON encoding of its
// inputs, outputs, and metadata. encoding/json sorts map keys on marshal, so
// this is deterministic without a custom canonicalizer.
func (tx Transaction) Hash() string {
	metadata := tx.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	raw, err := json.Marshal(canonicalTx{Inputs: tx.Inputs, Outputs: tx.Outputs, Metadata: metadata})
	if err != nil {
		panic(errors.Wrap(err, "core: marshal transaction for hashing"))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// TotalOutput returns the sum of all of tx's output amounts.
func (tx Transaction) TotalOutput() int64 {
	var total int64
	for _, out := range tx.Outputs {
		total += out.Amount
	}
	return total
}

// NewCoinbaseTx builds the reward transaction a miner packs as the first
// transaction of a candidate block. height guarantees hash uniqueness across
// rounds even when the reward and destination address repeat.
func NewCoinbaseTx(minerAddress string, reward int64, height int) Transaction {
	return Transaction{
		Inputs:  nil,
		Outputs: []TxOutput{{Amount: reward, Address: minerAddress}},
		Metadata: map[string]interface{}{
			HeightField: height,
		},
	}
}
