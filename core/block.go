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
	"strings"

	"github.com/pkg/errors"
)

// GenesisPreviousHash is the previous_hash value of the chain's first block:
// 64 hex zeros, one per nibble of a sha256 digest.
var GenesisPreviousHash = strings.Repeat("0", sha256.Size*2)

// Block is a block header plus its body of transactions.
type Block struct {
	Index        int           `json:"index"`
	PreviousHash string        `json:"previous_hash"`
	Transactions []Transaction `json:"transactions"`
	Nonce        int           `json:"nonce"`
	Timestamp    float64       `json:"timestamp"`
}

// canonicalBlock is the struct actually hashed: the transaction list is
// replaced by its Merkle digest so hashing stays O(n) in the number of
// transactions while remaining a function of the full transactions field.
type canonicalBlock struct {
	Index          int     `json:"index"`
	PreviousHash   string  `json:"previous_hash"`
	TransactionsID string  `json:"transactions_digest"`
	Nonce          int     `json:"nonce"`
	Timestamp      float64 `json:"timestamp"`
}

// Hash returns block's canonical hash.
func (block Block) Hash() string {
	raw, err := json.Marshal(canonicalBlock{
		Index:          block.Index,
		PreviousHash:   block.PreviousHash,
		TransactionsID: merkleRoot(block.Transactions),
		Nonce:          block.Nonce,
		Timestamp:      block.Timestamp,
	})
	if err != nil {
		panic(errors.Wrap(err, "core: marshal block for hashing"))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// IsWellFormed reports whether block's hash satisfies the proof-of-work
// requirement for difficulty: its hex hash must begin with difficulty zero
// characters.
func (block Block) IsWellFormed(difficulty int) bool {
	return strings.HasPrefix(block.Hash(), strings.Repeat("0", difficulty))
}

// GenesisTimestamp is the fixed timestamp carried by the genesis block, so
// that every node's genesis hashes identically regardless of start time.
const GenesisTimestamp float64 = 0

// NewGenesisBlock builds the chain's first block: index 0, no previous
// block, no transactions, nonce 0, a fixed timestamp.
func NewGenesisBlock() Block {
	return Block{
		Index:        0,
		PreviousHash: GenesisPreviousHash,
		Transactions: nil,
		Nonce:        0,
		Timestamp:    GenesisTimestamp,
	}
}
