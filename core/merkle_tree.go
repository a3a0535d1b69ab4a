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
)

// merkleNode is a node of the tree used to fold a block's transaction
// hashes into a single digest.
type merkleNode struct {
	left, right *merkleNode
	data        [32]byte
}

func newMerkleLeaf(data []byte) *merkleNode {
	return &merkleNode{data: sha256.Sum256(data)}
}

func newMerkleParent(left, right *merkleNode) *merkleNode {
	joined := append(append([]byte{}, left.data[:]...), right.data[:]...)
	return &merkleNode{left: left, right: right, data: sha256.Sum256(joined)}
}

// merkleRoot folds txs' hashes into a single hex digest representing the
// transactions field of a block. An empty transaction list hashes to the
// digest of the empty byte string, so genesis blocks and empty blocks still
// produce a well-defined, distinct root.
func merkleRoot(txs []Transaction) string {
	if len(txs) == 0 {
		sum := sha256.Sum256(nil)
		return hex.EncodeToString(sum[:])
	}

	var level []*merkleNode
	for _, tx := range txs {
		level = append(level, newMerkleLeaf([]byte(tx.Hash())))
	}

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		var next []*merkleNode
		for i := 0; i < len(level); i += 2 {
			next = append(next, newMerkleParent(level[i], level[i+1]))
		}
		level = next
	}
	return hex.EncodeToString(level[0].data[:])
}
