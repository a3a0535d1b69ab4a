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

import "math"

// maxNonce bounds the nonce search so a pathologically high difficulty
// cannot spin a miner forever.
const maxNonce = math.MaxInt64

// ProofOfWork drives the nonce search for a candidate block at a given
// difficulty (the number of leading hex-zero characters its hash must have).
type ProofOfWork struct {
	block      Block
	difficulty int
}

// NewPoW builds the proof-of-work search for block at difficulty.
func NewPoW(block Block, difficulty int) *ProofOfWork {
	return &ProofOfWork{block: block, difficulty: difficulty}
}

// Run tries successive nonces until block's hash satisfies difficulty,
// returning the mined block with the winning nonce set in its Nonce field.
func (pow *ProofOfWork) Run() (Block, error) {
	candidate := pow.block
	for nonce := 0; nonce < maxNonce; nonce++ {
		candidate.Nonce = nonce
		if candidate.IsWellFormed(pow.difficulty) {
			return candidate, nil
		}
	}
	return Block{}, errNonceExhausted
}

// Validate reports whether block.Nonce already satisfies difficulty.
func (pow *ProofOfWork) Validate() bool {
	return pow.block.IsWellFormed(pow.difficulty)
}
