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

// Package node runs the round-based consensus state machine: one serial
// message dispatcher mutates all node state, while the transport listener,
// discovery and round timer only ever enqueue onto it.
package node

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"duskchain/config"
	"duskchain/core"
	"duskchain/message"
	"duskchain/transport"
	"duskchain/wallet"
)

// Stage is the node's position within a consensus round.
type Stage int

const (
	StageTX Stage = iota
	StageMining
)

func (s Stage) String() string {
	if s == StageMining {
		return "mining"
	}
	return "tx"
}

// Role decides whether this node mines blocks when the round enters mining.
type Role int

const (
	RoleUser Role = iota
	RoleMiner
)

// pendingBlockVote tracks one mined-block proposal and how many peers have
// rebroadcast it as valid.
type pendingBlockVote struct {
	Block core.Block
	Votes int
}

// Node is one participant in the network: ledger, wallet, role, transport
// and the consensus state machine built on top of them.
type Node struct {
	cfg         config.Tunables
	chain       *core.Blockchain
	wallet      *wallet.Wallet
	minerAddr   string
	role        Role
	self        transport.Peer

	tr     transport.Transport
	logger *zap.SugaredLogger

	stageMu sync.Mutex
	stage   Stage

	blockMu       sync.Mutex
	pendingBlocks map[string]*pendingBlockVote

	queue      chan message.Envelope
	roundReset chan struct{}
	quit       chan struct{}

	peersSeen map[transport.Peer]struct{}
	peersMu   sync.Mutex
}

// New builds a Node. minerAddr receives mining rewards when role is
// RoleMiner; it need not match w's own address. The caller still must call
// Start to begin serving.
func New(cfg config.Tunables, chain *core.Blockchain, w *wallet.Wallet, minerAddr string, role Role, self transport.Peer, tr transport.Transport, logger *zap.SugaredLogger) *Node {
	return &Node{
		cfg:           cfg,
		chain:         chain,
		wallet:        w,
		minerAddr:     minerAddr,
		role:          role,
		self:          self,
		tr:            tr,
		logger:        logger,
		pendingBlocks: make(map[string]*pendingBlockVote),
		queue:         make(chan message.Envelope, 256),
		roundReset:    make(chan struct{}, 1),
		quit:          make(chan struct{}),
		peersSeen:     make(map[transport.Peer]struct{}),
	}
}

// Start launches the transport listener, the dispatcher, the round timer
// and the peer watcher. It returns once the listener goroutine is spawned;
// it does not block.
func (n *Node) Start() {
	go func() {
		if err := n.tr.Listen(); err != nil {
			n.logger.Errorw("transport listener stopped", "error", err)
		}
	}()
	go n.dispatchLoop()
	go n.roundLoop()
	go n.watchPeers()
}

// Stop halts the dispatcher and round timer and closes the transport.
func (n *Node) Stop() {
	close(n.quit)
	n.tr.Close()
}

// Enqueue places env on the dispatcher's queue. It is the single entry
// point transport, the round timer and handlers themselves (self-enqueue)
// all use to reach node state.
func (n *Node) Enqueue(env message.Envelope) {
	select {
	case n.queue <- env:
	case <-n.quit:
	}
}

func (n *Node) dispatchLoop() {
	for {
		select {
		case <-n.quit:
			return
		case env := <-n.queue:
			n.dispatch(env)
		}
	}
}

// dispatch routes env to its handler inside a guard that logs and
// continues on panic, so one malformed message never takes the dispatcher
// down.
func (n *Node) dispatch(env message.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Errorw("handler panicked, continuing", "type", env.Type, "recovered", r)
		}
	}()

	switch env.Type {
	case message.TypeTx:
		n.handleTx(env)
	case message.TypeBlock:
		n.handleBlock(env)
	case message.TypeRebroadcast:
		n.handleRebroadcast(env)
	case message.TypeFinalizeBlock:
		n.handleFinalizeBlock(env)
	case message.TypeRequestChain:
		n.handleRequestChain(env)
	case message.TypeChain:
		n.handleChain(env)
	case message.TypeMining:
		n.handleMining(env)
	case message.TypeDisconnect:
		n.handleDisconnect(env)
	default:
		n.logger.Warnw("unknown message type, discarding", "type", env.Type)
	}
}

func (n *Node) handleTx(env message.Envelope) {
	tx, err := message.DecodeTx(env)
	if err != nil {
		n.logger.Warnw("decode tx, discarding", "error", err)
		return
	}
	if err := n.chain.AddTransactionErr(tx); err != nil {
		n.logger.Debugw("tx rejected", "hash", tx.Hash(), "error", err)
	}
}

func (n *Node) handleBlock(env message.Envelope) {
	block, err := message.DecodeBlock(env)
	if err != nil {
		n.logger.Warnw("decode block, discarding", "error", err)
		return
	}
	n.setStage(StageMining)

	if block.PreviousHash != n.chain.Tip().Hash() {
		return
	}
	key := block.Hash()

	n.blockMu.Lock()
	n.pendingBlocks[key] = &pendingBlockVote{Block: block, Votes: 1}
	n.blockMu.Unlock()

	env2, err := message.EncodeRebroadcast(n.self.Host, n.self.Port, block)
	if err != nil {
		n.logger.Errorw("encode rebroadcast", "error", err)
		return
	}
	n.tr.Broadcast(env2)
	n.Enqueue(env2)
}

func (n *Node) handleRebroadcast(env message.Envelope) {
	_, _, block, err := message.DecodeRebroadcast(env)
	if err != nil {
		n.logger.Warnw("decode rebroadcast, discarding", "error", err)
		return
	}
	if !n.chain.ValidateBlock(block) {
		return
	}
	key := block.Hash()

	n.blockMu.Lock()
	entry, ok := n.pendingBlocks[key]
	if !ok {
		entry = &pendingBlockVote{Block: block}
		n.pendingBlocks[key] = entry
	}
	entry.Votes++
	n.blockMu.Unlock()

	if n.isLeader() {
		n.tryQuorum()
	}
}

// tryQuorum finds the most-voted pending block and, if the leader's quorum
// rule is satisfied, broadcasts FINALISE_BLOCK for it. The denominator is
// len(peers), which excludes the leader itself — a known skew carried over
// unchanged, not corrected here.
func (n *Node) tryQuorum() {
	n.blockMu.Lock()
	var best *pendingBlockVote
	for _, entry := range n.pendingBlocks {
		if best == nil || entry.Votes > best.Votes {
			best = entry
		}
	}
	n.blockMu.Unlock()
	if best == nil {
		return
	}

	peers := n.tr.Peers()
	if 2*best.Votes < len(peers) {
		return
	}

	env, err := message.EncodeFinalizeBlock(best.Block)
	if err != nil {
		n.logger.Errorw("encode finalize_block", "error", err)
		return
	}
	n.tr.Broadcast(env)
	n.Enqueue(env)
}

func (n *Node) handleFinalizeBlock(env message.Envelope) {
	block, err := message.DecodeFinalizeBlock(env)
	if err != nil {
		n.logger.Warnw("decode finalize_block, discarding", "error", err)
		return
	}
	if !n.verifyAndAddBlock(block) {
		return
	}

	n.blockMu.Lock()
	n.pendingBlocks = make(map[string]*pendingBlockVote)
	n.blockMu.Unlock()

	n.setStage(StageTX)

	select {
	case n.roundReset <- struct{}{}:
	default:
	}
}

// verifyAndAddBlock re-checks block's linkage to the current tip before
// handing it to the ledger, since time may have passed since the vote was
// cast.
func (n *Node) verifyAndAddBlock(block core.Block) bool {
	if block.PreviousHash != n.chain.Tip().Hash() {
		n.logger.Warnw("finalised block no longer links to tip, dropping", "index", block.Index)
		return false
	}
	if !n.chain.AddBlock(block) {
		n.logger.Warnw("finalised block failed validation, dropping", "index", block.Index)
		return false
	}
	return true
}

func (n *Node) handleRequestChain(env message.Envelope) {
	out, err := message.EncodeChain(n.chain.Chain)
	if err != nil {
		n.logger.Errorw("encode chain", "error", err)
		return
	}
	n.tr.Broadcast(out)
}

func (n *Node) handleChain(env message.Envelope) {
	blocks, err := message.DecodeChain(env)
	if err != nil {
		n.logger.Warnw("decode chain, discarding", "error", err)
		return
	}
	if n.chain.TryToUpdateChain(blocks) {
		n.logger.Infow("adopted longer chain", "length", len(blocks))
	}
}

func (n *Node) handleMining(env message.Envelope) {
	n.setStage(StageMining)
	if n.role != RoleMiner {
		return
	}

	block, err := n.chain.MineBlock(n.minerAddr)
	if err != nil {
		n.logger.Warnw("mining failed", "error", err)
		return
	}

	out, err := message.EncodeBlock(block)
	if err != nil {
		n.logger.Errorw("encode block", "error", err)
		return
	}
	n.tr.Broadcast(out)
	n.Enqueue(out)
}

func (n *Node) handleDisconnect(env message.Envelope) {
	host, port, err := message.DecodeDisconnect(env)
	if err != nil {
		n.logger.Warnw("decode disconnect, discarding", "error", err)
		return
	}
	n.tr.RemovePeer(transport.Peer{Host: host, Port: port})
}

func (n *Node) setStage(s Stage) {
	n.stageMu.Lock()
	n.stage = s
	n.stageMu.Unlock()
}

// Stage returns the node's current consensus stage.
func (n *Node) Stage() Stage {
	n.stageMu.Lock()
	defer n.stageMu.Unlock()
	return n.stage
}

// isLeader reports whether this node is the lexicographically smallest
// endpoint among itself and its known peers.
func (n *Node) isLeader() bool {
	endpoints := []string{n.self.Endpoint()}
	for _, p := range n.tr.Peers() {
		endpoints = append(endpoints, p.Endpoint())
	}
	sort.Strings(endpoints)
	return endpoints[0] == n.self.Endpoint()
}

// roundLoop sleeps for TimeToSleep, and if this node is the leader,
// broadcasts MINING, self-enqueuing it as well when this node's role is
// RoleMiner. FINALISE_BLOCK handling rearms the timer for the next round.
func (n *Node) roundLoop() {
	timer := time.NewTimer(n.cfg.TimeToSleep)
	defer timer.Stop()

	for {
		select {
		case <-n.quit:
			return
		case <-timer.C:
			if n.isLeader() {
				env := message.EncodeMining()
				n.tr.Broadcast(env)
				if n.role == RoleMiner {
					n.Enqueue(env)
				}
			}
			timer.Reset(n.cfg.TimeToSleep)
		case <-n.roundReset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(n.cfg.TimeToSleep)
		}
	}
}

// watchPeers periodically asks the transport for newly discovered peers.
// While its chain holds only genesis, a node reacts to every newly seen peer
// by requesting the chain, so it can catch up instead of mining its own fork
// from height zero.
func (n *Node) watchPeers() {
	ticker := time.NewTicker(n.cfg.TimeToSleep / 10)
	defer ticker.Stop()

	for {
		select {
		case <-n.quit:
			return
		case <-ticker.C:
			n.peersMu.Lock()
			isNew := false
			for _, p := range n.tr.Peers() {
				if _, ok := n.peersSeen[p]; !ok {
					n.peersSeen[p] = struct{}{}
					isNew = true
				}
			}
			n.peersMu.Unlock()

			if isNew && len(n.chain.Chain) == 1 {
				n.tr.Broadcast(message.EncodeRequestChain())
			}
		}
	}
}
