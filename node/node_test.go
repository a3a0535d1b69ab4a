package node

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"duskchain/config"
	"duskchain/core"
	"duskchain/message"
	"duskchain/transport"
	"duskchain/wallet"
)

// fakeTransport is a minimal transport.Transport double: Broadcast records
// every envelope instead of dialing real peers, and Peers() returns a
// caller-configured static snapshot.
type fakeTransport struct {
	mu   sync.Mutex
	self transport.Peer
	set  []transport.Peer
	sent []message.Envelope
}

func newFakeTransport(self transport.Peer, peers ...transport.Peer) *fakeTransport {
	return &fakeTransport{self: self, set: peers}
}

func (f *fakeTransport) Broadcast(env message.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
}

func (f *fakeTransport) SendTo(transport.Peer, message.Envelope) error { return nil }
func (f *fakeTransport) Listen() error                                { select {} }
func (f *fakeTransport) Close() error                                 { return nil }

func (f *fakeTransport) Peers() []transport.Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Peer, len(f.set))
	copy(out, f.set)
	return out
}

func (f *fakeTransport) AddPeer(p transport.Peer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set = append(f.set, p)
}

func (f *fakeTransport) RemovePeer(p transport.Peer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, q := range f.set {
		if q == p {
			f.set = append(f.set[:i], f.set[i+1:]...)
			return
		}
	}
}

func (f *fakeTransport) broadcasts() []message.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]message.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func testNode(t *testing.T, role Role, tr *fakeTransport) (*Node, *wallet.Wallet) {
	t.Helper()
	w, err := wallet.NewWallet()
	require.NoError(t, err)
	bc := core.NewBlockchain(50, 0)
	cfg := config.Tunables{TimeToSleep: time.Hour, MinerReward: 50, Difficulty: 0}
	n := New(cfg, bc, w, w.Address(), role, tr.self, tr, zap.NewNop().Sugar())
	return n, w
}

func drainOne(t *testing.T, n *Node) message.Envelope {
	t.Helper()
	select {
	case env := <-n.queue:
		return env
	case <-time.After(time.Second):
		t.Fatal("expected a locally enqueued message, got none")
		return message.Envelope{}
	}
}

func TestIsLeaderWithNoPeers(t *testing.T) {
	tr := newFakeTransport(transport.Peer{Host: "10.0.0.1", Port: 3000})
	n, _ := testNode(t, RoleMiner, tr)
	assert.True(t, n.isLeader())
}

func TestIsLeaderLosesToLexicographicallySmallerPeer(t *testing.T) {
	self := transport.Peer{Host: "10.0.0.5", Port: 3000}
	tr := newFakeTransport(self, transport.Peer{Host: "10.0.0.1", Port: 3000})
	n, _ := testNode(t, RoleMiner, tr)
	assert.False(t, n.isLeader())
}

func TestIsLeaderWinsAgainstLexicographicallyLargerPeers(t *testing.T) {
	self := transport.Peer{Host: "10.0.0.1", Port: 3000}
	tr := newFakeTransport(self, transport.Peer{Host: "10.0.0.9", Port: 3000})
	n, _ := testNode(t, RoleMiner, tr)
	assert.True(t, n.isLeader())
}

func TestHandleMiningAsUserTransitionsStageButDoesNotMine(t *testing.T) {
	tr := newFakeTransport(transport.Peer{Host: "h", Port: 1})
	n, _ := testNode(t, RoleUser, tr)

	n.handleMining(message.EncodeMining())

	assert.Equal(t, StageMining, n.Stage())
	assert.Empty(t, tr.broadcasts())
	assert.Len(t, n.chain.Chain, 1) // no block mined
}

func TestHandleMiningAsMinerMinesAndBroadcastsBlock(t *testing.T) {
	tr := newFakeTransport(transport.Peer{Host: "h", Port: 1})
	n, w := testNode(t, RoleMiner, tr)

	n.handleMining(message.EncodeMining())

	assert.Equal(t, StageMining, n.Stage())
	sent := tr.broadcasts()
	require.Len(t, sent, 1)
	assert.Equal(t, message.TypeBlock, sent[0].Type)

	block, err := message.DecodeBlock(sent[0])
	require.NoError(t, err)
	assert.Equal(t, w.Address(), block.Transactions[0].Outputs[0].Address)

	local := drainOne(t, n)
	assert.Equal(t, message.TypeBlock, local.Type)
}

func TestHandleBlockExtendingTipRegistersVoteAndRebroadcasts(t *testing.T) {
	tr := newFakeTransport(transport.Peer{Host: "h", Port: 1})
	n, _ := testNode(t, RoleUser, tr)

	mined, err := n.chain.MineBlock("alice")
	require.NoError(t, err)
	env, err := message.EncodeBlock(mined)
	require.NoError(t, err)

	n.handleBlock(env)

	assert.Equal(t, StageMining, n.Stage())
	n.blockMu.Lock()
	entry, ok := n.pendingBlocks[mined.Hash()]
	n.blockMu.Unlock()
	require.True(t, ok)
	assert.Equal(t, 1, entry.Votes)

	sent := tr.broadcasts()
	require.Len(t, sent, 1)
	assert.Equal(t, message.TypeRebroadcast, sent[0].Type)

	local := drainOne(t, n)
	assert.Equal(t, message.TypeRebroadcast, local.Type)
}

func TestHandleBlockNotExtendingTipIsIgnored(t *testing.T) {
	tr := newFakeTransport(transport.Peer{Host: "h", Port: 1})
	n, _ := testNode(t, RoleUser, tr)

	stale := core.Block{Index: 5, PreviousHash: "not-the-tip"}
	env, err := message.EncodeBlock(stale)
	require.NoError(t, err)

	n.handleBlock(env)

	assert.Empty(t, tr.broadcasts())
	n.blockMu.Lock()
	defer n.blockMu.Unlock()
	assert.Empty(t, n.pendingBlocks)
}

func TestHandleRebroadcastIncrementsVote(t *testing.T) {
	tr := newFakeTransport(transport.Peer{Host: "h", Port: 1})
	n, _ := testNode(t, RoleUser, tr)

	mined, err := n.chain.MineBlock("alice")
	require.NoError(t, err)
	env, err := message.EncodeRebroadcast("peer-host", 4000, mined)
	require.NoError(t, err)

	n.handleRebroadcast(env)

	n.blockMu.Lock()
	entry, ok := n.pendingBlocks[mined.Hash()]
	n.blockMu.Unlock()
	require.True(t, ok)
	assert.Equal(t, 1, entry.Votes)
}

// TestQuorumCommit reproduces spec.md's seed scenario 7: with peers =
// {self, p1, p2} and self as leader, one REBROADCAST vote on top of the
// proposer's own is enough to satisfy 2*votes >= len(peers).
func TestQuorumCommit(t *testing.T) {
	self := transport.Peer{Host: "a-leader", Port: 3000}
	p1 := transport.Peer{Host: "z-peer1", Port: 3000}
	p2 := transport.Peer{Host: "z-peer2", Port: 3000}
	tr := newFakeTransport(self, p1, p2)
	n, _ := testNode(t, RoleMiner, tr)
	require.True(t, n.isLeader())

	mined, err := n.chain.MineBlock("alice")
	require.NoError(t, err)

	blockEnv, err := message.EncodeBlock(mined)
	require.NoError(t, err)
	n.handleBlock(blockEnv) // self votes once (count 1), rebroadcasts

	voteEnv, err := message.EncodeRebroadcast(p1.Host, p1.Port, mined)
	require.NoError(t, err)
	n.handleRebroadcast(voteEnv) // a peer votes; count becomes 2

	n.blockMu.Lock()
	votes := n.pendingBlocks[mined.Hash()].Votes
	n.blockMu.Unlock()
	assert.Equal(t, 2, votes)

	sent := tr.broadcasts()
	var sawFinalise bool
	for _, env := range sent {
		if env.Type == message.TypeFinalizeBlock {
			sawFinalise = true
		}
	}
	assert.True(t, sawFinalise, "leader should broadcast finalize_block once quorum is met")
}

func TestHandleFinalizeBlockCommitsAndResetsStage(t *testing.T) {
	tr := newFakeTransport(transport.Peer{Host: "h", Port: 1})
	n, _ := testNode(t, RoleUser, tr)
	n.setStage(StageMining)

	mined, err := n.chain.MineBlock("alice")
	require.NoError(t, err)
	env, err := message.EncodeFinalizeBlock(mined)
	require.NoError(t, err)

	n.handleFinalizeBlock(env)

	assert.Equal(t, StageTX, n.Stage())
	assert.Len(t, n.chain.Chain, 2)
	n.blockMu.Lock()
	defer n.blockMu.Unlock()
	assert.Empty(t, n.pendingBlocks)
}

func TestHandleFinalizeBlockRejectsStaleLink(t *testing.T) {
	tr := newFakeTransport(transport.Peer{Host: "h", Port: 1})
	n, _ := testNode(t, RoleUser, tr)
	n.setStage(StageMining)

	stale := core.Block{Index: 9, PreviousHash: "not-the-tip"}
	env, err := message.EncodeFinalizeBlock(stale)
	require.NoError(t, err)

	n.handleFinalizeBlock(env)

	assert.Equal(t, StageMining, n.Stage()) // unchanged: commit never happened
	assert.Len(t, n.chain.Chain, 1)
}

func TestHandleTxAddsValidCoinbaseOnlyAtExactReward(t *testing.T) {
	tr := newFakeTransport(transport.Peer{Host: "h", Port: 1})
	n, _ := testNode(t, RoleUser, tr)

	tx := core.NewCoinbaseTx("alice", 50, 0)
	env, err := message.EncodeTx(tx)
	require.NoError(t, err)

	n.handleTx(env)
	assert.Len(t, n.chain.PendingTxs, 1)

	wrong := core.NewCoinbaseTx("alice", 51, 1)
	wrongEnv, err := message.EncodeTx(wrong)
	require.NoError(t, err)

	n.handleTx(wrongEnv)
	assert.Len(t, n.chain.PendingTxs, 1)
}

func TestHandleDisconnectRemovesPeer(t *testing.T) {
	p1 := transport.Peer{Host: "peer1", Port: 4000}
	tr := newFakeTransport(transport.Peer{Host: "self", Port: 3000}, p1)
	n, _ := testNode(t, RoleUser, tr)

	env, err := message.EncodeDisconnect(p1.Host, p1.Port)
	require.NoError(t, err)
	n.handleDisconnect(env)

	assert.NotContains(t, tr.Peers(), p1)
}

func TestHandleChainAdoptsLongerValidChain(t *testing.T) {
	tr := newFakeTransport(transport.Peer{Host: "h", Port: 1})
	n, _ := testNode(t, RoleUser, tr)

	other := core.NewBlockchain(50, 0)
	block, err := other.MineBlock("miner-a")
	require.NoError(t, err)
	require.True(t, other.AddBlock(block))

	env, err := message.EncodeChain(other.Chain)
	require.NoError(t, err)
	n.handleChain(env)

	assert.Len(t, n.chain.Chain, 2)
	assert.EqualValues(t, 50, n.chain.GetBalance("miner-a"))
}
