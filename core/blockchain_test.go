package core

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duskchain/wallet"
)

const testReward = int64(50)
const testDifficulty = 0

func signedSpend(t *testing.T, w *wallet.Wallet, utxoKey UTXOKey, outputs []TxOutput) Transaction {
	t.Helper()
	sig, err := w.SignMessage([]byte(utxoKey.TxID + strconv.Itoa(utxoKey.Index)))
	require.NoError(t, err)
	return Transaction{
		Inputs: []TxInput{{
			TxID:      utxoKey.TxID,
			Index:     utxoKey.Index,
			Signature: sig,
			PubKey:    w.PubKeyHex(),
		}},
		Outputs: outputs,
	}
}

func TestGenesisOnlyChainHasZeroBalance(t *testing.T) {
	bc := NewBlockchain(testReward, testDifficulty)
	assert.Len(t, bc.Chain, 1)
	assert.Equal(t, GenesisPreviousHash, bc.Chain[0].PreviousHash)
	assert.Empty(t, bc.Chain[0].Transactions)
	assert.EqualValues(t, 0, bc.GetBalance("anyone"))
}

func TestMineBlockRewardsMiner(t *testing.T) {
	bc := NewBlockchain(testReward, testDifficulty)
	block, err := bc.MineBlock("alice")
	require.NoError(t, err)
	require.True(t, bc.AddBlock(block))

	assert.EqualValues(t, 50, bc.GetBalance("alice"))
	assert.Len(t, bc.Chain, 2)
	assert.Len(t, bc.Chain[1].Transactions, 1)
	assert.True(t, bc.Chain[1].Transactions[0].IsCoinbase())
}

func TestMineBlockClearsPendingTxsImmediately(t *testing.T) {
	bc := NewBlockchain(testReward, testDifficulty)
	bc.PendingTxs = []Transaction{NewCoinbaseTx("x", 1, 0)} // placeholder entry, cleared regardless of validity
	_, err := bc.MineBlock("alice")
	require.NoError(t, err)
	assert.Empty(t, bc.PendingTxs)
}

func TestValidSpendSpendsMinerRewardToMultipleOutputs(t *testing.T) {
	bc := NewBlockchain(testReward, testDifficulty)
	w, err := wallet.NewWallet()
	require.NoError(t, err)
	addr := w.Address()

	block, err := bc.MineBlock(addr)
	require.NoError(t, err)
	require.True(t, bc.AddBlock(block))

	var key UTXOKey
	for k, out := range bc.UTXO {
		if out.Address == addr {
			key = k
		}
	}
	require.NotEmpty(t, key.TxID)

	tx := signedSpend(t, w, key, []TxOutput{{Amount: 30, Address: "bob"}, {Amount: 20, Address: addr}})
	assert.True(t, bc.AddTransaction(tx))

	mined, err := bc.MineBlock(addr)
	require.NoError(t, err)
	require.True(t, bc.AddBlock(mined))

	assert.EqualValues(t, 70, bc.GetBalance(addr)) // 20 change + 50 new reward
	assert.EqualValues(t, 30, bc.GetBalance("bob"))
}

func TestOverspendRejected(t *testing.T) {
	bc := NewBlockchain(testReward, testDifficulty)
	w, err := wallet.NewWallet()
	require.NoError(t, err)
	addr := w.Address()

	block, err := bc.MineBlock(addr)
	require.NoError(t, err)
	require.True(t, bc.AddBlock(block))

	var key UTXOKey
	for k, out := range bc.UTXO {
		if out.Address == addr {
			key = k
		}
	}

	tx := signedSpend(t, w, key, []TxOutput{{Amount: 1000, Address: "bob"}})
	assert.False(t, bc.ValidateTransaction(tx, bc.UTXO))
	assert.ErrorIs(t, bc.AddTransactionErr(tx), ErrInsufficientFunds)
}

func TestDuplicateTransactionRejected(t *testing.T) {
	bc := NewBlockchain(testReward, testDifficulty)
	w, err := wallet.NewWallet()
	require.NoError(t, err)
	addr := w.Address()

	block, err := bc.MineBlock(addr)
	require.NoError(t, err)
	require.True(t, bc.AddBlock(block))

	var key UTXOKey
	for k, out := range bc.UTXO {
		if out.Address == addr {
			key = k
		}
	}

	tx := signedSpend(t, w, key, []TxOutput{{Amount: 10, Address: "bob"}, {Amount: 40, Address: addr}})
	assert.True(t, bc.AddTransaction(tx))
	assert.ErrorIs(t, bc.AddTransactionErr(tx), ErrValidation)
}

func TestCoinbaseAcceptedOnlyAtExactReward(t *testing.T) {
	bc := NewBlockchain(testReward, testDifficulty)
	tx := NewCoinbaseTx("alice", testReward, 0)
	assert.True(t, bc.AddTransaction(tx)) // matches the reward exactly — accepted per rule 2

	wrong := NewCoinbaseTx("alice", testReward+1, 1)
	assert.False(t, bc.AddTransaction(wrong))
}

func TestTryToUpdateChainRejectsEqualLength(t *testing.T) {
	bc := NewBlockchain(testReward, testDifficulty)
	assert.False(t, bc.TryToUpdateChain([]Block{bc.Chain[0]}))
}

func TestTryToUpdateChainAdoptsLongerValidChain(t *testing.T) {
	bc := NewBlockchain(testReward, testDifficulty)
	other := NewBlockchain(testReward, testDifficulty)
	block, err := other.MineBlock("miner-a")
	require.NoError(t, err)
	require.True(t, other.AddBlock(block))

	assert.True(t, bc.TryToUpdateChain(other.Chain))
	assert.Len(t, bc.Chain, 2)
	assert.EqualValues(t, 50, bc.GetBalance("miner-a"))
}

func TestRebuildUTXOSetIsIdempotent(t *testing.T) {
	bc := NewBlockchain(testReward, testDifficulty)
	block, err := bc.MineBlock("alice")
	require.NoError(t, err)
	require.True(t, bc.AddBlock(block))

	bc.RebuildUTXOSet()
	first := make(map[UTXOKey]TxOutput, len(bc.UTXO))
	for k, v := range bc.UTXO {
		first[k] = v
	}
	bc.RebuildUTXOSet()
	assert.Equal(t, first, bc.UTXO)
}

func TestValidateBlockAppliesEarlierTransactionsInSameBlock(t *testing.T) {
	bc := NewBlockchain(testReward, testDifficulty)
	w, err := wallet.NewWallet()
	require.NoError(t, err)
	addr := w.Address()

	coinbase := NewCoinbaseTx(addr, testReward, len(bc.Chain))
	coinbaseKey := UTXOKey{TxID: coinbase.Hash(), Index: 0}
	spend := signedSpend(t, w, coinbaseKey, []TxOutput{{Amount: 50, Address: "bob"}})

	candidateBlock := Block{
		Index:        len(bc.Chain),
		PreviousHash: bc.Tip().Hash(),
		Transactions: []Transaction{coinbase, spend},
		Timestamp:    1,
	}
	mined, err := NewPoW(candidateBlock, testDifficulty).Run()
	require.NoError(t, err)
	assert.True(t, bc.ValidateBlock(mined))
}

func TestDifficultyZeroAlwaysWellFormed(t *testing.T) {
	assert.True(t, Block{PreviousHash: GenesisPreviousHash}.IsWellFormed(0))
}
