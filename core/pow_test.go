package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCandidateBlock() Block {
	return Block{Index: 1, PreviousHash: GenesisPreviousHash, Timestamp: 100}
}

func TestProofOfWorkRunProducesWellFormedBlock(t *testing.T) {
	mined, err := NewPoW(testCandidateBlock(), 1).Run()
	require.NoError(t, err)
	assert.True(t, mined.IsWellFormed(1))
}

func TestProofOfWorkValidate(t *testing.T) {
	mined, err := NewPoW(testCandidateBlock(), 1).Run()
	require.NoError(t, err)
	assert.True(t, NewPoW(mined, 1).Validate())
	assert.True(t, NewPoW(mined, 0).Validate())
}

func TestProofOfWorkDifficultyZeroAlwaysPasses(t *testing.T) {
	assert.True(t, NewPoW(testCandidateBlock(), 0).Validate())
}
