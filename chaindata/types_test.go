package chaindata_test

import (
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/chainsync/chaindata"
	"github.com/lightninglabs/chainsync/chaintest"
	"github.com/stretchr/testify/require"
)

// TestBlockchainInterval asserts the height arithmetic of an interval.
func TestBlockchainInterval(t *testing.T) {
	t.Parallel()

	empty := &chaindata.BlockchainInterval{StartHeight: 7}
	require.True(t, empty.IsEmpty())
	_, ok := empty.EndHeight()
	require.False(t, ok)
	require.True(t, empty.HashAt(7).IsNone())

	h1 := chainhash.Hash{1}
	h2 := chainhash.Hash{2}
	interval := &chaindata.BlockchainInterval{
		StartHeight: 10,
		Blocks:      []chainhash.Hash{h1, h2},
	}

	end, ok := interval.EndHeight()
	require.True(t, ok)
	require.EqualValues(t, 11, end)

	require.Equal(t, h1, interval.HashAt(10).UnwrapOr(chainhash.Hash{}))
	require.Equal(t, h2, interval.HashAt(11).UnwrapOr(chainhash.Hash{}))
	require.True(t, interval.HashAt(9).IsNone())
	require.True(t, interval.HashAt(12).IsNone())
}

// TestHeightRange asserts the length of inclusive ranges.
func TestHeightRange(t *testing.T) {
	t.Parallel()

	require.EqualValues(t, 1, chaindata.HeightRange{Start: 5, End: 5}.Len())
	require.EqualValues(t, 10, chaindata.HeightRange{Start: 81, End: 90}.Len())
	require.EqualValues(t, 0, chaindata.HeightRange{Start: 6, End: 5}.Len())
}

// TestCompleteBlock asserts present blocks expose their parent and coinbase,
// while absent blocks refuse to.
func TestCompleteBlock(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(5)

	block := chain.CompleteBlock(3)
	require.True(t, block.IsPresent())
	require.Equal(t, chain.Hash(3), block.BlockHash)
	require.Equal(t, chaindata.Checkpoint{
		Height: 3, Hash: chain.Hash(3),
	}, block.Checkpoint())

	parent, err := block.ParentHash()
	require.NoError(t, err)
	require.Equal(t, chain.Hash(2), parent)

	coinbase, err := block.Coinbase().UnwrapOrErr(
		chaindata.ErrNoBlockContent,
	)
	require.NoError(t, err)
	require.True(t, blockchain.IsCoinBaseTx(coinbase.MsgTx()))

	absent := chaindata.NewAbsentBlock(4, chain.Hash(4))
	require.False(t, absent.IsPresent())
	require.True(t, absent.Coinbase().IsNone())

	_, err = absent.ParentHash()
	require.ErrorIs(t, err, chaindata.ErrNoBlockContent)
}
