package ingest

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/chainsync/chaindata"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testCheckpoint(height uint32) chaindata.Checkpoint {
	var hash chainhash.Hash
	hash[0] = byte(height)
	hash[1] = byte(height >> 8)
	hash[31] = 0x01

	return chaindata.Checkpoint{Height: height, Hash: hash}
}

// TestCheckpointWindowBounded asserts the window retains exactly the most
// recent checkpoints and evicts the oldest one once full.
func TestCheckpointWindowBounded(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		size := rapid.Uint32Range(1, 20).Draw(t, "size")
		start := rapid.Uint32Range(0, 1000).Draw(t, "start")
		n := rapid.Uint32Range(0, 60).Draw(t, "n")

		w := NewCheckpointWindow(size, nil)
		for h := start + 1; h <= start+n; h++ {
			evicted := w.Push(testCheckpoint(h))

			if h-start > size {
				require.Equal(
					t, testCheckpoint(h-size),
					evicted.UnsafeFromSome(),
				)
			} else {
				require.True(t, evicted.IsNone())
			}
		}

		require.EqualValues(t, min(n, size), w.Len())

		cps := w.Checkpoints()
		for i := 1; i < len(cps); i++ {
			require.Equal(t, cps[i-1].Height+1, cps[i].Height)
		}

		if n == 0 {
			require.True(t, w.Tip().IsNone())
			return
		}

		require.Equal(t, testCheckpoint(start+n), w.Tip().UnsafeFromSome())
		for _, cp := range cps {
			require.Equal(t, cp.Hash, w.At(cp.Height).UnsafeFromSome())
		}
		require.True(t, w.At(start+n+1).IsNone())
	})
}

// TestCheckpointWindowTruncate asserts truncation drops exactly the
// checkpoints above the target.
func TestCheckpointWindowTruncate(t *testing.T) {
	t.Parallel()

	w := NewCheckpointWindow(10, nil)
	for h := uint32(1); h <= 8; h++ {
		w.Push(testCheckpoint(h))
	}

	dropped := w.TruncateAbove(5)
	require.Equal(t, []chaindata.Checkpoint{
		testCheckpoint(6), testCheckpoint(7), testCheckpoint(8),
	}, dropped)
	require.Equal(t, 5, w.Len())
	require.Equal(t, testCheckpoint(5), w.Tip().UnsafeFromSome())

	// Truncating above the tip is a no-op.
	require.Empty(t, w.TruncateAbove(9))
	require.Equal(t, 5, w.Len())
}

// TestCheckpointWindowSeed asserts a seeded window keeps the most recent
// checkpoints only.
func TestCheckpointWindowSeed(t *testing.T) {
	t.Parallel()

	var seed []chaindata.Checkpoint
	for h := uint32(1); h <= 5; h++ {
		seed = append(seed, testCheckpoint(h))
	}

	w := NewCheckpointWindow(3, seed)
	require.Equal(t, seed[2:], w.Checkpoints())
	require.Equal(t, testCheckpoint(3), w.Oldest().UnsafeFromSome())

	// The window must not alias the seed.
	seed[4].Hash = chainhash.Hash{}
	require.Equal(t, testCheckpoint(5), w.Tip().UnsafeFromSome())
}
