package ancestor

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/chainsync/chaindata"
	"github.com/lightninglabs/chainsync/chaintest"
	"github.com/lightninglabs/chainsync/nodeclient"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestNegotiateSparseCheckpoints asserts the highest matching position of the
// remote answer is picked even when our checkpoints are sparse.
func TestNegotiateSparseCheckpoints(t *testing.T) {
	t.Parallel()

	hA := chainhash.Hash{0xa}
	hB := chainhash.Hash{0xb}
	hC := chainhash.Hash{0xc}
	checkpoints := []chaindata.Checkpoint{
		{Height: 80, Hash: hC},
		{Height: 90, Hash: hB},
		{Height: 100, Hash: hA},
	}

	node := &chaintest.MockNodeClient{}
	node.On(
		"QueryBlockchainInterval", mock.Anything, uint32(90),
		mock.MatchedBy(func(hashes []chainhash.Hash) bool {
			return len(hashes) == 11 && hashes[0] == hB &&
				hashes[10] == hA &&
				hashes[5] == chainhash.Hash{}
		}),
	).Return(&chaindata.BlockchainInterval{
		StartHeight: 90,
		Blocks:      []chainhash.Hash{hB},
	}, nil).Once()

	n := NewNegotiator(Config{Node: node})

	height, err := n.Negotiate(context.Background(), 100, checkpoints, 90)
	require.NoError(t, err)
	require.EqualValues(t, 90, height)

	node.AssertExpectations(t)
}

// TestNegotiateDeeperProbe asserts a mismatch at the tip moves the search to
// the span right below it, where the fork point is found.
func TestNegotiateDeeperProbe(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(50)
	checkpoints := chain.Checkpoints(1, 50)

	// The remote reorganizes everything above height 45.
	chain.Reorg(45, 5)

	n := NewNegotiator(Config{Node: chain})

	height, err := n.Negotiate(context.Background(), 50, checkpoints, 50)
	require.NoError(t, err)
	require.EqualValues(t, 45, height)

	calls := chain.CallsFor(chaintest.MethodQueryInterval)
	require.Len(t, calls, 2)
	require.EqualValues(t, 50, calls[0].StartHeight)
	require.EqualValues(t, 1, calls[0].Count)
	require.EqualValues(t, 40, calls[1].StartHeight)
	require.EqualValues(t, 10, calls[1].Count)

	// Our checkpoints are sent along at their positions.
	require.Equal(t, checkpoints[39].Hash, calls[1].Hashes[0])
}

// TestNegotiateExponentialSpan asserts every miss doubles the probed span and
// that the search stops at the oldest checkpoint.
func TestNegotiateExponentialSpan(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(100)
	checkpoints := chain.Checkpoints(1, 100)

	chain.Reorg(3, 97)

	n := NewNegotiator(Config{Node: chain, InitialStep: 10})

	height, err := n.Negotiate(context.Background(), 100, checkpoints, 100)
	require.NoError(t, err)
	require.EqualValues(t, 3, height)

	var spans []uint32
	for _, call := range chain.CallsFor(chaintest.MethodQueryInterval) {
		spans = append(spans, call.Count)
	}

	// [100], [90, 99], [70, 89], [30, 69], [1, 29].
	require.Equal(t, []uint32{1, 10, 20, 40, 29}, spans)
}

// TestNegotiateUnchangedChain asserts an unchanged remote resolves to the
// sync height in a single round trip.
func TestNegotiateUnchangedChain(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(30)
	n := NewNegotiator(Config{Node: chain})

	height, err := n.Negotiate(
		context.Background(), 30, chain.Checkpoints(21, 30), 30,
	)
	require.NoError(t, err)
	require.EqualValues(t, 30, height)
	require.Len(t, chain.CallsFor(chaintest.MethodQueryInterval), 1)
}

// TestNegotiateNoCheckpoints asserts a consumer without checkpoints resumes
// at its sync height without asking the remote.
func TestNegotiateNoCheckpoints(t *testing.T) {
	t.Parallel()

	node := &chaintest.MockNodeClient{}
	n := NewNegotiator(Config{Node: node})

	height, err := n.Negotiate(context.Background(), 700, nil, 700)
	require.NoError(t, err)
	require.EqualValues(t, 700, height)

	node.AssertNotCalled(t, "QueryBlockchainInterval")
}

// TestNegotiateDisjointChain asserts a remote chain sharing none of our
// checkpoints fails with ErrNoCommonAncestor.
func TestNegotiateDisjointChain(t *testing.T) {
	t.Parallel()

	ours := chaintest.NewChain(40)
	theirs := chaintest.NewChain(40)

	n := NewNegotiator(Config{Node: theirs})

	_, err := n.Negotiate(
		context.Background(), 40, ours.Checkpoints(1, 40), 40,
	)
	require.ErrorIs(t, err, ErrNoCommonAncestor)
}

// TestNegotiateEmptyResponse asserts an empty answer is treated as the remote
// having no data in the range, forcing a deeper probe.
func TestNegotiateEmptyResponse(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(60)
	checkpoints := chain.Checkpoints(31, 60)

	// The remote rolled back below our tip, so the first probe is above
	// its tip.
	chain.Reorg(44, 0)

	n := NewNegotiator(Config{Node: chain})

	height, err := n.Negotiate(context.Background(), 60, checkpoints, 60)
	require.NoError(t, err)
	require.EqualValues(t, 44, height)
}

// TestNegotiateRemoteBehind asserts a remote without data for any of our
// checkpoints is reported as lagging rather than as a different history, and
// that the search resolves once the remote caught up.
func TestNegotiateRemoteBehind(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(200)
	checkpoints := chain.Checkpoints(101, 200)

	chain.Lag(50)

	n := NewNegotiator(Config{Node: chain})

	_, err := n.Negotiate(context.Background(), 200, checkpoints, 50)
	require.ErrorIs(t, err, ErrRemoteBehind)
	require.NotErrorIs(t, err, ErrNoCommonAncestor)

	chain.CatchUp()

	height, err := n.Negotiate(context.Background(), 200, checkpoints, 200)
	require.NoError(t, err)
	require.EqualValues(t, 200, height)
}

// TestNegotiateNilInterval asserts a node answering without an interval is
// rejected as malformed.
func TestNegotiateNilInterval(t *testing.T) {
	t.Parallel()

	node := &chaintest.MockNodeClient{}
	node.On(
		"QueryBlockchainInterval", mock.Anything, mock.Anything,
		mock.Anything,
	).Return(nil, nil)

	n := NewNegotiator(Config{Node: node})
	_, err := n.Negotiate(
		context.Background(), 11, []chaindata.Checkpoint{
			{Height: 10, Hash: chainhash.Hash{1}},
			{Height: 11, Hash: chainhash.Hash{2}},
		}, 10,
	)
	require.ErrorIs(t, err, ErrMalformedInterval)
}

// TestNegotiateMalformedInterval asserts answers that do not fit the query are
// rejected.
func TestNegotiateMalformedInterval(t *testing.T) {
	t.Parallel()

	checkpoints := []chaindata.Checkpoint{
		{Height: 10, Hash: chainhash.Hash{1}},
		{Height: 11, Hash: chainhash.Hash{2}},
	}

	testCases := []struct {
		name string
		resp *chaindata.BlockchainInterval
	}{
		{
			name: "wrong start",
			resp: &chaindata.BlockchainInterval{
				StartHeight: 9,
				Blocks:      []chainhash.Hash{{1}, {2}},
			},
		},
		{
			name: "too long",
			resp: &chaindata.BlockchainInterval{
				StartHeight: 10,
				Blocks:      []chainhash.Hash{{1}, {2}, {3}},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			node := &chaintest.MockNodeClient{}
			node.On(
				"QueryBlockchainInterval", mock.Anything,
				mock.Anything, mock.Anything,
			).Return(tc.resp, nil)

			n := NewNegotiator(Config{Node: node})
			_, err := n.Negotiate(
				context.Background(), 11, checkpoints, 10,
			)
			require.ErrorIs(t, err, ErrMalformedInterval)
		})
	}
}

// TestNegotiateNodeError asserts node failures are returned unchanged so the
// caller can classify them.
func TestNegotiateNodeError(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(10)
	chain.FailNext(
		chaintest.MethodQueryInterval, nodeclient.ErrNetworkTimeout,
	)

	n := NewNegotiator(Config{Node: chain})
	_, err := n.Negotiate(
		context.Background(), 10, chain.Checkpoints(1, 10), 10,
	)
	require.ErrorIs(t, err, nodeclient.ErrNetworkTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = n.Negotiate(ctx, 10, chain.Checkpoints(1, 10), 10)
	require.True(t, errors.Is(err, context.Canceled))
}

// TestNegotiateFindsForkPoint asserts that for any fork point within our
// checkpoint window the negotiated ancestor is exactly that fork point.
func TestNegotiateFindsForkPoint(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		tip := rapid.Uint32Range(2, 300).Draw(t, "tip")
		window := rapid.Uint32Range(1, tip).Draw(t, "window")
		oldest := tip - window + 1
		fork := rapid.Uint32Range(oldest, tip).Draw(t, "fork")
		step := rapid.Uint32Range(1, 50).Draw(t, "step")

		chain := chaintest.NewChain(tip)
		checkpoints := chain.Checkpoints(oldest, tip)
		chain.Reorg(fork, tip-fork+1)

		n := NewNegotiator(Config{Node: chain, InitialStep: step})

		height, err := n.Negotiate(
			context.Background(), tip, checkpoints, tip,
		)
		require.NoError(t, err)
		require.Equal(t, fork, height)
	})
}
