package nodeclient_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/chainsync/chaintest"
	"github.com/lightninglabs/chainsync/nodeclient"
	"github.com/stretchr/testify/require"
)

// TestTimeoutClientPassThrough asserts calls that finish in time are served
// unchanged.
func TestTimeoutClientPassThrough(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(10)
	client := nodeclient.NewTimeoutClient(chain, time.Second)
	ctx := context.Background()

	height, err := client.GetCurrentHeight(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 10, height)

	hashes := chain.Checkpoints(5, 7)
	interval, err := client.QueryBlockchainInterval(
		ctx, 5, make([]chainhash.Hash, len(hashes)),
	)
	require.NoError(t, err)
	require.EqualValues(t, 5, interval.StartHeight)
	require.Len(t, interval.Blocks, 3)
	for i, cp := range hashes {
		require.Equal(t, cp.Hash, interval.Blocks[i])
	}

	blocks, err := client.QueryCompleteBlocks(ctx, 9, 5)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	require.Equal(t, chain.Hash(9), blocks[0].BlockHash)
	require.Equal(t, chain.Hash(10), blocks[1].BlockHash)
}

// TestTimeoutClientDeadline asserts a slow node results in ErrNetworkTimeout,
// which is classified as transient.
func TestTimeoutClientDeadline(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(10)
	chain.SetDelay(time.Minute)

	client := nodeclient.NewTimeoutClient(chain, 10*time.Millisecond)

	_, err := client.GetCurrentHeight(context.Background())
	require.ErrorIs(t, err, nodeclient.ErrNetworkTimeout)
	require.True(t, nodeclient.IsTransient(err))

	_, err = client.QueryCompleteBlocks(context.Background(), 1, 1)
	require.ErrorIs(t, err, nodeclient.ErrNetworkTimeout)
}

// TestTimeoutClientCanceled asserts a call aborted by the caller reports the
// cancellation rather than a timeout.
func TestTimeoutClientCanceled(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(10)
	chain.SetDelay(time.Minute)

	client := nodeclient.NewTimeoutClient(chain, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := client.GetCurrentHeight(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, nodeclient.ErrNetworkTimeout))
	require.False(t, nodeclient.IsTransient(err))
}

// TestTimeoutClientNodeError asserts errors from the node are returned as is.
func TestTimeoutClientNodeError(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(10)
	chain.FailNext(chaintest.MethodCurrentHeight, nodeclient.ErrNodeUnavailable)

	client := nodeclient.NewTimeoutClient(chain, time.Second)

	_, err := client.GetCurrentHeight(context.Background())
	require.ErrorIs(t, err, nodeclient.ErrNodeUnavailable)
	require.True(t, nodeclient.IsTransient(err))

	height, err := client.GetCurrentHeight(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 10, height)
}

// TestRateLimitedClient asserts requests are spaced out according to the
// configured rate and a canceled wait fails.
func TestRateLimitedClient(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(3)

	// An unlimited client serves every call immediately.
	unlimited := nodeclient.NewRateLimitedClient(chain, 0, 0)
	for i := 0; i < 10; i++ {
		_, err := unlimited.GetCurrentHeight(context.Background())
		require.NoError(t, err)
	}

	// One request every 50ms with no burst means the third call has to
	// wait for at least two intervals.
	limited := nodeclient.NewRateLimitedClient(chain, 20, 1)
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := limited.QueryCompleteBlocks(
			context.Background(), 1, 1,
		)
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	// A context that is already done fails before reaching the node.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chain.ResetCalls()
	_, err := limited.QueryBlockchainInterval(ctx, 1, nil)
	require.Error(t, err)
	require.Empty(t, chain.Calls())
}
