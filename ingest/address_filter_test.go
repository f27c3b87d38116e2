package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync/chaindata"
	"github.com/lightninglabs/chainsync/chaintest"
	"github.com/stretchr/testify/require"
)

// TestAddressFilter asserts payments to a watched address and the spends of
// those payments match, and nothing else does.
func TestAddressFilter(t *testing.T) {
	t.Parallel()

	filter, err := NewAddressFilter([]btcutil.Address{
		chaintest.Address(1), chaintest.Address(2),
	})
	require.NoError(t, err)

	match := func(tx *wire.MsgTx) bool {
		t.Helper()

		ok, err := filter.Match(btcutil.NewTx(tx))
		require.NoError(t, err)

		return ok
	}

	require.False(t, match(chaintest.NewTx(1, chaintest.PkScript(3))))

	payment := chaintest.NewTx(
		1000, chaintest.PkScript(3), chaintest.PkScript(2),
	)
	require.True(t, match(payment))

	// Spending the change output to us is not relevant, spending our
	// output is.
	spendChange := chaintest.NewTx(1, chaintest.PkScript(3))
	spendChange.TxIn[0].PreviousOutPoint = wire.OutPoint{
		Hash:  payment.TxHash(),
		Index: 0,
	}
	require.False(t, match(spendChange))

	spend := chaintest.NewTx(1, chaintest.PkScript(3))
	spend.TxIn[0].PreviousOutPoint = wire.OutPoint{
		Hash:  payment.TxHash(),
		Index: 1,
	}
	require.True(t, match(spend))
}

// TestAddressFilterIngest asserts the filter selects the relevant
// transactions of applied blocks.
func TestAddressFilterIngest(t *testing.T) {
	t.Parallel()

	filter, err := NewAddressFilter([]btcutil.Address{
		chaintest.Address(1),
	})
	require.NoError(t, err)

	h := newTestHarness(0, 0, 100, filter)
	payment := chaintest.NewTx(1000, chaintest.PkScript(1))
	h.chain.ExtendWith(chaintest.NewTx(5, chaintest.PkScript(9)), payment)

	res := h.applyRange(t, 1, 1)
	require.Len(t, res.RelevantTxs, 2)
	require.Equal(t, payment.TxHash(), *res.RelevantTxs[1].Hash())
}

// TestAddressFilterStaging asserts outpoints learnt from a transaction are
// only tracked for good once committed.
func TestAddressFilterStaging(t *testing.T) {
	t.Parallel()

	filter, err := NewAddressFilter([]btcutil.Address{
		chaintest.Address(1),
	})
	require.NoError(t, err)

	payment := btcutil.NewTx(chaintest.NewTx(1000, chaintest.PkScript(1)))
	spendTx := chaintest.NewTx(1, chaintest.PkScript(3))
	spendTx.TxIn[0].PreviousOutPoint = wire.OutPoint{
		Hash:  *payment.Hash(),
		Index: 0,
	}
	spend := btcutil.NewTx(spendTx)

	match, err := filter.Match(payment)
	require.NoError(t, err)
	require.True(t, match)

	// A staged payment makes its spend relevant within the same block.
	match, err = filter.Match(spend)
	require.NoError(t, err)
	require.True(t, match)

	filter.Discard()

	match, err = filter.Match(spend)
	require.NoError(t, err)
	require.False(t, match)

	_, err = filter.Match(payment)
	require.NoError(t, err)
	filter.Commit()
	filter.Discard()

	match, err = filter.Match(spend)
	require.NoError(t, err)
	require.True(t, match)
}

// TestAddressFilterUnappliedBlock asserts a block that fails to persist
// leaves nothing tracked by the filter.
func TestAddressFilterUnappliedBlock(t *testing.T) {
	t.Parallel()

	filter, err := NewAddressFilter([]btcutil.Address{
		chaintest.Address(1),
	})
	require.NoError(t, err)

	h := newTestHarness(0, 0, 100, filter)
	payment := chaintest.NewTx(1000, chaintest.PkScript(1))
	h.chain.ExtendWith(payment)

	h.store.setFail(true)
	_, err = h.ingestor.Apply(h.state, h.chain.CompleteBlock(1))
	require.ErrorIs(t, err, errStoreDown)
	require.Zero(t, h.state.SyncHeight())

	spend := chaintest.NewTx(1, chaintest.PkScript(3))
	spend.TxIn[0].PreviousOutPoint = wire.OutPoint{
		Hash:  payment.TxHash(),
		Index: 0,
	}
	match, err := filter.Match(btcutil.NewTx(spend))
	require.NoError(t, err)
	require.False(t, match)

	// Once the block is applied the payment is tracked.
	filter.Discard()
	h.store.setFail(false)
	h.applyRange(t, 1, 1)

	match, err = filter.Match(btcutil.NewTx(spend))
	require.NoError(t, err)
	require.True(t, match)
}

// TestAddressFilterSharedBlocks asserts consumers with their own filters can
// apply the same blocks at the same time.
func TestAddressFilterSharedBlocks(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain(0)
	for i := 0; i < 10; i++ {
		chain.ExtendWith(
			chaintest.NewTx(1000, chaintest.PkScript(1)),
			chaintest.NewTx(1000, chaintest.PkScript(2)),
		)
	}
	blocks := chain.CompleteBlocks(1, 10)

	ingestor := NewIngestor(Config{})

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i, tag := range []byte{1, 2} {
		i := i
		filter, err := NewAddressFilter([]btcutil.Address{
			chaintest.Address(tag),
		})
		require.NoError(t, err)

		state := NewConsumerState(StateConfig{
			ID:         chaindata.ConsumerID(fmt.Sprintf("c%d", i)),
			WindowSize: 100,
			Filter:     filter,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()

			results[i], errs[i] = ingestor.ApplyBatch(
				context.Background(), state, blocks,
			)
		}()
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		require.EqualValues(t, 10, results[i].Applied)

		// A coinbase and one payment per block.
		require.Len(t, results[i].RelevantTxs, 20)
	}
}
