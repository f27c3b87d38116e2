package blockcache

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/stretchr/testify/require"
)

type mockChainBackend struct {
	blocks         map[chainhash.Hash]*wire.MsgBlock
	chainCallCount int

	sync.RWMutex
}

func newMockChain() *mockChainBackend {
	return &mockChainBackend{
		blocks: make(map[chainhash.Hash]*wire.MsgBlock),
	}
}

func (m *mockChainBackend) addBlock(nonce uint32) chainhash.Hash {
	m.Lock()
	defer m.Unlock()

	block := &wire.MsgBlock{Header: wire.BlockHeader{Nonce: nonce}}
	hash := block.Header.BlockHash()
	m.blocks[hash] = block

	return hash
}

func (m *mockChainBackend) GetBlock(
	blockHash *chainhash.Hash) (*wire.MsgBlock, error) {

	m.Lock()
	defer m.Unlock()
	m.chainCallCount++

	block, ok := m.blocks[*blockHash]
	if !ok {
		return nil, fmt.Errorf("block not found")
	}

	return block, nil
}

func (m *mockChainBackend) callCount() int {
	m.RLock()
	defer m.RUnlock()

	return m.chainCallCount
}

func (m *mockChainBackend) resetChainCallCount() {
	m.Lock()
	defer m.Unlock()

	m.chainCallCount = 0
}

// TestBlockCacheGetBlock tests that the block cache works correctly as an LRU
// cache for the given max capacity.
func TestBlockCacheGetBlock(t *testing.T) {
	t.Parallel()

	mc := newMockChain()
	getBlockImpl := mc.GetBlock

	blockhash1 := mc.addBlock(1)
	blockhash2 := mc.addBlock(2)
	blockhash3 := mc.addBlock(3)

	// Determine the size of one of the blocks.
	sz, _ := (&cacheableBlock{
		Block: btcutil.NewBlock(&wire.MsgBlock{}),
	}).Size()

	// A new cache is set up with a capacity of 2 blocks.
	bc := NewBlockCache(2 * sz)

	// We expect the initial cache to be empty.
	require.Equal(t, 0, bc.Cache.Len())

	// After calling GetBlock for block1, the cache holds block1 and the
	// backend was hit once.
	_, err := bc.GetBlock(&blockhash1, getBlockImpl)
	require.NoError(t, err)
	require.Equal(t, 1, bc.Cache.Len())
	require.Equal(t, 1, mc.callCount())
	mc.resetChainCallCount()

	// Fetching block2 adds it next to block1.
	_, err = bc.GetBlock(&blockhash2, getBlockImpl)
	require.NoError(t, err)
	require.Equal(t, 2, bc.Cache.Len())
	require.Equal(t, 1, mc.callCount())
	mc.resetChainCallCount()

	// Fetching block1 again is served from the cache and makes block2
	// the least recently used entry.
	_, err = bc.GetBlock(&blockhash1, getBlockImpl)
	require.NoError(t, err)
	require.Equal(t, 0, mc.callCount())

	// Block3 evicts block2.
	_, err = bc.GetBlock(&blockhash3, getBlockImpl)
	require.NoError(t, err)
	require.Equal(t, 2, bc.Cache.Len())
	require.Equal(t, 1, mc.callCount())

	_, err = bc.Cache.Get(blockhash1)
	require.NoError(t, err)

	_, err = bc.Cache.Get(blockhash2)
	require.True(t, errors.Is(err, cache.ErrElementNotFound))

	_, err = bc.Cache.Get(blockhash3)
	require.NoError(t, err)
}

// TestBlockCacheBackendError asserts a backend failure is returned and nothing
// is cached.
func TestBlockCacheBackendError(t *testing.T) {
	t.Parallel()

	mc := newMockChain()
	bc := NewBlockCache(DefaultCapacity)

	var unknown chainhash.Hash
	unknown[0] = 0xff

	_, err := bc.GetBlock(&unknown, mc.GetBlock)
	require.Error(t, err)
	require.Equal(t, 0, bc.Cache.Len())
}

// TestBlockCacheSharedBlock asserts concurrent callers asking for the same
// block hit the backend once and can read the transaction hashes of the
// shared block without racing.
func TestBlockCacheSharedBlock(t *testing.T) {
	t.Parallel()

	mc := newMockChain()
	bc := NewBlockCache(DefaultCapacity)

	msgBlock := &wire.MsgBlock{Header: wire.BlockHeader{Nonce: 9}}
	for i := 0; i < 4; i++ {
		tx := wire.NewMsgTx(wire.TxVersion)
		tx.AddTxOut(wire.NewTxOut(int64(i+1), []byte{0x51}))
		msgBlock.AddTransaction(tx)
	}
	hash := msgBlock.Header.BlockHash()

	mc.Lock()
	mc.blocks[hash] = msgBlock
	mc.Unlock()

	const numCallers = 8

	var wg sync.WaitGroup
	hashes := make([][]chainhash.Hash, numCallers)
	for i := 0; i < numCallers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			block, err := bc.GetBlock(&hash, mc.GetBlock)
			if err != nil {
				t.Errorf("unable to get block: %v", err)
				return
			}

			for _, tx := range block.Transactions() {
				hashes[i] = append(hashes[i], *tx.Hash())
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, mc.callCount())
	for i := 1; i < numCallers; i++ {
		require.Len(t, hashes[i], 4)
		require.Equal(t, hashes[0], hashes[i])
	}
	require.Equal(t, msgBlock.Transactions[2].TxHash(), hashes[0][2])
}

// TestBlockCacheParallelFetches asserts a slow fetch of one block does not
// hold up the fetch of another.
func TestBlockCacheParallelFetches(t *testing.T) {
	t.Parallel()

	mc := newMockChain()
	bc := NewBlockCache(DefaultCapacity)

	slow := mc.addBlock(1)
	fast := mc.addBlock(2)

	slowStarted := make(chan struct{})
	fastDone := make(chan struct{})
	slowImpl := func(hash *chainhash.Hash) (*wire.MsgBlock, error) {
		close(slowStarted)

		select {
		case <-fastDone:
		case <-time.After(5 * time.Second):
			return nil, fmt.Errorf("fetch of %v serialized", hash)
		}

		return mc.GetBlock(hash)
	}

	errChan := make(chan error, 1)
	go func() {
		_, err := bc.GetBlock(&slow, slowImpl)
		errChan <- err
	}()
	<-slowStarted

	_, err := bc.GetBlock(&fast, mc.GetBlock)
	require.NoError(t, err)
	close(fastDone)

	require.NoError(t, <-errChan)
	require.Equal(t, 2, bc.Cache.Len())
}
