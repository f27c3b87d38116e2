package blockcache

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync/multimutex"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
)

// DefaultCapacity is the default size in bytes of the block cache.
const DefaultCapacity = 20 * 1024 * 1024

// cacheableBlock wraps a block so its serialized size can be accounted for
// by the cache.
type cacheableBlock struct {
	*btcutil.Block
}

// A compile-time check to ensure cacheableBlock implements cache.Value.
var _ cache.Value = (*cacheableBlock)(nil)

// Size returns the serialized size of the block in bytes.
func (c *cacheableBlock) Size() (uint64, error) {
	return uint64(c.MsgBlock().SerializeSize()), nil
}

// BlockCache is an LRU block cache shared by every consumer syncing against
// the same remote node. Blocks fetched for one consumer are served from the
// cache when another consumer reaches the same heights.
type BlockCache struct {
	// Cache is the underlying LRU keyed by block hash.
	Cache *lru.Cache[chainhash.Hash, *cacheableBlock]

	// HashMutex ensures the same block is not requested from the backend
	// twice concurrently. Fetches of different blocks proceed in
	// parallel.
	HashMutex *multimutex.Mutex[chainhash.Hash]
}

// NewBlockCache creates a new BlockCache with the given capacity in bytes.
func NewBlockCache(capacity uint64) *BlockCache {
	return &BlockCache{
		Cache: lru.NewCache[chainhash.Hash, *cacheableBlock](
			capacity,
		),
		HashMutex: multimutex.NewMutex[chainhash.Hash](),
	}
}

// GetBlock first checks to see if the BlockCache already contains the block
// with the given hash. If it does then the block is fetched from the cache and
// returned. Otherwise the getBlockImpl function is used in order to fetch the
// new block and then it is stored in the block cache and returned.
func (bc *BlockCache) GetBlock(hash *chainhash.Hash,
	getBlockImpl func(hash *chainhash.Hash) (*wire.MsgBlock,
		error)) (*btcutil.Block, error) {

	bc.HashMutex.Lock(*hash)
	defer bc.HashMutex.Unlock(*hash)

	// Return the block from the cache if it's there.
	cached, err := bc.Cache.Get(*hash)
	switch {
	case err == nil:
		log.Tracef("Block %v served from cache", hash)

		return cached.Block, nil

	case !errors.Is(err, cache.ErrElementNotFound):
		return nil, err
	}

	// Fetch the block from the chain backends.
	msgBlock, err := getBlockImpl(hash)
	if err != nil {
		return nil, err
	}

	block := newSharedBlock(msgBlock)

	// Add the new block to the cache. A full cache only means the block
	// isn't retained, so the error is logged and otherwise ignored.
	_, err = bc.Cache.Put(*hash, &cacheableBlock{Block: block})
	if err != nil {
		log.Warnf("Unable to cache block %v: %v", hash, err)
	}

	return block, nil
}

// newSharedBlock wraps msgBlock in a block that is safe to hand out to
// concurrent readers. btcutil computes the block hash, the transaction
// handles and every transaction hash lazily without locking, so all of them
// are populated before the block leaves this package.
func newSharedBlock(msgBlock *wire.MsgBlock) *btcutil.Block {
	block := btcutil.NewBlock(msgBlock)
	block.Hash()

	for _, tx := range block.Transactions() {
		tx.Hash()
	}

	return block
}
