package chaindata

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrNoBlockContent is returned when the content of a CompleteBlock is
// accessed while the remote node could not supply it.
var ErrNoBlockContent = errors.New("block content absent")

// ConsumerID uniquely identifies a chain-state consumer, e.g. a wallet.
type ConsumerID string

// String returns the consumer ID as a string.
func (c ConsumerID) String() string {
	return string(c)
}

// Checkpoint is a retained (height, hash) pair used to anchor ancestor
// searches and to detect orphaned branches.
type Checkpoint struct {
	// Height is the height of the block.
	Height uint32

	// Hash is the hash of the block at Height.
	Hash chainhash.Hash
}

// String returns a human readable representation of the checkpoint.
func (c Checkpoint) String() string {
	return fmt.Sprintf("%d:%v", c.Height, c.Hash)
}

// HeightRange is an inclusive range of block heights.
type HeightRange struct {
	// Start is the lowest height of the range.
	Start uint32

	// End is the highest height of the range.
	End uint32
}

// Len returns the number of heights covered by the range.
func (r HeightRange) Len() uint32 {
	if r.End < r.Start {
		return 0
	}

	return r.End - r.Start + 1
}

// String returns a human readable representation of the range.
func (r HeightRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Start, r.End)
}

// BlockchainInterval is a contiguous range of block hashes. Blocks[i] is the
// hash of the block at height StartHeight+i. The same structure is used both
// as an ancestor-search query and as the remote node's answer to it. An empty
// Blocks slice means the remote has no data in the requested range.
type BlockchainInterval struct {
	// StartHeight is the height of the first hash in Blocks.
	StartHeight uint32

	// Blocks is the ordered list of block hashes.
	Blocks []chainhash.Hash
}

// IsEmpty returns true if the interval carries no hashes.
func (b *BlockchainInterval) IsEmpty() bool {
	return len(b.Blocks) == 0
}

// EndHeight returns the height of the last hash in the interval. The second
// return value is false if the interval is empty.
func (b *BlockchainInterval) EndHeight() (uint32, bool) {
	if b.IsEmpty() {
		return 0, false
	}

	return b.StartHeight + uint32(len(b.Blocks)) - 1, true
}

// HashAt returns the hash stored for the given height, if the interval covers
// it.
func (b *BlockchainInterval) HashAt(height uint32) fn.Option[chainhash.Hash] {
	if height < b.StartHeight {
		return fn.None[chainhash.Hash]()
	}

	idx := uint64(height - b.StartHeight)
	if idx >= uint64(len(b.Blocks)) {
		return fn.None[chainhash.Hash]()
	}

	return fn.Some(b.Blocks[idx])
}

// CompleteBlock is a block as delivered by the remote node: its hash, the
// optional block content, and the ordered list of its transactions. The
// first transaction is always the coinbase. If Block is None the node could
// not supply the block content.
type CompleteBlock struct {
	// Height is the height the block was served for.
	Height uint32

	// BlockHash is the hash of the block.
	BlockHash chainhash.Hash

	// Block is the header and body of the block, if the node had it.
	Block fn.Option[*btcutil.Block]

	// Transactions holds the shared transaction handles of the block. The
	// first entry is the coinbase transaction.
	Transactions []*btcutil.Tx
}

// NewCompleteBlock builds a CompleteBlock whose transactions are the handles
// cached by the given block. The block may be shared with other readers, so it
// is never mutated here.
func NewCompleteBlock(height uint32, block *btcutil.Block) *CompleteBlock {
	return &CompleteBlock{
		Height:       height,
		BlockHash:    *block.Hash(),
		Block:        fn.Some(block),
		Transactions: block.Transactions(),
	}
}

// NewAbsentBlock builds a CompleteBlock for a block the node could not supply.
func NewAbsentBlock(height uint32, hash chainhash.Hash) *CompleteBlock {
	return &CompleteBlock{
		Height:    height,
		BlockHash: hash,
		Block:     fn.None[*btcutil.Block](),
	}
}

// IsPresent returns true if the block content was supplied.
func (c *CompleteBlock) IsPresent() bool {
	return c.Block.IsSome()
}

// ParentHash returns the hash of the previous block as committed to by the
// header. ErrNoBlockContent is returned if the content is absent.
func (c *CompleteBlock) ParentHash() (chainhash.Hash, error) {
	block, err := c.Block.UnwrapOrErr(ErrNoBlockContent)
	if err != nil {
		return chainhash.Hash{}, err
	}

	return block.MsgBlock().Header.PrevBlock, nil
}

// Coinbase returns the generation transaction of the block, if any.
func (c *CompleteBlock) Coinbase() fn.Option[*btcutil.Tx] {
	if len(c.Transactions) == 0 {
		return fn.None[*btcutil.Tx]()
	}

	return fn.Some(c.Transactions[0])
}

// Checkpoint returns the checkpoint this block would produce once applied.
func (c *CompleteBlock) Checkpoint() Checkpoint {
	return Checkpoint{
		Height: c.Height,
		Hash:   c.BlockHash,
	}
}

// ConsumerSnapshot is the durable part of a consumer's state, as handed to the
// external storage collaborator after each successful apply or rollback.
type ConsumerSnapshot struct {
	// ID is the consumer the snapshot belongs to.
	ID ConsumerID

	// SyncHeight is the height of the last applied block.
	SyncHeight uint32

	// LastBlockHash is the hash of the block at SyncHeight. It is the zero
	// hash if no block has been applied since registration.
	LastBlockHash chainhash.Hash

	// Checkpoints is the bounded, ascending list of retained checkpoints.
	Checkpoints []Checkpoint
}
