package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/chainsync/chaindata"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrBlockUnavailable is returned when the node could not supply the
	// content of a block.
	ErrBlockUnavailable = errors.New("block content unavailable")

	// ErrEmptyBlock is returned for a present block without any
	// transaction, which cannot hold the mandatory coinbase.
	ErrEmptyBlock = errors.New("block has no transactions")

	// ErrOutOfOrder is returned for a block that does not directly follow
	// the consumer's sync height and does not replace an applied block.
	ErrOutOfOrder = errors.New("block out of order")

	// ErrParentMismatch is returned when a block does not connect to the
	// consumer's checkpoint below it.
	ErrParentMismatch = errors.New("block does not connect to checkpoint")

	// ErrRollbackTooDeep is returned when a rollback target is not covered
	// by the retained checkpoints.
	ErrRollbackTooDeep = errors.New("rollback below retained checkpoints")
)

// Result summarizes the outcome of an apply.
type Result struct {
	// RelevantTxs are the relevant transactions of the newly applied
	// blocks, in height order.
	RelevantTxs []*btcutil.Tx

	// NewSyncHeight is the consumer's sync height after the operation.
	NewSyncHeight uint32

	// Applied is the number of blocks applied.
	Applied uint32

	// Detached is the height the consumer was rolled back to, if a
	// rollback was needed.
	Detached fn.Option[uint32]
}

// Config houses the collaborators of an Ingestor.
type Config struct {
	// Store persists consumer snapshots. Nothing is persisted if nil.
	Store StateStore

	// Arena interns relevant transactions. It is shared by every consumer
	// of a registry.
	Arena *TxArena
}

// Ingestor applies blocks to and rolls blocks back from consumer states.
// Every block is committed atomically: the snapshot of the new state is
// persisted first and only then is the in-memory state updated, so a failure
// at any point leaves the consumer at its last fully applied block.
type Ingestor struct {
	cfg Config
}

// NewIngestor creates a new Ingestor.
func NewIngestor(cfg Config) *Ingestor {
	if cfg.Store == nil {
		cfg.Store = noopStore{}
	}
	if cfg.Arena == nil {
		cfg.Arena = NewTxArena()
	}

	return &Ingestor{
		cfg: cfg,
	}
}

// Arena returns the transaction arena of the ingestor.
func (i *Ingestor) Arena() *TxArena {
	return i.cfg.Arena
}

// Apply applies a single block to the consumer. A block replacing an already
// applied one first rolls the consumer back to the block's parent.
func (i *Ingestor) Apply(state *ConsumerState,
	block *chaindata.CompleteBlock) (*Result, error) {

	return i.ApplyBatch(
		context.Background(), state, []*chaindata.CompleteBlock{block},
	)
}

// ApplyBatch applies the blocks in order. It stops at the first failure and
// returns the outcome of the blocks applied so far along with the error. The
// context is checked between blocks.
func (i *Ingestor) ApplyBatch(ctx context.Context, state *ConsumerState,
	blocks []*chaindata.CompleteBlock) (*Result, error) {

	state.writeMtx.Lock()
	defer state.writeMtx.Unlock()

	res := &Result{
		NewSyncHeight: state.SyncHeight(),
		Detached:      fn.None[uint32](),
	}
	n := newNotifier(state)
	defer n.flush()

	done := func(err error) (*Result, error) {
		res.NewSyncHeight = state.SyncHeight()
		return res, err
	}

	for _, block := range blocks {
		if err := ctx.Err(); err != nil {
			return done(err)
		}

		detached, err := i.replace(state, block)
		if err != nil {
			return done(err)
		}
		detached.WhenSome(func(height uint32) {
			res.Detached = fn.Some(height)
			n.detached(height)
		})

		// The block may already be applied, e.g. when a batch
		// overlaps our tip after a rollback.
		if block.Height <= state.SyncHeight() {
			continue
		}

		txs, err := i.connect(state, block)
		if err != nil {
			return done(err)
		}

		res.Applied++
		res.RelevantTxs = append(res.RelevantTxs, txs...)
		n.added(block.Height, txs)
	}

	return done(nil)
}

// Rollback detaches every block above height. The target must be the sync
// height or a retained checkpoint.
func (i *Ingestor) Rollback(state *ConsumerState, height uint32) error {
	state.writeMtx.Lock()
	defer state.writeMtx.Unlock()

	syncHeight := state.SyncHeight()
	switch {
	case height == syncHeight:
		return nil

	case height > syncHeight:
		return fmt.Errorf("%w: rollback to %d above sync height %d",
			ErrOutOfOrder, height, syncHeight)
	}

	if err := i.disconnect(state, height); err != nil {
		return err
	}

	state.observer.OnBlockchainDetach(state.id, height)

	return nil
}

// Reset drops every checkpoint and relevant transaction of the consumer and
// restarts it at startHeight. It is the only way out of a state sharing no
// history with the remote chain.
func (i *Ingestor) Reset(state *ConsumerState, startHeight uint32) error {
	state.writeMtx.Lock()
	defer state.writeMtx.Unlock()

	snapshot := &chaindata.ConsumerSnapshot{
		ID:         state.id,
		SyncHeight: startHeight,
	}
	if err := i.cfg.Store.SaveConsumerState(snapshot); err != nil {
		return fmt.Errorf("unable to persist reset of %v: %w",
			state.id, err)
	}

	state.mtx.Lock()
	for height, txs := range state.relevant {
		i.cfg.Arena.Release(txs)
		delete(state.relevant, height)
	}
	state.window = NewCheckpointWindow(state.window.Size(), nil)
	state.syncHeight = startHeight
	state.lastHash = chainhash.Hash{}
	state.mtx.Unlock()

	log.Infof("Consumer %v reset to height %d", state.id, startHeight)

	state.observer.OnBlockchainDetach(state.id, startHeight)

	return nil
}

// Release drops the references the consumer holds in the arena. It is called
// once the consumer is unregistered and leaves its persisted state untouched.
func (i *Ingestor) Release(state *ConsumerState) {
	state.writeMtx.Lock()
	defer state.writeMtx.Unlock()

	state.mtx.Lock()
	defer state.mtx.Unlock()

	for height, txs := range state.relevant {
		i.cfg.Arena.Release(txs)
		delete(state.relevant, height)
	}
}

// replace rolls the consumer back to the parent of block if block replaces an
// applied block on a different branch. It returns the height rolled back to,
// if any.
func (i *Ingestor) replace(state *ConsumerState,
	block *chaindata.CompleteBlock) (fn.Option[uint32], error) {

	none := fn.None[uint32]()

	if err := checkContent(block); err != nil {
		return none, err
	}

	state.mtx.RLock()
	syncHeight := state.syncHeight
	local := state.window.At(block.Height)
	ancestor := state.window.At(block.Height - 1)
	state.mtx.RUnlock()

	if block.Height == 0 || block.Height > syncHeight+1 {
		return none, fmt.Errorf("%w: block %v at height %d, sync "+
			"height %d", ErrOutOfOrder, block.BlockHash,
			block.Height, syncHeight)
	}

	if block.Height == syncHeight+1 {
		return none, nil
	}

	// Nothing to do if the block is the one we already applied.
	if local.UnwrapOr(chainhash.Hash{}) == block.BlockHash {
		return none, nil
	}

	parent, err := block.ParentHash()
	if err != nil {
		return none, err
	}

	ancestorHash, err := ancestor.UnwrapOrErr(ErrRollbackTooDeep)
	if err != nil {
		return none, fmt.Errorf("%w: no checkpoint at height %d to "+
			"replace block at height %d", err, block.Height-1,
			block.Height)
	}

	if parent != ancestorHash {
		return none, fmt.Errorf("%w: block %v at height %d has parent "+
			"%v, checkpoint is %v", ErrParentMismatch,
			block.BlockHash, block.Height, parent, ancestorHash)
	}

	log.Infof("Block %v replaces applied block at height %d for %v",
		block.BlockHash, block.Height, state.id)

	if err := i.disconnect(state, block.Height-1); err != nil {
		return none, err
	}

	return fn.Some(block.Height - 1), nil
}

// connect applies the block directly following the consumer's sync height.
func (i *Ingestor) connect(state *ConsumerState,
	block *chaindata.CompleteBlock) ([]*btcutil.Tx, error) {

	parent, err := block.ParentHash()
	if err != nil {
		return nil, err
	}

	state.mtx.RLock()
	tip := state.window.Tip()
	state.mtx.RUnlock()

	var mismatch error
	tip.WhenSome(func(cp chaindata.Checkpoint) {
		if cp.Hash != parent {
			mismatch = fmt.Errorf("%w: block %v at height %d has "+
				"parent %v, tip is %v", ErrParentMismatch,
				block.BlockHash, block.Height, parent, cp)
		}
	})
	if mismatch != nil {
		return nil, mismatch
	}

	relevant, err := extractRelevant(state.filter, block)
	if err != nil {
		discardFilter(state.filter)

		return nil, fmt.Errorf("unable to filter block %v at height "+
			"%d: %w", block.BlockHash, block.Height, err)
	}

	// Persist the state as it will be once the block is applied, before
	// touching the in-memory state.
	state.mtx.RLock()
	cps, evicted := state.window.pushed(block.Checkpoint())
	state.mtx.RUnlock()

	err = i.cfg.Store.SaveConsumerState(&chaindata.ConsumerSnapshot{
		ID:            state.id,
		SyncHeight:    block.Height,
		LastBlockHash: block.BlockHash,
		Checkpoints:   cps,
	})
	if err != nil {
		discardFilter(state.filter)

		return nil, fmt.Errorf("unable to persist block %v at height "+
			"%d: %w", block.BlockHash, block.Height, err)
	}

	if staged, ok := state.filter.(StagedFilter); ok {
		staged.Commit()
	}

	shared := i.cfg.Arena.Intern(relevant)

	state.mtx.Lock()
	state.window.Push(block.Checkpoint())
	evicted.WhenSome(func(cp chaindata.Checkpoint) {
		i.cfg.Arena.Release(state.relevant[cp.Height])
		delete(state.relevant, cp.Height)
	})
	if len(shared) > 0 {
		state.relevant[block.Height] = shared
	}
	state.syncHeight = block.Height
	state.lastHash = block.BlockHash
	state.mtx.Unlock()

	log.Debugf("Applied block %v at height %d for %v with %d relevant "+
		"txs", block.BlockHash, block.Height, state.id, len(shared))

	return shared, nil
}

// disconnect rolls the consumer back to height, which must be a retained
// checkpoint below the sync height.
func (i *Ingestor) disconnect(state *ConsumerState, height uint32) error {
	state.mtx.RLock()
	target := state.window.At(height)
	cps, dropped := state.window.truncated(height)
	state.mtx.RUnlock()

	hash, err := target.UnwrapOrErr(ErrRollbackTooDeep)
	if err != nil {
		return fmt.Errorf("%w: no checkpoint at height %d for %v", err,
			height, state.id)
	}

	err = i.cfg.Store.SaveConsumerState(&chaindata.ConsumerSnapshot{
		ID:            state.id,
		SyncHeight:    height,
		LastBlockHash: hash,
		Checkpoints:   cps,
	})
	if err != nil {
		return fmt.Errorf("unable to persist rollback to height %d: %w",
			height, err)
	}

	state.mtx.Lock()
	defer state.mtx.Unlock()

	state.window.TruncateAbove(height)

	// Blocks are detached from the top down.
	for idx := len(dropped) - 1; idx >= 0; idx-- {
		cp := dropped[idx]

		i.cfg.Arena.Release(state.relevant[cp.Height])
		delete(state.relevant, cp.Height)

		log.Debugf("Detached block %v at height %d for %v", cp.Hash,
			cp.Height, state.id)
	}
	state.syncHeight = height
	state.lastHash = hash

	log.Infof("Rolled back %v to height %d, detached %d blocks",
		state.id, height, len(dropped))

	return nil
}

// checkContent ensures the block carries content that can be applied.
func checkContent(block *chaindata.CompleteBlock) error {
	if !block.IsPresent() {
		return fmt.Errorf("%w: block %v at height %d",
			ErrBlockUnavailable, block.BlockHash, block.Height)
	}

	if len(block.Transactions) == 0 {
		return fmt.Errorf("%w: block %v at height %d", ErrEmptyBlock,
			block.BlockHash, block.Height)
	}

	return nil
}

// extractRelevant returns the coinbase of the block followed by every other
// transaction matching the filter.
func extractRelevant(filter Filter,
	block *chaindata.CompleteBlock) ([]*btcutil.Tx, error) {

	coinbase := block.Transactions[0]
	if !blockchain.IsCoinBaseTx(coinbase.MsgTx()) {
		log.Warnf("First transaction %v of block %v is not a coinbase",
			coinbase.Hash(), block.BlockHash)
	}

	relevant := []*btcutil.Tx{coinbase}
	for _, tx := range block.Transactions[1:] {
		match, err := filter.Match(tx)
		if err != nil {
			return nil, err
		}

		if match {
			relevant = append(relevant, tx)
		}
	}

	return relevant, nil
}

// discardFilter drops what a staged filter learnt from a block that was not
// applied.
func discardFilter(filter Filter) {
	if staged, ok := filter.(StagedFilter); ok {
		staged.Discard()
	}
}

// notifier batches the observer notifications of an ApplyBatch call so that
// every contiguous run of applied blocks is reported once.
type notifier struct {
	state *ConsumerState

	pending bool
	heights chaindata.HeightRange
	txs     []*btcutil.Tx
}

func newNotifier(state *ConsumerState) *notifier {
	return &notifier{state: state}
}

// added records an applied block.
func (n *notifier) added(height uint32, txs []*btcutil.Tx) {
	if n.pending && height != n.heights.End+1 {
		n.flush()
	}

	if !n.pending {
		n.pending = true
		n.heights = chaindata.HeightRange{Start: height}
	}

	n.heights.End = height
	n.txs = append(n.txs, txs...)
}

// detached reports a rollback after any pending additions.
func (n *notifier) detached(height uint32) {
	n.flush()
	n.state.observer.OnBlockchainDetach(n.state.id, height)
}

// flush reports the pending run of applied blocks, if any.
func (n *notifier) flush() {
	if !n.pending {
		return
	}

	n.state.observer.OnBlocksAdded(n.state.id, n.heights, n.txs)

	n.pending = false
	n.txs = nil
}
