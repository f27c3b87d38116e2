package chaintest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync/chaindata"
	"github.com/lightninglabs/chainsync/nodeclient"
)

// Method identifies one of the NodeClient operations served by a Chain.
type Method uint8

const (
	// MethodQueryInterval is QueryBlockchainInterval.
	MethodQueryInterval Method = iota

	// MethodQueryBlocks is QueryCompleteBlocks.
	MethodQueryBlocks

	// MethodCurrentHeight is GetCurrentHeight.
	MethodCurrentHeight
)

// String returns a human readable name for the method.
func (m Method) String() string {
	switch m {
	case MethodQueryInterval:
		return "QueryBlockchainInterval"

	case MethodQueryBlocks:
		return "QueryCompleteBlocks"

	case MethodCurrentHeight:
		return "GetCurrentHeight"

	default:
		return fmt.Sprintf("Method(%d)", uint8(m))
	}
}

// Call records a single request served by a Chain.
type Call struct {
	// Method is the operation that was called.
	Method Method

	// StartHeight is the start height of an interval or block query.
	StartHeight uint32

	// Count is the number of checkpoint hashes of an interval query or
	// the number of blocks asked for by a block query.
	Count uint32

	// Hashes are the checkpoint hashes sent with an interval query.
	Hashes []chainhash.Hash
}

// Chain is a scripted in-memory blockchain implementing the NodeClient
// interface. Tests extend, fork and break it while consumers sync against it.
type Chain struct {
	mtx sync.Mutex

	// blocks holds the main chain, indexed by height. blocks[0] is the
	// genesis block.
	blocks []*btcutil.Block

	// lagging holds the blocks hidden by Lag until CatchUp.
	lagging []*btcutil.Block

	// absent holds the hashes of blocks whose content is withheld.
	absent map[chainhash.Hash]struct{}

	// failures holds the errors queued per method. Each call pops one.
	failures map[Method][]error

	// delay is applied to every call before it is served.
	delay time.Duration

	calls []Call
}

// Compile-time check to ensure Chain implements NodeClient.
var _ nodeclient.NodeClient = (*Chain)(nil)

// NewChain creates a chain with a genesis block and tip blocks on top of it.
func NewChain(tip uint32) *Chain {
	c := &Chain{
		absent:   make(map[chainhash.Hash]struct{}),
		failures: make(map[Method][]error),
	}
	c.blocks = append(c.blocks, c.newBlock(chainhash.Hash{}, 0))
	c.Extend(tip)

	return c
}

// newBlock builds a block at height on top of prevHash that holds a coinbase
// followed by txs. The caller must hold the mutex.
func (c *Chain) newBlock(prevHash chainhash.Hash, height uint32,
	txs ...*wire.MsgTx) *btcutil.Block {

	nonce := atomic.AddUint32(&blockNonce, 1)

	msgBlock := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			PrevBlock: prevHash,
			Timestamp: time.Unix(int64(1231006505+height*600), 0),
			Bits:      0x207fffff,
			Nonce:     nonce,
		},
	}
	msgBlock.AddTransaction(NewCoinbaseTx(height, nonce))
	for _, tx := range txs {
		msgBlock.AddTransaction(tx)
	}

	// Populate the lazily computed fields so the block can be read
	// concurrently.
	block := btcutil.NewBlock(msgBlock)
	block.SetHeight(int32(height))
	block.Hash()
	for _, tx := range block.Transactions() {
		tx.Hash()
	}

	return block
}

// Extend mines n coinbase-only blocks on top of the current tip.
func (c *Chain) Extend(n uint32) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for i := uint32(0); i < n; i++ {
		c.extend()
	}
}

// ExtendWith mines a single block holding the given transactions after the
// coinbase and returns it.
func (c *Chain) ExtendWith(txs ...*wire.MsgTx) *btcutil.Block {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.extend(txs...)
}

// extend mines one block. The caller must hold the mutex.
func (c *Chain) extend(txs ...*wire.MsgTx) *btcutil.Block {
	tip := c.blocks[len(c.blocks)-1]
	block := c.newBlock(*tip.Hash(), uint32(len(c.blocks)), txs...)
	c.blocks = append(c.blocks, block)

	return block
}

// Reorg disconnects every block above forkHeight and mines n fresh blocks on
// top of the block at forkHeight.
func (c *Chain) Reorg(forkHeight, n uint32) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if int(forkHeight) >= len(c.blocks) {
		panic(fmt.Sprintf("fork height %d above tip %d", forkHeight,
			len(c.blocks)-1))
	}

	c.blocks = c.blocks[:forkHeight+1]
	for i := uint32(0); i < n; i++ {
		c.extend()
	}
}

// Lag hides every block above height, as if the node were still catching up
// with the network. The chain must not be extended or reorged until CatchUp
// serves the hidden blocks again.
func (c *Chain) Lag(height uint32) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if int(height) >= len(c.blocks) {
		panic(fmt.Sprintf("lag height %d above tip %d", height,
			len(c.blocks)-1))
	}

	c.lagging = append(
		slices.Clone(c.blocks[height+1:]), c.lagging...,
	)
	c.blocks = c.blocks[:height+1]
}

// CatchUp serves again the blocks hidden by Lag.
func (c *Chain) CatchUp() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.blocks = append(c.blocks, c.lagging...)
	c.lagging = nil
}

// Tip returns the current best height.
func (c *Chain) Tip() uint32 {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return uint32(len(c.blocks) - 1)
}

// Hash returns the hash of the main chain block at height.
func (c *Chain) Hash(height uint32) chainhash.Hash {
	return *c.Block(height).Hash()
}

// Block returns the main chain block at height.
func (c *Chain) Block(height uint32) *btcutil.Block {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.blocks[height]
}

// CompleteBlock returns the main chain block at height as served to a
// consumer.
func (c *Chain) CompleteBlock(height uint32) *chaindata.CompleteBlock {
	return chaindata.NewCompleteBlock(height, c.Block(height))
}

// CompleteBlocks returns the main chain blocks in [start, end] as served to a
// consumer.
func (c *Chain) CompleteBlocks(start, end uint32) []*chaindata.CompleteBlock {
	blocks := make([]*chaindata.CompleteBlock, 0, end-start+1)
	for h := start; h <= end; h++ {
		blocks = append(blocks, c.CompleteBlock(h))
	}

	return blocks
}

// Checkpoints returns the main chain checkpoints in [start, end].
func (c *Chain) Checkpoints(start, end uint32) []chaindata.Checkpoint {
	cps := make([]chaindata.Checkpoint, 0, end-start+1)
	for h := start; h <= end; h++ {
		cps = append(cps, chaindata.Checkpoint{
			Height: h,
			Hash:   c.Hash(h),
		})
	}

	return cps
}

// SetAbsent withholds the content of the main chain block at height.
func (c *Chain) SetAbsent(height uint32) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.absent[*c.blocks[height].Hash()] = struct{}{}
}

// ClearAbsent serves the content of the main chain block at height again.
func (c *Chain) ClearAbsent(height uint32) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	delete(c.absent, *c.blocks[height].Hash())
}

// FailNext queues errors to be returned by the next calls to method, one per
// call.
func (c *Chain) FailNext(method Method, errs ...error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.failures[method] = append(c.failures[method], errs...)
}

// SetDelay makes every subsequent call wait for d, or until its context is
// done, before it is served.
func (c *Chain) SetDelay(d time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.delay = d
}

// Calls returns the requests served so far.
func (c *Chain) Calls() []Call {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	calls := make([]Call, len(c.calls))
	copy(calls, c.calls)

	return calls
}

// CallsFor returns the requests served so far for one method.
func (c *Chain) CallsFor(method Method) []Call {
	var calls []Call
	for _, call := range c.Calls() {
		if call.Method == method {
			calls = append(calls, call)
		}
	}

	return calls
}

// ResetCalls forgets the recorded requests.
func (c *Chain) ResetCalls() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.calls = nil
}

// begin records the call, waits out the configured delay and pops a queued
// failure. On success the mutex is held when it returns.
func (c *Chain) begin(ctx context.Context, call Call) error {
	c.mtx.Lock()
	c.calls = append(c.calls, call)
	delay := c.delay
	c.mtx.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	c.mtx.Lock()
	if queued := c.failures[call.Method]; len(queued) > 0 {
		c.failures[call.Method] = queued[1:]
		c.mtx.Unlock()

		return queued[0]
	}

	return nil
}

// QueryBlockchainInterval implements the NodeClient interface.
func (c *Chain) QueryBlockchainInterval(ctx context.Context,
	startHeight uint32, checkpointHashes []chainhash.Hash) (
	*chaindata.BlockchainInterval, error) {

	hashes := make([]chainhash.Hash, len(checkpointHashes))
	copy(hashes, checkpointHashes)

	err := c.begin(ctx, Call{
		Method:      MethodQueryInterval,
		StartHeight: startHeight,
		Count:       uint32(len(checkpointHashes)),
		Hashes:      hashes,
	})
	if err != nil {
		return nil, err
	}
	defer c.mtx.Unlock()

	interval := &chaindata.BlockchainInterval{
		StartHeight: startHeight,
	}
	for i := range checkpointHashes {
		height := uint64(startHeight) + uint64(i)
		if height >= uint64(len(c.blocks)) {
			break
		}

		interval.Blocks = append(
			interval.Blocks, *c.blocks[height].Hash(),
		)
	}

	return interval, nil
}

// QueryCompleteBlocks implements the NodeClient interface.
func (c *Chain) QueryCompleteBlocks(ctx context.Context, startHeight,
	count uint32) ([]*chaindata.CompleteBlock, error) {

	err := c.begin(ctx, Call{
		Method:      MethodQueryBlocks,
		StartHeight: startHeight,
		Count:       count,
	})
	if err != nil {
		return nil, err
	}
	defer c.mtx.Unlock()

	var blocks []*chaindata.CompleteBlock
	for i := uint32(0); i < count; i++ {
		height := uint64(startHeight) + uint64(i)
		if height >= uint64(len(c.blocks)) {
			break
		}

		block := c.blocks[height]
		if _, ok := c.absent[*block.Hash()]; ok {
			blocks = append(blocks, chaindata.NewAbsentBlock(
				uint32(height), *block.Hash(),
			))

			continue
		}

		blocks = append(
			blocks, chaindata.NewCompleteBlock(uint32(height), block),
		)
	}

	return blocks, nil
}

// GetCurrentHeight implements the NodeClient interface.
func (c *Chain) GetCurrentHeight(ctx context.Context) (uint32, error) {
	err := c.begin(ctx, Call{Method: MethodCurrentHeight})
	if err != nil {
		return 0, err
	}
	defer c.mtx.Unlock()

	return uint32(len(c.blocks) - 1), nil
}

var (
	// blockNonce makes every block built by any Chain unique, so
	// independently created chains never share history.
	blockNonce uint32

	// txCounter makes every transaction built by NewTx unique.
	txCounter uint32
)

// NewCoinbaseTx builds a generation transaction for the given height. The
// extra nonce keeps coinbases of competing branches distinct.
func NewCoinbaseTx(height, extraNonce uint32) *wire.MsgTx {
	sigScript, err := txscript.NewScriptBuilder().
		AddInt64(int64(height)).
		AddInt64(int64(extraNonce)).
		Script()
	if err != nil {
		panic(err)
	}

	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Index: wire.MaxPrevOutIndex,
		},
		SignatureScript: sigScript,
		Sequence:        wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{
		Value:    50 * btcutil.SatoshiPerBitcoin,
		PkScript: PkScript(0xff),
	})

	return tx
}

// NewTx builds a transaction paying value to each of the given scripts. Its
// single input spends a unique made-up outpoint.
func NewTx(value int64, pkScripts ...[]byte) *wire.MsgTx {
	var prevHash chainhash.Hash
	n := atomic.AddUint32(&txCounter, 1)
	prevHash[0] = byte(n)
	prevHash[1] = byte(n >> 8)
	prevHash[2] = byte(n >> 16)
	prevHash[3] = byte(n >> 24)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: prevHash},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	for _, pkScript := range pkScripts {
		tx.AddTxOut(&wire.TxOut{Value: value, PkScript: pkScript})
	}

	return tx
}

// Address returns a deterministic regtest P2WPKH address derived from tag.
func Address(tag byte) btcutil.Address {
	var pubKeyHash [20]byte
	for i := range pubKeyHash {
		pubKeyHash[i] = tag
	}

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		pubKeyHash[:], &chaincfg.RegressionNetParams,
	)
	if err != nil {
		panic(err)
	}

	return addr
}

// PkScript returns the output script paying to Address(tag).
func PkScript(tag byte) []byte {
	pkScript, err := txscript.PayToAddrScript(Address(tag))
	if err != nil {
		panic(err)
	}

	return pkScript
}
