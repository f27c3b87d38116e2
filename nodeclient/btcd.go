package nodeclient

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/chainsync/blockcache"
	"github.com/lightninglabs/chainsync/chaindata"
)

// BtcdClient is a NodeClient backed by the JSON-RPC interface of a btcd (or
// bitcoind compatible) full node.
type BtcdClient struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	conn       *rpcclient.Client
	blockCache *blockcache.BlockCache
}

// Compile-time check to ensure BtcdClient implements NodeClient.
var _ NodeClient = (*BtcdClient)(nil)

// NewBtcdClient creates a new client from RPC credentials for an active btcd
// instance. The connection is established by Start.
func NewBtcdClient(config rpcclient.ConnConfig,
	blockCache *blockcache.BlockCache) (*BtcdClient, error) {

	// Disable connecting to btcd within the rpcclient.New method. We
	// defer establishing the connection to our .Start() method.
	config.DisableConnectOnNew = true
	config.DisableAutoReconnect = false
	conn, err := rpcclient.New(&config, nil)
	if err != nil {
		return nil, err
	}

	return &BtcdClient{
		conn:       conn,
		blockCache: blockCache,
	}, nil
}

// Start connects to the node.
func (b *BtcdClient) Start() error {
	// Already started?
	if atomic.AddInt32(&b.started, 1) != 1 {
		return nil
	}

	log.Infof("BtcdClient starting")

	// HTTP POST mode clients don't hold a connection open.
	if b.conn.Connect(20) != nil {
		log.Debugf("Node connection deferred to first request")
	}

	return nil
}

// Stop disconnects from the node.
func (b *BtcdClient) Stop() error {
	// Already shutting down?
	if atomic.AddInt32(&b.stopped, 1) != 1 {
		return nil
	}

	log.Infof("BtcdClient stopping")

	b.conn.Shutdown()
	b.conn.WaitForShutdown()

	return nil
}

// GetCurrentHeight implements the NodeClient interface.
func (b *BtcdClient) GetCurrentHeight(ctx context.Context) (uint32, error) {
	future := b.conn.GetBlockCountAsync()
	count, err := receive(ctx, future.Receive)
	if err != nil {
		return 0, mapRPCError(err)
	}

	return uint32(count), nil
}

// QueryBlockchainInterval implements the NodeClient interface.
func (b *BtcdClient) QueryBlockchainInterval(ctx context.Context,
	startHeight uint32, checkpointHashes []chainhash.Hash) (
	*chaindata.BlockchainInterval, error) {

	tip, err := b.GetCurrentHeight(ctx)
	if err != nil {
		return nil, err
	}

	interval := &chaindata.BlockchainInterval{
		StartHeight: startHeight,
	}
	for i := range checkpointHashes {
		height := startHeight + uint32(i)
		if height > tip {
			break
		}

		hash, err := b.blockHash(ctx, height)
		if err != nil {
			return nil, err
		}

		interval.Blocks = append(interval.Blocks, *hash)
	}

	return interval, nil
}

// QueryCompleteBlocks implements the NodeClient interface.
func (b *BtcdClient) QueryCompleteBlocks(ctx context.Context, startHeight,
	count uint32) ([]*chaindata.CompleteBlock, error) {

	tip, err := b.GetCurrentHeight(ctx)
	if err != nil {
		return nil, err
	}

	var blocks []*chaindata.CompleteBlock
	for height := startHeight; height < startHeight+count; height++ {
		if height > tip {
			break
		}

		hash, err := b.blockHash(ctx, height)
		if err != nil {
			return nil, err
		}

		block, err := b.blockCache.GetBlock(
			hash, func(hash *chainhash.Hash) (*wire.MsgBlock,
				error) {

				future := b.conn.GetBlockAsync(hash)
				return receive(ctx, future.Receive)
			},
		)
		switch {
		case isBlockNotFound(err):
			log.Debugf("Node has no content for block %v at "+
				"height %d", hash, height)

			blocks = append(
				blocks, chaindata.NewAbsentBlock(height, *hash),
			)

			continue

		case err != nil:
			return nil, mapRPCError(err)
		}

		blocks = append(blocks, chaindata.NewCompleteBlock(height, block))
	}

	return blocks, nil
}

// blockHash fetches the hash of the main chain block at the given height.
func (b *BtcdClient) blockHash(ctx context.Context,
	height uint32) (*chainhash.Hash, error) {

	future := b.conn.GetBlockHashAsync(int64(height))
	hash, err := receive(ctx, future.Receive)
	if err != nil {
		return nil, fmt.Errorf("unable to get hash at height %d: %w",
			height, mapRPCError(err))
	}

	return hash, nil
}

// receive waits for an RPC response while honoring the context. The rpcclient
// has no notion of contexts, so an abandoned request is left to complete in
// the background.
func receive[T any](ctx context.Context, f func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}

	resChan := make(chan result, 1)
	go func() {
		val, err := f()
		resChan <- result{val: val, err: err}
	}()

	select {
	case res := <-resChan:
		return res.val, res.err

	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// isBlockNotFound returns true if the node reported it does not have the
// requested block.
func isBlockNotFound(err error) bool {
	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}

	return rpcErr.Code == btcjson.ErrRPCBlockNotFound
}

// mapRPCError translates connection level failures into ErrNodeUnavailable so
// callers can retry them.
func mapRPCError(err error) error {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):

		return err

	case errors.Is(err, rpcclient.ErrClientDisconnect),
		errors.Is(err, rpcclient.ErrClientNotConnected),
		errors.Is(err, rpcclient.ErrClientShutdown):

		return fmt.Errorf("%w: %w", ErrNodeUnavailable, err)
	}

	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return err
	}

	// Anything else is a transport failure.
	return fmt.Errorf("%w: %w", ErrNodeUnavailable, err)
}
