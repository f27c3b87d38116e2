package nodeclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/chainsync/chaindata"
	"golang.org/x/time/rate"
)

// DefaultRequestTimeout is the deadline applied to every node round trip if
// none is configured.
const DefaultRequestTimeout = 30 * time.Second

// TimeoutClient wraps a NodeClient and bounds every call by a deadline. A
// call that runs out of time fails with ErrNetworkTimeout, while a call
// aborted because the caller's own context was canceled keeps the context
// error.
type TimeoutClient struct {
	node    NodeClient
	timeout time.Duration
}

// Compile-time check to ensure TimeoutClient implements NodeClient.
var _ NodeClient = (*TimeoutClient)(nil)

// NewTimeoutClient returns a NodeClient that applies the given per-request
// timeout to node.
func NewTimeoutClient(node NodeClient, timeout time.Duration) *TimeoutClient {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &TimeoutClient{
		node:    node,
		timeout: timeout,
	}
}

// QueryBlockchainInterval implements the NodeClient interface.
func (t *TimeoutClient) QueryBlockchainInterval(ctx context.Context,
	startHeight uint32, checkpointHashes []chainhash.Hash) (
	*chaindata.BlockchainInterval, error) {

	var interval *chaindata.BlockchainInterval
	err := t.do(ctx, "QueryBlockchainInterval", func(ctx context.Context) error {
		var err error
		interval, err = t.node.QueryBlockchainInterval(
			ctx, startHeight, checkpointHashes,
		)

		return err
	})

	return interval, err
}

// QueryCompleteBlocks implements the NodeClient interface.
func (t *TimeoutClient) QueryCompleteBlocks(ctx context.Context, startHeight,
	count uint32) ([]*chaindata.CompleteBlock, error) {

	var blocks []*chaindata.CompleteBlock
	err := t.do(ctx, "QueryCompleteBlocks", func(ctx context.Context) error {
		var err error
		blocks, err = t.node.QueryCompleteBlocks(ctx, startHeight, count)

		return err
	})

	return blocks, err
}

// GetCurrentHeight implements the NodeClient interface.
func (t *TimeoutClient) GetCurrentHeight(ctx context.Context) (uint32, error) {
	var height uint32
	err := t.do(ctx, "GetCurrentHeight", func(ctx context.Context) error {
		var err error
		height, err = t.node.GetCurrentHeight(ctx)

		return err
	})

	return height, err
}

// do runs f under a derived context carrying the request deadline.
func (t *TimeoutClient) do(ctx context.Context, method string,
	f func(context.Context) error) error {

	reqCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	err := f(reqCtx)
	if err == nil {
		return nil
	}

	// The parent context going away is a cancellation, not a timeout.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(reqCtx.Err(), context.DeadlineExceeded) {

		log.Debugf("%s timed out after %v", method, t.timeout)

		return fmt.Errorf("%s: %w", method, ErrNetworkTimeout)
	}

	return err
}

// RateLimitedClient wraps a NodeClient and spaces out requests so the remote
// node is not flooded when many consumers catch up at once.
type RateLimitedClient struct {
	node    NodeClient
	limiter *rate.Limiter
}

// Compile-time check to ensure RateLimitedClient implements NodeClient.
var _ NodeClient = (*RateLimitedClient)(nil)

// NewRateLimitedClient returns a NodeClient that allows at most
// requestsPerSecond calls per second with the given burst. A non-positive
// rate disables limiting.
func NewRateLimitedClient(node NodeClient, requestsPerSecond float64,
	burst int) *RateLimitedClient {

	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}

	return &RateLimitedClient{
		node:    node,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// QueryBlockchainInterval implements the NodeClient interface.
func (r *RateLimitedClient) QueryBlockchainInterval(ctx context.Context,
	startHeight uint32, checkpointHashes []chainhash.Hash) (
	*chaindata.BlockchainInterval, error) {

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	return r.node.QueryBlockchainInterval(ctx, startHeight, checkpointHashes)
}

// QueryCompleteBlocks implements the NodeClient interface.
func (r *RateLimitedClient) QueryCompleteBlocks(ctx context.Context,
	startHeight, count uint32) ([]*chaindata.CompleteBlock, error) {

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	return r.node.QueryCompleteBlocks(ctx, startHeight, count)
}

// GetCurrentHeight implements the NodeClient interface.
func (r *RateLimitedClient) GetCurrentHeight(ctx context.Context) (uint32,
	error) {

	if err := r.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	return r.node.GetCurrentHeight(ctx)
}
