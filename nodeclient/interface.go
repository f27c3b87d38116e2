package nodeclient

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/chainsync/chaindata"
)

var (
	// ErrNetworkTimeout is returned when a round trip to the remote node
	// exceeds its deadline.
	ErrNetworkTimeout = errors.New("node request timed out")

	// ErrNodeUnavailable is returned when the remote node is temporarily
	// unable to serve a request.
	ErrNodeUnavailable = errors.New("node temporarily unavailable")
)

// NodeClient is the remote, authoritative view of the chain. All data
// returned is treated as pre-validated: callers only inspect the presence of
// block content and hash equality.
type NodeClient interface {
	// QueryBlockchainInterval asks the node for its block hashes covering
	// the heights [startHeight, startHeight+len(checkpointHashes)).
	// checkpointHashes[i] is the caller's hash at startHeight+i, or the
	// zero hash if the caller retains none for that height. The answer is
	// truncated at the node's tip and is empty if startHeight is above
	// it.
	QueryBlockchainInterval(ctx context.Context, startHeight uint32,
		checkpointHashes []chainhash.Hash) (
		*chaindata.BlockchainInterval, error)

	// QueryCompleteBlocks returns up to count consecutive blocks starting
	// at startHeight, in ascending height order.
	QueryCompleteBlocks(ctx context.Context, startHeight,
		count uint32) ([]*chaindata.CompleteBlock, error)

	// GetCurrentHeight returns the height of the node's best block.
	GetCurrentHeight(ctx context.Context) (uint32, error)
}

// IsTransient returns true if the error is one the node may recover from
// without any intervention on our side.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetworkTimeout) ||
		errors.Is(err, ErrNodeUnavailable)
}
