package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/chainsync/chaindata"
	"github.com/lightninglabs/chainsync/nodeclient"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	methodInterval = "query_blockchain_interval"
	methodBlocks   = "query_complete_blocks"
	methodHeight   = "get_current_height"
)

// InstrumentedClient wraps a NodeClient and records the latency and the
// failures of every call.
type InstrumentedClient struct {
	node nodeclient.NodeClient

	latency  *prometheus.HistogramVec
	failures *prometheus.CounterVec
}

// Compile-time check to ensure InstrumentedClient implements NodeClient.
var _ nodeclient.NodeClient = (*InstrumentedClient)(nil)

// NewInstrumentedClient returns a NodeClient recording metrics about node.
func NewInstrumentedClient(node nodeclient.NodeClient) *InstrumentedClient {
	return &InstrumentedClient{
		node: node,
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_request_duration_seconds",
				Help:      "Latency of requests to the node.",
				Buckets: prometheus.ExponentialBuckets(
					0.005, 2, 14,
				),
			},
			[]string{"method"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_request_failures_total",
				Help:      "Number of failed requests to the node.",
			},
			[]string{"method", "kind"},
		),
	}
}

// Register registers the client metrics with the given registerer.
func (c *InstrumentedClient) Register(reg prometheus.Registerer) error {
	if err := reg.Register(c.latency); err != nil {
		return err
	}

	return reg.Register(c.failures)
}

// QueryBlockchainInterval implements the nodeclient.NodeClient interface.
func (c *InstrumentedClient) QueryBlockchainInterval(ctx context.Context,
	startHeight uint32, checkpointHashes []chainhash.Hash) (
	*chaindata.BlockchainInterval, error) {

	defer c.observe(methodInterval, time.Now())

	interval, err := c.node.QueryBlockchainInterval(
		ctx, startHeight, checkpointHashes,
	)
	c.fail(methodInterval, err)

	return interval, err
}

// QueryCompleteBlocks implements the nodeclient.NodeClient interface.
func (c *InstrumentedClient) QueryCompleteBlocks(ctx context.Context,
	startHeight, count uint32) ([]*chaindata.CompleteBlock, error) {

	defer c.observe(methodBlocks, time.Now())

	blocks, err := c.node.QueryCompleteBlocks(ctx, startHeight, count)
	c.fail(methodBlocks, err)

	return blocks, err
}

// GetCurrentHeight implements the nodeclient.NodeClient interface.
func (c *InstrumentedClient) GetCurrentHeight(
	ctx context.Context) (uint32, error) {

	defer c.observe(methodHeight, time.Now())

	height, err := c.node.GetCurrentHeight(ctx)
	c.fail(methodHeight, err)

	return height, err
}

func (c *InstrumentedClient) observe(method string, start time.Time) {
	c.latency.WithLabelValues(method).Observe(
		time.Since(start).Seconds(),
	)
}

func (c *InstrumentedClient) fail(method string, err error) {
	if err == nil {
		return
	}

	c.failures.WithLabelValues(method, failureKind(err)).Inc()
}

// failureKind buckets an error returned by the node.
func failureKind(err error) string {
	switch {
	case errors.Is(err, nodeclient.ErrNetworkTimeout):
		return "timeout"

	case errors.Is(err, nodeclient.ErrNodeUnavailable):
		return "unavailable"

	case errors.Is(err, context.Canceled):
		return "canceled"

	default:
		return "other"
	}
}
