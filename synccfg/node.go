package synccfg

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/lightninglabs/chainsync/blockcache"
)

var (
	// DefaultBtcdDir is the default data directory of btcd.
	DefaultBtcdDir = btcutil.AppDataDir("btcd", false)

	// DefaultBtcdRPCCertFile is the default RPC certificate of btcd.
	DefaultBtcdRPCCertFile = filepath.Join(DefaultBtcdDir, "rpc.cert")
)

// Node holds the options of the connection to the full node the consumers are
// synchronized with.
//
//nolint:lll
type Node struct {
	RPCHost            string  `long:"rpchost" description:"The daemon's rpc listening address. If a port is omitted, then the default port for the selected chain parameters will be used."`
	RPCUser            string  `long:"rpcuser" description:"Username for RPC connections"`
	RPCPass            string  `long:"rpcpass" default-mask:"-" description:"Password for RPC connections"`
	RPCCert            string  `long:"rpccert" description:"File containing the daemon's certificate file"`
	DisableTLS         bool    `long:"notls" description:"Disable TLS for the RPC connection"`
	HTTPPostMode       bool    `long:"httppostmode" description:"Use HTTP POST requests instead of a websocket connection"`
	RequestsPerSecond  float64 `long:"requestspersecond" description:"Maximum rate of requests sent to the node (0 for no limit)"`
	RequestBurst       int     `long:"requestburst" description:"Maximum burst of requests sent to the node"`
	BlockCacheCapacity uint64  `long:"blockcachecapacity" description:"Size in bytes of the cache of blocks shared by the consumers"`
}

// DefaultNode returns the default node config.
func DefaultNode() *Node {
	return &Node{
		RPCHost:            "localhost:8334",
		RPCCert:            DefaultBtcdRPCCertFile,
		RequestBurst:       10,
		BlockCacheCapacity: blockcache.DefaultCapacity,
	}
}

// Validate checks that the node config is sane.
func (n *Node) Validate() error {
	switch {
	case n.RPCHost == "":
		return fmt.Errorf("node.rpchost must be set")

	case n.RequestsPerSecond < 0:
		return fmt.Errorf("node.requestspersecond must not be " +
			"negative")

	case n.RequestBurst < 1:
		return fmt.Errorf("node.requestburst must be positive")
	}

	return nil
}

// ConnConfig returns the RPC connection config of the node, reading the TLS
// certificate from disk if needed.
func (n *Node) ConnConfig() (*rpcclient.ConnConfig, error) {
	var certs []byte
	if !n.DisableTLS {
		var err error
		certs, err = os.ReadFile(CleanAndExpandPath(n.RPCCert))
		if err != nil {
			return nil, fmt.Errorf("unable to read rpc "+
				"certificate: %w", err)
		}
	}

	return &rpcclient.ConnConfig{
		Host:         n.RPCHost,
		Endpoint:     "ws",
		User:         n.RPCUser,
		Pass:         n.RPCPass,
		Certificates: certs,
		DisableTLS:   n.DisableTLS,
		HTTPPostMode: n.HTTPPostMode,
	}, nil
}

// Compile-time constraint to ensure Node implements the Validator interface.
var _ Validator = (*Node)(nil)
