package synccfg

import (
	"fmt"
	"time"

	"github.com/lightninglabs/chainsync/ancestor"
	"github.com/lightninglabs/chainsync/ingest"
	"github.com/lightninglabs/chainsync/nodeclient"
	"github.com/lightninglabs/chainsync/registry"
	"github.com/lightninglabs/chainsync/syncer"
)

// Sync holds the tunables shared by every consumer.
//
//nolint:lll
type Sync struct {
	WindowSize     uint32        `long:"windowsize" description:"Number of most recent checkpoints retained per consumer."`
	InitialStep    uint32        `long:"initialstep" description:"Number of heights covered by the first deeper probe when searching for a common ancestor."`
	BatchSize      uint32        `long:"batchsize" description:"Maximum number of blocks fetched per request."`
	MaxRetries     uint32        `long:"maxretries" description:"Number of consecutive failures retried before a consumer enters the error state."`
	BackoffBase    time.Duration `long:"backoffbase" description:"Delay before the first retry of a failed request."`
	MaxBackoff     time.Duration `long:"maxbackoff" description:"Maximum delay between retries."`
	RequestTimeout time.Duration `long:"requesttimeout" description:"Deadline of every request to the node."`
	PollInterval   time.Duration `long:"pollinterval" description:"Interval at which the node is polled for a new tip."`
	MaxParallel    int           `long:"maxparallel" description:"Maximum number of consumers talking to the node at the same time (0 for no limit)."`
	ProcessTimeout time.Duration `long:"processtimeout" description:"Time a consumer is given to shut down."`
	ErrorHistory   int           `long:"errorhistory" description:"Number of recent failures kept per consumer."`
}

// DefaultSync returns the default sync config.
func DefaultSync() *Sync {
	return &Sync{
		WindowSize:     ingest.DefaultWindowSize,
		InitialStep:    ancestor.DefaultInitialStep,
		BatchSize:      syncer.DefaultBatchSize,
		MaxRetries:     syncer.DefaultMaxRetries,
		BackoffBase:    syncer.DefaultBackoffBase,
		MaxBackoff:     syncer.DefaultMaxBackoff,
		RequestTimeout: nodeclient.DefaultRequestTimeout,
		PollInterval:   syncer.DefaultPollInterval,
		ProcessTimeout: registry.DefaultProcessTimeout,
		ErrorHistory:   syncer.DefaultErrorHistory,
	}
}

// Validate checks that the sync config is sane.
func (s *Sync) Validate() error {
	switch {
	case s.WindowSize == 0:
		return fmt.Errorf("windowsize must be positive")

	case s.InitialStep == 0:
		return fmt.Errorf("initialstep must be positive")

	case s.BatchSize == 0:
		return fmt.Errorf("batchsize must be positive")

	case s.BackoffBase <= 0 || s.MaxBackoff < s.BackoffBase:
		return fmt.Errorf("invalid backoff: base %v, max %v",
			s.BackoffBase, s.MaxBackoff)

	case s.RequestTimeout <= 0:
		return fmt.Errorf("requesttimeout must be positive")

	case s.PollInterval <= 0:
		return fmt.Errorf("pollinterval must be positive")

	case s.MaxParallel < 0:
		return fmt.Errorf("maxparallel must not be negative")

	case s.ProcessTimeout <= 0:
		return fmt.Errorf("processtimeout must be positive")

	case s.ErrorHistory <= 0:
		return fmt.Errorf("errorhistory must be positive")
	}

	return nil
}

// Compile-time constraint to ensure Sync implements the Validator interface.
var _ Validator = (*Sync)(nil)
