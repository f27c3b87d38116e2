package ingest

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/chainsync/chaindata"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// StateConfig houses everything needed to create a ConsumerState.
type StateConfig struct {
	// ID identifies the consumer.
	ID chaindata.ConsumerID

	// StartHeight is the height the consumer is synced to when it is
	// created. Blocks above it are ingested.
	StartHeight uint32

	// WindowSize is the number of checkpoints retained.
	WindowSize uint32

	// Filter selects the relevant transactions. Only coinbases are tracked
	// if nil.
	Filter Filter

	// Observer is notified about applied and detached blocks. It may be
	// nil.
	Observer Observer
}

// ConsumerState is a consumer's view of the chain: its sync height, the
// bounded window of checkpoints below it and the relevant transactions of
// every block in that window.
//
// Only the Ingestor mutates a ConsumerState, one operation at a time. Readers
// may inspect it concurrently and always observe the state as of the last
// fully applied block.
type ConsumerState struct {
	// writeMtx serializes the Ingestor operations on this consumer.
	writeMtx sync.Mutex

	// mtx guards the fields below for concurrent readers.
	mtx sync.RWMutex

	id         chaindata.ConsumerID
	syncHeight uint32
	lastHash   chainhash.Hash
	window     *CheckpointWindow

	// relevant holds the interned relevant transactions of each block in
	// the window, keyed by height.
	relevant map[uint32][]*btcutil.Tx

	filter   Filter
	observer Observer
}

// NewConsumerState creates the state of a consumer that has not ingested any
// block yet.
func NewConsumerState(cfg StateConfig) *ConsumerState {
	filter := cfg.Filter
	if filter == nil {
		filter = MatchNone
	}

	observer := cfg.Observer
	if observer == nil {
		observer = ObserverSet(nil)
	}

	return &ConsumerState{
		id:         cfg.ID,
		syncHeight: cfg.StartHeight,
		window:     NewCheckpointWindow(cfg.WindowSize, nil),
		relevant:   make(map[uint32][]*btcutil.Tx),
		filter:     filter,
		observer:   observer,
	}
}

// RestoreConsumerState recreates a consumer from a persisted snapshot. The
// relevant transactions of the restored blocks are not part of the snapshot,
// so they are only known for blocks applied from now on.
func RestoreConsumerState(cfg StateConfig,
	snapshot *chaindata.ConsumerSnapshot) *ConsumerState {

	cfg.StartHeight = snapshot.SyncHeight
	state := NewConsumerState(cfg)
	state.lastHash = snapshot.LastBlockHash

	// Only a gap free run ending at the sync height can anchor a parent
	// check, anything else is dropped.
	var run []chaindata.Checkpoint
	for _, cp := range snapshot.Checkpoints {
		if len(run) > 0 && cp.Height != run[len(run)-1].Height+1 {
			run = run[:0]
		}
		run = append(run, cp)
	}
	if len(run) > 0 && run[len(run)-1].Height == snapshot.SyncHeight {
		state.window = NewCheckpointWindow(cfg.WindowSize, run)
	}

	return state
}

// ID returns the consumer the state belongs to.
func (s *ConsumerState) ID() chaindata.ConsumerID {
	return s.id
}

// SyncHeight returns the height of the last applied block.
func (s *ConsumerState) SyncHeight() uint32 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.syncHeight
}

// Checkpoints returns the retained checkpoints in ascending order.
func (s *ConsumerState) Checkpoints() []chaindata.Checkpoint {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.window.Checkpoints()
}

// Tip returns the checkpoint of the last applied block, if retained.
func (s *ConsumerState) Tip() fn.Option[chaindata.Checkpoint] {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.window.Tip()
}

// RelevantTxs returns the relevant transactions recorded for the block at
// height, if it is within the window.
func (s *ConsumerState) RelevantTxs(height uint32) []*btcutil.Tx {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	txs := s.relevant[height]
	if len(txs) == 0 {
		return nil
	}

	out := make([]*btcutil.Tx, len(txs))
	copy(out, txs)

	return out
}

// Snapshot returns the durable part of the state.
func (s *ConsumerState) Snapshot() *chaindata.ConsumerSnapshot {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return &chaindata.ConsumerSnapshot{
		ID:            s.id,
		SyncHeight:    s.syncHeight,
		LastBlockHash: s.lastHash,
		Checkpoints:   s.window.Checkpoints(),
	}
}

// Observer returns the observer notified about this consumer.
func (s *ConsumerState) Observer() Observer {
	return s.observer
}
