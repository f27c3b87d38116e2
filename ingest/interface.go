package ingest

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/chainsync/chaindata"
)

// Filter decides which transactions of a block are relevant to a consumer.
// The coinbase transaction is always relevant and never passed to the
// filter.
type Filter interface {
	// Match returns true if the transaction is relevant. An error aborts
	// the apply of the block holding the transaction.
	Match(tx *btcutil.Tx) (bool, error)
}

// StagedFilter is a Filter that learns from the transactions it matches, such
// as the outputs whose spends become relevant. What it learns while a block is
// filtered is committed once the block is applied and discarded otherwise.
type StagedFilter interface {
	Filter

	// Commit keeps what was learnt since the last Commit or Discard.
	Commit()

	// Discard forgets what was learnt since the last Commit or Discard.
	Discard()
}

// FilterFunc is a function implementing the Filter interface.
type FilterFunc func(tx *btcutil.Tx) (bool, error)

// Match implements the Filter interface.
func (f FilterFunc) Match(tx *btcutil.Tx) (bool, error) {
	return f(tx)
}

var (
	// MatchAll is a filter treating every transaction as relevant.
	MatchAll = FilterFunc(func(*btcutil.Tx) (bool, error) {
		return true, nil
	})

	// MatchNone is a filter only tracking the coinbase.
	MatchNone = FilterFunc(func(*btcutil.Tx) (bool, error) {
		return false, nil
	})
)

// Observer is notified synchronously by the Ingestor about changes to a
// consumer's view of the chain.
//
// NOTE: Observers must not call back into the Ingestor for the same consumer.
type Observer interface {
	// OnBlocksAdded is called after a contiguous range of blocks has been
	// applied, with the relevant transactions of those blocks in height
	// order.
	OnBlocksAdded(id chaindata.ConsumerID, heights chaindata.HeightRange,
		txs []*btcutil.Tx)

	// OnBlockchainDetach is called after every block above newHeight has
	// been rolled back.
	OnBlockchainDetach(id chaindata.ConsumerID, newHeight uint32)
}

// ObserverSet fans a notification out to several observers, in order.
type ObserverSet []Observer

// Compile-time check to ensure ObserverSet implements Observer.
var _ Observer = (ObserverSet)(nil)

// NewObserverSet returns a set of the given observers, skipping nil ones.
func NewObserverSet(observers ...Observer) ObserverSet {
	set := make(ObserverSet, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			set = append(set, o)
		}
	}

	return set
}

// OnBlocksAdded implements the Observer interface.
func (s ObserverSet) OnBlocksAdded(id chaindata.ConsumerID,
	heights chaindata.HeightRange, txs []*btcutil.Tx) {

	for _, o := range s {
		o.OnBlocksAdded(id, heights, txs)
	}
}

// OnBlockchainDetach implements the Observer interface.
func (s ObserverSet) OnBlockchainDetach(id chaindata.ConsumerID,
	newHeight uint32) {

	for _, o := range s {
		o.OnBlockchainDetach(id, newHeight)
	}
}

// StateStore is the external storage collaborator persisting consumer state.
type StateStore interface {
	// SaveConsumerState durably stores the snapshot, replacing any
	// previous one for the same consumer.
	SaveConsumerState(snapshot *chaindata.ConsumerSnapshot) error
}

// noopStore is a StateStore that keeps nothing.
type noopStore struct{}

// SaveConsumerState implements the StateStore interface.
func (noopStore) SaveConsumerState(*chaindata.ConsumerSnapshot) error {
	return nil
}
