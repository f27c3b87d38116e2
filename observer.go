package chainsync

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightninglabs/chainsync/chaindata"
	"github.com/lightninglabs/chainsync/ingest"
	"github.com/lightninglabs/chainsync/lnutils"
	"github.com/lightninglabs/chainsync/syncer"
)

// logObserver logs the notifications delivered to the consumers of the
// daemon.
type logObserver struct{}

// A compile-time check to ensure logObserver implements both observer
// interfaces.
var (
	_ ingest.Observer      = (*logObserver)(nil)
	_ syncer.StateObserver = (*logObserver)(nil)
)

// OnBlocksAdded logs the applied range and, at trace level, the relevant
// transactions.
func (l *logObserver) OnBlocksAdded(id chaindata.ConsumerID,
	heights chaindata.HeightRange, txs []*btcutil.Tx) {

	csydLog.Infof("Consumer %v applied blocks %v with %d relevant "+
		"transactions", id, heights, len(txs))

	csydLog.Tracef("Consumer %v relevant transactions: %v", id,
		lnutils.NewLogClosure(func() string {
			hashes := lnutils.Map(txs, func(tx *btcutil.Tx) string {
				return tx.Hash().String()
			})

			return spew.Sdump(hashes)
		}))
}

// OnBlockchainDetach logs the rollback of a consumer.
func (l *logObserver) OnBlockchainDetach(id chaindata.ConsumerID,
	newHeight uint32) {

	csydLog.Warnf("Consumer %v detached every block above height %d",
		id, newHeight)
}

// OnStateChange logs the state transitions of a consumer.
func (l *logObserver) OnStateChange(id chaindata.ConsumerID, from,
	to syncer.State, err error) {

	switch {
	case to == syncer.StateError && err != nil:
		csydLog.Errorf("Consumer %v failed while %v: %v", id, from,
			err)

	case to == syncer.StateUpToDate:
		csydLog.Infof("Consumer %v is up to date", id)

	default:
		csydLog.Debugf("Consumer %v moved from %v to %v", id, from, to)
	}
}
