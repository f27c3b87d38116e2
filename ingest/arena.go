package ingest

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// arenaRecord is a shared transaction handle and the number of block slots
// currently holding it.
type arenaRecord struct {
	tx   *btcutil.Tx
	refs uint32
}

// TxArena interns the relevant transactions of every consumer by hash. A
// consumer holds one reference per retained block that contains the
// transaction. Consumers tracking the same transaction share a single
// immutable handle, and a record is reclaimed as soon as no consumer's
// checkpoint window references a block containing it.
type TxArena struct {
	mtx     sync.Mutex
	records map[chainhash.Hash]*arenaRecord
}

// NewTxArena creates an empty arena.
func NewTxArena() *TxArena {
	return &TxArena{
		records: make(map[chainhash.Hash]*arenaRecord),
	}
}

// Intern takes a reference on each transaction and returns the shared handles
// to hold instead of the given ones.
func (a *TxArena) Intern(txs []*btcutil.Tx) []*btcutil.Tx {
	if len(txs) == 0 {
		return nil
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	shared := make([]*btcutil.Tx, 0, len(txs))
	for _, tx := range txs {
		record, ok := a.records[*tx.Hash()]
		if !ok {
			record = &arenaRecord{tx: tx}
			a.records[*tx.Hash()] = record
		}

		record.refs++
		shared = append(shared, record.tx)
	}

	return shared
}

// Release drops one reference on each transaction, reclaiming those no longer
// referenced.
func (a *TxArena) Release(txs []*btcutil.Tx) {
	if len(txs) == 0 {
		return
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	for _, tx := range txs {
		hash := *tx.Hash()

		record, ok := a.records[hash]
		if !ok {
			log.Warnf("Released unknown transaction %v", hash)
			continue
		}

		record.refs--
		if record.refs == 0 {
			delete(a.records, hash)
		}
	}
}

// Len returns the number of live records.
func (a *TxArena) Len() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return len(a.records)
}

// Refs returns the number of references held on the given transaction.
func (a *TxArena) Refs(hash chainhash.Hash) uint32 {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	record, ok := a.records[hash]
	if !ok {
		return 0
	}

	return record.refs
}
