package ingest

import (
	"bytes"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// AddressFilter matches the transactions paying to a set of addresses and the
// transactions spending the outputs it matched before.
//
// Spent outpoints are never forgotten, so a rolled back payment keeps its
// spends relevant. This errs on the side of reporting too much.
//
// Outpoints learnt while filtering a block are staged and only tracked once
// the block is committed.
type AddressFilter struct {
	pkScripts [][]byte

	mtx       sync.Mutex
	outpoints map[wire.OutPoint]struct{}
	staged    map[wire.OutPoint]struct{}
}

// Compile-time check to ensure AddressFilter implements StagedFilter.
var _ StagedFilter = (*AddressFilter)(nil)

// NewAddressFilter creates a filter watching the given addresses.
func NewAddressFilter(addrs []btcutil.Address) (*AddressFilter, error) {
	pkScripts := make([][]byte, 0, len(addrs))
	for _, addr := range addrs {
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, err
		}
		pkScripts = append(pkScripts, pkScript)
	}

	return &AddressFilter{
		pkScripts: pkScripts,
		outpoints: make(map[wire.OutPoint]struct{}),
		staged:    make(map[wire.OutPoint]struct{}),
	}, nil
}

// Match implements the Filter interface.
func (f *AddressFilter) Match(tx *btcutil.Tx) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	var match bool
	for _, txIn := range tx.MsgTx().TxIn {
		if f.tracked(txIn.PreviousOutPoint) {
			match = true
			break
		}
	}

	for i, txOut := range tx.MsgTx().TxOut {
		if !f.watched(txOut.PkScript) {
			continue
		}

		match = true
		f.staged[wire.OutPoint{
			Hash:  *tx.Hash(),
			Index: uint32(i),
		}] = struct{}{}
	}

	return match, nil
}

// Commit implements the StagedFilter interface.
func (f *AddressFilter) Commit() {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	for op := range f.staged {
		f.outpoints[op] = struct{}{}
	}
	clear(f.staged)
}

// Discard implements the StagedFilter interface.
func (f *AddressFilter) Discard() {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	clear(f.staged)
}

// tracked returns true if the outpoint is committed or staged. The caller
// must hold the mutex.
func (f *AddressFilter) tracked(op wire.OutPoint) bool {
	if _, ok := f.outpoints[op]; ok {
		return true
	}
	_, ok := f.staged[op]

	return ok
}

// watched returns true if the script pays to one of the addresses.
func (f *AddressFilter) watched(pkScript []byte) bool {
	for _, watched := range f.pkScripts {
		if bytes.Equal(watched, pkScript) {
			return true
		}
	}

	return false
}
