package ingest

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/chainsync/chaindata"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DefaultWindowSize is the number of most recent checkpoints retained per
// consumer if none is configured.
const DefaultWindowSize = 100

// CheckpointWindow is a bounded, ascending and gap free list of checkpoints.
// Once full, pushing a new checkpoint evicts the oldest one.
//
// NOTE: CheckpointWindow is not safe for concurrent use. ConsumerState guards
// it.
type CheckpointWindow struct {
	size uint32
	cps  []chaindata.Checkpoint
}

// NewCheckpointWindow creates a window retaining at most size checkpoints,
// seeded with the most recent of the given ones.
func NewCheckpointWindow(size uint32,
	initial []chaindata.Checkpoint) *CheckpointWindow {

	if size == 0 {
		size = DefaultWindowSize
	}

	if uint32(len(initial)) > size {
		initial = initial[uint32(len(initial))-size:]
	}

	cps := make([]chaindata.Checkpoint, len(initial), size)
	copy(cps, initial)

	return &CheckpointWindow{
		size: size,
		cps:  cps,
	}
}

// Size returns the maximum number of retained checkpoints.
func (w *CheckpointWindow) Size() uint32 {
	return w.size
}

// Len returns the number of retained checkpoints.
func (w *CheckpointWindow) Len() int {
	return len(w.cps)
}

// Tip returns the most recent checkpoint.
func (w *CheckpointWindow) Tip() fn.Option[chaindata.Checkpoint] {
	if len(w.cps) == 0 {
		return fn.None[chaindata.Checkpoint]()
	}

	return fn.Some(w.cps[len(w.cps)-1])
}

// Oldest returns the least recent checkpoint.
func (w *CheckpointWindow) Oldest() fn.Option[chaindata.Checkpoint] {
	if len(w.cps) == 0 {
		return fn.None[chaindata.Checkpoint]()
	}

	return fn.Some(w.cps[0])
}

// At returns the retained hash at the given height.
func (w *CheckpointWindow) At(height uint32) fn.Option[chainhash.Hash] {
	if len(w.cps) == 0 || height < w.cps[0].Height {
		return fn.None[chainhash.Hash]()
	}

	idx := uint64(height - w.cps[0].Height)
	if idx >= uint64(len(w.cps)) {
		return fn.None[chainhash.Hash]()
	}

	return fn.Some(w.cps[idx].Hash)
}

// Checkpoints returns a copy of the retained checkpoints in ascending order.
func (w *CheckpointWindow) Checkpoints() []chaindata.Checkpoint {
	cps := make([]chaindata.Checkpoint, len(w.cps))
	copy(cps, w.cps)

	return cps
}

// pushed returns the checkpoint list the window would hold after pushing cp,
// along with the checkpoint that would be evicted.
func (w *CheckpointWindow) pushed(cp chaindata.Checkpoint) (
	[]chaindata.Checkpoint, fn.Option[chaindata.Checkpoint]) {

	evicted := fn.None[chaindata.Checkpoint]()
	cps := w.cps
	if uint32(len(cps)) == w.size {
		evicted = fn.Some(cps[0])
		cps = cps[1:]
	}

	next := make([]chaindata.Checkpoint, 0, w.size)
	next = append(next, cps...)
	next = append(next, cp)

	return next, evicted
}

// Push appends a checkpoint and returns the one evicted to make room for it,
// if any. The caller must ensure cp directly follows the current tip.
func (w *CheckpointWindow) Push(
	cp chaindata.Checkpoint) fn.Option[chaindata.Checkpoint] {

	next, evicted := w.pushed(cp)
	w.cps = next

	return evicted
}

// truncated returns the checkpoint list the window would hold after dropping
// every checkpoint above height, along with the dropped ones.
func (w *CheckpointWindow) truncated(height uint32) (
	[]chaindata.Checkpoint, []chaindata.Checkpoint) {

	idx := len(w.cps)
	for idx > 0 && w.cps[idx-1].Height > height {
		idx--
	}

	kept := make([]chaindata.Checkpoint, idx, w.size)
	copy(kept, w.cps[:idx])

	dropped := make([]chaindata.Checkpoint, len(w.cps)-idx)
	copy(dropped, w.cps[idx:])

	return kept, dropped
}

// TruncateAbove drops every checkpoint above height and returns the dropped
// checkpoints in ascending order.
func (w *CheckpointWindow) TruncateAbove(
	height uint32) []chaindata.Checkpoint {

	kept, dropped := w.truncated(height)
	w.cps = kept

	return dropped
}
