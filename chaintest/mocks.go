package chaintest

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/chainsync/chaindata"
	"github.com/lightninglabs/chainsync/nodeclient"
	"github.com/stretchr/testify/mock"
)

// MockNodeClient is a mock implementation of the NodeClient interface.
type MockNodeClient struct {
	mock.Mock
}

// Compile-time check to ensure MockNodeClient implements NodeClient.
var _ nodeclient.NodeClient = (*MockNodeClient)(nil)

// QueryBlockchainInterval implements the NodeClient interface.
func (m *MockNodeClient) QueryBlockchainInterval(ctx context.Context,
	startHeight uint32, checkpointHashes []chainhash.Hash) (
	*chaindata.BlockchainInterval, error) {

	args := m.Called(ctx, startHeight, checkpointHashes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*chaindata.BlockchainInterval), args.Error(1)
}

// QueryCompleteBlocks implements the NodeClient interface.
func (m *MockNodeClient) QueryCompleteBlocks(ctx context.Context,
	startHeight, count uint32) ([]*chaindata.CompleteBlock, error) {

	args := m.Called(ctx, startHeight, count)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*chaindata.CompleteBlock), args.Error(1)
}

// GetCurrentHeight implements the NodeClient interface.
func (m *MockNodeClient) GetCurrentHeight(ctx context.Context) (uint32,
	error) {

	args := m.Called(ctx)

	return args.Get(0).(uint32), args.Error(1)
}

// MockObserver is a mock consumer observer.
type MockObserver struct {
	mock.Mock
}

// OnBlocksAdded is called after blocks were applied for a consumer.
func (m *MockObserver) OnBlocksAdded(id chaindata.ConsumerID,
	heights chaindata.HeightRange, txs []*btcutil.Tx) {

	m.Called(id, heights, txs)
}

// OnBlockchainDetach is called after a consumer was rolled back.
func (m *MockObserver) OnBlockchainDetach(id chaindata.ConsumerID,
	newHeight uint32) {

	m.Called(id, newHeight)
}

// Event is a single observer notification captured by a Recorder.
type Event struct {
	// Consumer is the consumer the notification was about.
	Consumer chaindata.ConsumerID

	// Detach is true for OnBlockchainDetach notifications.
	Detach bool

	// Heights is the range of an OnBlocksAdded notification.
	Heights chaindata.HeightRange

	// NewHeight is the height after an OnBlockchainDetach notification.
	NewHeight uint32

	// Txs are the relevant transactions of an OnBlocksAdded notification.
	Txs []*btcutil.Tx
}

// Recorder is a consumer observer that records every notification.
type Recorder struct {
	mtx    sync.Mutex
	events []Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// OnBlocksAdded is called after blocks were applied for a consumer.
func (r *Recorder) OnBlocksAdded(id chaindata.ConsumerID,
	heights chaindata.HeightRange, txs []*btcutil.Tx) {

	r.record(Event{
		Consumer: id,
		Heights:  heights,
		Txs:      txs,
	})
}

// OnBlockchainDetach is called after a consumer was rolled back.
func (r *Recorder) OnBlockchainDetach(id chaindata.ConsumerID,
	newHeight uint32) {

	r.record(Event{
		Consumer:  id,
		Detach:    true,
		NewHeight: newHeight,
	})
}

func (r *Recorder) record(e Event) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.events = append(r.events, e)
}

// Events returns the notifications recorded so far.
func (r *Recorder) Events() []Event {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	events := make([]Event, len(r.events))
	copy(events, r.events)

	return events
}

// Detaches returns the new heights of every recorded rollback, in order.
func (r *Recorder) Detaches() []uint32 {
	var heights []uint32
	for _, e := range r.Events() {
		if e.Detach {
			heights = append(heights, e.NewHeight)
		}
	}

	return heights
}

// RelevantTxs returns the hashes of every transaction reported as relevant,
// in notification order.
func (r *Recorder) RelevantTxs() []chainhash.Hash {
	var hashes []chainhash.Hash
	for _, e := range r.Events() {
		for _, tx := range e.Txs {
			hashes = append(hashes, *tx.Hash())
		}
	}

	return hashes
}

// Reset forgets the recorded notifications.
func (r *Recorder) Reset() {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.events = nil
}
