package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/fortytw2/leaktest"
	"github.com/lightninglabs/chainsync/chaindata"
	"github.com/lightninglabs/chainsync/chaintest"
	"github.com/lightninglabs/chainsync/ingest"
	"github.com/lightninglabs/chainsync/syncdb"
	"github.com/lightninglabs/chainsync/syncer"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

const (
	defaultTimeout = 5 * time.Second
	pollInterval   = 5 * time.Millisecond
)

var errFilter = errors.New("filter failure")

type registryHarness struct {
	chain     *chaintest.Chain
	tipTicker *ticker.Force
	registry  *Registry
}

// newRegistryHarness creates a stopped registry syncing against chain.
func newRegistryHarness(t *testing.T, chain *chaintest.Chain, store Store,
	mods ...func(*Config)) *registryHarness {

	t.Helper()

	tipTicker := ticker.NewForce(time.Hour)
	cfg := Config{
		Node:        chain,
		Store:       store,
		WindowSize:  100,
		BatchSize:   10,
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
		TipTicker:   tipTicker,
		NewPollTicker: func() ticker.Ticker {
			return ticker.NewForce(time.Hour)
		},
	}
	for _, mod := range mods {
		mod(&cfg)
	}

	registry, err := New(cfg)
	require.NoError(t, err)

	return &registryHarness{
		chain:     chain,
		tipTicker: tipTicker,
		registry:  registry,
	}
}

// start launches the registry and returns the function stopping it.
func (h *registryHarness) start(t *testing.T) func() {
	t.Helper()

	require.NoError(t, h.registry.Start())

	return func() {
		require.NoError(t, h.registry.Stop())
	}
}

// register adds a consumer matching every transaction.
func (h *registryHarness) register(t *testing.T, id chaindata.ConsumerID,
	startHeight uint32, observer ingest.Observer) {

	t.Helper()

	require.NoError(t, h.registry.Register(Registration{
		ID:          id,
		StartHeight: startHeight,
		Filter:      ingest.MatchAll,
		Observer:    observer,
	}))
}

// waitForSync waits until the consumer is up to date at height.
func (h *registryHarness) waitForSync(t *testing.T, id chaindata.ConsumerID,
	height uint32) {

	t.Helper()

	require.Eventually(t, func() bool {
		status, err := h.registry.Status(id)
		require.NoError(t, err)

		return status.State == syncer.StateUpToDate &&
			status.SyncHeight == height
	}, defaultTimeout, pollInterval)
}

// errorRecorder records the causes of the transitions to the error state of
// a consumer.
type errorRecorder struct {
	mtx  sync.Mutex
	errs []error
}

var _ syncer.StateObserver = (*errorRecorder)(nil)

func (e *errorRecorder) OnBlocksAdded(chaindata.ConsumerID,
	chaindata.HeightRange, []*btcutil.Tx) {
}

func (e *errorRecorder) OnBlockchainDetach(chaindata.ConsumerID, uint32) {}

func (e *errorRecorder) OnStateChange(_ chaindata.ConsumerID, _,
	to syncer.State, err error) {

	if to != syncer.StateError {
		return
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()

	e.errs = append(e.errs, err)
}

func (e *errorRecorder) errors() []error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	return append([]error(nil), e.errs...)
}

func blockRanges(events []chaintest.Event) []chaindata.HeightRange {
	var ranges []chaindata.HeightRange
	for _, e := range events {
		if !e.Detach {
			ranges = append(ranges, e.Heights)
		}
	}

	return ranges
}

// TestRegistrySyncsConsumersIndependently asserts consumers at different
// heights are each synced to the tip in batches, without seeing each other's
// blocks.
func TestRegistrySyncsConsumersIndependently(t *testing.T) {
	defer leaktest.Check(t)()

	h := newRegistryHarness(t, chaintest.NewChain(90), nil)

	alice, bob := chaintest.NewRecorder(), chaintest.NewRecorder()
	h.register(t, "alice", 50, alice)
	h.register(t, "bob", 80, bob)

	defer h.start(t)()
	h.waitForSync(t, "alice", 90)
	h.waitForSync(t, "bob", 90)

	require.Equal(t, []chaindata.HeightRange{
		{Start: 51, End: 60},
		{Start: 61, End: 70},
		{Start: 71, End: 80},
		{Start: 81, End: 90},
	}, blockRanges(alice.Events()))
	require.Equal(t, []chaindata.HeightRange{
		{Start: 81, End: 90},
	}, blockRanges(bob.Events()))

	for _, e := range alice.Events() {
		require.Equal(t, chaindata.ConsumerID("alice"), e.Consumer)
	}
	for _, e := range bob.Events() {
		require.Equal(t, chaindata.ConsumerID("bob"), e.Consumer)
	}

	// Blocks 81 to 90 are relevant to both, so their coinbases are
	// interned once.
	require.Equal(t, 40, h.registry.ingestor.Arena().Len())
	require.EqualValues(t, 90, h.registry.CurrentHeight())
}

// TestRegistryFansOutTipChanges asserts a moving tip is pushed to every
// consumer.
func TestRegistryFansOutTipChanges(t *testing.T) {
	defer leaktest.Check(t)()

	h := newRegistryHarness(t, chaintest.NewChain(20), nil)
	h.register(t, "alice", 0, nil)
	h.register(t, "bob", 10, nil)

	defer h.start(t)()
	h.waitForSync(t, "alice", 20)
	h.waitForSync(t, "bob", 20)

	h.chain.Extend(5)
	h.tipTicker.Force <- time.Time{}

	h.waitForSync(t, "alice", 25)
	h.waitForSync(t, "bob", 25)
	require.Eventually(t, func() bool {
		return h.registry.CurrentHeight() == 25
	}, defaultTimeout, pollInterval)
}

// TestRegistryIsolatesFailures asserts a consumer whose filter keeps failing
// ends up in the error state while the other consumers keep syncing.
func TestRegistryIsolatesFailures(t *testing.T) {
	defer leaktest.Check(t)()

	// The filter is only consulted for the transaction of block 21.
	chain := chaintest.NewChain(20)
	chain.ExtendWith(chaintest.NewTx(1000, chaintest.PkScript(1)))
	chain.Extend(9)

	h := newRegistryHarness(t, chain, nil)

	errs := &errorRecorder{}
	h.register(t, "alice", 0, nil)
	require.NoError(t, h.registry.Register(Registration{
		ID: "bob",
		Filter: ingest.FilterFunc(func(*btcutil.Tx) (bool, error) {
			return false, errFilter
		}),
		Observer: errs,
	}))

	defer h.start(t)()
	h.waitForSync(t, "alice", 30)

	require.Eventually(t, func() bool {
		return len(errs.errors()) > 0
	}, defaultTimeout, pollInterval)
	require.ErrorIs(t, errs.errors()[0], errFilter)

	status, err := h.registry.Status("bob")
	require.NoError(t, err)
	require.EqualValues(t, 20, status.SyncHeight)
	require.ErrorIs(t, status.LastError, errFilter)

	alice, err := h.registry.Status("alice")
	require.NoError(t, err)
	require.NoError(t, alice.LastError)
}

// TestRegistryRegistration asserts consumers can be added and removed while
// the registry runs, and that IDs are unique.
func TestRegistryRegistration(t *testing.T) {
	defer leaktest.Check(t)()

	h := newRegistryHarness(t, chaintest.NewChain(20), nil)
	h.register(t, "alice", 0, nil)

	err := h.registry.Register(Registration{ID: "alice"})
	require.ErrorIs(t, err, ErrConsumerExists)

	defer h.start(t)()
	h.waitForSync(t, "alice", 20)

	// A consumer registered after start is started right away.
	h.register(t, "bob", 5, nil)
	h.waitForSync(t, "bob", 20)
	require.Equal(t, 2, h.registry.Len())

	require.NoError(t, h.registry.Unregister("alice", false))
	require.Equal(t, 1, h.registry.Len())

	_, err = h.registry.Status("alice")
	require.ErrorIs(t, err, ErrConsumerNotFound)
	require.ErrorIs(
		t, h.registry.Unregister("alice", false), ErrConsumerNotFound,
	)
	require.ErrorIs(t, h.registry.Resync("alice", 0), ErrConsumerNotFound)

	// Blocks 6 to 20 are still referenced by bob.
	require.Equal(t, 15, h.registry.ingestor.Arena().Len())
}

// TestRegistryForEachConsumer asserts the sequential iteration visits the
// consumers in ID order, tolerates unregistration from within the action and
// stops at the first error.
func TestRegistryForEachConsumer(t *testing.T) {
	t.Parallel()

	h := newRegistryHarness(t, chaintest.NewChain(1), nil)
	h.register(t, "carol", 0, nil)
	h.register(t, "alice", 0, nil)
	h.register(t, "bob", 0, nil)

	var visited []chaindata.ConsumerID
	err := h.registry.ForEachConsumer(func(m *syncer.StateMachine) error {
		visited = append(visited, m.ID())
		return h.registry.Unregister(m.ID(), false)
	})
	require.NoError(t, err)
	require.Equal(t, []chaindata.ConsumerID{"alice", "bob", "carol"},
		visited)
	require.Zero(t, h.registry.Len())
	require.Empty(t, h.registry.Consumers())

	h.register(t, "alice", 0, nil)
	h.register(t, "bob", 0, nil)

	visited = nil
	err = h.registry.ForEachConsumer(func(m *syncer.StateMachine) error {
		visited = append(visited, m.ID())
		return errFilter
	})
	require.ErrorIs(t, err, errFilter)
	require.Equal(t, []chaindata.ConsumerID{"alice"}, visited)
}

// TestRegistryForEachConsumerConcurrentTimeout asserts a consumer stuck in an
// action is reported with ErrProcessTimeout.
func TestRegistryForEachConsumerConcurrentTimeout(t *testing.T) {
	t.Parallel()

	h := newRegistryHarness(
		t, chaintest.NewChain(1), nil, func(cfg *Config) {
			cfg.ProcessTimeout = 10 * time.Millisecond
			cfg.MaxParallel = 1
		},
	)
	h.register(t, "alice", 0, nil)
	h.register(t, "bob", 0, nil)

	block := make(chan struct{})
	defer close(block)

	err := h.registry.ForEachConsumerConcurrent(
		func(ctx context.Context, m *syncer.StateMachine) error {
			if m.ID() == "alice" {
				return nil
			}

			select {
			case <-block:
			case <-time.After(defaultTimeout):
			}

			return nil
		},
	)
	require.ErrorIs(t, err, ErrProcessTimeout)
}

// TestRegistryPersistence asserts a consumer resumes from its persisted state
// unless it was purged.
func TestRegistryPersistence(t *testing.T) {
	defer leaktest.Check(t)()

	db, err := syncdb.OpenBoltBackend(
		filepath.Join(t.TempDir(), "chainsync.db"), 0, true,
	)
	require.NoError(t, err)
	defer db.Close()

	store, err := syncdb.NewStore(db)
	require.NoError(t, err)

	chain := chaintest.NewChain(40)

	// Run a first registry until alice is synced.
	h := newRegistryHarness(t, chain, store)
	h.register(t, "alice", 10, nil)

	// The initial state is persisted on registration.
	snapshot, err := store.LoadConsumerState("alice")
	require.NoError(t, err)
	require.EqualValues(t, 10, snapshot.SyncHeight)

	stop := h.start(t)
	h.waitForSync(t, "alice", 40)
	stop()

	// A new registry resumes alice from height 40 and only fetches the
	// blocks mined since.
	chain.Extend(5)
	chain.ResetCalls()

	recorder := chaintest.NewRecorder()
	h = newRegistryHarness(t, chain, store)
	h.register(t, "alice", 10, recorder)

	status, err := h.registry.Status("alice")
	require.NoError(t, err)
	require.EqualValues(t, 40, status.SyncHeight)

	stop = h.start(t)
	h.waitForSync(t, "alice", 45)

	require.Equal(t, []chaindata.HeightRange{{Start: 41, End: 45}},
		blockRanges(recorder.Events()))
	require.Empty(t, recorder.Detaches())

	// Purging drops the persisted state.
	require.NoError(t, h.registry.Unregister("alice", true))
	stop()

	_, err = store.LoadConsumerState("alice")
	require.ErrorIs(t, err, syncdb.ErrConsumerStateNotFound)
}

// TestRegistryResync asserts a consumer can be restarted from a lower height.
func TestRegistryResync(t *testing.T) {
	defer leaktest.Check(t)()

	h := newRegistryHarness(t, chaintest.NewChain(20), nil)
	recorder := chaintest.NewRecorder()
	h.register(t, "alice", 0, recorder)

	defer h.start(t)()
	h.waitForSync(t, "alice", 20)

	recorder.Reset()
	require.NoError(t, h.registry.Resync("alice", 15))
	h.waitForSync(t, "alice", 20)

	require.Equal(t, []uint32{15}, recorder.Detaches())
	require.Equal(t, []chaindata.HeightRange{{Start: 16, End: 20}},
		blockRanges(recorder.Events()))
}

// TestNewRegistryDependencies asserts a registry needs a node.
func TestNewRegistryDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorIs(t, err, syncer.ErrMissingDependency)
}
