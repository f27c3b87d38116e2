package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightninglabs/chainsync/ancestor"
	"github.com/lightninglabs/chainsync/chaindata"
	"github.com/lightninglabs/chainsync/ingest"
	"github.com/lightninglabs/chainsync/nodeclient"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultBatchSize is the number of blocks requested per fetch.
	DefaultBatchSize = 100

	// DefaultMaxRetries is the number of consecutive failed attempts
	// retried before a machine enters StateError.
	DefaultMaxRetries = 5

	// DefaultPollInterval is the interval at which an up to date machine
	// checks the remote chain for new blocks.
	DefaultPollInterval = 10 * time.Second

	// DefaultErrorHistory is the number of recent failures kept for the
	// status of a consumer.
	DefaultErrorHistory = 10

	// tipQueueSize is the buffer size of the tip notification queue.
	tipQueueSize = 10
)

var (
	// ErrMachineStopped is returned for requests made to a machine that
	// is shutting down.
	ErrMachineStopped = errors.New("state machine stopped")

	// ErrMissingDependency is returned when a machine is created without
	// one of its mandatory collaborators.
	ErrMissingDependency = errors.New("missing state machine dependency")
)

// Config houses the collaborators and tunables of a StateMachine.
type Config struct {
	// Node is the remote chain. Every call made to it is bounded by
	// RequestTimeout.
	Node nodeclient.NodeClient

	// Ingestor applies and rolls back the blocks of the consumer.
	Ingestor *ingest.Ingestor

	// State is the consumer synchronized by the machine.
	State *ingest.ConsumerState

	// InitialStep is the span of the first deeper probe of an ancestor
	// search.
	InitialStep uint32

	// BatchSize is the maximum number of blocks fetched per request.
	BatchSize uint32

	// MaxRetries is the number of consecutive failures retried before
	// the machine enters StateError.
	MaxRetries uint32

	// BackoffBase is the delay before the first retry. It doubles with
	// every consecutive failure.
	BackoffBase time.Duration

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration

	// RequestTimeout bounds every round trip to the node.
	RequestTimeout time.Duration

	// PollTicker wakes an up to date machine to check for new blocks.
	PollTicker ticker.Ticker

	// Clock is used for backoff delays and sync timestamps.
	Clock clock.Clock

	// Semaphore bounds the number of machines working at the same time.
	// It is shared by every machine of a registry and may be nil.
	Semaphore *semaphore.Weighted

	// ErrorHistory is the number of recent failures kept for Status.
	ErrorHistory int
}

// resyncRequest asks the sync goroutine to reset its consumer.
type resyncRequest struct {
	height  uint32
	errChan chan error
}

// StateMachine drives the synchronization of a single consumer with the
// remote chain. It negotiates the common ancestor, rolls back diverged
// blocks, fetches and ingests batches until the consumer reaches the remote
// tip, and then polls for new blocks. Failures are retried with backoff and
// never stop the machine.
type StateMachine struct {
	started sync.Once
	stopped sync.Once
	active  atomic.Bool

	cfg Config

	node           nodeclient.NodeClient
	negotiator     *ancestor.Negotiator
	stateObservers []StateObserver

	tipUpdates *fn.ConcurrentQueue[uint32]
	resyncReqs chan *resyncRequest

	// The fields below are only accessed by the sync goroutine.
	failures uint32
	backoff  backoff
	pending  []*chaindata.CompleteBlock

	// mtx guards the fields below, which are reported by Status.
	mtx        sync.RWMutex
	state      State
	remoteTip  uint32
	lastErr    error
	errHistory *queue.CircularBuffer
	lastSync   time.Time
	parked     bool

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
}

// NewStateMachine creates a new machine for the consumer in cfg.State.
func NewStateMachine(cfg Config) (*StateMachine, error) {
	switch {
	case cfg.Node == nil:
		return nil, fmt.Errorf("%w: node client", ErrMissingDependency)

	case cfg.Ingestor == nil:
		return nil, fmt.Errorf("%w: ingestor", ErrMissingDependency)

	case cfg.State == nil:
		return nil, fmt.Errorf("%w: consumer state",
			ErrMissingDependency)
	}

	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.MaxBackoff < cfg.BackoffBase {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.BackoffBase)
	}
	if cfg.PollTicker == nil {
		cfg.PollTicker = ticker.New(DefaultPollInterval)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.ErrorHistory <= 0 {
		cfg.ErrorHistory = DefaultErrorHistory
	}

	history, err := queue.NewCircularBuffer(cfg.ErrorHistory)
	if err != nil {
		return nil, err
	}

	node := nodeclient.NewTimeoutClient(cfg.Node, cfg.RequestTimeout)
	ctx, cancel := context.WithCancel(context.Background())

	return &StateMachine{
		cfg:  cfg,
		node: node,
		negotiator: ancestor.NewNegotiator(ancestor.Config{
			Node:        node,
			InitialStep: cfg.InitialStep,
		}),
		stateObservers: stateObservers(cfg.State.Observer()),
		tipUpdates:     fn.NewConcurrentQueue[uint32](tipQueueSize),
		resyncReqs:     make(chan *resyncRequest),
		backoff: backoff{
			base: cfg.BackoffBase,
			max:  cfg.MaxBackoff,
		},
		errHistory: history,
		ctx:        ctx,
		cancel:     cancel,
		quit:       make(chan struct{}),
	}, nil
}

// Start launches the sync goroutine.
func (m *StateMachine) Start() error {
	m.started.Do(func() {
		log.Infof("Starting sync of %v at height %d", m.ID(),
			m.cfg.State.SyncHeight())

		m.tipUpdates.Start()
		m.cfg.PollTicker.Resume()
		m.active.Store(true)

		m.wg.Add(1)
		go m.syncLoop()
	})

	return nil
}

// Stop aborts any in-flight request and waits for the sync goroutine to exit.
// The consumer is left at its last fully applied block.
func (m *StateMachine) Stop() error {
	m.stopped.Do(func() {
		log.Infof("Stopping sync of %v", m.ID())

		m.active.Store(false)
		close(m.quit)
		m.cancel()
		m.wg.Wait()

		m.cfg.PollTicker.Stop()
		m.tipUpdates.Stop()
	})

	return nil
}

// ID returns the consumer synchronized by the machine.
func (m *StateMachine) ID() chaindata.ConsumerID {
	return m.cfg.State.ID()
}

// ConsumerState returns the state of the consumer.
func (m *StateMachine) ConsumerState() *ingest.ConsumerState {
	return m.cfg.State
}

// State returns the current state of the machine.
func (m *StateMachine) State() State {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return m.state
}

// RemoteTip returns the last known height of the remote chain.
func (m *StateMachine) RemoteTip() uint32 {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return m.remoteTip
}

// NotifyTip tells the machine the remote chain has a new tip. An up to date
// machine checks the remote chain right away instead of waiting for its next
// poll.
func (m *StateMachine) NotifyTip(height uint32) {
	m.setRemoteTip(height)

	if !m.active.Load() {
		return
	}

	select {
	case m.tipUpdates.ChanIn() <- height:
	case <-m.quit:
	}
}

// Resync drops every checkpoint of the consumer and restarts its sync at
// startHeight. It is the only way to recover a consumer sharing no history
// with the remote chain.
func (m *StateMachine) Resync(startHeight uint32) error {
	if !m.active.Load() {
		select {
		case <-m.quit:
			return ErrMachineStopped
		default:
		}

		err := m.cfg.Ingestor.Reset(m.cfg.State, startHeight)
		if err != nil {
			return err
		}
		m.setParked(false)

		return nil
	}

	req := &resyncRequest{
		height:  startHeight,
		errChan: make(chan error, 1),
	}

	select {
	case m.resyncReqs <- req:
	case <-m.quit:
		return ErrMachineStopped
	}

	select {
	case err := <-req.errChan:
		return err
	case <-m.quit:
		return ErrMachineStopped
	}
}

// Status returns a snapshot of the consumer's synchronization.
func (m *StateMachine) Status() *Status {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var recent []error
	for _, item := range m.errHistory.List() {
		if err, ok := item.(error); ok {
			recent = append(recent, err)
		}
	}

	return &Status{
		Consumer:     m.ID(),
		State:        m.state,
		SyncHeight:   m.cfg.State.SyncHeight(),
		RemoteTip:    m.remoteTip,
		LastError:    m.lastErr,
		RecentErrors: recent,
		LastSync:     m.lastSync,
		NeedsResync:  m.parked,
	}
}

// syncLoop is the main goroutine of the machine. It runs one step at a time
// until the machine is stopped.
//
// NOTE: This MUST be run as a goroutine.
func (m *StateMachine) syncLoop() {
	defer m.wg.Done()
	defer m.transition(StateIdle, nil)

	m.transition(StateNegotiatingAncestor, nil)

	for {
		// Resync requests are served between steps so they never race
		// with an apply.
		select {
		case req := <-m.resyncReqs:
			m.transition(m.handleResync(req), nil)
			continue

		case <-m.quit:
			return

		default:
		}

		current := m.State()
		next, err := m.step(current)
		switch {
		case errors.Is(err, ErrMachineStopped):
			return

		// A request aborted by Stop is not a failure.
		case err != nil && m.ctx.Err() != nil:
			return

		case err != nil:
			next, err = m.handleFailure(current, err)
			if err != nil {
				return
			}
		}

		var cause error
		if next == StateError {
			cause = m.lastError()
		}
		m.transition(next, cause)
	}
}

// step runs the work of the given state and returns the state to continue in.
func (m *StateMachine) step(state State) (State, error) {
	switch state {
	case StateNegotiatingAncestor:
		return m.negotiate(m.ctx)

	case StateFetchingBlocks:
		return m.fetch(m.ctx)

	case StateIngesting:
		return m.ingest(m.ctx)

	case StateUpToDate:
		return m.wait(nil, StateUpToDate, true)

	case StateError:
		return m.awaitRecovery()

	default:
		return StateNegotiatingAncestor, nil
	}
}

// negotiate resolves the common ancestor with the remote chain and rolls the
// consumer back to it if the remote chain diverged above it.
func (m *StateMachine) negotiate(ctx context.Context) (State, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	tip, err := m.node.GetCurrentHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("unable to fetch remote tip: %w", err)
	}
	m.setRemoteTip(tip)

	state := m.cfg.State
	syncHeight := state.SyncHeight()

	height, err := m.negotiator.Negotiate(
		ctx, syncHeight, state.Checkpoints(), min(syncHeight, tip),
	)
	if err != nil {
		return 0, err
	}

	if height < syncHeight {
		log.Infof("Remote chain diverged from %v above height %d, "+
			"rolling back from %d", m.ID(), height, syncHeight)

		if err := m.cfg.Ingestor.Rollback(state, height); err != nil {
			return 0, err
		}
	}

	return m.progress(height, tip), nil
}

// fetch requests the next batch of blocks above the sync height.
func (m *StateMachine) fetch(ctx context.Context) (State, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	syncHeight := m.cfg.State.SyncHeight()
	tip := m.RemoteTip()
	if syncHeight >= tip {
		return m.progress(syncHeight, tip), nil
	}

	start := syncHeight + 1
	count := min(m.cfg.BatchSize, tip-syncHeight)

	log.Debugf("Fetching %d blocks from height %d for %v", count, start,
		m.ID())

	blocks, err := m.node.QueryCompleteBlocks(ctx, start, count)
	if err != nil {
		return 0, fmt.Errorf("unable to fetch %d blocks from height "+
			"%d: %w", count, start, err)
	}

	if err := checkBatch(blocks, start, count); err != nil {
		return 0, err
	}
	m.pending = blocks

	return StateIngesting, nil
}

// ingest applies the fetched batch.
func (m *StateMachine) ingest(ctx context.Context) (State, error) {
	blocks := m.pending
	m.pending = nil

	release, err := m.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	res, err := m.cfg.Ingestor.ApplyBatch(ctx, m.cfg.State, blocks)
	if res.Applied > 0 {
		m.failures = 0
		m.backoff.reset()
	}
	if err != nil {
		return 0, fmt.Errorf("unable to apply blocks above height "+
			"%d: %w", res.NewSyncHeight, err)
	}

	return m.progress(res.NewSyncHeight, m.RemoteTip()), nil
}

// awaitRecovery waits out the Error state. A consumer without a common ancestor
// stays there until it is resynced, any other one renegotiates after one
// backoff period.
func (m *StateMachine) awaitRecovery() (State, error) {
	m.mtx.RLock()
	parked := m.parked
	m.mtx.RUnlock()

	if parked {
		return m.wait(nil, StateError, false)
	}

	delay := m.backoff.next()
	log.Infof("Consumer %v renegotiating in %v", m.ID(), delay)

	next, err := m.wait(
		m.cfg.Clock.TickAfter(delay), StateNegotiatingAncestor, false,
	)
	if err != nil {
		return 0, err
	}
	m.failures = 0

	return next, nil
}

// progress returns the state following a successful step that left the
// consumer at syncHeight.
func (m *StateMachine) progress(syncHeight, tip uint32) State {
	if syncHeight < tip {
		return StateFetchingBlocks
	}

	m.failures = 0
	m.backoff.reset()

	m.mtx.Lock()
	m.lastSync = m.cfg.Clock.Now()
	m.mtx.Unlock()

	return StateUpToDate
}

// handleFailure records a failed step and returns the state to continue in
// once the retry delay has passed.
func (m *StateMachine) handleFailure(state State, err error) (State, error) {
	m.recordError(err)

	if errors.Is(err, ancestor.ErrNoCommonAncestor) {
		log.Errorf("Consumer %v shares no history with the remote "+
			"chain, resync required: %v", m.ID(), err)

		m.setParked(true)

		return StateError, nil
	}

	retry := state
	switch {
	case needsRenegotiation(err):
		retry = StateNegotiatingAncestor

	// Retrying the same step cannot help, so the consumer waits out the
	// Error state before starting over from the ancestor search.
	case !IsTransient(err):
		log.Errorf("Consumer %v failed in %v: %v", m.ID(), state, err)

		return StateError, nil

	// The batch is dropped, so it is fetched again.
	case state == StateIngesting:
		retry = StateFetchingBlocks
	}

	m.failures++
	if m.failures > m.cfg.MaxRetries {
		log.Errorf("Consumer %v failed %d times in a row: %v", m.ID(),
			m.failures, err)

		return StateError, nil
	}

	delay := m.backoff.next()
	log.Warnf("Consumer %v failed in %v (attempt %d of %d), retrying "+
		"in %v: %v", m.ID(), state, m.failures, m.cfg.MaxRetries+1,
		delay, err)

	return m.wait(m.cfg.Clock.TickAfter(delay), retry, false)
}

// wait blocks until timeout fires, a resync is requested or the machine is
// stopped. If tips is true a poll tick or a tip notification also ends the
// wait. A nil timeout never fires.
func (m *StateMachine) wait(timeout <-chan time.Time, next State,
	tips bool) (State, error) {

	var (
		pollTicks  <-chan time.Time
		tipUpdates <-chan uint32
	)
	if tips {
		pollTicks = m.cfg.PollTicker.Ticks()
		tipUpdates = m.tipUpdates.ChanOut()
	}

	select {
	case <-timeout:
		return next, nil

	case <-pollTicks:
		log.Tracef("Polling remote tip for %v", m.ID())

		return StateNegotiatingAncestor, nil

	case height := <-tipUpdates:
		log.Debugf("Remote tip of %v moved to %d", m.ID(), height)

		return StateNegotiatingAncestor, nil

	case req := <-m.resyncReqs:
		return m.handleResync(req), nil

	case <-m.quit:
		return 0, ErrMachineStopped
	}
}

// handleResync resets the consumer to the requested height.
func (m *StateMachine) handleResync(req *resyncRequest) State {
	err := m.cfg.Ingestor.Reset(m.cfg.State, req.height)
	req.errChan <- err

	if err != nil {
		log.Errorf("Unable to resync %v at height %d: %v", m.ID(),
			req.height, err)

		m.recordError(err)

		return m.State()
	}

	log.Infof("Resyncing %v from height %d", m.ID(), req.height)

	m.setParked(false)
	m.failures = 0
	m.backoff.reset()
	m.pending = nil

	return StateNegotiatingAncestor
}

// acquire takes a slot of the shared semaphore, if any, and returns the
// function releasing it.
func (m *StateMachine) acquire(ctx context.Context) (func(), error) {
	if m.cfg.Semaphore == nil {
		return func() {}, nil
	}

	if err := m.cfg.Semaphore.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	return func() {
		m.cfg.Semaphore.Release(1)
	}, nil
}

// transition moves the machine to the given state and tells the state
// observers about it.
func (m *StateMachine) transition(to State, err error) {
	m.mtx.Lock()
	from := m.state
	m.state = to
	m.mtx.Unlock()

	if from == to {
		return
	}

	log.Debugf("Consumer %v moved from %v to %v", m.ID(), from, to)

	for _, o := range m.stateObservers {
		o.OnStateChange(m.ID(), from, to, err)
	}
}

func (m *StateMachine) setRemoteTip(height uint32) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.remoteTip = height
}

func (m *StateMachine) setParked(parked bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.parked = parked
}

func (m *StateMachine) recordError(err error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.lastErr = err
	m.errHistory.Add(err)
}

func (m *StateMachine) lastError() error {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return m.lastErr
}

// checkBatch ensures the node served consecutive blocks starting at start and
// no more than requested.
func checkBatch(blocks []*chaindata.CompleteBlock, start, count uint32) error {
	if len(blocks) == 0 {
		return fmt.Errorf("%w: no blocks served from height %d",
			ancestor.ErrMalformedInterval, start)
	}

	if uint64(len(blocks)) > uint64(count) {
		return fmt.Errorf("%w: %d blocks served for %d requested",
			ancestor.ErrMalformedInterval, len(blocks), count)
	}

	for i, block := range blocks {
		if block == nil {
			return fmt.Errorf("%w: no block at position %d",
				ancestor.ErrMalformedInterval, i)
		}

		if block.Height != start+uint32(i) {
			return fmt.Errorf("%w: block at position %d has "+
				"height %d, expected %d",
				ancestor.ErrMalformedInterval, i, block.Height,
				start+uint32(i))
		}
	}

	return nil
}
