package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightninglabs/chainsync/chaindata"
	"github.com/lightninglabs/chainsync/ingest"
	"github.com/lightninglabs/chainsync/nodeclient"
	"github.com/lightninglabs/chainsync/syncdb"
	"github.com/lightninglabs/chainsync/syncer"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultProcessTimeout is the time a consumer is given to run an action of
// ForEachConsumerConcurrent.
var DefaultProcessTimeout = 60 * time.Second

var (
	// ErrConsumerNotFound is returned when an operation references a
	// consumer that is not registered.
	ErrConsumerNotFound = errors.New("consumer not found")

	// ErrConsumerExists is returned when a consumer is registered twice.
	ErrConsumerExists = errors.New("consumer already registered")

	// ErrProcessTimeout is returned when a consumer takes too long to run
	// an action of ForEachConsumerConcurrent.
	ErrProcessTimeout = errors.New("process consumer timeout")
)

// Store is the storage collaborator persisting the state of consumers.
type Store interface {
	ingest.StateStore

	// LoadConsumerState returns the last snapshot saved for the consumer
	// or syncdb.ErrConsumerStateNotFound.
	LoadConsumerState(id chaindata.ConsumerID) (
		*chaindata.ConsumerSnapshot, error)

	// DeleteConsumerState removes the persisted state of the consumer.
	DeleteConsumerState(id chaindata.ConsumerID) error
}

// Config houses the collaborators and tunables of a Registry.
type Config struct {
	// Node is the remote chain every consumer is synchronized with.
	Node nodeclient.NodeClient

	// Store persists consumer state. State is only kept in memory if nil.
	Store Store

	// Observer is notified about every consumer, in addition to the
	// observer supplied at registration. It may be nil.
	Observer ingest.Observer

	// WindowSize is the number of checkpoints retained per consumer.
	WindowSize uint32

	// InitialStep is the span of the first deeper probe of an ancestor
	// search.
	InitialStep uint32

	// BatchSize is the maximum number of blocks fetched per request.
	BatchSize uint32

	// MaxRetries is the number of consecutive failures retried before a
	// consumer enters the error state.
	MaxRetries uint32

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration

	// RequestTimeout bounds every round trip to the node.
	RequestTimeout time.Duration

	// ErrorHistory is the number of recent failures kept per consumer.
	ErrorHistory int

	// MaxParallel is the number of consumers allowed to work at the same
	// time. Zero means no bound.
	MaxParallel int

	// ProcessTimeout bounds each action of ForEachConsumerConcurrent.
	ProcessTimeout time.Duration

	// TipTicker drives the polling of the remote tip, whose changes are
	// fanned out to every consumer.
	TipTicker ticker.Ticker

	// NewPollTicker creates the poll ticker of a consumer.
	NewPollTicker func() ticker.Ticker

	// Clock is used for backoff delays and sync timestamps.
	Clock clock.Clock
}

// Registration describes a consumer to synchronize.
type Registration struct {
	// ID uniquely identifies the consumer.
	ID chaindata.ConsumerID

	// StartHeight is the height the consumer is synced to when it has no
	// persisted state. Blocks above it are ingested.
	StartHeight uint32

	// Filter selects the relevant transactions of the consumer.
	Filter ingest.Filter

	// Observer is notified about the blocks applied to and detached from
	// the consumer. It may be nil.
	Observer ingest.Observer
}

// Registry owns the consumers synchronized with a remote chain. Each consumer
// has its own state and state machine, so a rollback, retry or failure of
// one consumer never touches another one.
type Registry struct {
	started sync.Once
	stopped sync.Once
	running atomic.Bool

	cfg Config

	node      nodeclient.NodeClient
	ingestor  *ingest.Ingestor
	semaphore *semaphore.Weighted

	// regMtx serializes Register and Unregister.
	regMtx sync.Mutex

	// mtx guards consumers. It is only held to read or mutate the map
	// itself, never while running an action on a consumer.
	mtx       sync.RWMutex
	consumers map[chaindata.ConsumerID]*syncer.StateMachine

	tip atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
}

// New creates a new Registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Node == nil {
		return nil, fmt.Errorf("%w: node client",
			syncer.ErrMissingDependency)
	}

	if cfg.WindowSize == 0 {
		cfg.WindowSize = ingest.DefaultWindowSize
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = DefaultProcessTimeout
	}
	if cfg.TipTicker == nil {
		cfg.TipTicker = ticker.New(syncer.DefaultPollInterval)
	}
	if cfg.NewPollTicker == nil {
		cfg.NewPollTicker = func() ticker.Ticker {
			return ticker.New(syncer.DefaultPollInterval)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	ingestCfg := ingest.Config{
		Arena: ingest.NewTxArena(),
	}
	if cfg.Store != nil {
		ingestCfg.Store = cfg.Store
	}

	var sem *semaphore.Weighted
	if cfg.MaxParallel > 0 {
		sem = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Registry{
		cfg:       cfg,
		node:      nodeclient.NewTimeoutClient(cfg.Node, cfg.RequestTimeout),
		ingestor:  ingest.NewIngestor(ingestCfg),
		semaphore: sem,
		consumers: make(map[chaindata.ConsumerID]*syncer.StateMachine),
		ctx:       ctx,
		cancel:    cancel,
		quit:      make(chan struct{}),
	}, nil
}

// Start starts the machine of every registered consumer and the tip watcher.
// Consumers registered afterwards are started right away.
func (r *Registry) Start() error {
	var err error
	r.started.Do(func() {
		log.Infof("Registry starting with %d consumers", r.Len())

		r.regMtx.Lock()
		defer r.regMtx.Unlock()

		err = r.ForEachConsumer(func(m *syncer.StateMachine) error {
			return m.Start()
		})
		if err != nil {
			return
		}

		r.running.Store(true)
		r.cfg.TipTicker.Resume()

		r.wg.Add(1)
		go r.watchTip()
	})

	return err
}

// Stop stops the tip watcher and the machine of every consumer. Each consumer
// is left at its last fully applied block.
func (r *Registry) Stop() error {
	var err error
	r.stopped.Do(func() {
		log.Info("Registry stopping")
		defer log.Debug("Registry stopped")

		r.regMtx.Lock()
		defer r.regMtx.Unlock()

		r.running.Store(false)
		close(r.quit)
		r.cancel()
		r.wg.Wait()
		r.cfg.TipTicker.Stop()

		err = r.ForEachConsumerConcurrent(
			func(_ context.Context, m *syncer.StateMachine) error {
				return m.Stop()
			},
		)
	})

	return err
}

// Register adds a consumer. A consumer with persisted state resumes from it,
// any other one starts at the registration's start height.
func (r *Registry) Register(reg Registration) error {
	r.regMtx.Lock()
	defer r.regMtx.Unlock()

	if _, err := r.Consumer(reg.ID); err == nil {
		return fmt.Errorf("%w: %v", ErrConsumerExists, reg.ID)
	}

	stateCfg := ingest.StateConfig{
		ID:          reg.ID,
		StartHeight: reg.StartHeight,
		WindowSize:  r.cfg.WindowSize,
		Filter:      reg.Filter,
		Observer: ingest.NewObserverSet(
			reg.Observer, r.cfg.Observer,
		),
	}

	state, err := r.loadState(stateCfg)
	if err != nil {
		return err
	}

	machine, err := syncer.NewStateMachine(syncer.Config{
		Node:           r.cfg.Node,
		Ingestor:       r.ingestor,
		State:          state,
		InitialStep:    r.cfg.InitialStep,
		BatchSize:      r.cfg.BatchSize,
		MaxRetries:     r.cfg.MaxRetries,
		BackoffBase:    r.cfg.BackoffBase,
		MaxBackoff:     r.cfg.MaxBackoff,
		RequestTimeout: r.cfg.RequestTimeout,
		PollTicker:     r.cfg.NewPollTicker(),
		Clock:          r.cfg.Clock,
		Semaphore:      r.semaphore,
		ErrorHistory:   r.cfg.ErrorHistory,
	})
	if err != nil {
		return err
	}

	if r.running.Load() {
		if err := machine.Start(); err != nil {
			return err
		}
		machine.NotifyTip(r.tip.Load())
	}

	r.mtx.Lock()
	r.consumers[reg.ID] = machine
	r.mtx.Unlock()

	log.Infof("Registered consumer %v at height %d", reg.ID,
		state.SyncHeight())

	return nil
}

// loadState restores the persisted state of a consumer or creates a fresh
// one, which is persisted right away.
func (r *Registry) loadState(
	cfg ingest.StateConfig) (*ingest.ConsumerState, error) {

	if r.cfg.Store == nil {
		return ingest.NewConsumerState(cfg), nil
	}

	snapshot, err := r.cfg.Store.LoadConsumerState(cfg.ID)
	switch {
	case err == nil:
		log.Infof("Restoring consumer %v at height %d with %d "+
			"checkpoints", cfg.ID, snapshot.SyncHeight,
			len(snapshot.Checkpoints))

		return ingest.RestoreConsumerState(cfg, snapshot), nil

	case !errors.Is(err, syncdb.ErrConsumerStateNotFound):
		return nil, fmt.Errorf("unable to load state of %v: %w",
			cfg.ID, err)
	}

	state := ingest.NewConsumerState(cfg)
	if err := r.cfg.Store.SaveConsumerState(state.Snapshot()); err != nil {
		return nil, fmt.Errorf("unable to persist state of %v: %w",
			cfg.ID, err)
	}

	return state, nil
}

// Unregister stops and removes a consumer. Its persisted state is deleted if
// purge is true, otherwise a later registration resumes from it.
func (r *Registry) Unregister(id chaindata.ConsumerID, purge bool) error {
	r.regMtx.Lock()
	defer r.regMtx.Unlock()

	r.mtx.Lock()
	machine, ok := r.consumers[id]
	delete(r.consumers, id)
	r.mtx.Unlock()

	if !ok {
		return fmt.Errorf("%w: %v", ErrConsumerNotFound, id)
	}

	if err := machine.Stop(); err != nil {
		return err
	}
	r.ingestor.Release(machine.ConsumerState())

	if purge && r.cfg.Store != nil {
		if err := r.cfg.Store.DeleteConsumerState(id); err != nil {
			return fmt.Errorf("unable to purge state of %v: %w", id,
				err)
		}
	}

	log.Infof("Unregistered consumer %v (purged=%v)", id, purge)

	return nil
}

// Consumer returns the machine of a registered consumer.
func (r *Registry) Consumer(id chaindata.ConsumerID) (*syncer.StateMachine,
	error) {

	r.mtx.RLock()
	defer r.mtx.RUnlock()

	machine, ok := r.consumers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrConsumerNotFound, id)
	}

	return machine, nil
}

// Status returns the sync status of a registered consumer.
func (r *Registry) Status(id chaindata.ConsumerID) (*syncer.Status, error) {
	machine, err := r.Consumer(id)
	if err != nil {
		return nil, err
	}

	return machine.Status(), nil
}

// Resync restarts the sync of a consumer from startHeight, dropping all of its
// checkpoints.
func (r *Registry) Resync(id chaindata.ConsumerID, startHeight uint32) error {
	machine, err := r.Consumer(id)
	if err != nil {
		return err
	}

	return machine.Resync(startHeight)
}

// Consumers returns the IDs of the registered consumers in order.
func (r *Registry) Consumers() []chaindata.ConsumerID {
	machines := r.snapshot()

	ids := make([]chaindata.ConsumerID, 0, len(machines))
	for _, machine := range machines {
		ids = append(ids, machine.ID())
	}

	return ids
}

// Len returns the number of registered consumers.
func (r *Registry) Len() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	return len(r.consumers)
}

// CurrentHeight returns the last remote tip seen by the tip watcher.
func (r *Registry) CurrentHeight() uint32 {
	return r.tip.Load()
}

// snapshot returns the registered machines ordered by consumer ID.
func (r *Registry) snapshot() []*syncer.StateMachine {
	r.mtx.RLock()
	machines := make([]*syncer.StateMachine, 0, len(r.consumers))
	for _, machine := range r.consumers {
		machines = append(machines, machine)
	}
	r.mtx.RUnlock()

	slices.SortFunc(machines, func(a, b *syncer.StateMachine) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		default:
			return 0
		}
	})

	return machines
}

// ForEachConsumer runs the action on every consumer, one at a time, stopping
// at the first error. It iterates over the consumers registered when it is
// called, so consumers may be registered or unregistered by the action.
func (r *Registry) ForEachConsumer(
	action func(m *syncer.StateMachine) error) error {

	for _, machine := range r.snapshot() {
		if err := action(machine); err != nil {
			return fmt.Errorf("consumer %v: %w", machine.ID(), err)
		}
	}

	return nil
}

// ForEachConsumerConcurrent runs the action on every consumer concurrently,
// with at most MaxParallel actions at the same time. Each action must finish
// within the process timeout, otherwise ErrProcessTimeout is returned for it.
func (r *Registry) ForEachConsumerConcurrent(
	action func(ctx context.Context, m *syncer.StateMachine) error) error {

	eg := &errgroup.Group{}
	if r.cfg.MaxParallel > 0 {
		eg.SetLimit(r.cfg.MaxParallel)
	}

	for _, machine := range r.snapshot() {
		machine := machine
		eg.Go(func() error {
			err := r.process(machine, action)
			if err == nil {
				return nil
			}

			log.Errorf("Consumer %v failed to process action: %v",
				machine.ID(), err)

			return err
		})
	}

	return eg.Wait()
}

// process runs the action on a single consumer and waits for it to finish
// within the process timeout.
func (r *Registry) process(m *syncer.StateMachine,
	action func(ctx context.Context, m *syncer.StateMachine) error) error {

	ctx, cancel := context.WithTimeout(
		context.Background(), r.cfg.ProcessTimeout,
	)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- action(ctx, m)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("consumer %v: %w", m.ID(), err)
		}

		return nil

	case <-ctx.Done():
		return fmt.Errorf("consumer %v: %w", m.ID(), ErrProcessTimeout)
	}
}

// watchTip polls the remote tip and tells every consumer when it moves.
//
// NOTE: This MUST be run as a goroutine.
func (r *Registry) watchTip() {
	defer r.wg.Done()

	r.pollTip()

	for {
		select {
		case <-r.cfg.TipTicker.Ticks():
			r.pollTip()

		case <-r.quit:
			return
		}
	}
}

// pollTip fetches the remote tip and fans a change out to the consumers.
func (r *Registry) pollTip() {
	height, err := r.node.GetCurrentHeight(r.ctx)
	if err != nil {
		if r.ctx.Err() == nil {
			log.Warnf("Unable to fetch remote tip: %v", err)
		}

		return
	}

	if r.tip.Swap(height) == height {
		return
	}

	log.Debugf("Remote tip moved to height %d, notifying %d consumers",
		height, r.Len())

	_ = r.ForEachConsumer(func(m *syncer.StateMachine) error {
		m.NotifyTip(height)
		return nil
	})
}
