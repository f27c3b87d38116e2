package chainsync

import (
	"context"
	"fmt"

	"github.com/lightninglabs/chainsync/blockcache"
	"github.com/lightninglabs/chainsync/build"
	"github.com/lightninglabs/chainsync/ingest"
	"github.com/lightninglabs/chainsync/lnutils"
	"github.com/lightninglabs/chainsync/monitoring"
	"github.com/lightninglabs/chainsync/nodeclient"
	"github.com/lightninglabs/chainsync/registry"
	"github.com/lightninglabs/chainsync/signal"
	"github.com/lightninglabs/chainsync/synccfg"
	"github.com/lightninglabs/chainsync/syncdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Main is the true entry point for chainsyncd. It accepts a fully populated
// and validated main configuration struct. This function starts all main
// system components then blocks until a signal is received on the shutdown
// channel of the interceptor at which point everything is shut down again.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		csydLog.Info("Shutdown complete")
		err := cfg.LogRotator.Close()
		if err != nil {
			csydLog.Errorf("Could not close log rotator: %v", err)
		}
	}()

	// Show version at startup.
	csydLog.Infof("Version: %s, network=%v", build.Version(),
		cfg.ActiveNetParams.Name)
	csydLog.Debugf("Sync config: %v", lnutils.SpewLogClosure(cfg.Sync))

	db, err := syncdb.OpenBoltBackend(
		cfg.DBPath(), cfg.DB.DBTimeout, cfg.DB.NoFreelistSync,
	)
	if err != nil {
		return mkErr("unable to open consumer database", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			csydLog.Errorf("Could not close database: %v", err)
		}
	}()

	store, err := syncdb.NewStore(db)
	if err != nil {
		return mkErr("unable to initialize consumer store", err)
	}

	connCfg, err := cfg.Node.ConnConfig()
	if err != nil {
		return mkErr("invalid node config", err)
	}

	btcdClient, err := nodeclient.NewBtcdClient(
		*connCfg, blockcache.NewBlockCache(cfg.Node.BlockCacheCapacity),
	)
	if err != nil {
		return mkErr("unable to create node client", err)
	}
	if err := btcdClient.Start(); err != nil {
		return mkErr("unable to start node client", err)
	}
	defer func() {
		if err := btcdClient.Stop(); err != nil {
			csydLog.Errorf("Could not stop node client: %v", err)
		}
	}()

	// Every request of every consumer goes through the same rate limiter
	// and is accounted for by the same instruments.
	node := monitoring.NewInstrumentedClient(
		nodeclient.NewRateLimitedClient(
			btcdClient, cfg.Node.RequestsPerSecond,
			cfg.Node.RequestBurst,
		),
	)

	metrics := monitoring.NewMetrics()
	promRegistry, err := newPrometheusRegistry(metrics, node)
	if err != nil {
		return mkErr("unable to register metrics", err)
	}

	if cfg.Prometheus.Enabled() {
		stopExporter, err := monitoring.ExportPrometheusMetrics(
			cfg.Prometheus, promRegistry,
		)
		if err != nil {
			return mkErr("unable to export metrics", err)
		}
		defer func() {
			if err := stopExporter(); err != nil {
				csydLog.Errorf("Could not stop metrics "+
					"exporter: %v", err)
			}
		}()
	}

	consumers, err := newRegistry(cfg, node, store, metrics)
	if err != nil {
		return mkErr("unable to create consumer registry", err)
	}

	for _, consumer := range cfg.ParsedConsumers() {
		reg, err := newRegistration(consumer)
		if err != nil {
			return mkErr("invalid consumer", err)
		}

		if err := consumers.Register(reg); err != nil {
			return mkErr("unable to register consumer", err)
		}
	}

	if err := consumers.Start(); err != nil {
		return mkErr("unable to start consumer registry", err)
	}
	defer func() {
		if err := consumers.Stop(); err != nil {
			csydLog.Errorf("Could not stop consumers: %v", err)
		}
	}()

	monitor := healthcheck.NewMonitor(&healthcheck.Config{
		Checks:   healthChecks(cfg, node),
		Shutdown: csydLog.Criticalf,
	})
	if err := monitor.Start(); err != nil {
		return mkErr("unable to start health monitor", err)
	}
	defer func() {
		if err := monitor.Stop(); err != nil {
			csydLog.Errorf("Could not stop health monitor: %v", err)
		}
	}()

	csydLog.Infof("Synchronizing %d consumers", consumers.Len())

	// Wait for shutdown signal from either a graceful server stop or from
	// the interrupt handler.
	<-interceptor.ShutdownChannel()

	return nil
}

// newPrometheusRegistry registers the collectors of the daemon with a fresh
// registry.
func newPrometheusRegistry(metrics *monitoring.Metrics,
	node *monitoring.InstrumentedClient) (*prometheus.Registry, error) {

	promRegistry := prometheus.NewRegistry()

	err := promRegistry.Register(collectors.NewGoCollector())
	if err != nil {
		return nil, err
	}

	err = promRegistry.Register(
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)
	if err != nil {
		return nil, err
	}

	if err := metrics.Register(promRegistry); err != nil {
		return nil, err
	}

	if err := node.Register(promRegistry); err != nil {
		return nil, err
	}

	return promRegistry, nil
}

// newRegistry creates the consumer registry from the sync config.
func newRegistry(cfg *Config, node nodeclient.NodeClient,
	store registry.Store, metrics *monitoring.Metrics) (*registry.Registry,
	error) {

	pollInterval := cfg.Sync.PollInterval

	return registry.New(registry.Config{
		Node:           node,
		Store:          store,
		Observer:       ingest.NewObserverSet(metrics, &logObserver{}),
		WindowSize:     cfg.Sync.WindowSize,
		InitialStep:    cfg.Sync.InitialStep,
		BatchSize:      cfg.Sync.BatchSize,
		MaxRetries:     cfg.Sync.MaxRetries,
		BackoffBase:    cfg.Sync.BackoffBase,
		MaxBackoff:     cfg.Sync.MaxBackoff,
		RequestTimeout: cfg.Sync.RequestTimeout,
		ErrorHistory:   cfg.Sync.ErrorHistory,
		MaxParallel:    cfg.Sync.MaxParallel,
		ProcessTimeout: cfg.Sync.ProcessTimeout,
		TipTicker:      ticker.New(pollInterval),
		NewPollTicker: func() ticker.Ticker {
			return ticker.New(pollInterval)
		},
		Clock: clock.NewDefaultClock(),
	})
}

// newRegistration turns a consumer declared in the config into a
// registration. Consumers without addresses only track coinbases.
func newRegistration(consumer *synccfg.Consumer) (registry.Registration,
	error) {

	reg := registry.Registration{
		ID:          consumer.ID,
		StartHeight: consumer.StartHeight,
		Filter:      ingest.MatchNone,
	}

	if len(consumer.Addresses) == 0 {
		return reg, nil
	}

	filter, err := ingest.NewAddressFilter(consumer.Addresses)
	if err != nil {
		return reg, fmt.Errorf("consumer %v: %w", consumer.ID, err)
	}
	reg.Filter = filter

	return reg, nil
}

// healthChecks returns the enabled health checks of the daemon.
func healthChecks(cfg *Config,
	node nodeclient.NodeClient) []*healthcheck.Observation {

	var checks []*healthcheck.Observation

	nodeCheck := cfg.HealthChecks.NodeCheck
	if nodeCheck.Enabled() {
		checks = append(checks, healthcheck.NewObservation(
			"node backend",
			func() error {
				_, err := node.GetCurrentHeight(
					context.Background(),
				)

				return err
			},
			nodeCheck.Interval, nodeCheck.Timeout,
			nodeCheck.Backoff, nodeCheck.Attempts,
		))
	}

	diskCheck := cfg.HealthChecks.DiskCheck
	if diskCheck.Enabled() {
		checks = append(checks, healthcheck.NewObservation(
			"disk space",
			func() error {
				free, err := healthcheck.AvailableDiskSpaceRatio(
					cfg.DataDir,
				)
				if err != nil {
					return err
				}

				// If we have more free space than we
				// require, we return a nil error.
				if free > diskCheck.RequiredRemaining {
					return nil
				}

				return fmt.Errorf("require: %v free space, "+
					"got: %v", diskCheck.RequiredRemaining,
					free)
			},
			diskCheck.Interval, diskCheck.Timeout,
			diskCheck.Backoff, diskCheck.Attempts,
		))
	}

	return checks
}
