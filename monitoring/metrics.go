package monitoring

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/chainsync/chaindata"
	"github.com/lightninglabs/chainsync/ingest"
	"github.com/lightninglabs/chainsync/syncer"
	"github.com/prometheus/client_golang/prometheus"
)

// namespace prefixes every metric exported by chainsync.
const namespace = "chainsync"

// consumerLabel is the label holding the consumer ID.
const consumerLabel = "consumer"

// Metrics tracks the progress of every consumer. It is registered as an
// observer of the registry so it sees every consumer.
type Metrics struct {
	syncHeight   *prometheus.GaugeVec
	state        *prometheus.GaugeVec
	blocks       *prometheus.CounterVec
	relevantTxs  *prometheus.CounterVec
	rollbacks    *prometheus.CounterVec
	syncFailures *prometheus.CounterVec
}

// Compile-time checks to ensure Metrics observes blocks and states.
var (
	_ ingest.Observer      = (*Metrics)(nil)
	_ syncer.StateObserver = (*Metrics)(nil)
)

// NewMetrics creates the consumer metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		syncHeight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "consumer_sync_height",
				Help:      "Height of the last block applied.",
			},
			[]string{consumerLabel},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "consumer_state",
				Help: "Current state of the consumer's sync " +
					"machine.",
			},
			[]string{consumerLabel},
		),
		blocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consumer_blocks_applied_total",
				Help:      "Number of blocks applied.",
			},
			[]string{consumerLabel},
		),
		relevantTxs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consumer_relevant_txs_total",
				Help: "Number of relevant transactions " +
					"delivered.",
			},
			[]string{consumerLabel},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consumer_rollbacks_total",
				Help:      "Number of rollbacks and resets.",
			},
			[]string{consumerLabel},
		),
		syncFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consumer_sync_failures_total",
				Help: "Number of times the consumer entered the " +
					"error state.",
			},
			[]string{consumerLabel},
		),
	}
}

// Register registers the metrics with the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.syncHeight, m.state, m.blocks, m.relevantTxs, m.rollbacks,
		m.syncFailures,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	return nil
}

// Forget drops every series of the consumer, once it is unregistered.
func (m *Metrics) Forget(id chaindata.ConsumerID) {
	labels := prometheus.Labels{consumerLabel: string(id)}

	m.syncHeight.Delete(labels)
	m.state.Delete(labels)
	m.blocks.Delete(labels)
	m.relevantTxs.Delete(labels)
	m.rollbacks.Delete(labels)
	m.syncFailures.Delete(labels)
}

// OnBlocksAdded implements the ingest.Observer interface.
func (m *Metrics) OnBlocksAdded(id chaindata.ConsumerID,
	heights chaindata.HeightRange, txs []*btcutil.Tx) {

	label := string(id)
	m.syncHeight.WithLabelValues(label).Set(float64(heights.End))
	m.blocks.WithLabelValues(label).Add(float64(heights.Len()))
	m.relevantTxs.WithLabelValues(label).Add(float64(len(txs)))
}

// OnBlockchainDetach implements the ingest.Observer interface.
func (m *Metrics) OnBlockchainDetach(id chaindata.ConsumerID,
	newHeight uint32) {

	label := string(id)
	m.syncHeight.WithLabelValues(label).Set(float64(newHeight))
	m.rollbacks.WithLabelValues(label).Inc()
}

// OnStateChange implements the syncer.StateObserver interface.
func (m *Metrics) OnStateChange(id chaindata.ConsumerID, _,
	to syncer.State, _ error) {

	label := string(id)
	m.state.WithLabelValues(label).Set(float64(to))
	if to == syncer.StateError {
		m.syncFailures.WithLabelValues(label).Inc()
	}
}
