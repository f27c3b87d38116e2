//go:build monitoring
// +build monitoring

package monitoring

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/lightninglabs/chainsync/synccfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var started sync.Once

// ExportPrometheusMetrics launches the Prometheus exporter of the metrics
// gathered by the registry on the configured address. The returned function
// stops the exporter.
func ExportPrometheusMetrics(cfg *synccfg.Prometheus,
	gatherer prometheus.Gatherer) (func() error, error) {

	stop := func() error { return nil }

	started.Do(func() {
		log.Infof("Prometheus exporter started on %v/metrics",
			cfg.Listen)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			gatherer, promhttp.HandlerOpts{},
		))

		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			err := server.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Prometheus exporter failed: %v",
					err)
			}
		}()

		stop = server.Close
	})

	return stop, nil
}
