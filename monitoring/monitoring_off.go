//go:build !monitoring
// +build !monitoring

package monitoring

import (
	"fmt"

	"github.com/lightninglabs/chainsync/synccfg"
	"github.com/prometheus/client_golang/prometheus"
)

// ExportPrometheusMetrics is required for chainsyncd to compile so that
// Prometheus metric exporting can be hidden behind a build tag.
func ExportPrometheusMetrics(_ *synccfg.Prometheus,
	_ prometheus.Gatherer) (func() error, error) {

	return nil, fmt.Errorf("chainsyncd must be built with the " +
		"monitoring tag to enable exporting Prometheus metrics")
}
