package synccfg

import "fmt"

// DefaultPrometheusListen is the default address the metrics are exported
// on.
const DefaultPrometheusListen = "127.0.0.1:8989"

// Prometheus configures the Prometheus exporter.
//
//nolint:lll
type Prometheus struct {
	// Enable indicates whether to export metrics. The exporter is only
	// available in builds with the monitoring tag.
	Enable bool `long:"enable" description:"Enable Prometheus exporting of metrics."`

	// Listen is the listening address that we should use to allow the
	// main Prometheus server to scrape our metrics.
	Listen string `long:"listen" description:"The interface we should listen on for Prometheus."`
}

// DefaultPrometheus is the default configuration for the Prometheus metrics
// exporter.
func DefaultPrometheus() *Prometheus {
	return &Prometheus{
		Listen: DefaultPrometheusListen,
	}
}

// Enabled returns whether or not Prometheus monitoring is enabled.
func (p *Prometheus) Enabled() bool {
	return p.Enable
}

// Validate checks that an enabled exporter has an address to listen on.
func (p *Prometheus) Validate() error {
	if p.Enable && p.Listen == "" {
		return fmt.Errorf("prometheus.listen must be set")
	}

	return nil
}

// Compile-time constraint to ensure Prometheus implements the Validator
// interface.
var _ Validator = (*Prometheus)(nil)
