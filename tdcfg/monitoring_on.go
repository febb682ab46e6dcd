//go:build monitoring
// +build monitoring

package tdcfg

// DefaultPrometheusListen is the default address the Prometheus exporter
// listens on when monitoring is enabled.
const DefaultPrometheusListen = "127.0.0.1:8989"

// Prometheus is the set of configuration data that specifies the listening
// address of the Prometheus exporter.
//
//nolint:lll
type Prometheus struct {
	Listen string `long:"listen" description:"the interface we should listen on for Prometheus"`
}

// DefaultPrometheus is the default configuration for the Prometheus metrics
// exporter.
func DefaultPrometheus() Prometheus {
	return Prometheus{
		Listen: DefaultPrometheusListen,
	}
}

// Enabled returns whether or not Prometheus monitoring is enabled.
func (p *Prometheus) Enabled() bool {
	return p.Listen != ""
}
