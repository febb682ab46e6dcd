//go:build !monitoring
// +build !monitoring

package monitoring

import (
	"fmt"

	"github.com/taintlabs/taintd/graph"
	"github.com/taintlabs/taintd/tdcfg"
)

// ExportPrometheusMetrics is required for taintd to compile so that
// Prometheus metric exporting can be hidden behind a build tag.
func ExportPrometheusMetrics(_ graph.Store, _ tdcfg.Prometheus) error {
	return fmt.Errorf("taintd must be built with the monitoring tag to " +
		"enable exporting Prometheus metrics")
}
