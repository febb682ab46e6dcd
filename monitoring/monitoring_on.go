//go:build monitoring
// +build monitoring

package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taintlabs/taintd/build"
	"github.com/taintlabs/taintd/graph"
	"github.com/taintlabs/taintd/tdcfg"
)

var started sync.Once

// ExportPrometheusMetrics registers the graph collectors and launches the
// Prometheus exporter on the specified address.
func ExportPrometheusMetrics(store graph.Store, cfg tdcfg.Prometheus) error {
	started.Do(func() {
		log.Infof("Prometheus exporter started on %v/metrics",
			cfg.Listen)

		// Export some static data.
		versionGauge := prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taintd_version",
				Help: "Version of taintd running.",
			},
			[]string{"version", "commit"},
		)
		versionGauge.WithLabelValues(
			build.Version(), build.Commit,
		).Set(1)
		prometheus.MustRegister(versionGauge)

		startTime := time.Now()
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "taintd_uptime",
				Help: "Uptime of taintd in seconds.",
			},
			func() float64 {
				return time.Since(startTime).Seconds()
			},
		))

		prometheus.MustRegister(NewGraphCollector(store))

		http.Handle("/metrics", promhttp.Handler())
		go func() {
			err := http.ListenAndServe(cfg.Listen, nil)
			if err != nil {
				log.Errorf("Prometheus exporter stopped: %v",
					err)
			}
		}()
	})

	return nil
}
