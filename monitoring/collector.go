package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/taintlabs/taintd/graph"
)

// statsTimeout bounds the store round trip made per scrape.
const statsTimeout = 10 * time.Second

// graphCollector exports the aggregate counters of a graph store. We use
// a custom collector rather than Set on gauge vectors so that a single
// Stats call backs one scrape.
type graphCollector struct {
	store graph.Store

	addressesDesc    *prometheus.Desc
	transactionsDesc *prometheus.Desc
	entitiesDesc     *prometheus.Desc
	labelsDesc       *prometheus.Desc
	scoresDesc       *prometheus.Desc
	lastIngestDesc   *prometheus.Desc
}

// NewGraphCollector returns a collector that reports the node, label and
// score counts of the given store.
func NewGraphCollector(store graph.Store) prometheus.Collector {
	return &graphCollector{
		store: store,
		addressesDesc: prometheus.NewDesc(
			"taintd_graph_address_count",
			"Number of addresses in the transaction graph.",
			nil,
			nil),
		transactionsDesc: prometheus.NewDesc(
			"taintd_graph_transaction_count",
			"Number of transactions in the transaction graph.",
			nil,
			nil),
		entitiesDesc: prometheus.NewDesc(
			"taintd_graph_entity_count",
			"Number of attributed entity clusters.",
			nil,
			nil),
		labelsDesc: prometheus.NewDesc(
			"taintd_graph_label_count",
			"Number of address labels across all sources.",
			nil,
			nil),
		scoresDesc: prometheus.NewDesc(
			"taintd_graph_score_count",
			"Number of persisted risk scores.",
			nil,
			nil),
		lastIngestDesc: prometheus.NewDesc(
			"taintd_graph_last_ingest_timestamp",
			"Unix timestamp of the most recent ingestion, 0 if "+
				"nothing was ingested yet.",
			nil,
			nil),
	}
}

// Describe sends the static descriptors of all exported metrics.
//
// NOTE: part of the prometheus.Collector interface.
func (c *graphCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.addressesDesc
	ch <- c.transactionsDesc
	ch <- c.entitiesDesc
	ch <- c.labelsDesc
	ch <- c.scoresDesc
	ch <- c.lastIngestDesc
}

// Collect reads the store counters and converts them into metrics. A
// failing store drops the sample rather than failing the scrape.
//
// NOTE: part of the prometheus.Collector interface.
func (c *graphCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(
		context.Background(), statsTimeout,
	)
	defer cancel()

	stats, err := c.store.Stats(ctx)
	if err != nil {
		log.Errorf("Unable to collect graph stats: %v", err)
		return
	}

	ch <- prometheus.MustNewConstMetric(
		c.addressesDesc, prometheus.GaugeValue,
		float64(stats.Addresses),
	)
	ch <- prometheus.MustNewConstMetric(
		c.transactionsDesc, prometheus.GaugeValue,
		float64(stats.Transactions),
	)
	ch <- prometheus.MustNewConstMetric(
		c.entitiesDesc, prometheus.GaugeValue,
		float64(stats.Entities),
	)
	ch <- prometheus.MustNewConstMetric(
		c.labelsDesc, prometheus.GaugeValue,
		float64(stats.Labels),
	)
	ch <- prometheus.MustNewConstMetric(
		c.scoresDesc, prometheus.GaugeValue,
		float64(stats.Scores),
	)

	var lastIngest float64
	if !stats.LastIngest.IsZero() {
		lastIngest = float64(stats.LastIngest.Unix())
	}
	ch <- prometheus.MustNewConstMetric(
		c.lastIngestDesc, prometheus.GaugeValue, lastIngest,
	)
}
