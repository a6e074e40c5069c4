package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync cycle kinds used as the "kind" label.
const (
	CycleBackfill = "backfill"
	CycleRefresh  = "refresh"
)

// Metrics are the Prometheus collectors of the sync layer. Each instance owns
// its registry so several servers (or tests) can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	syncCycles      *prometheus.CounterVec
	syncDuration    *prometheus.HistogramVec
	fetchedRecords  prometheus.Counter
	insertedRecords prometheus.Counter
	malformedRows   prometheus.Counter
	storeRecords    *prometheus.GaugeVec
	lastFetch       prometheus.Gauge
}

// NewMetrics registers the collectors on a fresh registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		syncCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nps_sync_cycles_total",
			Help: "Sync cycles by kind and result",
		}, []string{"kind", "result"}),
		syncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nps_sync_duration_seconds",
			Help:    "Duration of sync cycles",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
		fetchedRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "nps_fetched_records_total",
			Help: "Raw feedback rows received from the upstream API",
		}),
		insertedRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "nps_inserted_records_total",
			Help: "Feedback records accepted into the store",
		}),
		malformedRows: factory.NewCounter(prometheus.CounterOpts{
			Name: "nps_malformed_rows_total",
			Help: "Upstream rows dropped during normalization",
		}),
		storeRecords: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nps_store_records",
			Help: "Records currently held by the store, per view",
		}, []string{"view"}),
		lastFetch: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nps_last_fetch_timestamp_seconds",
			Help: "Unix time of the last successful fetch",
		}),
	}
}

// The methods below are nil-safe so components can run without metrics.

func (m *Metrics) observeCycle(kind string, seconds float64, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.syncCycles.WithLabelValues(kind, result).Inc()
	m.syncDuration.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) addFetched(rows, malformed int) {
	if m == nil {
		return
	}
	m.fetchedRecords.Add(float64(rows))
	m.malformedRows.Add(float64(malformed))
}

func (m *Metrics) addInserted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.insertedRecords.Add(float64(n))
}

func (m *Metrics) setLastFetch(unix float64) {
	if m == nil {
		return
	}
	m.lastFetch.Set(unix)
}

// ObserveStore keeps the store gauges current; register it with RecordStore.OnChange.
func (m *Metrics) ObserveStore(ev StoreEvent) {
	if m == nil {
		return
	}
	m.storeRecords.WithLabelValues(string(ViewAll)).Set(float64(ev.Total))
	m.storeRecords.WithLabelValues(string(ViewFiltered)).Set(float64(ev.Filtered))
}
