package filestore

import "github.com/prometheus/client_golang/prometheus"

// storeMetrics are the prometheus collectors the file store exposes,
// matching the teacher's pattern of per-component registerable
// collectors rather than a package-global registry.
type storeMetrics struct {
	bytesStored prometheus.Counter
	evictions   prometheus.Counter
}

func newStoreMetrics() *storeMetrics {
	return &storeMetrics{
		bytesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskexec",
			Subsystem: "filestore",
			Name:      "bytes_stored_total",
			Help:      "Total bytes written to the content-addressed blob store.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskexec",
			Subsystem: "filestore",
			Name:      "evictions_total",
			Help:      "Total blobs evicted once unreferenced and past their persistence timestamp.",
		}),
	}
}

// Collectors returns the store's metrics for registration with a
// prometheus.Registerer.
func (s *Store) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.metrics.bytesStored, s.metrics.evictions}
}
