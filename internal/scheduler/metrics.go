package scheduler

import "github.com/prometheus/client_golang/prometheus"

// schedulerMetrics exposes the ready-queue depth and worker-pool size
// (spec's cache hit/miss counters already live in execcache.Cache).
type schedulerMetrics struct {
	readyDepth prometheus.Gauge
	workers    prometheus.Gauge
}

func newSchedulerMetrics() *schedulerMetrics {
	return &schedulerMetrics{
		readyDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskexec", Subsystem: "scheduler", Name: "ready_queue_depth",
			Help: "Number of execution groups currently ready and waiting for a worker.",
		}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskexec", Subsystem: "scheduler", Name: "workers_connected",
			Help: "Number of workers currently registered with the scheduler.",
		}),
	}
}

// Collectors returns the scheduler's metrics for registration with a
// prometheus.Registerer.
func (s *Scheduler) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.metrics.readyDepth, s.metrics.workers}
}
