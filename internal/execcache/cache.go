// Package execcache implements the execution result memo table of spec
// §4.2: a CacheKey-addressed store of CacheEntry records, each carrying a
// limits snapshot so an entry compatible with looser or tighter limits
// can be reused without re-running the group.
package execcache

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/veluca93/task-maker-go/internal/dag"
	"github.com/veluca93/task-maker-go/internal/filekey"
	"github.com/veluca93/task-maker-go/internal/filestore"
	"github.com/veluca93/task-maker-go/internal/logging"
)

// Entry is spec §3's CacheEntry: one {per-execution result, per-execution
// output-keys, limits snapshot} record.
type Entry struct {
	Limits  []dag.Limits // per execution, aligned with group.Executions order
	Results []dag.ExecutionResult
	Outputs []map[dag.FileUuid]filekey.Key
}

// Hit is the result of a successful Lookup.
type Hit struct {
	Results []dag.ExecutionResult
	Outputs []map[dag.FileUuid]filekey.Key
	Handles []*filestore.Handle // rematerialized output handles, caller releases
}

// Cache is the in-memory memo table, snapshotted to disk by Save (the
// server calls it once, on shutdown).
type Cache struct {
	mu      sync.Mutex
	entries map[Key][]Entry

	hits   prometheus.Counter
	misses prometheus.Counter
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[Key][]Entry),
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskexec", Subsystem: "execcache", Name: "hits_total",
			Help: "Total execution-group lookups served from the cache.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskexec", Subsystem: "execcache", Name: "misses_total",
			Help: "Total execution-group lookups that required dispatch to a worker.",
		}),
	}
}

// Collectors returns the cache's metrics for registration with a
// prometheus.Registerer.
func (c *Cache) Collectors() []prometheus.Collector {
	return []prometheus.Collector{c.hits, c.misses}
}

// Cacheable reports whether every result in results is cacheable (spec
// §4.2: "an ExecutionGroup is cached only if all its executions'
// statuses are cacheable").
func Cacheable(results []dag.ExecutionResult) bool {
	for _, r := range results {
		if !r.Cacheable() {
			return false
		}
	}
	return true
}

// Insert records a completed group's results, replacing any existing
// entry with identical per-execution limits, else appending (spec §4.2
// insert).
func (c *Cache) Insert(group dag.ExecutionGroup, resolved map[dag.FileUuid]filekey.Key, results []dag.ExecutionResult, outputs []map[dag.FileUuid]filekey.Key) {
	key := Compute(group, resolved)
	limits := make([]dag.Limits, len(group.Executions))
	for i, e := range group.Executions {
		limits[i] = e.Limits.Clone()
	}
	entry := Entry{Limits: limits, Results: results, Outputs: outputs}

	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.entries[key]
	for i, existing := range list {
		if limitsEqual(existing.Limits, limits) {
			list[i] = entry
			c.entries[key] = list
			return
		}
	}
	c.entries[key] = append(list, entry)
}

// Lookup computes the CacheKey for group and searches its entries for one
// compatible with the group's current limits, rematerializing its output
// handles from fs. The first compatible, rematerializable entry wins
// (spec §4.2 lookup).
func (c *Cache) Lookup(ctx context.Context, group dag.ExecutionGroup, resolved map[dag.FileUuid]filekey.Key, fs *filestore.Store) (Hit, bool) {
	key := Compute(group, resolved)

	c.mu.Lock()
	list := append([]Entry(nil), c.entries[key]...)
	c.mu.Unlock()

	log := logging.G(ctx).WithField("cachekey", key)
candidates:
	for _, entry := range list {
		if len(entry.Limits) != len(group.Executions) {
			continue
		}
		for i, e := range group.Executions {
			if !Compatible(entry.Results[i], entry.Limits[i], e.Limits) {
				continue candidates
			}
		}

		handles := make([]*filestore.Handle, 0)
		outputKeys := make([]map[dag.FileUuid]filekey.Key, len(entry.Outputs))
		ok := true
		for i, outs := range entry.Outputs {
			outputKeys[i] = make(map[dag.FileUuid]filekey.Key, len(outs))
			for fuuid, k := range outs {
				h, err := fs.Get(ctx, k)
				if err != nil {
					ok = false
					break
				}
				handles = append(handles, h)
				outputKeys[i][fuuid] = k
			}
			if !ok {
				break
			}
		}
		if !ok {
			for _, h := range handles {
				h.Release()
			}
			continue
		}

		recategorized := make([]dag.ExecutionResult, len(entry.Results))
		for i, r := range entry.Results {
			rr := Recategorize(r, group.Executions[i].Limits)
			rr.WasCached = true
			recategorized[i] = rr
		}

		c.hits.Inc()
		log.Debug("execcache: hit")
		return Hit{Results: recategorized, Outputs: outputKeys, Handles: handles}, true
	}

	c.misses.Inc()
	log.Debug("execcache: miss")
	return Hit{}, false
}

func limitsEqual(a, b []dag.Limits) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameDimensionsSet(a[i], b[i]) || !LimitsLessEqual(a[i], b[i]) || !LimitsLessEqual(b[i], a[i]) {
			return false
		}
	}
	return true
}

// sameDimensionsSet reports whether a and b set the same limit
// dimensions; LimitsLessEqual lets an absent limit satisfy any value, so
// the two-way comparison alone does not tell unset from set.
func sameDimensionsSet(a, b dag.Limits) bool {
	return (a.WallTime == nil) == (b.WallTime == nil) &&
		(a.CPUTime == nil) == (b.CPUTime == nil) &&
		(a.SysTime == nil) == (b.SysTime == nil) &&
		(a.MemoryKiB == nil) == (b.MemoryKiB == nil) &&
		(a.Processes == nil) == (b.Processes == nil) &&
		(a.FileSizeKiB == nil) == (b.FileSizeKiB == nil) &&
		(a.StackKiB == nil) == (b.StackKiB == nil)
}
