package dag

import (
	"github.com/veluca93/task-maker-go/internal/errdefs"
)

// producerIndex maps a produced FileUuid to the group that produces it.
type producerIndex map[FileUuid]GroupUuid

// Validate checks the invariants of spec §3: acyclicity, and every input
// binding resolvable from either a ProvidedFile or an earlier group's
// output. It returns an InvalidArgument error (spec §7) on the first
// violation found.
func Validate(d *DAG) error {
	provided := make(map[FileUuid]struct{}, len(d.Provided))
	for _, p := range d.Provided {
		if _, dup := provided[p.Uuid]; dup {
			return errdefs.Errorf(errdefs.InvalidArgument, "duplicate provided file %s", p.Uuid)
		}
		provided[p.Uuid] = struct{}{}
	}

	producers := make(producerIndex)
	for _, g := range d.Groups {
		if len(g.Executions) == 0 {
			return errdefs.Errorf(errdefs.InvalidArgument, "group %s has no executions", g.Uuid)
		}
		for _, e := range g.Executions {
			for _, out := range e.Outputs {
				if _, isProvided := provided[out.File]; isProvided {
					return errdefs.Errorf(errdefs.InvalidArgument, "file %s is both provided and produced", out.File)
				}
				if prev, dup := producers[out.File]; dup && prev != g.Uuid {
					return errdefs.Errorf(errdefs.InvalidArgument, "file %s produced by multiple groups", out.File)
				}
				producers[out.File] = g.Uuid
			}
		}
	}

	// Every input binding (and stdin) must resolve to either a provided
	// file or some group's output.
	resolvable := func(f FileUuid) bool {
		if _, ok := provided[f]; ok {
			return true
		}
		_, ok := producers[f]
		return ok
	}
	for _, g := range d.Groups {
		for _, e := range g.Executions {
			if e.Stdin != nil && !resolvable(*e.Stdin) {
				return errdefs.Errorf(errdefs.InvalidArgument, "execution %s: dangling stdin file %s", e.Uuid, *e.Stdin)
			}
			for _, in := range e.Inputs {
				if !resolvable(in.File) {
					return errdefs.Errorf(errdefs.InvalidArgument, "execution %s: dangling input file %s", e.Uuid, in.File)
				}
			}
		}
	}

	return detectCycle(d, producers)
}

// detectCycle runs Kahn's algorithm over the group dependency graph
// (an edge A -> B exists when B consumes a file A produces) and fails if
// any group remains unprocessed, meaning a cycle exists. Every execution's
// producing group (if any) must be reachable without revisiting the
// consuming group itself (spec §3 invariant: "for every execution, every
// input's producing execution must be in the same DAG" and the DAG must
// be acyclic).
func detectCycle(d *DAG, producers producerIndex) error {
	indegree := make(map[GroupUuid]int, len(d.Groups))
	dependents := make(map[GroupUuid][]GroupUuid)
	index := make(map[GroupUuid]ExecutionGroup, len(d.Groups))

	for _, g := range d.Groups {
		indegree[g.Uuid] = 0
		index[g.Uuid] = g
	}
	seenEdge := make(map[[2]GroupUuid]struct{})
	for _, g := range d.Groups {
		for _, e := range g.Executions {
			consume := func(f FileUuid) {
				producer, ok := producers[f]
				if !ok || producer == g.Uuid {
					return
				}
				key := [2]GroupUuid{producer, g.Uuid}
				if _, dup := seenEdge[key]; dup {
					return
				}
				seenEdge[key] = struct{}{}
				dependents[producer] = append(dependents[producer], g.Uuid)
				indegree[g.Uuid]++
			}
			if e.Stdin != nil {
				consume(*e.Stdin)
			}
			for _, in := range e.Inputs {
				consume(in.File)
			}
		}
	}

	var queue []GroupUuid
	for uuid, deg := range indegree {
		if deg == 0 {
			queue = append(queue, uuid)
		}
	}
	processed := 0
	for len(queue) > 0 {
		g := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[g] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if processed != len(d.Groups) {
		return errdefs.Errorf(errdefs.InvalidArgument, "dependency graph contains a cycle")
	}
	return nil
}

// InitialReadySet returns the groups whose inputs are all resolved given
// the set of already-resolved FileUuids (typically the ProvidedFiles
// whose FileStoreKey is already present in the file store, per spec
// §4.4 point 3).
func InitialReadySet(d *DAG, resolved map[FileUuid]struct{}) []GroupUuid {
	var ready []GroupUuid
	for _, g := range d.Groups {
		if groupReady(g, resolved) {
			ready = append(ready, g.Uuid)
		}
	}
	return ready
}

func groupReady(g ExecutionGroup, resolved map[FileUuid]struct{}) bool {
	for _, e := range g.Executions {
		if e.Stdin != nil {
			if _, ok := resolved[*e.Stdin]; !ok {
				return false
			}
		}
		for _, in := range e.Inputs {
			if _, ok := resolved[in.File]; !ok {
				return false
			}
		}
	}
	return true
}

// UnresolvedInputs returns the set of FileUuids g depends on that are not
// yet present in resolved.
func UnresolvedInputs(g ExecutionGroup, resolved map[FileUuid]struct{}) map[FileUuid]struct{} {
	out := make(map[FileUuid]struct{})
	add := func(f FileUuid) {
		if _, ok := resolved[f]; !ok {
			out[f] = struct{}{}
		}
	}
	for _, e := range g.Executions {
		if e.Stdin != nil {
			add(*e.Stdin)
		}
		for _, in := range e.Inputs {
			add(in.File)
		}
	}
	return out
}
