package scheduler

import (
	"github.com/veluca93/task-maker-go/internal/dag"
	"github.com/veluca93/task-maker-go/internal/filekey"
	"github.com/veluca93/task-maker-go/internal/proto"
)

// consumerRef names one execution's consumption of a file, so skip
// propagation can tell a side (cache-only) dependency from a poisoning
// one (spec §3 Lifecycles, §4.4 "Skip propagation").
type consumerRef struct {
	group dag.GroupUuid
	side  bool
}

// session is the per-Evaluate state machine of spec §4.4: resolved
// files, the pending/ready partition of groups, watch sets, and the
// bookkeeping needed to emit Done at the end.
type session struct {
	id        string
	d         dag.DAG
	callbacks proto.Callbacks

	groups      map[dag.GroupUuid]dag.ExecutionGroup
	producer    map[dag.FileUuid]dag.GroupUuid   // file -> producing group
	consumers   map[dag.FileUuid][]consumerRef    // file -> consuming groups
	unresolved  map[dag.GroupUuid]map[dag.FileUuid]struct{}
	resolved    map[dag.FileUuid]filekey.Key
	outcomes    map[dag.FileUuid]bool // file -> producing execution succeeded

	running   map[dag.GroupUuid]dag.WorkerUuid
	completed map[dag.GroupUuid]struct{}
	skipped   map[dag.GroupUuid]struct{}

	totalGroups int

	// events carries every ServerMessage the session handler must forward
	// to the client connection (NotifyStart/Done/Skip, AskFile, Done...).
	events chan *proto.ServerMessage
}

func newSession(id string, d dag.DAG, callbacks proto.Callbacks, events chan *proto.ServerMessage) *session {
	s := &session{
		id:         id,
		d:          d,
		callbacks:  callbacks,
		groups:     make(map[dag.GroupUuid]dag.ExecutionGroup, len(d.Groups)),
		producer:   make(map[dag.FileUuid]dag.GroupUuid),
		consumers:  make(map[dag.FileUuid][]consumerRef),
		unresolved: make(map[dag.GroupUuid]map[dag.FileUuid]struct{}),
		resolved:   make(map[dag.FileUuid]filekey.Key),
		outcomes:   make(map[dag.FileUuid]bool),
		running:    make(map[dag.GroupUuid]dag.WorkerUuid),
		completed:  make(map[dag.GroupUuid]struct{}),
		skipped:    make(map[dag.GroupUuid]struct{}),
		events:     events,
	}
	for _, g := range d.Groups {
		s.groups[g.Uuid] = g
		for _, e := range g.Executions {
			for _, o := range e.Outputs {
				s.producer[o.File] = g.Uuid
			}
		}
	}
	for _, g := range d.Groups {
		needed := make(map[dag.FileUuid]struct{})
		for _, e := range g.Executions {
			if e.Stdin != nil {
				needed[*e.Stdin] = struct{}{}
				s.consumers[*e.Stdin] = append(s.consumers[*e.Stdin], consumerRef{group: g.Uuid, side: false})
			}
			for _, in := range e.Inputs {
				needed[in.File] = struct{}{}
				s.consumers[in.File] = append(s.consumers[in.File], consumerRef{group: g.Uuid, side: in.Side})
			}
		}
		s.unresolved[g.Uuid] = needed
	}
	for _, pf := range d.Provided {
		s.resolved[pf.Uuid] = pf.Key
		s.outcomes[pf.Uuid] = true
	}
	s.totalGroups = len(d.Groups)
	return s
}

// initialReadyGroups returns every group whose inputs are already fully
// resolved (from ProvidedFiles known up front).
func (s *session) initialReadyGroups() []dag.ExecutionGroup {
	var ready []dag.ExecutionGroup
	for _, g := range s.d.Groups {
		if s.groupReady(g.Uuid) {
			ready = append(ready, s.groups[g.Uuid])
		}
	}
	return ready
}

func (s *session) groupReady(guuid dag.GroupUuid) bool {
	for f := range s.unresolved[guuid] {
		if _, ok := s.resolved[f]; !ok {
			return false
		}
	}
	return true
}

// missingProvidedFiles returns the provided files not yet known to be in
// the file store, which must be pulled from the client via AskFile
// (spec §4.4 admission step 2).
func (s *session) missingProvidedFiles(known func(filekey.Key) bool) []dag.ProvidedFile {
	var missing []dag.ProvidedFile
	for _, pf := range s.d.Provided {
		if !known(pf.Key) {
			missing = append(missing, pf)
		}
	}
	return missing
}

// isWatchedExec reports whether the client asked for callbacks on exec.
func (s *session) isWatchedExec(e dag.ExecUuid) bool {
	_, ok := s.callbacks.WatchExecutions[e]
	return ok
}

// finished reports whether every group has reached completed or skipped
// (spec §4.4 "Completion").
func (s *session) finished() bool {
	return len(s.completed)+len(s.skipped) >= s.totalGroups
}

// resolve records a file's content key and outcome, returning the
// groups that became newly ready as a result. A group may appear more
// than once in s.consumers[file] when more than one of its executions
// reads file, so the result is deduplicated — otherwise the caller
// would push the same group onto the ready queue twice (spec §8
// scenario 6: no duplicate NotifyStart/NotifyDone).
func (s *session) resolve(file dag.FileUuid, key filekey.Key, ok bool) []dag.GroupUuid {
	s.resolved[file] = key
	s.outcomes[file] = ok
	seen := make(map[dag.GroupUuid]struct{})
	var unblocked []dag.GroupUuid
	for _, c := range s.consumers[file] {
		if _, dup := seen[c.group]; dup {
			continue
		}
		if s.groupReady(c.group) {
			if _, done := s.completed[c.group]; done {
				continue
			}
			if _, skip := s.skipped[c.group]; skip {
				continue
			}
			seen[c.group] = struct{}{}
			unblocked = append(unblocked, c.group)
		}
	}
	return unblocked
}

// poisonedConsumers returns every group that must be skipped because it
// consumes file through a non-side binding and file's producing
// execution did not succeed (spec §4.4 "Skip propagation").
func (s *session) poisonedConsumers(file dag.FileUuid) []dag.GroupUuid {
	var out []dag.GroupUuid
	for _, c := range s.consumers[file] {
		if c.side {
			continue
		}
		out = append(out, c.group)
	}
	return out
}
