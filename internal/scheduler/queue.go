package scheduler

import (
	"container/heap"

	"github.com/veluca93/task-maker-go/internal/dag"
)

// readyItem is one group waiting for a worker: priority descending, then
// arrival order ascending as the tie-break (spec §4.4 "ready queue").
type readyItem struct {
	session  string
	group    dag.ExecutionGroup
	priority int
	seq      uint64
}

type readyQueue struct {
	items []*readyItem
	seq   uint64
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{}
	heap.Init(q)
	return q
}

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

func (q *readyQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *readyQueue) Push(x any) { q.items = append(q.items, x.(*readyItem)) }

func (q *readyQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

// push enqueues a newly-ready group for session.
func (q *readyQueue) push(session string, group dag.ExecutionGroup) {
	q.seq++
	heap.Push(q, &readyItem{session: session, group: group, priority: group.Priority(), seq: q.seq})
}

// pop removes and returns the highest-priority ready group, or false if
// empty.
func (q *readyQueue) pop() (*readyItem, bool) {
	if q.Len() == 0 {
		return nil, false
	}
	return heap.Pop(q).(*readyItem), true
}
