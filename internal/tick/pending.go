package tick

import (
	"container/heap"

	"campfire/engine/internal/actions"
)

// pendingQueue orders in-flight actions by completion tick, then by id.
type pendingQueue []*actions.InFlight

func (q pendingQueue) Len() int { return len(q) }

func (q pendingQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.Plan.CompleteAt != b.Plan.CompleteAt {
		return a.Plan.CompleteAt < b.Plan.CompleteAt
	}
	return a.Request.ID < b.Request.ID
}

func (q pendingQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *pendingQueue) Push(x any) { *q = append(*q, x.(*actions.InFlight)) }

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func (q *pendingQueue) push(item *actions.InFlight) { heap.Push(q, item) }

// popDue removes and returns the earliest action when it is due at tick.
func (q *pendingQueue) popDue(tick uint64) (*actions.InFlight, bool) {
	if q.Len() == 0 || (*q)[0].Plan.CompleteAt > tick {
		return nil, false
	}
	return heap.Pop(q).(*actions.InFlight), true
}
