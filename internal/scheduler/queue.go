package scheduler

import (
	"container/heap"

	"github.com/fyrsmithlabs/agentflow/internal/task"
)

type jobKind string

const (
	jobExecute jobKind = "execute"
	jobResume  jobKind = "resume"
)

type job struct {
	taskID   string
	kind     jobKind
	priority task.Priority
	seq      uint64
}

// jobQueue orders jobs by priority, highest first, then by submission order.
type jobQueue []*job

var _ heap.Interface = (*jobQueue)(nil)

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(*job)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return j
}
