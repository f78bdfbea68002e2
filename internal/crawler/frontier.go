package crawler

import (
	"container/heap"
	"sync"

	"github.com/nao1215/sitemirror/internal/model"
)

// Frontier is the concurrent priority queue of pending tasks.
//
// Lower priority tiers are popped first; within a tier tasks are FIFO by
// push order. Pop blocks while the queue is empty but tasks are still in
// flight, since they may push children. The crawl is finished when the queue
// is empty and nothing is in flight.
type Frontier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    taskHeap
	seq      uint64
	inFlight int
	closed   bool
}

// NewFrontier creates an empty frontier.
func NewFrontier() *Frontier {
	f := &Frontier{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Push enqueues a task. Pushing to a closed frontier is a no-op and
// returns false.
func (f *Frontier) Push(t model.Task) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	heap.Push(&f.items, queued{task: t, seq: f.seq})
	f.seq++
	f.cond.Signal()
	return true
}

// Pop returns the next task and marks it in flight. It returns false when
// the crawl is finished or the frontier was closed. Every successful Pop
// must be followed by Done.
func (f *Frontier) Pop() (model.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.items) == 0 && f.inFlight > 0 && !f.closed {
		f.cond.Wait()
	}
	if f.closed || len(f.items) == 0 {
		f.cond.Broadcast()
		return model.Task{}, false
	}
	q := heap.Pop(&f.items).(queued)
	f.inFlight++
	return q.task, true
}

// Done marks a popped task as finished.
func (f *Frontier) Done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if f.inFlight == 0 && len(f.items) == 0 {
		f.cond.Broadcast()
	}
}

// Close stops the frontier: blocked and future Pops return false and
// pushes are dropped. Queued tasks stay available to Drain.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
}

// Drain removes and returns the queued tasks in pop order.
func (f *Frontier) Drain() []model.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Task, 0, len(f.items))
	for len(f.items) > 0 {
		out = append(out, heap.Pop(&f.items).(queued).task)
	}
	return out
}

// Len returns the number of queued tasks.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

type queued struct {
	task model.Task
	seq  uint64
}

// taskHeap implements heap.Interface ordered by (priority, seq).
type taskHeap []queued

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
