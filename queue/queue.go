package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/shotmill/shotmill/job"
	"github.com/shotmill/shotmill/metrics"
)

// Queue is the dispatch port: a FIFO of jobs eligible to run now plus a
// time-ordered set of jobs to be promoted at a later instant. Entries are
// snapshots; the store remains authoritative and the scanners recover any
// entry lost between store and queue.
type Queue interface {
	// Enqueue appends a job to the ready queue.
	Enqueue(j *job.Job)

	// Dequeue pops the oldest ready job. Non-blocking; workers backoff-wait
	// when it returns false.
	Dequeue() (*job.Job, bool)

	// EnqueueDelayed schedules a job for promotion to ready at the given
	// instant. Re-scheduling an id replaces the earlier entry.
	EnqueueDelayed(j *job.Job, at time.Time)

	// CancelDelayed removes a pending delayed entry, reporting whether one
	// existed.
	CancelDelayed(id string) bool

	// Size returns the current ready-queue length.
	Size() int
}

// delayedItem is one heap entry. Cancellation marks the item and leaves it
// in the heap; PromoteDue drops marked items when they surface.
type delayedItem struct {
	j         *job.Job
	at        time.Time
	index     int
	cancelled bool
}

type delayedHeap []*delayedItem

func (h delayedHeap) Len() int            { return len(h) }
func (h delayedHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h delayedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *delayedHeap) Push(x any)         { it := x.(*delayedItem); it.index = len(*h); *h = append(*h, it) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Memory is the in-process Queue implementation.
type Memory struct {
	mu      sync.Mutex
	ready   []*job.Job
	delayed delayedHeap
	byID    map[string]*delayedItem
	metrics metrics.Recorder
}

func NewMemory(rec metrics.Recorder) *Memory {
	if rec == nil {
		rec = metrics.Nil()
	}
	return &Memory{
		byID:    make(map[string]*delayedItem),
		metrics: rec,
	}
}

var _ Queue = (*Memory)(nil)

func (m *Memory) Enqueue(j *job.Job) {
	m.mu.Lock()
	m.ready = append(m.ready, j)
	depth := len(m.ready)
	m.mu.Unlock()
	m.metrics.QueueDepth(depth)
}

func (m *Memory) Dequeue() (*job.Job, bool) {
	m.mu.Lock()
	if len(m.ready) == 0 {
		m.mu.Unlock()
		return nil, false
	}
	j := m.ready[0]
	m.ready[0] = nil
	m.ready = m.ready[1:]
	depth := len(m.ready)
	m.mu.Unlock()
	m.metrics.QueueDepth(depth)
	return j, true
}

func (m *Memory) EnqueueDelayed(j *job.Job, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.byID[j.ID]; ok {
		prev.cancelled = true
	}
	it := &delayedItem{j: j, at: at}
	heap.Push(&m.delayed, it)
	m.byID[j.ID] = it
}

func (m *Memory) CancelDelayed(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.byID[id]
	if !ok || it.cancelled {
		return false
	}
	it.cancelled = true
	delete(m.byID, id)
	return true
}

func (m *Memory) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready)
}

// PromoteDue moves every delayed entry due at now to the ready queue and
// returns how many were promoted.
func (m *Memory) PromoteDue(now time.Time) int {
	m.mu.Lock()

	var promoted int
	for m.delayed.Len() > 0 {
		next := m.delayed[0]
		if next.cancelled {
			heap.Pop(&m.delayed)
			continue
		}
		if next.at.After(now) {
			break
		}
		heap.Pop(&m.delayed)
		if m.byID[next.j.ID] == next {
			delete(m.byID, next.j.ID)
		}
		m.ready = append(m.ready, next.j)
		promoted++
	}
	depth := len(m.ready)
	m.mu.Unlock()

	if promoted > 0 {
		m.metrics.QueueDepth(depth)
	}
	return promoted
}

// DelayedSize returns the number of live delayed entries.
func (m *Memory) DelayedSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
