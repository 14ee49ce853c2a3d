// Package asyncjob implements the async job manager: requests submitted
// for background execution are queued, picked up by a worker pool, run
// through an Executor, and tracked through QUEUED -> RUNNING ->
// {COMPLETED, FAILED, CANCELLED}.
package asyncjob

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

// queueItem is one request waiting for a worker.
type queueItem struct {
	jobID       string
	tenantID    string
	priority    int
	submittedAt time.Time
	dispatch    func(ctx context.Context)
}

// priorityHeap orders queueItems by priority first (higher priority pops
// first) and arrival time as the tiebreak, so items of equal priority pop
// in FIFO order regardless of tenant.
type priorityHeap []*queueItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].submittedAt.Before(h[j].submittedAt)
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

var errQueueClosed = errors.New("asyncjob: queue closed")

// jobQueue wraps priorityHeap with the notify/stop channel pair the teacher
// uses so popWhenAvailable can block without polling.
type jobQueue struct {
	mu        sync.Mutex
	heap      priorityHeap
	notifyCh  chan struct{}
	stopCh    chan struct{}
	closeOnce sync.Once
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

func (q *jobQueue) push(item *queueItem) {
	q.mu.Lock()
	heap.Push(&q.heap, item)
	q.mu.Unlock()

	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// popWhenAvailable blocks until an item is ready, ctx is done, or the queue
// is closed.
func (q *jobQueue) popWhenAvailable(ctx context.Context) (*queueItem, error) {
	for {
		q.mu.Lock()
		if q.heap.Len() > 0 {
			item := heap.Pop(&q.heap).(*queueItem)
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.stopCh:
			return nil, errQueueClosed
		case <-q.notifyCh:
			continue
		}
	}
}

func (q *jobQueue) close() {
	q.closeOnce.Do(func() { close(q.stopCh) })
}
