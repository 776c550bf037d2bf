package scheduler

import (
	"container/heap"
	"context"
	"sync"

	"github.com/aristath/agentflow/internal/priority"
)

type queueItem struct {
	priority priority.Priority
	seq      uint64
	id       string
}

type itemHeap []queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority.Before(h[j].priority)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// readyQueue is a blocking priority queue of task ids. Equal priorities
// come out in push order.
type readyQueue struct {
	mu     sync.Mutex
	items  itemHeap
	seq    uint64
	notify chan struct{}
}

func newReadyQueue() *readyQueue {
	return &readyQueue{notify: make(chan struct{}, 1)}
}

func (q *readyQueue) push(id string, p priority.Priority) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, queueItem{priority: p, seq: q.seq, id: id})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until an id is available or ctx is done.
func (q *readyQueue) pop(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			item := heap.Pop(&q.items).(queueItem)
			q.mu.Unlock()
			return item.id, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
