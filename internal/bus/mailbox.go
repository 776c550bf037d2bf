package bus

import (
	"container/heap"
	"sync"
	"time"
)

type queued struct {
	msg *Message
	seq uint64
}

type messageHeap []queued

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority.Before(h[j].msg.Priority)
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = queued{}
	*h = old[:n-1]
	return item
}

// Mailbox is a per-agent inbox ordered by priority, then arrival.
type Mailbox struct {
	agentID string

	mu     sync.Mutex
	items  messageHeap
	seq    uint64
	notify chan struct{}
	gone   chan struct{} // Closed on unregister
}

func newMailbox(agentID string) *Mailbox {
	return &Mailbox{
		agentID: agentID,
		notify:  make(chan struct{}, 1),
		gone:    make(chan struct{}),
	}
}

// AgentID returns the owner of the mailbox.
func (m *Mailbox) AgentID() string {
	return m.agentID
}

// Len returns the number of queued messages, expired ones included.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items.Len()
}

func (m *Mailbox) push(msg *Message) {
	m.mu.Lock()
	m.seq++
	heap.Push(&m.items, queued{msg: msg, seq: m.seq})
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// pop returns the next live message and how many expired ones it skipped.
func (m *Mailbox) pop(now time.Time) (*Message, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	skipped := 0
	for m.items.Len() > 0 {
		item := heap.Pop(&m.items).(queued)
		if item.msg.Expired(now) {
			skipped++
			continue
		}
		return item.msg, skipped
	}
	return nil, skipped
}

// dropExpired removes every expired message and returns how many were removed.
func (m *Mailbox) dropExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.items[:0]
	dropped := 0
	for _, item := range m.items {
		if item.msg.Expired(now) {
			dropped++
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(m.items); i++ {
		m.items[i] = queued{}
	}
	m.items = kept
	if dropped > 0 {
		heap.Init(&m.items)
	}
	return dropped
}

func (m *Mailbox) close() {
	m.mu.Lock()
	m.items = nil
	m.mu.Unlock()
	close(m.gone)
}
