package proctor

import (
	"container/heap"
	"sync"
	"time"

	"github.com/trezcool/masomo-proctor/core/channel"
)

type priority int

// lower runs first at equal timestamps
const (
	priorityControl priority = iota
	priorityLifecycle
	priorityEvent
)

type itemKind int

const (
	itemMessage           itemKind = iota // inbound channel message
	itemTerminate                         // authority override
	itemExpire                            // deadline reached
	itemAttach                            // new or replacement channel
	itemLost                              // channel closed by the peer or the transport
	itemGraceExpired                      // reconnection grace elapsed
	itemCapabilityTimeout                 // capability window elapsed
	itemShutdown                          // coordinator shutting down
)

type item struct {
	kind     itemKind
	at       time.Time
	priority priority
	seq      uint64

	msg    channel.Message
	reason Reason
	ch     channel.Channel
	gen    uint64

	// reply receives the result of an itemTerminate or itemAttach when not nil
	reply chan error
}

func messagePriority(k channel.Kind) priority {
	switch k {
	case channel.KindSubmit, channel.KindEndMonitoring, channel.KindCapabilities:
		return priorityLifecycle
	}
	return priorityEvent
}

func itemPriority(it *item) priority {
	switch it.kind {
	case itemMessage:
		return messagePriority(it.msg.Kind)
	case itemTerminate, itemExpire, itemGraceExpired, itemShutdown:
		return priorityControl
	}
	return priorityLifecycle
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// intake is the single ordered queue feeding a session's owner goroutine. Producers only
// push; the owner alone pops.
type intake struct {
	mu     sync.Mutex
	items  itemHeap
	seq    uint64
	closed bool
	notify chan struct{}
}

func newIntake() *intake {
	return &intake{notify: make(chan struct{}, 1)}
}

// push stamps the priority and arrival order. It reports false once the intake is closed.
func (q *intake) push(it *item) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.seq++
	it.seq = q.seq
	it.priority = itemPriority(it)
	heap.Push(&q.items, it)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *intake) pop() (*item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(*item), true
}

func (q *intake) wait() <-chan struct{} {
	return q.notify
}

// close rejects further pushes and returns what was still queued, in order.
func (q *intake) close() []*item {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := make([]*item, 0, len(q.items))
	for len(q.items) > 0 {
		rest = append(rest, heap.Pop(&q.items).(*item))
	}
	return rest
}
