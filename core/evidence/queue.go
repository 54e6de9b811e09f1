package evidence

import "sync"

// Queue is a bounded FIFO. Pushing onto a full queue evicts the oldest frame.
type Queue struct {
	mu     sync.Mutex
	frames []Frame
	head   int
	size   int
	notify chan struct{}
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		frames: make([]Frame, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends f and returns the evicted frame, if any.
func (q *Queue) Push(f Frame) (evicted Frame, didEvict bool) {
	q.mu.Lock()
	capacity := len(q.frames)
	if q.size == capacity {
		evicted, didEvict = q.frames[q.head], true
		q.frames[q.head] = Frame{}
		q.head = (q.head + 1) % capacity
		q.size--
	}
	q.frames[(q.head+q.size)%capacity] = f
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted, didEvict
}

func (q *Queue) Pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return Frame{}, false
	}
	f := q.frames[q.head]
	q.frames[q.head] = Frame{}
	q.head = (q.head + 1) % len(q.frames)
	q.size--
	return f, true
}

// Drain empties the queue, oldest first.
func (q *Queue) Drain() []Frame {
	var out []Frame
	for {
		f, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Notify receives a value after pushes; several pushes may coalesce into one signal.
func (q *Queue) Notify() <-chan struct{} { return q.notify }
