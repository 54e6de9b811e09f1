package evidence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-proctor/core"
	"github.com/trezcool/masomo-proctor/core/clock"
)

var (
	ErrStopped    = errors.New("evidence pipeline stopped")
	ErrOutOfOrder = errors.New("evidence frame out of order")
)

type (
	// Capturer produces one opaque frame payload per call.
	Capturer interface {
		Capture(ctx context.Context) ([]byte, error)
	}

	CaptureFunc func(ctx context.Context) ([]byte, error)

	// Sink receives frames in sequence order. A returned error drops the frame; it is never retried.
	Sink interface {
		Deliver(ctx context.Context, f Frame) error
	}

	SinkFunc func(ctx context.Context, f Frame) error
)

func (fn CaptureFunc) Capture(ctx context.Context) ([]byte, error) { return fn(ctx) }
func (fn SinkFunc) Deliver(ctx context.Context, f Frame) error     { return fn(ctx, f) }

type Options struct {
	// Interval between captures; ignored without a Capturer.
	Interval time.Duration
	// Capacity of the outbound queue.
	Capacity int
	Capturer Capturer
	Sink     Sink
	Clock    clock.Clock
	Logger   core.Logger
	// OnDrop is called for every frame evicted, rejected by the sink or discarded at stop.
	OnDrop func(Frame)
}

type Stats struct {
	Captured  uint64 `json:"captured"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Rejected  uint64 `json:"rejected"`
}

type Pipeline struct {
	opts  Options
	queue *Queue

	mu      sync.Mutex
	lastSeq uint64
	stopped bool

	started     sync.Once
	stopOnce    sync.Once
	stopCapture chan struct{}
	flushed     chan struct{}
	cancel      context.CancelFunc

	captured  uint64
	delivered uint64
	dropped   uint64
	rejected  uint64
}

func New(opts Options) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Pipeline{
		opts:        opts,
		queue:       NewQueue(opts.Capacity),
		stopCapture: make(chan struct{}),
		flushed:     make(chan struct{}),
	}
}

// Start launches the capture loop (when a Capturer is set) and the delivery loop.
func (p *Pipeline) Start(ctx context.Context) {
	p.started.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		p.cancel = cancel
		p.mu.Unlock()

		if p.opts.Capturer != nil && p.opts.Interval > 0 {
			go p.captureLoop(ctx)
		}
		go p.deliveryLoop(ctx)
	})
}

// Offer enqueues an externally captured frame. A zero Sequence is assigned the next number.
func (p *Pipeline) Offer(f Frame) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if f.Sequence == 0 {
		f.Sequence = p.lastSeq + 1
	} else if f.Sequence <= p.lastSeq {
		p.mu.Unlock()
		atomic.AddUint64(&p.rejected, 1)
		return errors.Wrapf(ErrOutOfOrder, "sequence %d after %d", f.Sequence, p.lastSeq)
	}
	p.lastSeq = f.Sequence
	if f.CapturedAt.IsZero() {
		f.CapturedAt = p.opts.Clock.Now().UTC()
	}
	f.Status = StatusPending
	atomic.AddUint64(&p.captured, 1)
	// push under the lock so frames enter the queue in sequence order
	evicted, didEvict := p.queue.Push(f)
	p.mu.Unlock()

	if didEvict {
		p.drop(evicted)
	}
	return nil
}

// Stop halts capture at once, lets the delivery loop flush for up to grace, then discards
// whatever is left. Safe to call more than once; later calls return immediately.
func (p *Pipeline) Stop(grace time.Duration) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		cancel := p.cancel
		p.mu.Unlock()
		close(p.stopCapture)

		if cancel == nil { // never started
			p.discard()
			return
		}

		expired := make(chan struct{})
		timer := p.opts.Clock.AfterFunc(grace, func() { close(expired) })
		select {
		case <-p.flushed:
			timer.Stop()
		case <-expired:
		}
		cancel()
		<-p.flushed
		p.discard()
	})
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Captured:  atomic.LoadUint64(&p.captured),
		Delivered: atomic.LoadUint64(&p.delivered),
		Dropped:   atomic.LoadUint64(&p.dropped),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}

func (p *Pipeline) captureLoop(ctx context.Context) {
	ticker := p.opts.Clock.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCapture:
			return
		case now := <-ticker.C():
			payload, err := p.opts.Capturer.Capture(ctx)
			if err != nil {
				p.logWarn(fmt.Sprintf("capturing evidence frame: %v", err), err)
				continue
			}
			if err = p.Offer(Frame{CapturedAt: now.UTC(), Payload: payload}); err != nil && err != ErrStopped {
				p.logWarn(fmt.Sprintf("offering evidence frame: %v", err), err)
			}
		}
	}
}

func (p *Pipeline) deliveryLoop(ctx context.Context) {
	defer close(p.flushed)

	for {
		if f, ok := p.queue.Pop(); ok {
			p.deliver(ctx, f)
			continue
		}
		select {
		case <-p.stopCapture:
			// stopping: finish once nothing is pending
			if p.queue.Len() == 0 {
				return
			}
		case <-p.queue.Notify():
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) deliver(ctx context.Context, f Frame) {
	if ctx.Err() != nil {
		p.drop(f)
		return
	}
	if p.opts.Sink == nil {
		p.drop(f)
		return
	}
	f.Status = StatusSent
	if err := p.opts.Sink.Deliver(ctx, f); err != nil {
		p.logWarn(fmt.Sprintf("delivering evidence frame %d: %v", f.Sequence, err), err)
		p.drop(f)
		return
	}
	atomic.AddUint64(&p.delivered, 1)
}

func (p *Pipeline) discard() {
	for _, f := range p.queue.Drain() {
		p.drop(f)
	}
}

func (p *Pipeline) drop(f Frame) {
	f.Status = StatusDropped
	atomic.AddUint64(&p.dropped, 1)
	if p.opts.OnDrop != nil {
		p.opts.OnDrop(f)
	}
}

func (p *Pipeline) logWarn(msg string, args ...interface{}) {
	if p.opts.Logger != nil {
		p.opts.Logger.Warn(msg, args...)
	}
}
