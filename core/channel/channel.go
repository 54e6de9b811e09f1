// Package channel defines the Event Channel: an ordered, at-most-once duplex message
// transport between a monitored client and the session authority.
package channel

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var ErrClosed = errors.New("channel closed")

// Channel is one endpoint of an Event Channel.
// Send and Receive may be called from different goroutines.
type Channel interface {
	// Send enqueues msg for the counterpart. Messages arrive in send order or not at all.
	Send(ctx context.Context, msg Message) error
	// Receive blocks until the next inbound message, ctx is done or the channel is closed
	// and drained (ErrClosed).
	Receive(ctx context.Context) (Message, error)
	// Close is idempotent; the first reason wins.
	Close(reason string) error
	// Done is closed once the channel is closed by either side or the transport drops.
	Done() <-chan struct{}
}

// conn is the state shared by both ends of a Pipe.
type conn struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
}

func (c *conn) close(reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// pipeEnd is an in-memory Channel endpoint.
type pipeEnd struct {
	c   *conn
	in  chan Message
	out chan Message
}

var _ Channel = (*pipeEnd)(nil)

// Pipe returns two connected endpoints, each buffering up to capacity messages per direction.
// Closing either end closes both.
func Pipe(capacity int) (Channel, Channel) {
	if capacity < 1 {
		capacity = 1
	}
	c := &conn{done: make(chan struct{})}
	ab := make(chan Message, capacity)
	ba := make(chan Message, capacity)
	return &pipeEnd{c: c, in: ba, out: ab}, &pipeEnd{c: c, in: ab, out: ba}
}

func (p *pipeEnd) Send(ctx context.Context, msg Message) error {
	select {
	case <-p.c.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.c.done:
		// drain what was delivered before the close
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return Message{}, ErrClosed
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (p *pipeEnd) Close(reason string) error {
	p.c.close(reason)
	return nil
}

func (p *pipeEnd) Done() <-chan struct{} { return p.c.done }

func (p *pipeEnd) CloseReason() string {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.c.reason
}

// CloseReason returns the reason the channel was closed with, when the transport records one.
func CloseReason(ch Channel) string {
	if r, ok := ch.(interface{ CloseReason() string }); ok {
		return r.CloseReason()
	}
	return ""
}
