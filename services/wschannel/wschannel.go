// Package wschannel carries an Event Channel over a WebSocket connection.
package wschannel

import (
	"context"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-proctor/core/channel"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 1 << 20 // evidence frames are base64 in JSON
	defaultBuffer       = 64

	// close reasons are limited to 123 bytes by the protocol
	maxReasonLen = 123

	ReasonTransportLost = "transport-lost"
	ReasonWriteFailed   = "write-failed"
)

type Options struct {
	// OriginPatterns is passed to websocket.Accept. Empty means same origin only.
	OriginPatterns []string
	WriteTimeout   time.Duration
	ReadLimit      int64
	// Buffer is the number of inbound messages read ahead of Receive.
	Buffer int
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.Buffer <= 0 {
		o.Buffer = defaultBuffer
	}
	return o
}

// Conn is a channel.Channel backed by a WebSocket. A reader goroutine decodes frames
// into an ordered buffer; writes are serialized.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex

	in     chan channel.Message
	cancel context.CancelFunc

	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
}

var _ channel.Channel = (*Conn)(nil)

// Accept upgrades an HTTP request. On failure the handshake error has already been
// written to w.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
	if err != nil {
		return nil, errors.Wrap(err, "accepting websocket")
	}
	return newConn(ws, opts), nil
}

// Dial connects to a WebSocket endpoint, typically the session /ws route.
func Dial(ctx context.Context, url string, header http.Header, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dialing %s: status %d", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dialing %s", url)
	}
	return newConn(ws, opts), nil
}

func newConn(ws *websocket.Conn, opts Options) *Conn {
	ws.SetReadLimit(opts.ReadLimit)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:           ws,
		writeTimeout: opts.WriteTimeout,
		in:           make(chan channel.Message, opts.Buffer),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go c.read(ctx)
	return c
}

func (c *Conn) read(ctx context.Context) {
	defer close(c.in)
	for {
		var msg channel.Message
		if err := wsjson.Read(ctx, c.ws, &msg); err != nil {
			c.markClosed(remoteReason(err))
			c.cancel()
			return
		}
		select {
		case c.in <- msg:
		case <-c.done:
			return
		}
	}
}

func remoteReason(err error) string {
	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Reason != "" {
		return ce.Reason
	}
	return ReasonTransportLost
}

// markClosed records the first reason and reports whether this call closed the channel.
func (c *Conn) markClosed(reason string) bool {
	closed := false
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
		closed = true
	})
	return closed
}

func (c *Conn) Send(ctx context.Context, msg channel.Message) error {
	select {
	case <-c.done:
		return channel.ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, msg); err != nil {
		select {
		case <-c.done:
			return channel.ErrClosed
		default:
		}
		_ = c.Close(ReasonWriteFailed)
		return errors.Wrapf(err, "writing %s", msg.Kind)
	}
	return nil
}

func (c *Conn) Receive(ctx context.Context) (channel.Message, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			return channel.Message{}, channel.ErrClosed
		}
		return msg, nil
	case <-c.done:
		select {
		case msg, ok := <-c.in:
			if ok {
				return msg, nil
			}
		default:
		}
		return channel.Message{}, channel.ErrClosed
	case <-ctx.Done():
		return channel.Message{}, ctx.Err()
	}
}

// Close sends a normal closure carrying reason and stops the reader. The close handshake
// completes in the background.
func (c *Conn) Close(reason string) error {
	if !c.markClosed(reason) {
		return nil
	}
	reason = truncateReason(reason)
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = c.ws.Close(websocket.StatusNormalClosure, reason)
		c.cancel()
	}()
	return nil
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// truncateReason fits reason in a close frame without splitting a UTF-8 sequence.
func truncateReason(reason string) string {
	if len(reason) <= maxReasonLen {
		return reason
	}
	i := maxReasonLen
	for i > 0 && !utf8.RuneStart(reason[i]) {
		i--
	}
	return reason[:i]
}
