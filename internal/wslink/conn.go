// Package wslink carries the tunnel protocol over a single WebSocket:
// control messages as text frames and data as binary frames.
package wslink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dockpit/internal/protocol"
)

const (
	defaultWriteTimeout     = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	closeFlushTimeout       = time.Second

	// Bytes queued for the peer before producers are throttled, and before
	// the link is dropped as too slow.
	throttleBacklog = 1 << 20
	maxBacklog      = 16 << 20
)

var (
	// ErrClosed is returned when writing to a link that has been closed.
	ErrClosed = errors.New("link closed")
	// ErrBacklog is returned when the peer has fallen too far behind. The
	// link is closed.
	ErrBacklog = errors.New("link write backlog exceeded")
)

// Frame is one inbound transport message.
type Frame struct {
	Binary bool
	Data   []byte
}

type outFrame struct {
	messageType int
	data        []byte
}

// Conn wraps a gorilla websocket connection. Sends are queued and written in
// order by one goroutine, so they never block on the peer. Reads must come
// from a single goroutine.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu       sync.Mutex
	drained  *sync.Cond
	queue    []outFrame
	backlog  int
	isClosed bool
	wake     chan struct{}

	closeOnce  sync.Once
	closed     chan struct{}
	writerDone chan struct{}
	closeErr   error
}

// New wraps an established websocket connection and starts its writer.
func New(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:           ws,
		writeTimeout: defaultWriteTimeout,
		wake:         make(chan struct{}, 1),
		closed:       make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	c.drained = sync.NewCond(&c.mu)
	go c.writeLoop()
	return c
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The agent link and the agent's browser surface are both served to
	// non-browser or loopback clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade accepts a websocket handshake on an HTTP request.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return New(ws), nil
}

// Dial opens a link to a coordinator endpoint such as ws://host:3001/ws/tunnel.
func Dial(ctx context.Context, url string) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: defaultHandshakeTimeout,
	}
	// nolint:bodyclose // gorilla closes the handshake response body itself
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return New(ws), nil
}

// Send writes a control message as a JSON text frame.
func (c *Conn) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

// SendData writes a binary data frame for one multiplexed connection.
func (c *Conn) SendData(id protocol.ConnectionID, payload []byte) error {
	return c.write(websocket.BinaryMessage, protocol.EncodeData(id, payload))
}

// SendRaw writes an arbitrary text frame. Used for status payloads that are
// not part of the tunnel protocol.
func (c *Conn) SendRaw(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

func (c *Conn) write(messageType int, data []byte) error {
	c.mu.Lock()
	if c.isClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.backlog+len(data) > maxBacklog {
		c.mu.Unlock()
		c.markClosed()
		return ErrBacklog
	}
	c.queue = append(c.queue, outFrame{messageType: messageType, data: data})
	c.backlog += len(data)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Throttle blocks while the peer is behind by more than a small backlog.
// Socket readers feeding the link call it before each read.
func (c *Conn) Throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.backlog > throttleBacklog && !c.isClosed {
		c.drained.Wait()
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.wake:
			if err := c.flush(time.Time{}); err != nil {
				c.markClosed()
				c.closeErr = c.ws.Close()
				return
			}
		case <-c.closed:
			deadline := time.Now().Add(closeFlushTimeout)
			if c.flush(deadline) == nil {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					deadline)
			}
			c.closeErr = c.ws.Close()
			return
		}
	}
}

// flush writes everything queued so far. A zero deadline means one write
// timeout per frame.
func (c *Conn) flush(deadline time.Time) error {
	c.mu.Lock()
	batch := c.queue
	c.queue = nil
	c.mu.Unlock()

	var (
		err     error
		written int
	)
	for _, f := range batch {
		if err == nil {
			d := deadline
			if d.IsZero() {
				d = time.Now().Add(c.writeTimeout)
			}
			_ = c.ws.SetWriteDeadline(d)
			err = c.ws.WriteMessage(f.messageType, f.data)
		}
		written += len(f.data)
	}

	c.mu.Lock()
	c.backlog -= written
	c.drained.Broadcast()
	c.mu.Unlock()
	return err
}

func (c *Conn) markClosed() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.isClosed = true
		c.drained.Broadcast()
		c.mu.Unlock()
		close(c.closed)
	})
}

// ReadFrame blocks for the next text or binary frame. Other frame kinds are
// handled by the websocket library.
func (c *Conn) ReadFrame() (Frame, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		switch mt {
		case websocket.TextMessage:
			return Frame{Data: data}, nil
		case websocket.BinaryMessage:
			return Frame{Binary: true, Data: data}, nil
		}
	}
}

// Done is closed once the link is closing, locally or after a write failure.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// RemoteAddr reports the peer address for logging.
func (c *Conn) RemoteAddr() string {
	if addr := c.ws.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Close flushes queued frames, sends a best-effort close frame and tears
// down the socket. Pending ReadFrame calls return an error.
func (c *Conn) Close() error {
	c.markClosed()
	select {
	case <-c.writerDone:
		return c.closeErr
	case <-time.After(2 * closeFlushTimeout):
		// The writer is stuck on a dead peer; closing the socket unblocks it.
		c.ws.Close()
		<-c.writerDone
		return nil
	}
}

// IsNormalClose reports whether err is an orderly websocket shutdown.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
