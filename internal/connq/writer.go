// Package connq queues writes to a net.Conn so an event loop can hand off
// bytes without blocking on a slow peer.
package connq

import (
	"net"
	"sync"
)

// Writer owns the write side of a connection. Chunks are written in enqueue
// order by a single goroutine. The queue is unbounded.
type Writer struct {
	conn net.Conn

	mu     sync.Mutex
	queue  [][]byte
	closed bool
	wake   chan struct{}
	once   sync.Once
}

// New starts the writer goroutine for conn.
func New(conn net.Conn) *Writer {
	w := &Writer{conn: conn, wake: make(chan struct{}, 1)}
	go w.loop()
	return w
}

// Enqueue schedules payload for writing. The caller must not reuse payload.
// Calls after Close are ignored.
func (w *Writer) Enqueue(payload []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.queue = append(w.queue, payload)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Writer) loop() {
	for range w.wake {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()
		for _, chunk := range batch {
			if _, err := w.conn.Write(chunk); err != nil {
				// The connection's reader observes the failure and reports it.
				w.conn.Close()
				return
			}
		}
	}
}

// Close drops queued data and closes the connection. Safe to call repeatedly.
func (w *Writer) Close() {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.queue = nil
		close(w.wake)
		w.mu.Unlock()
		w.conn.Close()
	})
}
