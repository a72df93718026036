package wslink

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dockpit/internal/protocol"
)

func startEchoServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				return
			}
			if frame.Binary {
				id, payload, err := protocol.DecodeData(frame.Data)
				if err != nil {
					continue
				}
				_ = conn.SendData(id, payload)
				continue
			}
			msg, err := protocol.Decode(frame.Data)
			if err != nil {
				continue
			}
			if _, ok := msg.(protocol.Ping); ok {
				_ = conn.Send(protocol.Pong{})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T, url string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestControlAndDataFrames(t *testing.T) {
	conn := dialTest(t, startEchoServer(t))

	if err := conn.Send(protocol.Ping{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	frame, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Binary {
		t.Fatal("expected text frame for pong")
	}
	msg, err := protocol.Decode(frame.Data)
	if err != nil || msg.Type() != protocol.TypePong {
		t.Fatalf("expected pong, got %v (%v)", msg, err)
	}

	if err := conn.SendData(42, []byte("payload")); err != nil {
		t.Fatalf("SendData: %v", err)
	}
	frame, err = conn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !frame.Binary {
		t.Fatal("expected binary frame")
	}
	id, payload, err := protocol.DecodeData(frame.Data)
	if err != nil || id != 42 || string(payload) != "payload" {
		t.Fatalf("echo mismatch id=%d payload=%q err=%v", id, payload, err)
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	conn := dialTest(t, startEchoServer(t))
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Send(protocol.Ping{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close err = %v, want ErrClosed", err)
	}
	select {
	case <-conn.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	// Second close is a no-op.
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Dial(ctx, "ws://127.0.0.1:1/ws/tunnel"); err == nil {
		t.Fatal("expected dial error")
	}
}

// startSilentServer accepts links and never reads from them.
func startSilentServer(t *testing.T) string {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			return
		}
		<-release
		conn.Close()
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSendDoesNotBlockOnSlowPeer(t *testing.T) {
	conn := dialTest(t, startSilentServer(t))
	payload := make([]byte, 64*1024)

	start := time.Now()
	var err error
	for i := 0; i < 1024 && err == nil; i++ {
		err = conn.SendData(protocol.ConnectionID(i), payload)
		if i%16 == 0 && err == nil {
			err = conn.Send(protocol.Ping{})
		}
	}
	if !errors.Is(err, ErrBacklog) {
		t.Fatalf("expected ErrBacklog once the peer fell behind, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("sends blocked for %v", elapsed)
	}
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("link not closed after backlog overflow")
	}
	// Throttled producers are released once the link is closing.
	released := make(chan struct{})
	go func() {
		conn.Throttle()
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("Throttle blocked on a closed link")
	}
}

func TestCloseFlushesQueuedFrames(t *testing.T) {
	counts := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		n := 0
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				if IsNormalClose(err) {
					counts <- n
				} else {
					counts <- -1
				}
				return
			}
			if !frame.Binary {
				n++
			}
		}
	}))
	defer srv.Close()

	conn := dialTest(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	for i := 0; i < 100; i++ {
		if err := conn.Send(protocol.TCPClose{ConnectionID: protocol.ConnectionID(i)}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case n := <-counts:
		if n != 100 {
			t.Fatalf("peer received %d frames before close, want 100", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("peer never saw the close")
	}
}
