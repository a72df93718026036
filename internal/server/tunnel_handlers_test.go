package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"dockpit/internal/agent"
	"dockpit/internal/api"
	"dockpit/internal/protocol"
	"dockpit/internal/wslink"
)

func (ts *testServer) tunnelState(t *testing.T) api.TunnelState {
	t.Helper()
	resp, body := ts.do(t, http.MethodGet, "/api/v1/tunnel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tunnel state: %d", resp.StatusCode)
	}
	var state api.TunnelState
	if err := json.Unmarshal(body, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return state
}

func (ts *testServer) registerProject(t *testing.T, id string) {
	t.Helper()
	resp, body := ts.do(t, http.MethodPut, "/api/v1/projects/"+id, api.ProjectRequest{
		Name:            id,
		Directory:       t.TempDir(),
		ContainerID:     "abc123",
		ContainerStatus: "running",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register project: %d %s", resp.StatusCode, body)
	}
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.baseURL, "http") + "/ws/tunnel"
}

// startEchoContainer plays the container side: a loopback server that echoes.
func startEchoContainer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestTunnelEndpointsWithoutAgent(t *testing.T) {
	ts := startTestServer(t)

	state := ts.tunnelState(t)
	if state.AgentConnected || state.FocusedProjectID != nil || state.ActivePorts == nil || state.Ports == nil {
		t.Fatalf("unexpected initial state %+v", state)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{name: "focus unknown project", method: http.MethodPut, path: "/api/v1/tunnel/focus", body: map[string]any{"projectId": "nope"}, want: http.StatusNotFound},
		{name: "clear focus", method: http.MethodPut, path: "/api/v1/tunnel/focus", body: map[string]any{"projectId": nil}, want: http.StatusOK},
		{name: "disconnect inactive port", method: http.MethodDelete, path: "/api/v1/tunnel/ports/3000", want: http.StatusNotFound},
		{name: "disconnect invalid port", method: http.MethodDelete, path: "/api/v1/tunnel/ports/70000", want: http.StatusBadRequest},
		{name: "disconnect non-numeric port", method: http.MethodDelete, path: "/api/v1/tunnel/ports/web", want: http.StatusBadRequest},
		{name: "shutdown without agent", method: http.MethodPost, path: "/api/v1/tunnel/agent/shutdown", want: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("expected %d, got %d %s", tt.want, resp.StatusCode, body)
			}
		})
	}
}

func TestNewAgentSupersedesPrevious(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	first, err := wslink.Dial(ctx, ts.wsURL())
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()
	waitFor(t, func() bool { return ts.tunnelState(t).AgentConnected })

	second, err := wslink.Dial(ctx, ts.wsURL())
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, err := first.ReadFrame(); err != nil {
				readErr <- err
				return
			}
		}
	}()
	select {
	case <-readErr:
	case <-time.After(3 * time.Second):
		t.Fatal("first agent link was not closed")
	}

	// The surviving link still answers keepalives.
	if err := second.Send(protocol.Ping{}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	frame, err := second.ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.Decode(frame.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := msg.(protocol.Pong); !ok {
		t.Fatalf("expected pong, got %#v", msg)
	}
	if !ts.tunnelState(t).AgentConnected {
		t.Fatal("expected agent still connected")
	}
}

func TestTunnelEndToEnd(t *testing.T) {
	ts := startTestServer(t)
	containerPort := startEchoContainer(t)
	ts.runtime.setPorts(containerPort)
	ts.registerProject(t, "p1")

	a, err := agent.New(agent.Config{ServerURL: ts.baseURL, ReconnectDelay: 50 * time.Millisecond},
		agent.WithLogger(quietLogger()),
		agent.WithCache(agent.LoadCache(filepath.Join(t.TempDir(), "tunnel-cache.json"))),
	)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-a.Done()
	}()
	go a.Run(ctx)
	waitFor(t, func() bool { return ts.tunnelState(t).AgentConnected })

	resp, body := ts.do(t, http.MethodPut, "/api/v1/tunnel/focus", map[string]any{"projectId": "p1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("focus: %d %s", resp.StatusCode, body)
	}

	// The echo server already holds containerPort on loopback, so the agent
	// falls back to another local port.
	var localPort int
	waitFor(t, func() bool {
		for _, p := range ts.tunnelState(t).Ports {
			if p.Port == containerPort && p.Status == api.PortListening {
				localPort = p.LocalPort
				return true
			}
		}
		return false
	})
	if localPort == 0 || localPort == containerPort {
		t.Fatalf("unexpected local port %d", localPort)
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort)), time.Second)
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("hello through the tunnel")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, len("hello through the tunnel"))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello through the tunnel" {
		t.Fatalf("unexpected echo %q", buf)
	}

	// Confirmed ports land in the project registry.
	waitFor(t, func() bool {
		ports, err := ts.store.DetectedPorts(context.Background(), "p1")
		return err == nil && len(ports) == 1 && ports[0] == containerPort
	})

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/tunnel/ports/"+strconv.Itoa(containerPort), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect port: %d", resp.StatusCode)
	}
	if state := ts.tunnelState(t); len(state.ActivePorts) != 0 {
		t.Fatalf("expected no active ports, got %v", state.ActivePorts)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/tunnel/agent/shutdown", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("agent shutdown: %d", resp.StatusCode)
	}
	select {
	case <-a.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not shut down")
	}
	waitFor(t, func() bool { return !ts.tunnelState(t).AgentConnected })
}

func TestConcurrentAgentsLeaveOneRegistered(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 8
	type link struct {
		conn   *wslink.Conn
		frames chan wslink.Frame
		closed chan struct{}
	}
	links := make([]*link, n)
	dialed := make(chan error, n)
	for i := range links {
		go func(i int) {
			conn, err := wslink.Dial(ctx, ts.wsURL())
			if err != nil {
				dialed <- err
				return
			}
			l := &link{conn: conn, frames: make(chan wslink.Frame, 8), closed: make(chan struct{})}
			links[i] = l
			go func() {
				defer close(l.closed)
				for {
					frame, err := conn.ReadFrame()
					if err != nil {
						return
					}
					l.frames <- frame
				}
			}()
			dialed <- nil
		}(i)
	}
	for range links {
		if err := <-dialed; err != nil {
			t.Fatalf("dial: %v", err)
		}
	}
	defer func() {
		for _, l := range links {
			l.conn.Close()
		}
	}()

	var survivor *link
	waitFor(t, func() bool {
		open := 0
		for _, l := range links {
			select {
			case <-l.closed:
			default:
				open++
				survivor = l
			}
		}
		return open == 1
	})
	if !ts.tunnelState(t).AgentConnected {
		t.Fatal("surviving agent is not registered with the coordinator")
	}

	if err := survivor.conn.Send(protocol.Ping{}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	select {
	case frame := <-survivor.frames:
		msg, err := protocol.Decode(frame.Data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if _, ok := msg.(protocol.Pong); !ok {
			t.Fatalf("expected pong, got %#v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no pong from surviving link")
	}
}
