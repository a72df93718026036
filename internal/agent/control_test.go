package agent

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"dockpit/internal/api"
	"dockpit/internal/wslink"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func startControl(t *testing.T) (*harness, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	h := startAgent(t, Config{}, WithStateObserver(hub.Publish))
	cs := NewControlServer(h.agent, hub, WithControlLogger(quietLogger()))
	srv := httptest.NewServer(cs.Handler())
	t.Cleanup(srv.Close)
	return h, srv
}

func readState(t *testing.T, conn *wslink.Conn) api.AgentState {
	t.Helper()
	frame, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	var state api.AgentState
	if err := json.Unmarshal(frame.Data, &state); err != nil {
		t.Fatalf("decode state %q: %v", frame.Data, err)
	}
	return state
}

func TestControlStatus(t *testing.T) {
	h, srv := startControl(t)
	h.dialer.next(t)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected CORS *, got %q", got)
	}
	var state api.AgentState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.Ports == nil {
		t.Fatal("ports should encode as an empty list")
	}
}

func TestControlPreflight(t *testing.T) {
	_, srv := startControl(t)
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/stop", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Fatalf("unexpected allow methods %q", got)
	}
}

func TestControlStop(t *testing.T) {
	h, srv := startControl(t)
	h.dialer.next(t)

	resp, err := http.Post(srv.URL+"/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /stop: %v", err)
	}
	var body map[string]bool
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if !body["ok"] {
		t.Fatalf("expected ok:true, got %v", body)
	}
	select {
	case <-h.agent.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop after /stop")
	}
}

func TestControlWebSocketStateAndFocus(t *testing.T) {
	h, srv := startControl(t)
	tr := h.dialer.next(t)
	port := freePort(t)
	if err := h.cache.Set("p1", []int{port}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := wslink.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws")
	if err != nil {
		t.Fatalf("dial control ws: %v", err)
	}
	defer conn.Close()

	initial := readState(t, conn)
	if initial.ProjectID != nil || len(initial.Ports) != 0 {
		t.Fatalf("unexpected initial state %+v", initial)
	}

	cmd, _ := json.Marshal(api.AgentCommand{Type: api.AgentCommandFocus, ProjectID: "p1"})
	if err := conn.SendRaw(cmd); err != nil {
		t.Fatalf("send focus: %v", err)
	}
	tr.waitMessage(t, isListening(port))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		state := readState(t, conn)
		if len(state.Ports) == 1 && state.Ports[0].Port == port && state.ProjectID != nil && *state.ProjectID == "p1" {
			return
		}
	}
	t.Fatal("no state broadcast with focused project ports")
}

func TestHubPublishKeepsLatest(t *testing.T) {
	hub := NewHub()
	c, ok := hub.subscribe()
	if !ok {
		t.Fatal("subscribe failed")
	}
	hub.Publish(api.AgentState{Connected: false})
	hub.Publish(api.AgentState{Connected: true})
	if got := <-c.updates; !got.Connected {
		t.Fatal("expected latest state")
	}
	hub.Close()
	if _, ok := <-c.updates; ok {
		t.Fatal("expected closed update channel")
	}
	if _, ok := hub.subscribe(); ok {
		t.Fatal("subscribe after close should fail")
	}
	hub.unsubscribe(c)
}

func TestServeListenerStopsOnCancel(t *testing.T) {
	h, _ := startControl(t)
	cs := NewControlServer(h.agent, NewHub(), WithControlLogger(quietLogger()), WithMaxConns(2))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- cs.ServeListener(ctx, ln) }()
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("ServeListener: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
