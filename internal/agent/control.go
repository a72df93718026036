package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/netutil"

	"dockpit/internal/api"
	"dockpit/internal/wslink"
)

const (
	// DefaultControlAddr is where the browser finds the agent.
	DefaultControlAddr = "127.0.0.1:19222"

	defaultMaxControlConns = 64
	stopDelay              = 100 * time.Millisecond
)

// Hub fans agent state out to browser clients. Each client sees the latest
// state; intermediate states may be skipped for slow readers.
type Hub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	updates chan api.AgentState
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*hubClient]struct{})}
}

// Publish never blocks; it is called from the agent loop.
func (h *Hub) Publish(state api.AgentState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case <-c.updates:
		default:
		}
		c.updates <- state
	}
}

func (h *Hub) subscribe() (*hubClient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := &hubClient{updates: make(chan api.AgentState, 1)}
	h.clients[c] = struct{}{}
	return c, true
}

func (h *Hub) unsubscribe(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.updates)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.updates)
	}
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ControlServer is the agent's loopback HTTP surface for the browser UI.
type ControlServer struct {
	agent    *Agent
	hub      *Hub
	logger   *slog.Logger
	router   *gin.Engine
	maxConns int
}

type ControlOption func(*ControlServer)

func WithControlLogger(logger *slog.Logger) ControlOption {
	return func(s *ControlServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxConns bounds simultaneous control connections.
func WithMaxConns(n int) ControlOption {
	return func(s *ControlServer) {
		if n > 0 {
			s.maxConns = n
		}
	}
}

func NewControlServer(agent *Agent, hub *Hub, opts ...ControlOption) *ControlServer {
	s := &ControlServer{
		agent:    agent,
		hub:      hub,
		logger:   slog.Default(),
		maxConns: defaultMaxControlConns,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "control")
	s.setupRoutes()
	return s
}

// Handler exposes the router for tests.
func (s *ControlServer) Handler() http.Handler { return s.router }

func (s *ControlServer) setupRoutes() {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	r.GET("/ws", s.handleWebSocket)
	r.GET("/status", s.handleStatus)
	r.POST("/stop", s.handleStop)

	s.router = r
}

// corsMiddleware opens the control surface to any origin. It only listens on
// loopback.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *ControlServer) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.agent.State())
}

func (s *ControlServer) handleStop(c *gin.Context) {
	s.logger.Info("stop requested over control surface")
	time.AfterFunc(stopDelay, s.agent.Shutdown)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *ControlServer) handleWebSocket(c *gin.Context) {
	conn, err := wslink.Upgrade(c.Writer, c.Request)
	if err != nil {
		s.logger.Debug("control upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client, ok := s.hub.subscribe()
	if !ok {
		return
	}
	defer s.hub.unsubscribe(client)

	if err := sendState(conn, s.agent.State()); err != nil {
		return
	}

	go s.readCommands(conn)

	for {
		select {
		case state, ok := <-client.updates:
			if !ok {
				return
			}
			if err := sendState(conn, state); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// readCommands handles browser messages until the socket fails, then closes
// it so the writer side exits too.
func (s *ControlServer) readCommands(conn *wslink.Conn) {
	defer conn.Close()
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		if frame.Binary {
			continue
		}
		var cmd api.AgentCommand
		if err := json.Unmarshal(frame.Data, &cmd); err != nil {
			continue
		}
		if cmd.Type == api.AgentCommandFocus {
			s.agent.FocusProject(cmd.ProjectID)
		}
	}
}

func sendState(conn *wslink.Conn, state api.AgentState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return conn.SendRaw(data)
}

// Serve listens on addr until ctx is cancelled.
func (s *ControlServer) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on an existing listener until ctx is cancelled.
func (s *ControlServer) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("control server listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.Serve(netutil.LimitListener(ln, s.maxConns))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
