package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"dockpit/internal/container"
	"dockpit/internal/events"
	"dockpit/internal/health"
	"dockpit/internal/persistence"
	"dockpit/internal/portwatch"
	"dockpit/internal/runtime/supervisor"
	"dockpit/internal/state/paths"
	"dockpit/internal/tunnel"
	"dockpit/internal/wslink"
)

const (
	defaultAddr     = ":3001"
	defaultNetwork  = "dockpit"
	shutdownTimeout = 5 * time.Second
)

// GinServer is the coordinator daemon: operator API, agent link endpoint and
// the runtime components behind them.
type GinServer struct {
	store         *persistence.Store
	runtime       *container.CLI
	watcher       *portwatch.Watcher
	coordinator   *tunnel.Coordinator
	events        *events.Bus
	healthTracker *health.Tracker
	supervisor    *supervisor.Supervisor
	router        *gin.Engine
	validator     *openAPIValidator
	logger        *slog.Logger
	version       string
	addr          string

	watchConfig     portwatch.Config
	containerEvents bool
	tunnelOpts      []tunnel.Option

	agentMu sync.Mutex
	agent   *wslink.Conn

	httpSrv *http.Server
}

// GinServerOption is a function that configures a GinServer.
type GinServerOption func(*GinServer)

// WithGinVersion sets the version reported by /api/v1/version.
func WithGinVersion(version string) GinServerOption {
	return func(s *GinServer) {
		s.version = version
	}
}

// WithAddr sets the listen address, e.g. ":3001".
func WithAddr(addr string) GinServerOption {
	return func(s *GinServer) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithStore uses an already opened project store instead of opening one in
// the state directory.
func WithStore(store *persistence.Store) GinServerOption {
	return func(s *GinServer) { s.store = store }
}

// WithRuntime sets the container runtime client.
func WithRuntime(cli *container.CLI) GinServerOption {
	return func(s *GinServer) { s.runtime = cli }
}

func WithLogger(logger *slog.Logger) GinServerOption {
	return func(s *GinServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPortWatchConfig overrides the port watcher timings and filters.
func WithPortWatchConfig(cfg portwatch.Config) GinServerOption {
	return func(s *GinServer) { s.watchConfig = cfg }
}

// WithContainerEvents toggles the runtime event stream.
func WithContainerEvents(enabled bool) GinServerOption {
	return func(s *GinServer) { s.containerEvents = enabled }
}

// WithTunnelOptions passes extra options to the tunnel coordinator.
func WithTunnelOptions(opts ...tunnel.Option) GinServerOption {
	return func(s *GinServer) { s.tunnelOpts = append(s.tunnelOpts, opts...) }
}

// NewGinServer wires the coordinator daemon. Components start with Start.
func NewGinServer(opts ...GinServerOption) (*GinServer, error) {
	s := &GinServer{
		addr:            defaultAddr,
		version:         "dev",
		logger:          slog.Default(),
		watchConfig:     portwatch.DefaultConfig(),
		containerEvents: true,
		events:          events.NewBus(),
		healthTracker:   health.NewTracker(),
	}
	for _, opt := range opts {
		opt(s)
	}

	validator, err := newOpenAPIValidator()
	if err != nil {
		return nil, fmt.Errorf("load API schema: %w", err)
	}
	s.validator = validator

	if s.store == nil {
		store, err := persistence.Open(paths.Root())
		if err != nil {
			return nil, fmt.Errorf("open project store: %w", err)
		}
		s.store = store
	}
	if s.runtime == nil {
		s.runtime = container.NewCLI("", defaultNetwork)
	}

	s.watcher = portwatch.New(s.runtime, s.watchConfig, s.logger)
	tunnelOpts := append([]tunnel.Option{
		tunnel.WithLogger(s.logger),
		tunnel.WithBus(s.events),
	}, s.tunnelOpts...)
	s.coordinator = tunnel.New(s.store, s.runtime, s.watcher, tunnelOpts...)

	s.supervisor = supervisor.New(s.logger)
	s.supervisor.Register(newDatabaseComponent(s.store, s.healthTracker))
	s.supervisor.Register(newCoordinatorComponent(s.coordinator, s.watcher))
	s.supervisor.Register(newAgentLinkObserver(s.events, s.healthTracker))
	if s.containerEvents {
		handler := &containerEventHandler{
			store:       s.store,
			bus:         s.events,
			coordinator: s.coordinator,
			logger:      s.logger.With("component", "container-events"),
		}
		s.supervisor.Register(newContainerEventsComponent(s.runtime, handler, s.healthTracker))
		s.supervisor.Register(newContainerStateObserver(s.events, s.healthTracker, s.runtime.Binary()))
	} else {
		s.healthTracker.Setf(health.ComponentContainerEvents, health.LevelWarn, "container event stream disabled")
	}

	s.setupGinRoutes()
	return s, nil
}

// Start brings up runtime components and serves HTTP until ctx is cancelled
// or Stop is called.
func (s *GinServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *GinServer) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.supervisor.Start(ctx); err != nil {
		ln.Close()
		return fmt.Errorf("failed to start runtime components: %w", err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.healthTracker.Setf(health.ComponentHTTP, health.LevelOK, "listening on %s", ln.Addr().String())
	s.logger.Info("dockpit coordinator listening", "addr", ln.Addr().String(), "runtime", s.runtime.Binary(), "version", s.version)

	// Type=notify units wait for this before reporting the service started.
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		s.logger.Warn("failed to notify systemd of readiness", "error", err)
	} else if sent {
		s.logger.Info("notified systemd that service is ready")
	}

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = s.Stop(shutdownCtx)
		case <-stopped:
		}
	}()

	err := s.httpSrv.Serve(ln)
	close(stopped)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the agent link, stops HTTP and shuts runtime components down in
// reverse order.
func (s *GinServer) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	s.agentMu.Lock()
	if s.agent != nil {
		s.agent.Close()
	}
	s.agentMu.Unlock()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := s.supervisor.Stop(ctx); err != nil {
		s.logger.Warn("failed to stop components cleanly", "error", err)
		errs = append(errs, err)
	}
	s.events.Close()
	return errors.Join(errs...)
}

// setupGinRoutes defines all endpoints.
func (s *GinServer) setupGinRoutes() {
	r := gin.New()

	r.Use(s.requestLoggingMiddleware())
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())
	r.Use(s.securityHeadersMiddleware())

	// The agent link must not pass through gzip; it hijacks the connection.
	r.GET("/ws/tunnel", s.handleAgentLink)

	v1 := r.Group("/api/v1")
	v1.Use(gzip.Gzip(gzip.DefaultCompression))
	v1.Use(s.validator.Middleware())
	{
		v1.GET("/version", s.handleGinVersion)

		v1.GET("/health/live", s.handleHealthLive)
		v1.GET("/health/ready", s.handleGinReadinessCheck)
		v1.GET("/health/detail", s.handleHealthDetail)

		v1.GET("/tunnel", s.handleTunnelState)
		v1.PUT("/tunnel/focus", s.handleTunnelFocus)
		v1.DELETE("/tunnel/ports/:port", s.handleTunnelDisconnectPort)
		v1.POST("/tunnel/agent/shutdown", s.handleAgentShutdown)

		v1.GET("/projects", s.handleListProjects)
		v1.GET("/projects/:id", s.handleGetProject)
		v1.PUT("/projects/:id", s.handlePutProject)
	}

	s.router = r
}

func (s *GinServer) handleGinVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": s.version})
}

// readinessComponents must exist and not be in error for /health/ready.
var readinessComponents = []string{health.ComponentDatabase, health.ComponentHTTP}

func (s *GinServer) handleGinReadinessCheck(c *gin.Context) {
	ready, snapshot := s.healthTracker.Ready(readinessComponents...)
	payload := gin.H{
		"ready":      ready,
		"status":     s.healthTracker.Overall().String(),
		"components": flattenHealth(snapshot),
	}
	if !ready {
		c.JSON(http.StatusServiceUnavailable, payload)
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (s *GinServer) handleHealthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": s.healthTracker.Overall().String()})
}

func (s *GinServer) handleHealthDetail(c *gin.Context) {
	snapshot := s.healthTracker.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"overall":    s.healthTracker.Overall().String(),
		"components": flattenHealth(snapshot),
	})
}

func flattenHealth(snapshot map[string]health.Status) []gin.H {
	components := make([]gin.H, 0, len(snapshot))
	for _, name := range slices.Sorted(maps.Keys(snapshot)) {
		st := snapshot[name]
		components = append(components, gin.H{
			"name":       name,
			"level":      st.Level.String(),
			"message":    st.Message,
			"details":    st.Details,
			"updated_at": st.UpdatedAt,
		})
	}
	return components
}
