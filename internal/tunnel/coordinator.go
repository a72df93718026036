// Package tunnel implements the server side of the port tunnel: it owns the
// focused project, feeds the agent the confirmed port list and bridges agent
// connections to TCP sockets inside the project's container.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"time"

	"dockpit/internal/api"
	"dockpit/internal/container"
	"dockpit/internal/events"
	"dockpit/internal/persistence"
	"dockpit/internal/projectconfig"
	"dockpit/internal/protocol"
)

const (
	defaultDialTimeout = 5 * time.Second
	opsBuffer          = 256
)

// Link is the live transport to the connected agent.
type Link interface {
	Send(msg protocol.Message) error
	SendData(id protocol.ConnectionID, payload []byte) error
}

// ContainerResolver resolves a container's address for dialing.
type ContainerResolver interface {
	Inspect(ctx context.Context, containerID string) (container.NetworkInfo, error)
}

// ProjectSource is the project registry and detected-port cache.
type ProjectSource interface {
	GetProject(ctx context.Context, id string) (persistence.Project, error)
	DetectedPorts(ctx context.Context, id string) ([]int, error)
	SetDetectedPorts(ctx context.Context, id string, ports []int) error
}

// PortWatcher runs one container port watch session at a time.
type PortWatcher interface {
	Start(containerID string, onChange func([]int), seed []int)
	Stop()
}

// ConfigLoader loads a project's tunnel allow-list.
type ConfigLoader func(projectDir string) (*projectconfig.TunnelConfig, error)

// DialFunc opens a TCP connection into a container.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithBus(bus *events.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

func WithConfigLoader(load ConfigLoader) Option {
	return func(c *Coordinator) { c.loadConfig = load }
}

func WithDialer(dial DialFunc) Option {
	return func(c *Coordinator) { c.dial = dial }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.dialTimeout = d }
}

// Coordinator is a single-goroutine actor: all state below the ops channel is
// touched only from Run.
type Coordinator struct {
	projects    ProjectSource
	resolver    ContainerResolver
	watcher     PortWatcher
	loadConfig  ConfigLoader
	dial        DialFunc
	dialTimeout time.Duration
	bus         *events.Bus
	logger      *slog.Logger

	ops     chan func()
	persist chan func(context.Context)
	done    chan struct{}
	runCtx  context.Context

	link        Link
	focused     string
	focusGen    uint64
	watchGen    uint64
	config      *projectconfig.TunnelConfig
	activePorts []int
	statuses    map[int]api.PortStatus
	upstreams   map[protocol.ConnectionID]*upstream
	dialing     map[protocol.ConnectionID]uint64
	dialSeq     uint64
}

// New builds a coordinator. Call Run to start processing.
func New(projects ProjectSource, resolver ContainerResolver, watcher PortWatcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		projects:    projects,
		resolver:    resolver,
		watcher:     watcher,
		loadConfig:  projectconfig.Load,
		dialTimeout: defaultDialTimeout,
		logger:      slog.Default(),
		ops:         make(chan func(), opsBuffer),
		persist:     make(chan func(context.Context), opsBuffer),
		done:        make(chan struct{}),
		statuses:    make(map[int]api.PortStatus),
		upstreams:   make(map[protocol.ConnectionID]*upstream),
		dialing:     make(map[protocol.ConnectionID]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		d := &net.Dialer{}
		c.dial = d.DialContext
	}
	c.logger = c.logger.With("component", "coordinator")
	return c
}

// Run processes events until ctx is cancelled, then tears everything down.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runCtx = ctx
	go c.persistLoop(ctx)
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			close(c.done)
			return nil
		case fn := <-c.ops:
			fn()
		}
	}
}

// Done is closed after Run has returned.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) post(fn func()) {
	select {
	case c.ops <- fn:
	case <-c.done:
	}
}

// call runs fn on the loop and waits for it. It reports false if the loop has
// stopped.
func (c *Coordinator) call(fn func()) bool {
	finished := make(chan struct{})
	c.post(func() {
		fn()
		close(finished)
	})
	select {
	case <-finished:
		return true
	case <-c.done:
		return false
	}
}

func (c *Coordinator) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.persist:
			fn(ctx)
		}
	}
}

// SetAgentConnection installs link as the current agent. A previous agent's
// container sockets are dropped since connection ids restart per session.
func (c *Coordinator) SetAgentConnection(link Link) {
	c.call(func() {
		if c.link != nil && c.link != link {
			c.logger.Info("agent link superseded")
			c.closeUpstreams(false)
			clear(c.statuses)
		}
		c.link = link
		c.logger.Info("agent connected", "focused", c.focused)
		if c.focused != "" {
			c.sendPorts(c.activePorts)
		}
		c.publish()
	})
}

// ClearAgentConnection forgets link if it is still the current agent and
// destroys every container-side socket.
func (c *Coordinator) ClearAgentConnection(link Link) {
	c.call(func() {
		if c.link == nil || c.link != link {
			return
		}
		c.link = nil
		c.closeUpstreams(false)
		clear(c.statuses)
		c.logger.Info("agent disconnected")
		c.publish()
	})
}

// SetFocusedProject switches the tunneled project. An empty id clears focus.
// Re-focusing the current project does nothing.
func (c *Coordinator) SetFocusedProject(projectID string) {
	c.call(func() { c.setFocus(projectID) })
}

func (c *Coordinator) setFocus(projectID string) {
	if projectID == c.focused {
		return
	}
	c.stopWatching()
	c.focusGen++
	c.activePorts = nil
	clear(c.statuses)
	c.config = nil
	c.closeUpstreams(true)
	c.focused = projectID
	c.logger.Info("focus changed", "project", projectID)

	if projectID == "" {
		c.sendPorts([]int{})
		c.publish()
		return
	}
	c.publish()

	gen := c.focusGen
	go func() {
		load := c.loadProject(projectID)
		c.post(func() { c.applyFocusLoad(gen, load) })
	}()
}

type projectLoad struct {
	project persistence.Project
	config  *projectconfig.TunnelConfig
	cached  []int
	err     error
}

// loadProject gathers everything focus needs off the loop.
func (c *Coordinator) loadProject(projectID string) projectLoad {
	ctx, cancel := context.WithTimeout(c.ctx(), 5*time.Second)
	defer cancel()
	p, err := c.projects.GetProject(ctx, projectID)
	if err != nil {
		return projectLoad{err: err}
	}
	load := projectLoad{project: p}
	cfg, err := c.loadConfig(p.Directory)
	if err != nil {
		c.logger.Warn("ignoring unreadable tunnel config", "project", projectID, "path", projectconfig.Path(p.Directory), "error", err)
	} else {
		load.config = cfg
	}
	cached, err := c.projects.DetectedPorts(ctx, projectID)
	if err != nil {
		c.logger.Warn("failed to read cached ports", "project", projectID, "error", err)
	}
	load.cached = cached
	return load
}

func (c *Coordinator) applyFocusLoad(gen uint64, load projectLoad) {
	if gen != c.focusGen {
		return
	}
	if load.err != nil {
		c.logger.Warn("focused project unavailable", "project", c.focused, "error", load.err)
		return
	}
	c.config = load.config
	if c.config != nil && len(c.config.Ports) > 0 {
		c.logger.Info("loaded tunnel config", "project", c.focused, "ports", c.config.Ports)
	}
	cached := c.config.Filter(load.cached)
	if len(cached) > 0 {
		c.setActive(cached)
		c.sendPorts(cached)
		c.publish()
	}
	if load.project.ContainerID != "" && load.project.ContainerStatus == container.StatusRunning {
		c.startWatching(load.project.ID, load.project.ContainerID, cached)
	}
}

func (c *Coordinator) startWatching(projectID, containerID string, seed []int) {
	c.watchGen++
	gen := c.watchGen
	c.watcher.Start(containerID, func(ports []int) {
		c.post(func() { c.onPortsChanged(gen, projectID, ports) })
	}, seed)
}

func (c *Coordinator) stopWatching() {
	c.watchGen++
	c.watcher.Stop()
}

func (c *Coordinator) onPortsChanged(gen uint64, projectID string, ports []int) {
	if gen != c.watchGen || projectID != c.focused {
		return
	}
	filtered := c.config.Filter(ports)
	c.setActive(filtered)
	c.logger.Info("tunnel ports changed", "project", projectID, "ports", filtered)

	saved := slices.Clone(filtered)
	c.enqueuePersist(func(ctx context.Context) {
		if err := c.projects.SetDetectedPorts(ctx, projectID, saved); err != nil {
			c.logger.Warn("failed to cache detected ports", "project", projectID, "error", err)
		}
	})
	c.sendPorts(filtered)
	c.publish()
}

// setActive replaces the active port set, resetting every status to pending.
func (c *Coordinator) setActive(ports []int) {
	c.activePorts = slices.Clone(ports)
	clear(c.statuses)
	for _, port := range ports {
		c.statuses[port] = api.PortStatus{Port: port, LocalPort: port, Status: api.PortPending}
	}
}

func (c *Coordinator) enqueuePersist(fn func(context.Context)) {
	select {
	case c.persist <- fn:
	default:
		c.logger.Warn("dropping detected-port write; persistence queue full")
	}
}

func (c *Coordinator) sendPorts(ports []int) {
	if c.link == nil {
		return
	}
	if ports == nil {
		ports = []int{}
	}
	if err := c.link.Send(protocol.Ports{Ports: slices.Clone(ports)}); err != nil {
		c.logger.Debug("send tunnel:ports failed", "error", err)
	}
}

// HandleAgentMessage processes one control frame from link. Frames from a
// superseded link and malformed frames are dropped.
func (c *Coordinator) HandleAgentMessage(link Link, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		c.logger.Debug("dropping malformed control frame", "error", err)
		return
	}
	c.post(func() {
		if link == nil || link != c.link {
			return
		}
		c.handleMessage(msg)
	})
}

func (c *Coordinator) handleMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Listening:
		c.statuses[m.Port] = api.PortStatus{Port: m.Port, LocalPort: m.LocalPort, Status: api.PortListening}
		c.logger.Info("agent listening", "port", m.Port, "local_port", m.LocalPort)
		c.publish()
	case protocol.Error:
		c.statuses[m.Port] = api.PortStatus{Port: m.Port, LocalPort: m.Port, Status: api.PortError}
		c.logger.Warn("agent failed to bind", "port", m.Port, "error", m.Error)
		c.publish()
	case protocol.TCPOpen:
		c.openUpstream(m.ConnectionID, m.Port)
	case protocol.TCPClose:
		delete(c.dialing, m.ConnectionID)
		if up, ok := c.upstreams[m.ConnectionID]; ok {
			delete(c.upstreams, m.ConnectionID)
			up.close()
			c.logger.Debug("agent closed connection", "connection_id", m.ConnectionID)
		}
	case protocol.Ping:
		if err := c.link.Send(protocol.Pong{}); err != nil {
			c.logger.Debug("send pong failed", "error", err)
		}
	}
}

// HandleAgentData routes one binary frame from link to its container socket.
func (c *Coordinator) HandleAgentData(link Link, frame []byte) {
	id, payload, err := protocol.DecodeData(frame)
	if err != nil {
		return
	}
	// The transport may reuse its read buffer.
	payload = slices.Clone(payload)
	c.post(func() {
		if link == nil || link != c.link {
			return
		}
		if up, ok := c.upstreams[id]; ok {
			up.enqueue(payload)
		}
	})
}

func (c *Coordinator) openUpstream(id protocol.ConnectionID, port int) {
	link := c.link
	if c.focused == "" {
		c.sendClose(link, id)
		return
	}
	if old, ok := c.upstreams[id]; ok {
		delete(c.upstreams, id)
		old.close()
	}
	c.dialSeq++
	token := c.dialSeq
	c.dialing[id] = token
	projectID := c.focused
	gen := c.focusGen

	go func() {
		conn, err := c.dialContainer(projectID, port)
		c.post(func() { c.finishDial(link, gen, id, token, port, conn, err) })
	}()
}

func (c *Coordinator) dialContainer(projectID string, port int) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx(), c.dialTimeout)
	defer cancel()
	p, err := c.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.ContainerID == "" {
		return nil, fmt.Errorf("project %s has no container", projectID)
	}
	info, err := c.resolver.Inspect(ctx, p.ContainerID)
	if err != nil {
		return nil, err
	}
	if info.IP == "" {
		return nil, errors.New("container has no IP address")
	}
	return c.dial(ctx, "tcp", net.JoinHostPort(info.IP, strconv.Itoa(port)))
}

func (c *Coordinator) finishDial(link Link, gen uint64, id protocol.ConnectionID, token uint64, port int, conn net.Conn, err error) {
	pending := c.dialing[id] == token
	if pending {
		delete(c.dialing, id)
	}
	if err != nil {
		c.logger.Warn("container dial failed", "connection_id", id, "port", port, "error", err)
		if pending && link == c.link {
			c.sendClose(link, id)
		}
		return
	}
	if !pending || link != c.link || gen != c.focusGen {
		conn.Close()
		if pending && link == c.link {
			c.sendClose(link, id)
		}
		return
	}

	up := newUpstream(id, conn, link)
	c.upstreams[id] = up
	if err := link.Send(protocol.TCPConnected{ConnectionID: id}); err != nil {
		c.logger.Debug("send tcp:connected failed", "connection_id", id, "error", err)
	}
	c.logger.Debug("container connection open", "connection_id", id, "port", port)
	go up.readLoop(func(readErr error) {
		c.post(func() { c.upstreamClosed(up, readErr) })
	})
}

// upstreamClosed runs when a container socket's reader exits. Only a socket
// still registered produces a close for the agent.
func (c *Coordinator) upstreamClosed(up *upstream, err error) {
	up.close()
	if c.upstreams[up.id] != up {
		return
	}
	delete(c.upstreams, up.id)
	c.logger.Debug("container connection closed", "connection_id", up.id, "error", err)
	if up.link == c.link {
		c.sendClose(up.link, up.id)
	}
}

func (c *Coordinator) sendClose(link Link, id protocol.ConnectionID) {
	if link == nil {
		return
	}
	if err := link.Send(protocol.TCPClose{ConnectionID: id}); err != nil {
		c.logger.Debug("send tcp:close failed", "connection_id", id, "error", err)
	}
}

// closeUpstreams destroys every container socket and abandons in-flight dials.
// With notify, the agent is told about each closed id.
func (c *Coordinator) closeUpstreams(notify bool) {
	for id, up := range c.upstreams {
		delete(c.upstreams, id)
		up.close()
		if notify {
			c.sendClose(c.link, id)
		}
	}
	if notify {
		for id := range c.dialing {
			c.sendClose(c.link, id)
		}
	}
	clear(c.dialing)
}

// DisconnectPort removes one port from the active set. It reports false when
// the port is not active.
func (c *Coordinator) DisconnectPort(port int) bool {
	var ok bool
	c.call(func() {
		if _, exists := c.statuses[port]; !exists {
			return
		}
		ok = true
		c.activePorts = slices.DeleteFunc(c.activePorts, func(p int) bool { return p == port })
		delete(c.statuses, port)
		c.logger.Info("port disconnected by operator", "port", port)
		c.sendPorts(c.activePorts)
		c.publish()
	})
	return ok
}

// OnContainerStopped drops the focused project's ports when its container
// stops.
func (c *Coordinator) OnContainerStopped(projectID string) {
	c.call(func() {
		if projectID == "" || projectID != c.focused {
			return
		}
		c.stopWatching()
		c.activePorts = nil
		clear(c.statuses)
		c.sendPorts([]int{})
		c.publish()
	})
}

// OnContainerStarted resumes watching the focused project's container, seeded
// with its cached ports.
func (c *Coordinator) OnContainerStarted(projectID string) {
	c.call(func() {
		if projectID == "" || projectID != c.focused {
			return
		}
		gen := c.focusGen
		go func() {
			load := c.loadProject(projectID)
			c.post(func() {
				if gen != c.focusGen || load.err != nil || load.project.ContainerID == "" {
					return
				}
				c.startWatching(projectID, load.project.ContainerID, c.config.Filter(load.cached))
			})
		}()
	})
}

// AgentShutdown asks the connected agent to exit. It reports false when no
// agent is connected.
func (c *Coordinator) AgentShutdown() bool {
	var sent bool
	c.call(func() {
		if c.link == nil {
			return
		}
		sent = c.link.Send(protocol.AgentShutdown{}) == nil
	})
	return sent
}

// State returns a snapshot for the operator API.
func (c *Coordinator) State() api.TunnelState {
	state := api.TunnelState{ActivePorts: []int{}, Ports: []api.PortStatus{}}
	c.call(func() {
		state = c.snapshot()
	})
	return state
}

func (c *Coordinator) snapshot() api.TunnelState {
	state := api.TunnelState{
		AgentConnected: c.link != nil,
		ActivePorts:    slices.Clone(c.activePorts),
		Ports:          c.portList(),
	}
	if state.ActivePorts == nil {
		state.ActivePorts = []int{}
	}
	if c.focused != "" {
		id := c.focused
		state.FocusedProjectID = &id
	}
	return state
}

func (c *Coordinator) portList() []api.PortStatus {
	out := make([]api.PortStatus, 0, len(c.statuses))
	for _, st := range c.statuses {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b api.PortStatus) int { return a.Port - b.Port })
	return out
}

func (c *Coordinator) publish() {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Topic: events.TopicTunnelStatusChanged,
		Payload: events.TunnelStatusChanged{
			AgentConnected:   c.link != nil,
			FocusedProjectID: c.focused,
			Ports:            c.portList(),
		},
	})
}

func (c *Coordinator) shutdown() {
	c.stopWatching()
	c.closeUpstreams(false)
	clear(c.statuses)
	c.activePorts = nil
	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) ctx() context.Context {
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}
