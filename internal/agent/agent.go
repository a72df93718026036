// Package agent runs on the developer's machine: it keeps a link to the
// coordinator, mirrors the coordinator's port list as loopback listeners and
// multiplexes every accepted connection over the link.
package agent

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"dockpit/internal/api"
	"dockpit/internal/connq"
	"dockpit/internal/protocol"
	"dockpit/internal/wslink"
)

const readBufferSize = 32 * 1024

// Transport is one established link to the coordinator.
type Transport interface {
	Send(msg protocol.Message) error
	SendData(id protocol.ConnectionID, payload []byte) error
	ReadFrame() (wslink.Frame, error)
	Close() error
}

// DialFunc opens a transport to url.
type DialFunc func(ctx context.Context, url string) (Transport, error)

func dialWebSocket(ctx context.Context, url string) (Transport, error) {
	conn, err := wslink.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Option configures an Agent.
type Option func(*Agent)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithCache(cache *Cache) Option {
	return func(a *Agent) { a.cache = cache }
}

func WithDialer(dial DialFunc) Option {
	return func(a *Agent) { a.dial = dial }
}

// WithStateObserver registers fn to receive every state change. fn runs on
// the agent loop and must not block.
func WithStateObserver(fn func(api.AgentState)) Option {
	return func(a *Agent) { a.observer = fn }
}

type tunnelListener struct {
	port      int
	localPort int
	ln        net.Listener
	conns     map[protocol.ConnectionID]struct{}
}

// localConn is one accepted client. Bytes read before the coordinator
// confirms the container side are held in pending.
type localConn struct {
	id      protocol.ConnectionID
	port    int
	conn    net.Conn
	writer  *connq.Writer
	ready   bool
	pending [][]byte
}

// Agent is a single-goroutine reactor; fields below ops are only touched by
// Run.
type Agent struct {
	cfg      Config
	linkURL  string
	dial     DialFunc
	cache    *Cache
	observer func(api.AgentState)
	logger   *slog.Logger

	ops      chan func()
	done     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
	runCtx   context.Context

	link      Transport
	linkSeq   uint64
	sessionID string
	tunnels   map[int]*tunnelListener
	conns     map[protocol.ConnectionID]*localConn
	nextID    protocol.ConnectionID
	projectID string

	ping      *time.Ticker
	heartbeat *time.Timer
	reconnect *time.Timer
}

// New builds an agent for cfg.ServerURL.
func New(cfg Config, opts ...Option) (*Agent, error) {
	cfg = cfg.withDefaults()
	linkURL, err := TunnelURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		cfg:     cfg,
		linkURL: linkURL,
		dial:    dialWebSocket,
		logger:  slog.Default(),
		ops:     make(chan func(), 256),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		tunnels: make(map[int]*tunnelListener),
		conns:   make(map[protocol.ConnectionID]*localConn),
		nextID:  1,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cache == nil {
		a.cache = LoadCache("")
	}
	a.logger = a.logger.With("component", "agent")
	return a, nil
}

// Run connects and processes events until ctx is cancelled or Shutdown is
// called.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.runCtx = ctx
	a.logger.Info("agent starting", "server", a.linkURL)
	a.connect()

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			close(a.done)
			return nil
		case <-a.stopped:
			cancel()
			a.shutdown()
			close(a.done)
			return nil
		case fn := <-a.ops:
			fn()
		case <-tickerC(a.ping):
			a.send(protocol.Ping{})
		case <-timerC(a.heartbeat):
			a.onStale()
		case <-timerC(a.reconnect):
			a.reconnect = nil
			a.connect()
		}
	}
}

// Done is closed after Run has returned.
func (a *Agent) Done() <-chan struct{} { return a.done }

// Shutdown asks Run to tear everything down and return. It is safe to call
// from any goroutine, more than once.
func (a *Agent) Shutdown() {
	a.stopOnce.Do(func() { close(a.stopped) })
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (a *Agent) post(fn func()) bool {
	select {
	case a.ops <- fn:
		return true
	case <-a.done:
		return false
	}
}

func (a *Agent) call(fn func()) bool {
	finished := make(chan struct{})
	a.post(func() {
		fn()
		close(finished)
	})
	select {
	case <-finished:
		return true
	case <-a.done:
		return false
	}
}

func (a *Agent) connect() {
	if a.runCtx.Err() != nil {
		return
	}
	a.linkSeq++
	seq := a.linkSeq
	ctx := a.runCtx
	go func() {
		t, err := a.dial(ctx, a.linkURL)
		if !a.post(func() { a.onDialed(seq, t, err) }) && t != nil {
			t.Close()
		}
	}()
}

func (a *Agent) onDialed(seq uint64, t Transport, err error) {
	if seq != a.linkSeq || a.runCtx.Err() != nil {
		if t != nil {
			t.Close()
		}
		return
	}
	if err != nil {
		a.logger.Warn("connect failed", "server", a.linkURL, "error", err, "retry_in", a.cfg.ReconnectDelay)
		a.scheduleReconnect()
		return
	}
	a.link = t
	a.sessionID = uuid.NewString()
	a.logger.Info("connected to coordinator", "session", a.sessionID)
	a.ping = time.NewTicker(a.cfg.PingInterval)
	a.resetHeartbeat()
	go a.readLoop(seq, t)

	// Re-open the current project's last known ports ahead of the
	// coordinator's own tunnel:ports.
	if a.projectID != "" {
		if cached := a.cache.Get(a.projectID); len(cached) > 0 {
			a.syncTunnels(cached)
		}
	}
	a.broadcast()
}

func (a *Agent) readLoop(seq uint64, t Transport) {
	for {
		frame, err := t.ReadFrame()
		if err != nil {
			a.post(func() { a.onTransportClosed(seq, err) })
			return
		}
		a.post(func() { a.onFrame(seq, frame) })
	}
}

func (a *Agent) onTransportClosed(seq uint64, err error) {
	if seq != a.linkSeq || a.link == nil {
		return
	}
	if wslink.IsNormalClose(err) {
		a.logger.Info("disconnected from coordinator", "session", a.sessionID)
	} else {
		a.logger.Warn("link lost", "session", a.sessionID, "error", err)
	}
	a.link.Close()
	a.link = nil
	a.stopTimers()
	a.closeAllTunnels()
	a.scheduleReconnect()
	a.broadcast()
}

func (a *Agent) scheduleReconnect() {
	if a.runCtx.Err() != nil {
		return
	}
	if a.reconnect != nil {
		a.reconnect.Stop()
	}
	a.reconnect = time.NewTimer(a.cfg.ReconnectDelay)
}

func (a *Agent) resetHeartbeat() {
	if a.heartbeat == nil {
		a.heartbeat = time.NewTimer(a.cfg.HeartbeatTimeout)
		return
	}
	a.heartbeat.Reset(a.cfg.HeartbeatTimeout)
}

func (a *Agent) stopTimers() {
	if a.ping != nil {
		a.ping.Stop()
		a.ping = nil
	}
	if a.heartbeat != nil {
		a.heartbeat.Stop()
		a.heartbeat = nil
	}
}

// onStale fires when nothing has arrived for HeartbeatTimeout. Tunnels are
// closed but the transport is left for its own close to trigger reconnect.
func (a *Agent) onStale() {
	a.heartbeat = nil
	a.logger.Warn("no traffic from coordinator, closing tunnels", "timeout", a.cfg.HeartbeatTimeout)
	a.closeAllTunnels()
	a.broadcast()
}

func (a *Agent) onFrame(seq uint64, frame wslink.Frame) {
	if seq != a.linkSeq || a.link == nil {
		return
	}
	a.resetHeartbeat()
	if frame.Binary {
		id, payload, err := protocol.DecodeData(frame.Data)
		if err != nil {
			return
		}
		if lc, ok := a.conns[id]; ok {
			lc.writer.Enqueue(payload)
		}
		return
	}
	msg, err := protocol.Decode(frame.Data)
	if err != nil {
		a.logger.Debug("dropping malformed control frame", "error", err)
		return
	}
	a.handleMessage(msg)
}

func (a *Agent) handleMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Ports:
		a.syncTunnels(m.Ports)
		if a.projectID != "" {
			if err := a.cache.Set(a.projectID, m.Ports); err != nil {
				a.logger.Warn("failed to save tunnel cache", "error", err)
			}
		}
		a.broadcast()
	case protocol.TCPConnected:
		a.onConnected(m.ConnectionID)
	case protocol.TCPClose:
		if lc, ok := a.conns[m.ConnectionID]; ok {
			a.dropConn(lc)
			a.logger.Debug("coordinator closed connection", "connection_id", lc.id)
		}
	case protocol.AgentShutdown:
		a.logger.Info("shutdown requested by coordinator")
		a.Shutdown()
	}
}

// syncTunnels reconciles local listeners with the desired port list.
func (a *Agent) syncTunnels(ports []int) {
	desired := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		desired[p] = struct{}{}
	}
	for port := range a.tunnels {
		if _, keep := desired[port]; !keep {
			a.closeTunnel(port)
		}
	}
	for _, port := range ports {
		if t, open := a.tunnels[port]; open {
			a.send(protocol.Listening{Port: port, LocalPort: t.localPort})
			continue
		}
		a.openTunnel(port)
	}
	if len(ports) > 0 {
		a.logger.Info("tunnels synced", "ports", ports)
	}
	a.broadcast()
}

func (a *Agent) openTunnel(port int) {
	ln, localPort, err := bindLocal(a.cfg.BindHost, port)
	if err != nil {
		a.logger.Warn("failed to open tunnel", "port", port, "error", err)
		a.send(protocol.Error{Port: port, Error: err.Error()})
		return
	}
	if localPort != port {
		a.logger.Info("port in use locally, using alternative", "port", port, "local_port", localPort)
	}
	t := &tunnelListener{port: port, localPort: localPort, ln: ln, conns: make(map[protocol.ConnectionID]struct{})}
	a.tunnels[port] = t
	a.logger.Info("tunnel open", "local_port", localPort, "port", port)
	a.send(protocol.Listening{Port: port, LocalPort: localPort})
	go a.acceptLoop(t)
}

func (a *Agent) acceptLoop(t *tunnelListener) {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			return
		}
		if !a.post(func() { a.onAccepted(t, conn) }) {
			conn.Close()
			return
		}
	}
}

func (a *Agent) onAccepted(t *tunnelListener, conn net.Conn) {
	if a.tunnels[t.port] != t || a.link == nil {
		conn.Close()
		return
	}
	id := a.nextID
	a.nextID++
	lc := &localConn{id: id, port: t.port, conn: conn, writer: connq.New(conn)}
	a.conns[id] = lc
	t.conns[id] = struct{}{}
	a.send(protocol.TCPOpen{ConnectionID: id, Port: t.port})
	a.logger.Debug("local connection accepted", "connection_id", id, "port", t.port)
	go a.readLocal(lc, a.link)
}

// throttler is implemented by transports that queue writes and want socket
// readers to wait while the coordinator catches up.
type throttler interface {
	Throttle()
}

func (a *Agent) readLocal(lc *localConn, link Transport) {
	buf := make([]byte, readBufferSize)
	t, _ := link.(throttler)
	for {
		if t != nil {
			t.Throttle()
		}
		n, err := lc.conn.Read(buf)
		if n > 0 {
			chunk := slices.Clone(buf[:n])
			a.post(func() { a.onLocalData(lc, chunk) })
		}
		if err != nil {
			a.post(func() { a.onLocalClosed(lc) })
			return
		}
	}
}

func (a *Agent) onLocalData(lc *localConn, chunk []byte) {
	if a.conns[lc.id] != lc {
		return
	}
	if !lc.ready {
		lc.pending = append(lc.pending, chunk)
		return
	}
	a.sendData(lc.id, chunk)
}

func (a *Agent) onConnected(id protocol.ConnectionID) {
	lc, ok := a.conns[id]
	if !ok || lc.ready {
		return
	}
	lc.ready = true
	for _, chunk := range lc.pending {
		a.sendData(id, chunk)
	}
	lc.pending = nil
}

// onLocalClosed runs when a client socket's reader exits. Connections
// already dropped for another reason produce no close message.
func (a *Agent) onLocalClosed(lc *localConn) {
	if a.conns[lc.id] != lc {
		return
	}
	a.dropConn(lc)
	a.send(protocol.TCPClose{ConnectionID: lc.id})
}

func (a *Agent) dropConn(lc *localConn) {
	delete(a.conns, lc.id)
	if t, ok := a.tunnels[lc.port]; ok {
		delete(t.conns, lc.id)
	}
	lc.pending = nil
	lc.writer.Close()
}

// closeTunnel stops one listener and every client under it, telling the
// coordinator about each closed connection.
func (a *Agent) closeTunnel(port int) {
	t, ok := a.tunnels[port]
	if !ok {
		return
	}
	for id := range t.conns {
		if lc, ok := a.conns[id]; ok {
			a.dropConn(lc)
			a.send(protocol.TCPClose{ConnectionID: id})
		}
	}
	t.ln.Close()
	delete(a.tunnels, port)
	a.logger.Info("tunnel closed", "port", port)
}

func (a *Agent) closeAllTunnels() {
	for port := range a.tunnels {
		a.closeTunnel(port)
	}
}

func (a *Agent) send(msg protocol.Message) {
	if a.link == nil {
		return
	}
	if err := a.link.Send(msg); err != nil {
		a.logger.Debug("send failed", "type", msg.Type(), "error", err)
	}
}

func (a *Agent) sendData(id protocol.ConnectionID, payload []byte) {
	if a.link == nil {
		return
	}
	if err := a.link.SendData(id, payload); err != nil {
		a.logger.Debug("send data failed", "connection_id", id, "error", err)
	}
}

// FocusProject records the operator's current project and re-opens its
// cached ports, if any.
func (a *Agent) FocusProject(projectID string) {
	a.post(func() {
		changed := projectID != a.projectID
		a.projectID = projectID
		if projectID == "" {
			a.broadcast()
			return
		}
		cached := a.cache.Get(projectID)
		if len(cached) > 0 {
			if changed {
				a.logger.Info("optimistic tunnels for project", "project", projectID, "ports", cached)
			}
			a.syncTunnels(cached)
			return
		}
		a.broadcast()
	})
}

// State returns the current status snapshot.
func (a *Agent) State() api.AgentState {
	state := api.AgentState{Ports: []api.PortStatus{}}
	a.call(func() { state = a.snapshot() })
	return state
}

func (a *Agent) snapshot() api.AgentState {
	state := api.AgentState{Connected: a.link != nil, Ports: make([]api.PortStatus, 0, len(a.tunnels))}
	if a.projectID != "" {
		id := a.projectID
		state.ProjectID = &id
	}
	for _, t := range a.tunnels {
		state.Ports = append(state.Ports, api.PortStatus{Port: t.port, LocalPort: t.localPort, Status: api.PortListening})
	}
	slices.SortFunc(state.Ports, func(x, y api.PortStatus) int { return x.Port - y.Port })
	return state
}

func (a *Agent) broadcast() {
	if a.observer != nil {
		a.observer(a.snapshot())
	}
}

func (a *Agent) shutdown() {
	a.logger.Info("agent shutting down")
	if a.reconnect != nil {
		a.reconnect.Stop()
		a.reconnect = nil
	}
	a.closeAllTunnels()
	a.stopTimers()
	if a.link != nil {
		a.link.Close()
		a.link = nil
	}
	a.linkSeq++
	a.broadcast()
}
