package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"dockpit/internal/container"
	"dockpit/internal/events"
	"dockpit/internal/health"
	"dockpit/internal/persistence"
	"dockpit/internal/portwatch"
	"dockpit/internal/runtime/supervisor"
	"dockpit/internal/tunnel"
)

const eventsRetryDelay = 5 * time.Second

// newDatabaseComponent reports the store in health and closes it on stop.
func newDatabaseComponent(store *persistence.Store, tracker *health.Tracker) supervisor.Component {
	start := func(ctx context.Context) error {
		if _, err := store.ListProjects(ctx); err != nil {
			tracker.Setf(health.ComponentDatabase, health.LevelError, "project store unavailable: %v", err)
			return err
		}
		tracker.SetDetails(health.ComponentDatabase, health.LevelOK, "project store open", map[string]any{"path": store.Path()})
		return nil
	}
	stop := func(ctx context.Context) error {
		return store.Close()
	}
	return supervisor.NewComponent("database", start, stop)
}

// newCoordinatorComponent runs the tunnel coordinator loop. The loop gets its
// own context so it outlives the HTTP server during shutdown.
func newCoordinatorComponent(coord *tunnel.Coordinator, watcher *portwatch.Watcher) supervisor.Component {
	var cancel context.CancelFunc
	start := func(ctx context.Context) error {
		runCtx, c := context.WithCancel(context.WithoutCancel(ctx))
		cancel = c
		go coord.Run(runCtx)
		return nil
	}
	stop := func(ctx context.Context) error {
		if cancel == nil {
			return nil
		}
		cancel()
		select {
		case <-coord.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		watcher.Stop()
		watcher.Wait()
		return nil
	}
	return supervisor.NewComponent("tunnel-coordinator", start, stop)
}

// busObserver runs handle for every event on one topic until stopped.
type busObserver struct {
	bus    *events.Bus
	topic  events.Topic
	handle func(events.Event)
	cancel context.CancelFunc
}

func newBusObserver(name string, bus *events.Bus, topic events.Topic, setup func(), handle func(events.Event)) supervisor.Component {
	o := &busObserver{bus: bus, topic: topic, handle: handle}
	start := func(ctx context.Context) error {
		if setup != nil {
			setup()
		}
		return o.start(ctx)
	}
	return supervisor.NewComponent(name, start, o.stop)
}

func (o *busObserver) start(ctx context.Context) error {
	ch := o.bus.Subscribe(o.topic, 32)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	go func() {
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				o.handle(evt)
			case <-runCtx.Done():
				return
			}
		}
	}()
	return nil
}

func (o *busObserver) stop(ctx context.Context) error {
	if o.cancel != nil {
		o.cancel()
	}
	return nil
}

// newAgentLinkObserver mirrors agent presence into the health tracker.
func newAgentLinkObserver(bus *events.Bus, tracker *health.Tracker) supervisor.Component {
	setup := func() {
		tracker.Setf(health.ComponentAgentLink, health.LevelWarn, "no agent connected")
	}
	return newBusObserver("agent-link-observer", bus, events.TopicTunnelStatusChanged, setup, func(evt events.Event) {
		status, ok := evt.Payload.(events.TunnelStatusChanged)
		if !ok {
			return
		}
		if !status.AgentConnected {
			tracker.Setf(health.ComponentAgentLink, health.LevelWarn, "no agent connected")
			return
		}
		details := map[string]any{"ports": len(status.Ports)}
		if status.FocusedProjectID != "" {
			details["focused_project"] = status.FocusedProjectID
		}
		tracker.SetDetails(health.ComponentAgentLink, health.LevelOK, "agent connected", details)
	})
}

// newContainerStateObserver records the most recent container transition on
// the container-events health entry.
func newContainerStateObserver(bus *events.Bus, tracker *health.Tracker, binary string) supervisor.Component {
	var seen int
	return newBusObserver("container-state-observer", bus, events.TopicContainerStateChanged, nil, func(evt events.Event) {
		change, ok := evt.Payload.(events.ContainerStateChanged)
		if !ok {
			return
		}
		seen++
		tracker.SetDetails(health.ComponentContainerEvents, health.LevelOK, "streaming "+binary+" events", map[string]any{
			"events":       seen,
			"last_project": change.ProjectID,
			"last_status":  change.Status,
		})
	})
}

// containerEventHandler applies one runtime lifecycle event: registry
// status, bus notification and coordinator start/stop hooks.
type containerEventHandler struct {
	store       *persistence.Store
	bus         *events.Bus
	coordinator *tunnel.Coordinator
	logger      *slog.Logger
}

func (h *containerEventHandler) handle(ctx context.Context, ev container.Event) {
	if ev.Status == "" {
		return
	}
	projectID, err := h.resolveProject(ctx, ev)
	if err != nil {
		if !errors.Is(err, persistence.ErrProjectNotFound) {
			h.logger.Warn("failed to resolve project for container event", "container", ev.ContainerID, "error", err)
		}
		return
	}

	if ev.Status == container.StatusNotCreated {
		err = h.store.DetachContainer(ctx, projectID, ev.Status)
	} else {
		err = h.store.SetContainerStatus(ctx, projectID, ev.Status)
	}
	if err != nil {
		h.logger.Warn("failed to record container status", "project", projectID, "status", ev.Status, "error", err)
	}
	h.logger.Info("container state changed", "project", projectID, "action", ev.Action, "status", ev.Status)

	h.bus.Publish(events.Event{
		Topic: events.TopicContainerStateChanged,
		Payload: events.ContainerStateChanged{
			ProjectID:   projectID,
			ContainerID: ev.ContainerID,
			Status:      ev.Status,
		},
	})

	switch ev.Status {
	case container.StatusRunning:
		h.coordinator.OnContainerStarted(projectID)
	case container.StatusExited, container.StatusNotCreated:
		h.coordinator.OnContainerStopped(projectID)
	}
}

func (h *containerEventHandler) resolveProject(ctx context.Context, ev container.Event) (string, error) {
	if ev.ProjectID != "" {
		if _, err := h.store.GetProject(ctx, ev.ProjectID); err != nil {
			return "", err
		}
		return ev.ProjectID, nil
	}
	p, err := h.store.ProjectByContainer(ctx, ev.ContainerID)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// newContainerEventsComponent keeps a runtime event stream open, restarting
// it after a delay when the runtime command exits.
func newContainerEventsComponent(runtime *container.CLI, handler *containerEventHandler, tracker *health.Tracker) supervisor.Component {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	start := func(ctx context.Context) error {
		runCtx, c := context.WithCancel(context.WithoutCancel(ctx))
		cancel = c
		done = make(chan struct{})
		go func() {
			defer close(done)
			for {
				tracker.Setf(health.ComponentContainerEvents, health.LevelOK, "streaming %s events", runtime.Binary())
				err := runtime.Events(runCtx, func(ev container.Event) { handler.handle(runCtx, ev) })
				if runCtx.Err() != nil {
					return
				}
				tracker.Setf(health.ComponentContainerEvents, health.LevelWarn, "event stream stopped: %v", err)
				handler.logger.Warn("container event stream stopped", "error", err, "retry_in", eventsRetryDelay)
				select {
				case <-runCtx.Done():
					return
				case <-time.After(eventsRetryDelay):
				}
			}
		}()
		return nil
	}
	stop := func(ctx context.Context) error {
		if cancel == nil {
			return nil
		}
		cancel()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return supervisor.NewComponent("container-events", start, stop)
}
