package events

import (
	"sync"

	"dockpit/internal/api"
)

// Topic enumerates bus channels shared across dockpit subsystems.
type Topic string

const (
	TopicContainerStateChanged Topic = "container_state_changed"
	TopicTunnelStatusChanged   Topic = "tunnel_status_changed"
)

// Event represents a message broadcast on the event bus.
type Event struct {
	Topic   Topic
	Payload any
}

// ContainerStateChanged reports a runtime lifecycle event for a project's
// container.
type ContainerStateChanged struct {
	ProjectID   string
	ContainerID string
	Status      string
}

// TunnelStatusChanged is the coordinator's snapshot after a change in agent
// presence, focus or port status.
type TunnelStatusChanged struct {
	AgentConnected   bool
	FocusedProjectID string
	Ports            []api.PortStatus
}

// Bus is a simple pub/sub dispatcher for intra-process events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]chan Event
	closed bool
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan Event)}
}

// Subscribe registers a buffered channel for a topic.
func (b *Bus) Subscribe(topic Topic, buffer int) <-chan Event {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Publish broadcasts an event to all subscribers without blocking.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[evt.Topic] {
		select {
		case ch <- evt:
		default:
			// Saturated subscribers miss events; size buffers accordingly.
		}
	}
}

// Close shuts down the bus and all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = nil
}
