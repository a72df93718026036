package health

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Component names reported by the coordinator daemon.
const (
	ComponentDatabase        = "database"
	ComponentAgentLink       = "agent-link"
	ComponentContainerEvents = "container-events"
	ComponentHTTP            = "http"
)

type Level int

const (
	LevelOK Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

type Status struct {
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Component is a named status, as listed by the health endpoints.
type Component struct {
	Name string `json:"name"`
	Status
}

// Tracker maintains a thread-safe collection of component health statuses.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

func NewTracker() *Tracker {
	return &Tracker{statuses: make(map[string]Status)}
}

func (t *Tracker) Set(name string, status Status) {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	t.mu.Lock()
	t.statuses[name] = status
	t.mu.Unlock()
}

func (t *Tracker) Setf(name string, level Level, format string, args ...any) {
	t.Set(name, Status{Level: level, Message: fmt.Sprintf(format, args...)})
}

// SetDetails records a status carrying structured details.
func (t *Tracker) SetDetails(name string, level Level, msg string, details map[string]any) {
	t.Set(name, Status{Level: level, Message: msg, Details: details})
}

func (t *Tracker) Status(name string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.statuses[name]
	return s, ok
}

func (t *Tracker) Snapshot() map[string]Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Status, len(t.statuses))
	for k, v := range t.statuses {
		out[k] = v
	}
	return out
}

// Components returns every status ordered by name.
func (t *Tracker) Components() []Component {
	snapshot := t.Snapshot()
	out := make([]Component, 0, len(snapshot))
	for name, st := range snapshot {
		out = append(out, Component{Name: name, Status: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *Tracker) Overall() Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	worst := LevelOK
	for _, st := range t.statuses {
		if st.Level > worst {
			worst = st.Level
		}
	}
	return worst
}

// Ready reports whether every required component exists and is not in error.
// A warning (e.g. no agent connected) does not block readiness.
func (t *Tracker) Ready(required ...string) (bool, map[string]Status) {
	snapshot := t.Snapshot()
	ok := true
	for _, name := range required {
		st, exists := snapshot[name]
		if !exists || st.Level >= LevelError {
			ok = false
		}
	}
	return ok, snapshot
}
