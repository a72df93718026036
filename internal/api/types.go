package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// PortState is the lifecycle of one tunneled port.
type PortState string

const (
	PortPending   PortState = "pending"
	PortListening PortState = "listening"
	PortError     PortState = "error"
)

// Valid reports whether s is a known state.
func (s PortState) Valid() bool {
	switch s {
	case PortPending, PortListening, PortError:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown states.
func (s *PortState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	state := PortState(raw)
	if !state.Valid() {
		return fmt.Errorf("invalid port state %q", raw)
	}
	*s = state
	return nil
}

// PortStatus is the coordinator's (or agent's) view of one tunneled port.
// LocalPort differs from Port only after a local bind collision.
type PortStatus struct {
	Port      int       `json:"port"`
	LocalPort int       `json:"localPort"`
	Status    PortState `json:"status"`
}

// TunnelState is returned by GET /api/v1/tunnel.
type TunnelState struct {
	FocusedProjectID *string      `json:"focusedProjectId"`
	AgentConnected   bool         `json:"agentConnected"`
	ActivePorts      []int        `json:"activePorts"`
	Ports            []PortStatus `json:"ports"`
}

// FocusRequest is the body of PUT /api/v1/tunnel/focus. A null projectId
// clears focus.
type FocusRequest struct {
	ProjectID *string `json:"projectId"`
}

// ProjectRequest is the body of PUT /api/v1/projects/:id.
type ProjectRequest struct {
	Name            string `json:"name"`
	Directory       string `json:"directory"`
	ContainerID     string `json:"containerId"`
	ContainerStatus string `json:"containerStatus"`
}

// Project is a registered project as returned by the API.
type Project struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Directory       string    `json:"directory"`
	ContainerID     string    `json:"containerId,omitempty"`
	ContainerStatus string    `json:"containerStatus,omitempty"`
	DetectedPorts   []int     `json:"detectedPorts"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ErrorResponse is the body of every non-2xx API reply.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// AgentState is broadcast by the agent's local control surface.
type AgentState struct {
	Connected bool         `json:"connected"`
	ProjectID *string      `json:"projectId"`
	Ports     []PortStatus `json:"ports"`
}

// AgentCommand is a message from a browser to the agent's local WebSocket.
type AgentCommand struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
}

// AgentCommandFocus asks the agent to pre-open a project's cached ports.
const AgentCommandFocus = "project:focus"
