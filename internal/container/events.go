package container

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Event is a lifecycle change of a managed container.
type Event struct {
	ContainerID string
	ProjectID   string
	Action      string
	// Status is the resulting container status, or "" for actions that do not
	// change it.
	Status string
}

// rawEvent covers both docker and podman `events --format '{{json .}}'` lines.
type rawEvent struct {
	// docker
	Action string `json:"Action"`
	Actor  struct {
		ID         string            `json:"ID"`
		Attributes map[string]string `json:"Attributes"`
	} `json:"Actor"`

	// podman
	Status     string            `json:"Status"`
	ID         string            `json:"ID"`
	Attributes map[string]string `json:"Attributes"`
}

// MapEventStatus maps a runtime event action to a container status.
func MapEventStatus(action string) string {
	// docker reports e.g. "exec_start: sh"; only the verb matters.
	if i := strings.IndexAny(action, ": "); i >= 0 {
		action = action[:i]
	}
	switch action {
	case "start", "restart", "unpause":
		return StatusRunning
	case "stop", "die", "kill", "died":
		return StatusExited
	case "pause":
		return StatusPaused
	case "destroy", "remove", "cleanup":
		return StatusNotCreated
	default:
		return ""
	}
}

// ParseEvent decodes one JSON event line.
func ParseEvent(line []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	ev := Event{Action: raw.Action, ContainerID: raw.Actor.ID}
	attrs := raw.Actor.Attributes
	if ev.Action == "" {
		ev.Action = raw.Status
	}
	if ev.ContainerID == "" {
		ev.ContainerID = raw.ID
	}
	if attrs == nil {
		attrs = raw.Attributes
	}
	ev.ProjectID = attrs[LabelProjectID]
	ev.Status = MapEventStatus(ev.Action)
	return ev, nil
}

// Events streams lifecycle events for managed containers until ctx is
// cancelled or the runtime process exits. Lines that fail to parse are
// skipped.
func (c *CLI) Events(ctx context.Context, handle func(Event)) error {
	cmd := exec.CommandContext(ctx, c.binary, "events",
		"--filter", "label="+LabelManaged+"=true",
		"--filter", "type=container",
		"--format", "{{json .}}")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("events pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s events: %w", c.binary, err)
	}
	consumeEvents(stdout, handle)
	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("%s events exited: %w", c.binary, err)
	}
	return ctx.Err()
}

func consumeEvents(r io.Reader, handle func(Event)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ev, err := ParseEvent([]byte(line))
		if err != nil || ev.ContainerID == "" {
			continue
		}
		handle(ev)
	}
}
