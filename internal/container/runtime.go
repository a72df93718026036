package container

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrContainerNotFound is returned when the runtime has no such container.
var ErrContainerNotFound = errors.New("container not found")

// Label keys stamped on managed containers.
const (
	LabelManaged   = "dockpit.managed"
	LabelProjectID = "dockpit.project.id"
)

// Container status values as reported by the runtime, plus NotCreated for a
// destroyed container.
const (
	StatusRunning    = "running"
	StatusExited     = "exited"
	StatusPaused     = "paused"
	StatusNotCreated = "not_created"
)

var (
	// Container IDs or names: alphanumerics plus _ . -
	refPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

	// First ":<port><space>" on an `ss -tln` line is the local address port.
	ssPortPattern = regexp.MustCompile(`:(\d+)\s`)
)

// NetworkInfo is what the tunnel needs to dial into a container.
type NetworkInfo struct {
	ID     string
	Status string
	IP     string
}

// Runner executes a runtime command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("%s %s: %w: %s", name, args[0], err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, fmt.Errorf("%s %s: %w", name, args[0], err)
	}
	return out, nil
}

// CLI talks to docker or podman through their command line, without a shell.
type CLI struct {
	binary  string
	network string
	run     Runner
}

// Option configures a CLI.
type Option func(*CLI)

// WithRunner replaces command execution, mainly for tests.
func WithRunner(r Runner) Option {
	return func(c *CLI) { c.run = r }
}

// NewCLI returns a runtime client. binary is "docker" or "podman"; network is
// the preferred network when resolving a container IP.
func NewCLI(binary, network string, opts ...Option) *CLI {
	if binary == "" {
		binary = "docker"
	}
	c := &CLI{binary: binary, network: network, run: execRunner}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Binary reports the runtime executable in use.
func (c *CLI) Binary() string { return c.binary }

// ValidateContainerRef validates a container id or name before it reaches argv.
func ValidateContainerRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("container reference cannot be empty")
	}
	if len(ref) > 255 {
		return fmt.Errorf("container reference too long (max 255 chars)")
	}
	if !refPattern.MatchString(ref) {
		return fmt.Errorf("container reference contains invalid characters: %s", ref)
	}
	return nil
}

// ValidatePort validates port numbers
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

type inspectDoc struct {
	ID    string `json:"Id"`
	State struct {
		Status string `json:"Status"`
	} `json:"State"`
	NetworkSettings struct {
		IPAddress string `json:"IPAddress"`
		Networks  map[string]struct {
			IPAddress string `json:"IPAddress"`
		} `json:"Networks"`
	} `json:"NetworkSettings"`
}

// Inspect resolves a container's status and IP address.
func (c *CLI) Inspect(ctx context.Context, containerID string) (NetworkInfo, error) {
	if err := ValidateContainerRef(containerID); err != nil {
		return NetworkInfo{}, err
	}
	out, err := c.run(ctx, c.binary, "inspect", "--type", "container", containerID)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such") {
			return NetworkInfo{}, fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
		}
		return NetworkInfo{}, err
	}
	return parseInspect(out, c.network)
}

func parseInspect(out []byte, network string) (NetworkInfo, error) {
	var docs []inspectDoc
	if err := json.Unmarshal(out, &docs); err != nil {
		return NetworkInfo{}, fmt.Errorf("parse inspect output: %w", err)
	}
	if len(docs) == 0 {
		return NetworkInfo{}, ErrContainerNotFound
	}
	doc := docs[0]
	info := NetworkInfo{ID: doc.ID, Status: strings.ToLower(doc.State.Status)}

	if n, ok := doc.NetworkSettings.Networks[network]; ok && n.IPAddress != "" {
		info.IP = n.IPAddress
		return info, nil
	}
	if doc.NetworkSettings.IPAddress != "" {
		info.IP = doc.NetworkSettings.IPAddress
		return info, nil
	}
	// Fall back to any attached network, in a stable order.
	names := make([]string, 0, len(doc.NetworkSettings.Networks))
	for name := range doc.NetworkSettings.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if ip := doc.NetworkSettings.Networks[name].IPAddress; ip != "" {
			info.IP = ip
			break
		}
	}
	return info, nil
}

// ListeningPorts runs `ss -tlnp` inside the container and returns every port
// found, unfiltered.
func (c *CLI) ListeningPorts(ctx context.Context, containerID string) ([]int, error) {
	if err := ValidateContainerRef(containerID); err != nil {
		return nil, err
	}
	out, err := c.run(ctx, c.binary, "exec", containerID, "ss", "-tlnp")
	if err != nil {
		return nil, err
	}
	return ParseListeningPorts(string(out)), nil
}

// ParseListeningPorts extracts local ports from `ss -tln` output, in order of
// first appearance and without duplicates.
func ParseListeningPorts(output string) []int {
	var ports []int
	seen := make(map[int]struct{})
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		// Trailing space keeps a port at end-of-line matchable.
		match := ssPortPattern.FindStringSubmatch(scanner.Text() + " ")
		if len(match) != 2 {
			continue
		}
		port, err := strconv.Atoi(match[1])
		if err != nil || ValidatePort(port) != nil {
			continue
		}
		if _, dup := seen[port]; dup {
			continue
		}
		seen[port] = struct{}{}
		ports = append(ports, port)
	}
	return ports
}
