// Package projectconfig loads the per-project tunnel settings stored in
// <project>/.dockpit/config.yaml.
package projectconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Location of the config file relative to a project directory.
const (
	DirName  = ".dockpit"
	FileName = "config.yaml"
)

// File is the on-disk document. Unknown sections are ignored.
type File struct {
	Tunnel *TunnelConfig `yaml:"tunnel"`
}

// TunnelConfig restricts which discovered ports are tunneled. An empty Ports
// list allows every port.
type TunnelConfig struct {
	Ports []int `yaml:"ports"`
}

// Path returns the config file path for a project directory.
func Path(projectDir string) string {
	return filepath.Join(projectDir, DirName, FileName)
}

// Load reads the tunnel section of a project's config. It returns nil, nil
// when the directory is empty, the file is absent, or the file has no tunnel
// section.
func Load(projectDir string) (*TunnelConfig, error) {
	if projectDir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(Path(projectDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tunnel config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a config document. Port entries must be integers in 1..65535;
// both `ports: [3000, 5173]` and block lists are accepted.
func Parse(data []byte) (*TunnelConfig, error) {
	var doc File
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if doc.Tunnel == nil {
		return nil, nil
	}
	for _, p := range doc.Tunnel.Ports {
		if p < 1 || p > 65535 {
			return nil, fmt.Errorf("tunnel.ports: port must be between 1 and 65535, got %d", p)
		}
	}
	return doc.Tunnel, nil
}

// Filter returns the ports permitted by c, preserving order. A nil config or
// an empty allow-list permits everything.
func (c *TunnelConfig) Filter(ports []int) []int {
	if c == nil || len(c.Ports) == 0 {
		return ports
	}
	allowed := make(map[int]struct{}, len(c.Ports))
	for _, p := range c.Ports {
		allowed[p] = struct{}{}
	}
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		if _, ok := allowed[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
