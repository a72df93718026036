package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// Cache remembers the last confirmed ports per project so tunnels can be
// opened before the coordinator confirms them.
type Cache struct {
	path string

	mu      sync.Mutex
	entries map[string][]int
}

// LoadCache reads the cache file. A missing or unreadable file yields an
// empty cache.
func LoadCache(path string) *Cache {
	c := &Cache{path: path, entries: make(map[string][]int)}
	data, err := os.ReadFile(path)
	if err != nil {
		return c
	}
	var entries map[string][]int
	if err := json.Unmarshal(data, &entries); err == nil && entries != nil {
		c.entries = entries
	}
	return c
}

// Get returns a copy of the cached ports for projectID.
func (c *Cache) Get(projectID string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.entries[projectID])
}

// Set replaces the ports for projectID and writes the file. An empty list
// removes the entry.
func (c *Cache) Set(projectID string, ports []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(ports) == 0 {
		delete(c.entries, projectID)
	} else {
		c.entries[projectID] = slices.Clone(ports)
	}
	return c.saveLocked()
}

func (c *Cache) saveLocked() error {
	if c.path == "" {
		return nil
	}
	data, err := json.Marshal(c.entries)
	if err != nil {
		return fmt.Errorf("encode tunnel cache: %w", err)
	}
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tunnel-cache-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace cache: %w", err)
	}
	return nil
}
