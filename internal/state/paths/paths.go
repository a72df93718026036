package paths

import (
	"os"
	"path/filepath"
	"sync"
)

// EnvStateDir overrides the state root.
const EnvStateDir = "DOCKPIT_STATE_DIR"

const defaultDirName = ".dockpit"

var (
	root string
	once sync.Once
)

func resolveRoot() {
	candidate := os.Getenv(EnvStateDir)
	if candidate == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = os.TempDir()
		}
		candidate = filepath.Join(home, defaultDirName)
	}
	root = filepath.Clean(candidate)
}

// Root returns the directory holding the project database and agent cache.
func Root() string {
	once.Do(resolveRoot)
	return root
}

// Join resolves a path relative to the state root.
func Join(elements ...string) string {
	all := append([]string{Root()}, elements...)
	return filepath.Join(all...)
}

func TunnelCacheFile() string { return Join("tunnel-cache.json") }

// SetRootForTest resets the cached root so tests can override DOCKPIT_STATE_DIR.
func SetRootForTest(dir string) {
	if dir != "" {
		os.Setenv(EnvStateDir, dir)
	}
	root = ""
	once = sync.Once{}
}
