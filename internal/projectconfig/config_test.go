package projectconfig

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, DirName), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(Path(dir), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return dir
}

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		wantPorts   []int
		wantNil     bool
		expectError bool
	}{
		{"inline list", "tunnel:\n  ports: [3000, 5173]\n", []int{3000, 5173}, false, false},
		{"block list", "tunnel:\n  ports:\n    - 3000\n    - 8080\n", []int{3000, 8080}, false, false},
		{"comments and other sections", "# dev\nimage: node\ntunnel:\n  # only the app\n  ports: [3000]\n", []int{3000}, false, false},
		{"tunnel without ports", "tunnel:\n  enabled: true\n", nil, false, false},
		{"no tunnel section", "image: node:20\n", nil, true, false},
		{"empty file", "", nil, true, false},
		{"non-numeric port", "tunnel:\n  ports: [web]\n", nil, false, true},
		{"out of range port", "tunnel:\n  ports: [70000]\n", nil, false, true},
		{"malformed yaml", "tunnel: [\n", nil, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.content))
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error, got config %+v", cfg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil {
				if cfg != nil {
					t.Fatalf("expected nil config, got %+v", cfg)
				}
				return
			}
			if cfg == nil {
				t.Fatal("expected config, got nil")
			}
			if !reflect.DeepEqual(cfg.Ports, tt.wantPorts) {
				t.Errorf("Ports = %v, want %v", cfg.Ports, tt.wantPorts)
			}
		})
	}
}

func TestLoadMissingFileAllowsAll(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config, got %+v", cfg)
	}
	if got := cfg.Filter([]int{3000, 5173}); !reflect.DeepEqual(got, []int{3000, 5173}) {
		t.Fatalf("nil config filtered ports: %v", got)
	}
}

func TestLoadReadsProjectFile(t *testing.T) {
	dir := writeConfig(t, "tunnel:\n  ports: [5173]\n")
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := cfg.Filter([]int{3000, 5173, 8080})
	if !reflect.DeepEqual(got, []int{5173}) {
		t.Fatalf("Filter = %v, want [5173]", got)
	}
}

func TestLoadEmptyDirectory(t *testing.T) {
	cfg, err := Load("")
	if err != nil || cfg != nil {
		t.Fatalf("Load(\"\") = %+v, %v", cfg, err)
	}
}

func TestFilterEmptyAllowList(t *testing.T) {
	cfg := &TunnelConfig{}
	if got := cfg.Filter([]int{1, 2}); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("empty allow-list filtered: %v", got)
	}
}
