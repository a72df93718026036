package persistence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreProjectLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, err := store.GetProject(ctx, "p1"); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}

	p := Project{ID: "p1", Name: "web", Directory: "/src/web", ContainerID: "abc123", ContainerStatus: "running"}
	if err := store.UpsertProject(ctx, p); err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	got, err := store.GetProject(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.Name != "web" || got.Directory != "/src/web" || got.ContainerID != "abc123" || got.ContainerStatus != "running" {
		t.Fatalf("unexpected project: %+v", got)
	}
	if len(got.DetectedPorts) != 0 {
		t.Fatalf("expected no detected ports, got %v", got.DetectedPorts)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("expected UpdatedAt to be set")
	}

	if err := store.SetContainerStatus(ctx, "p1", "exited"); err != nil {
		t.Fatalf("SetContainerStatus: %v", err)
	}
	got, _ = store.GetProject(ctx, "p1")
	if got.ContainerStatus != "exited" {
		t.Fatalf("status = %q, want exited", got.ContainerStatus)
	}
}

func TestStoreDetectedPorts(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if err := store.UpsertProject(ctx, Project{ID: "p1", Name: "web"}); err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}

	if err := store.SetDetectedPorts(ctx, "p1", []int{5173, 3000}); err != nil {
		t.Fatalf("SetDetectedPorts: %v", err)
	}
	ports, err := store.DetectedPorts(ctx, "p1")
	if err != nil {
		t.Fatalf("DetectedPorts: %v", err)
	}
	if !reflect.DeepEqual(ports, []int{3000, 5173}) {
		t.Fatalf("ports = %v, want [3000 5173]", ports)
	}

	// Re-registering keeps the cached ports.
	if err := store.UpsertProject(ctx, Project{ID: "p1", Name: "web2", ContainerID: "def"}); err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	ports, _ = store.DetectedPorts(ctx, "p1")
	if !reflect.DeepEqual(ports, []int{3000, 5173}) {
		t.Fatalf("ports after upsert = %v", ports)
	}

	if err := store.SetDetectedPorts(ctx, "p1", nil); err != nil {
		t.Fatalf("SetDetectedPorts(nil): %v", err)
	}
	ports, _ = store.DetectedPorts(ctx, "p1")
	if len(ports) != 0 || ports == nil {
		t.Fatalf("expected empty non-nil ports, got %#v", ports)
	}
}

func TestStoreUnknownProject(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	ports, err := store.DetectedPorts(ctx, "missing")
	if err != nil || len(ports) != 0 {
		t.Fatalf("DetectedPorts(missing) = %v, %v", ports, err)
	}
	if err := store.SetDetectedPorts(ctx, "missing", []int{3000}); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
	if err := store.SetContainerStatus(ctx, "missing", "running"); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
	if err := store.UpsertProject(ctx, Project{ID: "  "}); err == nil {
		t.Fatal("expected error for blank id")
	}
}

func TestStoreProjectByContainer(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	_ = store.UpsertProject(ctx, Project{ID: "a", ContainerID: "abc123"})
	_ = store.UpsertProject(ctx, Project{ID: "b", ContainerID: "def456"})
	_ = store.UpsertProject(ctx, Project{ID: "c"})

	tests := []struct {
		containerID string
		want        string
		expectError bool
	}{
		{"abc123", "a", false},
		{"def456789abcdef", "b", false},
		{"def", "b", false},
		{"zzz", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.containerID, func(t *testing.T) {
			p, err := store.ProjectByContainer(ctx, tt.containerID)
			if tt.expectError {
				if !errors.Is(err, ErrProjectNotFound) {
					t.Fatalf("expected ErrProjectNotFound, got %v (%+v)", err, p)
				}
				return
			}
			if err != nil {
				t.Fatalf("ProjectByContainer: %v", err)
			}
			if p.ID != tt.want {
				t.Fatalf("project = %s, want %s", p.ID, tt.want)
			}
		})
	}
}

func TestStoreListAndReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = store.UpsertProject(ctx, Project{ID: "b"})
	_ = store.UpsertProject(ctx, Project{ID: "a"})
	_ = store.SetDetectedPorts(ctx, "a", []int{8080})
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, databaseFileName)); err != nil {
		t.Fatalf("database file missing: %v", err)
	}

	store, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	projects, err := store.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 2 || projects[0].ID != "a" || projects[1].ID != "b" {
		t.Fatalf("unexpected projects: %+v", projects)
	}
	if !reflect.DeepEqual(projects[0].DetectedPorts, []int{8080}) {
		t.Fatalf("ports not persisted: %v", projects[0].DetectedPorts)
	}
}

func TestStoreDetachContainer(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if err := store.UpsertProject(ctx, Project{ID: "p1", ContainerID: "abc123", ContainerStatus: "running"}); err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	if err := store.DetachContainer(ctx, "p1", "not_created"); err != nil {
		t.Fatalf("DetachContainer: %v", err)
	}
	got, err := store.GetProject(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.ContainerID != "" || got.ContainerStatus != "not_created" {
		t.Fatalf("unexpected project after detach: %+v", got)
	}
	if err := store.DetachContainer(ctx, "missing", "not_created"); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}
