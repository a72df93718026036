package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"dockpit/internal/api"
)

func TestProjectRegistration(t *testing.T) {
	ts := startTestServer(t)

	resp, body := ts.do(t, http.MethodPut, "/api/v1/projects/p1", api.ProjectRequest{
		Name:            "web",
		Directory:       t.TempDir(),
		ContainerID:     "abc123",
		ContainerStatus: "running",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put: %d %s", resp.StatusCode, body)
	}
	var created api.Project
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID != "p1" || created.ContainerID != "abc123" || created.DetectedPorts == nil {
		t.Fatalf("unexpected project %+v", created)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/v1/projects", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d", resp.StatusCode)
	}
	var list struct {
		Projects []api.Project `json:"projects"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Projects) != 1 || list.Projects[0].Name != "web" {
		t.Fatalf("unexpected list %+v", list.Projects)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/projects/p1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodGet, "/api/v1/projects/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get missing: expected 404, got %d", resp.StatusCode)
	}
}

func TestProjectRegistrationValidation(t *testing.T) {
	ts := startTestServer(t)
	tests := []struct {
		name string
		body any
	}{
		{name: "bad container ref", body: api.ProjectRequest{ContainerID: "abc; rm -rf /"}},
		{name: "container ref too long", body: api.ProjectRequest{ContainerID: strings.Repeat("a", 256)}},
		{name: "name not a string", body: map[string]any{"name": 42}},
		{name: "unknown status", body: api.ProjectRequest{ContainerStatus: "sleeping"}},
		{name: "not json", body: "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPut, "/api/v1/projects/p1", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d %s", resp.StatusCode, body)
			}
		})
	}
}
