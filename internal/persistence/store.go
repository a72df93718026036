// Package persistence stores the project registry and each project's last
// detected tunnel ports in SQLite.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"dockpit/internal/state/paths"
)

const (
	sqliteSchemaVersion = 1
	databaseFileName    = "dockpit.db"
)

// ErrProjectNotFound is returned when no project has the requested id.
var ErrProjectNotFound = errors.New("project not found")

// Project is one registered project.
type Project struct {
	ID              string
	Name            string
	Directory       string
	ContainerID     string
	ContainerStatus string
	DetectedPorts   []int
	UpdatedAt       time.Time
}

// Store is the SQLite-backed project registry.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database under stateDir. An empty
// stateDir uses the default state root.
func Open(stateDir string) (*Store, error) {
	base := stateDir
	if base == "" {
		base = paths.Root()
	}
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(base, databaseFileName)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path reports the database file location.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func configureSQLite(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL;`); err != nil {
		return fmt.Errorf("set synchronous: %w", err)
	}
	return nil
}

func applyMigrations(db *sql.DB) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			directory TEXT NOT NULL DEFAULT '',
			container_id TEXT NOT NULL DEFAULT '',
			container_status TEXT NOT NULL DEFAULT '',
			detected_ports TEXT NOT NULL DEFAULT '[]',
			updated_at TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS projects_container_id ON projects (container_id);`,
		`PRAGMA user_version=` + fmt.Sprint(sqliteSchemaVersion) + `;`,
	}
	for _, stmt := range stmts {
		if _, err = tx.Exec(stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const projectColumns = `id, name, directory, container_id, container_status, detected_ports, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (Project, error) {
	var (
		p       Project
		ports   string
		updated string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Directory, &p.ContainerID, &p.ContainerStatus, &ports, &updated); err != nil {
		return Project{}, err
	}
	decoded, err := decodePorts(ports)
	if err != nil {
		return Project{}, fmt.Errorf("project %s: %w", p.ID, err)
	}
	p.DetectedPorts = decoded
	p.UpdatedAt = parseTimestamp(updated)
	return p, nil
}

// GetProject returns the project with the given id.
func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Project{}, sql.ErrConnDone
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	return p, err
}

// ProjectByContainer returns the project owning containerID. Docker reports
// full ids while the registry may hold a short prefix, so either direction
// of prefix match counts.
func (s *Store) ProjectByContainer(ctx context.Context, containerID string) (Project, error) {
	projects, err := s.ListProjects(ctx)
	if err != nil {
		return Project{}, err
	}
	for _, p := range projects {
		if p.ContainerID == "" || containerID == "" {
			continue
		}
		if strings.HasPrefix(containerID, p.ContainerID) || strings.HasPrefix(p.ContainerID, containerID) {
			return p, nil
		}
	}
	return Project{}, fmt.Errorf("%w: container %s", ErrProjectNotFound, containerID)
}

// ListProjects returns every project ordered by id.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, sql.ErrConnDone
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertProject registers or updates a project's descriptive fields. Detected
// ports are preserved on update.
func (s *Store) UpsertProject(ctx context.Context, p Project) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("project id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return sql.ErrConnDone
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO projects (id, name, directory, container_id, container_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			directory=excluded.directory,
			container_id=excluded.container_id,
			container_status=excluded.container_status,
			updated_at=excluded.updated_at`,
		p.ID, p.Name, p.Directory, p.ContainerID, p.ContainerStatus, now())
	return err
}

// SetContainerStatus records the runtime status of a project's container.
func (s *Store) SetContainerStatus(ctx context.Context, id, status string) error {
	return s.update(ctx, id, `UPDATE projects SET container_status=?, updated_at=? WHERE id=?`, status, now(), id)
}

// DetachContainer forgets a project's container after the runtime destroyed
// it.
func (s *Store) DetachContainer(ctx context.Context, id, status string) error {
	return s.update(ctx, id, `UPDATE projects SET container_id='', container_status=?, updated_at=? WHERE id=?`, status, now(), id)
}

// DetectedPorts returns the cached confirmed ports of a project. Unknown
// projects have none.
func (s *Store) DetectedPorts(ctx context.Context, id string) ([]int, error) {
	p, err := s.GetProject(ctx, id)
	if errors.Is(err, ErrProjectNotFound) {
		return []int{}, nil
	}
	if err != nil {
		return nil, err
	}
	return p.DetectedPorts, nil
}

// SetDetectedPorts replaces the cached confirmed ports of a project.
func (s *Store) SetDetectedPorts(ctx context.Context, id string, ports []int) error {
	encoded, err := encodePorts(ports)
	if err != nil {
		return err
	}
	return s.update(ctx, id, `UPDATE projects SET detected_ports=?, updated_at=? WHERE id=?`, encoded, now(), id)
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return sql.ErrConnDone
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	return nil
}

func encodePorts(ports []int) (string, error) {
	sorted := append([]int(nil), ports...)
	sort.Ints(sorted)
	if sorted == nil {
		sorted = []int{}
	}
	data, err := json.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("encode ports: %w", err)
	}
	return string(data), nil
}

func decodePorts(value string) ([]int, error) {
	ports := []int{}
	if strings.TrimSpace(value) == "" {
		return ports, nil
	}
	if err := json.Unmarshal([]byte(value), &ports); err != nil {
		return nil, fmt.Errorf("decode detected ports: %w", err)
	}
	return ports, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}
