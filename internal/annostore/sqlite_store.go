// Package annostore persists cluster mappings, marker gene sets and annotation runs in SQLite.
package annostore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/atlasmap-sc/annotator/internal/annotation"
)

// ErrNotFound is returned when a mapping, marker set or run does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus is the outcome of an annotation run.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// MappingRecord is a named cluster -> cell type mapping stored for a dataset.
type MappingRecord struct {
	DatasetID string             `json:"dataset_id"`
	Name      string             `json:"name"`
	Entries   annotation.Mapping `json:"entries"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// MarkerSetRecord is a named marker gene set stored for a dataset.
type MarkerSetRecord struct {
	DatasetID string               `json:"dataset_id"`
	Name      string               `json:"name"`
	Markers   annotation.MarkerSet `json:"markers"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Run records one annotation attempt.
type Run struct {
	ID           string    `json:"run_id"`
	DatasetID    string    `json:"dataset_id"`
	SourceColumn string    `json:"source_column"`
	TargetColumn string    `json:"target_column"`
	MappingName  string    `json:"mapping_name,omitempty"`
	Status       RunStatus `json:"status"`
	Error        string    `json:"error,omitempty"`
	NCells       int       `json:"n_cells"`
	NCategories  int       `json:"n_categories"`
	Missing      []string  `json:"missing,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store provides persistent storage using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	now func() time.Time
}

// NewStore opens (or creates) the SQLite database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mappings (
		dataset_id TEXT NOT NULL,
		name TEXT NOT NULL,
		entries_json TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (dataset_id, name)
	);

	CREATE TABLE IF NOT EXISTS marker_sets (
		dataset_id TEXT NOT NULL,
		name TEXT NOT NULL,
		markers_json TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (dataset_id, name)
	);

	CREATE TABLE IF NOT EXISTS annotation_runs (
		run_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		source_column TEXT NOT NULL,
		target_column TEXT NOT NULL,
		mapping_name TEXT DEFAULT '',
		status TEXT NOT NULL,
		error TEXT DEFAULT '',
		n_cells INTEGER DEFAULT 0,
		n_categories INTEGER DEFAULT 0,
		missing_json TEXT DEFAULT '[]',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_annotation_runs_dataset ON annotation_runs(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_annotation_runs_created ON annotation_runs(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// PutMapping inserts or replaces a named mapping.
func (s *Store) PutMapping(datasetID, name string, m annotation.Mapping) error {
	if name == "" {
		return fmt.Errorf("empty mapping name")
	}
	if len(m) == 0 {
		return fmt.Errorf("mapping %s has no entries", name)
	}
	entries, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal mapping: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO mappings (dataset_id, name, entries_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(dataset_id, name) DO UPDATE SET entries_json = excluded.entries_json, updated_at = excluded.updated_at
	`, datasetID, name, string(entries), s.now().UTC().Format(time.RFC3339))
	return err
}

// GetMapping retrieves a mapping by name.
func (s *Store) GetMapping(datasetID, name string) (*MappingRecord, error) {
	row := s.db.QueryRow(`
		SELECT dataset_id, name, entries_json, updated_at
		FROM mappings WHERE dataset_id = ? AND name = ?
	`, datasetID, name)

	rec, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mapping %s: %w", name, ErrNotFound)
	}
	return rec, err
}

// ListMappings returns all mappings of a dataset ordered by name.
func (s *Store) ListMappings(datasetID string) ([]*MappingRecord, error) {
	rows, err := s.db.Query(`
		SELECT dataset_id, name, entries_json, updated_at
		FROM mappings WHERE dataset_id = ?
		ORDER BY name ASC
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MappingRecord
	for rows.Next() {
		rec, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteMapping removes a mapping.
func (s *Store) DeleteMapping(datasetID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM mappings WHERE dataset_id = ? AND name = ?", datasetID, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mapping %s: %w", name, ErrNotFound)
	}
	return nil
}

// PutMarkerSet inserts or replaces a named marker gene set.
func (s *Store) PutMarkerSet(datasetID, name string, set annotation.MarkerSet) error {
	if name == "" {
		return fmt.Errorf("empty marker set name")
	}
	if len(set) == 0 {
		return fmt.Errorf("marker set %s has no cell types", name)
	}
	markers, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal marker set: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO marker_sets (dataset_id, name, markers_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(dataset_id, name) DO UPDATE SET markers_json = excluded.markers_json, updated_at = excluded.updated_at
	`, datasetID, name, string(markers), s.now().UTC().Format(time.RFC3339))
	return err
}

// GetMarkerSet retrieves a marker set by name.
func (s *Store) GetMarkerSet(datasetID, name string) (*MarkerSetRecord, error) {
	row := s.db.QueryRow(`
		SELECT dataset_id, name, markers_json, updated_at
		FROM marker_sets WHERE dataset_id = ? AND name = ?
	`, datasetID, name)

	rec, err := scanMarkerSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("marker set %s: %w", name, ErrNotFound)
	}
	return rec, err
}

// ListMarkerSets returns all marker sets of a dataset ordered by name.
func (s *Store) ListMarkerSets(datasetID string) ([]*MarkerSetRecord, error) {
	rows, err := s.db.Query(`
		SELECT dataset_id, name, markers_json, updated_at
		FROM marker_sets WHERE dataset_id = ?
		ORDER BY name ASC
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MarkerSetRecord
	for rows.Next() {
		rec, err := scanMarkerSet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordRun stores an annotation run. A zero CreatedAt is set to the current time.
func (s *Store) RecordRun(run *Run) error {
	if run.ID == "" {
		return fmt.Errorf("run has no id")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now().UTC().Truncate(time.Second)
	}
	missing := run.Missing
	if missing == nil {
		missing = []string{}
	}
	missingJSON, err := json.Marshal(missing)
	if err != nil {
		return fmt.Errorf("failed to marshal missing labels: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO annotation_runs (run_id, dataset_id, source_column, target_column, mapping_name, status, error, n_cells, n_categories, missing_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.DatasetID,
		run.SourceColumn,
		run.TargetColumn,
		run.MappingName,
		string(run.Status),
		run.Error,
		run.NCells,
		run.NCategories,
		string(missingJSON),
		run.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

const runColumns = `run_id, dataset_id, source_column, target_column, mapping_name, status, error, n_cells, n_categories, missing_json, created_at`

// GetRun retrieves a run by ID.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM annotation_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run, err
}

// ListRuns returns the runs of a dataset, newest first.
func (s *Store) ListRuns(datasetID string) ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT `+runColumns+`
		FROM annotation_runs WHERE dataset_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteExpiredRuns deletes runs older than retentionDays.
func (s *Store) DeleteExpiredRuns(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	result, err := s.db.Exec(`DELETE FROM annotation_runs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMapping(row scanner) (*MappingRecord, error) {
	var rec MappingRecord
	var entries, updatedAt string
	if err := row.Scan(&rec.DatasetID, &rec.Name, &entries, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(entries), &rec.Entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mapping %s: %w", rec.Name, err)
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}

func scanMarkerSet(row scanner) (*MarkerSetRecord, error) {
	var rec MarkerSetRecord
	var markers, updatedAt string
	if err := row.Scan(&rec.DatasetID, &rec.Name, &markers, &updatedAt); err != nil {
		return nil, err
	}
	set, err := annotation.ParseMarkerSet([]byte(markers))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal marker set %s: %w", rec.Name, err)
	}
	rec.Markers = set
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var missingJSON, createdAt string
	err := row.Scan(
		&run.ID,
		&run.DatasetID,
		&run.SourceColumn,
		&run.TargetColumn,
		&run.MappingName,
		&run.Status,
		&run.Error,
		&run.NCells,
		&run.NCategories,
		&missingJSON,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(missingJSON), &run.Missing); err != nil {
		return nil, fmt.Errorf("failed to unmarshal missing labels: %w", err)
	}
	if len(run.Missing) == 0 {
		run.Missing = nil
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &run, nil
}
